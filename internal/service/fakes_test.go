package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/stretchr/testify/require"
)

// memSubscriptions is an in-memory SubscriptionRepository with the same conditioned-write
// contract as the Mongo store.
type memSubscriptions struct {
	mu      sync.Mutex
	records map[string]*domain.Subscription
	order   []string
	seq     int

	// beforeUpdate runs once, outside the lock, ahead of the next UpdateStatus
	beforeUpdate func()
	updates      int

	// now stamps created_at and updated_at
	now func() time.Time
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{records: make(map[string]*domain.Subscription), now: time.Now}
}

func (m *memSubscriptions) NextID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("sub-%03d", m.seq)
}

func (m *memSubscriptions) Create(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		sub.ID = m.NextID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[sub.ID]; ok {
		return domain.ErrConflict
	}
	if sub.Status == domain.StatusActive && m.activeOtherThan(sub.UserID, sub.ID) {
		return domain.ErrConflict
	}
	now := m.now().UTC()
	sub.Version = 1
	sub.CreatedAt, sub.UpdatedAt = now, now
	stored := *sub
	m.records[sub.ID] = &stored
	m.order = append(m.order, sub.ID)
	return nil
}

func (m *memSubscriptions) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

func (m *memSubscriptions) latest(match func(*domain.Subscription) bool) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		sub := m.records[m.order[i]]
		if match(sub) {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memSubscriptions) FindActiveByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	return m.latest(func(s *domain.Subscription) bool { return s.UserID == userID && s.Status == domain.StatusActive })
}

func (m *memSubscriptions) FindLatestByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	return m.latest(func(s *domain.Subscription) bool { return s.UserID == userID })
}

func (m *memSubscriptions) FindLatestByUserAndStatus(ctx context.Context, userID string, status domain.SubscriptionStatus) (*domain.Subscription, error) {
	return m.latest(func(s *domain.Subscription) bool { return s.UserID == userID && s.Status == status })
}

func (m *memSubscriptions) FindByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	return m.latest(func(s *domain.Subscription) bool { return s.ExternalSubscriptionID == externalID })
}

func (m *memSubscriptions) FindLatestByExternalCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	return m.latest(func(s *domain.Subscription) bool { return s.ExternalCustomerID == customerID })
}

func (m *memSubscriptions) UpdateStatus(ctx context.Context, id string, expectedVersion int64, change domain.StatusChange) (*domain.Subscription, error) {
	m.mu.Lock()
	hook := m.beforeUpdate
	m.beforeUpdate = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return nil, domain.ErrStaleWrite
	}
	next := change.ApplyTo(stored)
	if next.Status == domain.StatusActive && m.activeOtherThan(next.UserID, id) {
		return nil, domain.ErrConflict
	}
	next.Version++
	next.UpdatedAt = m.now().UTC()
	m.records[id] = next
	m.updates++
	copied := *next
	return &copied, nil
}

func (m *memSubscriptions) activeOtherThan(userID, id string) bool {
	for _, sub := range m.records {
		if sub.UserID == userID && sub.ID != id && sub.Status == domain.StatusActive {
			return true
		}
	}
	return false
}

func (m *memSubscriptions) filter(match func(*domain.Subscription) bool) []*domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Subscription
	for _, id := range m.order {
		if sub := m.records[id]; match(sub) {
			copied := *sub
			out = append(out, &copied)
		}
	}
	return out
}

func (m *memSubscriptions) ListByStatuses(ctx context.Context, statuses ...domain.SubscriptionStatus) ([]*domain.Subscription, error) {
	return m.filter(func(s *domain.Subscription) bool {
		for _, st := range statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (m *memSubscriptions) ListExpiring(ctx context.Context, now time.Time) ([]*domain.Subscription, error) {
	return m.filter(func(s *domain.Subscription) bool {
		return s.Status == domain.StatusActive && !s.AutoRenew && s.EndDate.Before(now)
	}), nil
}

func (m *memSubscriptions) List(ctx context.Context, f domain.SubscriptionFilter) ([]*domain.Subscription, int64, error) {
	all := m.filter(func(s *domain.Subscription) bool { return f.Status == "" || s.Status == f.Status })
	start := (f.Page - 1) * f.Limit
	if start > len(all) {
		start = len(all)
	}
	end := start + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

// seed stores sub as-is and returns its stored copy
func (m *memSubscriptions) seed(t *testing.T, sub domain.Subscription) *domain.Subscription {
	t.Helper()
	require.NoError(t, m.Create(context.Background(), &sub))
	stored, err := m.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	return stored
}

func (m *memSubscriptions) get(t *testing.T, id string) *domain.Subscription {
	t.Helper()
	sub, err := m.GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

// memUsers is an in-memory UserRepository
type memUsers struct {
	mu         sync.Mutex
	users      map[string]*domain.User
	roleWrites int
	roleErr    error
}

func newMemUsers(users ...*domain.User) *memUsers {
	m := &memUsers{users: make(map[string]*domain.User)}
	for _, u := range users {
		if u.Role == "" {
			u.Role = domain.RoleUser
		}
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memUsers) UpdateRole(ctx context.Context, userID, role, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roleErr != nil {
		return m.roleErr
	}
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	if u.Role == domain.RoleAdmin {
		return nil
	}
	m.roleWrites++
	u.Role = role
	if subscriptionID != "" {
		u.SubscriptionID = subscriptionID
	}
	return nil
}

func (m *memUsers) SetExternalCustomerID(ctx context.Context, userID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	if u.ExternalCustomerID != "" && u.ExternalCustomerID != customerID {
		return domain.ErrConflict
	}
	u.ExternalCustomerID = customerID
	return nil
}

func (m *memUsers) ListIDsByRole(ctx context.Context, role string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, u := range m.users {
		if u.Role == role {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memUsers) role(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id].Role
}

// memCache is an in-memory SubscriptionCache
type memCache struct {
	mu            sync.Mutex
	entries       map[string]*domain.Subscription
	invalidations int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*domain.Subscription)}
}

func (c *memCache) GetUserSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[userID], nil
}

func (c *memCache) SetUserSubscription(ctx context.Context, userID string, sub *domain.Subscription, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *sub
	c.entries[userID] = &copied
	return nil
}

func (c *memCache) InvalidateUserSubscription(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	c.invalidations++
	return nil
}

// memArchive records archived payloads
type memArchive struct {
	mu     sync.Mutex
	stored map[string][]byte
	err    error
}

func (a *memArchive) Store(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if a.stored == nil {
		a.stored = make(map[string][]byte)
	}
	a.stored[eventID] = payload
	return "webhooks/" + eventID + ".json", nil
}

const testWebhookSecret = "whsec_test"

// harness wires the three services over shared fakes and a pinned clock
type harness struct {
	now       time.Time
	subs      *memSubscriptions
	users     *memUsers
	cache     *memCache
	archive   *memArchive
	gateway   *MockGateway
	lifecycle *SubscriptionService
	webhooks  *WebhookService
	sweeps    *SweepService
}

func newHarness(t *testing.T, now time.Time, users ...*domain.User) *harness {
	t.Helper()
	h := &harness{
		now:     now,
		subs:    newMemSubscriptions(),
		users:   newMemUsers(users...),
		cache:   newMemCache(),
		archive: &memArchive{},
		gateway: NewMockGateway(),
	}
	clk := clock(func() time.Time { return h.now })
	h.subs.now = clk

	billing := config.BillingConfig{FullYearPrice: 0.99, Currency: "usd", ProductName: "Yearly"}
	h.lifecycle = NewSubscriptionService(h.subs, h.users, h.cache, h.gateway, billing, nil)
	h.lifecycle.clock = clk

	h.webhooks = NewWebhookService(h.subs, h.users, h.cache, h.archive, config.GatewayConfig{
		WebhookSecret:      testWebhookSecret,
		SignatureTolerance: 5 * time.Minute,
	}, nil)
	h.webhooks.clock = clk

	h.sweeps = NewSweepService(h.subs, h.users, h.cache, h.gateway, config.SweepConfig{DriftConcurrency: 4}, nil)
	h.sweeps.clock = clk
	return h
}

// activeSubscription seeds a paid record together with the provider-side subscription
func (h *harness) activeSubscription(t *testing.T, userID string, autoRenew bool) *domain.Subscription {
	t.Helper()
	extID := "sub_ext_" + userID
	h.gateway.SetRemote(domain.RemoteSubscription{
		ID:                extID,
		CustomerID:        "cus_" + userID,
		Status:            domain.RemoteActive,
		CancelAtPeriodEnd: !autoRenew,
	})
	renewal := domain.NextRenewalDate(h.now)
	sub := h.subs.seed(t, domain.Subscription{
		UserID:                 userID,
		ExternalSubscriptionID: extID,
		ExternalCustomerID:     "cus_" + userID,
		Status:                 domain.StatusActive,
		StartDate:              h.now.AddDate(0, -1, 0),
		EndDate:                renewal,
		NextBillingDate:        renewal,
		Amount:                 0.99,
		Currency:               "usd",
		AutoRenew:              autoRenew,
	})
	require.NoError(t, h.users.UpdateRole(context.Background(), userID, domain.RoleSubscriber, sub.ID))
	return sub
}
