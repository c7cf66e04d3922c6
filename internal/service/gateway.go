package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/infrastructure/stripe"
	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
)

// metadata key carrying our record id through the provider
const recordIDMetadataKey = "subscription_record_id"

// NewBillingGateway returns the appropriate gateway based on config, always behind the guard.
// If no secret key is configured, an in-memory mock is used for development.
func NewBillingGateway(gw config.GatewayConfig, billing config.BillingConfig) domain.BillingGateway {
	var inner domain.BillingGateway
	if gw.SecretKey == "" {
		log.Println("[Gateway] Using mock billing gateway (no credentials configured)")
		inner = NewMockGateway()
	} else {
		log.Printf("[Gateway] Using provider API at %s", gw.BaseURL)
		client := stripe.NewClient(stripe.Config{
			SecretKey: gw.SecretKey,
			BaseURL:   gw.BaseURL,
			Timeout:   gw.Timeout,
		})
		inner = NewStripeGateway(client, billing)
	}
	return NewGuardedGateway(inner, GuardSettings{
		Timeout:     gw.Timeout,
		MaxFailures: gw.BreakerMaxFailures,
		OpenTimeout: gw.BreakerOpenTimeout,
	})
}

// =============================================================================
// Guard: timeout + circuit breaker + error classification
// =============================================================================

// GuardSettings tunes GuardedGateway
type GuardSettings struct {
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
}

// GuardedGateway bounds every call with a timeout and trips a breaker on repeated transient failures.
// Errors leave it classified as domain.ErrTransientGateway or domain.ErrGatewayRejected.
type GuardedGateway struct {
	next    domain.BillingGateway
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
}

func NewGuardedGateway(next domain.BillingGateway, s GuardSettings) *GuardedGateway {
	if s.Timeout <= 0 {
		s.Timeout = 15 * time.Second
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "billing-gateway",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		// A provider rejecting a request proves it is reachable
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[Gateway] Circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	}

	return &GuardedGateway{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		timeout: s.Timeout,
	}
}

// guard runs fn under the breaker with a bounded context
func guard[T any](ctx context.Context, g *GuardedGateway, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	result, err := g.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return zero, classifyGatewayError(op, err)
	}
	out, _ := result.(T)
	return out, nil
}

func (g *GuardedGateway) CreateCustomer(ctx context.Context, p domain.CustomerParams) (string, error) {
	return guard(ctx, g, "create customer", func(ctx context.Context) (string, error) {
		return g.next.CreateCustomer(ctx, p)
	})
}

func (g *GuardedGateway) CreateCoupon(ctx context.Context, percentOff int64) (string, error) {
	return guard(ctx, g, "create coupon", func(ctx context.Context) (string, error) {
		return g.next.CreateCoupon(ctx, percentOff)
	})
}

func (g *GuardedGateway) CreateCheckoutSession(ctx context.Context, p domain.CheckoutParams) (*domain.CheckoutSession, error) {
	return guard(ctx, g, "create checkout session", func(ctx context.Context) (*domain.CheckoutSession, error) {
		return g.next.CreateCheckoutSession(ctx, p)
	})
}

func (g *GuardedGateway) RetrieveCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	return guard(ctx, g, "retrieve checkout session", func(ctx context.Context) (*domain.CheckoutSession, error) {
		return g.next.RetrieveCheckoutSession(ctx, id)
	})
}

func (g *GuardedGateway) RetrieveSubscription(ctx context.Context, id string) (*domain.RemoteSubscription, error) {
	return guard(ctx, g, "retrieve subscription", func(ctx context.Context) (*domain.RemoteSubscription, error) {
		return g.next.RetrieveSubscription(ctx, id)
	})
}

func (g *GuardedGateway) UpdateSubscription(ctx context.Context, id string, cancelAtPeriodEnd bool) (*domain.RemoteSubscription, error) {
	return guard(ctx, g, "update subscription", func(ctx context.Context) (*domain.RemoteSubscription, error) {
		return g.next.UpdateSubscription(ctx, id, cancelAtPeriodEnd)
	})
}

func (g *GuardedGateway) CancelSubscription(ctx context.Context, id string) (*domain.RemoteSubscription, error) {
	return guard(ctx, g, "cancel subscription", func(ctx context.Context) (*domain.RemoteSubscription, error) {
		return g.next.CancelSubscription(ctx, id)
	})
}

// isTransient reports failures a later retry may fix
func isTransient(err error) bool {
	if errors.Is(err, domain.ErrTransientGateway) {
		return true
	}
	if errors.Is(err, domain.ErrGatewayRejected) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var apiErr *stripe.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Anything unrecognised (bad gateway body, proxy noise) is safer to retry than to show the user
	return true
}

func classifyGatewayError(op string, err error) error {
	if errors.Is(err, domain.ErrTransientGateway) || errors.Is(err, domain.ErrGatewayRejected) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrTransientGateway, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrGatewayRejected, err)
}

// =============================================================================
// Provider adapter
// =============================================================================

// StripeGateway adapts the provider REST client to domain.BillingGateway
type StripeGateway struct {
	client  *stripe.Client
	billing config.BillingConfig
}

func NewStripeGateway(client *stripe.Client, billing config.BillingConfig) *StripeGateway {
	return &StripeGateway{client: client, billing: billing}
}

func (s *StripeGateway) CreateCustomer(ctx context.Context, p domain.CustomerParams) (string, error) {
	customer, err := s.client.CreateCustomer(ctx, p.Email, p.Name, map[string]string{"user_id": p.UserID})
	if err != nil {
		return "", err
	}
	return customer.ID, nil
}

// CreateCoupon creates a single-use, apply-once percent-off coupon
func (s *StripeGateway) CreateCoupon(ctx context.Context, percentOff int64) (string, error) {
	coupon, err := s.client.CreateCoupon(ctx, percentOff, "once", 1)
	if err != nil {
		return "", err
	}
	return coupon.ID, nil
}

func (s *StripeGateway) CreateCheckoutSession(ctx context.Context, p domain.CheckoutParams) (*domain.CheckoutSession, error) {
	session, err := s.client.CreateCheckoutSession(ctx, stripe.CheckoutSessionParams{
		CustomerID:        p.CustomerID,
		ClientReferenceID: p.UserID,
		ProductName:       s.billing.ProductName,
		Currency:          p.Currency,
		UnitAmount:        toMinorUnits(p.Amount),
		Interval:          "year",
		CouponID:          p.CouponID,
		SuccessURL:        s.billing.SuccessURL,
		CancelURL:         s.billing.CancelURL,
		Metadata: map[string]string{
			recordIDMetadataKey: p.RecordID,
			"user_id":           p.UserID,
		},
	})
	if err != nil {
		return nil, err
	}
	return &domain.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (s *StripeGateway) RetrieveCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	session, err := s.client.RetrieveCheckoutSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.CheckoutSession{
		ID:             session.ID,
		URL:            session.URL,
		SubscriptionID: session.Subscription,
		CustomerID:     session.Customer,
	}, nil
}

func (s *StripeGateway) RetrieveSubscription(ctx context.Context, id string) (*domain.RemoteSubscription, error) {
	sub, err := s.client.RetrieveSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	return toRemoteSubscription(sub), nil
}

func (s *StripeGateway) UpdateSubscription(ctx context.Context, id string, cancelAtPeriodEnd bool) (*domain.RemoteSubscription, error) {
	sub, err := s.client.UpdateSubscription(ctx, id, cancelAtPeriodEnd)
	if err != nil {
		return nil, err
	}
	return toRemoteSubscription(sub), nil
}

func (s *StripeGateway) CancelSubscription(ctx context.Context, id string) (*domain.RemoteSubscription, error) {
	sub, err := s.client.CancelSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	return toRemoteSubscription(sub), nil
}

func toRemoteSubscription(sub *stripe.Subscription) *domain.RemoteSubscription {
	remote := &domain.RemoteSubscription{
		ID:                sub.ID,
		CustomerID:        sub.Customer,
		Status:            domain.RemoteStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		RecordID:          sub.Metadata[recordIDMetadataKey],
	}
	if sub.CurrentPeriodEnd > 0 {
		remote.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return remote
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// =============================================================================
// Mock gateway
// =============================================================================

// MockGateway is an in-memory provider for development and tests
type MockGateway struct {
	mu            sync.Mutex
	subscriptions map[string]*domain.RemoteSubscription
	sessions      map[string]domain.CheckoutParams
	completed     map[string]string // session id -> subscription id
	coupons       map[string]int64
	calls         map[string]int
	failures      map[string]error
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		subscriptions: make(map[string]*domain.RemoteSubscription),
		sessions:      make(map[string]domain.CheckoutParams),
		completed:     make(map[string]string),
		coupons:       make(map[string]int64),
		calls:         make(map[string]int),
		failures:      make(map[string]error),
	}
}

// Calls returns how many times op was invoked
func (m *MockGateway) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// FailWith makes every later call to op return err until cleared with a nil err
func (m *MockGateway) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Coupon returns the percent-off of a created coupon
func (m *MockGateway) Coupon(id string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.coupons[id]
	return p, ok
}

// Session returns the params a checkout session was created with
func (m *MockGateway) Session(id string) (domain.CheckoutParams, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[id]
	return p, ok
}

// CompleteCheckout simulates the buyer paying: an active remote subscription appears
func (m *MockGateway) CompleteCheckout(sessionID string) (*domain.RemoteSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	params, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("no such checkout session %s: %w", sessionID, domain.ErrGatewayRejected)
	}
	sub := &domain.RemoteSubscription{
		ID:               "sub_mock_" + ulid.Make().String(),
		CustomerID:       params.CustomerID,
		Status:           domain.RemoteActive,
		CurrentPeriodEnd: domain.NextRenewalDate(time.Now()),
		RecordID:         params.RecordID,
	}
	m.subscriptions[sub.ID] = sub
	m.completed[sessionID] = sub.ID
	copied := *sub
	return &copied, nil
}

// SetRemote overwrites the provider-side state of a subscription
func (m *MockGateway) SetRemote(sub domain.RemoteSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = &sub
}

func (m *MockGateway) begin(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	return m.failures[op]
}

func (m *MockGateway) CreateCustomer(ctx context.Context, p domain.CustomerParams) (string, error) {
	if err := m.begin("CreateCustomer"); err != nil {
		return "", err
	}
	return "cus_mock_" + ulid.Make().String(), nil
}

func (m *MockGateway) CreateCoupon(ctx context.Context, percentOff int64) (string, error) {
	if err := m.begin("CreateCoupon"); err != nil {
		return "", err
	}
	id := "coupon_mock_" + ulid.Make().String()
	m.mu.Lock()
	m.coupons[id] = percentOff
	m.mu.Unlock()
	return id, nil
}

func (m *MockGateway) CreateCheckoutSession(ctx context.Context, p domain.CheckoutParams) (*domain.CheckoutSession, error) {
	if err := m.begin("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	id := "cs_mock_" + ulid.Make().String()
	m.mu.Lock()
	m.sessions[id] = p
	m.mu.Unlock()
	return &domain.CheckoutSession{ID: id, URL: "https://checkout.mock.local/pay/" + id}, nil
}

func (m *MockGateway) RetrieveCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	if err := m.begin("RetrieveCheckoutSession"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	params, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such checkout session %s: %w", id, domain.ErrGatewayRejected)
	}
	session := &domain.CheckoutSession{ID: id, URL: "https://checkout.mock.local/pay/" + id}
	if subID, done := m.completed[id]; done {
		session.SubscriptionID = subID
		session.CustomerID = params.CustomerID
	}
	return session, nil
}

func (m *MockGateway) RetrieveSubscription(ctx context.Context, id string) (*domain.RemoteSubscription, error) {
	if err := m.begin("RetrieveSubscription"); err != nil {
		return nil, err
	}
	return m.snapshot(id)
}

func (m *MockGateway) UpdateSubscription(ctx context.Context, id string, cancelAtPeriodEnd bool) (*domain.RemoteSubscription, error) {
	if err := m.begin("UpdateSubscription"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	sub, ok := m.subscriptions[id]
	if ok && sub.Status == domain.RemoteCanceled {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscription %s is canceled and can no longer be updated: %w", id, domain.ErrGatewayRejected)
	}
	if ok {
		sub.CancelAtPeriodEnd = cancelAtPeriodEnd
	}
	m.mu.Unlock()
	return m.snapshot(id)
}

func (m *MockGateway) CancelSubscription(ctx context.Context, id string) (*domain.RemoteSubscription, error) {
	if err := m.begin("CancelSubscription"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if sub, ok := m.subscriptions[id]; ok {
		sub.Status = domain.RemoteCanceled
	}
	m.mu.Unlock()
	return m.snapshot(id)
}

func (m *MockGateway) snapshot(id string) (*domain.RemoteSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s: %w", id, domain.ErrGatewayRejected)
	}
	copied := *sub
	return &copied, nil
}
