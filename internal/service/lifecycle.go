package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/telemetry"
)

const (
	userSubscriptionCacheTTL = 5 * time.Minute
	defaultListLimit         = 20
	maxListLimit             = 100
)

// CheckoutRequest starts a yearly subscription purchase
type CheckoutRequest struct {
	UserID   string `json:"userId"`
	Prorated bool   `json:"prorated"`
}

// CheckoutResult is what the caller needs to redirect the buyer
type CheckoutResult struct {
	SessionID        string            `json:"sessionId"`
	CheckoutURL      string            `json:"checkoutUrl"`
	Amount           float64           `json:"amount"`
	Currency         string            `json:"currency"`
	SubscriptionID   string            `json:"subscriptionId"`
	ProrationDetails *domain.Proration `json:"prorationDetails,omitempty"`
}

// SubscriptionPage is one page of the privileged listing
type SubscriptionPage struct {
	Items []*domain.Subscription
	Page  int
	Limit int
	Total int64
}

// SubscriptionService drives user-initiated lifecycle operations
type SubscriptionService struct {
	transitioner
	gateway domain.BillingGateway
	billing config.BillingConfig
	clock   clock
}

func NewSubscriptionService(
	subs domain.SubscriptionRepository,
	users domain.UserRepository,
	cache domain.SubscriptionCache,
	gateway domain.BillingGateway,
	billing config.BillingConfig,
	metrics *telemetry.Metrics,
) *SubscriptionService {
	return &SubscriptionService{
		transitioner: transitioner{subs: subs, users: users, cache: cache, metrics: metrics},
		gateway:      gateway,
		billing:      billing,
	}
}

// Checkout creates a provider checkout session and the pending record that tracks it
func (s *SubscriptionService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("userId is required: %w", domain.ErrValidation)
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("user %s does not exist: %w", req.UserID, domain.ErrValidation)
		}
		return nil, err
	}

	if _, err := s.subs.FindActiveByUser(ctx, user.ID); err == nil {
		return nil, fmt.Errorf("user %s already has an active subscription: %w", user.ID, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := s.clock.now()
	fullPrice := s.billing.FullYearPrice
	proration := domain.CalculateProration(fullPrice, now)
	amount := fullPrice
	if req.Prorated {
		amount = proration.ProratedPrice
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	// The session is priced at the full year; a once-only coupon brings it down to the prorated amount
	var couponID string
	var discount int64
	if req.Prorated && amount < fullPrice {
		discount = domain.DiscountPercent(fullPrice, amount)
		if discount >= 1 {
			couponID, err = s.gateway.CreateCoupon(ctx, discount)
			if err != nil {
				log.Printf("[Checkout] Failed to create coupon for user %s: %v", user.ID, err)
				return nil, err
			}
		}
	}

	recordID := s.subs.NextID()
	session, err := s.gateway.CreateCheckoutSession(ctx, domain.CheckoutParams{
		UserID:     user.ID,
		RecordID:   recordID,
		CustomerID: customerID,
		Amount:     fullPrice,
		Currency:   s.billing.Currency,
		CouponID:   couponID,
	})
	if err != nil {
		log.Printf("[Checkout] Failed to create checkout session for user %s: %v", user.ID, err)
		return nil, err
	}

	initial, err := domain.NewStatusChange(nil, domain.EventCheckoutInitiated)
	if err != nil {
		return nil, err
	}
	renewal := domain.NextRenewalDate(now)
	sub := &domain.Subscription{
		ID:                 recordID,
		UserID:             user.ID,
		ExternalCustomerID: customerID,
		Status:             initial.To,
		StartDate:          now,
		EndDate:            renewal,
		NextBillingDate:    renewal,
		Amount:             amount,
		Currency:           s.billing.Currency,
		AutoRenew:          true,
		Metadata: domain.BillingMetadata{
			ProratedAmount:    proration.ProratedPrice,
			DaysRemaining:     proration.DaysRemaining,
			RenewalAnchor:     req.Prorated,
			DiscountPercent:   discount,
			CouponID:          couponID,
			CheckoutSessionID: session.ID,
		},
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	if err := s.users.UpdateRole(ctx, user.ID, domain.RoleForStatus(sub.Status), sub.ID); err != nil {
		log.Printf("[Checkout] Failed to project role for user %s: %v", user.ID, err)
	}
	s.invalidate(ctx, user.ID)
	s.metrics.RecordTransition(ctx, "", string(sub.Status), string(domain.EventCheckoutInitiated))
	log.Printf("[Checkout] Created pending subscription %s for user %s (amount %.2f %s, session %s)",
		sub.ID, user.ID, amount, sub.Currency, session.ID)

	result := &CheckoutResult{
		SessionID:      session.ID,
		CheckoutURL:    session.URL,
		Amount:         amount,
		Currency:       s.billing.Currency,
		SubscriptionID: sub.ID,
	}
	if req.Prorated {
		result.ProrationDetails = &proration
	}
	return result, nil
}

// ensureCustomer returns the user's provider customer id, creating it on first purchase
func (s *SubscriptionService) ensureCustomer(ctx context.Context, user *domain.User) (string, error) {
	if user.ExternalCustomerID != "" {
		return user.ExternalCustomerID, nil
	}

	customerID, err := s.gateway.CreateCustomer(ctx, domain.CustomerParams{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	})
	if err != nil {
		log.Printf("[Checkout] Failed to create customer for user %s: %v", user.ID, err)
		return "", err
	}

	if err := s.users.SetExternalCustomerID(ctx, user.ID, customerID); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return "", err
		}
		// A concurrent checkout stored its customer first; use that one
		fresh, gerr := s.users.GetByID(ctx, user.ID)
		if gerr != nil {
			return "", gerr
		}
		return fresh.ExternalCustomerID, nil
	}
	return customerID, nil
}

// Cancel ends the user's active subscription, now or at the end of the paid period
func (s *SubscriptionService) Cancel(ctx context.Context, userID string, immediate bool) (*domain.Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("userId is required: %w", domain.ErrValidation)
	}

	sub, err := s.subs.FindActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("no active subscription for user %s: %w", userID, domain.ErrNotFound)
		}
		return nil, err
	}

	if immediate {
		if sub.ExternalSubscriptionID != "" {
			if _, err := s.gateway.CancelSubscription(ctx, sub.ExternalSubscriptionID); err != nil {
				log.Printf("[Cancel] Provider cancel failed for %s: %v", sub.ID, err)
				return nil, err
			}
		}
		now := s.clock.now()
		updated, _, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
			change, err := domain.PlanChange(cur, domain.EventCancelImmediate)
			if err != nil || change.SatisfiedBy(cur) {
				return change, err
			}
			return change.WithEndDate(now).WithAutoRenew(false), nil
		})
		return updated, err
	}

	if sub.ExternalSubscriptionID != "" {
		if _, err := s.gateway.UpdateSubscription(ctx, sub.ExternalSubscriptionID, true); err != nil {
			log.Printf("[Cancel] Provider cancel-at-period-end failed for %s: %v", sub.ID, err)
			return nil, err
		}
	}
	updated, _, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
		change, err := domain.PlanChange(cur, domain.EventCancelDeferred)
		if err != nil {
			return change, err
		}
		return change.WithAutoRenew(false), nil
	})
	return updated, err
}

// Reactivate revives the user's most recent cancelled subscription
func (s *SubscriptionService) Reactivate(ctx context.Context, userID string) (*domain.Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("userId is required: %w", domain.ErrValidation)
	}

	if _, err := s.subs.FindActiveByUser(ctx, userID); err == nil {
		return nil, fmt.Errorf("user %s already has an active subscription: %w", userID, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	sub, err := s.subs.FindLatestByUserAndStatus(ctx, userID, domain.StatusCancelled)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("no cancelled subscription for user %s: %w", userID, domain.ErrNotFound)
		}
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return nil, fmt.Errorf("subscription %s was never paid and cannot be reactivated: %w", sub.ID, domain.ErrConflict)
	}

	if _, err := s.gateway.UpdateSubscription(ctx, sub.ExternalSubscriptionID, false); err != nil {
		log.Printf("[Reactivate] Provider update failed for %s: %v", sub.ID, err)
		return nil, err
	}

	now := s.clock.now()
	updated, _, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
		change, err := domain.PlanChange(cur, domain.EventReactivate)
		if err != nil {
			return change, err
		}
		change = change.WithAutoRenew(true)
		if !cur.EndDate.After(now) {
			renewal := cur.NextBillingDate
			if !renewal.After(now) {
				renewal = domain.NextRenewalDate(now)
			}
			change = change.WithBillingPeriod(renewal)
		}
		return change, nil
	})
	return updated, err
}

// GetUserSubscription returns the user's most recent subscription, read through the cache
func (s *SubscriptionService) GetUserSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("userId is required: %w", domain.ErrValidation)
	}

	if s.cache != nil {
		cached, err := s.cache.GetUserSubscription(ctx, userID)
		if err != nil {
			log.Printf("[Cache] Failed to read subscription of user %s: %v", userID, err)
		} else if cached != nil {
			return cached, nil
		}
	}

	sub, err := s.subs.FindLatestByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetUserSubscription(ctx, userID, sub, userSubscriptionCacheTTL); err != nil {
			log.Printf("[Cache] Failed to cache subscription of user %s: %v", userID, err)
		}
	}
	return sub, nil
}

// List returns one page of subscriptions, newest first
func (s *SubscriptionService) List(ctx context.Context, filter domain.SubscriptionFilter) (*SubscriptionPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", filter.Status, domain.ErrValidation)
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	items, total, err := s.subs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &SubscriptionPage{Items: items, Page: filter.Page, Limit: filter.Limit, Total: total}, nil
}

func (s *SubscriptionService) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateUserSubscription(ctx, userID); err != nil {
		log.Printf("[Cache] Failed to invalidate subscription of user %s: %v", userID, err)
	}
}
