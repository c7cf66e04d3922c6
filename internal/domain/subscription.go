package domain

import (
	"context"
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscription record.
type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// Valid reports whether s is one of the four known states.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// BillingMetadata is informational billing context. The state machine never reads it.
type BillingMetadata struct {
	ProratedAmount    float64 `bson:"prorated_amount" json:"proratedAmount"`
	DaysRemaining     int     `bson:"days_remaining" json:"daysRemaining"`
	RenewalAnchor     bool    `bson:"renewal_anchor" json:"renewalAnchor"`
	DiscountPercent   int64   `bson:"discount_percent,omitempty" json:"discountPercent,omitempty"`
	CouponID          string  `bson:"coupon_id,omitempty" json:"couponId,omitempty"`
	CheckoutSessionID string  `bson:"checkout_session_id,omitempty" json:"checkoutSessionId,omitempty"`
}

// Subscription is one paid subscription of a user. Historical rows are kept, never deleted.
type Subscription struct {
	ID                     string             `bson:"_id,omitempty" json:"id"`
	UserID                 string             `bson:"user_id" json:"userId"`
	ExternalSubscriptionID string             `bson:"external_subscription_id,omitempty" json:"externalSubscriptionId,omitempty"`
	ExternalCustomerID     string             `bson:"external_customer_id,omitempty" json:"externalCustomerId,omitempty"`
	Status                 SubscriptionStatus `bson:"status" json:"status"`
	StartDate              time.Time          `bson:"start_date" json:"startDate"`
	EndDate                time.Time          `bson:"end_date" json:"endDate"`
	NextBillingDate        time.Time          `bson:"next_billing_date" json:"nextBillingDate"`
	Amount                 float64            `bson:"amount" json:"amount"`
	Currency               string             `bson:"currency" json:"currency"`
	AutoRenew              bool               `bson:"auto_renew" json:"autoRenew"`
	Metadata               BillingMetadata    `bson:"metadata" json:"metadata"`
	Version                int64              `bson:"version" json:"version"`
	CreatedAt              time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt              time.Time          `bson:"updated_at" json:"updatedAt"`
}

// SubscriptionFilter narrows the privileged listing.
type SubscriptionFilter struct {
	Status SubscriptionStatus
	Page   int
	Limit  int
}

// SubscriptionRepository is the durable record store.
//
// UpdateStatus is a single conditioned write: it only applies when the stored version still
// equals expectedVersion, and returns ErrStaleWrite otherwise. A successful write bumps Version.
type SubscriptionRepository interface {
	// NextID reserves an id so external references can be issued before the record is stored.
	NextID() string
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id string) (*Subscription, error)
	FindActiveByUser(ctx context.Context, userID string) (*Subscription, error)
	FindLatestByUser(ctx context.Context, userID string) (*Subscription, error)
	FindLatestByUserAndStatus(ctx context.Context, userID string, status SubscriptionStatus) (*Subscription, error)
	FindByExternalID(ctx context.Context, externalSubscriptionID string) (*Subscription, error)
	FindLatestByExternalCustomerID(ctx context.Context, externalCustomerID string) (*Subscription, error)
	UpdateStatus(ctx context.Context, id string, expectedVersion int64, change StatusChange) (*Subscription, error)
	ListByStatuses(ctx context.Context, statuses ...SubscriptionStatus) ([]*Subscription, error)
	ListExpiring(ctx context.Context, now time.Time) ([]*Subscription, error)
	List(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, int64, error)
}

// SubscriptionCache is a read-through cache for a user's latest subscription.
type SubscriptionCache interface {
	GetUserSubscription(ctx context.Context, userID string) (*Subscription, error)
	SetUserSubscription(ctx context.Context, userID string, sub *Subscription, ttl time.Duration) error
	InvalidateUserSubscription(ctx context.Context, userID string) error
}

// EventArchive keeps raw, verified provider payloads.
type EventArchive interface {
	Store(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) (string, error)
}
