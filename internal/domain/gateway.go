package domain

import (
	"context"
	"time"
)

// RemoteStatus is the payment provider's own subscription status vocabulary.
type RemoteStatus string

const (
	RemoteActive            RemoteStatus = "active"
	RemoteTrialing          RemoteStatus = "trialing"
	RemotePastDue           RemoteStatus = "past_due"
	RemoteIncomplete        RemoteStatus = "incomplete"
	RemoteIncompleteExpired RemoteStatus = "incomplete_expired"
	RemoteUnpaid            RemoteStatus = "unpaid"
	RemoteCanceled          RemoteStatus = "canceled"
)

// RemoteSubscription is the provider's view of a subscription.
type RemoteSubscription struct {
	ID                string
	CustomerID        string
	Status            RemoteStatus
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	// RecordID is our subscription id, echoed back from checkout metadata when present.
	RecordID string
}

// CustomerParams identifies the user a provider customer is created for.
type CustomerParams struct {
	UserID string
	Email  string
	Name   string
}

// CheckoutParams describes one yearly checkout session.
type CheckoutParams struct {
	UserID     string
	RecordID   string
	CustomerID string
	Amount     float64
	Currency   string
	CouponID   string
}

// CheckoutSession is what the buyer is redirected to. SubscriptionID and CustomerID are
// only known once the buyer has paid.
type CheckoutSession struct {
	ID             string
	URL            string
	SubscriptionID string
	CustomerID     string
}

// BillingGateway is the payment provider capability consumed by the lifecycle service.
// Implementations return ErrTransientGateway or ErrGatewayRejected (wrapped) on failure.
type BillingGateway interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateCoupon(ctx context.Context, percentOff int64) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*RemoteSubscription, error)
	UpdateSubscription(ctx context.Context, id string, cancelAtPeriodEnd bool) (*RemoteSubscription, error)
	CancelSubscription(ctx context.Context, id string) (*RemoteSubscription, error)
}
