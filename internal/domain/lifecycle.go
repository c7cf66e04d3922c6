package domain

import (
	"slices"
	"time"
)

// Event triggers a subscription state transition.
type Event string

const (
	EventCheckoutInitiated Event = "checkout_initiated"
	EventPaymentConfirmed  Event = "payment_confirmed"
	EventCancelImmediate   Event = "cancel_immediate"
	EventCancelDeferred    Event = "cancel_deferred"
	EventRenewalResumed    Event = "renewal_resumed"
	EventExpire            Event = "expire"
	EventReactivate        Event = "reactivate"
	EventProviderDeleted   Event = "provider_deleted"
	EventPaymentFailed     Event = "payment_failed"
	EventPaymentSucceeded  Event = "payment_succeeded"
)

// anyState is the wildcard source used by events legal from every state.
const anyState SubscriptionStatus = "*"

type transitionKey struct {
	From  SubscriptionStatus
	Event Event
}

// transitions is the complete legal transition table. An empty From means "no record yet".
var transitions = map[transitionKey]SubscriptionStatus{
	{"", EventCheckoutInitiated}:           StatusPending,
	{StatusPending, EventPaymentConfirmed}: StatusActive,
	{StatusActive, EventCancelImmediate}:   StatusCancelled,
	{StatusActive, EventCancelDeferred}:    StatusActive,
	{StatusActive, EventRenewalResumed}:    StatusActive,
	{StatusActive, EventExpire}:            StatusExpired,
	{StatusCancelled, EventReactivate}:     StatusActive,
	{StatusActive, EventProviderDeleted}:   StatusCancelled,
	{StatusPending, EventProviderDeleted}:  StatusCancelled,
	{anyState, EventPaymentFailed}:         StatusExpired,
	{anyState, EventPaymentSucceeded}:      StatusActive,
}

// NextStatus resolves the target state of event fired from the given state.
func NextStatus(from SubscriptionStatus, event Event) (SubscriptionStatus, error) {
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	if from != "" {
		if to, ok := transitions[transitionKey{anyState, event}]; ok {
			return to, nil
		}
	}
	return "", &IllegalTransitionError{From: from, Event: event}
}

// CanTransition reports whether event is legal from the given state.
func CanTransition(from SubscriptionStatus, event Event) bool {
	_, err := NextStatus(from, event)
	return err == nil
}

// ReachableStatuses lists every state that can be entered from from, sorted for stable output.
func ReachableStatuses(from SubscriptionStatus) []SubscriptionStatus {
	seen := make(map[SubscriptionStatus]bool)
	for key, to := range transitions {
		if key.From == from || (key.From == anyState && from != "") {
			seen[to] = true
		}
	}
	out := make([]SubscriptionStatus, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// StatusChange is one state-machine step plus the fields it writes alongside the status.
// Nil pointer fields are left untouched.
type StatusChange struct {
	Event                  Event
	To                     SubscriptionStatus
	StartDate              *time.Time
	EndDate                *time.Time
	NextBillingDate        *time.Time
	AutoRenew              *bool
	ExternalSubscriptionID string
	ExternalCustomerID     string
}

// NewStatusChange validates event against the current state of sub and returns the change skeleton.
func NewStatusChange(sub *Subscription, event Event) (StatusChange, error) {
	from := SubscriptionStatus("")
	if sub != nil {
		from = sub.Status
	}
	to, err := NextStatus(from, event)
	if err != nil {
		return StatusChange{}, err
	}
	return StatusChange{Event: event, To: to}, nil
}

// convergentTargets are events whose effect is fully described by the state they lead to.
// Seeing one of them again once the record already sits in that state is a duplicate, not an error.
var convergentTargets = map[Event]SubscriptionStatus{
	EventPaymentConfirmed: StatusActive,
	EventCancelImmediate:  StatusCancelled,
	EventExpire:           StatusExpired,
	EventProviderDeleted:  StatusCancelled,
}

// PlanChange is NewStatusChange with duplicate tolerance: an event already reflected by the
// current state yields an empty change that SatisfiedBy reports as done.
func PlanChange(sub *Subscription, event Event) (StatusChange, error) {
	change, err := NewStatusChange(sub, event)
	if err == nil {
		return change, nil
	}
	if sub != nil {
		if target, ok := convergentTargets[event]; ok && sub.Status == target {
			return StatusChange{Event: event, To: target}, nil
		}
	}
	return StatusChange{}, err
}

// SatisfiedBy reports whether sub already reflects the change, which makes reapplying it a no-op.
func (c StatusChange) SatisfiedBy(sub *Subscription) bool {
	if sub == nil || sub.Status != c.To {
		return false
	}
	if c.StartDate != nil && !sub.StartDate.Equal(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && !sub.EndDate.Equal(*c.EndDate) {
		return false
	}
	if c.NextBillingDate != nil && !sub.NextBillingDate.Equal(*c.NextBillingDate) {
		return false
	}
	if c.AutoRenew != nil && sub.AutoRenew != *c.AutoRenew {
		return false
	}
	if c.ExternalSubscriptionID != "" && sub.ExternalSubscriptionID != c.ExternalSubscriptionID {
		return false
	}
	if c.ExternalCustomerID != "" && sub.ExternalCustomerID != c.ExternalCustomerID {
		return false
	}
	return true
}

// ConflictsWith reports an attempt to overwrite an immutable provider identifier.
func (c StatusChange) ConflictsWith(sub *Subscription) bool {
	if c.ExternalSubscriptionID != "" && sub.ExternalSubscriptionID != "" && sub.ExternalSubscriptionID != c.ExternalSubscriptionID {
		return true
	}
	if c.ExternalCustomerID != "" && sub.ExternalCustomerID != "" && sub.ExternalCustomerID != c.ExternalCustomerID {
		return true
	}
	return false
}

// ApplyTo returns a copy of sub with the change applied. Version and UpdatedAt are the store's job.
func (c StatusChange) ApplyTo(sub *Subscription) *Subscription {
	next := *sub
	next.Status = c.To
	if c.StartDate != nil {
		next.StartDate = *c.StartDate
	}
	if c.EndDate != nil {
		next.EndDate = *c.EndDate
	}
	if c.NextBillingDate != nil {
		next.NextBillingDate = *c.NextBillingDate
	}
	if c.AutoRenew != nil {
		next.AutoRenew = *c.AutoRenew
	}
	if c.ExternalSubscriptionID != "" {
		next.ExternalSubscriptionID = c.ExternalSubscriptionID
	}
	if c.ExternalCustomerID != "" {
		next.ExternalCustomerID = c.ExternalCustomerID
	}
	return &next
}

// WithEndDate sets EndDate.
func (c StatusChange) WithEndDate(t time.Time) StatusChange {
	t = t.UTC()
	c.EndDate = &t
	return c
}

// WithBillingPeriod sets EndDate and NextBillingDate to the same renewal instant.
func (c StatusChange) WithBillingPeriod(renewal time.Time) StatusChange {
	renewal = renewal.UTC()
	c.EndDate = &renewal
	c.NextBillingDate = &renewal
	return c
}

// WithAutoRenew sets AutoRenew.
func (c StatusChange) WithAutoRenew(v bool) StatusChange {
	c.AutoRenew = &v
	return c
}

// WithExternalIDs sets the provider identifiers; empty values are ignored.
func (c StatusChange) WithExternalIDs(subscriptionID, customerID string) StatusChange {
	c.ExternalSubscriptionID = subscriptionID
	c.ExternalCustomerID = customerID
	return c
}
