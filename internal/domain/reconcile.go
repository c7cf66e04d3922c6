package domain

import "time"

// DriftEvent maps the provider's view of a subscription onto the local event that brings the record in line.
// ok is false when the two sides already agree or the provider is still retrying a payment.
func DriftEvent(local *Subscription, remote *RemoteSubscription) (Event, bool) {
	if local == nil || remote == nil {
		return "", false
	}

	switch remote.Status {
	case RemoteCanceled:
		if local.Status == StatusActive || local.Status == StatusPending {
			return EventProviderDeleted, true
		}
	case RemoteActive, RemoteTrialing:
		switch {
		case local.Status == StatusPending:
			return EventPaymentConfirmed, true
		case local.Status == StatusActive && local.AutoRenew && remote.CancelAtPeriodEnd:
			return EventCancelDeferred, true
		case local.Status == StatusActive && !local.AutoRenew && !remote.CancelAtPeriodEnd:
			return EventRenewalResumed, true
		}
	case RemoteUnpaid, RemoteIncompleteExpired:
		if local.Status != StatusExpired {
			return EventPaymentFailed, true
		}
	}
	return "", false
}

// PlanDrift builds the full change for a drift event, including the fields the event writes.
func PlanDrift(local *Subscription, remote *RemoteSubscription, event Event, now time.Time) (StatusChange, error) {
	change, err := PlanChange(local, event)
	if err != nil {
		return StatusChange{}, err
	}

	switch event {
	case EventProviderDeleted:
		if change.SatisfiedBy(local) {
			return change, nil
		}
		change = change.WithEndDate(now).WithAutoRenew(false)
	case EventCancelDeferred:
		change = change.WithAutoRenew(false)
	case EventRenewalResumed:
		change = change.WithAutoRenew(true)
	case EventPaymentConfirmed:
		if change.SatisfiedBy(local) {
			return change, nil
		}
		change = change.WithExternalIDs(remote.ID, remote.CustomerID)
	}
	return change, nil
}
