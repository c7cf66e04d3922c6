package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxWriteAttempts bounds how often a lost conditioned write is re-planned against a fresh read
const maxWriteAttempts = 2

// planFunc derives the change to apply from the current record
type planFunc func(current *domain.Subscription) (domain.StatusChange, error)

// transitioner applies state-machine steps with conditioned writes and keeps the
// user's role projection and the read cache in line with every applied step.
type transitioner struct {
	subs    domain.SubscriptionRepository
	users   domain.UserRepository
	cache   domain.SubscriptionCache
	metrics *telemetry.Metrics
}

// apply plans a change against sub and writes it. A plan already reflected by the record is a no-op
// (applied=false). When a concurrent writer wins, the record is re-read and the plan re-evaluated.
func (t *transitioner) apply(ctx context.Context, sub *domain.Subscription, plan planFunc) (*domain.Subscription, bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "subscription.transition",
		trace.WithAttributes(
			attribute.String("subscription.id", sub.ID),
			attribute.String("subscription.from", string(sub.Status)),
		),
	)
	defer span.End()

	current := sub
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		change, err := plan(current)
		if err != nil {
			span.RecordError(err)
			return current, false, err
		}
		if change.SatisfiedBy(current) {
			span.SetAttributes(attribute.Bool("subscription.noop", true))
			return current, false, nil
		}
		if change.ConflictsWith(current) {
			err := fmt.Errorf("subscription %s already bound to %s: %w", current.ID, current.ExternalSubscriptionID, domain.ErrConflict)
			span.RecordError(err)
			return current, false, err
		}

		updated, err := t.subs.UpdateStatus(ctx, current.ID, current.Version, change)
		if err == nil {
			span.SetAttributes(
				attribute.String("subscription.event", string(change.Event)),
				attribute.String("subscription.to", string(updated.Status)),
			)
			t.afterWrite(ctx, current, updated, change.Event)
			return updated, true, nil
		}
		if !errors.Is(err, domain.ErrStaleWrite) {
			span.RecordError(err)
			return current, false, err
		}

		log.Printf("[Lifecycle] Write on %s lost a race (attempt %d), re-reading", current.ID, attempt)
		fresh, rerr := t.subs.GetByID(ctx, current.ID)
		if rerr != nil {
			return current, false, rerr
		}
		current = fresh
	}

	// Out of attempts: converge if the winner already did our work
	change, err := plan(current)
	if err == nil && change.SatisfiedBy(current) {
		return current, false, nil
	}
	err = fmt.Errorf("subscription %s kept changing under write: %w", current.ID, domain.ErrConflict)
	span.RecordError(err)
	return current, false, err
}

// afterWrite runs the synchronous side effects of an applied step
func (t *transitioner) afterWrite(ctx context.Context, before, after *domain.Subscription, event domain.Event) {
	log.Printf("[Lifecycle] %s: %s -(%s)-> %s", after.ID, before.Status, event, after.Status)
	t.metrics.RecordTransition(ctx, string(before.Status), string(after.Status), string(event))

	if domain.RoleForStatus(before.Status) != domain.RoleForStatus(after.Status) {
		if _, err := t.projectRole(ctx, after); err != nil {
			// drift sync repairs the projection on its next tick
			log.Printf("[Lifecycle] Failed to project role for user %s: %v", after.UserID, err)
		}
	}

	if t.cache != nil {
		if err := t.cache.InvalidateUserSubscription(ctx, after.UserID); err != nil {
			log.Printf("[Cache] Failed to invalidate subscription of user %s: %v", after.UserID, err)
		}
	}
}

// projectRole writes the role derived from sub onto its user and reports whether it wrote.
// A demotion is skipped while the user still holds another active subscription.
func (t *transitioner) projectRole(ctx context.Context, sub *domain.Subscription) (bool, error) {
	role := domain.RoleForStatus(sub.Status)
	if role == domain.RoleUser {
		other, err := t.subs.FindActiveByUser(ctx, sub.UserID)
		switch {
		case err == nil && other.ID != sub.ID:
			return false, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return false, err
		}
	}
	if err := t.users.UpdateRole(ctx, sub.UserID, role, sub.ID); err != nil {
		return false, err
	}
	return true, nil
}

// now is the clock used by the services; tests pin it
type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
