package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	JobExpiry = "expiry"
	JobDrift  = "drift"
)

// SweepResult summarises one sweep tick
type SweepResult struct {
	Job           string        `json:"job"`
	Visited       int           `json:"visited"`
	Transitioned  int           `json:"transitioned"`
	Skipped       int           `json:"skipped"`
	Failed        int           `json:"failed"`
	RolesRepaired int           `json:"rolesRepaired"`
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`

	mu sync.Mutex
}

func (r *SweepResult) add(field *int, n int) {
	r.mu.Lock()
	*field += n
	r.mu.Unlock()
}

// SweepService runs the periodic corrective jobs. Each record is handled in isolation:
// a failure is logged and counted and the tick moves on.
type SweepService struct {
	transitioner
	gateway     domain.BillingGateway
	concurrency int
	clock       clock
}

func NewSweepService(
	subs domain.SubscriptionRepository,
	users domain.UserRepository,
	cache domain.SubscriptionCache,
	gateway domain.BillingGateway,
	cfg config.SweepConfig,
	metrics *telemetry.Metrics,
) *SweepService {
	concurrency := cfg.DriftConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &SweepService{
		transitioner: transitioner{subs: subs, users: users, cache: cache, metrics: metrics},
		gateway:      gateway,
		concurrency:  concurrency,
	}
}

// ExpiryCandidates lists active, non-renewing subscriptions whose period has ended
func (s *SweepService) ExpiryCandidates(ctx context.Context) ([]*domain.Subscription, error) {
	return s.subs.ListExpiring(ctx, s.clock.now())
}

// DriftCandidates lists every record drift sync polls the provider for
func (s *SweepService) DriftCandidates(ctx context.Context) ([]*domain.Subscription, error) {
	return s.subs.ListByStatuses(ctx, domain.StatusActive, domain.StatusPending)
}

// RunExpirySweep moves every lapsed, non-renewing subscription to expired
func (s *SweepService) RunExpirySweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "sweep.expiry")
	defer span.End()

	result := &SweepResult{Job: JobExpiry, StartedAt: s.clock.now()}
	candidates, err := s.ExpiryCandidates(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := result.StartedAt
	for _, sub := range uniqueByID(candidates) {
		result.Visited++
		_, applied, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
			// A webhook may have renewed or cancelled the record since it was listed
			if cur.Status != domain.StatusActive || cur.AutoRenew || !cur.EndDate.Before(now) {
				return unchanged(cur), nil
			}
			return domain.PlanChange(cur, domain.EventExpire)
		})
		s.count(ctx, result, sub, applied, err)
	}

	result.Duration = s.clock.now().Sub(result.StartedAt)
	span.SetAttributes(
		attribute.Int("sweep.visited", result.Visited),
		attribute.Int("sweep.transitioned", result.Transitioned),
		attribute.Int("sweep.failed", result.Failed),
	)
	log.Printf("[Sweep] Expiry sweep done: visited=%d expired=%d skipped=%d failed=%d in %s",
		result.Visited, result.Transitioned, result.Skipped, result.Failed, result.Duration)
	return result, nil
}

// RunDriftSync polls the provider for every active or pending record and applies the local
// transition the provider's status implies. It also repairs role projections left behind by
// a failed second write.
func (s *SweepService) RunDriftSync(ctx context.Context) (*SweepResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "sweep.drift")
	defer span.End()

	result := &SweepResult{Job: JobDrift, StartedAt: s.clock.now()}
	candidates, err := s.DriftCandidates(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, sub := range uniqueByID(candidates) {
		g.Go(func() error {
			s.syncOne(ctx, result, sub)
			return nil
		})
	}
	_ = g.Wait()

	s.demoteStaleSubscribers(ctx, result)

	result.Duration = s.clock.now().Sub(result.StartedAt)
	span.SetAttributes(
		attribute.Int("sweep.visited", result.Visited),
		attribute.Int("sweep.transitioned", result.Transitioned),
		attribute.Int("sweep.failed", result.Failed),
		attribute.Int("sweep.roles_repaired", result.RolesRepaired),
	)
	log.Printf("[Sweep] Drift sync done: visited=%d transitioned=%d skipped=%d failed=%d roles_repaired=%d in %s",
		result.Visited, result.Transitioned, result.Skipped, result.Failed, result.RolesRepaired, result.Duration)
	return result, nil
}

func (s *SweepService) syncOne(ctx context.Context, result *SweepResult, sub *domain.Subscription) {
	result.add(&result.Visited, 1)

	externalID, err := s.externalSubscriptionID(ctx, sub)
	if err != nil {
		log.Printf("[Sweep] Failed to fetch checkout session for %s (%s): %v", sub.ID, sub.Metadata.CheckoutSessionID, err)
		result.add(&result.Failed, 1)
		s.metrics.RecordSweepItem(ctx, JobDrift, "failed")
		return
	}
	if externalID == "" {
		// checkout not paid yet; nothing to ask the provider about
		result.add(&result.Skipped, 1)
		s.metrics.RecordSweepItem(ctx, JobDrift, "skipped")
		s.repairRole(ctx, result, sub)
		return
	}

	remote, err := s.gateway.RetrieveSubscription(ctx, externalID)
	if err != nil {
		log.Printf("[Sweep] Failed to fetch provider state for %s (%s): %v", sub.ID, externalID, err)
		result.add(&result.Failed, 1)
		s.metrics.RecordSweepItem(ctx, JobDrift, "failed")
		return
	}

	now := s.clock.now()
	updated, applied, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
		event, ok := domain.DriftEvent(cur, remote)
		if !ok {
			return unchanged(cur), nil
		}
		return domain.PlanDrift(cur, remote, event, now)
	})
	s.count(ctx, result, sub, applied, err)
	if err == nil {
		s.repairRole(ctx, result, updated)
	}
}

// externalSubscriptionID returns the provider subscription of a record. A pending record
// only learns it from a webhook, so when that was lost it is read from the checkout session.
func (s *SweepService) externalSubscriptionID(ctx context.Context, sub *domain.Subscription) (string, error) {
	if sub.ExternalSubscriptionID != "" || sub.Status != domain.StatusPending || sub.Metadata.CheckoutSessionID == "" {
		return sub.ExternalSubscriptionID, nil
	}
	session, err := s.gateway.RetrieveCheckoutSession(ctx, sub.Metadata.CheckoutSessionID)
	if err != nil {
		return "", err
	}
	return session.SubscriptionID, nil
}

// repairRole rewrites the user's role when it disagrees with the record's projection
func (s *SweepService) repairRole(ctx context.Context, result *SweepResult, sub *domain.Subscription) {
	user, err := s.users.GetByID(ctx, sub.UserID)
	if err != nil {
		log.Printf("[Sweep] Failed to load user %s for role check: %v", sub.UserID, err)
		return
	}
	want := domain.RoleForStatus(sub.Status)
	if user.Role == domain.RoleAdmin || user.Role == want {
		return
	}
	written, err := s.projectRole(ctx, sub)
	if err != nil {
		log.Printf("[Sweep] Failed to repair role of user %s: %v", sub.UserID, err)
		return
	}
	if !written {
		return
	}
	log.Printf("[Sweep] Repaired role of user %s: %s -> %s", sub.UserID, user.Role, want)
	result.add(&result.RolesRepaired, 1)
}

// demoteStaleSubscribers demotes users holding the subscriber role without an active or pending subscription
func (s *SweepService) demoteStaleSubscribers(ctx context.Context, result *SweepResult) {
	userIDs, err := s.users.ListIDsByRole(ctx, domain.RoleSubscriber)
	if err != nil {
		log.Printf("[Sweep] Failed to list subscribers for role repair: %v", err)
		return
	}

	for _, userID := range userIDs {
		held, err := s.holdsLiveSubscription(ctx, userID)
		if err != nil {
			log.Printf("[Sweep] Failed to check subscriptions of user %s: %v", userID, err)
			continue
		}
		if held {
			continue
		}
		if err := s.users.UpdateRole(ctx, userID, domain.RoleUser, ""); err != nil {
			log.Printf("[Sweep] Failed to demote user %s: %v", userID, err)
			continue
		}
		log.Printf("[Sweep] Demoted user %s: no active or pending subscription", userID)
		result.add(&result.RolesRepaired, 1)
	}
}

func (s *SweepService) holdsLiveSubscription(ctx context.Context, userID string) (bool, error) {
	for _, status := range []domain.SubscriptionStatus{domain.StatusActive, domain.StatusPending} {
		_, err := s.subs.FindLatestByUserAndStatus(ctx, userID, status)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return false, err
		}
	}
	return false, nil
}

func (s *SweepService) count(ctx context.Context, result *SweepResult, sub *domain.Subscription, applied bool, err error) {
	switch {
	case err != nil && errors.Is(err, domain.ErrConflict):
		log.Printf("[Sweep] %s: skipped %s: %v", result.Job, sub.ID, err)
		result.add(&result.Skipped, 1)
		s.metrics.RecordSweepItem(ctx, result.Job, "skipped")
	case err != nil:
		log.Printf("[Sweep] %s: failed on %s: %v", result.Job, sub.ID, err)
		result.add(&result.Failed, 1)
		s.metrics.RecordSweepItem(ctx, result.Job, "failed")
	case applied:
		result.add(&result.Transitioned, 1)
		s.metrics.RecordSweepItem(ctx, result.Job, "transitioned")
	default:
		result.add(&result.Skipped, 1)
		s.metrics.RecordSweepItem(ctx, result.Job, "unchanged")
	}
}

// uniqueByID keeps the first occurrence of each record so a tick visits it at most once
func uniqueByID(subs []*domain.Subscription) []*domain.Subscription {
	seen := make(map[string]bool, len(subs))
	out := make([]*domain.Subscription, 0, len(subs))
	for _, sub := range subs {
		if seen[sub.ID] {
			continue
		}
		seen[sub.ID] = true
		out = append(out, sub)
	}
	return out
}
