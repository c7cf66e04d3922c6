package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/infrastructure/stripe"
	"github.com/mansoorceksport/subscriptions/internal/telemetry"
)

// webhook outcomes reported to metrics
const (
	outcomeApplied  = "applied"
	outcomeNoop     = "noop"
	outcomeIgnored  = "ignored"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// WebhookService verifies provider events and applies them to the matching subscription.
// Redelivered events converge: every write is conditioned on the record's current state.
type WebhookService struct {
	transitioner
	archive   domain.EventArchive
	secret    string
	tolerance time.Duration
	clock     clock
}

func NewWebhookService(
	subs domain.SubscriptionRepository,
	users domain.UserRepository,
	cache domain.SubscriptionCache,
	archive domain.EventArchive,
	gw config.GatewayConfig,
	metrics *telemetry.Metrics,
) *WebhookService {
	return &WebhookService{
		transitioner: transitioner{subs: subs, users: users, cache: cache, metrics: metrics},
		archive:      archive,
		secret:       gw.WebhookSecret,
		tolerance:    gw.SignatureTolerance,
	}
}

// HandleEvent verifies, archives and dispatches one delivery.
// Unknown event types, unknown records and out-of-order transitions are acknowledged (nil).
func (s *WebhookService) HandleEvent(ctx context.Context, payload []byte, signature string) error {
	now := s.clock.now()

	event, err := stripe.ConstructEvent(payload, signature, s.secret, s.tolerance, now)
	if errors.Is(err, stripe.ErrMalformedEvent) {
		return fmt.Errorf("parse webhook event: %w: %w", domain.ErrValidation, err)
	}
	if err != nil {
		log.Printf("[Security] Rejected webhook delivery: %v", err)
		s.metrics.RecordWebhook(ctx, "unknown", outcomeRejected)
		return fmt.Errorf("webhook signature: %w: %w", domain.ErrAuthentication, err)
	}

	s.archiveEvent(ctx, event, now, payload)

	outcome, err := s.dispatch(ctx, event)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.Printf("[Webhook] %s %s: no matching subscription, acknowledging", event.Type, event.ID)
			outcome, err = outcomeIgnored, nil
		case errors.Is(err, domain.ErrConflict):
			log.Printf("[Webhook] %s %s: not applicable to current state, acknowledging: %v", event.Type, event.ID, err)
			outcome, err = outcomeIgnored, nil
		default:
			log.Printf("[Webhook] %s %s failed: %v", event.Type, event.ID, err)
			outcome = outcomeFailed
		}
	}
	s.metrics.RecordWebhook(ctx, event.Type, outcome)
	return err
}

func (s *WebhookService) archiveEvent(ctx context.Context, event *stripe.Event, receivedAt time.Time, payload []byte) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.Store(ctx, event.ID, receivedAt, payload); err != nil {
		log.Printf("[Webhook] Failed to archive event %s: %v", event.ID, err)
	}
}

func (s *WebhookService) dispatch(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := decodeObject(event, &session); err != nil {
			return "", err
		}
		return s.handleCheckoutCompleted(ctx, &session)

	case stripe.EventSubscriptionCreated, stripe.EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return "", err
		}
		return s.handleSubscriptionChanged(ctx, toRemoteSubscription(&sub), "")

	case stripe.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return "", err
		}
		return s.handleSubscriptionChanged(ctx, toRemoteSubscription(&sub), domain.EventProviderDeleted)

	case stripe.EventInvoicePaymentSucceeded:
		var invoice stripe.Invoice
		if err := decodeObject(event, &invoice); err != nil {
			return "", err
		}
		return s.handleInvoicePaid(ctx, &invoice, event.CreatedAt())

	case stripe.EventInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := decodeObject(event, &invoice); err != nil {
			return "", err
		}
		return s.handleInvoiceFailed(ctx, &invoice)

	default:
		log.Printf("[Webhook] Ignoring unhandled event type %s (%s)", event.Type, event.ID)
		return outcomeIgnored, nil
	}
}

func (s *WebhookService) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) (string, error) {
	if session.Subscription == "" {
		log.Printf("[Webhook] Checkout session %s carries no subscription, nothing to confirm", session.ID)
		return outcomeIgnored, nil
	}

	sub, err := s.locate(ctx, session.Metadata[recordIDMetadataKey], session.Subscription, session.Customer)
	if err != nil {
		return "", err
	}

	_, applied, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
		change, err := domain.PlanChange(cur, domain.EventPaymentConfirmed)
		if err != nil || change.SatisfiedBy(cur) {
			return change, err
		}
		return change.WithExternalIDs(session.Subscription, session.Customer), nil
	})
	return appliedOutcome(applied), err
}

// handleSubscriptionChanged reconciles a provider snapshot. A non-empty forced event overrides the status mapping.
func (s *WebhookService) handleSubscriptionChanged(ctx context.Context, remote *domain.RemoteSubscription, forced domain.Event) (string, error) {
	sub, err := s.locate(ctx, remote.RecordID, remote.ID, remote.CustomerID)
	if err != nil {
		return "", err
	}

	now := s.clock.now()
	_, applied, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
		event := forced
		if event == "" {
			var ok bool
			if event, ok = domain.DriftEvent(cur, remote); !ok {
				return unchanged(cur), nil
			}
		}
		return domain.PlanDrift(cur, remote, event, now)
	})
	return appliedOutcome(applied), err
}

// handleInvoicePaid re-activates the record and advances billing to the anchor after the invoice.
// The period only moves forward, so a stale redelivery never rolls it back or double-advances it.
// An invoice older than the write that cancelled or expired the record is stale and only acknowledged.
func (s *WebhookService) handleInvoicePaid(ctx context.Context, invoice *stripe.Invoice, created time.Time) (string, error) {
	sub, err := s.locate(ctx, "", invoice.Subscription, invoice.Customer)
	if err != nil {
		return "", err
	}

	renewal := domain.NextRenewalDate(created)
	_, applied, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
		if (cur.Status == domain.StatusCancelled || cur.Status == domain.StatusExpired) && created.Before(cur.UpdatedAt) {
			log.Printf("[Webhook] Invoice %s predates %s record %s, acknowledging", invoice.ID, cur.Status, cur.ID)
			return unchanged(cur), nil
		}
		change, err := domain.PlanChange(cur, domain.EventPaymentSucceeded)
		if err != nil {
			return change, err
		}
		if cur.Status != domain.StatusActive || renewal.After(cur.NextBillingDate) {
			change = change.WithBillingPeriod(renewal)
		}
		if cur.ExternalSubscriptionID == "" {
			change = change.WithExternalIDs(invoice.Subscription, invoice.Customer)
		}
		return change, nil
	})
	return appliedOutcome(applied), err
}

func (s *WebhookService) handleInvoiceFailed(ctx context.Context, invoice *stripe.Invoice) (string, error) {
	sub, err := s.locate(ctx, "", invoice.Subscription, invoice.Customer)
	if err != nil {
		return "", err
	}

	_, applied, err := s.apply(ctx, sub, func(cur *domain.Subscription) (domain.StatusChange, error) {
		return domain.PlanChange(cur, domain.EventPaymentFailed)
	})
	return appliedOutcome(applied), err
}

// locate finds the local record an event refers to: by our record id, then the provider
// subscription id, then the provider customer's latest record.
func (s *WebhookService) locate(ctx context.Context, recordID, externalID, customerID string) (*domain.Subscription, error) {
	if recordID != "" {
		sub, err := s.subs.GetByID(ctx, recordID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if externalID != "" {
		sub, err := s.subs.FindByExternalID(ctx, externalID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if customerID != "" {
		return s.subs.FindLatestByExternalCustomerID(ctx, customerID)
	}
	return nil, domain.ErrNotFound
}

func decodeObject(event *stripe.Event, dest any) error {
	if len(event.Data.Object) == 0 {
		return fmt.Errorf("%s %s has no data object: %w", event.Type, event.ID, domain.ErrValidation)
	}
	if err := json.Unmarshal(event.Data.Object, dest); err != nil {
		return fmt.Errorf("decode %s object: %w: %w", event.Type, domain.ErrValidation, err)
	}
	return nil
}

// unchanged is a change the record already satisfies
func unchanged(cur *domain.Subscription) domain.StatusChange {
	return domain.StatusChange{To: cur.Status}
}

func appliedOutcome(applied bool) string {
	if applied {
		return outcomeApplied
	}
	return outcomeNoop
}
