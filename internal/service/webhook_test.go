package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/infrastructure/stripe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signedEvent builds a provider envelope around object and signs it at h.now
func (h *harness) signedEvent(t *testing.T, id, eventType string, created time.Time, object any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)
	return payload, stripe.SignPayload(h.now, payload, testWebhookSecret)
}

func (h *harness) deliver(t *testing.T, id, eventType string, object any) error {
	t.Helper()
	payload, sig := h.signedEvent(t, id, eventType, h.now, object)
	return h.webhooks.HandleEvent(context.Background(), payload, sig)
}

// pendingCheckout runs a real checkout and returns the pending record
func (h *harness) pendingCheckout(t *testing.T, userID string) *domain.Subscription {
	t.Helper()
	res, err := h.lifecycle.Checkout(context.Background(), CheckoutRequest{UserID: userID})
	require.NoError(t, err)
	return h.subs.get(t, res.SubscriptionID)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.pendingCheckout(t, "u1")

	payload, _ := h.signedEvent(t, "evt_1", stripe.EventCheckoutSessionCompleted, h.now, stripe.CheckoutSession{
		ID: "cs_1", Subscription: "sub_ext", Customer: sub.ExternalCustomerID,
	})

	err := h.webhooks.HandleEvent(context.Background(), payload, stripe.SignPayload(h.now, payload, "whsec_wrong"))
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	err = h.webhooks.HandleEvent(context.Background(), payload, "")
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	assert.Equal(t, domain.StatusPending, h.subs.get(t, sub.ID).Status)
	assert.Empty(t, h.archive.stored, "unverified payloads are not archived")
}

func TestWebhook_CheckoutCompletedActivatesOnce(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.pendingCheckout(t, "u1")

	session := stripe.CheckoutSession{
		ID:           sub.Metadata.CheckoutSessionID,
		Subscription: "sub_ext_1",
		Customer:     sub.ExternalCustomerID,
		Metadata:     map[string]string{recordIDMetadataKey: sub.ID},
	}
	require.NoError(t, h.deliver(t, "evt_1", stripe.EventCheckoutSessionCompleted, session))

	got := h.subs.get(t, sub.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, "sub_ext_1", got.ExternalSubscriptionID)
	assert.Equal(t, domain.RoleSubscriber, h.users.role("u1"))
	assert.Contains(t, h.archive.stored, "evt_1")

	roleWrites := h.users.roleWrites
	require.NoError(t, h.deliver(t, "evt_1", stripe.EventCheckoutSessionCompleted, session))

	again := h.subs.get(t, sub.ID)
	assert.Equal(t, got.Version, again.Version, "redelivery must not write")
	assert.Equal(t, roleWrites, h.users.roleWrites)
}

func TestWebhook_CheckoutCompletedFoundByCustomer(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.pendingCheckout(t, "u1")

	require.NoError(t, h.deliver(t, "evt_1", stripe.EventCheckoutSessionCompleted, stripe.CheckoutSession{
		ID: "cs_x", Subscription: "sub_ext_1", Customer: sub.ExternalCustomerID,
	}))
	assert.Equal(t, domain.StatusActive, h.subs.get(t, sub.ID).Status)
}

func TestWebhook_ConcurrentDuplicatesConverge(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.pendingCheckout(t, "u1")
	payload, sig := h.signedEvent(t, "evt_dup", stripe.EventCheckoutSessionCompleted, h.now, stripe.CheckoutSession{
		ID: "cs_1", Subscription: "sub_ext_1", Customer: sub.ExternalCustomerID,
		Metadata: map[string]string{recordIDMetadataKey: sub.ID},
	})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.webhooks.HandleEvent(context.Background(), payload, sig)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got := h.subs.get(t, sub.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, sub.Version+1, got.Version, "exactly one delivery wins the write")
}

func TestWebhook_SubscriptionDeletedAfterDeferredCancel(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.activeSubscription(t, "u1", true)

	_, err := h.lifecycle.Cancel(context.Background(), "u1", false)
	require.NoError(t, err)

	h.now = june10.Add(24 * time.Hour)
	h.gateway.SetRemote(domain.RemoteSubscription{ID: sub.ExternalSubscriptionID, CustomerID: sub.ExternalCustomerID, Status: domain.RemoteCanceled})
	require.NoError(t, h.deliver(t, "evt_del", stripe.EventSubscriptionDeleted, stripe.Subscription{
		ID: sub.ExternalSubscriptionID, Customer: sub.ExternalCustomerID, Status: "canceled",
	}))

	got := h.subs.get(t, sub.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.True(t, got.EndDate.Equal(h.now))
	assert.Equal(t, domain.RoleUser, h.users.role("u1"))

	res, err := h.sweeps.RunDriftSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Transitioned)
	assert.Equal(t, got.Version, h.subs.get(t, sub.ID).Version, "drift sync sees no disagreement")
}

func TestWebhook_SubscriptionUpdatedMapsStatus(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.activeSubscription(t, "u1", true)

	require.NoError(t, h.deliver(t, "evt_1", stripe.EventSubscriptionUpdated, stripe.Subscription{
		ID: sub.ExternalSubscriptionID, Status: "active", CancelAtPeriodEnd: true,
	}))
	assert.False(t, h.subs.get(t, sub.ID).AutoRenew)

	require.NoError(t, h.deliver(t, "evt_2", stripe.EventSubscriptionUpdated, stripe.Subscription{
		ID: sub.ExternalSubscriptionID, Status: "past_due",
	}))
	assert.Equal(t, domain.StatusActive, h.subs.get(t, sub.ID).Status, "provider is still retrying")

	require.NoError(t, h.deliver(t, "evt_3", stripe.EventSubscriptionUpdated, stripe.Subscription{
		ID: sub.ExternalSubscriptionID, Status: "unpaid",
	}))
	assert.Equal(t, domain.StatusExpired, h.subs.get(t, sub.ID).Status)
	assert.Equal(t, domain.RoleUser, h.users.role("u1"))
}

func TestWebhook_InvoicePaidAdvancesOnce(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.activeSubscription(t, "u1", true)

	// Renewal invoice paid on the 2026 anchor
	h.now = time.Date(2026, time.January, 6, 1, 0, 0, 0, time.UTC)
	invoice := stripe.Invoice{ID: "in_1", Subscription: sub.ExternalSubscriptionID, Customer: sub.ExternalCustomerID}
	payload, sig := h.signedEvent(t, "evt_inv", stripe.EventInvoicePaymentSucceeded, h.now, invoice)

	require.NoError(t, h.webhooks.HandleEvent(context.Background(), payload, sig))
	first := h.subs.get(t, sub.ID)
	want := time.Date(2027, time.January, 5, 0, 0, 0, 0, time.UTC)
	assert.True(t, first.NextBillingDate.Equal(want), "got %s", first.NextBillingDate)
	assert.True(t, first.EndDate.Equal(want))

	require.NoError(t, h.webhooks.HandleEvent(context.Background(), payload, sig))
	second := h.subs.get(t, sub.ID)
	assert.Equal(t, first.Version, second.Version, "no duplicate billing advance")
	assert.True(t, second.NextBillingDate.Equal(want))
}

func TestWebhook_InvoicePaidOutOfOrderDoesNotRollBack(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.activeSubscription(t, "u1", true)

	// An invoice from the previous billing year arrives late
	old := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	payload, sig := h.signedEvent(t, "evt_old", stripe.EventInvoicePaymentSucceeded, old,
		stripe.Invoice{ID: "in_0", Subscription: sub.ExternalSubscriptionID})

	require.NoError(t, h.webhooks.HandleEvent(context.Background(), payload, sig))
	got := h.subs.get(t, sub.ID)
	assert.Equal(t, sub.Version, got.Version)
	assert.True(t, got.NextBillingDate.Equal(sub.NextBillingDate))
}

func TestWebhook_InvoicePaidBeforeCancelDoesNotReactivate(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.activeSubscription(t, "u1", true)

	cancelled, err := h.lifecycle.Cancel(context.Background(), "u1", true)
	require.NoError(t, err)
	require.Equal(t, domain.RoleUser, h.users.role("u1"))

	// Delivered after the cancel, created a week before it
	payload, sig := h.signedEvent(t, "evt_late", stripe.EventInvoicePaymentSucceeded, june10.AddDate(0, 0, -7),
		stripe.Invoice{ID: "in_late", Subscription: sub.ExternalSubscriptionID, Customer: sub.ExternalCustomerID})

	require.NoError(t, h.webhooks.HandleEvent(context.Background(), payload, sig))
	got := h.subs.get(t, sub.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, cancelled.Version, got.Version)
	assert.Equal(t, domain.RoleUser, h.users.role("u1"))
}

func TestWebhook_InvoicePaidAfterExpiryReactivates(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.activeSubscription(t, "u1", true)

	invoice := stripe.Invoice{ID: "in_1", Subscription: sub.ExternalSubscriptionID}
	require.NoError(t, h.deliver(t, "evt_f", stripe.EventInvoicePaymentFailed, invoice))
	require.Equal(t, domain.StatusExpired, h.subs.get(t, sub.ID).Status)

	// The provider's retry succeeds a day later
	h.now = june10.AddDate(0, 0, 1)
	require.NoError(t, h.deliver(t, "evt_ok", stripe.EventInvoicePaymentSucceeded, invoice))
	assert.Equal(t, domain.StatusActive, h.subs.get(t, sub.ID).Status)
	assert.Equal(t, domain.RoleSubscriber, h.users.role("u1"))
}

func TestWebhook_InvoiceFailedExpires(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.activeSubscription(t, "u1", true)

	invoice := stripe.Invoice{ID: "in_1", Subscription: sub.ExternalSubscriptionID}
	require.NoError(t, h.deliver(t, "evt_f", stripe.EventInvoicePaymentFailed, invoice))
	got := h.subs.get(t, sub.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, domain.RoleUser, h.users.role("u1"))

	roleWrites := h.users.roleWrites
	require.NoError(t, h.deliver(t, "evt_f", stripe.EventInvoicePaymentFailed, invoice))
	assert.Equal(t, got.Version, h.subs.get(t, sub.ID).Version)
	assert.Equal(t, roleWrites, h.users.roleWrites, "no double demotion")
}

func TestWebhook_AcknowledgesWhatItCannotApply(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.activeSubscription(t, "u1", true)

	t.Run("unknown type", func(t *testing.T) {
		assert.NoError(t, h.deliver(t, "evt_u", "customer.tax_id.created", map[string]string{"id": "txi_1"}))
	})

	t.Run("unknown record", func(t *testing.T) {
		assert.NoError(t, h.deliver(t, "evt_n", stripe.EventSubscriptionDeleted, stripe.Subscription{ID: "sub_nobody", Status: "canceled"}))
	})

	t.Run("illegal transition", func(t *testing.T) {
		require.NoError(t, h.deliver(t, "evt_f", stripe.EventInvoicePaymentFailed, stripe.Invoice{Subscription: sub.ExternalSubscriptionID}))
		expired := h.subs.get(t, sub.ID)
		require.Equal(t, domain.StatusExpired, expired.Status)

		assert.NoError(t, h.deliver(t, "evt_d", stripe.EventSubscriptionDeleted, stripe.Subscription{ID: sub.ExternalSubscriptionID, Status: "canceled"}))
		assert.Equal(t, expired.Version, h.subs.get(t, sub.ID).Version)
	})
}

func TestWebhook_MalformedPayloads(t *testing.T) {
	h := newHarness(t, june10)

	payload := []byte(`{"id":"evt_1","type":"invoice.payment_failed","data":{"object":"not an object"}}`)
	err := h.webhooks.HandleEvent(context.Background(), payload, stripe.SignPayload(h.now, payload, testWebhookSecret))
	assert.ErrorIs(t, err, domain.ErrValidation)

	payload = []byte(`{not json`)
	err = h.webhooks.HandleEvent(context.Background(), payload, stripe.SignPayload(h.now, payload, testWebhookSecret))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.NotErrorIs(t, err, domain.ErrAuthentication)

	payload = []byte(`{"id":"evt_2"}`)
	err = h.webhooks.HandleEvent(context.Background(), payload, stripe.SignPayload(h.now, payload, testWebhookSecret))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestWebhook_ArchiveFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	sub := h.pendingCheckout(t, "u1")
	h.archive.err = errors.New("bucket unavailable")

	require.NoError(t, h.deliver(t, "evt_1", stripe.EventCheckoutSessionCompleted, stripe.CheckoutSession{
		Subscription: "sub_ext_1", Customer: sub.ExternalCustomerID,
		Metadata: map[string]string{recordIDMetadataKey: sub.ID},
	}))
	assert.Equal(t, domain.StatusActive, h.subs.get(t, sub.ID).Status)
}

func TestWebhook_RaceWithExpirySweepStaysReachable(t *testing.T) {
	h := newHarness(t, june10, &domain.User{ID: "u1"})
	renewal := domain.NextRenewalDate(june10)
	sub := h.subs.seed(t, domain.Subscription{
		UserID: "u1", ExternalSubscriptionID: "sub_ext", Status: domain.StatusActive,
		EndDate: june10.Add(-time.Hour), NextBillingDate: june10.Add(-time.Hour), AutoRenew: false,
	})

	// The renewal invoice lands between the sweep's read and its write
	h.subs.beforeUpdate = func() {
		require.NoError(t, h.deliver(t, "evt_inv", stripe.EventInvoicePaymentSucceeded, stripe.Invoice{Subscription: "sub_ext"}))
	}

	res, err := h.sweeps.RunExpirySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Visited)
	assert.Equal(t, 0, res.Transitioned)

	got := h.subs.get(t, sub.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.True(t, got.EndDate.Equal(renewal))
	assert.Contains(t, domain.ReachableStatuses(domain.StatusActive), got.Status)
	assert.Equal(t, sub.Version+1, got.Version)
}
