package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the webhook signature
const SignatureHeader = "Stripe-Signature"

// Webhook event types this service reacts to
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidHeader    = errors.New("malformed webhook signature header")
	ErrNoValidSignature = errors.New("no signature matches the payload")
	ErrTooOld           = errors.New("webhook timestamp outside tolerance")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// Event is a webhook envelope; Data.Object is decoded by the consumer according to Type
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CreatedAt converts the provider's unix timestamp
func (e *Event) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// ComputeSignature is hex(hmac-sha256(secret, "<unix>.<payload>"))
func ComputeSignature(t time.Time, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(t.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload builds a header value for payload, as the provider would send it
func SignPayload(t time.Time, payload []byte, secret string) string {
	return fmt.Sprintf("t=%d,v1=%s", t.Unix(), ComputeSignature(t, payload, secret))
}

// VerifySignature checks header against payload. Any v1 entry may match, which lets the
// provider sign with an old and a new secret during rotation.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return ErrMissingSignature
	}

	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrInvalidHeader
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrInvalidHeader
	}

	signedAt := time.Unix(ts, 0)
	expected, _ := hex.DecodeString(ComputeSignature(signedAt, payload, secret))

	matched := false
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrNoValidSignature
	}

	if tolerance > 0 {
		age := now.Sub(signedAt)
		if age > tolerance || age < -tolerance {
			return ErrTooOld
		}
	}
	return nil
}

// ConstructEvent verifies the signature and then decodes the envelope.
// Decoding failures wrap ErrMalformedEvent; anything else is a signature failure.
func ConstructEvent(payload []byte, header, secret string, tolerance time.Duration, now time.Time) (*Event, error) {
	if err := VerifySignature(payload, header, secret, tolerance, now); err != nil {
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	return &event, nil
}
