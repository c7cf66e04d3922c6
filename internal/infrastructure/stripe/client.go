package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultBaseURL = "https://api.stripe.com"

// Config holds provider API configuration
type Config struct {
	SecretKey string
	BaseURL   string        // Override for tests; defaults to the public API
	Timeout   time.Duration // Per-request ceiling on the HTTP client
}

// Client talks to the provider REST API with form-encoded requests (no SDK dependency)
type Client struct {
	config     Config
	httpClient *http.Client
}

// APIError is a non-2xx response from the provider
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe API error: status %d, %s (%s): %s", e.StatusCode, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("stripe API error: status %d, %s: %s", e.StatusCode, e.Type, e.Message)
}

// Temporary reports whether retrying the same request later may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Customer is the subset of the customer object this service reads
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Coupon is the subset of the coupon object this service reads
type Coupon struct {
	ID             string  `json:"id"`
	PercentOff     float64 `json:"percent_off"`
	Duration       string  `json:"duration"`
	MaxRedemptions int     `json:"max_redemptions"`
}

// CheckoutSessionParams describes a yearly subscription checkout priced inline
type CheckoutSessionParams struct {
	CustomerID        string
	ClientReferenceID string
	ProductName       string
	Currency          string
	UnitAmount        int64 // minor units
	Interval          string
	CouponID          string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}

// CheckoutSession is the subset of the checkout session object this service reads
type CheckoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

// Subscription is the subset of the subscription object this service reads
type Subscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

// Invoice is the subset of the invoice object this service reads
type Invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	PeriodEnd     int64  `json:"period_end"`
}

// NewClient creates a new provider API client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// CreateCustomer registers a billing customer for a user
func (c *Client) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*Customer, error) {
	data := url.Values{}
	data.Set("email", email)
	if name != "" {
		data.Set("name", name)
	}
	setMetadata(data, "metadata", metadata)

	var customer Customer
	if err := c.post(ctx, "/v1/customers", data, &customer); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return &customer, nil
}

// CreateCoupon creates a percent-off coupon limited to maxRedemptions uses
func (c *Client) CreateCoupon(ctx context.Context, percentOff int64, duration string, maxRedemptions int) (*Coupon, error) {
	data := url.Values{}
	data.Set("percent_off", strconv.FormatInt(percentOff, 10))
	data.Set("duration", duration)
	if maxRedemptions > 0 {
		data.Set("max_redemptions", strconv.Itoa(maxRedemptions))
	}

	var coupon Coupon
	if err := c.post(ctx, "/v1/coupons", data, &coupon); err != nil {
		return nil, fmt.Errorf("create coupon: %w", err)
	}
	return &coupon, nil
}

// CreateCheckoutSession creates a hosted checkout session in subscription mode
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	data := url.Values{}
	data.Set("mode", "subscription")
	data.Set("customer", p.CustomerID)
	data.Set("client_reference_id", p.ClientReferenceID)
	data.Set("line_items[0][quantity]", "1")
	data.Set("line_items[0][price_data][currency]", p.Currency)
	data.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.UnitAmount, 10))
	data.Set("line_items[0][price_data][recurring][interval]", p.Interval)
	data.Set("line_items[0][price_data][product_data][name]", p.ProductName)
	if p.CouponID != "" {
		data.Set("discounts[0][coupon]", p.CouponID)
	}
	data.Set("success_url", p.SuccessURL)
	data.Set("cancel_url", p.CancelURL)
	setMetadata(data, "metadata", p.Metadata)
	// Copy onto the subscription so its lifecycle events carry the same references
	setMetadata(data, "subscription_data[metadata]", p.Metadata)

	var session CheckoutSession
	if err := c.post(ctx, "/v1/checkout/sessions", data, &session); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("create checkout session: missing session ID in response")
	}
	return &session, nil
}

// RetrieveCheckoutSession fetches a checkout session; Subscription is set once it completed
func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, fmt.Errorf("retrieve checkout session: %w", err)
	}
	return &session, nil
}

// RetrieveSubscription fetches the provider's current view of a subscription
func (c *Client) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id), nil, &sub); err != nil {
		return nil, fmt.Errorf("retrieve subscription: %w", err)
	}
	return &sub, nil
}

// UpdateSubscription toggles cancel-at-period-end
func (c *Client) UpdateSubscription(ctx context.Context, id string, cancelAtPeriodEnd bool) (*Subscription, error) {
	data := url.Values{}
	data.Set("cancel_at_period_end", strconv.FormatBool(cancelAtPeriodEnd))

	var sub Subscription
	if err := c.post(ctx, "/v1/subscriptions/"+url.PathEscape(id), data, &sub); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	log.Printf("[stripe] Subscription %s cancel_at_period_end=%t", id, cancelAtPeriodEnd)
	return &sub, nil
}

// CancelSubscription cancels a subscription immediately
func (c *Client) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(id), nil, &sub); err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	log.Printf("[stripe] Cancelled subscription %s", id)
	return &sub, nil
}

// HTTP helpers

func setMetadata(data url.Values, prefix string, metadata map[string]string) {
	for k, v := range metadata {
		data.Set(prefix+"["+k+"]", v)
	}
}

func (c *Client) post(ctx context.Context, path string, data url.Values, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, data, out)
}

func (c *Client) do(ctx context.Context, method, path string, data url.Values, out interface{}) error {
	var body io.Reader
	if data != nil {
		body = strings.NewReader(data.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.config.SecretKey, "")
	if data != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if method == http.MethodPost {
		// A retried POST with the same key is not applied twice by the provider
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			apiErr.Type = envelope.Error.Type
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
