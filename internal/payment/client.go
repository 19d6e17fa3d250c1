// Package payment ingests payment-provider webhooks. Deliveries are verified,
// the authoritative payment is fetched from the provider and settled
// payments are handed to the checkout confirmation path.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout = 15 * time.Second

	paymentPath       = "/v1/payments/"
	merchantOrderPath = "/merchant_orders/"
)

var tracer = otel.Tracer("example.com/fulfillment/internal/payment")

// Payment is the provider's record of one payment attempt.
type Payment struct {
	ID                int64          `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	ExternalReference string         `json:"external_reference"`
	PaymentMethodID   string         `json:"payment_method_id"`
	PaymentTypeID     string         `json:"payment_type_id"`
	Installments      int            `json:"installments"`
	TransactionAmount float64        `json:"transaction_amount"`
	Metadata          map[string]any `json:"metadata"`

	// Raw is the untouched response body, kept as the order's payment
	// snapshot.
	Raw json.RawMessage `json:"-"`
}

// MerchantOrder groups the payments made against one checkout preference.
type MerchantOrder struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	OrderStatus       string `json:"order_status"`
	ExternalReference string `json:"external_reference"`
	Payments          []struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"payments"`
}

type ClientConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Client reads payments from the provider API.
type Client struct {
	http *resty.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("payment client: access token missing: %w", ErrNotConfigured)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.mercadopago.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetAuthToken(strings.TrimSpace(cfg.AccessToken)).
		SetHeader("Accept", "application/json")
	return &Client{http: hc}, nil
}

func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	ctx, span := tracer.Start(ctx, "payment.GetPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id))

	body, err := c.get(ctx, paymentPath+url.PathEscape(id))
	if err != nil {
		span.RecordError(err)
		return Payment{}, fmt.Errorf("get payment %s: %w", id, err)
	}
	var p Payment
	if err := json.Unmarshal(body, &p); err != nil {
		return Payment{}, fmt.Errorf("decode payment %s: %w", id, err)
	}
	p.Raw = json.RawMessage(body)
	return p, nil
}

func (c *Client) GetMerchantOrder(ctx context.Context, id string) (MerchantOrder, error) {
	ctx, span := tracer.Start(ctx, "payment.GetMerchantOrder")
	defer span.End()
	span.SetAttributes(attribute.String("merchant_order.id", id))

	body, err := c.get(ctx, merchantOrderPath+url.PathEscape(id))
	if err != nil {
		span.RecordError(err)
		return MerchantOrder{}, fmt.Errorf("get merchant order %s: %w", id, err)
	}
	var mo MerchantOrder
	if err := json.Unmarshal(body, &mo); err != nil {
		return MerchantOrder{}, fmt.Errorf("decode merchant order %s: %w", id, err)
	}
	return mo, nil
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment provider returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: body}
	}
	return resp.Body(), nil
}
