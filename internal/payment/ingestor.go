package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"example.com/fulfillment/internal/checkout"
	"example.com/fulfillment/internal/order"
)

var meter = otel.Meter("example.com/fulfillment/internal/payment")

// Provider is the read side of the payment provider API.
type Provider interface {
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetMerchantOrder(ctx context.Context, id string) (MerchantOrder, error)
}

// Confirmer runs the checkout confirmation path.
type Confirmer interface {
	Confirm(ctx context.Context, req checkout.Request) (checkout.Response, error)
}

// Delivery is one inbound webhook call.
type Delivery struct {
	Query     url.Values
	Body      []byte
	Signature string // x-signature
	RequestID string // x-request-id
}

type Status string

const (
	StatusInvalidSignature Status = "invalid_signature"
	StatusMissingID        Status = "missing_id"
	StatusIgnoredTopic     Status = "ignored_topic"
	StatusNotSettled       Status = "not_settled"
	StatusNoReference      Status = "no_reference"
	StatusConfirmed        Status = "confirmed"
	StatusFailed           Status = "failed"
)

// Outcome is what happened to a delivery. The HTTP layer acknowledges every
// outcome the same way; it exists for logs and tests.
type Outcome struct {
	Status          Status
	Topic           string
	DataID          string
	PaymentID       string
	ExternalOrderID string
	Orders          []string
	Err             error
}

const (
	topicPayment       = "payment"
	topicMerchantOrder = "merchant_order"

	// metadataKey holds the confirmation snapshot the storefront attached
	// when it created the payment.
	metadataKey = "checkout"

	defaultHandleTimeout = 60 * time.Second
)

type Ingestor struct {
	verifier  Verifier
	provider  Provider
	confirmer Confirmer
	logger    *slog.Logger
	timeout   time.Duration
	group     singleflight.Group
	handled   metric.Int64Counter
}

// NewIngestor wires the webhook pipeline. provider may be nil when the
// payment API is not configured; verified deliveries then fail without
// side effects.
func NewIngestor(verifier Verifier, provider Provider, confirmer Confirmer, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	handled, _ := meter.Int64Counter("payment.webhooks",
		metric.WithDescription("Payment webhook deliveries by outcome"))
	return &Ingestor{
		verifier:  verifier,
		provider:  provider,
		confirmer: confirmer,
		logger:    logger.With("component", "payment.ingestor"),
		timeout:   defaultHandleTimeout,
		handled:   handled,
	}
}

// Handle processes one delivery. It never returns an error: failures are
// reported in the Outcome and logged.
func (i *Ingestor) Handle(ctx context.Context, d Delivery) Outcome {
	ctx, span := tracer.Start(ctx, "payment.Handle")
	defer span.End()

	body := decodeBody(d.Body)
	dataID := deliveryID(d.Query, body)
	topic := deliveryTopic(d.Query, body)
	span.SetAttributes(attribute.String("webhook.topic", topic), attribute.String("webhook.data_id", dataID))

	out := i.handle(ctx, d, topic, dataID)
	out.Topic, out.DataID = topic, dataID
	i.handled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(out.Status))))

	log := i.logger.With("topic", topic, "data_id", dataID, "status", out.Status)
	switch {
	case out.Err != nil:
		span.RecordError(out.Err)
		log.Error("payment webhook failed", "error", out.Err)
	case out.Status == StatusInvalidSignature:
		log.Warn("payment webhook rejected", "request_id", d.RequestID)
	default:
		log.Info("payment webhook handled", "payment_id", out.PaymentID, "external_order_id", out.ExternalOrderID)
	}
	return out
}

func (i *Ingestor) handle(ctx context.Context, d Delivery, topic, dataID string) Outcome {
	if err := i.verifier.Verify(d.Signature, dataID, d.RequestID); err != nil {
		return Outcome{Status: StatusInvalidSignature}
	}
	if dataID == "" {
		return Outcome{Status: StatusMissingID}
	}
	if topic != topicPayment && topic != topicMerchantOrder {
		return Outcome{Status: StatusIgnoredTopic}
	}
	if i.provider == nil || i.confirmer == nil {
		return Outcome{Status: StatusFailed, Err: ErrNotConfigured}
	}

	// Duplicate deliveries for one id share a single fetch and confirmation.
	// The shared call is detached from any one caller's cancellation.
	v, _, _ := i.group.Do(topic+":"+dataID, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
		defer cancel()
		return i.process(sctx, topic, dataID), nil
	})
	return v.(Outcome)
}

func (i *Ingestor) process(ctx context.Context, topic, dataID string) Outcome {
	paymentID := dataID
	if topic == topicMerchantOrder {
		mo, err := i.provider.GetMerchantOrder(ctx, dataID)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		paymentID = settledPayment(mo)
		if paymentID == "" {
			return Outcome{Status: StatusNotSettled, ExternalOrderID: mo.ExternalReference}
		}
	}

	p, err := i.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return Outcome{Status: StatusFailed, PaymentID: paymentID, Err: err}
	}
	if !order.IsSettled(p.Status) {
		return Outcome{Status: StatusNotSettled, PaymentID: paymentID, ExternalOrderID: p.ExternalReference}
	}

	req, err := confirmationFor(p)
	if err != nil {
		i.logger.Warn("checkout metadata unreadable", "payment_id", paymentID, "error", err)
	}
	if strings.TrimSpace(req.ExternalOrderID) == "" {
		return Outcome{Status: StatusNoReference, PaymentID: paymentID}
	}

	resp, err := i.confirmer.Confirm(ctx, req)
	if err != nil {
		return Outcome{Status: StatusFailed, PaymentID: paymentID, ExternalOrderID: req.ExternalOrderID, Err: err}
	}
	out := Outcome{Status: StatusConfirmed, PaymentID: paymentID, ExternalOrderID: req.ExternalOrderID}
	for _, o := range resp.Orders {
		out.Orders = append(out.Orders, o.OrderID)
	}
	for _, w := range resp.Warnings {
		i.logger.Warn("confirmation warning", "payment_id", paymentID, "warning", w)
	}
	return out
}

// confirmationFor rebuilds the confirmation request from the authoritative
// payment. Provider fields always win over the metadata snapshot.
func confirmationFor(p Payment) (checkout.Request, error) {
	var (
		req  checkout.Request
		rerr error
	)
	if snap, ok := p.Metadata[metadataKey]; ok && snap != nil {
		raw, err := json.Marshal(snap)
		if err == nil {
			err = json.Unmarshal(raw, &req)
		}
		if err != nil {
			req = checkout.Request{}
			rerr = fmt.Errorf("decode %s metadata: %w", metadataKey, err)
		}
	}
	if ref := strings.TrimSpace(p.ExternalReference); ref != "" {
		req.ExternalOrderID = ref
	}
	req.Status = p.Status
	if p.PaymentMethodID != "" {
		req.PaymentMethod = p.PaymentMethodID
	}
	if p.Installments > 0 {
		req.Installments = p.Installments
	}
	if len(p.Raw) > 0 {
		req.PaymentSnapshot = p.Raw
	}
	return req, rerr
}

// settledPayment picks the newest settled payment of a merchant order.
func settledPayment(mo MerchantOrder) string {
	var ids []int64
	for _, p := range mo.Payments {
		if order.IsSettled(p.Status) {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] > ids[b] })
	return strconv.FormatInt(ids[0], 10)
}

func decodeBody(b []byte) map[string]any {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

// deliveryID looks in query data.id, query id, body data.id, body id.
func deliveryID(q url.Values, body map[string]any) string {
	if v := strings.TrimSpace(q.Get("data.id")); v != "" {
		return v
	}
	if v := strings.TrimSpace(q.Get("id")); v != "" {
		return v
	}
	if data, ok := body["data"].(map[string]any); ok {
		if v := scalar(data["id"]); v != "" {
			return v
		}
	}
	return scalar(body["id"])
}

func deliveryTopic(q url.Values, body map[string]any) string {
	raw := q.Get("type")
	if raw == "" {
		raw = q.Get("topic")
	}
	if raw == "" {
		raw = scalar(body["type"])
	}
	if raw == "" {
		raw = scalar(body["topic"])
	}
	if raw == "" {
		// "payment.updated"
		raw, _, _ = strings.Cut(scalar(body["action"]), ".")
	}
	switch t := strings.ToLower(strings.TrimSpace(raw)); t {
	case "merchant_order", "topic_merchant_order_wh":
		return topicMerchantOrder
	default:
		return t
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
