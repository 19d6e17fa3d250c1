// Package api exposes the fulfillment HTTP surface: quotes, checkout
// confirmation, the payment webhook, order lookup, label printing and the
// operator re-fulfillment endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"example.com/fulfillment/internal/carrier"
	"example.com/fulfillment/internal/checkout"
	"example.com/fulfillment/internal/fulfillment"
	"example.com/fulfillment/internal/label"
	"example.com/fulfillment/internal/order"
	"example.com/fulfillment/internal/payment"
	"example.com/fulfillment/internal/quote"
)

const (
	maxJSONBody    = 32 << 20 // confirmation bodies may carry inline artwork
	maxWebhookBody = 1 << 20
	webhookTimeout = 90 * time.Second
)

type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (quote.Result, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, req checkout.Request) (checkout.Response, error)
}

type WebhookIngestor interface {
	Handle(ctx context.Context, d payment.Delivery) payment.Outcome
}

// OrderReader is the read side of order.Repository.
type OrderReader interface {
	Get(ctx context.Context, externalOrderID string) (order.Order, error)
	ListByReference(ctx context.Context, reference string) ([]order.Order, error)
	GetLabel(ctx context.Context, orderID string) (order.Label, error)
}

type LabelPrinter interface {
	Print(ctx context.Context, orderID string) (carrier.Document, error)
}

// Deps are the collaborators behind the routes. A nil Orchestrator disables
// the admin routes.
type Deps struct {
	Quotes       Quoter
	Checkout     Confirmer
	Webhooks     WebhookIngestor
	Orders       OrderReader
	Labels       LabelPrinter
	Orchestrator fulfillment.Orchestrator
	AdminKey     string
	QuoteTimeout time.Duration
}

type Server struct {
	deps   Deps
	logger *slog.Logger
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "api")}
}

// Router configures all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/shipping/quotes", s.handleQuote)
		r.Post("/checkout/confirm", s.handleConfirm)
		// Providers retry anything but a 2xx, so this route always acknowledges.
		r.Post("/webhooks/payments", s.handlePaymentWebhook)

		r.Get("/orders/by-reference/{reference}", s.handleOrdersByReference)
		r.Get("/orders/{externalOrderID}", s.handleGetOrder)
		r.Get("/orders/{externalOrderID}/label", s.handlePrintLabel)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdminKey)
		r.Post("/orders/{externalOrderID}/refulfill", s.handleRefulfill)
	})
	return r
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quote.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json: %v", err)
		return
	}
	ctx := r.Context()
	if s.deps.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.QuoteTimeout)
		defer cancel()
	}
	res, err := s.deps.Quotes.Quote(ctx, req)
	if err != nil {
		s.fail(w, r, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json: %v", err)
		return
	}
	resp, err := s.deps.Checkout.Confirm(r.Context(), req)
	if err != nil {
		s.fail(w, r, "confirm checkout", err)
		return
	}
	s.logger.Info("checkout confirmed", "external_order_id", req.ExternalOrderID, "orders", len(resp.Orders), "warnings", len(resp.Warnings))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Warn("payment webhook body unreadable", "error", err)
	}
	if s.deps.Webhooks != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), webhookTimeout)
		defer cancel()
		s.deps.Webhooks.Handle(ctx, payment.Delivery{
			Query:     r.URL.Query(),
			Body:      body,
			Signature: r.Header.Get("X-Signature"),
			RequestID: r.Header.Get("X-Request-Id"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.Get(r.Context(), chi.URLParam(r, "externalOrderID"))
	if err != nil {
		s.fail(w, r, "get order", err)
		return
	}
	payload := map[string]any{"order": o}
	l, err := s.deps.Orders.GetLabel(r.Context(), o.ID)
	switch {
	case err == nil:
		payload["label"] = l
	case !errors.Is(err, order.ErrNotFound):
		s.fail(w, r, "get label", err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleOrdersByReference(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	orders, err := s.deps.Orders.ListByReference(r.Context(), ref)
	if err != nil {
		s.fail(w, r, "list orders", err)
		return
	}
	if len(orders) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no orders for reference %s", ref)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reference": ref, "orders": orders})
}

func (s *Server) handlePrintLabel(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.Get(r.Context(), chi.URLParam(r, "externalOrderID"))
	if err != nil {
		s.fail(w, r, "get order", err)
		return
	}
	doc, err := s.deps.Labels.Print(r.Context(), o.ID)
	if err != nil {
		s.fail(w, r, "print label", err)
		return
	}
	if len(doc.Body) > 0 {
		ct := doc.ContentType
		if ct == "" {
			ct = "application/pdf"
		}
		name := doc.Filename
		if name == "" {
			name = "etiqueta-" + o.ExternalOrderID + ".pdf"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc.Body)
		return
	}
	if doc.URL != "" {
		http.Redirect(w, r, doc.URL, http.StatusFound)
		return
	}
	writeError(w, http.StatusBadGateway, "label_unavailable", "carrier returned no printable label")
}

func (s *Server) handleRefulfill(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Recompile *bool  `json:"recompile"`
		Relabel   *bool  `json:"relabel"`
		Reason    string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid json: %v", err)
			return
		}
	}
	o, err := s.deps.Orders.Get(r.Context(), chi.URLParam(r, "externalOrderID"))
	if err != nil {
		s.fail(w, r, "get order", err)
		return
	}
	input := fulfillment.RefulfillInput{
		OrderID:   o.ID,
		Recompile: payload.Recompile == nil || *payload.Recompile,
		Relabel:   payload.Relabel == nil || *payload.Relabel,
		Reason:    strings.TrimSpace(payload.Reason),
	}
	if input.Reason == "" {
		input.Reason = "manual"
	}
	if !input.Recompile && !input.Relabel {
		writeError(w, http.StatusBadRequest, "validation_failed", "recompile or relabel must be true")
		return
	}
	res, err := s.deps.Orchestrator.Refulfill(r.Context(), input)
	if err != nil {
		s.fail(w, r, "refulfill", err)
		return
	}
	s.logger.Info("refulfill finished", "order_id", o.ID, "external_order_id", o.ExternalOrderID, "failed", res.Failed(), "workflow_id", res.WorkflowID)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminKey == "" || s.deps.Orchestrator == nil {
			writeError(w, http.StatusServiceUnavailable, "not_configured", "admin endpoints are disabled")
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// fail maps a domain error onto an HTTP status and code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err, "status", status, "request_id", middleware.GetReqID(r.Context()))
	}
	writeError(w, status, code, "%s: %v", op, err)
}

func classify(err error) (int, string) {
	var (
		quoteErr    *quote.ValidationError
		checkoutErr *checkout.ValidationError
		labelErr    *label.ValidationError
		allFailed   *quote.AllFailedError
		statusErr   *carrier.StatusError
	)
	switch {
	case errors.As(err, &quoteErr), errors.As(err, &checkoutErr), errors.As(err, &labelErr):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, carrier.ErrNotConfigured), errors.Is(err, payment.ErrNotConfigured):
		return http.StatusServiceUnavailable, "not_configured"
	case errors.Is(err, carrier.ErrUnauthenticated):
		return http.StatusBadGateway, "carrier_unauthenticated"
	case errors.As(err, &allFailed), errors.As(err, &statusErr):
		return http.StatusBadGateway, "upstream_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
