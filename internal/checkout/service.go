// Package checkout records confirmed checkouts and drives the downstream
// fulfillment steps for each resulting order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"example.com/fulfillment/internal/artifact"
	"example.com/fulfillment/internal/label"
	"example.com/fulfillment/internal/order"
)

var (
	tracer = otel.Tracer("example.com/fulfillment/internal/checkout")
	meter  = otel.Meter("example.com/fulfillment/internal/checkout")
)

// Upserter is the slice of order.Repository the service writes through.
type Upserter interface {
	Upsert(ctx context.Context, in order.UpsertInput) (order.UpsertResult, error)
}

type Compiler interface {
	Compile(ctx context.Context, orderID string, artwork []byte) (artifact.Result, error)
}

type Labeler interface {
	Issue(ctx context.Context, orderID string) (label.Outcome, error)
}

// StepResult is the non-fatal outcome of a downstream step.
type StepResult struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Warning string `json:"warning,omitempty"`
}

type OrderResult struct {
	OrderID           string     `json:"orderId"`
	ExternalOrderID   string     `json:"externalOrderId"`
	ExternalReference string     `json:"externalReference,omitempty"`
	Created           bool       `json:"created"`
	Settled           bool       `json:"settled"`
	Compile           StepResult `json:"compile"`
	Label             StepResult `json:"label"`
}

type Response struct {
	Orders   []OrderResult `json:"orders"`
	Warnings []string      `json:"warnings,omitempty"`
}

type Service struct {
	orders   Upserter
	compiler Compiler
	labeler  Labeler
	validate *validator.Validate
	logger   *slog.Logger
	confirms metric.Int64Counter
}

// NewService wires the confirmation path. compiler and labeler may be nil,
// in which case the corresponding step is reported as skipped.
func NewService(orders Upserter, compiler Compiler, labeler Labeler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	confirms, _ := meter.Int64Counter("checkout.confirmations",
		metric.WithDescription("Orders recorded by the confirmation path"))
	return &Service{
		orders:   orders,
		compiler: compiler,
		labeler:  labeler,
		validate: newValidator(),
		logger:   logger.With("component", "checkout"),
		confirms: confirms,
	}
}

// unit is one order produced by a confirmation.
type unit struct {
	input   order.UpsertInput
	artwork []byte
}

// Confirm records every order of a checkout and, for settled payments,
// compiles artifacts and issues labels. Only validation and storage failures
// are errors; downstream failures become warnings.
func (s *Service) Confirm(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "checkout.Confirm")
	defer span.End()

	req.ExternalOrderID = strings.TrimSpace(req.ExternalOrderID)
	if err := s.validate.Struct(req); err != nil {
		return Response{}, fromValidator(err)
	}
	units, err := expand(req)
	if err != nil {
		return Response{}, err
	}
	span.SetAttributes(
		attribute.String("order.external_id", req.ExternalOrderID),
		attribute.Int("order.units", len(units)),
	)

	settled := order.IsSettled(req.Status)
	var resp Response
	for _, u := range units {
		rec, err := s.orders.Upsert(ctx, u.input)
		if err != nil {
			span.RecordError(err)
			return resp, fmt.Errorf("record order %s: %w", u.input.ExternalOrderID, err)
		}
		s.confirms.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("created", rec.Created),
			attribute.Bool("settled", settled),
		))
		res := OrderResult{
			OrderID:           rec.OrderID,
			ExternalOrderID:   u.input.ExternalOrderID,
			ExternalReference: u.input.ExternalReference,
			Created:           rec.Created,
			Settled:           settled,
		}
		log := s.logger.With("order_id", rec.OrderID, "external_order_id", u.input.ExternalOrderID)
		log.Info("order recorded", "created", rec.Created, "status", u.input.Status)

		if !settled {
			res.Compile = StepResult{Skipped: true, Detail: "payment_not_settled"}
			res.Label = StepResult{Skipped: true, Detail: "payment_not_settled"}
			resp.Orders = append(resp.Orders, res)
			continue
		}

		res.Compile = s.compile(ctx, log, rec, u)
		res.Label = s.issue(ctx, log, rec.OrderID)
		for _, w := range []string{res.Compile.Warning, res.Label.Warning} {
			if w != "" {
				resp.Warnings = append(resp.Warnings, u.input.ExternalOrderID+": "+w)
			}
		}
		resp.Orders = append(resp.Orders, res)
	}
	return resp, nil
}

func (s *Service) compile(ctx context.Context, log *slog.Logger, rec order.UpsertResult, u unit) StepResult {
	switch {
	case rec.PackageGeneratedAt != nil:
		return StepResult{OK: true, Skipped: true, Detail: "already_compiled"}
	case s.compiler == nil:
		return StepResult{Skipped: true, Detail: "compiler_disabled"}
	case len(u.artwork) == 0 && u.input.Artwork.URL == "":
		return StepResult{Skipped: true, Detail: "no_artwork"}
	}
	res, err := s.compiler.Compile(ctx, rec.OrderID, u.artwork)
	if err != nil {
		log.Warn("artifact compilation failed", "error", err)
		return StepResult{Warning: "artifact compilation failed; order needs manual follow-up"}
	}
	step := StepResult{OK: true, Detail: "compiled"}
	if res.ArtworkMissing {
		step.Warning = "artwork could not be embedded"
	}
	return step
}

func (s *Service) issue(ctx context.Context, log *slog.Logger, orderID string) StepResult {
	if s.labeler == nil {
		return StepResult{Skipped: true, Detail: "labels_disabled"}
	}
	outcome, err := s.labeler.Issue(ctx, orderID)
	if err != nil {
		var verr *label.ValidationError
		if errors.As(err, &verr) {
			log.Warn("label not issued", "error", err)
			return StepResult{Warning: "label not issued: " + err.Error()}
		}
		log.Warn("label issue failed", "error", err)
		return StepResult{Warning: "shipping label could not be issued; order needs manual follow-up"}
	}
	if outcome == label.OutcomeNoCarrierSelection {
		return StepResult{OK: true, Skipped: true, Detail: string(outcome)}
	}
	return StepResult{OK: true, Detail: string(outcome)}
}

// expand turns a request into its orders. A cart checkout yields one order
// per item keyed <externalOrderId>-item-<n>; the cart shipping selection and
// cost ride on the first item.
func expand(req Request) ([]unit, error) {
	base := order.UpsertInput{
		ExternalReference: strings.TrimSpace(req.ExternalReference),
		Status:            strings.ToLower(strings.TrimSpace(req.Status)),
		Customer:          req.Customer,
		ShippingAddress:   req.ShippingAddress,
		PaymentMethod:     req.PaymentMethod,
		Installments:      req.Installments,
		PaymentSnapshot:   req.PaymentSnapshot,
	}

	if len(req.Items) == 0 {
		art, err := decodeArtwork("artworkBase64", req.ArtworkBase64, req.ArtworkDataURL)
		if err != nil {
			return nil, err
		}
		in := base
		in.ExternalOrderID = req.ExternalOrderID
		in.Product = req.Product
		in.Artwork = req.Artwork
		in.TotalMinor = req.TotalMinor
		in.ShippingCostMinor = req.ShippingCostMinor
		in.Shipping = req.Shipping
		return []unit{{input: in, artwork: art}}, nil
	}

	if base.ExternalReference == "" {
		base.ExternalReference = req.ExternalOrderID
	}
	units := make([]unit, 0, len(req.Items))
	for i, item := range req.Items {
		art, err := decodeArtwork(fmt.Sprintf("items[%d].artworkBase64", i), item.ArtworkBase64, item.ArtworkDataURL)
		if err != nil {
			return nil, err
		}
		in := base
		in.ExternalOrderID = fmt.Sprintf("%s-item-%d", req.ExternalOrderID, i+1)
		in.Product = item.Product
		in.Artwork = item.Artwork
		in.TotalMinor = item.TotalMinor
		if i == 0 {
			in.Shipping = req.Shipping
			in.ShippingCostMinor = req.ShippingCostMinor
			in.TotalMinor += req.ShippingCostMinor
		}
		units = append(units, unit{input: in, artwork: art})
	}
	return units, nil
}
