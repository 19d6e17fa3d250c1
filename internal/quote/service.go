// Package quote fans a shipping quote out to every requested carrier, merges
// the normalized rates and ranks them.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"example.com/fulfillment/internal/carrier"
	"example.com/fulfillment/internal/shipping"
)

const defaultCarrierTimeout = 20 * time.Second

var tracer = otel.Tracer("example.com/fulfillment/internal/quote")

// ParcelInput is one package to quote, in centimeters and kilograms.
type ParcelInput struct {
	WeightKG           float64 `json:"weightKg" validate:"gt=0"`
	WidthCM            float64 `json:"widthCm" validate:"gt=0"`
	HeightCM           float64 `json:"heightCm" validate:"gt=0"`
	LengthCM           float64 `json:"lengthCm" validate:"gt=0"`
	DeclaredValueMinor int64   `json:"declaredValueMinor" validate:"gte=0"`
}

// ItemInput lets callers quote a printed product without knowing its
// packaging; the parcel is estimated from it.
type ItemInput struct {
	WidthCM            float64 `json:"widthCm" validate:"gte=0"`
	HeightCM           float64 `json:"heightCm" validate:"gte=0"`
	Quantity           int     `json:"quantity" validate:"gte=0"`
	Presentation       string  `json:"presentation"`
	DeclaredValueMinor int64   `json:"declaredValueMinor" validate:"gte=0"`
}

type Request struct {
	FromPostalCode string        `json:"fromPostalCode" validate:"omitempty,cep"`
	ToPostalCode   string        `json:"toPostalCode" validate:"required,cep"`
	Parcels        []ParcelInput `json:"parcels" validate:"dive"`
	Items          []ItemInput   `json:"items" validate:"dive"`
	Insurance      bool          `json:"insurance"`
	Providers      []string      `json:"providers"`
}

type Result struct {
	Rates    []shipping.Rate   `json:"rates"`
	Ranking  shipping.Ranking  `json:"ranking"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	carriers    []carrier.Client
	defaultFrom string
	timeout     time.Duration
	logger      *slog.Logger
	validate    *validator.Validate
	requests    metric.Int64Counter
}

func NewService(carriers []carrier.Client, defaultFrom string, carrierTimeout time.Duration, logger *slog.Logger) *Service {
	if carrierTimeout <= 0 {
		carrierTimeout = defaultCarrierTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	requests, _ := otel.Meter("example.com/fulfillment/internal/quote").Int64Counter(
		"quote.requests",
		metric.WithDescription("Shipping quote requests by outcome"),
	)
	return &Service{
		carriers:    carriers,
		defaultFrom: carrier.PostalDigits(defaultFrom),
		timeout:     carrierTimeout,
		logger:      logger.With("component", "quote.service"),
		validate:    newValidator(),
		requests:    requests,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("cep", func(fl validator.FieldLevel) bool {
		return len(carrier.PostalDigits(fl.Field().String())) == 8
	})
	return v
}

// Quote asks every selected carrier in parallel. A carrier that fails only
// costs its own rates; the call fails when no carrier answered at all.
func (s *Service) Quote(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "quote.Quote")
	defer span.End()

	qr, err := s.prepare(req)
	if err != nil {
		s.count(ctx, "invalid")
		return Result{}, err
	}
	targets, err := s.pick(req.Providers)
	if err != nil {
		s.count(ctx, "invalid")
		return Result{}, err
	}
	if len(targets) == 0 {
		s.count(ctx, "unconfigured")
		return Result{}, fmt.Errorf("no carrier integrations registered: %w", carrier.ErrNotConfigured)
	}

	type answer struct {
		rates []shipping.Rate
		err   error
	}
	answers := make([]answer, len(targets))
	var g errgroup.Group
	for i, c := range targets {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			rates, err := c.Quote(cctx, qr)
			answers[i] = answer{rates: rates, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Rates: []shipping.Rate{}}
	causes := map[string]error{}
	for i, a := range answers {
		name := targets[i].Name()
		if a.err != nil {
			causes[name] = a.err
			s.logger.Warn("carrier quote failed", "provider", name, "error", a.err)
			continue
		}
		res.Rates = append(res.Rates, a.rates...)
	}
	span.SetAttributes(attribute.Int("quote.carriers", len(targets)), attribute.Int("quote.rates", len(res.Rates)))

	if len(causes) == len(targets) {
		s.count(ctx, "failed")
		return Result{}, &AllFailedError{Causes: causes}
	}
	if len(causes) > 0 {
		res.Failures = make(map[string]string, len(causes))
		for name, err := range causes {
			res.Failures[name] = err.Error()
		}
	}
	res.Ranking = shipping.Rank(res.Rates)
	s.count(ctx, "ok")
	s.logger.Info("quote completed", "to_postal_code", qr.ToPostalCode, "rates", len(res.Rates), "failed_carriers", len(causes))
	return res, nil
}

func (s *Service) prepare(req Request) (carrier.QuoteRequest, error) {
	if err := s.validate.Struct(req); err != nil {
		return carrier.QuoteRequest{}, fromValidator(err)
	}
	if len(req.Parcels) == 0 && len(req.Items) == 0 {
		return carrier.QuoteRequest{}, &ValidationError{Field: "parcels", Reason: "at least one parcel or item is required"}
	}
	from := carrier.PostalDigits(req.FromPostalCode)
	if from == "" {
		from = s.defaultFrom
	}
	if len(from) != 8 {
		return carrier.QuoteRequest{}, &ValidationError{Field: "fromPostalCode", Reason: "is required when no sender postal code is configured"}
	}

	qr := carrier.QuoteRequest{
		FromPostalCode: from,
		ToPostalCode:   carrier.PostalDigits(req.ToPostalCode),
		Insurance:      req.Insurance,
	}
	for _, p := range req.Parcels {
		qr.Parcels = append(qr.Parcels, shipping.Parcel{
			WeightKG:           p.WeightKG,
			WidthCM:            p.WidthCM,
			HeightCM:           p.HeightCM,
			LengthCM:           p.LengthCM,
			DeclaredValueMinor: p.DeclaredValueMinor,
		})
	}
	for _, it := range req.Items {
		qr.Parcels = append(qr.Parcels, shipping.EstimateParcel(shipping.Item{
			WidthCM:      it.WidthCM,
			HeightCM:     it.HeightCM,
			Quantity:     it.Quantity,
			Presentation: shipping.ParsePresentation(it.Presentation),
		}, it.DeclaredValueMinor))
	}
	if !req.Insurance {
		for i := range qr.Parcels {
			qr.Parcels[i].DeclaredValueMinor = 0
		}
	}
	return qr, nil
}

// pick keeps allow-list order so first-seen tie-breaks in the ranking are
// reproducible. Without an allow-list every carrier runs in registration order.
func (s *Service) pick(providers []string) ([]carrier.Client, error) {
	if len(providers) == 0 {
		return s.carriers, nil
	}
	byName := make(map[string]carrier.Client, len(s.carriers))
	for _, c := range s.carriers {
		byName[c.Name()] = c
	}
	var out []carrier.Client
	seen := map[string]bool{}
	for _, p := range providers {
		name := strings.ToLower(strings.TrimSpace(p))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		c, ok := byName[name]
		if !ok {
			return nil, &ValidationError{Field: "providers", Reason: fmt.Sprintf("unknown provider %q", p)}
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, &ValidationError{Field: "providers", Reason: "no provider selected"}
	}
	return out, nil
}

func (s *Service) count(ctx context.Context, outcome string) {
	if s.requests != nil {
		s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// IsValidation reports whether err was caused by bad input.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
