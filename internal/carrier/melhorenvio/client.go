// Package melhorenvio implements carrier.Client against the Melhor Envio
// REST API (quote, cart purchase and label print).
package melhorenvio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"example.com/fulfillment/internal/carrier"
	"example.com/fulfillment/internal/shipping"
)

const (
	// Name identifies this provider on rates, selections and labels.
	Name = "melhorenvio"

	DefaultTimeout = 20 * time.Second

	calculatePath = "/api/v2/me/shipment/calculate"
	cartPath      = "/api/v2/me/cart"
	printPath     = "/api/v2/me/shipment/print"

	trackingBaseURL = "https://www.melhorrastreio.com.br/rastreio/"
)

var tracer = otel.Tracer("example.com/fulfillment/internal/carrier/melhorenvio")

type Config struct {
	BaseURL          string
	UserAgent        string
	Timeout          time.Duration
	SenderPostalCode string
}

// Client talks to one Melhor Envio account.
type Client struct {
	http   *resty.Client
	tokens carrier.TokenSource
	from   string
}

var _ carrier.Client = (*Client)(nil)

// New validates configuration without touching the network.
func New(cfg Config, tokens carrier.TokenSource) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("melhorenvio: base url missing: %w", carrier.ErrNotConfigured)
	}
	if tokens == nil {
		return nil, fmt.Errorf("melhorenvio: credentials missing: %w", carrier.ErrNotConfigured)
	}
	from := carrier.PostalDigits(cfg.SenderPostalCode)
	if len(from) != 8 {
		return nil, fmt.Errorf("melhorenvio: sender postal code missing: %w", carrier.ErrNotConfigured)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "fulfillment"
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)
	return &Client{http: hc, tokens: tokens, from: from}, nil
}

func (c *Client) Name() string { return Name }

type postalCode struct {
	PostalCode string `json:"postal_code"`
}

type volume struct {
	Height         float64 `json:"height"`
	Width          float64 `json:"width"`
	Length         float64 `json:"length"`
	Weight         float64 `json:"weight"`
	InsuranceValue float64 `json:"insurance_value"`
}

type calculateRequest struct {
	From    postalCode     `json:"from"`
	To      postalCode     `json:"to"`
	Volumes []volume       `json:"volumes"`
	Options map[string]any `json:"options"`
}

func (c *Client) Quote(ctx context.Context, req carrier.QuoteRequest) ([]shipping.Rate, error) {
	ctx, span := tracer.Start(ctx, "melhorenvio.Quote")
	defer span.End()

	from := carrier.PostalDigits(req.FromPostalCode)
	if from == "" {
		from = c.from
	}
	body := calculateRequest{
		From:    postalCode{PostalCode: from},
		To:      postalCode{PostalCode: carrier.PostalDigits(req.ToPostalCode)},
		Options: map[string]any{"receipt": false, "own_hand": false},
	}
	for _, p := range req.Parcels {
		v := volume{Height: p.HeightCM, Width: p.WidthCM, Length: p.LengthCM, Weight: p.WeightKG}
		if req.Insurance {
			v.InsuranceValue = minorToMajor(p.DeclaredValueMinor)
		}
		body.Volumes = append(body.Volumes, v)
	}

	resp, err := c.do(ctx, "quote", http.MethodPost, calculatePath, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "quote failed")
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	var lines []map[string]any
	if err := dec.Decode(&lines); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("melhorenvio quote: decode response: %w", err)
	}
	rates := shipping.NormalizeQuote(Name, lines)
	span.SetAttributes(attribute.Int("carrier.lines", len(lines)), attribute.Int("carrier.rates", len(rates)))
	return rates, nil
}

type party struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Document   string `json:"document,omitempty"`
	Address    string `json:"address"`
	Complement string `json:"complement,omitempty"`
	Number     string `json:"number"`
	District   string `json:"district,omitempty"`
	City       string `json:"city"`
	StateAbbr  string `json:"state_abbr"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country_id"`
}

type product struct {
	Name         string  `json:"name"`
	Quantity     int     `json:"quantity"`
	UnitaryValue float64 `json:"unitary_value"`
}

type cartRequest struct {
	Service  int            `json:"service"`
	From     party          `json:"from"`
	To       party          `json:"to"`
	Products []product      `json:"products"`
	Volumes  []volume       `json:"volumes"`
	Options  map[string]any `json:"options"`
}

type cartResponse struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	Status   string `json:"status"`
	Tracking string `json:"tracking"`
}

func (c *Client) CreateShipment(ctx context.Context, req carrier.ShipmentRequest) (carrier.Shipment, error) {
	ctx, span := tracer.Start(ctx, "melhorenvio.CreateShipment")
	defer span.End()
	span.SetAttributes(attribute.String("order.ref", req.OrderRef), attribute.String("carrier.service_id", req.ServiceID))

	service, err := strconv.Atoi(strings.TrimSpace(req.ServiceID))
	if err != nil {
		return carrier.Shipment{}, fmt.Errorf("melhorenvio create shipment: invalid service id %q", req.ServiceID)
	}
	insurance := minorToMajor(req.Parcel.DeclaredValueMinor)
	body := cartRequest{
		Service: service,
		From:    toParty(req.From),
		To:      toParty(req.To),
		Volumes: []volume{{
			Height: req.Parcel.HeightCM,
			Width:  req.Parcel.WidthCM,
			Length: req.Parcel.LengthCM,
			Weight: req.Parcel.WeightKG,
		}},
		Options: map[string]any{
			"insurance_value": insurance,
			"receipt":         false,
			"own_hand":        false,
			"reverse":         false,
			"non_commercial":  true,
			"platform":        "fulfillment",
			"tags":            []map[string]string{{"tag": req.OrderRef}},
		},
	}
	for _, ct := range req.Contents {
		body.Products = append(body.Products, product{
			Name:         ct.Name,
			Quantity:     max(ct.Quantity, 1),
			UnitaryValue: minorToMajor(ct.UnitValueMinor),
		})
	}
	if len(body.Products) == 0 {
		body.Products = []product{{Name: req.OrderRef, Quantity: 1, UnitaryValue: insurance}}
	}

	resp, err := c.do(ctx, "create shipment", http.MethodPost, cartPath, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create shipment failed")
		return carrier.Shipment{}, err
	}
	var out cartResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return carrier.Shipment{}, fmt.Errorf("melhorenvio create shipment: decode response: %w", err)
	}
	if out.ID == "" {
		return carrier.Shipment{}, fmt.Errorf("melhorenvio create shipment: response without id")
	}
	sh := carrier.Shipment{
		ID:           out.ID,
		TrackingCode: out.Tracking,
		Status:       normalizeStatus(out.Status),
	}
	if sh.TrackingCode == "" {
		sh.TrackingCode = out.Protocol
	}
	if sh.TrackingCode != "" {
		sh.TrackingURL = trackingBaseURL + sh.TrackingCode
	}
	return sh, nil
}

type printResponse struct {
	URL string `json:"url"`
}

// PrintLabel asks for a printable URL and downloads the PDF behind it. When
// the download fails the URL alone is returned so callers can redirect.
func (c *Client) PrintLabel(ctx context.Context, labelID string) (carrier.Document, error) {
	ctx, span := tracer.Start(ctx, "melhorenvio.PrintLabel")
	defer span.End()

	labelID = strings.TrimSpace(labelID)
	if labelID == "" {
		return carrier.Document{}, fmt.Errorf("melhorenvio print label: label id required")
	}
	resp, err := c.do(ctx, "print label", http.MethodPost, printPath, map[string]any{
		"mode":   "private",
		"orders": []string{labelID},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "print label failed")
		return carrier.Document{}, err
	}
	var out printResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return carrier.Document{}, fmt.Errorf("melhorenvio print label: decode response: %w", err)
	}
	if out.URL == "" {
		return carrier.Document{}, fmt.Errorf("melhorenvio print label: response without url")
	}

	doc := carrier.Document{
		URL:         out.URL,
		ContentType: "application/pdf",
		Filename:    "etiqueta-" + labelID + ".pdf",
	}
	pdf, err := c.http.R().SetContext(ctx).Get(out.URL)
	if err != nil || pdf.IsError() || len(pdf.Body()) == 0 {
		return doc, nil
	}
	doc.Body = pdf.Body()
	if ct := pdf.Header().Get("Content-Type"); ct != "" {
		doc.ContentType = ct
	}
	return doc, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) (*resty.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("melhorenvio %s: %w", op, err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("melhorenvio %s: %w", op, err)
	}
	if resp.IsError() {
		return nil, &carrier.StatusError{
			Provider:   Name,
			Op:         op,
			StatusCode: resp.StatusCode(),
			Body:       resp.String(),
		}
	}
	return resp, nil
}

func toParty(a carrier.Address) party {
	return party{
		Name:       a.Name,
		Phone:      carrier.PostalDigits(a.Phone),
		Email:      a.Email,
		Document:   carrier.PostalDigits(a.Document),
		Address:    a.Street,
		Complement: a.Complement,
		Number:     a.Number,
		District:   a.District,
		City:       a.City,
		StateAbbr:  strings.ToUpper(a.State),
		PostalCode: carrier.PostalDigits(a.PostalCode),
		Country:    "BR",
	}
}

// normalizeStatus maps provider cart states onto ours. Items sit in the
// cart as "pending" until the label is paid for.
func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "pending":
		return "pending_payment"
	default:
		return s
	}
}

func minorToMajor(v int64) float64 {
	return float64(v) / 100
}
