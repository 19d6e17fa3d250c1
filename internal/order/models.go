// Package order is the durable record of orders and their shipping labels.
// Upsert keyed by the external order id is the single idempotency boundary
// for order creation; the compiled flag and tracking fields flip once.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"example.com/fulfillment/internal/shipping"
)

// ErrNotFound is returned when an order or label does not exist.
var ErrNotFound = errors.New("not found")

type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
}

func (c Customer) empty() bool { return c == Customer{} }

// Address has the same shape as carrier.Address so the two convert directly.
type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Document   string `json:"document,omitempty"`
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
}

func (a Address) empty() bool { return a == Address{} }

// ProductSpec is the snapshot of what the buyer configured.
type ProductSpec struct {
	Product        string  `json:"product"`
	Format         string  `json:"format,omitempty"`
	Material       string  `json:"material,omitempty"`
	Finish         string  `json:"finish,omitempty"`
	WidthCM        float64 `json:"widthCm"`
	HeightCM       float64 `json:"heightCm"`
	Quantity       int     `json:"quantity"`
	Presentation   string  `json:"presentation,omitempty"`
	UnitPriceMinor int64   `json:"unitPriceMinor,omitempty"`
}

func (p ProductSpec) empty() bool { return p == ProductSpec{} }

// ArtworkRef points at the final artwork produced by the configurator.
type ArtworkRef struct {
	URL         string `json:"url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

func (a ArtworkRef) empty() bool { return a == ArtworkRef{} }

type Order struct {
	ID                 string              `json:"id"`
	ExternalOrderID    string              `json:"externalOrderId"`
	ExternalReference  string              `json:"externalReference,omitempty"`
	Status             string              `json:"status"`
	Customer           Customer            `json:"customer"`
	ShippingAddress    Address             `json:"shippingAddress"`
	Product            ProductSpec         `json:"product"`
	Artwork            ArtworkRef          `json:"artwork"`
	TotalMinor         int64               `json:"totalMinor"`
	ShippingCostMinor  int64               `json:"shippingCostMinor"`
	Shipping           *shipping.Selection `json:"shipping,omitempty"`
	PaymentMethod      string              `json:"paymentMethod,omitempty"`
	Installments       int                 `json:"installments,omitempty"`
	PaymentSnapshot    json.RawMessage     `json:"paymentSnapshot,omitempty"`
	PackageGeneratedAt *time.Time          `json:"packageGeneratedAt,omitempty"`
	TrackingCode       string              `json:"trackingCode,omitempty"`
	TrackingURL        string              `json:"trackingUrl,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// Compiled reports whether the artifact bundle was fully uploaded once.
func (o Order) Compiled() bool { return o.PackageGeneratedAt != nil }

// ItemsMinor is the product price without shipping.
func (o Order) ItemsMinor() int64 {
	if v := o.TotalMinor - o.ShippingCostMinor; v > 0 {
		return v
	}
	return o.TotalMinor
}

// Label is the carrier label issued for an order. One per order, never
// repointed.
type Label struct {
	ID              string    `json:"id"`
	OrderID         string    `json:"orderId"`
	Provider        string    `json:"provider"`
	ProviderLabelID string    `json:"providerLabelId"`
	PrintURL        string    `json:"printUrl,omitempty"`
	TrackingCode    string    `json:"trackingCode,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// UpsertInput carries every field a confirmation attempt knows about.
// Zero values never overwrite stored data.
type UpsertInput struct {
	ExternalOrderID   string
	ExternalReference string
	Status            string
	Customer          Customer
	ShippingAddress   Address
	Product           ProductSpec
	Artwork           ArtworkRef
	TotalMinor        int64
	ShippingCostMinor int64
	Shipping          *shipping.Selection
	PaymentMethod     string
	Installments      int
	PaymentSnapshot   json.RawMessage
}

type UpsertResult struct {
	OrderID            string
	Created            bool
	PackageGeneratedAt *time.Time
}

// Repository is implemented by SQLiteStore and PostgresStore.
type Repository interface {
	Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error)
	Get(ctx context.Context, externalOrderID string) (Order, error)
	GetByID(ctx context.Context, orderID string) (Order, error)
	ListByReference(ctx context.Context, reference string) ([]Order, error)
	MarkCompiled(ctx context.Context, orderID string) (bool, error)
	SetTracking(ctx context.Context, orderID, code, url string) (bool, error)
	GetLabel(ctx context.Context, orderID string) (Label, error)
	CreateLabel(ctx context.Context, l Label) (Label, bool, error)
	SetLabelPrintURL(ctx context.Context, orderID, url string) (bool, error)
}

var settledStatuses = map[string]bool{
	"approved":   true,
	"authorized": true,
	"paid":       true,
	"processed":  true,
	"closed":     true,
	"accredited": true,
}

// IsSettled reports whether a payment status means the money is secured.
func IsSettled(status string) bool {
	return settledStatuses[strings.ToLower(strings.TrimSpace(status))]
}
