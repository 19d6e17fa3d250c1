// Package carrier defines the contract every shipping carrier integration
// implements, plus the shared credential and error plumbing.
package carrier

import (
	"context"
	"strings"

	"example.com/fulfillment/internal/shipping"
)

// Client is one network boundary per carrier integration. Every method
// carries its own timeout and never returns an empty success for a
// misconfigured integration.
type Client interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) ([]shipping.Rate, error)
	CreateShipment(ctx context.Context, req ShipmentRequest) (Shipment, error)
	PrintLabel(ctx context.Context, labelID string) (Document, error)
}

// Address is a sender or recipient block on a shipment.
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

// Missing lists the required fields that are blank.
func (a Address) Missing() []string {
	var out []string
	check := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			out = append(out, field)
		}
	}
	check("name", a.Name)
	check("street", a.Street)
	check("number", a.Number)
	check("city", a.City)
	check("state", a.State)
	if len(PostalDigits(a.PostalCode)) != 8 {
		out = append(out, "postalCode")
	}
	return out
}

// PostalDigits strips formatting from a CEP ("01310-100" -> "01310100").
func PostalDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type QuoteRequest struct {
	FromPostalCode string
	ToPostalCode   string
	Parcels        []shipping.Parcel
	Insurance      bool
}

// Content describes what is inside a parcel, for the carrier's declaration.
type Content struct {
	Name           string
	Quantity       int
	UnitValueMinor int64
}

type ShipmentRequest struct {
	ServiceID string
	From      Address
	To        Address
	Parcel    shipping.Parcel
	Contents  []Content
	OrderRef  string
}

// Shipment is the carrier's view of a created label.
type Shipment struct {
	ID           string `json:"id"`
	TrackingCode string `json:"trackingCode,omitempty"`
	TrackingURL  string `json:"trackingUrl,omitempty"`
	// PrintURL is set by carriers that hand out the label link on creation.
	PrintURL string `json:"printUrl,omitempty"`
	Status   string `json:"status"`
}

// Document is a printable label. Body may be empty when the carrier only
// hands out a URL.
type Document struct {
	ContentType string
	Filename    string
	Body        []byte
	URL         string
}
