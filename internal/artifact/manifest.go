// Package artifact compiles the per-order bundle (manifest, shipping slip,
// receipt and print-ready artwork) and uploads it to blob storage.
package artifact

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"example.com/fulfillment/internal/order"
	"example.com/fulfillment/internal/shipping"
)

const manifestVersion = 1

// Manifest is the machine-readable summary uploaded next to the PDFs.
type Manifest struct {
	Version           int                 `json:"version"`
	GeneratedAt       time.Time           `json:"generatedAt"`
	OrderID           string              `json:"orderId"`
	ExternalOrderID   string              `json:"externalOrderId"`
	ExternalReference string              `json:"externalReference,omitempty"`
	Status            string              `json:"status"`
	Customer          order.Customer      `json:"customer"`
	ShippingAddress   order.Address       `json:"shippingAddress"`
	Product           order.ProductSpec   `json:"product"`
	Artwork           order.ArtworkRef    `json:"artwork"`
	Totals            Totals              `json:"totals"`
	Payment           Payment             `json:"payment"`
	Shipping          *shipping.Selection `json:"shipping,omitempty"`
	Files             []string            `json:"files"`
}

type Totals struct {
	Currency          string `json:"currency"`
	ItemsMinor        int64  `json:"itemsMinor"`
	ShippingCostMinor int64  `json:"shippingCostMinor"`
	TotalMinor        int64  `json:"totalMinor"`
}

type Payment struct {
	Method       string `json:"method,omitempty"`
	Installments int    `json:"installments,omitempty"`
}

func BuildManifest(o order.Order, generatedAt time.Time) Manifest {
	keys := KeysFor(o)
	return Manifest{
		Version:           manifestVersion,
		GeneratedAt:       generatedAt.UTC(),
		OrderID:           o.ID,
		ExternalOrderID:   o.ExternalOrderID,
		ExternalReference: o.ExternalReference,
		Status:            o.Status,
		Customer:          o.Customer,
		ShippingAddress:   o.ShippingAddress,
		Product:           o.Product,
		Artwork:           o.Artwork,
		Totals: Totals{
			Currency:          "BRL",
			ItemsMinor:        o.ItemsMinor(),
			ShippingCostMinor: o.ShippingCostMinor,
			TotalMinor:        o.TotalMinor,
		},
		Payment:  Payment{Method: o.PaymentMethod, Installments: o.Installments},
		Shipping: o.Shipping,
		Files:    []string{keys.Slip, keys.Receipt, keys.Artwork},
	}
}

func (m Manifest) JSON() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return b, nil
}

// Keys are the storage paths of one order's bundle. They depend only on the
// order, so recompiling overwrites instead of duplicating.
type Keys struct {
	Prefix   string
	Manifest string
	Slip     string
	Receipt  string
	Artwork  string
	// Source holds the inline artwork as received, so a later recompile
	// can render it without the checkout payload.
	Source string
}

func (k Keys) All() []string {
	return []string{k.Manifest, k.Slip, k.Receipt, k.Artwork}
}

func KeysFor(o order.Order) Keys {
	ext := orderSegment(o.ExternalOrderID)
	prefix := "orders/" + ext + "/"
	p := o.Product
	base := fmt.Sprintf("%s-%s-%sx%scm-q%d-%s",
		slug(p.Product, "produto"),
		slug(p.Format, "padrao"),
		size(p.WidthCM), size(p.HeightCM),
		max(p.Quantity, 0),
		ext,
	)
	return Keys{
		Prefix:   prefix,
		Manifest: prefix + "manifest.json",
		Slip:     prefix + base + "-etiqueta.pdf",
		Receipt:  prefix + base + "-recibo.pdf",
		Artwork:  prefix + base + "-arte.pdf",
		Source:   prefix + "arte-original",
	}
}

// orderSegment maps an external order id to exactly one path segment.
// Distinct ids never share a segment; dots are escaped so "." and ".." stay
// inside the orders/ prefix.
func orderSegment(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "pedido"
	}
	return strings.ReplaceAll(url.PathEscape(id), ".", "%2E")
}

// slug lower-cases, strips accents and keeps [a-z0-9] separated by dashes.
func slug(s, fallback string) string {
	var b strings.Builder
	dash := false
	for _, r := range norm.NFD.String(strings.ToLower(strings.TrimSpace(s))) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case r >= 0x300 && r <= 0x36f:
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return fallback
	}
	return out
}

func size(cm float64) string {
	if cm <= 0 {
		return "0"
	}
	return strings.ReplaceAll(strconv.FormatFloat(cm, 'f', -1, 64), ".", "_")
}
