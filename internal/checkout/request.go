package checkout

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"example.com/fulfillment/internal/order"
	"example.com/fulfillment/internal/shipping"
)

// Request is the confirmation call made by the storefront after payment,
// or rebuilt by the payment webhook from the provider's payment record.
type Request struct {
	ExternalOrderID   string              `json:"externalOrderId" validate:"required,max=128"`
	ExternalReference string              `json:"externalReference,omitempty" validate:"max=128"`
	Status            string              `json:"status"`
	PaymentMethod     string              `json:"paymentMethod,omitempty"`
	Installments      int                 `json:"installments,omitempty" validate:"gte=0"`
	PaymentSnapshot   json.RawMessage     `json:"paymentSnapshot,omitempty"`
	Customer          order.Customer      `json:"customer"`
	ShippingAddress   order.Address       `json:"shippingAddress"`
	Product           order.ProductSpec   `json:"product"`
	Artwork           order.ArtworkRef    `json:"artwork"`
	ArtworkBase64     string              `json:"artworkBase64,omitempty"`
	ArtworkDataURL    string              `json:"artworkDataUrl,omitempty"`
	TotalMinor        int64               `json:"totalMinor" validate:"gte=0"`
	ShippingCostMinor int64               `json:"shippingCostMinor" validate:"gte=0"`
	Shipping          *shipping.Selection `json:"shipping,omitempty"`
	Items             []Item              `json:"items,omitempty" validate:"dive"`
}

// Item is one cart line. Each becomes its own order.
type Item struct {
	Product        order.ProductSpec `json:"product"`
	Artwork        order.ArtworkRef  `json:"artwork"`
	ArtworkBase64  string            `json:"artworkBase64,omitempty"`
	ArtworkDataURL string            `json:"artworkDataUrl,omitempty"`
	TotalMinor     int64             `json:"totalMinor" validate:"gte=0"`
}

// ValidationError rejects a confirmation before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: field, Reason: "is required"}
	case "gte":
		return &ValidationError{Field: field, Reason: "must not be negative"}
	case "max":
		return &ValidationError{Field: field, Reason: "is too long"}
	}
	return &ValidationError{Field: field, Reason: "is invalid"}
}

// decodeArtwork accepts plain base64 or a data URL
// ("data:image/png;base64,....").
func decodeArtwork(field, b64, dataURL string) ([]byte, error) {
	raw := strings.TrimSpace(b64)
	if raw == "" {
		raw = strings.TrimSpace(dataURL)
		if raw == "" {
			return nil, nil
		}
		if !strings.HasPrefix(raw, "data:") {
			return nil, &ValidationError{Field: field, Reason: "must be a data URL"}
		}
		meta, payload, ok := strings.Cut(raw, ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, &ValidationError{Field: field, Reason: "must be a base64 data URL"}
		}
		raw = payload
	}
	raw = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, raw)
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
	}
	if err != nil {
		return nil, &ValidationError{Field: field, Reason: "is not valid base64"}
	}
	return data, nil
}
