package carrier

import (
	"context"
	"fmt"

	"example.com/fulfillment/internal/shipping"
)

type unconfigured struct {
	name   string
	reason string
}

// Unconfigured returns a Client that fails every call with ErrNotConfigured.
// It stands in for an integration whose credentials are missing so the
// problem surfaces on use instead of as an empty rate list.
func Unconfigured(name, reason string) Client {
	return unconfigured{name: name, reason: reason}
}

func (u unconfigured) Name() string { return u.name }

func (u unconfigured) err() error {
	return fmt.Errorf("%s: %s: %w", u.name, u.reason, ErrNotConfigured)
}

func (u unconfigured) Quote(context.Context, QuoteRequest) ([]shipping.Rate, error) {
	return nil, u.err()
}

func (u unconfigured) CreateShipment(context.Context, ShipmentRequest) (Shipment, error) {
	return Shipment{}, u.err()
}

func (u unconfigured) PrintLabel(context.Context, string) (Document, error) {
	return Document{}, u.err()
}
