// Package label issues carrier shipping labels for orders, at most once each.
package label

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"example.com/fulfillment/internal/carrier"
	"example.com/fulfillment/internal/order"
	"example.com/fulfillment/internal/shipping"
)

var tracer = otel.Tracer("example.com/fulfillment/internal/label")

type Outcome string

const (
	OutcomeIssued             Outcome = "issued"
	OutcomeAlreadyIssued      Outcome = "already_issued"
	OutcomeNoCarrierSelection Outcome = "no_carrier_selection"
)

// ValidationError means the shipment could not be requested because an
// address is incomplete. No carrier call was made.
type ValidationError struct {
	Party   string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s address incomplete: missing %s", e.Party, strings.Join(e.Missing, ", "))
}

// OrderStore is the slice of order.Repository the issuer needs.
type OrderStore interface {
	GetByID(ctx context.Context, orderID string) (order.Order, error)
	GetLabel(ctx context.Context, orderID string) (order.Label, error)
	CreateLabel(ctx context.Context, l order.Label) (order.Label, bool, error)
	SetTracking(ctx context.Context, orderID, code, url string) (bool, error)
	SetLabelPrintURL(ctx context.Context, orderID, url string) (bool, error)
}

type Issuer struct {
	orders   OrderStore
	carriers map[string]carrier.Client
	sender   carrier.Address
	logger   *slog.Logger
}

func NewIssuer(orders OrderStore, carriers []carrier.Client, sender carrier.Address, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]carrier.Client, len(carriers))
	for _, c := range carriers {
		byName[c.Name()] = c
	}
	return &Issuer{
		orders:   orders,
		carriers: byName,
		sender:   sender,
		logger:   logger.With("component", "label.issuer"),
	}
}

// Issue requests a label for the order's selected carrier service. Orders
// that already have a label, or whose shipping is arranged outside a carrier
// integration, are no-ops.
func (i *Issuer) Issue(ctx context.Context, orderID string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "label.Issue")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if existing, err := i.orders.GetLabel(ctx, orderID); err == nil {
		i.mirrorTracking(ctx, orderID, existing.TrackingCode, "")
		return OutcomeAlreadyIssued, nil
	} else if !errors.Is(err, order.ErrNotFound) {
		return "", err
	}

	o, err := i.orders.GetByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !o.Shipping.CarrierBacked() {
		i.logger.Info("no carrier selection, skipping label", "order_id", o.ID, "external_order_id", o.ExternalOrderID)
		return OutcomeNoCarrierSelection, nil
	}
	client, ok := i.carriers[o.Shipping.Provider]
	if !ok {
		return "", fmt.Errorf("issue label: provider %q: %w", o.Shipping.Provider, carrier.ErrNotConfigured)
	}

	if missing := i.sender.Missing(); len(missing) > 0 {
		return "", &ValidationError{Party: "sender", Missing: missing}
	}
	recipient := recipientFor(o)
	if missing := recipient.Missing(); len(missing) > 0 {
		return "", &ValidationError{Party: "recipient", Missing: missing}
	}

	declared := o.ItemsMinor()
	parcel := shipping.EstimateParcel(shipping.Item{
		WidthCM:      o.Product.WidthCM,
		HeightCM:     o.Product.HeightCM,
		Quantity:     o.Product.Quantity,
		Presentation: shipping.ParsePresentation(o.Product.Presentation),
	}, declared)

	sh, err := client.CreateShipment(ctx, carrier.ShipmentRequest{
		ServiceID: o.Shipping.ProviderServiceID,
		From:      i.sender,
		To:        recipient,
		Parcel:    parcel,
		Contents:  contentsFor(o, declared),
		OrderRef:  o.ExternalOrderID,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("create shipment: %w", err)
	}

	stored, created, err := i.orders.CreateLabel(ctx, order.Label{
		OrderID:         o.ID,
		Provider:        client.Name(),
		ProviderLabelID: sh.ID,
		TrackingCode:    sh.TrackingCode,
		PrintURL:        sh.PrintURL,
		Status:          sh.Status,
	})
	if err != nil {
		return "", err
	}
	if !created {
		// Lost a race with a concurrent issuer; its label stands.
		i.logger.Warn("label already existed after shipment creation", "order_id", o.ID, "label_id", stored.ID, "orphan_shipment_id", sh.ID)
		return OutcomeAlreadyIssued, nil
	}
	i.mirrorTracking(ctx, o.ID, sh.TrackingCode, sh.TrackingURL)
	i.logger.Info("label issued", "order_id", o.ID, "external_order_id", o.ExternalOrderID, "provider", client.Name(), "shipment_id", sh.ID, "status", sh.Status)
	return OutcomeIssued, nil
}

// Print returns the printable label document for an order. The first link
// the carrier hands out is kept on the label and served when the carrier
// cannot be reached.
func (i *Issuer) Print(ctx context.Context, orderID string) (carrier.Document, error) {
	l, err := i.orders.GetLabel(ctx, orderID)
	if err != nil {
		return carrier.Document{}, err
	}
	client, ok := i.carriers[l.Provider]
	if !ok {
		if l.PrintURL != "" {
			return storedDocument(l), nil
		}
		return carrier.Document{}, fmt.Errorf("print label: provider %q: %w", l.Provider, carrier.ErrNotConfigured)
	}
	doc, err := client.PrintLabel(ctx, l.ProviderLabelID)
	if err != nil {
		if l.PrintURL != "" {
			i.logger.Warn("carrier print failed, serving stored link", "order_id", orderID, "error", err)
			return storedDocument(l), nil
		}
		return carrier.Document{}, fmt.Errorf("print label: %w", err)
	}
	if doc.URL == "" {
		doc.URL = l.PrintURL
	} else if l.PrintURL == "" {
		if _, err := i.orders.SetLabelPrintURL(ctx, orderID, doc.URL); err != nil {
			i.logger.Error("store label print url failed", "order_id", orderID, "error", err)
		}
	}
	return doc, nil
}

func storedDocument(l order.Label) carrier.Document {
	return carrier.Document{
		URL:         l.PrintURL,
		ContentType: "application/pdf",
		Filename:    "etiqueta-" + l.ProviderLabelID + ".pdf",
	}
}

func (i *Issuer) mirrorTracking(ctx context.Context, orderID, code, url string) {
	if code == "" {
		return
	}
	if _, err := i.orders.SetTracking(ctx, orderID, code, url); err != nil {
		i.logger.Error("mirror tracking failed", "order_id", orderID, "error", err)
	}
}

func recipientFor(o order.Order) carrier.Address {
	a := carrier.Address(o.ShippingAddress)
	if a.Name == "" {
		a.Name = o.Customer.Name
	}
	if a.Phone == "" {
		a.Phone = o.Customer.Phone
	}
	if a.Email == "" {
		a.Email = o.Customer.Email
	}
	if a.Document == "" {
		a.Document = o.Customer.Document
	}
	return a
}

func contentsFor(o order.Order, declared int64) []carrier.Content {
	qty := max(o.Product.Quantity, 1)
	name := strings.TrimSpace(o.Product.Product)
	if name == "" {
		name = "Impresso"
	}
	unit := o.Product.UnitPriceMinor
	if unit <= 0 {
		unit = declared / int64(qty)
	}
	return []carrier.Content{{Name: name, Quantity: qty, UnitValueMinor: unit}}
}
