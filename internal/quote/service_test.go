package quote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/fulfillment/internal/carrier"
	"example.com/fulfillment/internal/shipping"
)

type fakeCarrier struct {
	name  string
	rates []shipping.Rate
	err   error
	delay time.Duration

	mu   sync.Mutex
	seen []carrier.QuoteRequest
}

func (f *fakeCarrier) Name() string { return f.name }

func (f *fakeCarrier) Quote(ctx context.Context, req carrier.QuoteRequest) ([]shipping.Rate, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.rates, f.err
}

func (f *fakeCarrier) CreateShipment(context.Context, carrier.ShipmentRequest) (carrier.Shipment, error) {
	return carrier.Shipment{}, errors.New("not implemented")
}

func (f *fakeCarrier) PrintLabel(context.Context, string) (carrier.Document, error) {
	return carrier.Document{}, errors.New("not implemented")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validRequest() Request {
	return Request{
		ToPostalCode: "20040-020",
		Parcels:      []ParcelInput{{WeightKG: 0.3, WidthCM: 11, HeightCM: 2, LengthCM: 16, DeclaredValueMinor: 4990}},
	}
}

func rate(provider, id string, price int64, days int) shipping.Rate {
	return shipping.Rate{Provider: provider, ProviderServiceID: id, PriceMinor: price, MinDays: days, MaxDays: days}
}

func TestQuote_MergesAndRanks(t *testing.T) {
	a := &fakeCarrier{name: "a", rates: []shipping.Rate{rate("a", "1", 1890, 12), rate("a", "2", 3290, 5)}}
	b := &fakeCarrier{name: "b", rates: []shipping.Rate{rate("b", "7", 2490, 9)}}
	svc := NewService([]carrier.Client{a, b}, "01310-100", time.Second, quietLogger())

	res, err := svc.Quote(context.Background(), validRequest())
	require.NoError(t, err)
	require.Len(t, res.Rates, 3)
	assert.Equal(t, "a", res.Rates[0].Provider, "rates keep carrier order")
	assert.Equal(t, "b", res.Rates[2].Provider)
	assert.Equal(t, int64(1890), res.Ranking.Cheapest.PriceMinor)
	assert.Equal(t, int64(3290), res.Ranking.Fastest.PriceMinor)
	assert.Equal(t, int64(2490), res.Ranking.Balanced.PriceMinor)
	assert.Empty(t, res.Failures)

	require.Len(t, a.seen, 1)
	assert.Equal(t, "01310100", a.seen[0].FromPostalCode)
	assert.Equal(t, "20040020", a.seen[0].ToPostalCode)
}

func TestQuote_PartialFailureKeepsOtherRates(t *testing.T) {
	broken := &fakeCarrier{name: "broken", err: errors.New("dial tcp: i/o timeout")}
	ok := &fakeCarrier{name: "ok", rates: []shipping.Rate{rate("ok", "1", 1000, 3)}}
	svc := NewService([]carrier.Client{broken, ok}, "01310100", time.Second, quietLogger())

	res, err := svc.Quote(context.Background(), validRequest())
	require.NoError(t, err)
	require.Len(t, res.Rates, 1)
	assert.Contains(t, res.Failures["broken"], "timeout")
}

func TestQuote_ZeroUsableLinesIsEmptySuccess(t *testing.T) {
	empty := &fakeCarrier{name: "empty", rates: nil}
	broken := &fakeCarrier{name: "broken", err: errors.New("boom")}
	svc := NewService([]carrier.Client{empty, broken}, "01310100", time.Second, quietLogger())

	res, err := svc.Quote(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotNil(t, res.Rates)
	assert.Empty(t, res.Rates)
	assert.Nil(t, res.Ranking.Cheapest)
}

func TestQuote_AllFailedIsError(t *testing.T) {
	unauth := &carrier.StatusError{Provider: "a", Op: "quote", StatusCode: 401}
	a := &fakeCarrier{name: "a", err: unauth}
	b := carrier.Unconfigured("b", "token missing")
	svc := NewService([]carrier.Client{a, b}, "01310100", time.Second, quietLogger())

	_, err := svc.Quote(context.Background(), validRequest())
	require.Error(t, err)
	var all *AllFailedError
	require.True(t, errors.As(err, &all))
	assert.Len(t, all.Causes, 2)
	assert.ErrorIs(t, err, carrier.ErrUnauthenticated)
	assert.ErrorIs(t, err, carrier.ErrNotConfigured)
}

func TestQuote_SlowCarrierTimesOut(t *testing.T) {
	slow := &fakeCarrier{name: "slow", delay: time.Second}
	fast := &fakeCarrier{name: "fast", rates: []shipping.Rate{rate("fast", "1", 1000, 3)}}
	svc := NewService([]carrier.Client{slow, fast}, "01310100", 50*time.Millisecond, quietLogger())

	start := time.Now()
	res, err := svc.Quote(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, res.Rates, 1)
	assert.Contains(t, res.Failures, "slow")
}

func TestQuote_InsuranceFlowsIntoDeclaredValue(t *testing.T) {
	c := &fakeCarrier{name: "c"}
	svc := NewService([]carrier.Client{c}, "01310100", time.Second, quietLogger())

	req := validRequest()
	_, err := svc.Quote(context.Background(), req)
	require.NoError(t, err)
	req.Insurance = true
	_, err = svc.Quote(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, c.seen, 2)
	assert.Zero(t, c.seen[0].Parcels[0].DeclaredValueMinor)
	assert.Equal(t, int64(4990), c.seen[1].Parcels[0].DeclaredValueMinor)
	assert.True(t, c.seen[1].Insurance)
}

func TestQuote_ItemsAreEstimated(t *testing.T) {
	c := &fakeCarrier{name: "c"}
	svc := NewService([]carrier.Client{c}, "01310100", time.Second, quietLogger())

	_, err := svc.Quote(context.Background(), Request{
		ToPostalCode: "20040020",
		Items:        []ItemInput{{WidthCM: 5, HeightCM: 5, Quantity: 100, Presentation: "unit"}},
	})
	require.NoError(t, err)
	require.Len(t, c.seen[0].Parcels, 1)
	assert.Equal(t, shipping.MinLengthCM, c.seen[0].Parcels[0].LengthCM)
}

func TestQuote_Validation(t *testing.T) {
	c := &fakeCarrier{name: "c"}
	svc := NewService([]carrier.Client{c}, "", time.Second, quietLogger())

	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"bad destination", Request{ToPostalCode: "123", Parcels: validRequest().Parcels}, "toPostalCode"},
		{"missing destination", Request{Parcels: validRequest().Parcels}, "toPostalCode"},
		{"no parcels", Request{ToPostalCode: "20040020"}, "parcels"},
		{"zero weight", Request{ToPostalCode: "20040020", Parcels: []ParcelInput{{WidthCM: 1, HeightCM: 1, LengthCM: 1}}}, "parcels[0].weightKg"},
		{"no origin configured", validRequest(), "fromPostalCode"},
		{"unknown provider", Request{FromPostalCode: "01310100", ToPostalCode: "20040020", Parcels: validRequest().Parcels, Providers: []string{"pigeon"}}, "providers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Quote(context.Background(), tc.req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	assert.Empty(t, c.seen, "validation happens before any carrier call")
}

func TestQuote_ProviderAllowList(t *testing.T) {
	a := &fakeCarrier{name: "a", rates: []shipping.Rate{rate("a", "1", 1000, 3)}}
	b := &fakeCarrier{name: "b", rates: []shipping.Rate{rate("b", "1", 1000, 3)}}
	svc := NewService([]carrier.Client{a, b}, "01310100", time.Second, quietLogger())

	req := validRequest()
	req.Providers = []string{"B", "a"}
	res, err := svc.Quote(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Rates, 2)
	assert.Equal(t, "b", res.Rates[0].Provider)
	assert.Equal(t, "b", res.Ranking.Cheapest.Provider, "allow-list order decides ties")
}
