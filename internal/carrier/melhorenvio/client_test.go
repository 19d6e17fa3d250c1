package melhorenvio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/fulfillment/internal/carrier"
	"example.com/fulfillment/internal/shipping"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, UserAgent: "fulfillment-test (ops@example.com)", Timeout: 2 * time.Second, SenderPostalCode: "01310-100"}, carrier.NoopToken("tok-123"))
	require.NoError(t, err)
	return c
}

func TestNew_NotConfigured(t *testing.T) {
	_, err := New(Config{SenderPostalCode: "01310100"}, carrier.NoopToken("x"))
	assert.ErrorIs(t, err, carrier.ErrNotConfigured)

	_, err = New(Config{BaseURL: "http://example.invalid", SenderPostalCode: "01310100"}, nil)
	assert.ErrorIs(t, err, carrier.ErrNotConfigured)

	_, err = New(Config{BaseURL: "http://example.invalid"}, carrier.NoopToken("x"))
	assert.ErrorIs(t, err, carrier.ErrNotConfigured)
}

func TestQuote(t *testing.T) {
	var got calculateRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, calculatePath, r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "fulfillment-test (ops@example.com)", r.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 1, "name": "PAC", "price": "18.90", "custom_price": "18.90", "delivery_range": {"min": 10, "max": 12}, "company": {"name": "Correios"}},
			{"id": 2, "name": "SEDEX", "price": "32.90", "delivery_range": {"min": 4, "max": 5}, "company": {"name": "Correios"}},
			{"id": 3, "name": ".Package", "error": "Transportadora não atende este trecho.", "company": {"name": "Jadlog"}}
		]`))
	}))

	rates, err := c.Quote(context.Background(), carrier.QuoteRequest{
		ToPostalCode: "20040-020",
		Parcels:      []shipping.Parcel{{WeightKG: 0.3, WidthCM: 11, HeightCM: 2, LengthCM: 16, DeclaredValueMinor: 5990}},
		Insurance:    true,
	})
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, "1", rates[0].ProviderServiceID)
	assert.Equal(t, int64(1890), rates[0].PriceMinor)
	assert.Equal(t, Name, rates[1].Provider)

	assert.Equal(t, "01310100", got.From.PostalCode, "sender postal code is the default origin")
	assert.Equal(t, "20040020", got.To.PostalCode)
	require.Len(t, got.Volumes, 1)
	assert.InDelta(t, 59.90, got.Volumes[0].InsuranceValue, 0.001)
}

func TestQuote_WithoutInsuranceSendsZeroDeclaredValue(t *testing.T) {
	var got calculateRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`[]`))
	}))
	rates, err := c.Quote(context.Background(), carrier.QuoteRequest{
		ToPostalCode: "20040020",
		Parcels:      []shipping.Parcel{{WeightKG: 1, WidthCM: 20, HeightCM: 5, LengthCM: 30, DeclaredValueMinor: 10000}},
	})
	require.NoError(t, err)
	assert.Empty(t, rates)
	assert.Zero(t, got.Volumes[0].InsuranceValue)
}

func TestQuote_Unauthenticated(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Unauthenticated."}`))
	}))
	_, err := c.Quote(context.Background(), carrier.QuoteRequest{ToPostalCode: "20040020"})
	require.Error(t, err)
	assert.ErrorIs(t, err, carrier.ErrUnauthenticated)

	var se *carrier.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestQuote_ServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := c.Quote(context.Background(), carrier.QuoteRequest{ToPostalCode: "20040020"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, carrier.ErrUnauthenticated)
}

func TestCreateShipment(t *testing.T) {
	var got cartRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, cartPath, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id": "9a1b-cart", "protocol": "ORD-2026", "status": "pending", "tracking": null}`))
	}))

	sh, err := c.CreateShipment(context.Background(), carrier.ShipmentRequest{
		ServiceID: "2",
		From:      carrier.Address{Name: "Loja", Street: "Rua A", Number: "1", City: "São Paulo", State: "sp", PostalCode: "01310-100"},
		To:        carrier.Address{Name: "Ana", Street: "Rua B", Number: "2", City: "Rio de Janeiro", State: "RJ", PostalCode: "20040-020", Phone: "(21) 99999-0000"},
		Parcel:    shipping.Parcel{WeightKG: 0.3, WidthCM: 11, HeightCM: 2, LengthCM: 16, DeclaredValueMinor: 4500},
		Contents:  []carrier.Content{{Name: "Adesivos", Quantity: 50, UnitValueMinor: 90}},
		OrderRef:  "ord-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "9a1b-cart", sh.ID)
	assert.Equal(t, "pending_payment", sh.Status)
	assert.Equal(t, "ORD-2026", sh.TrackingCode)
	assert.Equal(t, trackingBaseURL+"ORD-2026", sh.TrackingURL)

	assert.Equal(t, 2, got.Service)
	assert.Equal(t, "SP", got.From.StateAbbr)
	assert.Equal(t, "20040020", got.To.PostalCode)
	assert.Equal(t, "21999990000", got.To.Phone)
	require.Len(t, got.Products, 1)
	assert.InDelta(t, 0.9, got.Products[0].UnitaryValue, 0.001)
}

func TestCreateShipment_InvalidServiceID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	_, err := c.CreateShipment(context.Background(), carrier.ShipmentRequest{ServiceID: "pac"})
	assert.Error(t, err)
}

func TestPrintLabel_DownloadsPDF(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc(printPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"9a1b-cart"}, body["orders"])
		_ = json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/imprimir/abc"})
	})
	mux.HandleFunc("/imprimir/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 label"))
	})

	c, err := New(Config{BaseURL: srv.URL, SenderPostalCode: "01310100"}, carrier.NoopToken("tok"))
	require.NoError(t, err)
	doc, err := c.PrintLabel(context.Background(), "9a1b-cart")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", doc.ContentType)
	assert.Equal(t, "etiqueta-9a1b-cart.pdf", doc.Filename)
	assert.Equal(t, []byte("%PDF-1.4 label"), doc.Body)
	assert.Equal(t, srv.URL+"/imprimir/abc", doc.URL)
}

func TestPrintLabel_URLOnlyWhenDownloadFails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != printPath {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "http://" + r.Host + "/private/label"})
	}))
	doc, err := c.PrintLabel(context.Background(), "x1")
	require.NoError(t, err)
	assert.Empty(t, doc.Body)
	assert.NotEmpty(t, doc.URL)
}

func TestOAuthRefresher(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, tokenPath, r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		want := "refresh-1"
		if calls > 1 {
			want = "refresh-2"
		}
		assert.Equal(t, want, r.PostForm.Get("refresh_token"))
		_ = json.NewEncoder(w).Encode(tokenResponse{TokenType: "Bearer", ExpiresIn: 2592000, AccessToken: "access-" + url.QueryEscape(want), RefreshToken: "refresh-2"})
	}))
	t.Cleanup(srv.Close)

	r, err := NewOAuthRefresher(Config{BaseURL: srv.URL}, "client-1", "secret", "refresh-1")
	require.NoError(t, err)

	tok, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-refresh-1", tok.AccessToken)
	assert.True(t, tok.ExpiresAt.After(time.Now().Add(29*24*time.Hour)))

	tok, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-refresh-2", tok.AccessToken, "rotated refresh token is used")

	_, err = NewOAuthRefresher(Config{BaseURL: srv.URL}, "", "secret", "refresh-1")
	assert.ErrorIs(t, err, carrier.ErrNotConfigured)
}
