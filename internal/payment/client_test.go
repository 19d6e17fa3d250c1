package payment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequiresToken(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "http://localhost"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestClientGetPayment(t *testing.T) {
	const body = `{"id":555,"status":"approved","external_reference":"pedido-9","payment_method_id":"visa","installments":3,"metadata":{"source":"store"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/payments/555":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		case "/merchant_orders/77":
			_, _ = w.Write([]byte(`{"id":77,"order_status":"paid","external_reference":"pedido-9","payments":[{"id":555,"status":"approved"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"not found"}`))
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, AccessToken: "tok"})
	require.NoError(t, err)
	ctx := context.Background()

	p, err := c.GetPayment(ctx, "555")
	require.NoError(t, err)
	assert.Equal(t, int64(555), p.ID)
	assert.Equal(t, "approved", p.Status)
	assert.Equal(t, "pedido-9", p.ExternalReference)
	assert.Equal(t, 3, p.Installments)
	assert.JSONEq(t, body, string(p.Raw))

	mo, err := c.GetMerchantOrder(ctx, "77")
	require.NoError(t, err)
	require.Len(t, mo.Payments, 1)
	assert.Equal(t, "paid", mo.OrderStatus)

	_, err = c.GetPayment(ctx, "404")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
}
