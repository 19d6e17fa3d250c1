package checkout

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/fulfillment/internal/artifact"
	"example.com/fulfillment/internal/label"
	"example.com/fulfillment/internal/order"
	"example.com/fulfillment/internal/shipping"
	"example.com/fulfillment/internal/sqliteutil"
)

type fakeCompiler struct {
	orders order.Repository
	err    error

	mu       sync.Mutex
	calls    []string
	artworks [][]byte
}

func (f *fakeCompiler) Compile(ctx context.Context, orderID string, artwork []byte) (artifact.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, orderID)
	f.artworks = append(f.artworks, artwork)
	f.mu.Unlock()
	if f.err != nil {
		return artifact.Result{OrderID: orderID}, f.err
	}
	marked, err := f.orders.MarkCompiled(ctx, orderID)
	return artifact.Result{OrderID: orderID, Marked: marked}, err
}

type fakeLabeler struct {
	outcome label.Outcome
	err     error

	mu    sync.Mutex
	calls []string
}

func (f *fakeLabeler) Issue(_ context.Context, orderID string) (label.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orderID)
	return f.outcome, f.err
}

func newStore(t *testing.T) order.Repository {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := order.NewSQLiteStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func directRequest(ext, status string) Request {
	return Request{
		ExternalOrderID:   ext,
		Status:            status,
		PaymentMethod:     "pix",
		Customer:          order.Customer{Name: "Marina Lopes", Email: "marina@example.com"},
		ShippingAddress:   order.Address{Name: "Marina Lopes", Street: "Av. Sete de Setembro", Number: "1200", City: "Salvador", State: "BA", PostalCode: "40060001"},
		Product:           order.ProductSpec{Product: "Adesivo", Format: "quadrado", WidthCM: 6, HeightCM: 6, Quantity: 200, Presentation: "unit"},
		ArtworkBase64:     base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		TotalMinor:        12990,
		ShippingCostMinor: 2490,
		Shipping: &shipping.Selection{
			Provider: "melhorenvio", ProviderServiceID: "2", CarrierName: shipping.CarrierCorreios,
			ServiceName: "SEDEX", PriceMinor: 2490, MinDays: 2, MaxDays: 3,
		},
	}
}

func TestConfirmTwiceCompilesOnce(t *testing.T) {
	store := newStore(t)
	comp := &fakeCompiler{orders: store}
	lab := &fakeLabeler{outcome: label.OutcomeIssued}
	svc := NewService(store, comp, lab, nil)
	ctx := context.Background()

	first, err := svc.Confirm(ctx, directRequest("pedido-100", "approved"))
	require.NoError(t, err)
	require.Len(t, first.Orders, 1)
	assert.True(t, first.Orders[0].Created)
	assert.True(t, first.Orders[0].Compile.OK)
	assert.Equal(t, "compiled", first.Orders[0].Compile.Detail)
	assert.Empty(t, first.Warnings)

	second, err := svc.Confirm(ctx, directRequest("pedido-100", "approved"))
	require.NoError(t, err)
	require.Len(t, second.Orders, 1)
	assert.False(t, second.Orders[0].Created)
	assert.Equal(t, first.Orders[0].OrderID, second.Orders[0].OrderID)
	assert.Equal(t, "already_compiled", second.Orders[0].Compile.Detail)

	assert.Len(t, comp.calls, 1)
	assert.Equal(t, []byte("png-bytes"), comp.artworks[0])
	assert.Len(t, lab.calls, 2)

	o, err := store.Get(ctx, "pedido-100")
	require.NoError(t, err)
	assert.True(t, o.Compiled())
}

func TestConfirmCartCreatesOrderPerItem(t *testing.T) {
	store := newStore(t)
	svc := NewService(store, &fakeCompiler{orders: store}, &fakeLabeler{outcome: label.OutcomeIssued}, nil)
	ctx := context.Background()

	req := directRequest("carrinho-7", "approved")
	req.ArtworkBase64 = ""
	req.Items = []Item{
		{Product: order.ProductSpec{Product: "Adesivo", WidthCM: 5, HeightCM: 5, Quantity: 100}, TotalMinor: 4000},
		{Product: order.ProductSpec{Product: "Rótulo", WidthCM: 8, HeightCM: 4, Quantity: 50}, TotalMinor: 3500},
		{Product: order.ProductSpec{Product: "Cartela", WidthCM: 20, HeightCM: 28, Quantity: 10, Presentation: "sheet"}, TotalMinor: 5000},
	}

	resp, err := svc.Confirm(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Orders, 3)

	orders, err := store.ListByReference(ctx, "carrinho-7")
	require.NoError(t, err)
	require.Len(t, orders, 3)

	byExt := map[string]order.Order{}
	for _, o := range orders {
		byExt[o.ExternalOrderID] = o
		assert.Equal(t, "carrinho-7", o.ExternalReference)
	}
	require.Contains(t, byExt, "carrinho-7-item-1")
	require.Contains(t, byExt, "carrinho-7-item-2")
	require.Contains(t, byExt, "carrinho-7-item-3")

	first := byExt["carrinho-7-item-1"]
	require.NotNil(t, first.Shipping)
	assert.Equal(t, int64(2490), first.ShippingCostMinor)
	assert.Equal(t, int64(6490), first.TotalMinor)
	assert.Equal(t, int64(4000), first.ItemsMinor())

	assert.Nil(t, byExt["carrinho-7-item-2"].Shipping)
	assert.Zero(t, byExt["carrinho-7-item-2"].ShippingCostMinor)
	assert.Equal(t, int64(3500), byExt["carrinho-7-item-2"].TotalMinor)

	_, err = store.Get(ctx, "carrinho-7")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestConfirmPendingSkipsDownstream(t *testing.T) {
	store := newStore(t)
	comp := &fakeCompiler{orders: store}
	lab := &fakeLabeler{outcome: label.OutcomeIssued}
	svc := NewService(store, comp, lab, nil)

	resp, err := svc.Confirm(context.Background(), directRequest("pedido-200", "pending"))
	require.NoError(t, err)
	require.Len(t, resp.Orders, 1)
	assert.False(t, resp.Orders[0].Settled)
	assert.True(t, resp.Orders[0].Compile.Skipped)
	assert.True(t, resp.Orders[0].Label.Skipped)
	assert.Empty(t, comp.calls)
	assert.Empty(t, lab.calls)

	o, err := store.Get(context.Background(), "pedido-200")
	require.NoError(t, err)
	assert.Equal(t, "pending", o.Status)
	assert.False(t, o.Compiled())
}

func TestConfirmDownstreamFailuresAreWarnings(t *testing.T) {
	store := newStore(t)
	comp := &fakeCompiler{orders: store, err: errors.New("bucket offline")}
	lab := &fakeLabeler{err: errors.New("carrier 500")}
	svc := NewService(store, comp, lab, nil)

	resp, err := svc.Confirm(context.Background(), directRequest("pedido-300", "approved"))
	require.NoError(t, err)
	require.Len(t, resp.Orders, 1)
	assert.False(t, resp.Orders[0].Compile.OK)
	assert.NotEmpty(t, resp.Orders[0].Compile.Warning)
	assert.False(t, resp.Orders[0].Label.OK)
	assert.Len(t, resp.Warnings, 2)

	o, err := store.Get(context.Background(), "pedido-300")
	require.NoError(t, err)
	assert.False(t, o.Compiled())
}

func TestConfirmLabelValidationWarning(t *testing.T) {
	store := newStore(t)
	lab := &fakeLabeler{err: &label.ValidationError{Party: "recipient", Missing: []string{"number"}}}
	svc := NewService(store, nil, lab, nil)

	resp, err := svc.Confirm(context.Background(), directRequest("pedido-301", "approved"))
	require.NoError(t, err)
	assert.Contains(t, resp.Orders[0].Label.Warning, "label not issued")
	assert.Equal(t, "compiler_disabled", resp.Orders[0].Compile.Detail)
}

func TestConfirmWithoutArtworkSkipsCompile(t *testing.T) {
	store := newStore(t)
	comp := &fakeCompiler{orders: store}
	svc := NewService(store, comp, &fakeLabeler{outcome: label.OutcomeNoCarrierSelection}, nil)

	req := directRequest("pedido-302", "approved")
	req.ArtworkBase64 = ""
	resp, err := svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "no_artwork", resp.Orders[0].Compile.Detail)
	assert.Equal(t, "no_carrier_selection", resp.Orders[0].Label.Detail)
	assert.True(t, resp.Orders[0].Label.OK)
	assert.Empty(t, comp.calls)

	req.Artwork = order.ArtworkRef{URL: "https://cdn.example.com/art/302.png"}
	resp, err = svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "compiled", resp.Orders[0].Compile.Detail)
	require.Len(t, comp.calls, 1)
	assert.Nil(t, comp.artworks[0])
}

func TestConfirmValidation(t *testing.T) {
	store := newStore(t)
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	req := directRequest("", "approved")
	_, err := svc.Confirm(ctx, req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "externalOrderId", verr.Field)

	req = directRequest("pedido-400", "approved")
	req.TotalMinor = -1
	_, err = svc.Confirm(ctx, req)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "totalMinor", verr.Field)

	req = directRequest("pedido-401", "approved")
	req.ArtworkBase64 = "%%% not base64 %%%"
	_, err = svc.Confirm(ctx, req)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "artworkBase64", verr.Field)

	_, err = store.Get(ctx, "pedido-401")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestDecodeArtwork(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	enc := base64.StdEncoding.EncodeToString(payload)

	got, err := decodeArtwork("f", enc, "")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = decodeArtwork("f", "", "data:image/png;base64,"+enc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = decodeArtwork("f", base64.RawStdEncoding.EncodeToString(payload), "")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = decodeArtwork("f", "", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = decodeArtwork("f", "", "https://example.com/a.png")
	assert.Error(t, err)
	_, err = decodeArtwork("f", "", "data:image/png,rawbytes")
	assert.Error(t, err)
}
