package artifact

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"example.com/fulfillment/internal/order"
	"example.com/fulfillment/internal/sqliteutil"
)

type flakyStorage struct {
	Storage
	mu       sync.Mutex
	failKey  string
	failures int
	puts     map[string]int
}

func (f *flakyStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	if f.puts == nil {
		f.puts = map[string]int{}
	}
	f.puts[key]++
	fail := strings.HasSuffix(key, f.failKey) && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return f.Storage.Put(ctx, key, data, contentType)
}

func setup(t *testing.T) (*order.SQLiteStore, *BucketStorage) {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := order.NewSQLiteStore(db)
	require.NoError(t, store.Init(context.Background()))

	bucket := NewBucketStorage(memblob.OpenBucket(nil))
	t.Cleanup(func() { _ = bucket.Close() })
	return store, bucket
}

func seedOrder(t *testing.T, store order.Repository, ext string) string {
	t.Helper()
	res, err := store.Upsert(context.Background(), order.UpsertInput{
		ExternalOrderID:   ext,
		Status:            "approved",
		Customer:          order.Customer{Name: "João Pereira", Email: "joao@example.com"},
		ShippingAddress:   order.Address{Name: "João Pereira", Street: "Rua das Flores", Number: "10", City: "Curitiba", State: "PR", PostalCode: "80010000"},
		Product:           order.ProductSpec{Product: "Adesivo Vinil", Format: "Retângulo", WidthCM: 7.5, HeightCM: 5, Quantity: 50},
		TotalMinor:        8990,
		ShippingCostMinor: 1890,
		PaymentMethod:     "credit_card",
		Installments:      2,
	})
	require.NoError(t, err)
	return res.OrderID
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		for y := 0; y < 30; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: 120, B: uint8(y * 8), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCompiler(store OrderStore, storage Storage, fetcher ArtworkSource) *Compiler {
	c := NewCompiler(store, storage, NewRenderer("Gráfica Teste", order.Address{Name: "Gráfica Teste", Street: "Av. Paulista", Number: "1000", City: "São Paulo", State: "SP", PostalCode: "01310100"}), fetcher, quietLogger())
	c.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }
	return c
}

func TestKeysFor(t *testing.T) {
	k := KeysFor(order.Order{
		ExternalOrderID: "PED-001",
		Product:         order.ProductSpec{Product: "Adesivo Vinil", Format: "Retângulo", WidthCM: 7.5, HeightCM: 5, Quantity: 50},
	})
	assert.Equal(t, "orders/PED-001/manifest.json", k.Manifest)
	assert.Equal(t, "orders/PED-001/adesivo-vinil-retangulo-7_5x5cm-q50-PED-001-etiqueta.pdf", k.Slip)
	assert.Equal(t, "orders/PED-001/adesivo-vinil-retangulo-7_5x5cm-q50-PED-001-recibo.pdf", k.Receipt)
	assert.Equal(t, "orders/PED-001/adesivo-vinil-retangulo-7_5x5cm-q50-PED-001-arte.pdf", k.Artwork)

	empty := KeysFor(order.Order{ExternalOrderID: "x"})
	assert.Equal(t, "orders/x/produto-padrao-0x0cm-q0-x-arte.pdf", empty.Artwork)
}

func TestKeysFor_DistinctOrdersNeverShareKeys(t *testing.T) {
	product := order.ProductSpec{Product: "Adesivo", Format: "Redondo", WidthCM: 5, HeightCM: 5, Quantity: 100}
	seen := map[string]string{}
	for _, id := range []string{"PED-001", "ped_001", "Ped.001", "ped 001", "ped/001", "ped%2F001", ".", ".."} {
		k := KeysFor(order.Order{ExternalOrderID: id, Product: product})
		for _, key := range append(k.All(), k.Prefix) {
			prev, dup := seen[key]
			assert.False(t, dup, "%q and %q share %s", prev, id, key)
			seen[key] = id
		}
		assert.Equal(t, 2, strings.Count(k.Prefix, "/"), "prefix %q must be a single segment", k.Prefix)
		assert.NotContains(t, k.Prefix, "/../")
	}
}

func TestCompile_UploadsBundleAndMarksOnce(t *testing.T) {
	store, bucket := setup(t)
	id := seedOrder(t, store, "PED-100")
	c := newCompiler(store, bucket, nil)
	ctx := context.Background()

	res, err := c.Compile(ctx, id, testPNG(t))
	require.NoError(t, err)
	assert.True(t, res.Marked)
	assert.False(t, res.ArtworkMissing)

	keys, err := bucket.List(ctx, "orders/PED-100/")
	require.NoError(t, err)
	assert.Len(t, keys, 5, "four artifacts plus the artwork source")

	raw, err := bucket.Get(ctx, "orders/PED-100/manifest.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"externalOrderId": "PED-100"`)
	assert.Contains(t, string(raw), `"itemsMinor": 7100`)

	pdf, err := bucket.Get(ctx, res.Keys[3])
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	again, err := c.Compile(ctx, id, testPNG(t))
	require.NoError(t, err)
	assert.False(t, again.Marked, "flag flips only once")
	keys, err = bucket.List(ctx, "orders/PED-100/")
	require.NoError(t, err)
	assert.Len(t, keys, 5, "recompiling overwrites the same keys")
}

func TestCompile_PartialFailureLeavesFlagUnset(t *testing.T) {
	store, bucket := setup(t)
	id := seedOrder(t, store, "PED-200")
	flaky := &flakyStorage{Storage: bucket, failKey: "-recibo.pdf", failures: 1}
	c := newCompiler(store, flaky, nil)
	ctx := context.Background()

	res, err := c.Compile(ctx, id, nil)
	require.Error(t, err)
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Len(t, cerr.Failures, 1)
	assert.False(t, res.Marked)

	o, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, o.PackageGeneratedAt)

	res, err = c.Compile(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, res.Marked)
	assert.True(t, res.ArtworkMissing)

	for _, k := range res.Keys {
		assert.Equal(t, 2, flaky.puts[k], "every artifact is retried: %s", k)
	}
	keys, err := bucket.List(ctx, "orders/PED-200/")
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestCompile_FetchesArtworkByURL(t *testing.T) {
	img := testPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	t.Cleanup(srv.Close)

	store, bucket := setup(t)
	ctx := context.Background()
	res, err := store.Upsert(ctx, order.UpsertInput{
		ExternalOrderID: "PED-300",
		Status:          "approved",
		Artwork:         order.ArtworkRef{URL: srv.URL + "/final.png"},
		Product:         order.ProductSpec{Product: "Adesivo", WidthCM: 5, HeightCM: 5, Quantity: 10},
	})
	require.NoError(t, err)

	out, err := newCompiler(store, bucket, NewHTTPFetcher(time.Second)).Compile(ctx, res.OrderID, nil)
	require.NoError(t, err)
	assert.False(t, out.ArtworkMissing)
}

func TestCompile_ReusesInlineArtworkOnRecompile(t *testing.T) {
	store, bucket := setup(t)
	id := seedOrder(t, store, "PED-400")
	c := newCompiler(store, bucket, nil)
	ctx := context.Background()
	img := testPNG(t)

	first, err := c.Compile(ctx, id, img)
	require.NoError(t, err)
	require.False(t, first.ArtworkMissing)

	o, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	stored, err := bucket.Get(ctx, KeysFor(o).Source)
	require.NoError(t, err)
	assert.Equal(t, img, stored)

	again, err := c.Compile(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, again.ArtworkMissing, "recompile renders the kept source")
}

func TestCompile_UnrecognisedInlineArtworkIsNotKept(t *testing.T) {
	store, bucket := setup(t)
	id := seedOrder(t, store, "PED-500")
	ctx := context.Background()

	res, err := newCompiler(store, bucket, nil).Compile(ctx, id, []byte("not an image"))
	require.NoError(t, err)
	assert.True(t, res.ArtworkMissing)

	o, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	_, err = bucket.Get(ctx, KeysFor(o).Source)
	assert.Equal(t, gcerrors.NotFound, gcerrors.Code(err))
}

func TestCompile_UnknownOrder(t *testing.T) {
	store, bucket := setup(t)
	_, err := newCompiler(store, bucket, nil).Compile(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestRenderer_ArtworkFallback(t *testing.T) {
	r := NewRenderer("", order.Address{})
	o := order.Order{ExternalOrderID: "PED-1"}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b, missing, err := r.Artwork(o, []byte("GIF89a not supported"), at)
	require.NoError(t, err)
	assert.True(t, missing)
	assert.True(t, bytes.HasPrefix(b, []byte("%PDF-")))

	b, missing, err = r.Artwork(o, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0}, at)
	require.NoError(t, err)
	assert.True(t, missing, "corrupt png falls back to the placeholder")
	assert.NotEmpty(t, b)
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "R$ 0,05", money(5))
	assert.Equal(t, "R$ 18,90", money(1890))
	assert.Equal(t, "R$ 1.234,56", money(123456))
	assert.Equal(t, "R$ 1.000.000,00", money(100000000))
}

func TestHTTPFetcher_SizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 2048))
	}))
	t.Cleanup(srv.Close)
	f := NewHTTPFetcher(time.Second)
	f.limit = 1024
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrArtworkTooLarge)

	_, err = f.Fetch(context.Background(), "ftp://example.com/a.png")
	assert.Error(t, err)
}
