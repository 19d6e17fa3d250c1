package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	"example.com/fulfillment/internal/order"
)

var tracer = otel.Tracer("example.com/fulfillment/internal/artifact")

// OrderStore is the slice of order.Repository the compiler needs.
type OrderStore interface {
	GetByID(ctx context.Context, orderID string) (order.Order, error)
	MarkCompiled(ctx context.Context, orderID string) (bool, error)
}

// Result describes one compilation attempt.
type Result struct {
	OrderID         string            `json:"orderId"`
	ExternalOrderID string            `json:"externalOrderId"`
	Keys            []string          `json:"keys"`
	Failures        map[string]string `json:"failures,omitempty"`
	ArtworkMissing  bool              `json:"artworkMissing"`
	// Marked is true when this attempt flipped the compiled flag.
	Marked bool `json:"marked"`
}

// CompileError lists the artifacts that failed. The compiled flag stays
// unset so a later attempt redoes the whole bundle.
type CompileError struct {
	OrderID  string
	Failures map[string]string
}

func (e *CompileError) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Failures[k])
	}
	return fmt.Sprintf("compile order %s: %s", e.OrderID, strings.Join(parts, "; "))
}

type Compiler struct {
	orders   OrderStore
	storage  Storage
	renderer *Renderer
	artwork  ArtworkSource
	logger   *slog.Logger
	now      func() time.Time
}

// NewCompiler wires a compiler. artwork may be nil; orders without inline
// artwork then get the missing-artwork page.
func NewCompiler(orders OrderStore, storage Storage, renderer *Renderer, artwork ArtworkSource, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		orders:   orders,
		storage:  storage,
		renderer: renderer,
		artwork:  artwork,
		logger:   logger.With("component", "artifact.compiler"),
		now:      time.Now,
	}
}

type artifactFile struct {
	key         string
	contentType string
	data        []byte
	err         error
}

// Compile renders and uploads the four artifacts of an order in parallel and
// marks the order compiled only when every upload succeeded. Repeated calls
// overwrite the same keys. Inline artwork is kept under Keys.Source and reused
// when a later call has none.
func (c *Compiler) Compile(ctx context.Context, orderID string, artwork []byte) (Result, error) {
	ctx, span := tracer.Start(ctx, "artifact.Compile")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	o, err := c.orders.GetByID(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return Result{OrderID: orderID}, fmt.Errorf("load order: %w", err)
	}
	keys := KeysFor(o)
	inline := len(artwork) > 0
	if !inline {
		artwork = c.loadArtwork(ctx, o, keys)
	}

	at := c.now().UTC()
	res := Result{OrderID: o.ID, ExternalOrderID: o.ExternalOrderID, Keys: keys.All()}

	files := []artifactFile{
		{key: keys.Manifest, contentType: "application/json"},
		{key: keys.Slip, contentType: "application/pdf"},
		{key: keys.Receipt, contentType: "application/pdf"},
		{key: keys.Artwork, contentType: "application/pdf"},
	}
	files[0].data, files[0].err = BuildManifest(o, at).JSON()
	files[1].data, files[1].err = c.renderer.ShippingSlip(o, at)
	files[2].data, files[2].err = c.renderer.Receipt(o, at)
	files[3].data, res.ArtworkMissing, files[3].err = c.renderer.Artwork(o, artwork, at)
	if inline && !res.ArtworkMissing {
		files = append(files, artifactFile{key: keys.Source, contentType: http.DetectContentType(artwork), data: artwork})
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	failures := map[string]string{}
	for _, f := range files {
		if f.err != nil {
			failures[f.key] = f.err.Error()
			continue
		}
		g.Go(func() error {
			if err := c.storage.Put(ctx, f.key, f.data, f.contentType); err != nil {
				mu.Lock()
				failures[f.key] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		res.Failures = failures
		cerr := &CompileError{OrderID: o.ID, Failures: failures}
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "artifact upload failed")
		c.logger.Error("compile failed", "order_id", o.ID, "external_order_id", o.ExternalOrderID, "failed", len(failures))
		return res, cerr
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("compile order %s: %w", o.ID, err)
	}

	marked, err := c.orders.MarkCompiled(ctx, o.ID)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("mark compiled: %w", err)
	}
	res.Marked = marked
	c.logger.Info("order compiled", "order_id", o.ID, "external_order_id", o.ExternalOrderID, "marked", marked, "artwork_missing", res.ArtworkMissing)
	return res, nil
}

// loadArtwork prefers the source kept by an earlier compile and falls back to
// the artwork URL. nil means the placeholder page is rendered.
func (c *Compiler) loadArtwork(ctx context.Context, o order.Order, keys Keys) []byte {
	stored, err := c.storage.Get(ctx, keys.Source)
	if err == nil && len(stored) > 0 {
		return stored
	}
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		c.logger.Warn("stored artwork unreadable", "order_id", o.ID, "key", keys.Source, "error", err)
	}
	if o.Artwork.URL == "" || c.artwork == nil {
		return nil
	}
	fetched, err := c.artwork.Fetch(ctx, o.Artwork.URL)
	if err != nil {
		c.logger.Warn("artwork fetch failed", "order_id", o.ID, "external_order_id", o.ExternalOrderID, "error", err)
		return nil
	}
	return fetched
}
