package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/fulfillment/internal/shipping"
)

// backend hides the driver: database/sql for SQLite, pgxpool for PostgreSQL.
// Queries use ? placeholders; the PostgreSQL backend rebinds them.
type backend interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) scanner
	query(ctx context.Context, query string, args ...any) (rowIter, error)
}

type scanner interface {
	Scan(dest ...any) error
}

type rowIter interface {
	scanner
	Next() bool
	Err() error
	Close()
}

// store implements Repository on top of a backend.
type store struct {
	db  backend
	now func() time.Time
}

const orderColumns = `id, external_order_id, external_reference, status, customer, shipping_address,
	product, artwork, total_minor, shipping_cost_minor, shipping_selection, payment_method,
	installments, payment_snapshot, package_generated_at, tracking_code, tracking_url,
	created_at, updated_at`

const upsertOrderSQL = `INSERT INTO orders (
	id, external_order_id, external_reference, status, customer, shipping_address,
	product, artwork, total_minor, shipping_cost_minor, shipping_selection, payment_method,
	installments, payment_snapshot, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (external_order_id) DO UPDATE SET
	external_reference = COALESCE(orders.external_reference, excluded.external_reference),
	status = COALESCE(NULLIF(excluded.status, ''), orders.status),
	customer = COALESCE(orders.customer, excluded.customer),
	shipping_address = COALESCE(orders.shipping_address, excluded.shipping_address),
	product = COALESCE(orders.product, excluded.product),
	artwork = COALESCE(orders.artwork, excluded.artwork),
	total_minor = CASE WHEN orders.total_minor > 0 THEN orders.total_minor ELSE excluded.total_minor END,
	shipping_cost_minor = CASE WHEN orders.shipping_cost_minor > 0 THEN orders.shipping_cost_minor ELSE excluded.shipping_cost_minor END,
	shipping_selection = COALESCE(orders.shipping_selection, excluded.shipping_selection),
	payment_method = COALESCE(NULLIF(excluded.payment_method, ''), orders.payment_method),
	installments = CASE WHEN excluded.installments > 0 THEN excluded.installments ELSE orders.installments END,
	payment_snapshot = COALESCE(excluded.payment_snapshot, orders.payment_snapshot),
	updated_at = excluded.updated_at
RETURNING id, package_generated_at`

// Upsert inserts the order or refreshes its mutable fields in one statement.
// Snapshots and totals only fill gaps; the shipping selection is set once;
// the compiled flag and tracking fields are never touched here.
func (s *store) Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	ext := strings.TrimSpace(in.ExternalOrderID)
	if ext == "" {
		return UpsertResult{}, errors.New("upsert order: external order id required")
	}
	candidate := uuid.NewString()
	now := s.now().UTC()

	customer, err := snapshot(in.Customer, in.Customer.empty())
	if err != nil {
		return UpsertResult{}, err
	}
	address, err := snapshot(in.ShippingAddress, in.ShippingAddress.empty())
	if err != nil {
		return UpsertResult{}, err
	}
	product, err := snapshot(in.Product, in.Product.empty())
	if err != nil {
		return UpsertResult{}, err
	}
	artwork, err := snapshot(in.Artwork, in.Artwork.empty())
	if err != nil {
		return UpsertResult{}, err
	}
	selection, err := snapshot(in.Shipping, in.Shipping == nil)
	if err != nil {
		return UpsertResult{}, err
	}
	var payment []byte
	if len(in.PaymentSnapshot) > 0 && string(in.PaymentSnapshot) != "null" {
		payment = []byte(in.PaymentSnapshot)
	}

	var (
		id        string
		generated dbTime
	)
	row := s.db.queryRow(ctx, upsertOrderSQL,
		candidate, ext, nullString(in.ExternalReference), strings.TrimSpace(in.Status),
		customer, address, product, artwork,
		in.TotalMinor, in.ShippingCostMinor, selection,
		strings.TrimSpace(in.PaymentMethod), in.Installments, payment,
		now, now,
	)
	if err := row.Scan(&id, &generated); err != nil {
		return UpsertResult{}, fmt.Errorf("upsert order: %w", err)
	}
	return UpsertResult{
		OrderID:            id,
		Created:            id == candidate,
		PackageGeneratedAt: timePtr(generated),
	}, nil
}

func (s *store) Get(ctx context.Context, externalOrderID string) (Order, error) {
	row := s.db.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_order_id = ?`, strings.TrimSpace(externalOrderID))
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, wrapNotFound("get order", err)
	}
	return o, nil
}

func (s *store) GetByID(ctx context.Context, orderID string) (Order, error) {
	row := s.db.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, wrapNotFound("get order by id", err)
	}
	return o, nil
}

// ListByReference returns every order of one cart checkout, oldest first.
func (s *store) ListByReference(ctx context.Context, reference string) ([]Order, error) {
	rows, err := s.db.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE external_reference = ? ORDER BY created_at ASC, external_order_id ASC`, strings.TrimSpace(reference))
	if err != nil {
		return nil, fmt.Errorf("list orders by reference: %w", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter orders: %w", err)
	}
	return out, nil
}

// MarkCompiled sets package_generated_at if it is still unset. The boolean
// reports whether this call flipped it.
func (s *store) MarkCompiled(ctx context.Context, orderID string) (bool, error) {
	n, err := s.db.exec(ctx,
		`UPDATE orders SET package_generated_at = ?, updated_at = ? WHERE id = ? AND package_generated_at IS NULL`,
		s.now().UTC(), s.now().UTC(), orderID)
	if err != nil {
		return false, fmt.Errorf("mark compiled: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	return false, s.mustExist(ctx, orderID)
}

// SetTracking records the tracking code once; later calls are no-ops.
func (s *store) SetTracking(ctx context.Context, orderID, code, url string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	n, err := s.db.exec(ctx,
		`UPDATE orders SET tracking_code = ?, tracking_url = ?, updated_at = ? WHERE id = ? AND tracking_code IS NULL`,
		code, nullString(url), s.now().UTC(), orderID)
	if err != nil {
		return false, fmt.Errorf("set tracking: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	return false, s.mustExist(ctx, orderID)
}

const labelColumns = `id, order_id, provider, provider_label_id, print_url, tracking_code, status, created_at`

func (s *store) GetLabel(ctx context.Context, orderID string) (Label, error) {
	row := s.db.queryRow(ctx, `SELECT `+labelColumns+` FROM labels WHERE order_id = ?`, orderID)
	l, err := scanLabel(row)
	if err != nil {
		return Label{}, wrapNotFound("get label", err)
	}
	return l, nil
}

// CreateLabel stores l unless the order already has a label. It returns the
// stored label and whether this call created it.
func (s *store) CreateLabel(ctx context.Context, l Label) (Label, bool, error) {
	if l.OrderID == "" {
		return Label{}, false, errors.New("create label: order id required")
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	n, err := s.db.exec(ctx, `INSERT INTO labels (`+labelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`,
		l.ID, l.OrderID, l.Provider, l.ProviderLabelID, nullString(l.PrintURL), nullString(l.TrackingCode), l.Status, l.CreatedAt)
	if err != nil {
		return Label{}, false, fmt.Errorf("create label: %w", err)
	}
	stored, err := s.GetLabel(ctx, l.OrderID)
	if err != nil {
		return Label{}, false, err
	}
	return stored, n > 0 && stored.ID == l.ID, nil
}

// SetLabelPrintURL records where the label can be printed, once.
func (s *store) SetLabelPrintURL(ctx context.Context, orderID, url string) (bool, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return false, nil
	}
	n, err := s.db.exec(ctx, `UPDATE labels SET print_url = ? WHERE order_id = ? AND print_url IS NULL`, url, orderID)
	if err != nil {
		return false, fmt.Errorf("set label print url: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetLabel(ctx, orderID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *store) mustExist(ctx context.Context, orderID string) error {
	var one int
	err := s.db.queryRow(ctx, `SELECT 1 FROM orders WHERE id = ?`, orderID).Scan(&one)
	if err != nil {
		return wrapNotFound("get order by id", err)
	}
	return nil
}

func scanOrder(row scanner) (Order, error) {
	var (
		o                                         Order
		reference, paymentMethod, tracking, trURL sql.NullString
		customer, address, product, artwork       []byte
		selection, payment                        []byte
		generated, created, updated               dbTime
		installments                              sql.NullInt64
	)
	err := row.Scan(
		&o.ID, &o.ExternalOrderID, &reference, &o.Status, &customer, &address,
		&product, &artwork, &o.TotalMinor, &o.ShippingCostMinor, &selection, &paymentMethod,
		&installments, &payment, &generated, &tracking, &trURL,
		&created, &updated,
	)
	if err != nil {
		return Order{}, err
	}
	o.ExternalReference = reference.String
	o.PaymentMethod = paymentMethod.String
	o.Installments = int(installments.Int64)
	o.TrackingCode = tracking.String
	o.TrackingURL = trURL.String
	o.PackageGeneratedAt = timePtr(generated)
	if len(payment) > 0 {
		o.PaymentSnapshot = json.RawMessage(append([]byte(nil), payment...))
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{customer, &o.Customer},
		{address, &o.ShippingAddress},
		{product, &o.Product},
		{artwork, &o.Artwork},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return Order{}, fmt.Errorf("decode order snapshot: %w", err)
		}
	}
	if len(selection) > 0 {
		var sel shipping.Selection
		if err := json.Unmarshal(selection, &sel); err != nil {
			return Order{}, fmt.Errorf("decode shipping selection: %w", err)
		}
		o.Shipping = &sel
	}
	o.CreatedAt = created.Time
	o.UpdatedAt = updated.Time
	return o, nil
}

func scanLabel(row scanner) (Label, error) {
	var (
		l                  Label
		printURL, tracking sql.NullString
		created            dbTime
	)
	if err := row.Scan(&l.ID, &l.OrderID, &l.Provider, &l.ProviderLabelID, &printURL, &tracking, &l.Status, &created); err != nil {
		return Label{}, err
	}
	l.PrintURL = printURL.String
	l.TrackingCode = tracking.String
	l.CreatedAt = created.Time
	return l, nil
}

// snapshot encodes v as JSON, or returns nil (SQL NULL) when empty so
// COALESCE keeps whatever is already stored.
func snapshot(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode order snapshot: %w", err)
	}
	return b, nil
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t dbTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// dbTime scans timestamps from either driver. SQLite hands back text when it
// cannot see the column's declared type (RETURNING clauses).
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = dbTime{}
		return nil
	case time.Time:
		*t = dbTime{Time: v.UTC(), Valid: true}
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("scan timestamp: unsupported type %T", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			*t = dbTime{Time: ts.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("scan timestamp: cannot parse %q", s)
}
