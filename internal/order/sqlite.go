package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps orders in a SQLite database opened with sqliteutil.Open.
type SQLiteStore struct {
	*store
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{store: &store{db: sqlBackend{db}, now: time.Now}, db: db}
}

// Init applies the order and label schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			external_order_id TEXT NOT NULL UNIQUE,
			external_reference TEXT,
			status TEXT NOT NULL DEFAULT '',
			customer BLOB,
			shipping_address BLOB,
			product BLOB,
			artwork BLOB,
			total_minor INTEGER NOT NULL DEFAULT 0,
			shipping_cost_minor INTEGER NOT NULL DEFAULT 0,
			shipping_selection BLOB,
			payment_method TEXT,
			installments INTEGER,
			payment_snapshot BLOB,
			package_generated_at TIMESTAMP,
			tracking_code TEXT,
			tracking_url TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_reference ON orders(external_reference, created_at);`,
		`CREATE TABLE IF NOT EXISTS labels (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
			provider TEXT NOT NULL,
			provider_label_id TEXT NOT NULL,
			print_url TEXT,
			tracking_code TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply order schema: %w", err)
		}
	}
	return nil
}

type sqlBackend struct {
	db *sql.DB
}

func (b sqlBackend) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b sqlBackend) queryRow(ctx context.Context, query string, args ...any) scanner {
	return b.db.QueryRowContext(ctx, query, args...)
}

func (b sqlBackend) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }
