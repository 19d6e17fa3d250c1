package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps orders in PostgreSQL through a pgx pool. Semantics
// match SQLiteStore; the upsert relies on the same ON CONFLICT clause.
type PostgresStore struct {
	*store
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresStore)(nil)

// OpenPostgres creates a pool and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{store: &store{db: pgBackend{pool}, now: time.Now}, pool: pool}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			external_order_id TEXT NOT NULL UNIQUE,
			external_reference TEXT,
			status TEXT NOT NULL DEFAULT '',
			customer JSONB,
			shipping_address JSONB,
			product JSONB,
			artwork JSONB,
			total_minor BIGINT NOT NULL DEFAULT 0,
			shipping_cost_minor BIGINT NOT NULL DEFAULT 0,
			shipping_selection JSONB,
			payment_method TEXT,
			installments INTEGER,
			payment_snapshot JSONB,
			package_generated_at TIMESTAMPTZ,
			tracking_code TEXT,
			tracking_url TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_reference ON orders(external_reference, created_at)`,
		`CREATE TABLE IF NOT EXISTS labels (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
			provider TEXT NOT NULL,
			provider_label_id TEXT NOT NULL,
			print_url TEXT,
			tracking_code TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply order schema: %w", err)
		}
	}
	return nil
}

type pgBackend struct {
	pool *pgxpool.Pool
}

func (b pgBackend) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := b.pool.Exec(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b pgBackend) queryRow(ctx context.Context, query string, args ...any) scanner {
	return b.pool.QueryRow(ctx, rebind(query), args...)
}

func (b pgBackend) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := b.pool.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return pgRows{rows}, nil
}

type pgRows struct {
	pgx.Rows
}

// rebind turns ? placeholders into $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
