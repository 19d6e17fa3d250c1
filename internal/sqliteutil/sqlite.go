// Package sqliteutil opens the SQLite database behind the order store.
package sqliteutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver (pure Go)
)

// Memory opens a private in-memory database that lives as long as the *sql.DB.
const Memory = ":memory:"

const (
	defaultBusyTimeout = 5 * time.Second
	pingTimeout        = 3 * time.Second
)

// Options tune a connection. The zero value is what the service runs with.
type Options struct {
	// BusyTimeout is how long a writer waits on the lock before SQLITE_BUSY.
	BusyTimeout time.Duration
	// NoWAL keeps the rollback journal, for filesystems without shared memory.
	NoWAL bool
}

// Open opens path with the default options.
func Open(path string) (*sql.DB, error) {
	return OpenContext(context.Background(), path, Options{})
}

// OpenContext creates the parent directory of path when missing, then opens
// it with foreign keys on and a busy timeout so concurrent confirmations queue
// on the write lock. All callers share one connection.
func OpenContext(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("open sqlite db: path required")
	}
	memory := path == Memory
	if !memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(path, opts, memory))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; an in-memory database also dies with its connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db %s: %w", path, err)
	}
	return db, nil
}

func dsn(path string, opts Options, memory bool) string {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragmas := []string{
		"foreign_keys(ON)",
		fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()),
	}
	if !memory && !opts.NoWAL {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?_pragma=")
		} else {
			b.WriteString("&_pragma=")
		}
		b.WriteString(p)
	}
	return b.String()
}
