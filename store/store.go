// Package store provides the substrate's transactional embedded database:
// patterns, embeddings, plans, outcomes, and reliability records, with a
// goose-driven migration runner and sqlx typed scans.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/resilience"
	"github.com/hiveforge/substrate/substrateconfig"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the single source of truth: every mutation in the substrate
// goes through it. It wraps a *sqlx.DB with connection setup centralized
// into one typed options struct, plus the PRAGMA configuration the schema
// depends on (foreign keys, WAL, synchronous=NORMAL).
type Store struct {
	db *sqlx.DB

	mu       sync.RWMutex
	readOnly atomic.Bool

	logger core.Logger
}

// Open opens (creating if absent) the SQLite database at cfg.DSN, runs
// pending migrations from cfg.MigrationsDir (or the embedded set when that
// directory is absent on disk), then runs an integrity check. A failed
// integrity check is fatal: the Store is returned in a read-only state and
// ErrStoreCorrupt is returned so callers must not attempt writes until an
// operator-initiated restore.
func Open(ctx context.Context, cfg substrateconfig.StoreConfig, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, core.NewError("store.Open", "store", fmt.Errorf("open sqlite: %w", err))
	}
	db.SetMaxOpenConns(1) // single-writer WAL discipline; reads still served from the same handle

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, core.NewError("store.Open", "store", fmt.Errorf("set pragma %q: %w", p, err))
		}
	}

	s := &Store{db: db, logger: logger}

	if err := s.migrate(ctx, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, core.NewError("store.Open", "store", fmt.Errorf("migrate: %w", err))
	}

	if cfg.IntegrityOnOpen {
		if err := s.integrityCheck(ctx); err != nil {
			s.readOnly.Store(true)
			logger.Error("store integrity check failed; switching to read-only", map[string]interface{}{"error": err.Error()})
			return s, core.NewError("store.Open", "store", fmt.Errorf("%w: %v", core.ErrStoreCorrupt, err))
		}
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context, dir string) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	// The embedded FS always has its files rooted at "migrations"; dir (an
	// on-disk override) is only honored when it actually differs from the
	// embedded default and is present on disk.
	path := "migrations"
	if dir != "" && dir != path {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			goose.SetBaseFS(nil)
			path = dir
		}
	}
	if err := goose.UpContext(ctx, s.db.DB, path); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// integrityCheck runs SQLite's PRAGMA integrity_check; any result other
// than "ok" is treated as corruption.
func (s *Store) integrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.GetContext(ctx, &result, "PRAGMA integrity_check"); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check returned %q", result)
	}
	return nil
}

// ReadOnly reports whether the Store has flipped to read-only after a
// failed integrity check.
func (s *Store) ReadOnly() bool {
	return s.readOnly.Load()
}

// checkWritable returns ErrStoreCorrupt if the store is read-only, the
// guard every mutating method calls before touching the database.
func (s *Store) checkWritable() error {
	if s.readOnly.Load() {
		return core.NewError("store.checkWritable", "store", core.ErrStoreCorrupt)
	}
	return nil
}

// DB exposes the underlying *sqlx.DB for packages (vectorindex) that need
// direct access to load SQLite extensions or run ad-hoc queries.
func (s *Store) DB() *sqlx.DB { return s.db }

// newStoreOverDB builds a Store directly over an already-open *sqlx.DB,
// skipping Open's file-opening and migration steps. Used by store_test.go to
// exercise WithTx's retry/fail-fast classification against a go-sqlmock
// driver, where no real migration or integrity check makes sense.
func newStoreOverDB(db *sqlx.DB, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Store{db: db, logger: logger}
}

// txRetryConfig governs the transient-I/O retry for store-busy conditions:
// exponential backoff up to 3 attempts through resilience.Retry. WithTx is
// the only caller of resilience.Retry in this module; the voter isolates
// node dials with per-node circuit breakers instead.
var txRetryConfig = &resilience.RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  20 * time.Millisecond,
	MaxDelay:      500 * time.Millisecond,
	BackoffFactor: 2.0,
	JitterEnabled: true,
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise — in-flight writes complete or roll back whole, never
// half-written, even under cancellation. A SQLITE_BUSY/"database is
// locked" failure is classified transient and retried with backoff via
// resilience.Retry; every other error from fn (validation, not-found) is
// captured and returned immediately on the first attempt, failing fast
// rather than retrying.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := s.checkWritable(); err != nil {
		return err
	}

	var finalErr error
	busyErr := resilience.Retry(ctx, txRetryConfig, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			if isBusyErr(err) {
				return err
			}
			finalErr = core.NewError("store.WithTx", "store", err)
			return nil
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isBusyErr(err) {
				return err
			}
			finalErr = err
			return nil
		}
		if err := tx.Commit(); err != nil {
			if isBusyErr(err) {
				return err
			}
			finalErr = core.NewError("store.WithTx", "store", err)
			return nil
		}
		return nil
	})
	if busyErr != nil {
		return core.NewError("store.WithTx", "store", fmt.Errorf("%w: %v", core.ErrStoreBusy, busyErr))
	}
	return finalErr
}

// isBusyErr reports whether err looks like SQLite's "database is locked"
// transient condition, the only class of store error this package retries.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "busy")
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsNoRows reports whether err is sql.ErrNoRows, wrapped or bare.
func IsNoRows(err error) bool {
	return err == sql.ErrNoRows
}
