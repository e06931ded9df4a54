// Package store is urpmd's relational package database: media and the
// servers that mirror them, the package and capability index, the files
// index and its FTS5 trigram mirror, pins and holds, transaction history,
// and peer/cache accounting.
//
// Built on modernc.org/sqlite + jmoiron/sqlx, one file per entity
// group: the files index needs an FTS5 trigram virtual table and the
// package/capability graph needs compound indexes and foreign-key
// cascades, so a relational engine rather than a key-value store.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/urpmd/urpmd/pkg/log"
)

//go:embed schema/schema.sql
var schemaSQL string

// Store is the package database handle. All methods are safe for
// concurrent use: SQLite serializes writers internally, and reads run
// against the same *sqlx.DB connection pool.
type Store struct {
	db            *sqlx.DB
	lockRetries   int
	lockBaseDelay time.Duration
}

// Options configures Open.
type Options struct {
	// LockRetries/LockBaseDelay govern the commit-under-contention
	// backoff used by CompleteTransaction/AbortTransaction: up to
	// LockRetries attempts with linearly growing delay starting at
	// LockBaseDelay, because a separate daemon process may hold a
	// write lock during an RPM-database sync.
	LockRetries   int
	LockBaseDelay time.Duration
}

// DefaultOptions mirrors the source implementation's defaults: up to 10
// attempts with a 0.5s base delay growing linearly.
func DefaultOptions() Options {
	return Options{LockRetries: 10, LockBaseDelay: 500 * time.Millisecond}
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. WAL mode is enabled for concurrent readers during
// background daemon writes.
func Open(path string, opts Options) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if opts.LockRetries == 0 {
		opts = DefaultOptions()
	}

	return &Store{db: db, lockRetries: opts.LockRetries, lockBaseDelay: opts.LockBaseDelay}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginBulkImport toggles pragmas favoring throughput over durability
// for the duration of a large files.xml import; callers must restore
// safe settings with EndBulkImport when done.
func (s *Store) BeginBulkImport(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-64000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}
	return nil
}

// EndBulkImport restores the durability pragmas BeginBulkImport relaxed.
func (s *Store) EndBulkImport(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=DEFAULT",
		"PRAGMA cache_size=-2000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to restore %s: %w", pragma, err)
		}
	}
	return nil
}

// withLockRetry runs fn, retrying on SQLITE_BUSY/locked errors with
// linearly growing backoff plus jitter, up to s.lockRetries attempts. A
// separate daemon process syncing the RPM database may briefly hold an
// exclusive lock; this absorbs that contention instead of failing the
// caller's transaction outright.
func (s *Store) withLockRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.lockRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isLockedErr(lastErr) {
			return lastErr
		}

		delay := s.lockBaseDelay * time.Duration(attempt+1)
		delay += time.Duration(rand.Int63n(int64(s.lockBaseDelay / 4)))

		storeLog := log.WithComponent("store")
		storeLog.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("store write contended, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("store write failed after %d attempts: %w", s.lockRetries, lastErr)
}

func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}
