package store

import (
	"context"
	"fmt"

	"github.com/urpmd/urpmd/pkg/types"
)

// RecordCacheFile registers a freshly downloaded RPM in the cache
// accounting table, marking it referenced (it just came from the
// current synthesis run that requested it).
func (s *Store) RecordCacheFile(ctx context.Context, cf *types.CacheFile) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cache_files (filename, media_id, file_path, bytes, source, is_referenced)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT (filename) DO UPDATE SET
				media_id = excluded.media_id, file_path = excluded.file_path,
				bytes = excluded.bytes, source = excluded.source,
				last_accessed = CURRENT_TIMESTAMP, is_referenced = 1`,
			cf.Filename, cf.MediaID, cf.FilePath, cf.FileSize, cf.Source)
		if err != nil {
			return fmt.Errorf("failed to record cache file %s: %w", cf.Filename, err)
		}
		return nil
	})
}

// GetCacheFile looks up a cached file's accounting row by filename.
func (s *Store) GetCacheFile(ctx context.Context, filename string) (*types.CacheFile, error) {
	var cf types.CacheFile
	err := s.db.GetContext(ctx, &cf, `
		SELECT filename, media_id, file_path, bytes, source, cached_at, last_accessed, is_referenced
		FROM cache_files WHERE filename = ?`, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache file %s: %w", filename, err)
	}
	return &cf, nil
}

// TouchCacheFile bumps a cached file's last-access time (a cache hit in
// the download coordinator counts as access for age-based eviction).
func (s *Store) TouchCacheFile(ctx context.Context, filename string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_files SET last_accessed = CURRENT_TIMESTAMP WHERE filename = ?`, filename)
	if err != nil {
		return fmt.Errorf("failed to touch cache file %s: %w", filename, err)
	}
	return nil
}

// RefreshCacheReferences recomputes is_referenced for one media:
// filenames still present in the current synthesis stay referenced,
// everything else for that media becomes an eviction candidate.
func (s *Store) RefreshCacheReferences(ctx context.Context, mediaID int64, currentFilenames []string) error {
	return s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`UPDATE cache_files SET is_referenced = 0 WHERE media_id = ?`, mediaID); err != nil {
			return fmt.Errorf("failed to clear cache references for media %d: %w", mediaID, err)
		}
		if len(currentFilenames) > 0 {
			query, args, err := sqlxIn(
				`UPDATE cache_files SET is_referenced = 1 WHERE media_id = ? AND filename IN (?)`,
				mediaID, currentFilenames)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to mark cache references for media %d: %w", mediaID, err)
			}
		}
		return tx.Commit()
	})
}

// ListCacheFiles returns every cache accounting row, for `cache info`
// and quota/eviction passes.
func (s *Store) ListCacheFiles(ctx context.Context) ([]*types.CacheFile, error) {
	var rows []*types.CacheFile
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT filename, media_id, file_path, bytes, source, cached_at, last_accessed, is_referenced
		FROM cache_files ORDER BY cached_at`); err != nil {
		return nil, fmt.Errorf("failed to list cache files: %w", err)
	}
	return rows, nil
}

// ListEvictableCacheFiles returns unreferenced rows oldest-access-first,
// the order quota/retention eviction deletes them in.
func (s *Store) ListEvictableCacheFiles(ctx context.Context) ([]*types.CacheFile, error) {
	var rows []*types.CacheFile
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT filename, media_id, file_path, bytes, source, cached_at, last_accessed, is_referenced
		FROM cache_files WHERE is_referenced = 0 ORDER BY last_accessed`); err != nil {
		return nil, fmt.Errorf("failed to list evictable cache files: %w", err)
	}
	return rows, nil
}

// RemoveCacheFile deletes the accounting row for a filename (the caller
// is responsible for removing the file on disk).
func (s *Store) RemoveCacheFile(ctx context.Context, filename string) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM cache_files WHERE filename = ?`, filename)
		if err != nil {
			return fmt.Errorf("failed to remove cache file %s: %w", filename, err)
		}
		return nil
	})
}

// CacheSize returns the total accounted cache size in bytes.
func (s *Store) CacheSize(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(bytes), 0) FROM cache_files`); err != nil {
		return 0, fmt.Errorf("failed to compute cache size: %w", err)
	}
	return total, nil
}

// CacheStats satisfies pkg/metrics.StatsSource.
func (s *Store) CacheStats(ctx context.Context) (int, int64, error) {
	var row struct {
		Files int   `db:"files"`
		Bytes int64 `db:"bytes"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS files, COALESCE(SUM(bytes), 0) AS bytes FROM cache_files`); err != nil {
		return 0, 0, fmt.Errorf("failed to compute cache stats: %w", err)
	}
	return row.Files, row.Bytes, nil
}
