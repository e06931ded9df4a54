package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/types"
)

// ImportFilesXML performs a full replacement of media's files index in one
// SQL transaction: delete the media's old rows and FTS mirror rows, insert
// the new rows with their mirror rows, update FilesXMLState and mark the
// mirror current. Indexes stay in place; batchSize only sets how often
// progressCb is called. iterator yields one PackageFile at a time so the
// caller never has to materialize the whole decompressed files.xml.
func (s *Store) ImportFilesXML(ctx context.Context, mediaID int64, iterator func() (*types.PackageFile, bool), md5 string, compressedSize int64, progressCb func(n int), batchSize int) error {
	if batchSize <= 0 {
		batchSize = 5000
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin files import: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM package_files WHERE media_id = ?`, mediaID); err != nil {
		return fmt.Errorf("failed to clear files for media %d: %w", mediaID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_files_fts WHERE media_id = ?`, mediaID); err != nil {
		return fmt.Errorf("failed to clear fts mirror for media %d: %w", mediaID, err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO package_files (media_id, pkg_nevra, dir_path, base_name) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer stmt.Close()

	ftsStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO package_files_fts (base_name, dir_path, pkg_nevra, media_id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare fts insert: %w", err)
	}
	defer ftsStmt.Close()

	n := 0
	pkgs := make(map[string]bool)
	for {
		pf, ok := iterator()
		if !ok {
			break
		}
		if _, err := stmt.ExecContext(ctx, mediaID, pf.PkgNEVRA, pf.DirPath, pf.Filename); err != nil {
			return fmt.Errorf("failed to insert file %s/%s: %w", pf.DirPath, pf.Filename, err)
		}
		if _, err := ftsStmt.ExecContext(ctx, pf.Filename, pf.DirPath, pf.PkgNEVRA, mediaID); err != nil {
			return fmt.Errorf("failed to insert fts row %s/%s: %w", pf.DirPath, pf.Filename, err)
		}
		pkgs[pf.PkgNEVRA] = true
		n++
		if n%batchSize == 0 && progressCb != nil {
			progressCb(n)
		}
	}
	if progressCb != nil {
		progressCb(n)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files_xml_state (media_id, content_hash, file_count, pkg_count, compressed_size, imported_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (media_id) DO UPDATE SET
			content_hash = excluded.content_hash, file_count = excluded.file_count,
			pkg_count = excluded.pkg_count, compressed_size = excluded.compressed_size,
			imported_at = excluded.imported_at`,
		mediaID, md5, n, len(pkgs), compressedSize); err != nil {
		return fmt.Errorf("failed to update files_xml_state for media %d: %w", mediaID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fts_state (media_id, is_current, last_rebuilt_at, last_offset)
		VALUES (?, 1, CURRENT_TIMESTAMP, ?)
		ON CONFLICT (media_id) DO UPDATE SET is_current = 1, last_rebuilt_at = CURRENT_TIMESTAMP, last_offset = excluded.last_offset`,
		mediaID, n); err != nil {
		return fmt.Errorf("failed to update fts_state for media %d: %w", mediaID, err)
	}

	return tx.Commit()
}

// ImportFilesXMLStaged is the maximum-throughput variant of
// ImportFilesXML: rows land in a staging table with no indexes, which is
// then renamed over the live table once complete. Rows of other media are
// copied into the staging table first, so the rename keeps them. The FTS
// mirror is not written; mediaID's mirror is marked stale instead.
func (s *Store) ImportFilesXMLStaged(ctx context.Context, mediaID int64, iterator func() (*types.PackageFile, bool), md5 string, compressedSize int64, progressCb func(n int), batchSize int) error {
	if batchSize <= 0 {
		batchSize = 5000
	}

	if err := s.BeginBulkImport(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.EndBulkImport(context.WithoutCancel(ctx)); err != nil {
			storeLog := log.WithComponent("store")
			storeLog.Warn().Err(err).Msg("failed to restore durability pragmas after bulk import")
		}
	}()

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS package_files_staging`); err != nil {
		return fmt.Errorf("failed to drop stale staging table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE package_files_staging (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			media_id INTEGER NOT NULL REFERENCES media(id) ON DELETE CASCADE,
			pkg_nevra TEXT NOT NULL,
			dir_path TEXT NOT NULL,
			base_name TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin staged import: %w", err)
	}
	defer tx.Rollback()

	// Carry rows belonging to other media over, so the rename doesn't
	// drop them along with mediaID's stale index.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO package_files_staging (media_id, pkg_nevra, dir_path, base_name)
		SELECT media_id, pkg_nevra, dir_path, base_name FROM package_files WHERE media_id != ?`,
		mediaID); err != nil {
		return fmt.Errorf("failed to carry over other media rows: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO package_files_staging (media_id, pkg_nevra, dir_path, base_name) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare staging insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	pkgs := make(map[string]bool)
	for {
		pf, ok := iterator()
		if !ok {
			break
		}
		if _, err := stmt.ExecContext(ctx, mediaID, pf.PkgNEVRA, pf.DirPath, pf.Filename); err != nil {
			return fmt.Errorf("failed to stage file %s/%s: %w", pf.DirPath, pf.Filename, err)
		}
		pkgs[pf.PkgNEVRA] = true
		n++
		if n%batchSize == 0 && progressCb != nil {
			progressCb(n)
		}
	}
	if progressCb != nil {
		progressCb(n)
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE package_files`); err != nil {
		return fmt.Errorf("failed to drop live files table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE package_files_staging RENAME TO package_files`); err != nil {
		return fmt.Errorf("failed to rename staging table into place: %w", err)
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_package_files_basename ON package_files(base_name)`,
		`CREATE INDEX IF NOT EXISTS idx_package_files_media ON package_files(media_id)`,
	} {
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to recreate files index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files_xml_state (media_id, content_hash, file_count, pkg_count, compressed_size, imported_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (media_id) DO UPDATE SET
			content_hash = excluded.content_hash, file_count = excluded.file_count,
			pkg_count = excluded.pkg_count, compressed_size = excluded.compressed_size,
			imported_at = excluded.imported_at`,
		mediaID, md5, n, len(pkgs), compressedSize); err != nil {
		return fmt.Errorf("failed to update files_xml_state for media %d: %w", mediaID, err)
	}
	// The staging path never writes the FTS mirror inline; mark it stale
	// so searches fall back to LIKE until RebuildFTSIndex runs.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fts_state (media_id, is_current) VALUES (?, 0)
		ON CONFLICT (media_id) DO UPDATE SET is_current = 0`, mediaID); err != nil {
		return fmt.Errorf("failed to mark fts stale for media %d: %w", mediaID, err)
	}

	return tx.Commit()
}

// GetFilesXMLState reads a media's files-index sync bookkeeping; callers
// compare content_hash against a freshly fetched files.xml digest to
// detect "already up-to-date".
func (s *Store) GetFilesXMLState(ctx context.Context, mediaID int64) (*types.FilesXMLState, error) {
	var st types.FilesXMLState
	err := s.db.GetContext(ctx, &st, `
		SELECT media_id, content_hash, file_count, pkg_count, compressed_size, imported_at
		FROM files_xml_state WHERE media_id = ?`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to get files_xml_state for media %d: %w", mediaID, err)
	}
	return &st, nil
}

// DeletePackageFilesByNEVRA removes the files owned by the given NEVRAs
// (a media's differential sync removing packages that disappeared from
// the index), keeping the FTS mirror synchronized inline.
func (s *Store) DeletePackageFilesByNEVRA(ctx context.Context, mediaID int64, nevras []string) error {
	if len(nevras) == 0 {
		return nil
	}
	return s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		query, args, err := sqlxIn(`DELETE FROM package_files WHERE media_id = ? AND pkg_nevra IN (?)`, mediaID, nevras)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete package_files for %d nevras: %w", len(nevras), err)
		}

		ftsQuery, ftsArgs, err := sqlxIn(`DELETE FROM package_files_fts WHERE media_id = ? AND pkg_nevra IN (?)`, mediaID, nevras)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, ftsQuery, ftsArgs...); err != nil {
			return fmt.Errorf("failed to delete fts rows for %d nevras: %w", len(nevras), err)
		}

		return tx.Commit()
	})
}

// InsertPackageFilesBatch adds the files owned by one newly-synced
// package, synchronizing the FTS mirror inline (the differential-sync
// counterpart to DeletePackageFilesByNEVRA).
func (s *Store) InsertPackageFilesBatch(ctx context.Context, mediaID int64, nevra string, files []types.PackageFile) error {
	if len(files) == 0 {
		return nil
	}
	return s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, f := range files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO package_files (media_id, pkg_nevra, dir_path, base_name) VALUES (?, ?, ?, ?)`,
				mediaID, nevra, f.DirPath, f.Filename); err != nil {
				return fmt.Errorf("failed to insert file %s/%s: %w", f.DirPath, f.Filename, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO package_files_fts (base_name, dir_path, pkg_nevra, media_id) VALUES (?, ?, ?, ?)`,
				f.Filename, f.DirPath, nevra, mediaID); err != nil {
				return fmt.Errorf("failed to insert fts row %s/%s: %w", f.DirPath, f.Filename, err)
			}
		}

		return tx.Commit()
	})
}

// IsFTSIndexCurrent reports whether the FTS mirror may be trusted for a
// media (or, with mediaID=0, for all media).
func (s *Store) IsFTSIndexCurrent(ctx context.Context, mediaID int64) (bool, error) {
	var current bool
	var err error
	if mediaID == 0 {
		err = s.db.GetContext(ctx, &current, `SELECT COALESCE(MIN(is_current), 0) FROM fts_state`)
	} else {
		err = s.db.GetContext(ctx, &current, `SELECT is_current FROM fts_state WHERE media_id = ?`, mediaID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to check fts currency: %w", err)
	}
	return current, nil
}

// markFTSDirty flags the mirror of mediaID (of every media when mediaID
// is 0) as untrustworthy; subsequent searches fall back to the
// base-table LIKE path until RebuildFTSIndex runs.
func (s *Store) markFTSDirty(ctx context.Context, mediaID int64) {
	query, args := `UPDATE fts_state SET is_current = 0 WHERE media_id = ?`, []any{mediaID}
	if mediaID == 0 {
		query, args = `UPDATE fts_state SET is_current = 0`, nil
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		log.WithComponent("store").Warn().Err(err).Int64("media_id", mediaID).Msg("failed to mark fts dirty")
	}
}

// SearchFiles looks up files by a glob-ish pattern. A pattern containing
// no wildcard is rewritten to match the filename exactly as the last
// path segment ("%/nvim"), not as a substring of any segment. Uses FTS
// when current across all targeted media; on FTS error (corruption), the
// affected media are marked dirty and the call transparently retries
// against the base table.
func (s *Store) SearchFiles(ctx context.Context, pattern string, mediaIDs []int64, limit int) ([]*types.PackageFile, error) {
	likePattern := toLikePattern(pattern)

	// The trigram tokenizer cannot match terms shorter than three
	// characters; those go straight to the base table.
	if len(strings.Trim(pattern, "*?")) < 3 {
		return s.searchFilesLike(ctx, likePattern, mediaIDs, limit)
	}

	allCurrent := true
	if len(mediaIDs) == 0 {
		current, err := s.IsFTSIndexCurrent(ctx, 0)
		if err != nil {
			return nil, err
		}
		allCurrent = current
	} else {
		for _, id := range mediaIDs {
			current, err := s.IsFTSIndexCurrent(ctx, id)
			if err != nil {
				return nil, err
			}
			if !current {
				allCurrent = false
				break
			}
		}
	}

	if allCurrent {
		rows, err := s.searchFilesFTS(ctx, pattern, mediaIDs, limit)
		if err == nil {
			return rows, nil
		}
		if !isFTSCorruption(err) {
			return nil, err
		}
		log.WithComponent("store").Warn().Err(err).Msg("fts query failed, marking dirty and falling back to LIKE")
		if len(mediaIDs) == 0 {
			s.markFTSDirty(ctx, 0)
		}
		for _, id := range mediaIDs {
			s.markFTSDirty(ctx, id)
		}
	}

	return s.searchFilesLike(ctx, likePattern, mediaIDs, limit)
}

func (s *Store) searchFilesFTS(ctx context.Context, pattern string, mediaIDs []int64, limit int) ([]*types.PackageFile, error) {
	query := `
		SELECT rowid AS id, media_id, pkg_nevra, dir_path, base_name
		FROM package_files_fts
		WHERE package_files_fts MATCH ?`
	args := []any{ftsMatchExpr(pattern)}

	// A bare pattern matches the filename exactly; the MATCH clause only
	// narrows the scan, the equality carries the semantics.
	if !strings.ContainsAny(pattern, "*?") {
		query += ` AND base_name = ?`
		args = append(args, pattern)
	}

	if len(mediaIDs) > 0 {
		cond, in, err := sqlxIn(` AND media_id IN (?)`, mediaIDs)
		if err != nil {
			return nil, err
		}
		query += cond
		args = append(args, in...)
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var files []types.PackageFile
	if err := s.db.SelectContext(ctx, &files, query, args...); err != nil {
		return nil, err
	}
	out := make([]*types.PackageFile, 0, len(files))
	for i := range files {
		out = append(out, &files[i])
	}
	return out, nil
}

func (s *Store) searchFilesLike(ctx context.Context, likePattern string, mediaIDs []int64, limit int) ([]*types.PackageFile, error) {
	query := `SELECT id, media_id, pkg_nevra, dir_path, base_name FROM package_files WHERE (dir_path || '/' || base_name) LIKE ?`
	args := []any{likePattern}

	if len(mediaIDs) > 0 {
		cond, in, err := sqlxIn(` AND media_id IN (?)`, mediaIDs)
		if err != nil {
			return nil, err
		}
		query += cond
		args = append(args, in...)
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var files []types.PackageFile
	if err := s.db.SelectContext(ctx, &files, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search files by LIKE: %w", err)
	}
	out := make([]*types.PackageFile, 0, len(files))
	for i := range files {
		out = append(out, &files[i])
	}
	return out, nil
}

// toLikePattern rewrites a bare (wildcard-free) pattern into a
// last-path-segment exact match; a pattern already containing a glob is
// passed through with '*'/'?' translated to SQL LIKE wildcards.
func toLikePattern(pattern string) string {
	if !strings.ContainsAny(pattern, "*?") {
		return "%/" + pattern
	}
	r := strings.NewReplacer("*", "%", "?", "_")
	return r.Replace(pattern)
}

// ftsMatchExpr builds an fts5 trigram MATCH expression; trigram
// tokenizers match substrings directly, and with no column filter the
// query covers both base_name and dir_path, mirroring the LIKE
// fallback's match against the joined full path.
func ftsMatchExpr(pattern string) string {
	clean := strings.Trim(pattern, "*?")
	if clean == "" {
		clean = pattern
	}
	return `"` + strings.ReplaceAll(clean, `"`, `""`) + `"`
}

func isFTSCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "fts5") || strings.Contains(msg, "malformed") || strings.Contains(msg, "database disk image is malformed")
}

// RebuildFTSIndex rebuilds the trigram mirror for mediaID from scratch.
// A failed batch clears the media's mirror rows and restarts from offset
// 0, for at most three attempts in all; after the third failure the
// error is returned. Progress is reported in batches of 50k rows;
// each batch commits so concurrent readers aren't blocked for the whole
// rebuild.
func (s *Store) RebuildFTSIndex(ctx context.Context, mediaID int64, progressCb func(done int)) error {
	const batchSize = 50000
	logger := log.WithComponent("store").With().Int64("media_id", mediaID).Logger()

	for attempt := 0; ; attempt++ {
		if err := s.dropAndRecreateFTS(ctx, mediaID); err != nil {
			return fmt.Errorf("failed to reset fts mirror for media %d: %w", mediaID, err)
		}

		offset := 0
		failed := false
		for {
			n, err := s.rebuildFTSBatch(ctx, mediaID, offset, batchSize)
			if err != nil {
				logger.Warn().Err(err).Int("offset", offset).Int("attempt", attempt+1).
					Msg("fts rebuild batch failed, restarting from scratch")
				failed = true
				break
			}
			offset += n
			if progressCb != nil {
				progressCb(offset)
			}
			if n < batchSize {
				break
			}
		}
		if !failed {
			_, err := s.db.ExecContext(ctx, `
				UPDATE fts_state SET is_current = 1, last_rebuilt_at = CURRENT_TIMESTAMP, last_offset = ?
				WHERE media_id = ?`, offset, mediaID)
			if err != nil {
				return fmt.Errorf("failed to mark fts current for media %d: %w", mediaID, err)
			}
			return nil
		}
		if attempt >= 2 {
			return fmt.Errorf("fts rebuild for media %d failed after %d attempts", mediaID, attempt+1)
		}
	}
}

func (s *Store) dropAndRecreateFTS(ctx context.Context, mediaID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM package_files_fts WHERE media_id = ?`, mediaID)
	return err
}

func (s *Store) rebuildFTSBatch(ctx context.Context, mediaID int64, offset, limit int) (int, error) {
	var rows []types.PackageFile
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, media_id, pkg_nevra, dir_path, base_name FROM package_files
		WHERE media_id = ? ORDER BY id LIMIT ? OFFSET ?`, mediaID, limit, offset)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, f := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO package_files_fts (base_name, dir_path, pkg_nevra, media_id) VALUES (?, ?, ?, ?)`,
			f.Filename, f.DirPath, f.PkgNEVRA, mediaID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}
