package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/urpmd/urpmd/pkg/types"
)

// AddMedia inserts a new media entry and seeds its mirror_config row with
// share_enabled=false, matching the round-trip invariant that
// add_media(X); remove_media(X) leaves the store bit-identical.
func (s *Store) AddMedia(ctx context.Context, m *types.Media) error {
	return s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO media (name, short_name, version, arch, relative_path, is_official,
				enabled, update_media, priority, sync_files, shared, replication,
				quota_bytes, retention_days, synthesis_digest)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Name, m.ShortName, m.Version, m.Arch, m.RelativePath, m.IsOfficial,
			m.Enabled, m.UpdateMedia, m.Priority, m.SyncFiles, m.Shared, string(m.Replication),
			m.QuotaBytes, m.RetentionDays, m.SynthesisDigest)
		if err != nil {
			return fmt.Errorf("failed to insert media: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		m.ID = id

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mirror_config (media_id, share_enabled) VALUES (?, 0)`, id); err != nil {
			return fmt.Errorf("failed to seed mirror_config: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fts_state (media_id, is_current) VALUES (?, 0)`, id); err != nil {
			return fmt.Errorf("failed to seed fts_state: %w", err)
		}

		return tx.Commit()
	})
}

// RemoveMedia deletes a media entry; ON DELETE CASCADE removes its
// packages, capabilities, files, mirror_config, and fts_state rows along
// with it, leaving no orphans. The FTS mirror is a virtual table outside
// the foreign-key graph, so its rows are cleared explicitly in the same
// commit.
func (s *Store) RemoveMedia(ctx context.Context, name string) error {
	return s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var id int64
		if err := tx.GetContext(ctx, &id, `SELECT id FROM media WHERE name = ?`, name); err != nil {
			return fmt.Errorf("failed to look up media %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM package_files_fts WHERE media_id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear fts mirror for media %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove media %s: %w", name, err)
		}
		return tx.Commit()
	})
}

// GetMedia fetches a single media by name.
func (s *Store) GetMedia(ctx context.Context, name string) (*types.Media, error) {
	var m types.Media
	err := s.db.GetContext(ctx, &m, `SELECT * FROM media WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get media %s: %w", name, err)
	}
	return &m, nil
}

// ListMedia returns all configured media ordered by descending priority.
func (s *Store) ListMedia(ctx context.Context) ([]*types.Media, error) {
	var media []*types.Media
	err := s.db.SelectContext(ctx, &media, `SELECT * FROM media ORDER BY priority DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	return media, nil
}

// ListMediaForSharing returns only media with mirror_config.share_enabled
// set, applying the disabled_versions filter that the Open Questions
// section resolves as scoped to this listing path only.
func (s *Store) ListMediaForSharing(ctx context.Context) ([]*types.Media, error) {
	type row struct {
		types.Media
		DisabledVersions string `db:"disabled_versions"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT m.*, mc.disabled_versions FROM media m
		JOIN mirror_config mc ON mc.media_id = m.id
		WHERE m.enabled = 1 AND mc.share_enabled = 1
		ORDER BY m.priority DESC, m.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list shareable media: %w", err)
	}

	media := make([]*types.Media, 0, len(rows))
	for i := range rows {
		if versionDisabled(rows[i].DisabledVersions, rows[i].Media.Version) {
			continue
		}
		m := rows[i].Media
		media = append(media, &m)
	}
	return media, nil
}

// versionDisabled checks a media version against mirror_config's
// comma-separated disabled_versions globs.
func versionDisabled(disabled, version string) bool {
	for _, g := range strings.Split(disabled, ",") {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if globMatch(g, version) {
			return true
		}
	}
	return false
}

// SetMediaSyncFiles toggles whether a media's files index is mirrored on
// sync.
func (s *Store) SetMediaSyncFiles(ctx context.Context, name string, syncFiles bool) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE media SET sync_files = ? WHERE name = ?`, syncFiles, name)
		if err != nil {
			return fmt.Errorf("failed to set media %s sync_files=%v: %w", name, syncFiles, err)
		}
		return nil
	})
}

// UpdateMediaMirrorSettings rewrites a media's mirror_config row: whether
// its cache is served to peers and which distribution versions sharing is
// disabled for.
func (s *Store) UpdateMediaMirrorSettings(ctx context.Context, name string, shareEnabled bool, disabledVersions []string) error {
	return s.withLockRetry(ctx, func() error {
		m, err := s.GetMedia(ctx, name)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE mirror_config SET share_enabled = ?, disabled_versions = ? WHERE media_id = ?`,
			shareEnabled, strings.Join(disabledVersions, ","), m.ID)
		if err != nil {
			return fmt.Errorf("failed to update mirror settings for %s: %w", name, err)
		}
		return nil
	})
}

// GetMirrorConfig reads a media's mirror_config row.
func (s *Store) GetMirrorConfig(ctx context.Context, mediaID int64) (*types.MirrorConfig, error) {
	var row struct {
		ShareEnabled bool   `db:"share_enabled"`
		Disabled     string `db:"disabled_versions"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT share_enabled, disabled_versions FROM mirror_config WHERE media_id = ?`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to get mirror config for media %d: %w", mediaID, err)
	}
	mc := &types.MirrorConfig{Enabled: row.ShareEnabled}
	for _, v := range strings.Split(row.Disabled, ",") {
		if v = strings.TrimSpace(v); v != "" {
			mc.DisabledVersions = append(mc.DisabledVersions, v)
		}
	}
	return mc, nil
}

// SetMediaEnabled toggles a media's enabled flag.
func (s *Store) SetMediaEnabled(ctx context.Context, name string, enabled bool) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE media SET enabled = ? WHERE name = ?`, enabled, name)
		if err != nil {
			return fmt.Errorf("failed to set media %s enabled=%v: %w", name, enabled, err)
		}
		return nil
	})
}

// TouchMediaSync records the time a media's index was last synchronized.
func (s *Store) TouchMediaSync(ctx context.Context, mediaID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media SET last_sync = CURRENT_TIMESTAMP WHERE id = ?`, mediaID)
	if err != nil {
		return fmt.Errorf("failed to touch media sync time: %w", err)
	}
	return nil
}

// CountMedia satisfies pkg/metrics.StatsSource.
func (s *Store) CountMedia(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM media`); err != nil {
		return 0, fmt.Errorf("failed to count media: %w", err)
	}
	return n, nil
}
