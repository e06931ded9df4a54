package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urpmd/urpmd/pkg/types"
)

// AddPin inserts a new (package_pattern, media_pattern, priority) rule.
func (s *Store) AddPin(ctx context.Context, p *types.Pin) error {
	return s.withLockRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO pins (name, media_glob, version_glob, priority) VALUES (?, ?, ?, ?)
			ON CONFLICT (name, media_glob, version_glob) DO UPDATE SET priority = excluded.priority`,
			p.PackagePattern, patternOrStar(p.MediaPattern), patternOrStar(p.VersionPattern), p.Priority)
		if err != nil {
			return fmt.Errorf("failed to add pin for %s: %w", p.PackagePattern, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			p.ID = id
		}
		return nil
	})
}

// RemovePin deletes a pin by id.
func (s *Store) RemovePin(ctx context.Context, id int64) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pins WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to remove pin %d: %w", id, err)
		}
		return nil
	})
}

// ListPins returns every configured pin.
func (s *Store) ListPins(ctx context.Context) ([]*types.Pin, error) {
	var rows []pinRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, media_glob, version_glob, priority FROM pins`); err != nil {
		return nil, fmt.Errorf("failed to list pins: %w", err)
	}
	out := make([]*types.Pin, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPin())
	}
	return out, nil
}

type pinRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	MediaGlob   string `db:"media_glob"`
	VersionGlob string `db:"version_glob"`
	Priority    int    `db:"priority"`
}

func (r pinRow) toPin() *types.Pin {
	return &types.Pin{ID: r.ID, PackagePattern: r.Name, MediaPattern: r.MediaGlob, Priority: r.Priority, VersionPattern: r.VersionGlob}
}

// GetPinPriority returns the highest matching pin's priority for (pkg,
// media); patterns are simple globs matched with filepath.Match. If no
// pin matches, defaultPriority (the media's own priority) is returned.
func (s *Store) GetPinPriority(ctx context.Context, pkgName, mediaName string, defaultPriority int) (int, error) {
	pins, err := s.ListPins(ctx)
	if err != nil {
		return 0, err
	}

	best := defaultPriority
	matched := false
	for _, p := range pins {
		if !globMatch(p.PackagePattern, pkgName) {
			continue
		}
		if p.MediaPattern != "" && !globMatch(p.MediaPattern, mediaName) {
			continue
		}
		if !matched || p.Priority > best {
			best = p.Priority
			matched = true
		}
	}
	return best, nil
}

func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := filepath.Match(pattern, name)
	if err != nil {
		return strings.EqualFold(pattern, name)
	}
	return ok
}

func patternOrStar(p string) string {
	if p == "" {
		return "*"
	}
	return p
}

// AddHold freezes name against upgrade and obsoletes-replacement.
func (s *Store) AddHold(ctx context.Context, name string) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO holds (name) VALUES (?)`, name)
		if err != nil {
			return fmt.Errorf("failed to hold %s: %w", name, err)
		}
		return nil
	})
}

// RemoveHold lifts a hold.
func (s *Store) RemoveHold(ctx context.Context, name string) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM holds WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("failed to unhold %s: %w", name, err)
		}
		return nil
	})
}

// IsHeld reports whether name is currently frozen.
func (s *Store) IsHeld(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM holds WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to check hold on %s: %w", name, err)
	}
	return n > 0, nil
}

// ListHolds returns every held package name.
func (s *Store) ListHolds(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT name FROM holds ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	return names, nil
}
