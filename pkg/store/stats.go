package store

import (
	"context"
	"fmt"
)

// The methods in this file exist to satisfy pkg/metrics.StatsSource, the
// collector's narrow polling interface.

// CountPackagesByMedia returns the package count per media name.
func (s *Store) CountPackagesByMedia(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Name  string `db:"name"`
		Count int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT m.name AS name, COUNT(p.id) AS count
		FROM media m LEFT JOIN packages p ON p.media_id = m.id
		GROUP BY m.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count packages by media: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Count
	}
	return out, nil
}

// CountPins returns the number of configured pin rules.
func (s *Store) CountPins(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pins`); err != nil {
		return 0, fmt.Errorf("failed to count pins: %w", err)
	}
	return n, nil
}

// CountHolds returns the number of held package names.
func (s *Store) CountHolds(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM holds`); err != nil {
		return 0, fmt.Errorf("failed to count holds: %w", err)
	}
	return n, nil
}
