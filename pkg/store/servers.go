package store

import (
	"context"
	"fmt"

	"github.com/urpmd/urpmd/pkg/types"
)

// AddServer inserts a new mirror endpoint.
func (s *Store) AddServer(ctx context.Context, srv *types.Server) error {
	return s.withLockRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO servers (url, protocol, ip_mode, priority, alive)
			VALUES (?, ?, ?, ?, ?)`,
			serverURL(srv), srv.Protocol, string(srv.IPMode), srv.Priority, srv.Enabled)
		if err != nil {
			return fmt.Errorf("failed to insert server: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		srv.ID = id
		return nil
	})
}

// RemoveServer deletes a server; ON DELETE CASCADE removes its
// server_media links.
func (s *Store) RemoveServer(ctx context.Context, id int64) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to remove server %d: %w", id, err)
		}
		return nil
	})
}

// SetServerPriority updates a server's failover priority.
func (s *Store) SetServerPriority(ctx context.Context, id int64, priority int) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE servers SET priority = ? WHERE id = ?`, priority, id)
		if err != nil {
			return fmt.Errorf("failed to set server %d priority: %w", id, err)
		}
		return nil
	})
}

// SetServerIPMode updates which address family a server is contacted on.
func (s *Store) SetServerIPMode(ctx context.Context, id int64, mode types.IPMode) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE servers SET ip_mode = ? WHERE id = ?`, string(mode), id)
		if err != nil {
			return fmt.Errorf("failed to set server %d ip_mode: %w", id, err)
		}
		return nil
	})
}

// LinkServerMedia records that a server serves a media, at a given
// relative path override (empty = use the media's own relative_path).
func (s *Store) LinkServerMedia(ctx context.Context, serverID, mediaID int64, relativePath string) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO server_media (server_id, media_id, relative_path)
			VALUES (?, ?, ?)
			ON CONFLICT (server_id, media_id) DO UPDATE SET relative_path = excluded.relative_path`,
			serverID, mediaID, relativePath)
		if err != nil {
			return fmt.Errorf("failed to link server %d to media %d: %w", serverID, mediaID, err)
		}
		return nil
	})
}

// GetServersForMedia returns the servers serving mediaID, ordered by
// priority descending and tie-broken by name (here, by url) for a
// deterministic failover order. When enabledOnly is set, disabled
// servers are excluded.
func (s *Store) GetServersForMedia(ctx context.Context, mediaID int64, enabledOnly bool) ([]*types.Server, error) {
	query := `
		SELECT s.* FROM servers s
		JOIN server_media sm ON sm.server_id = s.id
		WHERE sm.media_id = ?`
	if enabledOnly {
		query += ` AND s.alive = 1`
	}
	query += ` ORDER BY s.priority DESC, s.url`

	var rows []serverRow
	if err := s.db.SelectContext(ctx, &rows, query, mediaID); err != nil {
		return nil, fmt.Errorf("failed to list servers for media %d: %w", mediaID, err)
	}

	out := make([]*types.Server, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toServer())
	}
	return out, nil
}

// serverRow mirrors the servers table; Server itself doesn't have a
// single db-friendly "url" column so the row is unpacked/repacked here.
type serverRow struct {
	ID       int64  `db:"id"`
	URL      string `db:"url"`
	Protocol string `db:"protocol"`
	IPMode   string `db:"ip_mode"`
	Priority int    `db:"priority"`
	Alive    bool   `db:"alive"`
}

func (r serverRow) toServer() *types.Server {
	host, basePath := splitServerURL(r.URL)
	return &types.Server{
		ID:       r.ID,
		Name:     r.URL,
		Protocol: r.Protocol,
		Host:     host,
		BasePath: basePath,
		Enabled:  r.Alive,
		Priority: r.Priority,
		IPMode:   types.IPMode(r.IPMode),
	}
}

func serverURL(srv *types.Server) string {
	return srv.Protocol + "://" + srv.Host + srv.BasePath
}

func splitServerURL(url string) (host, basePath string) {
	rest := url
	if i := indexAfterScheme(url); i >= 0 {
		rest = url[i:]
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i:]
		}
	}
	return rest, ""
}

func indexAfterScheme(url string) int {
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			return i + 3
		}
	}
	return -1
}
