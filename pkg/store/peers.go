package store

import (
	"context"
	"fmt"

	"github.com/urpmd/urpmd/pkg/types"
)

// RecordPeerDownload inserts a provenance row tying a cached file to the
// peer it came from.
func (s *Store) RecordPeerDownload(ctx context.Context, pd *types.PeerDownload) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO peer_downloads (peer_host, peer_port, filename, file_path, bytes, sha256, verified)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pd.PeerHost, pd.PeerPort, pd.Filename, pd.FilePath, pd.Size, pd.SHA256, pd.Verified)
		if err != nil {
			return fmt.Errorf("failed to record peer download %s: %w", pd.Filename, err)
		}
		return nil
	})
}

// ListPeerDownloadsByHost returns every provenance row attributed to a
// peer host, used by `peer clean` to find files to delete.
func (s *Store) ListPeerDownloadsByHost(ctx context.Context, host string) ([]*types.PeerDownload, error) {
	var rows []*types.PeerDownload
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, filename, file_path, peer_host, peer_port, bytes, sha256, verified, downloaded_at
		FROM peer_downloads
		WHERE peer_host = ? ORDER BY downloaded_at DESC`, host); err != nil {
		return nil, fmt.Errorf("failed to list peer downloads for %s: %w", host, err)
	}
	return rows, nil
}

// DeletePeerDownloadsByHost drops every provenance row attributed to a
// peer host, the bookkeeping half of `peer clean` (the caller deletes
// the files themselves first).
func (s *Store) DeletePeerDownloadsByHost(ctx context.Context, host string) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM peer_downloads WHERE peer_host = ?`, host)
		if err != nil {
			return fmt.Errorf("failed to delete peer downloads for %s: %w", host, err)
		}
		return nil
	})
}

// BlacklistPeer excludes (host, port) from discovery results and
// download plans. port=0 blacklists the host on any port.
func (s *Store) BlacklistPeer(ctx context.Context, host string, port int, reason string) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO peer_blacklist (peer_host, peer_port, reason) VALUES (?, ?, ?)
			ON CONFLICT (peer_host, peer_port) DO UPDATE SET reason = excluded.reason, blacklisted_at = CURRENT_TIMESTAMP`,
			host, port, reason)
		if err != nil {
			return fmt.Errorf("failed to blacklist peer %s:%d: %w", host, port, err)
		}
		return nil
	})
}

// UnblacklistPeer removes a blacklist entry.
func (s *Store) UnblacklistPeer(ctx context.Context, host string, port int) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM peer_blacklist WHERE peer_host = ? AND peer_port = ?`, host, port)
		if err != nil {
			return fmt.Errorf("failed to unblacklist peer %s:%d: %w", host, port, err)
		}
		return nil
	})
}

// ListBlacklistedPeers returns every blacklist row.
func (s *Store) ListBlacklistedPeers(ctx context.Context) ([]*types.PeerBlacklist, error) {
	var rows []*types.PeerBlacklist
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT peer_host, peer_port, reason, blacklisted_at FROM peer_blacklist ORDER BY blacklisted_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list blacklisted peers: %w", err)
	}
	return rows, nil
}

// IsPeerBlacklisted reports whether host is blacklisted, either for the
// given port specifically or for any port.
func (s *Store) IsPeerBlacklisted(ctx context.Context, host string, port int) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM peer_blacklist WHERE peer_host = ? AND (peer_port = ? OR peer_port = 0)`,
		host, port)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist for %s:%d: %w", host, port, err)
	}
	return n > 0, nil
}
