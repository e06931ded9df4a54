package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/urpmd/urpmd/pkg/types"
)

// ReplacePackages atomically replaces the full package index for a
// media: all existing packages (and their capability rows, cascaded)
// are removed and replaced with pkgs, inside one commit, so a media
// sync is all-or-nothing.
func (s *Store) ReplacePackages(ctx context.Context, mediaID int64, pkgs []*types.Package) error {
	return s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE media_id = ?`, mediaID); err != nil {
			return fmt.Errorf("failed to clear packages for media %d: %w", mediaID, err)
		}

		for _, p := range pkgs {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO packages (media_id, name, epoch, version, release, arch, nevra,
					summary, pkg_group, filesize, installed_size, filename)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				mediaID, strings.ToLower(p.Name), p.Epoch, p.Version, p.Release, p.Arch, p.NEVRA,
				p.Summary, p.Group, p.FileSize, p.InstalledSize, p.Filename)
			if err != nil {
				return fmt.Errorf("failed to insert package %s: %w", p.NEVRA, err)
			}
			pkgID, err := res.LastInsertId()
			if err != nil {
				return err
			}

			for _, c := range p.Capabilities {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO package_capabilities (package_id, kind, capability, op, evr, has_ver)
					VALUES (?, ?, ?, ?, ?, ?)`,
					pkgID, string(c.Kind), c.Name, string(c.Op), c.EVR, c.HasVer); err != nil {
					return fmt.Errorf("failed to insert capability %s for %s: %w", c.Name, p.NEVRA, err)
				}
			}
		}

		return tx.Commit()
	})
}

// GetPackage fetches a single package by media and NEVRA.
func (s *Store) GetPackage(ctx context.Context, mediaID int64, nevra string) (*types.Package, error) {
	var p types.Package
	err := s.db.GetContext(ctx, &p, `SELECT * FROM packages WHERE media_id = ? AND nevra = ?`, mediaID, nevra)
	if err != nil {
		return nil, fmt.Errorf("failed to get package %s: %w", nevra, err)
	}
	return &p, nil
}

// GetPackageSmart resolves spec as either a bare package name or a full
// NEVRA, returning every match across enabled media ordered by media
// priority, then epoch, version and release descending, with version and
// release compared as text rather than by EVR rules (caller applies pin
// priority and EVR ranking on top).
func (s *Store) GetPackageSmart(ctx context.Context, spec string) ([]*types.Package, error) {
	var pkgs []packageRow

	query := `
		SELECT p.*, m.name AS media_name, m.priority AS media_priority
		FROM packages p
		JOIN media m ON m.id = p.media_id
		WHERE m.enabled = 1 AND (p.nevra = ? OR p.name = ?)
		ORDER BY m.priority DESC, p.epoch DESC, p.version DESC, p.release DESC`

	name := strings.ToLower(spec)
	if err := s.db.SelectContext(ctx, &pkgs, query, spec, name); err != nil {
		return nil, fmt.Errorf("failed to resolve package spec %q: %w", spec, err)
	}

	out := make([]*types.Package, 0, len(pkgs))
	for _, r := range pkgs {
		out = append(out, r.toPackage())
	}
	return out, nil
}

// WhatProvides returns every package across enabled media that provides
// capability, exactly (unversioned match; version-operator filtering is
// the resolver's job once it has candidate rows).
func (s *Store) WhatProvides(ctx context.Context, capability string) ([]*types.Package, error) {
	var pkgs []packageRow

	query := `
		SELECT DISTINCT p.*, m.name AS media_name, m.priority AS media_priority
		FROM packages p
		JOIN package_capabilities c ON c.package_id = p.id
		JOIN media m ON m.id = p.media_id
		WHERE m.enabled = 1 AND c.kind = 'provides' AND c.capability = ?
		ORDER BY m.priority DESC, p.epoch DESC, p.version DESC, p.release DESC`

	if err := s.db.SelectContext(ctx, &pkgs, query, capability); err != nil {
		return nil, fmt.Errorf("failed to resolve whatprovides %q: %w", capability, err)
	}

	out := make([]*types.Package, 0, len(pkgs))
	for _, r := range pkgs {
		out = append(out, r.toPackage())
	}
	return out, nil
}

// WhatRequires is WhatProvides' reverse: every package across enabled
// media that requires capability, for `rdepends`.
func (s *Store) WhatRequires(ctx context.Context, capability string) ([]*types.Package, error) {
	var pkgs []packageRow

	query := `
		SELECT DISTINCT p.*, m.name AS media_name, m.priority AS media_priority
		FROM packages p
		JOIN package_capabilities c ON c.package_id = p.id
		JOIN media m ON m.id = p.media_id
		WHERE m.enabled = 1 AND c.kind = 'requires' AND c.capability = ?
		ORDER BY m.priority DESC, p.name`

	if err := s.db.SelectContext(ctx, &pkgs, query, capability); err != nil {
		return nil, fmt.Errorf("failed to resolve whatrequires %q: %w", capability, err)
	}

	out := make([]*types.Package, 0, len(pkgs))
	for _, r := range pkgs {
		out = append(out, r.toPackage())
	}
	return out, nil
}

// WhatObsoletes returns every package across enabled media declaring an
// obsoletes entry for name, highest media priority first, then epoch,
// version and release descending with version and release compared as
// text — the rename path of a full-system upgrade.
func (s *Store) WhatObsoletes(ctx context.Context, name string) ([]*types.Package, error) {
	var pkgs []packageRow

	query := `
		SELECT DISTINCT p.*, m.name AS media_name, m.priority AS media_priority
		FROM packages p
		JOIN package_capabilities c ON c.package_id = p.id
		JOIN media m ON m.id = p.media_id
		WHERE m.enabled = 1 AND c.kind = 'obsoletes' AND c.capability = ?
		ORDER BY m.priority DESC, p.epoch DESC, p.version DESC, p.release DESC`

	if err := s.db.SelectContext(ctx, &pkgs, query, name); err != nil {
		return nil, fmt.Errorf("failed to resolve whatobsoletes %q: %w", name, err)
	}

	out := make([]*types.Package, 0, len(pkgs))
	for _, r := range pkgs {
		out = append(out, r.toPackage())
	}
	return out, nil
}

// GetCapabilities returns all capability rows of kind for a package.
func (s *Store) GetCapabilities(ctx context.Context, packageID int64, kind types.CapabilityKind) ([]types.Capability, error) {
	var caps []types.Capability
	err := s.db.SelectContext(ctx, &caps, `
		SELECT package_id, kind, capability, op, evr, has_ver
		FROM package_capabilities WHERE package_id = ? AND kind = ?`, packageID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to get %s capabilities for package %d: %w", kind, packageID, err)
	}
	return caps, nil
}

// CountPackages returns the number of package rows across all media.
func (s *Store) CountPackages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM packages`); err != nil {
		return 0, fmt.Errorf("failed to count packages: %w", err)
	}
	return n, nil
}

// packageRow adds the denormalized media_priority column a plain
// types.Package doesn't carry, joined in by the queries above; the
// joined media_name lands in Package.MediaName.
type packageRow struct {
	types.Package
	MediaPriority int `db:"media_priority"`
}

func (r packageRow) toPackage() *types.Package {
	p := r.Package
	return &p
}
