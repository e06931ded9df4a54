package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/urpmd/urpmd/pkg/types"
)

// FindAllOrphans returns every installed package recorded as
// reason=dependency that is no longer required, transitively, by any
// installed package whose reason is explicit.
func (r *Resolver) FindAllOrphans(ctx context.Context) ([]types.Package, error) {
	installed, err := r.loadInstalled(ctx)
	if err != nil {
		return nil, err
	}

	depSet, err := readReasons(r.ReasonsPath)
	if err != nil {
		return nil, err
	}

	required, err := r.transitiveRequiredSet(ctx, installed, depSet)
	if err != nil {
		return nil, err
	}

	var orphans []types.Package
	for _, p := range installed {
		name := strings.ToLower(p.Name)
		if depSet[name] && !required[name] {
			orphans = append(orphans, p)
		}
	}
	return orphans, nil
}

// FindUpgradeOrphans is the incremental variant: given a planned set of
// upgrade actions, returns the packages that become orphans *as a
// consequence* of those upgrades (e.g. an upgraded package drops a
// requirement its old version held), so the façade can propose them for
// removal alongside the upgrade.
func (r *Resolver) FindUpgradeOrphans(ctx context.Context, upgrades []types.PackageAction) ([]types.Package, error) {
	before, err := r.FindAllOrphans(ctx)
	if err != nil {
		return nil, err
	}
	beforeSet := make(map[string]bool, len(before))
	for _, p := range before {
		beforeSet[strings.ToLower(p.Name)] = true
	}

	// Re-derive the required set pretending the upgrades already
	// happened: packages that were required only by the pre-upgrade
	// requires of an upgraded package, and that the new version no
	// longer requires, surface here.
	installed, err := r.loadInstalled(ctx)
	if err != nil {
		return nil, err
	}
	depSet, err := readReasons(r.ReasonsPath)
	if err != nil {
		return nil, err
	}

	upgradedNames := make(map[string]bool, len(upgrades))
	for _, a := range upgrades {
		upgradedNames[strings.ToLower(a.Name)] = true
	}

	// Build a hypothetical installed set where upgraded packages' requires
	// come from the resolver's candidate pool (their new version) instead
	// of the currently installed header.
	requiresOf := func(p types.Package) ([]string, error) {
		if upgradedNames[strings.ToLower(p.Name)] {
			cs, err := r.rankCandidates(ctx, p.Name)
			if err != nil || len(cs.candidates) == 0 {
				return r.packageRequires(ctx, p)
			}
			caps, err := r.store.GetCapabilities(ctx, cs.candidates[0].ID, types.CapRequires)
			if err != nil {
				return r.packageRequires(ctx, p)
			}
			names := make([]string, 0, len(caps))
			for _, c := range caps {
				names = append(names, c.Name)
			}
			return names, nil
		}
		return r.packageRequires(ctx, p)
	}

	required := make(map[string]bool)
	for _, p := range installed {
		reqs, err := requiresOf(p)
		if err != nil {
			continue
		}
		if !depSet[strings.ToLower(p.Name)] {
			for _, n := range reqs {
				required[strings.ToLower(n)] = true
			}
		}
	}
	// Explicit-rooted transitive closure over the hypothetical requires.
	changed := true
	for changed {
		changed = false
		for _, p := range installed {
			name := strings.ToLower(p.Name)
			if !required[name] {
				continue
			}
			reqs, err := requiresOf(p)
			if err != nil {
				continue
			}
			for _, n := range reqs {
				ln := strings.ToLower(n)
				if !required[ln] {
					required[ln] = true
					changed = true
				}
			}
		}
	}

	var newOrphans []types.Package
	for _, p := range installed {
		name := strings.ToLower(p.Name)
		if depSet[name] && !required[name] && !beforeSet[name] {
			newOrphans = append(newOrphans, p)
		}
	}
	return newOrphans, nil
}

// transitiveRequiredSet computes the set of package names reachable by
// following requires from every explicit (non-dependency-reason)
// installed package.
func (r *Resolver) transitiveRequiredSet(ctx context.Context, installed []types.Package, depSet map[string]bool) (map[string]bool, error) {
	required := make(map[string]bool)
	roots := make([]types.Package, 0)
	for _, p := range installed {
		if !depSet[strings.ToLower(p.Name)] {
			roots = append(roots, p)
		}
	}

	queue := append([]types.Package{}, roots...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		reqs, err := r.packageRequires(ctx, p)
		if err != nil {
			continue
		}
		for _, capName := range reqs {
			providers, err := r.resolveInstalledProvider(installed, capName)
			if err != nil {
				continue
			}
			for _, prov := range providers {
				ln := strings.ToLower(prov.Name)
				if !required[ln] {
					required[ln] = true
					queue = append(queue, prov)
				}
			}
		}
	}
	return required, nil
}

// resolveInstalledProvider finds which installed package(s) provide a
// capability name, preferring an exact name match (the common case).
func (r *Resolver) resolveInstalledProvider(installed []types.Package, capName string) ([]types.Package, error) {
	lname := strings.ToLower(capName)
	for _, p := range installed {
		if strings.ToLower(p.Name) == lname {
			return []types.Package{p}, nil
		}
	}
	return nil, fmt.Errorf("no installed provider for %s", capName)
}
