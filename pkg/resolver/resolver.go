// Package resolver translates user intent (install/remove/upgrade/undo)
// plus the installed set and the available package pool into an ordered
// PackageAction plan, honoring pins, holds, obsoletes, and
// recommends/suggests policy.
//
// The engine behind resolution is a deterministic worklist solver
// (solve.go): a planning pass that reads store-provided state and
// returns a structured plan, never mutating anything on failure.
package resolver

import (
	"context"
	"fmt"

	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/types"
)

// InstalledQuerier reads the live RPM database's installed set; it is
// satisfied by *pkg/rpmengine.Engine, kept as an interface so the
// resolver can be tested without shelling out.
type InstalledQuerier interface {
	ListInstalled(ctx context.Context) ([]types.Package, error)
	HeaderInfo(ctx context.Context, path string) (*types.Package, error)
	HeaderRequires(ctx context.Context, path string) ([]string, error)
	HeaderProvides(ctx context.Context, path string) ([]string, error)
}

// Resolver is the dependency-resolution planning façade. One instance
// serves one urpmd root (the installed-reason file's domain).
type Resolver struct {
	store     *store.Store
	installed InstalledQuerier

	// ReasonsPath is the on-disk location of
	// installed-through-deps.list, owned exclusively by the resolver.
	ReasonsPath string
}

// New returns a Resolver over store, querying the installed set through
// installed, and reading/writing the reason file at reasonsPath.
func New(st *store.Store, installed InstalledQuerier, reasonsPath string) *Resolver {
	return &Resolver{store: st, installed: installed, ReasonsPath: reasonsPath}
}

var resolverLog = log.WithComponent("resolver")

// loadInstalled gathers the installed set used by every resolve_* entry
// point.
func (r *Resolver) loadInstalled(ctx context.Context) ([]types.Package, error) {
	installed, err := r.installed.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}
	return installed, nil
}
