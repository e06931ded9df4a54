package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urpmd/urpmd/pkg/evr"
	"github.com/urpmd/urpmd/pkg/types"
)

// candidateSet is the sorted list of packages across enabled media that
// could satisfy a request for one name, plus the pin-adjusted priority
// used to rank them.
type candidateSet struct {
	name       string
	candidates []*types.Package
	priorities map[int64]int // package id -> effective (pin or media) priority
}

// solver carries the mutable state of one Resolve* call: the installed
// index, the worklist of pending capability requests, and the plan
// being assembled. One solver per call — never shared across
// goroutines, so identical inputs always produce identical plans.
type solver struct {
	ctx context.Context
	r   *Resolver

	installedByName map[string]types.Package
	held            map[string]bool

	actions      []types.PackageAction
	seen         map[string]bool // names already planned or already satisfied
	removed      map[string]bool // names already slated for a coupled removal
	problems     []string
	alternatives []types.Alternative
	heldWarnings []string

	choices map[string]string // capability -> chosen providing package name
}

func newSolver(ctx context.Context, r *Resolver, installed []types.Package, choices map[string]string) (*solver, error) {
	held, err := r.store.ListHolds(ctx)
	if err != nil {
		return nil, err
	}
	heldSet := make(map[string]bool, len(held))
	for _, h := range held {
		heldSet[h] = true
	}

	byName := make(map[string]types.Package, len(installed))
	for _, p := range installed {
		byName[strings.ToLower(p.Name)] = p
	}

	return &solver{
		ctx:              ctx,
		r:                r,
		installedByName:  byName,
		held:             heldSet,
		seen:             make(map[string]bool),
		removed:          make(map[string]bool),
		choices:          choices,
	}, nil
}

// ResolveInstall plans an install: names is the requested set,
// choices resolves ambiguous alternatives, localPackages names packages
// whose payload is a local on-disk RPM file (path given as the map
// value) rather than a media candidate.
func (r *Resolver) ResolveInstall(ctx context.Context, names []string, choices map[string]string, localPackages map[string]string) (*types.ResolverResult, error) {
	installed, err := r.loadInstalled(ctx)
	if err != nil {
		return nil, err
	}

	s, err := newSolver(ctx, r, installed, choices)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		if localPath, ok := localPackages[name]; ok {
			if err := s.planLocalInstall(name, localPath); err != nil {
				s.fail(err)
			}
			continue
		}
		if err := s.planInstall(name, types.ReasonExplicit); err != nil {
			s.fail(err)
		}
	}

	return s.result(), nil
}

// fail records a resolution problem on the side channel and logs it:
// unsatisfiable constraints surface as problems, not errors returned
// from Resolve*.
func (s *solver) fail(err error) {
	s.problems = append(s.problems, err.Error())
	resolverLog.Warn().Err(err).Msg("resolution problem")
}

// ResolveRemove plans a removal: adds the reverse-dependency
// closure (packages that require any of names) and, if
// eraseRecommends, packages that only the removed set recommends (or,
// unless keepSuggests, suggests), while respecting holds.
func (r *Resolver) ResolveRemove(ctx context.Context, names []string, eraseRecommends, keepSuggests bool) (*types.ResolverResult, error) {
	installed, err := r.loadInstalled(ctx)
	if err != nil {
		return nil, err
	}

	s, err := newSolver(ctx, r, installed, nil)
	if err != nil {
		return nil, err
	}

	toRemove := make(map[string]bool)
	for _, n := range names {
		toRemove[strings.ToLower(n)] = true
	}

	// Reverse-dependency closure: repeatedly add any installed package
	// whose requires are satisfied only by a package slated for removal.
	for changed := true; changed; {
		changed = false
		for name, pkg := range s.installedByName {
			if toRemove[name] {
				continue
			}
			caps, err := r.packageRequires(ctx, pkg)
			if err != nil {
				continue
			}
			for _, reqName := range caps {
				if toRemove[strings.ToLower(reqName)] && !wouldSurvive(s.installedByName, toRemove, reqName) {
					toRemove[name] = true
					changed = true
					break
				}
			}
		}
	}

	if eraseRecommends {
		s.expandRecommendRemovals(toRemove, keepSuggests)
	}

	for name := range toRemove {
		if s.held[name] {
			s.heldWarnings = append(s.heldWarnings, fmt.Sprintf("package %s is held, skipping removal", name))
			continue
		}
		pkg, ok := s.installedByName[name]
		if !ok {
			continue
		}
		s.actions = append(s.actions, types.PackageAction{
			Name: pkg.Name, NEVRA: pkg.NEVRA, EVR: pkg.EVR(), Arch: pkg.Arch,
			Action: types.ActionRemove, Reason: types.ReasonExplicit,
			FileSize: pkg.FileSize, Size: -pkg.InstalledSize,
		})
	}

	sortActions(s.actions)
	return s.result(), nil
}

// expandRecommendRemovals grows toRemove with installed packages that
// only the removed set recommends (and, unless keepSuggests, only
// suggests): with their last recommender gone they serve nothing that
// remains. Soft-dependency edges come from the store's index rows for
// the installed names.
func (s *solver) expandRecommendRemovals(toRemove map[string]bool, keepSuggests bool) {
	kinds := []types.CapabilityKind{types.CapRecommends}
	if !keepSuggests {
		kinds = append(kinds, types.CapSuggests)
	}

	// recommenders maps a soft-dependency target to the set of installed
	// packages carrying the recommends/suggests edge.
	recommenders := make(map[string]map[string]bool)
	for name := range s.installedByName {
		pkgs, err := s.r.store.GetPackageSmart(s.ctx, name)
		if err != nil || len(pkgs) == 0 {
			continue
		}
		for _, kind := range kinds {
			caps, err := s.r.store.GetCapabilities(s.ctx, pkgs[0].ID, kind)
			if err != nil {
				continue
			}
			for _, c := range caps {
				target := strings.ToLower(c.Name)
				if recommenders[target] == nil {
					recommenders[target] = make(map[string]bool)
				}
				recommenders[target][name] = true
			}
		}
	}

	for target, from := range recommenders {
		if toRemove[target] {
			continue
		}
		if _, installed := s.installedByName[target]; !installed {
			continue
		}
		onlyRemoved := true
		for name := range from {
			if !toRemove[name] {
				onlyRemoved = false
				break
			}
		}
		if !onlyRemoved || s.requiredBySurvivor(target, toRemove) {
			continue
		}
		toRemove[target] = true
	}
}

// requiredBySurvivor reports whether any installed package outside
// toRemove still requires name (a hard edge outranks the lost soft
// ones).
func (s *solver) requiredBySurvivor(name string, toRemove map[string]bool) bool {
	for other, pkg := range s.installedByName {
		if toRemove[other] || other == name {
			continue
		}
		reqs, err := s.r.packageRequires(s.ctx, pkg)
		if err != nil {
			continue
		}
		for _, req := range reqs {
			if strings.ToLower(req) == name {
				return true
			}
		}
	}
	return false
}

// ResolveUpgrade plans an upgrade; with no names, a
// full-system upgrade. Holds prevent both the upgrade itself and any
// obsoletes-driven replacement of a held package; such attempts are
// recorded on the HeldWarnings side channel rather than failing the
// whole plan.
func (r *Resolver) ResolveUpgrade(ctx context.Context, names []string, localPackages map[string]string) (*types.ResolverResult, error) {
	installed, err := r.loadInstalled(ctx)
	if err != nil {
		return nil, err
	}

	s, err := newSolver(ctx, r, installed, nil)
	if err != nil {
		return nil, err
	}

	targets := names
	if len(targets) == 0 {
		for name := range s.installedByName {
			targets = append(targets, name)
		}
		sort.Strings(targets)
	}

	for _, name := range targets {
		lname := strings.ToLower(name)
		if localPath, ok := localPackages[name]; ok {
			if err := s.planLocalInstall(name, localPath); err != nil {
				s.fail(err)
			}
			continue
		}
		if s.held[lname] {
			s.heldWarnings = append(s.heldWarnings, fmt.Sprintf("package %s is held, not upgraded", lname))
			continue
		}
		if err := s.planUpgrade(lname); err != nil {
			s.fail(err)
		}
	}

	sortActions(s.actions)
	return s.result(), nil
}

// wouldSurvive reports whether capability still has an installed
// provider once everything in toRemove is gone.
func wouldSurvive(installed map[string]types.Package, toRemove map[string]bool, capability string) bool {
	ln := strings.ToLower(capability)
	for name := range installed {
		if name == ln && !toRemove[name] {
			return true
		}
	}
	return false
}

// planInstall resolves name to its best candidate and recursively plans
// its unsatisfied requires (and, for explicit installs, its
// recommends).
func (s *solver) planInstall(name string, reason types.InstallReason) error {
	lname := strings.ToLower(name)
	if s.seen[lname] {
		return nil
	}
	s.seen[lname] = true

	if installedPkg, ok := s.installedByName[lname]; ok {
		// Already present: nothing to do unless a newer candidate exists,
		// in which case this degenerates into an upgrade action.
		_, err := s.planUpgradeIfNewer(lname, installedPkg, reason)
		return err
	}

	cs, err := s.r.rankCandidates(s.ctx, name)
	if err != nil {
		return err
	}
	if len(cs.candidates) == 0 {
		return fmt.Errorf("no package named %s found in any enabled media", name)
	}

	chosen, alt := s.pickCandidate(cs)
	if alt != nil {
		s.alternatives = append(s.alternatives, *alt)
	}

	if !s.applyObsoletes(chosen) {
		return nil // installing would force out a held package; warning recorded
	}

	s.actions = append(s.actions, types.PackageAction{
		Name: chosen.Name, NEVRA: chosen.NEVRA, EVR: chosen.EVR(), Arch: chosen.Arch,
		Action: types.ActionInstall, Reason: reason, MediaName: chosen.MediaName,
		FileSize: chosen.FileSize, Size: chosen.InstalledSize,
	})

	return s.expandDeps(chosen, reason == types.ReasonExplicit)
}

// applyObsoletes plans the coupled removals a candidate's obsoletes
// entries demand, with reason=obsoleted so the façade erases them in
// the same RPM transaction as the install. A held package is never
// removed this way; when the candidate also conflicts with the held
// package (its install path requires the removal) applyObsoletes
// returns false and the candidate must be skipped.
func (s *solver) applyObsoletes(chosen *types.Package) bool {
	if chosen.ID == 0 {
		return true // local on-disk rpm: no capability rows in the store
	}
	obsoletes, err := s.r.store.GetCapabilities(s.ctx, chosen.ID, types.CapObsoletes)
	if err != nil || len(obsoletes) == 0 {
		return true
	}
	conflicts, _ := s.r.store.GetCapabilities(s.ctx, chosen.ID, types.CapConflicts)

	for _, c := range obsoletes {
		victimName := strings.ToLower(c.Name)
		victim, installed := s.installedByName[victimName]
		if !installed || strings.EqualFold(victim.Name, chosen.Name) || !obsoleteApplies(c, victim.EVR()) {
			continue
		}
		if s.held[victimName] {
			s.heldWarnings = append(s.heldWarnings,
				fmt.Sprintf("package %s is held, not replaced by %s", victim.Name, chosen.Name))
			for _, conf := range conflicts {
				if strings.ToLower(conf.Name) == victimName {
					return false
				}
			}
			continue
		}
		if s.removed[victimName] {
			continue
		}
		s.removed[victimName] = true
		s.actions = append(s.actions, types.PackageAction{
			Name: victim.Name, NEVRA: victim.NEVRA, EVR: victim.EVR(), Arch: victim.Arch,
			Action: types.ActionRemove, Reason: types.ReasonObsoleted,
			FileSize: victim.FileSize, Size: -victim.InstalledSize,
		})
	}
	return true
}

// obsoleteApplies reports whether an obsoletes capability entry covers
// the installed package's EVR.
func obsoleteApplies(c types.Capability, installed types.EVR) bool {
	if !c.HasVer {
		return true
	}
	cmp := evr.Compare(installed, evr.Parse(c.EVR))
	switch c.Op {
	case types.OpLT:
		return cmp < 0
	case types.OpLE:
		return cmp <= 0
	case types.OpEQ:
		return cmp == 0
	case types.OpGE:
		return cmp >= 0
	case types.OpGT:
		return cmp > 0
	}
	return true
}

func (s *solver) planUpgradeIfNewer(lname string, installedPkg types.Package, reason types.InstallReason) (bool, error) {
	if s.held[lname] {
		s.heldWarnings = append(s.heldWarnings, fmt.Sprintf("package %s is held, not upgraded", lname))
		return false, nil
	}
	cs, err := s.r.rankCandidates(s.ctx, lname)
	if err != nil || len(cs.candidates) == 0 {
		return false, nil
	}
	chosen, _ := s.pickCandidate(cs)
	if evr.Compare(chosen.EVR(), installedPkg.EVR()) <= 0 {
		return false, nil
	}
	if !s.applyObsoletes(chosen) {
		return false, nil
	}
	s.actions = append(s.actions, types.PackageAction{
		Name: chosen.Name, NEVRA: chosen.NEVRA, EVR: chosen.EVR(), Arch: chosen.Arch,
		Action: types.ActionUpgrade, Reason: reason, PreviousNEVRA: installedPkg.NEVRA,
		MediaName: chosen.MediaName, FileSize: chosen.FileSize,
		Size: chosen.InstalledSize - installedPkg.InstalledSize,
	})
	return true, s.expandDeps(chosen, false)
}

func (s *solver) planUpgrade(lname string) error {
	installedPkg, ok := s.installedByName[lname]
	if !ok {
		return nil // not installed: full-system upgrade only touches installed names
	}
	if s.seen[lname] {
		return nil
	}
	s.seen[lname] = true
	planned, err := s.planUpgradeIfNewer(lname, installedPkg, types.ReasonDependency)
	if err != nil || planned {
		return err
	}
	return s.planObsoleter(lname, installedPkg)
}

// planObsoleter replaces an installed package with a differently-named
// successor that declares it obsolete — the rename path of a
// full-system upgrade. A held package is never replaced; the attempt is
// recorded on the warning side channel instead.
func (s *solver) planObsoleter(lname string, installedPkg types.Package) error {
	candidates, err := s.r.store.WhatObsoletes(s.ctx, installedPkg.Name)
	if err != nil || len(candidates) == 0 {
		return nil
	}

	for _, cand := range candidates {
		if s.seen[strings.ToLower(cand.Name)] {
			return nil // the successor is already planned; its obsoletes covered lname
		}
		obsoletes, err := s.r.store.GetCapabilities(s.ctx, cand.ID, types.CapObsoletes)
		if err != nil {
			continue
		}
		applies := false
		for _, c := range obsoletes {
			if strings.ToLower(c.Name) == lname && obsoleteApplies(c, installedPkg.EVR()) {
				applies = true
				break
			}
		}
		if !applies {
			continue
		}
		if s.held[lname] {
			s.heldWarnings = append(s.heldWarnings,
				fmt.Sprintf("package %s is held, not replaced by %s", installedPkg.Name, cand.Name))
			return nil
		}

		s.seen[strings.ToLower(cand.Name)] = true
		if !s.applyObsoletes(cand) {
			return nil
		}
		s.actions = append(s.actions, types.PackageAction{
			Name: cand.Name, NEVRA: cand.NEVRA, EVR: cand.EVR(), Arch: cand.Arch,
			Action: types.ActionInstall, Reason: types.ReasonDependency,
			PreviousNEVRA: installedPkg.NEVRA, MediaName: cand.MediaName,
			FileSize: cand.FileSize, Size: cand.InstalledSize - installedPkg.InstalledSize,
		})
		return s.expandDeps(cand, false)
	}
	return nil
}

// planLocalInstall handles a package whose payload is a local on-disk
// RPM: it takes precedence over a same-name media candidate iff its EVR
// is >= the media candidate's, otherwise the resolver reports the
// action as a downgrade.
func (s *solver) planLocalInstall(name, path string) error {
	local, err := s.r.installed.HeaderInfo(s.ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read local rpm %s: %w", path, err)
	}
	local.Filename = path

	action := types.ActionInstall
	var previous string
	if installedPkg, ok := s.installedByName[strings.ToLower(name)]; ok {
		switch {
		case evr.Compare(local.EVR(), installedPkg.EVR()) > 0:
			action = types.ActionUpgrade
		case evr.Compare(local.EVR(), installedPkg.EVR()) < 0:
			action = types.ActionDowngrade
		default:
			action = types.ActionUpgrade
		}
		previous = installedPkg.NEVRA
	}
	if cs, err := s.r.rankCandidates(s.ctx, name); err == nil && len(cs.candidates) > 0 &&
		evr.Compare(local.EVR(), cs.candidates[0].EVR()) < 0 {
		action = types.ActionDowngrade
	}

	s.seen[strings.ToLower(name)] = true
	s.actions = append(s.actions, types.PackageAction{
		Name: local.Name, NEVRA: local.NEVRA, EVR: local.EVR(), Arch: local.Arch,
		Action: action, Reason: types.ReasonExplicit, PreviousNEVRA: previous,
		MediaName: "(local)", FileSize: local.FileSize, Size: local.InstalledSize,
	})

	requires, err := s.r.installed.HeaderRequires(s.ctx, path)
	if err != nil {
		return nil // best-effort: a local rpm without readable requires still installs
	}
	for _, cap := range requires {
		if err := s.planInstall(capabilityPackageName(cap), types.ReasonDependency); err != nil {
			s.fail(err)
		}
	}
	return nil
}

// expandDeps pushes a chosen package's requires (always) and recommends
// (only for explicit installs) onto the worklist.
func (s *solver) expandDeps(pkg *types.Package, includeRecommends bool) error {
	requires, err := s.r.store.GetCapabilities(s.ctx, pkg.ID, types.CapRequires)
	if err != nil {
		return fmt.Errorf("failed to read requires for %s: %w", pkg.NEVRA, err)
	}
	for _, c := range requires {
		if err := s.planInstall(capabilityPackageName(c.Name), types.ReasonDependency); err != nil {
			s.fail(err)
		}
	}

	if includeRecommends {
		recommends, err := s.r.store.GetCapabilities(s.ctx, pkg.ID, types.CapRecommends)
		if err == nil {
			for _, c := range recommends {
				_ = s.planInstall(capabilityPackageName(c.Name), types.ReasonDependency)
			}
		}
	}
	return nil
}

// capabilityPackageName returns cap unchanged, soname-style capabilities
// ("libfoo.so.2()(64bit)") included: soname-to-package resolution
// happens through WhatProvides inside rankCandidates.
func capabilityPackageName(cap string) string {
	return cap
}

// rankCandidates returns every candidate package for name across
// enabled media (by exact name match, falling back to WhatProvides for
// soname-style capabilities), pin-priority-adjusted and sorted:
// pin priority first, then media priority, then EVR, then
// name as a deterministic tiebreaker.
func (r *Resolver) rankCandidates(ctx context.Context, name string) (*candidateSet, error) {
	pkgs, err := r.store.GetPackageSmart(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", name, err)
	}
	if len(pkgs) == 0 {
		pkgs, err = r.store.WhatProvides(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve provider for %s: %w", name, err)
		}
	}

	priorities := make(map[int64]int, len(pkgs))
	mediaPriority := make(map[string]int)
	for _, p := range pkgs {
		if _, ok := mediaPriority[p.MediaName]; !ok {
			if m, err := r.store.GetMedia(ctx, p.MediaName); err == nil {
				mediaPriority[p.MediaName] = m.Priority
			}
		}
		pr, err := r.store.GetPinPriority(ctx, p.Name, p.MediaName, mediaPriority[p.MediaName])
		if err != nil {
			pr = mediaPriority[p.MediaName]
		}
		priorities[p.ID] = pr
	}

	sort.SliceStable(pkgs, func(i, j int) bool {
		if priorities[pkgs[i].ID] != priorities[pkgs[j].ID] {
			return priorities[pkgs[i].ID] > priorities[pkgs[j].ID]
		}
		if mi, mj := mediaPriority[pkgs[i].MediaName], mediaPriority[pkgs[j].MediaName]; mi != mj {
			return mi > mj
		}
		if c := evr.Compare(pkgs[i].EVR(), pkgs[j].EVR()); c != 0 {
			return c > 0
		}
		return pkgs[i].Name < pkgs[j].Name
	})

	return &candidateSet{name: name, candidates: pkgs, priorities: priorities}, nil
}

// pickCandidate returns the top-ranked candidate. When two or more
// top-priority candidates come from distinct versioned-family prefixes
// (e.g. "foo8.4-" vs "foo8.5-") it also returns an
// Alternative for the façade to offer instead of silently picking one.
func (s *solver) pickCandidate(cs *candidateSet) (*types.Package, *types.Alternative) {
	if chosen, ok := s.choices[cs.name]; ok {
		for _, p := range cs.candidates {
			if p.MediaName == chosen || p.NEVRA == chosen {
				return p, nil
			}
		}
	}

	best := cs.candidates[0]
	var families = map[string]bool{versionedFamily(best.Name): true}
	for _, p := range cs.candidates[1:] {
		if s.r.candidateTiesWith(best, p) {
			families[versionedFamily(p.Name)] = true
		}
	}
	if len(families) > 1 {
		return best, &types.Alternative{Capability: cs.name, Providers: cs.candidates}
	}
	return best, nil
}

func (r *Resolver) candidateTiesWith(a, b *types.Package) bool {
	return a.Name != b.Name && evr.Equal(a.EVR(), b.EVR())
}

// versionedFamily strips a trailing "-N.M"-style version suffix so
// "foo8.4"/"foo8.5" both reduce to "foo" for family comparison.
func versionedFamily(name string) string {
	i := strings.IndexAny(name, "0123456789")
	if i <= 0 {
		return name
	}
	return name[:i]
}

func (s *solver) result() *types.ResolverResult {
	success := len(s.problems) == 0
	var installSize, upgradeSize int64
	for _, a := range s.actions {
		switch a.Action {
		case types.ActionInstall:
			installSize += a.Size
		case types.ActionUpgrade:
			upgradeSize += a.Size
		}
	}
	return &types.ResolverResult{
		Success: success, Actions: s.actions, Problems: s.problems,
		Alternatives: s.alternatives, InstallSize: installSize,
		UpgradeSizeDelta: upgradeSize, HeldWarnings: s.heldWarnings,
	}
}

func sortActions(actions []types.PackageAction) {
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Name < actions[j].Name })
}

// packageRequires resolves the capability names an installed package
// requires, best-effort (used by resolve_remove's reverse-dependency
// closure). Installed packages have no media_id row, so this goes
// through the local engine instead of the store.
func (r *Resolver) packageRequires(ctx context.Context, pkg types.Package) ([]string, error) {
	if pkg.Filename == "" {
		return nil, nil
	}
	return r.installed.HeaderRequires(ctx, pkg.Filename)
}
