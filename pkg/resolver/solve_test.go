package resolver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/types"
)

// fakeEngine is the test double for the installed RPM database; the
// resolver only ever reads through the InstalledQuerier seam.
type fakeEngine struct {
	installed []types.Package
	headers   map[string]*types.Package // by path
	requires  map[string][]string       // by path (installed headers keyed by Filename)
	provides  map[string][]string
}

func (f *fakeEngine) ListInstalled(context.Context) ([]types.Package, error) {
	return f.installed, nil
}

func (f *fakeEngine) HeaderInfo(_ context.Context, path string) (*types.Package, error) {
	if p, ok := f.headers[path]; ok {
		return p, nil
	}
	return nil, assert.AnError
}

func (f *fakeEngine) HeaderRequires(_ context.Context, path string) ([]string, error) {
	return f.requires[path], nil
}

func (f *fakeEngine) HeaderProvides(_ context.Context, path string) ([]string, error) {
	return f.provides[path], nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "urpmd.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMedia(t *testing.T, s *store.Store, name string, priority int, pkgs ...*types.Package) *types.Media {
	t.Helper()
	m := &types.Media{
		Name: name, ShortName: name, Version: "1", Arch: "x86_64",
		Enabled: true, Priority: priority, Replication: types.ReplicationNone,
	}
	require.NoError(t, s.AddMedia(context.Background(), m))
	if len(pkgs) > 0 {
		require.NoError(t, s.ReplacePackages(context.Background(), m.ID, pkgs))
	}
	return m
}

func pkg(name, version string, caps ...types.Capability) *types.Package {
	nevra := name + "-" + version + "-1.x86_64"
	return &types.Package{
		Name: name, Version: version, Release: "1", Arch: "x86_64",
		NEVRA: nevra, Filename: nevra + ".rpm",
		FileSize: 100, InstalledSize: 300, Capabilities: caps,
	}
}

func installedPkg(name, version string) types.Package {
	p := pkg(name, version)
	return *p
}

func newTestResolver(t *testing.T, s *store.Store, eng *fakeEngine) *Resolver {
	t.Helper()
	return New(s, eng, filepath.Join(t.TempDir(), "installed-through-deps.list"))
}

func actionNames(actions []types.PackageAction) map[string]types.ActionKind {
	out := make(map[string]types.ActionKind, len(actions))
	for _, a := range actions {
		out[a.Name] = a.Action
	}
	return out
}

func TestResolveInstallExpandsRequiresAndRecommends(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100,
		pkg("app", "1.0",
			types.Capability{Kind: types.CapRequires, Name: "libfoo"},
			types.Capability{Kind: types.CapRecommends, Name: "app-docs"},
		),
		pkg("libfoo", "1.0"),
		pkg("app-docs", "1.0"),
	)
	r := newTestResolver(t, s, &fakeEngine{})

	result, err := r.ResolveInstall(context.Background(), []string{"app"}, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success, "problems: %v", result.Problems)

	names := actionNames(result.Actions)
	assert.Equal(t, types.ActionInstall, names["app"])
	assert.Equal(t, types.ActionInstall, names["libfoo"])
	// Recommends are included by default for install.
	assert.Equal(t, types.ActionInstall, names["app-docs"])

	for _, a := range result.Actions {
		switch a.Name {
		case "app":
			assert.Equal(t, types.ReasonExplicit, a.Reason)
		default:
			assert.Equal(t, types.ReasonDependency, a.Reason)
		}
	}
	assert.Equal(t, int64(900), result.InstallSize)
}

func TestResolveInstallUnknownPackageFails(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100)
	r := newTestResolver(t, s, &fakeEngine{})

	result, err := r.ResolveInstall(context.Background(), []string{"ghost"}, nil, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.Problems, 1)
	assert.Contains(t, result.Problems[0], "ghost")
	assert.Empty(t, result.Actions)
}

func TestResolveInstallAlreadyInstalledUpgrades(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100, pkg("app", "2.0"))
	eng := &fakeEngine{installed: []types.Package{installedPkg("app", "1.0")}}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveInstall(context.Background(), []string{"app"}, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, types.ActionUpgrade, result.Actions[0].Action)
	assert.Equal(t, "app-1.0-1.x86_64", result.Actions[0].PreviousNEVRA)
}

func TestResolveUpgradeHonorsHolds(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100, pkg("kernel", "6.2"), pkg("app", "2.0"))
	require.NoError(t, s.AddHold(context.Background(), "kernel"))

	eng := &fakeEngine{installed: []types.Package{
		installedPkg("kernel", "6.1"),
		installedPkg("app", "1.0"),
	}}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveUpgrade(context.Background(), nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	names := actionNames(result.Actions)
	_, kernelTouched := names["kernel"]
	assert.False(t, kernelTouched, "held package must not be upgraded")
	assert.Equal(t, types.ActionUpgrade, names["app"])
	require.Len(t, result.HeldWarnings, 1)
	assert.Contains(t, result.HeldWarnings[0], "kernel")
}

func TestResolveUpgradeNothingNewer(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100, pkg("app", "1.0"))
	eng := &fakeEngine{installed: []types.Package{installedPkg("app", "1.0")}}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveUpgrade(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Actions)
}

func TestPinBiasesProviderSelection(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100, pkg("bar", "1.0"))
	seedMedia(t, s, "extras", 10, pkg("bar", "1.0"))
	require.NoError(t, s.AddPin(context.Background(), &types.Pin{
		PackagePattern: "bar", MediaPattern: "extras", Priority: 500,
	}))
	r := newTestResolver(t, s, &fakeEngine{})

	result, err := r.ResolveInstall(context.Background(), []string{"bar"}, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "extras", result.Actions[0].MediaName)
}

func TestResolveRemoveAddsReverseDependencyClosure(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100)

	app := installedPkg("app", "1.0")
	lib := installedPkg("libfoo", "1.0")
	eng := &fakeEngine{
		installed: []types.Package{app, lib},
		requires:  map[string][]string{app.Filename: {"libfoo"}},
	}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveRemove(context.Background(), []string{"libfoo"}, false, false)
	require.NoError(t, err)
	require.True(t, result.Success)

	names := actionNames(result.Actions)
	assert.Equal(t, types.ActionRemove, names["libfoo"])
	assert.Equal(t, types.ActionRemove, names["app"], "dependent package joins the removal")
}

func TestResolveRemoveRespectsHolds(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100)
	require.NoError(t, s.AddHold(context.Background(), "libfoo"))

	eng := &fakeEngine{installed: []types.Package{installedPkg("libfoo", "1.0")}}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveRemove(context.Background(), []string{"libfoo"}, false, false)
	require.NoError(t, err)
	assert.Empty(t, result.Actions)
	require.Len(t, result.HeldWarnings, 1)
	assert.Contains(t, result.HeldWarnings[0], "libfoo")
}

func TestLocalRPMDowngradeDetected(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100)

	local := pkg("app", "0.9")
	eng := &fakeEngine{
		installed: []types.Package{installedPkg("app", "1.0")},
		headers:   map[string]*types.Package{"/tmp/app-0.9-1.x86_64.rpm": local},
	}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveInstall(context.Background(), []string{"app"}, nil,
		map[string]string{"app": "/tmp/app-0.9-1.x86_64.rpm"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, types.ActionDowngrade, result.Actions[0].Action)
	assert.Equal(t, "app-1.0-1.x86_64", result.Actions[0].PreviousNEVRA)
	assert.Equal(t, "(local)", result.Actions[0].MediaName)
}

func TestLocalRPMNewerWins(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100, pkg("app", "1.5"))

	local := pkg("app", "2.0")
	eng := &fakeEngine{
		installed: []types.Package{installedPkg("app", "1.0")},
		headers:   map[string]*types.Package{"/tmp/app-2.0-1.x86_64.rpm": local},
	}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveInstall(context.Background(), []string{"app"}, nil,
		map[string]string{"app": "/tmp/app-2.0-1.x86_64.rpm"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, types.ActionUpgrade, result.Actions[0].Action)
	assert.Equal(t, "app-2.0-1.x86_64", result.Actions[0].NEVRA)
}

func TestInstallCouplesObsoletedRemoval(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100,
		pkg("bar", "2.0", types.Capability{Kind: types.CapObsoletes, Name: "baz"}),
	)
	eng := &fakeEngine{installed: []types.Package{installedPkg("baz", "1.0")}}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveInstall(context.Background(), []string{"bar"}, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success, "problems: %v", result.Problems)

	names := actionNames(result.Actions)
	assert.Equal(t, types.ActionInstall, names["bar"])
	assert.Equal(t, types.ActionRemove, names["baz"])
	for _, a := range result.Actions {
		if a.Name == "baz" {
			assert.Equal(t, types.ReasonObsoleted, a.Reason)
		}
	}
}

func TestUpgradeReplacesViaObsoleter(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100,
		pkg("bar", "2.0", types.Capability{Kind: types.CapObsoletes, Name: "baz", Op: types.OpLT, EVR: "2.0", HasVer: true}),
	)
	eng := &fakeEngine{installed: []types.Package{installedPkg("baz", "1.0")}}
	r := newTestResolver(t, s, eng)

	result, err := r.ResolveUpgrade(context.Background(), nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	names := actionNames(result.Actions)
	assert.Equal(t, types.ActionInstall, names["bar"], "renamed successor is installed")
	assert.Equal(t, types.ActionRemove, names["baz"])
	for _, a := range result.Actions {
		switch a.Name {
		case "bar":
			assert.Equal(t, "baz-1.0-1.x86_64", a.PreviousNEVRA)
		case "baz":
			assert.Equal(t, types.ReasonObsoleted, a.Reason)
		}
	}
}

func TestVersionedObsoleteOutOfRangeIgnored(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100,
		pkg("bar", "2.0", types.Capability{Kind: types.CapObsoletes, Name: "baz", Op: types.OpLT, EVR: "1.0", HasVer: true}),
	)
	eng := &fakeEngine{installed: []types.Package{installedPkg("baz", "1.0")}}
	r := newTestResolver(t, s, eng)

	// baz-1.0 is not < 1.0; the obsoletes entry does not cover it.
	result, err := r.ResolveInstall(context.Background(), []string{"bar"}, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	names := actionNames(result.Actions)
	assert.Equal(t, types.ActionInstall, names["bar"])
	_, removed := names["baz"]
	assert.False(t, removed)
}

func TestHeldPackageNeverReplacedByObsoleter(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100,
		pkg("bar", "2.0", types.Capability{Kind: types.CapObsoletes, Name: "baz"}),
	)
	require.NoError(t, s.AddHold(context.Background(), "baz"))

	eng := &fakeEngine{installed: []types.Package{installedPkg("baz", "1.0")}}
	r := newTestResolver(t, s, eng)

	// bar is independent of baz (no conflict): bar installs, baz stays.
	result, err := r.ResolveInstall(context.Background(), []string{"bar"}, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	names := actionNames(result.Actions)
	assert.Equal(t, types.ActionInstall, names["bar"])
	_, removed := names["baz"]
	assert.False(t, removed, "held package must not be removed by an obsoleter")
	require.Len(t, result.HeldWarnings, 1)
	assert.Contains(t, result.HeldWarnings[0], "baz")

	// A full-system upgrade must not sneak the replacement in either.
	result, err = r.ResolveUpgrade(context.Background(), nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Empty(t, actionNames(result.Actions))
}

func TestHeldObsoleteWithConflictSkipsCandidate(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100,
		pkg("bar", "2.0",
			types.Capability{Kind: types.CapObsoletes, Name: "baz"},
			types.Capability{Kind: types.CapConflicts, Name: "baz"},
		),
	)
	require.NoError(t, s.AddHold(context.Background(), "baz"))

	eng := &fakeEngine{installed: []types.Package{installedPkg("baz", "1.0")}}
	r := newTestResolver(t, s, eng)

	// bar's install path requires removing held baz: bar is not installed.
	result, err := r.ResolveInstall(context.Background(), []string{"bar"}, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Empty(t, result.Actions)
	require.Len(t, result.HeldWarnings, 1)
	assert.Contains(t, result.HeldWarnings[0], "baz")
}

func TestResolveRemoveEraseRecommends(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100,
		pkg("app", "1.0", types.Capability{Kind: types.CapRecommends, Name: "extra"}),
		pkg("extra", "1.0"),
	)
	eng := &fakeEngine{installed: []types.Package{
		installedPkg("app", "1.0"),
		installedPkg("extra", "1.0"),
	}}
	r := newTestResolver(t, s, eng)

	// Without the flag, only the requested package goes.
	result, err := r.ResolveRemove(context.Background(), []string{"app"}, false, false)
	require.NoError(t, err)
	names := actionNames(result.Actions)
	assert.Equal(t, types.ActionRemove, names["app"])
	_, extraRemoved := names["extra"]
	assert.False(t, extraRemoved)

	// With it, the package only app recommended joins the removal.
	result, err = r.ResolveRemove(context.Background(), []string{"app"}, true, false)
	require.NoError(t, err)
	names = actionNames(result.Actions)
	assert.Equal(t, types.ActionRemove, names["app"])
	assert.Equal(t, types.ActionRemove, names["extra"])
}

func TestEraseRecommendsKeepsStillWantedPackages(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100,
		pkg("app", "1.0", types.Capability{Kind: types.CapRecommends, Name: "extra"}),
		pkg("other", "1.0", types.Capability{Kind: types.CapRecommends, Name: "extra"}),
		pkg("extra", "1.0"),
	)
	eng := &fakeEngine{installed: []types.Package{
		installedPkg("app", "1.0"),
		installedPkg("other", "1.0"),
		installedPkg("extra", "1.0"),
	}}
	r := newTestResolver(t, s, eng)

	// A surviving recommender keeps extra installed.
	result, err := r.ResolveRemove(context.Background(), []string{"app"}, true, false)
	require.NoError(t, err)
	names := actionNames(result.Actions)
	assert.Equal(t, types.ActionRemove, names["app"])
	_, extraRemoved := names["extra"]
	assert.False(t, extraRemoved)
}

func TestChoicesResolveAmbiguousProvider(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100, pkg("bar", "1.0"))
	seedMedia(t, s, "extras", 100, pkg("bar", "1.0"))
	r := newTestResolver(t, s, &fakeEngine{})

	result, err := r.ResolveInstall(context.Background(), []string{"bar"},
		map[string]string{"bar": "extras"}, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "extras", result.Actions[0].MediaName)
}
