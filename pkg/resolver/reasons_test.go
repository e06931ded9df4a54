package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urpmd/urpmd/pkg/types"
)

func TestReasonsFileRoundTrip(t *testing.T) {
	r := &Resolver{ReasonsPath: filepath.Join(t.TempDir(), "installed-through-deps.list")}

	require.NoError(t, r.MarkAsDependency([]string{"libfoo", "libbar"}))

	dep, err := r.IsDependencyReason("libfoo")
	require.NoError(t, err)
	assert.True(t, dep)

	names, err := r.DependencyReasonNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"libbar", "libfoo"}, names)

	require.NoError(t, r.MarkAsExplicit([]string{"libfoo"}))
	dep, err = r.IsDependencyReason("libfoo")
	require.NoError(t, err)
	assert.False(t, dep)
}

func TestReasonsMarkIsIdempotent(t *testing.T) {
	r := &Resolver{ReasonsPath: filepath.Join(t.TempDir(), "installed-through-deps.list")}

	require.NoError(t, r.MarkAsExplicit([]string{"pkg"}))
	require.NoError(t, r.MarkAsDependency([]string{"pkg"}))
	require.NoError(t, r.MarkAsExplicit([]string{"pkg"}))
	first, err := os.ReadFile(r.ReasonsPath)
	require.NoError(t, err)

	require.NoError(t, r.MarkAsDependency([]string{"pkg"}))
	require.NoError(t, r.MarkAsExplicit([]string{"pkg"}))
	second, err := os.ReadFile(r.ReasonsPath)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestReasonsMissingFileReadsEmpty(t *testing.T) {
	r := &Resolver{ReasonsPath: filepath.Join(t.TempDir(), "missing.list")}
	names, err := r.DependencyReasonNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReasonsFileOnePlainNamePerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installed-through-deps.list")
	r := &Resolver{ReasonsPath: path}

	require.NoError(t, r.MarkAsDependency([]string{"zlib", "acl"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Sorted, newline-terminated, no metadata: the legacy flat format.
	assert.Equal(t, "acl\nzlib\n", string(data))
}

func TestFindAllOrphans(t *testing.T) {
	s := openTestStore(t)
	seedMedia(t, s, "core", 100)

	app := installedPkg("app", "1.0")
	lib := installedPkg("libfoo", "1.0")
	orphan := installedPkg("libold", "1.0")
	eng := &fakeEngine{
		installed: []types.Package{app, lib, orphan},
		requires:  map[string][]string{app.Filename: {"libfoo"}},
	}
	r := newTestResolver(t, s, eng)
	require.NoError(t, r.MarkAsDependency([]string{"libfoo", "libold"}))

	orphans, err := r.FindAllOrphans(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "libold", orphans[0].Name)
}
