package ops

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/types"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "urpmd.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCoreMedia(t *testing.T, s *store.Store) *types.Media {
	t.Helper()
	ctx := context.Background()

	m := &types.Media{
		Name: "core", ShortName: "core", Version: "1", Arch: "x86_64",
		RelativePath: "media/core", Enabled: true, Priority: 100,
		Replication: types.ReplicationNone,
	}
	require.NoError(t, s.AddMedia(ctx, m))

	srv := &types.Server{Protocol: "http", Host: "mirror.example.org", BasePath: "/pub", Enabled: true, Priority: 10, IPMode: types.IPModeAuto}
	require.NoError(t, s.AddServer(ctx, srv))
	require.NoError(t, s.LinkServerMedia(ctx, srv.ID, m.ID, ""))

	require.NoError(t, s.ReplacePackages(ctx, m.ID, []*types.Package{{
		Name: "foo", Version: "1.0", Release: "1", Arch: "x86_64",
		NEVRA: "foo-1.0-1.x86_64", Filename: "foo-1.0-1.x86_64.rpm", FileSize: 1234,
	}}))
	return m
}

func TestBuildDownloadItemsJoinsMediaAndServers(t *testing.T) {
	s := testStore(t)
	seedCoreMedia(t, s)
	f := &Facade{Store: s}

	actions := []types.PackageAction{
		{Name: "foo", NEVRA: "foo-1.0-1.x86_64", Action: types.ActionInstall, MediaName: "core"},
		{Name: "old", NEVRA: "old-1.0-1.x86_64", Action: types.ActionRemove, MediaName: "core"},
	}

	items, localPaths, err := f.BuildDownloadItems(context.Background(), actions, nil)
	require.NoError(t, err)
	assert.Empty(t, localPaths)
	require.Len(t, items, 1, "remove actions produce no download item")

	it := items[0]
	assert.Equal(t, "foo-1.0-1.x86_64.rpm", it.Filename)
	assert.Equal(t, int64(1234), it.Size)
	require.Len(t, it.Servers, 1)
	assert.Equal(t, "mirror.example.org", it.Servers[0].Host)
}

func TestBuildDownloadItemsSeparatesLocalActions(t *testing.T) {
	s := testStore(t)
	seedCoreMedia(t, s)
	f := &Facade{Store: s}

	actions := []types.PackageAction{
		{Name: "bar", NEVRA: "bar-2.0-1.x86_64", Action: types.ActionInstall, MediaName: "(local)"},
	}
	items, localPaths, err := f.BuildDownloadItems(context.Background(), actions,
		map[string]string{"bar": "/tmp/bar-2.0-1.x86_64.rpm"})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, map[string]string{"bar": "/tmp/bar-2.0-1.x86_64.rpm"}, localPaths)
}

func TestBuildDownloadItemsFailsWithoutServers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := &types.Media{
		Name: "lonely", ShortName: "lonely", Version: "1", Arch: "x86_64",
		Enabled: true, Replication: types.ReplicationNone,
	}
	require.NoError(t, s.AddMedia(ctx, m))
	require.NoError(t, s.ReplacePackages(ctx, m.ID, []*types.Package{{
		Name: "foo", Version: "1.0", Release: "1", Arch: "x86_64",
		NEVRA: "foo-1.0-1.x86_64", Filename: "foo-1.0-1.x86_64.rpm",
	}}))

	f := &Facade{Store: s}
	_, _, err := f.BuildDownloadItems(ctx, []types.PackageAction{
		{Name: "foo", NEVRA: "foo-1.0-1.x86_64", Action: types.ActionInstall, MediaName: "lonely"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled servers")
}

func TestInverseActionsReversePlan(t *testing.T) {
	tx := &types.Transaction{
		Packages: []types.TransactionPackage{
			{Name: "added", NEVRA: "added-1.0-1.x86_64", Action: types.PkgTxInstall},
			{Name: "dropped", NEVRA: "dropped-1.0-1.x86_64", Action: types.PkgTxRemove},
			{Name: "bumped", NEVRA: "bumped-2.0-1.x86_64", Action: types.PkgTxUpgrade, PreviousNEVRA: "bumped-1.0-1.x86_64"},
		},
	}

	inverse := inverseActions(tx)
	require.Len(t, inverse, 3)

	assert.Equal(t, types.ActionRemove, inverse[0].Action)
	assert.Equal(t, "added-1.0-1.x86_64", inverse[0].NEVRA)

	assert.Equal(t, types.ActionInstall, inverse[1].Action)
	assert.Equal(t, "dropped-1.0-1.x86_64", inverse[1].NEVRA)

	// An upgrade's inverse reinstates the previous NEVRA.
	assert.Equal(t, types.ActionUpgrade, inverse[2].Action)
	assert.Equal(t, "bumped-1.0-1.x86_64", inverse[2].NEVRA)
	assert.Equal(t, "bumped-2.0-1.x86_64", inverse[2].PreviousNEVRA)
}

func TestSplitHostPort(t *testing.T) {
	host, port := splitHostPort("10.0.0.5:8387")
	assert.Equal(t, "10.0.0.5", host)
	assert.Equal(t, 8387, port)

	host, port = splitHostPort("bare-host")
	assert.Equal(t, "bare-host", host)
	assert.Zero(t, port)
}
