package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urpmd/urpmd/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "urpmd.db"), DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addTestMedia(t *testing.T, s *Store, name string, priority int) *types.Media {
	t.Helper()
	m := &types.Media{
		Name: name, ShortName: name, Version: "1", Arch: "x86_64",
		RelativePath: "media/" + name, Enabled: true, Priority: priority,
		Replication: types.ReplicationNone,
	}
	require.NoError(t, s.AddMedia(context.Background(), m))
	return m
}

func testPackage(name, version, release string, caps []types.Capability) *types.Package {
	nevra := name + "-" + version + "-" + release + ".x86_64"
	return &types.Package{
		Name: name, Version: version, Release: release, Arch: "x86_64",
		NEVRA: nevra, Filename: nevra + ".rpm", Summary: name + " summary",
		FileSize: 1000, InstalledSize: 3000, Capabilities: caps,
	}
}

func TestMediaRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "core", 100)
	assert.NotZero(t, m.ID)

	got, err := s.GetMedia(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, "core", got.Name)
	assert.Equal(t, 100, got.Priority)
	assert.True(t, got.Enabled)

	media, err := s.ListMedia(ctx)
	require.NoError(t, err)
	require.Len(t, media, 1)
}

func TestMediaUniqueNameRejected(t *testing.T) {
	s := openTestStore(t)
	addTestMedia(t, s, "core", 100)

	dup := &types.Media{Name: "core", ShortName: "other", Version: "2", Arch: "x86_64"}
	assert.Error(t, s.AddMedia(context.Background(), dup))
}

func TestRemoveMediaCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "core", 100)
	require.NoError(t, s.ReplacePackages(ctx, m.ID, []*types.Package{
		testPackage("foo", "1.0", "1", []types.Capability{
			{Kind: types.CapProvides, Name: "foo"},
		}),
	}))
	require.NoError(t, s.InsertPackageFilesBatch(ctx, m.ID, "foo-1.0-1.x86_64", []types.PackageFile{
		{DirPath: "/usr/bin", Filename: "foo"},
	}))

	require.NoError(t, s.RemoveMedia(ctx, "core"))

	// add_media(X); remove_media(X) leaves no orphan rows behind.
	n, err := s.CountPackages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	files, err := s.SearchFiles(ctx, "foo", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, files)

	media, err := s.ListMedia(ctx)
	require.NoError(t, err)
	assert.Empty(t, media)
}

func TestServersForMediaOrderedByPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "core", 100)

	low := &types.Server{Protocol: "http", Host: "mirror-b.example.org", BasePath: "/pub", Enabled: true, Priority: 10, IPMode: types.IPModeAuto}
	high := &types.Server{Protocol: "https", Host: "mirror-a.example.org", BasePath: "/pub", Enabled: true, Priority: 50, IPMode: types.IPModeAuto}
	disabled := &types.Server{Protocol: "http", Host: "mirror-c.example.org", BasePath: "/pub", Enabled: false, Priority: 99, IPMode: types.IPModeAuto}
	for _, srv := range []*types.Server{low, high, disabled} {
		require.NoError(t, s.AddServer(ctx, srv))
		require.NoError(t, s.LinkServerMedia(ctx, srv.ID, m.ID, ""))
	}

	servers, err := s.GetServersForMedia(ctx, m.ID, true)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "mirror-a.example.org", servers[0].Host)
	assert.Equal(t, "mirror-b.example.org", servers[1].Host)

	all, err := s.GetServersForMedia(ctx, m.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestServerURLRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "core", 100)
	srv := &types.Server{Protocol: "https", Host: "mirror.example.org", BasePath: "/pub/linux", Enabled: true, IPMode: types.IPModeV4}
	require.NoError(t, s.AddServer(ctx, srv))
	require.NoError(t, s.LinkServerMedia(ctx, srv.ID, m.ID, ""))

	servers, err := s.GetServersForMedia(ctx, m.ID, true)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "mirror.example.org", servers[0].Host)
	assert.Equal(t, "/pub/linux", servers[0].BasePath)
	assert.Equal(t, types.IPModeV4, servers[0].IPMode)
}

func TestGetPackageSmartByNameAndNEVRA(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "core", 100)
	require.NoError(t, s.ReplacePackages(ctx, m.ID, []*types.Package{
		testPackage("foo", "1.0", "1", nil),
		testPackage("foo", "2.0", "1", nil),
		testPackage("bar", "1.0", "1", nil),
	}))

	byName, err := s.GetPackageSmart(ctx, "foo")
	require.NoError(t, err)
	require.Len(t, byName, 2)
	assert.Equal(t, "2.0", byName[0].Version) // newest EVR first
	assert.Equal(t, "core", byName[0].MediaName)

	byNEVRA, err := s.GetPackageSmart(ctx, "foo-1.0-1.x86_64")
	require.NoError(t, err)
	require.Len(t, byNEVRA, 1)
	assert.Equal(t, "1.0", byNEVRA[0].Version)
}

func TestWhatProvidesAndRequires(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "core", 100)
	require.NoError(t, s.ReplacePackages(ctx, m.ID, []*types.Package{
		testPackage("libfoo", "1.0", "1", []types.Capability{
			{Kind: types.CapProvides, Name: "libfoo.so.2"},
		}),
		testPackage("app", "1.0", "1", []types.Capability{
			{Kind: types.CapRequires, Name: "libfoo.so.2", Op: types.OpGE, EVR: "1.0", HasVer: true},
		}),
	}))

	providers, err := s.WhatProvides(ctx, "libfoo.so.2")
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "libfoo", providers[0].Name)

	requirers, err := s.WhatRequires(ctx, "libfoo.so.2")
	require.NoError(t, err)
	require.Len(t, requirers, 1)
	assert.Equal(t, "app", requirers[0].Name)

	caps, err := s.GetCapabilities(ctx, requirers[0].ID, types.CapRequires)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, types.OpGE, caps[0].Op)
	assert.Equal(t, "1.0", caps[0].EVR)
	assert.True(t, caps[0].HasVer)
}

func TestWhatObsoletes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "core", 100)
	require.NoError(t, s.ReplacePackages(ctx, m.ID, []*types.Package{
		testPackage("bar", "2.0", "1", []types.Capability{
			{Kind: types.CapObsoletes, Name: "baz", Op: types.OpLT, EVR: "2.0", HasVer: true},
		}),
		testPackage("unrelated", "1.0", "1", nil),
	}))

	obsoleters, err := s.WhatObsoletes(ctx, "baz")
	require.NoError(t, err)
	require.Len(t, obsoleters, 1)
	assert.Equal(t, "bar", obsoleters[0].Name)

	none, err := s.WhatObsoletes(ctx, "bar")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDisabledMediaExcludedFromLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "extras", 10)
	require.NoError(t, s.ReplacePackages(ctx, m.ID, []*types.Package{testPackage("foo", "1.0", "1", nil)}))
	require.NoError(t, s.SetMediaEnabled(ctx, "extras", false))

	pkgs, err := s.GetPackageSmart(ctx, "foo")
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestPinPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddPin(ctx, &types.Pin{PackagePattern: "foo*", MediaPattern: "core", Priority: 50}))
	require.NoError(t, s.AddPin(ctx, &types.Pin{PackagePattern: "foo*", MediaPattern: "*", Priority: 20}))

	// Highest matching pin wins.
	p, err := s.GetPinPriority(ctx, "foobar", "core", 5)
	require.NoError(t, err)
	assert.Equal(t, 50, p)

	// Only the wildcard-media pin matches.
	p, err = s.GetPinPriority(ctx, "foobar", "extras", 5)
	require.NoError(t, err)
	assert.Equal(t, 20, p)

	// No pin matches: media default.
	p, err = s.GetPinPriority(ctx, "bar", "core", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, p)
}

func TestHolds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddHold(ctx, "kernel"))
	require.NoError(t, s.AddHold(ctx, "kernel")) // idempotent

	held, err := s.IsHeld(ctx, "kernel")
	require.NoError(t, err)
	assert.True(t, held)

	names, err := s.ListHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kernel"}, names)

	require.NoError(t, s.RemoveHold(ctx, "kernel"))
	held, err = s.IsHeld(ctx, "kernel")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestTransactionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.BeginTransaction(ctx, types.TxActionInstall, "urpm install foo", "root")
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, s.RecordPackage(ctx, id, "foo-1.0-1.x86_64", "foo", types.PkgTxInstall, types.ReasonExplicit, ""))
	require.NoError(t, s.RecordPackage(ctx, id, "libfoo-1.0-1.x86_64", "libfoo", types.PkgTxInstall, types.ReasonDependency, ""))
	require.NoError(t, s.CompleteTransaction(ctx, id, 0))

	got, err := s.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TxStatusComplete, got.Status)
	assert.Equal(t, "root", got.User)
	assert.Zero(t, got.ReturnCode)
	require.Len(t, got.Packages, 2)
	// Recorded order is preserved.
	assert.Equal(t, "foo", got.Packages[0].Name)
	assert.Equal(t, "libfoo", got.Packages[1].Name)
	assert.Equal(t, types.ReasonDependency, got.Packages[1].Reason)
}

func TestLastTransactionSkipsUndone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t1, err := s.BeginTransaction(ctx, types.TxActionInstall, "t1", "root")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTransaction(ctx, t1, 0))

	t2, err := s.BeginTransaction(ctx, types.TxActionInstall, "t2", "root")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTransaction(ctx, t2, 0))

	undo, err := s.BeginTransaction(ctx, types.TxActionUndo, "undo", "root")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTransaction(ctx, undo, 0))
	require.NoError(t, s.MarkUndone(ctx, t2, undo))

	// A transaction may be undone at most once.
	assert.Error(t, s.MarkUndone(ctx, t2, undo))

	last, err := s.GetLastTransaction(ctx)
	require.NoError(t, err)
	assert.Equal(t, undo, last.ID)
}

func TestAbortedTransactionMarkedInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.BeginTransaction(ctx, types.TxActionInstall, "t", "root")
	require.NoError(t, err)
	require.NoError(t, s.AbortTransaction(ctx, id))

	got, err := s.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TxStatusInterrupted, got.Status)
	assert.Equal(t, 130, got.ReturnCode)

	require.NoError(t, s.MarkTransactionCleaned(ctx, id))
	got, err = s.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TxStatusCleaned, got.Status)
}

func TestCacheAccounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCacheFile(ctx, &types.CacheFile{
		Filename: "foo-1.0-1.x86_64.rpm", MediaID: 1, FilePath: "/cache/foo-1.0-1.x86_64.rpm",
		FileSize: 1234, Source: "upstream",
	}))
	require.NoError(t, s.RecordCacheFile(ctx, &types.CacheFile{
		Filename: "bar-1.0-1.x86_64.rpm", MediaID: 1, FileSize: 4321, Source: "peer",
	}))

	files, bytes, err := s.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, files)
	assert.Equal(t, int64(5555), bytes)

	cf, err := s.GetCacheFile(ctx, "foo-1.0-1.x86_64.rpm")
	require.NoError(t, err)
	assert.True(t, cf.IsReferenced)
	assert.Equal(t, "upstream", cf.Source)

	// A synthesis refresh that no longer lists bar makes it evictable.
	require.NoError(t, s.RefreshCacheReferences(ctx, 1, []string{"foo-1.0-1.x86_64.rpm"}))
	evictable, err := s.ListEvictableCacheFiles(ctx)
	require.NoError(t, err)
	require.Len(t, evictable, 1)
	assert.Equal(t, "bar-1.0-1.x86_64.rpm", evictable[0].Filename)

	require.NoError(t, s.RemoveCacheFile(ctx, "bar-1.0-1.x86_64.rpm"))
	total, err := s.CacheSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), total)
}

func TestPeerProvenanceAndBlacklist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordPeerDownload(ctx, &types.PeerDownload{
		Filename: "foo-1.0-1.x86_64.rpm", FilePath: "/cache/foo-1.0-1.x86_64.rpm",
		PeerHost: "10.0.0.5", PeerPort: 8387, Size: 1234,
		SHA256: "aabbcc", Verified: true,
	}))

	rows, err := s.ListPeerDownloadsByHost(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "aabbcc", rows[0].SHA256)
	assert.True(t, rows[0].Verified)

	require.NoError(t, s.BlacklistPeer(ctx, "10.0.0.5", 8387, "served invalid content"))
	bl, err := s.IsPeerBlacklisted(ctx, "10.0.0.5", 8387)
	require.NoError(t, err)
	assert.True(t, bl)

	// port=0 blacklists the host on any port.
	require.NoError(t, s.BlacklistPeer(ctx, "10.0.0.6", 0, "operator"))
	bl, err = s.IsPeerBlacklisted(ctx, "10.0.0.6", 9999)
	require.NoError(t, err)
	assert.True(t, bl)

	require.NoError(t, s.UnblacklistPeer(ctx, "10.0.0.5", 8387))
	bl, err = s.IsPeerBlacklisted(ctx, "10.0.0.5", 8387)
	require.NoError(t, err)
	assert.False(t, bl)

	require.NoError(t, s.DeletePeerDownloadsByHost(ctx, "10.0.0.5"))
	rows, err = s.ListPeerDownloadsByHost(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMirrorSettingsFilterSharing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addTestMedia(t, s, "core", 100)
	m2 := &types.Media{
		Name: "old", ShortName: "old", Version: "9.0", Arch: "x86_64",
		Enabled: true, Replication: types.ReplicationNone,
	}
	require.NoError(t, s.AddMedia(ctx, m2))

	// Nothing shared by default.
	shared, err := s.ListMediaForSharing(ctx)
	require.NoError(t, err)
	assert.Empty(t, shared)

	require.NoError(t, s.UpdateMediaMirrorSettings(ctx, "core", true, nil))
	require.NoError(t, s.UpdateMediaMirrorSettings(ctx, "old", true, []string{"9.*"}))

	shared, err = s.ListMediaForSharing(ctx)
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, "core", shared[0].Name)

	mc, err := s.GetMirrorConfig(ctx, m2.ID)
	require.NoError(t, err)
	assert.True(t, mc.Enabled)
	assert.Equal(t, []string{"9.*"}, mc.DisabledVersions)
}

func TestCountStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := addTestMedia(t, s, "core", 100)
	require.NoError(t, s.ReplacePackages(ctx, m.ID, []*types.Package{
		testPackage("foo", "1.0", "1", nil),
		testPackage("bar", "1.0", "1", nil),
	}))
	require.NoError(t, s.AddPin(ctx, &types.Pin{PackagePattern: "foo", Priority: 1}))
	require.NoError(t, s.AddHold(ctx, "bar"))

	counts, err := s.CountPackagesByMedia(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["core"])

	pins, err := s.CountPins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pins)

	holds, err := s.CountHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, holds)

	n, err := s.CountMedia(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
