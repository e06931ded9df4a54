package store

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urpmd/urpmd/pkg/types"
)

func sliceIterator(files []types.PackageFile) func() (*types.PackageFile, bool) {
	i := 0
	return func() (*types.PackageFile, bool) {
		if i >= len(files) {
			return nil, false
		}
		f := files[i]
		i++
		return &f, true
	}
}

func importTestFiles(t *testing.T, s *Store, mediaID int64) {
	t.Helper()
	files := []types.PackageFile{
		{PkgNEVRA: "neovim-0.9-1.x86_64", DirPath: "/usr/bin", Filename: "nvim"},
		{PkgNEVRA: "neovim-0.9-1.x86_64", DirPath: "/usr/share/nvim", Filename: "sysinit.vim"},
		{PkgNEVRA: "vim-9.0-1.x86_64", DirPath: "/usr/bin", Filename: "vim"},
		{PkgNEVRA: "coreutils-9.1-1.x86_64", DirPath: "/usr/bin", Filename: "ls"},
		{PkgNEVRA: "libnvim-0.9-1.x86_64", DirPath: "/usr/lib64", Filename: "libnvim.so.1"},
	}
	require.NoError(t, s.ImportFilesXML(context.Background(), mediaID, sliceIterator(files), "d41d8cd9", 2048, nil, 2))
}

func nevrasOf(files []*types.PackageFile) []string {
	var out []string
	for _, f := range files {
		out = append(out, f.PkgNEVRA)
	}
	sort.Strings(out)
	return out
}

func TestImportFilesXMLReplacesAndTracksState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := addTestMedia(t, s, "core", 100)

	importTestFiles(t, s, m.ID)

	st, err := s.GetFilesXMLState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd9", st.FilesMD5)
	assert.Equal(t, 5, st.FileCount)
	assert.Equal(t, 4, st.PkgCount)
	assert.Equal(t, int64(2048), st.CompressedSize)

	current, err := s.IsFTSIndexCurrent(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, current)

	// A re-import fully replaces the previous rows.
	replacement := []types.PackageFile{
		{PkgNEVRA: "neovim-0.10-1.x86_64", DirPath: "/usr/bin", Filename: "nvim"},
	}
	require.NoError(t, s.ImportFilesXML(ctx, m.ID, sliceIterator(replacement), "abcd1234", 512, nil, 0))

	files, err := s.SearchFiles(ctx, "nvim", nil, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "neovim-0.10-1.x86_64", files[0].PkgNEVRA)
}

func TestSearchFilesBarePatternMatchesFilenameExactly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := addTestMedia(t, s, "core", 100)
	importTestFiles(t, s, m.ID)

	// "nvim" must match the file named nvim, not libnvim.so.1 and not
	// the /usr/share/nvim path segment.
	files, err := s.SearchFiles(ctx, "nvim", nil, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/usr/bin", files[0].DirPath)
	assert.Equal(t, "nvim", files[0].Filename)

	// Wildcards search as substrings across the full path.
	files, err = s.SearchFiles(ctx, "*nvim*", nil, 0)
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestSearchFilesFTSAndLikeAgree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := addTestMedia(t, s, "core", 100)
	importTestFiles(t, s, m.ID)

	current, err := s.IsFTSIndexCurrent(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, current)
	viaFTS, err := s.SearchFiles(ctx, "nvim", nil, 0)
	require.NoError(t, err)

	// Force the LIKE fallback by marking the mirror dirty.
	s.markFTSDirty(ctx, m.ID)
	viaLike, err := s.SearchFiles(ctx, "nvim", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, nevrasOf(viaFTS), nevrasOf(viaLike))
}

func TestStagedImportFallsBackUntilRebuild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := addTestMedia(t, s, "core", 100)

	files := []types.PackageFile{
		{PkgNEVRA: "foo-1.0-1.x86_64", DirPath: "/usr/bin", Filename: "foo"},
		{PkgNEVRA: "bar-1.0-1.x86_64", DirPath: "/usr/bin", Filename: "bar"},
	}
	require.NoError(t, s.ImportFilesXMLStaged(ctx, m.ID, sliceIterator(files), "ffff", 100, nil, 0))

	// The staged path leaves the mirror stale; searches still work via
	// the base table.
	current, err := s.IsFTSIndexCurrent(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, current)

	got, err := s.SearchFiles(ctx, "foo", nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "foo-1.0-1.x86_64", got[0].PkgNEVRA)

	// Rebuilding restores the FTS path with identical results.
	var lastReported int
	require.NoError(t, s.RebuildFTSIndex(ctx, m.ID, func(done int) { lastReported = done }))
	assert.Equal(t, 2, lastReported)

	current, err = s.IsFTSIndexCurrent(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, current)

	viaFTS, err := s.SearchFiles(ctx, "foo", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, nevrasOf(got), nevrasOf(viaFTS))
}

func TestDifferentialSyncKeepsMirrorInline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := addTestMedia(t, s, "core", 100)
	importTestFiles(t, s, m.ID)

	require.NoError(t, s.DeletePackageFilesByNEVRA(ctx, m.ID, []string{"vim-9.0-1.x86_64"}))
	files, err := s.SearchFiles(ctx, "vim", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, s.InsertPackageFilesBatch(ctx, m.ID, "vim-9.1-1.x86_64", []types.PackageFile{
		{DirPath: "/usr/bin", Filename: "vim"},
	}))
	files, err = s.SearchFiles(ctx, "vim", nil, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "vim-9.1-1.x86_64", files[0].PkgNEVRA)
}

func TestSearchFilesScopedToMedia(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	core := addTestMedia(t, s, "core", 100)
	extras := addTestMedia(t, s, "extras", 10)

	require.NoError(t, s.ImportFilesXML(ctx, core.ID, sliceIterator([]types.PackageFile{
		{PkgNEVRA: "foo-1.0-1.x86_64", DirPath: "/usr/bin", Filename: "tool"},
	}), "a", 1, nil, 0))
	require.NoError(t, s.ImportFilesXML(ctx, extras.ID, sliceIterator([]types.PackageFile{
		{PkgNEVRA: "bar-1.0-1.x86_64", DirPath: "/opt/bin", Filename: "tool"},
	}), "b", 1, nil, 0))

	files, err := s.SearchFiles(ctx, "tool", []int64{extras.ID}, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "bar-1.0-1.x86_64", files[0].PkgNEVRA)
}

func TestImportFilesXMLProgressBatches(t *testing.T) {
	s := openTestStore(t)
	m := addTestMedia(t, s, "core", 100)

	var files []types.PackageFile
	for i := 0; i < 10; i++ {
		files = append(files, types.PackageFile{
			PkgNEVRA: "pkg-1.0-1.x86_64", DirPath: "/usr/share/pkg", Filename: fmt.Sprintf("f%d", i),
		})
	}

	var reports []int
	require.NoError(t, s.ImportFilesXML(context.Background(), m.ID, sliceIterator(files), "c", 1, func(n int) {
		reports = append(reports, n)
	}, 4))
	assert.Equal(t, []int{4, 8, 10}, reports)
}
