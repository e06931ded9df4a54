package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urpmd/urpmd/pkg/types"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), "every audit line is standalone JSON")
		out = append(out, m)
	}
	require.NoError(t, scanner.Err())
	return out
}

func testAuthContext() *types.AuthContext {
	return &types.AuthContext{UID: 1000, PID: 4242, Source: "cli"}
}

func TestAuditEventsAreJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	s, err := Open(path)
	require.NoError(t, err)

	ac := testAuthContext()
	s.OperationStart(ac, "install", []string{"foo", "bar"})
	s.OperationComplete(ac, "install", []string{"foo", "bar"}, nil)
	s.AuthDenied(ac, "remove")
	s.MediaChange(ac, "add", "core")
	require.NoError(t, s.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 4)

	assert.Equal(t, "operation_start", lines[0]["event"])
	assert.Equal(t, float64(1000), lines[0]["uid"])
	assert.Equal(t, float64(4242), lines[0]["pid"])
	assert.Equal(t, "cli", lines[0]["source"])
	assert.Equal(t, true, lines[0]["success"])
	assert.NotEmpty(t, lines[0]["time"])

	assert.Equal(t, "operation_complete", lines[1]["event"])
	assert.Equal(t, "auth_denied", lines[2]["event"])
	assert.Equal(t, false, lines[2]["success"])
	assert.Equal(t, "media_change", lines[3]["event"])
}

func TestFailedOperationRecordsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	s, err := Open(path)
	require.NoError(t, err)

	s.OperationComplete(testAuthContext(), "install", []string{"foo"}, errors.New("download failed"))
	require.NoError(t, s.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, false, lines[0]["success"])
	assert.Equal(t, "download failed", lines[0]["error"])
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	s1, err := Open(path)
	require.NoError(t, err)
	s1.AuthDenied(testAuthContext(), "install")
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	s2.AuthDenied(testAuthContext(), "upgrade")
	require.NoError(t, s2.Close())

	assert.Len(t, readLines(t, path), 2)
}

func TestNilSinkIsSafe(t *testing.T) {
	var s *Sink
	s.Record(Event{Type: EventAuthDenied})
	assert.NoError(t, s.Close())
}
