package errs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_PreservesUnwrap(t *testing.T) {
	root := errors.New("database is locked")
	err := Store("complete_transaction", root)

	assert.True(t, errors.Is(err, root))
	assert.Equal(t, CategoryStore, err.Category)
}

func TestIs_MatchesCategory(t *testing.T) {
	err := Download("fetch", errors.New("connection refused"))

	assert.True(t, Is(err, CategoryDownload))
	assert.False(t, Is(err, CategoryStore))
	assert.False(t, Is(errors.New("plain"), CategoryDownload))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 130, ExitCode(context.Canceled))
	assert.Equal(t, 1, ExitCode(Resolutionf("resolve_install", "no candidate for %s", "foo")))
}

func TestErrorMessage_IncludesCategoryAndOp(t *testing.T) {
	err := Transactionf("ts_run", "scriptlet failed for %s", "foo-1.0-1")
	assert.Contains(t, err.Error(), "transaction")
	assert.Contains(t, err.Error(), "ts_run")
	assert.Contains(t, err.Error(), "foo-1.0-1")
}
