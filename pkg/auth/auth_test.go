package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urpmd/urpmd/pkg/types"
)

func TestCLIBackendGrantsEverything(t *testing.T) {
	ac, err := NewCLIBackend().Authorize(context.Background(), []types.Permission{types.PermInstall}, false)
	require.NoError(t, err)

	assert.Equal(t, "cli", ac.Source)
	for _, p := range []types.Permission{
		types.PermQuery, types.PermRefresh, types.PermInstall,
		types.PermRemove, types.PermUpgrade, types.PermMediaManage,
	} {
		assert.True(t, ac.Allows(p), "cli context must allow %s", p)
	}
}

func TestPeerCredPolicyRootOnly(t *testing.T) {
	b := NewPeerCredBackend(DefaultPolicy())
	perms := []types.Permission{types.PermQuery, types.PermInstall, types.PermRemove}

	root := b.authorizeIdentity(context.Background(), 0, 100, perms, false)
	assert.True(t, root.Allows(types.PermInstall))
	assert.True(t, root.Allows(types.PermRemove))
	assert.Empty(t, root.Denied)

	user := b.authorizeIdentity(context.Background(), 1000, 200, perms, false)
	assert.True(t, user.Allows(types.PermQuery), "query is always granted")
	assert.False(t, user.Allows(types.PermInstall))
	assert.True(t, user.Denied[types.PermInstall])
	assert.True(t, user.Denied[types.PermRemove])
	assert.Equal(t, "ipc", user.Source)
}

func TestPeerCredPolicyAllowedUIDs(t *testing.T) {
	b := NewPeerCredBackend(PeerCredPolicy{AllowedUIDs: map[int]bool{987: true}})

	svc := b.authorizeIdentity(context.Background(), 987, 300, []types.Permission{types.PermUpgrade}, false)
	assert.True(t, svc.Allows(types.PermUpgrade))
}

func TestAuthorizeWithoutConnRejected(t *testing.T) {
	b := NewPeerCredBackend(DefaultPolicy())
	_, err := b.Authorize(context.Background(), []types.Permission{types.PermInstall}, false)
	assert.Error(t, err)
}
