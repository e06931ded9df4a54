// Package auth is the gate in front of every mutating operation: the
// façade consults a Backend for the caller's identity and permission
// set before touching the RPM database. The CLI gets every permission
// unconditionally; the IPC surface authenticates callers by reading
// uid/pid straight off the transport — SO_PEERCRED on a Unix-domain
// net.Conn via golang.org/x/sys/unix — instead of trusting a claimed
// identity.
package auth

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/types"
)

var authLog = log.WithComponent("auth")

// allPermissions is the full permission vocabulary.
var allPermissions = []types.Permission{
	types.PermQuery,
	types.PermRefresh,
	types.PermInstall,
	types.PermRemove,
	types.PermUpgrade,
	types.PermMediaManage,
}

// Backend resolves a caller's identity into an AuthContext. Query
// permission is always granted by every implementation.
type Backend interface {
	// Authorize builds the AuthContext for a caller, checking perms
	// (mutating permissions the caller is about to exercise) and noting
	// whether interactive re-authentication (a polkit-style prompt) may
	// be attempted for a denied permission.
	Authorize(ctx context.Context, perms []types.Permission, allowInteraction bool) (*types.AuthContext, error)
}

// CLIBackend grants every permission unconditionally with source "cli".
// The urpm CLI itself does not go through it: cmd/urpm builds an
// equivalent all-permission AuthContext directly, carrying the invoking
// user's uid/pid.
type CLIBackend struct{}

// NewCLIBackend returns the always-grant backend.
func NewCLIBackend() *CLIBackend { return &CLIBackend{} }

func (b *CLIBackend) Authorize(_ context.Context, perms []types.Permission, _ bool) (*types.AuthContext, error) {
	ac := &types.AuthContext{
		UID:     0,
		PID:     0,
		Source:  "cli",
		Granted: make(map[types.Permission]bool, len(allPermissions)),
		Denied:  make(map[types.Permission]bool),
	}
	for _, p := range allPermissions {
		ac.Granted[p] = true
	}
	return ac, nil
}

// PeerCredPolicy decides, for a given uid and permission, whether access
// is granted; uid 0 is always trusted, and AllowedUIDs optionally extends
// specific non-root uids the same trust (e.g. a daemon running
// package-kit under its own service account).
type PeerCredPolicy struct {
	AllowedUIDs map[int]bool
}

// DefaultPolicy grants every permission to uid 0 only; every other
// caller gets query (always granted) and nothing else unless
// allowInteraction is honored by a future polkit-style agent — no such
// agent exists in this tree, so allowInteraction is accepted but has no
// effect beyond being logged alongside each denied permission.
func DefaultPolicy() PeerCredPolicy {
	return PeerCredPolicy{AllowedUIDs: map[int]bool{}}
}

// PeerCredBackend authenticates IPC callers by reading SO_PEERCRED off
// the net.Conn the request arrived on.
type PeerCredBackend struct {
	policy PeerCredPolicy
}

// NewPeerCredBackend returns a backend enforcing policy.
func NewPeerCredBackend(policy PeerCredPolicy) *PeerCredBackend {
	return &PeerCredBackend{policy: policy}
}

// AuthorizeConn is the IPC entry point: it reads the peer's credentials
// off conn (which must be a *net.UnixConn) and authorizes perms for that
// caller.
func (b *PeerCredBackend) AuthorizeConn(ctx context.Context, conn net.Conn, perms []types.Permission, allowInteraction bool) (*types.AuthContext, error) {
	uid, pid, err := peerCredentials(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read peer credentials: %w", err)
	}
	return b.authorizeIdentity(ctx, uid, pid, perms, allowInteraction), nil
}

// Authorize satisfies Backend but always returns an error: this backend
// reads credentials off the connection, so callers must use
// AuthorizeConn.
func (b *PeerCredBackend) Authorize(ctx context.Context, perms []types.Permission, allowInteraction bool) (*types.AuthContext, error) {
	return nil, fmt.Errorf("peer-credential backend requires a connection; use AuthorizeConn")
}

func (b *PeerCredBackend) authorizeIdentity(_ context.Context, uid, pid int, perms []types.Permission, allowInteraction bool) *types.AuthContext {
	ac := &types.AuthContext{
		UID:     uid,
		PID:     pid,
		Source:  "ipc",
		Granted: make(map[types.Permission]bool),
		Denied:  make(map[types.Permission]bool),
	}

	trusted := uid == 0 || b.policy.AllowedUIDs[uid]

	for _, p := range perms {
		switch {
		case p == types.PermQuery:
			ac.Granted[p] = true
		case trusted:
			ac.Granted[p] = true
		default:
			ac.Denied[p] = true
			authLog.Warn().Int("uid", uid).Int("pid", pid).Str("permission", string(p)).
				Bool("allow_interaction", allowInteraction).Msg("permission denied")
		}
	}
	return ac
}

// peerCredentials extracts (uid, pid) from a Unix-domain socket
// connection via SO_PEERCRED.
func peerCredentials(conn net.Conn) (uid, pid int, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, fmt.Errorf("connection is not a unix socket")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return 0, 0, ctrlErr
	}
	if sockErr != nil {
		return 0, 0, sockErr
	}
	return int(ucred.Uid), int(ucred.Pid), nil
}
