package ipc

import (
	"context"
	"net"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// peerConnKey is not used: connFromContext finds the connection through
// grpc's peer.FromContext instead of a context key of its own.
type peerConnKey struct{}

// peerAuthInfo is the credentials.AuthInfo grpc attaches to every
// request context for a connection handshaked by connCredentials. It
// carries the raw net.Conn through so request handlers can hand it to
// auth.PeerCredBackend.AuthorizeConn, which reads SO_PEERCRED off it.
type peerAuthInfo struct {
	credentials.CommonAuthInfo
	Conn net.Conn
}

func (peerAuthInfo) AuthType() string { return "unix-peercred" }

// connCredentials is a credentials.TransportCredentials that performs no
// handshake and no encryption: the IPC socket is already restricted to
// local Unix-domain connections (file permissions on the socket path are
// the perimeter), and its only job is to thread the raw net.Conn through
// grpc's connection context so the Auth Gate can read SO_PEERCRED
// (trust the OS transport, not a claimed identity).
type connCredentials struct{}

func (connCredentials) ClientHandshake(_ context.Context, _ string, rawConn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return rawConn, peerAuthInfo{Conn: rawConn}, nil
}

func (connCredentials) ServerHandshake(rawConn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return rawConn, peerAuthInfo{Conn: rawConn}, nil
}

func (connCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "unix-peercred"}
}

func (c connCredentials) Clone() credentials.TransportCredentials { return c }

func (connCredentials) OverrideServerName(string) error { return nil }

// connFromContext recovers the net.Conn a request arrived on from grpc's
// peer info, populated by connCredentials at handshake time.
func connFromContext(ctx context.Context) (net.Conn, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, false
	}
	info, ok := p.AuthInfo.(peerAuthInfo)
	if !ok || info.Conn == nil {
		return nil, false
	}
	return info.Conn, true
}
