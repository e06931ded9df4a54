package ipc

import (
	"context"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"

	"github.com/urpmd/urpmd/pkg/auth"
	"github.com/urpmd/urpmd/pkg/errs"
	"github.com/urpmd/urpmd/pkg/events"
	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/ops"
	"github.com/urpmd/urpmd/pkg/resolver"
	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/types"
)

var ipcLog = log.WithComponent("ipc")

// Server is the operations façade exposed over gRPC for GUI and
// package-kit integration: a Unix-domain-socket server with one method
// per verb, authenticating callers via SO_PEERCRED (pkg/auth) —
// every caller is local, so there is no transport to encrypt.
type Server struct {
	Facade   *ops.Facade
	Store    *store.Store
	Resolver *resolver.Resolver
	Auth     *auth.PeerCredBackend
	Broker   *events.Broker

	SocketPath string

	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer wires a Server from its already-constructed collaborators.
func NewServer(facade *ops.Facade, st *store.Store, res *resolver.Resolver, authBackend *auth.PeerCredBackend, broker *events.Broker, socketPath string) *Server {
	return &Server{
		Facade: facade, Store: st, Resolver: res, Auth: authBackend, Broker: broker,
		SocketPath: socketPath,
	}
}

// Start binds the Unix domain socket and begins serving; it returns once
// the listener is ready, running the accept loop in a goroutine.
func (s *Server) Start() error {
	_ = os.Remove(s.SocketPath)
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.SocketPath, err)
	}
	s.listener = ln

	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.Creds(connCredentials{}),
	)
	s.grpcServer.RegisterService(&serviceDesc, (*serverHandler)(s))

	go func() {
		if err := s.grpcServer.Serve(ln); err != nil {
			ipcLog.Debug().Err(err).Msg("ipc server stopped serving")
		}
	}()

	ipcLog.Info().Str("socket", s.SocketPath).Msg("ipc server listening")
	return nil
}

// Stop gracefully drains in-flight calls and removes the socket file.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	_ = os.Remove(s.SocketPath)
}

// serverHandler adapts *Server's public fields to the unexported
// handler interface service.go's ServiceDesc requires; the indirection
// keeps grpc's RegisterService type-check (which compares HandlerType
// against the concrete registered value) from forcing every method onto
// Server's own exported surface.
type serverHandler Server

func (s *serverHandler) authorize(ctx context.Context, perm types.Permission) (*types.AuthContext, error) {
	conn, ok := connFromContext(ctx)
	if !ok {
		return nil, errs.Authorizationf("ipc", "no peer connection in context")
	}
	ac, err := s.Auth.AuthorizeConn(ctx, conn, []types.Permission{perm}, false)
	if err != nil {
		return nil, err
	}
	if !ac.Allows(perm) {
		return ac, errs.Authorizationf("ipc", "permission denied: %s", perm)
	}
	return ac, nil
}

func (s *serverHandler) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if _, err := s.authorize(ctx, types.PermQuery); err != nil {
		return nil, err
	}
	// Query is treated the same way the CLI's "show" resolves a
	// package spec: the store's name/NEVRA index resolves exact specs.
	pkgs, err := s.Store.GetPackageSmart(ctx, req.Query)
	if err != nil {
		return nil, errs.Store("ipc-search", err)
	}
	out := make([]types.Package, 0, len(pkgs))
	for i, p := range pkgs {
		if req.Limit > 0 && i >= req.Limit {
			break
		}
		out = append(out, *p)
	}
	return &SearchResponse{Packages: out}, nil
}

func (s *serverHandler) GetPackageInfo(ctx context.Context, req *PackageInfoRequest) (*PackageInfoResponse, error) {
	if _, err := s.authorize(ctx, types.PermQuery); err != nil {
		return nil, err
	}
	pkgs, err := s.Store.GetPackageSmart(ctx, req.Spec)
	if err != nil {
		return nil, errs.Store("ipc-package-info", err)
	}
	out := make([]types.Package, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, *p)
	}
	return &PackageInfoResponse{Packages: out}, nil
}

func (s *serverHandler) ResolvePackages(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	if _, err := s.authorize(ctx, types.PermQuery); err != nil {
		return nil, err
	}
	var (
		result *types.ResolverResult
		err    error
	)
	switch req.Verb {
	case "remove":
		result, err = s.Resolver.ResolveRemove(ctx, req.Names, false, false)
	case "upgrade":
		result, err = s.Resolver.ResolveUpgrade(ctx, req.Names, req.LocalRPMs)
	default:
		result, err = s.Resolver.ResolveInstall(ctx, req.Names, req.Choices, req.LocalRPMs)
	}
	if err != nil {
		return nil, errs.Resolution("ipc-resolve", err)
	}
	return &ResolveResponse{Result: result}, nil
}

func (s *serverHandler) InstallPackages(ctx context.Context, req *InstallRequest) (*OperationResponse, error) {
	ac, err := s.authorize(ctx, types.PermInstall)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventOperationStart, req.OperationID, "", 0, 0, "install starting", false)
	outcome, err := s.Facade.Install(ctx, ac, req.Names, ops.InstallOptions{
		Choices: req.Choices, LocalRPMs: req.LocalRPMs, OnlyPeers: req.OnlyPeers,
		Sync: req.Sync, CommandLine: req.CommandLine,
		ProgressCb: s.legacyProgressAdapter(req.OperationID),
		DownloadCb: s.progressAdapter(req.OperationID),
	})
	s.publishComplete(req.OperationID, err)
	if err != nil {
		return nil, err
	}
	return &OperationResponse{TransactionID: outcome.TransactionID, Result: outcome.Result}, nil
}

func (s *serverHandler) RemovePackages(ctx context.Context, req *RemoveRequest) (*OperationResponse, error) {
	ac, err := s.authorize(ctx, types.PermRemove)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventOperationStart, req.OperationID, "", 0, 0, "remove starting", false)
	outcome, err := s.Facade.Remove(ctx, ac, req.Names, req.EraseRecommends, req.KeepSuggests, req.Sync, req.CommandLine, s.legacyProgressAdapter(req.OperationID))
	s.publishComplete(req.OperationID, err)
	if err != nil {
		return nil, err
	}
	return &OperationResponse{TransactionID: outcome.TransactionID, Result: outcome.Result}, nil
}

func (s *serverHandler) UpgradePackages(ctx context.Context, req *UpgradeRequest) (*OperationResponse, error) {
	ac, err := s.authorize(ctx, types.PermUpgrade)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventOperationStart, req.OperationID, "", 0, 0, "upgrade starting", false)
	outcome, err := s.Facade.Upgrade(ctx, ac, req.Names, ops.InstallOptions{
		LocalRPMs: req.LocalRPMs, OnlyPeers: req.OnlyPeers, Sync: req.Sync, CommandLine: req.CommandLine,
		ProgressCb: s.legacyProgressAdapter(req.OperationID),
		DownloadCb: s.progressAdapter(req.OperationID),
	})
	s.publishComplete(req.OperationID, err)
	if err != nil {
		return nil, err
	}
	return &OperationResponse{TransactionID: outcome.TransactionID, Result: outcome.Result}, nil
}

// RefreshMetadata reports the media names it was asked to refresh but
// performs no network sync: the synthesis/files.xml media-metadata
// fetcher lives outside this module.
func (s *serverHandler) RefreshMetadata(ctx context.Context, req *RefreshMetadataRequest) (*RefreshMetadataResponse, error) {
	if _, err := s.authorize(ctx, types.PermRefresh); err != nil {
		return nil, err
	}
	if req.MediaName != "" {
		return &RefreshMetadataResponse{Refreshed: []string{req.MediaName}}, nil
	}
	media, err := s.Store.ListMedia(ctx)
	if err != nil {
		return nil, errs.Store("ipc-refresh", err)
	}
	names := make([]string, 0, len(media))
	for _, m := range media {
		if m.Enabled {
			names = append(names, m.Name)
		}
	}
	return &RefreshMetadataResponse{Refreshed: names}, nil
}

func (s *serverHandler) GetUpdates(ctx context.Context, req *GetUpdatesRequest) (*GetUpdatesResponse, error) {
	if _, err := s.authorize(ctx, types.PermQuery); err != nil {
		return nil, err
	}
	result, err := s.Resolver.ResolveUpgrade(ctx, nil, nil)
	if err != nil {
		return nil, errs.Resolution("ipc-get-updates", err)
	}
	return &GetUpdatesResponse{Actions: result.Actions}, nil
}

func (s *serverHandler) PreviewInstall(ctx context.Context, req *PreviewInstallRequest) (*PreviewInstallResponse, error) {
	if _, err := s.authorize(ctx, types.PermQuery); err != nil {
		return nil, err
	}
	result, err := s.Resolver.ResolveInstall(ctx, req.Names, nil, req.LocalRPMs)
	if err != nil {
		return nil, errs.Resolution("ipc-preview-install", err)
	}
	return &PreviewInstallResponse{Result: result}, nil
}

// CancelOperation is accepted but not wired to an in-flight cancel
// signal: the txqueue child, once started, always runs to the next
// whole-package boundary. Currently always reports not accepted.
func (s *serverHandler) CancelOperation(ctx context.Context, req *CancelOperationRequest) (*CancelOperationResponse, error) {
	if _, err := s.authorize(ctx, types.PermQuery); err != nil {
		return nil, err
	}
	return &CancelOperationResponse{Accepted: false}, nil
}

func (s *serverHandler) subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	if _, err := s.authorize(stream.Context(), types.PermQuery); err != nil {
		return err
	}

	sub := s.Broker.Subscribe()
	defer s.Broker.Unsubscribe(sub)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if req.OperationID != "" && ev.OperationID != req.OperationID {
				continue
			}
			out := &StreamEvent{
				ID: ev.ID, Type: string(ev.Type), OperationID: ev.OperationID,
				Package: ev.Package, Current: ev.Current, Total: ev.Total,
				Message: ev.Message, Success: ev.Success,
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func (s *serverHandler) publish(t events.EventType, opID, pkg string, current, total int, msg string, success bool) {
	s.Broker.Publish(&events.Event{Type: t, OperationID: opID, Package: pkg, Current: current, Total: total, Message: msg, Success: success})
}

func (s *serverHandler) publishComplete(opID string, err error) {
	msg := "ok"
	if err != nil {
		msg = err.Error()
	}
	s.publish(events.EventOperationComplete, opID, "", 0, 0, msg, err == nil)
}

func (s *serverHandler) progressAdapter(opID string) func(currentPkg string, done, total int, bytesDone, bytesTotal int64) {
	return func(currentPkg string, done, total int, bytesDone, bytesTotal int64) {
		s.publish(events.EventOperationProgress, opID, currentPkg, done, total, "downloading", false)
	}
}

func (s *serverHandler) legacyProgressAdapter(opID string) func(phase string, current, total int, message string) {
	return func(phase string, current, total int, message string) {
		s.publish(events.EventOperationProgress, opID, "", current, total, fmt.Sprintf("%s: %s", phase, message), false)
	}
}

// connFromContext is declared in peer.go, backed by the connCredentials
// handshake that threads the raw net.Conn through grpc's peer info.
