// Package ops is the operations façade: the one type that composes the
// Store, Resolver, Download Coordinator, Transaction Queue, Auth Gate,
// and audit sink behind a single surface for a given user intent.
package ops

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/user"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/urpmd/urpmd/pkg/audit"
	"github.com/urpmd/urpmd/pkg/download"
	"github.com/urpmd/urpmd/pkg/errs"
	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/resolver"
	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/txqueue"
	"github.com/urpmd/urpmd/pkg/types"
)

var facadeLog = log.WithComponent("ops")

// invalidateCachePorts are the two well-known local daemon ports (dev,
// prod) the façade notifies after a download run so the daemon drops
// its advertised cache listing; failure is ignored.
var invalidateCachePorts = []int{9630, 8387}

// Facade composes every layer behind one surface.
type Facade struct {
	Store    *store.Store
	Resolver *resolver.Resolver
	RPMRoot  string
	CacheDir string

	PeerClient *download.PeerClient
	DownloadCfg download.Config

	TxExecutor *txqueue.Executor

	Audit *audit.Sink

	httpClient *http.Client
}

// New wires a Facade from its already-constructed layers.
func New(st *store.Store, res *resolver.Resolver, rpmRoot, cacheDir string, peerClient *download.PeerClient, dlCfg download.Config, txExec *txqueue.Executor, auditSink *audit.Sink) *Facade {
	return &Facade{
		Store: st, Resolver: res, RPMRoot: rpmRoot, CacheDir: cacheDir,
		PeerClient: peerClient, DownloadCfg: dlCfg, TxExecutor: txExec, Audit: auditSink,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// BuildDownloadItems separates a resolver plan's local-file actions from
// its remote actions, and for remote actions joins the media +
// servers the Store has on file to produce fully populated
// DownloadItems. The returned map holds the local RPM path for every
// local-install action, keyed by package name, passed straight through
// from localRPMInfos.
func (f *Facade) BuildDownloadItems(ctx context.Context, actions []types.PackageAction, localRPMInfos map[string]string) ([]types.DownloadItem, map[string]string, error) {
	var items []types.DownloadItem
	localPaths := make(map[string]string)

	for _, a := range actions {
		if a.Action == types.ActionRemove {
			continue
		}
		if a.MediaName == "(local)" {
			if path, ok := localRPMInfos[a.Name]; ok {
				localPaths[a.Name] = path
			}
			continue
		}

		media, err := f.Store.GetMedia(ctx, a.MediaName)
		if err != nil {
			return nil, nil, errs.Store("build-download-items", fmt.Errorf("failed to look up media %s for %s: %w", a.MediaName, a.NEVRA, err))
		}

		pkg, err := f.Store.GetPackage(ctx, media.ID, a.NEVRA)
		if err != nil {
			return nil, nil, errs.Store("build-download-items", fmt.Errorf("failed to look up package %s: %w", a.NEVRA, err))
		}

		servers, err := f.Store.GetServersForMedia(ctx, media.ID, true)
		if err != nil {
			return nil, nil, errs.Store("build-download-items", fmt.Errorf("failed to look up servers for media %s: %w", media.Name, err))
		}
		if len(servers) == 0 {
			return nil, nil, errs.Downloadf("build-download-items", "no enabled servers configured for media %s", media.Name)
		}

		items = append(items, types.DownloadItem{
			Name: pkg.Name, Version: pkg.Version, Release: pkg.Release, Arch: pkg.Arch,
			Filename: pkg.Filename, MediaID: media.ID, Servers: servers, Size: pkg.FileSize,
		})
	}

	return items, localPaths, nil
}

// DownloadPackages instantiates a Coordinator for one run and executes
// it, writing any peer failures into the PeerBlacklist table once the
// run completes — the façade, not a worker, so SQLite writes stay
// single-threaded.
func (f *Facade) DownloadPackages(ctx context.Context, items []types.DownloadItem, onlyPeers bool, progressCb download.ProgressCallback) ([]types.DownloadResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	cfg := f.DownloadCfg
	cfg.OnlyPeers = onlyPeers

	coord := download.New(cfg, f.CacheDir, f.Store, f.PeerClient)
	results, err := coord.Run(ctx, items, progressCb)

	for _, key := range coord.FailedPeers() {
		host, port := splitHostPort(key)
		if blErr := f.Store.BlacklistPeer(ctx, host, port, "served invalid or malformed content during download run"); blErr != nil {
			facadeLog.Warn().Err(blErr).Str("peer", key).Msg("failed to persist peer blacklist entry")
		}
	}

	if err != nil {
		return results, err
	}

	f.notifyCacheInvalidation(ctx)
	return results, nil
}

// splitHostPort splits a "host:port" key as produced by the download
// coordinator's peer bookkeeping.
func splitHostPort(key string) (string, int) {
	host, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return key, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// ExecuteInstall builds and submits an install queue for a resolved
// plan, including any coupled erases (obsoleted packages must drop in
// the same RPM transaction). The queue holds that single operation; no
// background orphan-cleanup op is appended.
func (f *Facade) ExecuteInstall(ctx context.Context, ac *types.AuthContext, actions []types.PackageAction, localPaths map[string]string, downloadedPaths map[string]string, sync bool, progressCb txqueue.ProgressCallback) error {
	if !ac.Allows(types.PermInstall) {
		f.auditDenied(ac, string(types.PermInstall))
		return errs.Authorizationf("execute-install", "permission denied: install")
	}

	var paths []string
	var eraseNames []string
	var names []string
	for _, a := range actions {
		switch a.Action {
		case types.ActionRemove:
			eraseNames = append(eraseNames, a.Name)
		default:
			if p, ok := localPaths[a.Name]; ok {
				paths = append(paths, p)
			} else if p, ok := downloadedPaths[a.Name]; ok {
				paths = append(paths, p)
			}
			names = append(names, a.Name)
		}
	}

	f.Audit.OperationStart(ac, "install", names)

	op := types.Operation{
		Type: types.OpInstall, Targets: paths, EraseNames: eraseNames,
		OperationID: uuid.NewString(),
	}
	_, err := f.TxExecutor.Submit(ctx, txqueue.Queue{op}, sync, adaptProgress(progressCb))
	f.Audit.OperationComplete(ac, "install", names, err)
	return err
}

// ExecuteErase builds and submits an erase queue, appending a
// background=true orphan-cleanup erase op when orphans is non-empty.
func (f *Facade) ExecuteErase(ctx context.Context, ac *types.AuthContext, names []string, orphans []string, sync bool, progressCb txqueue.ProgressCallback) error {
	if !ac.Allows(types.PermRemove) {
		f.auditDenied(ac, string(types.PermRemove))
		return errs.Authorizationf("execute-erase", "permission denied: remove")
	}

	f.Audit.OperationStart(ac, "erase", names)

	queue := txqueue.Queue{{
		Type: types.OpErase, Targets: names, OperationID: uuid.NewString(),
	}}
	if len(orphans) > 0 {
		queue = append(queue, types.Operation{
			Type: types.OpErase, Targets: orphans, OperationID: uuid.NewString(), Background: true,
		})
	}

	_, err := f.TxExecutor.Submit(ctx, queue, sync, adaptProgress(progressCb))
	f.Audit.OperationComplete(ac, "erase", names, err)
	return err
}

// ExecuteUpgrade is ExecuteInstall's upgrade-shaped sibling: the same
// install/erase coupling applies (an upgrade plan's remove actions are
// the superseded NEVRAs).
func (f *Facade) ExecuteUpgrade(ctx context.Context, ac *types.AuthContext, actions []types.PackageAction, localPaths, downloadedPaths map[string]string, sync bool, progressCb txqueue.ProgressCallback) error {
	if !ac.Allows(types.PermUpgrade) {
		f.auditDenied(ac, string(types.PermUpgrade))
		return errs.Authorizationf("execute-upgrade", "permission denied: upgrade")
	}
	return f.ExecuteInstall(ctx, ac, actions, localPaths, downloadedPaths, sync, progressCb)
}

// BeginTransaction/CompleteTransaction/AbortTransaction/RecordPackage
// forward directly to the Store; MarkDependencies rebinds the
// installed-through-deps reason file after a transaction completes.

func (f *Facade) BeginTransaction(ctx context.Context, ac *types.AuthContext, action types.TransactionAction, command string) (int64, error) {
	return f.Store.BeginTransaction(ctx, action, command, callerUser(ac))
}

func (f *Facade) RecordPackage(ctx context.Context, txID int64, nevra, name string, action types.PackageTxAction, reason types.InstallReason, previousNEVRA string) error {
	return f.Store.RecordPackage(ctx, txID, nevra, name, action, reason, previousNEVRA)
}

func (f *Facade) CompleteTransaction(ctx context.Context, txID int64, returnCode int) error {
	return f.Store.CompleteTransaction(ctx, txID, returnCode)
}

func (f *Facade) AbortTransaction(ctx context.Context, txID int64) error {
	return f.Store.AbortTransaction(ctx, txID)
}

// callerUser resolves ac's uid to a username for the transaction
// history's user column; falls back to the numeric uid when no passwd
// entry exists.
func callerUser(ac *types.AuthContext) string {
	if ac == nil {
		return ""
	}
	if u, err := user.LookupId(strconv.Itoa(ac.UID)); err == nil {
		return u.Username
	}
	return strconv.Itoa(ac.UID)
}

// MarkDependencies rebinds the resolver's installed-through-deps file:
// names freshly installed as dependencies are marked so, and any name
// present in explicitNames is marked explicit instead (a direct install
// request always wins over a prior dependency reason).
func (f *Facade) MarkDependencies(dependencyNames, explicitNames []string) error {
	if len(dependencyNames) > 0 {
		if err := f.Resolver.MarkAsDependency(dependencyNames); err != nil {
			return err
		}
	}
	if len(explicitNames) > 0 {
		if err := f.Resolver.MarkAsExplicit(explicitNames); err != nil {
			return err
		}
	}
	return nil
}

func (f *Facade) auditDenied(ac *types.AuthContext, permission string) {
	f.Audit.AuthDenied(ac, permission)
}

// notifyCacheInvalidation POSTs to /api/invalidate-cache on both the
// dev and prod local-daemon ports; failure is ignored.
func (f *Facade) notifyCacheInvalidation(ctx context.Context) {
	for _, port := range invalidateCachePorts {
		url := fmt.Sprintf("http://127.0.0.1:%d/api/invalidate-cache", port)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
		if err != nil {
			continue
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			facadeLog.Debug().Err(err).Int("port", port).Msg("cache invalidation notify failed")
			continue
		}
		resp.Body.Close()
	}
}

// adaptProgress returns cb unchanged: the façade's Execute* methods take
// the same txqueue.ProgressCallback that Executor.Submit expects.
func adaptProgress(cb txqueue.ProgressCallback) txqueue.ProgressCallback {
	return cb
}
