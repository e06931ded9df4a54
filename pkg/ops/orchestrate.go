// Orchestrate.go composes the façade's building blocks (Resolver →
// Download Coordinator → Transaction Queue) into the one-call-per-verb
// shape both cmd/urpm and pkg/ipc need, recording transaction history
// and rebinding dependency-reason state along the way.
package ops

import (
	"context"
	"fmt"

	"github.com/urpmd/urpmd/pkg/download"
	"github.com/urpmd/urpmd/pkg/errs"
	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/txqueue"
	"github.com/urpmd/urpmd/pkg/types"
)

var orchLog = log.WithComponent("ops.orchestrate")

// InstallOptions tunes one Install call.
type InstallOptions struct {
	Choices      map[string]string // capability -> chosen provider name, for alternatives
	LocalRPMs    map[string]string // name -> local .rpm path
	OnlyPeers    bool
	Sync         bool
	CommandLine  string
	ProgressCb   func(phase string, current, total int, message string)
	DownloadCb   func(currentPkg string, done, total int, bytesDone, bytesTotal int64)
}

// OperationOutcome is what every orchestrated verb returns: the
// resolver's plan (for display) plus the transaction id it was recorded
// under, or Result.Success=false with Problems/Alternatives populated
// when resolution failed before any mutation occurred.
type OperationOutcome struct {
	Result        *types.ResolverResult
	TransactionID int64
}

// Install resolves names (honoring Choices/LocalRPMs), downloads
// whatever isn't already local or cached, executes the install
// transaction (coupled with any obsoletes erases the resolver planned),
// and rebinds dependency-reason state.
func (f *Facade) Install(ctx context.Context, ac *types.AuthContext, names []string, opts InstallOptions) (*OperationOutcome, error) {
	if !ac.Allows(types.PermInstall) {
		f.auditDenied(ac, string(types.PermInstall))
		return nil, errs.Authorizationf("install", "permission denied: install")
	}

	result, err := f.Resolver.ResolveInstall(ctx, names, opts.Choices, opts.LocalRPMs)
	if err != nil {
		return nil, errs.Resolution("install", err)
	}
	if !result.Success {
		return &OperationOutcome{Result: result}, nil
	}

	return f.executePlan(ctx, ac, types.TxActionInstall, "install", names, result, opts)
}

// Remove resolves the reverse-dependency closure for names and executes
// the erase transaction. ExecuteErase is called without orphans, so no
// background orphan-cleanup op is appended.
func (f *Facade) Remove(ctx context.Context, ac *types.AuthContext, names []string, eraseRecommends, keepSuggests bool, sync bool, commandLine string, progressCb func(phase string, current, total int, message string)) (*OperationOutcome, error) {
	if !ac.Allows(types.PermRemove) {
		f.auditDenied(ac, string(types.PermRemove))
		return nil, errs.Authorizationf("remove", "permission denied: remove")
	}

	result, err := f.Resolver.ResolveRemove(ctx, names, eraseRecommends, keepSuggests)
	if err != nil {
		return nil, errs.Resolution("remove", err)
	}
	if !result.Success {
		return &OperationOutcome{Result: result}, nil
	}

	txID, err := f.Store.BeginTransaction(ctx, types.TxActionRemove, commandLine, callerUser(ac))
	if err != nil {
		return nil, errs.Store("remove", err)
	}

	var eraseNames []string
	for _, a := range result.Actions {
		eraseNames = append(eraseNames, a.Name)
	}

	if execErr := f.ExecuteErase(ctx, ac, eraseNames, nil, sync, adaptLegacyProgress(progressCb)); execErr != nil {
		_ = f.Store.AbortTransaction(ctx, txID)
		return nil, execErr
	}

	if recErr := f.recordPlanPackages(ctx, txID, result.Actions); recErr != nil {
		orchLog.Warn().Err(recErr).Int64("tx", txID).Msg("failed to record transaction packages")
	}
	if err := f.Store.CompleteTransaction(ctx, txID, 0); err != nil {
		return nil, errs.Store("remove", err)
	}

	return &OperationOutcome{Result: result, TransactionID: txID}, nil
}

// Upgrade resolves an upgrade plan (full system upgrade when names is
// empty) and runs it through the same install/erase coupling as
// Install, since an upgrade is a remove+install of the same name.
func (f *Facade) Upgrade(ctx context.Context, ac *types.AuthContext, names []string, opts InstallOptions) (*OperationOutcome, error) {
	if !ac.Allows(types.PermUpgrade) {
		f.auditDenied(ac, string(types.PermUpgrade))
		return nil, errs.Authorizationf("upgrade", "permission denied: upgrade")
	}

	result, err := f.Resolver.ResolveUpgrade(ctx, names, opts.LocalRPMs)
	if err != nil {
		return nil, errs.Resolution("upgrade", err)
	}
	if !result.Success {
		return &OperationOutcome{Result: result}, nil
	}

	return f.executePlan(ctx, ac, types.TxActionUpgrade, "upgrade", names, result, opts)
}

// executePlan is the shared tail of Install/Upgrade: begin the
// transaction, build+download items, submit the queue, record packages,
// rebind dependency reasons, complete or abort.
func (f *Facade) executePlan(ctx context.Context, ac *types.AuthContext, txAction types.TransactionAction, verb string, requestedNames []string, result *types.ResolverResult, opts InstallOptions) (*OperationOutcome, error) {
	txID, err := f.Store.BeginTransaction(ctx, txAction, opts.CommandLine, callerUser(ac))
	if err != nil {
		return nil, errs.Store(verb, err)
	}

	items, localPaths, err := f.BuildDownloadItems(ctx, result.Actions, opts.LocalRPMs)
	if err != nil {
		_ = f.Store.AbortTransaction(ctx, txID)
		return nil, err
	}

	var downloadedPaths map[string]string
	if len(items) > 0 {
		dlCb := adaptDownloadProgress(opts.DownloadCb)
		results, dlErr := f.DownloadPackages(ctx, items, opts.OnlyPeers, dlCb)
		downloadedPaths = make(map[string]string, len(results))
		var missing []string
		for _, r := range results {
			if r.Err != nil {
				missing = append(missing, r.Item.Name)
				continue
			}
			downloadedPaths[r.Item.Name] = r.Path
		}
		if len(missing) > 0 {
			_ = f.Store.AbortTransaction(ctx, txID)
			return nil, errs.Downloadf(verb, "failed to obtain %d package(s): %v", len(missing), missing)
		}
		if dlErr != nil {
			_ = f.Store.AbortTransaction(ctx, txID)
			return nil, dlErr
		}
	}

	var execErr error
	switch txAction {
	case types.TxActionUpgrade:
		execErr = f.ExecuteUpgrade(ctx, ac, result.Actions, localPaths, downloadedPaths, opts.Sync, adaptLegacyProgress(opts.ProgressCb))
	default:
		execErr = f.ExecuteInstall(ctx, ac, result.Actions, localPaths, downloadedPaths, opts.Sync, adaptLegacyProgress(opts.ProgressCb))
	}
	if execErr != nil {
		_ = f.Store.AbortTransaction(ctx, txID)
		return nil, execErr
	}

	if recErr := f.recordPlanPackages(ctx, txID, result.Actions); recErr != nil {
		orchLog.Warn().Err(recErr).Int64("tx", txID).Msg("failed to record transaction packages")
	}

	var depNames, explicitNames []string
	requested := make(map[string]bool, len(requestedNames))
	for _, n := range requestedNames {
		requested[n] = true
	}
	for _, a := range result.Actions {
		if a.Action == types.ActionRemove {
			continue
		}
		if requested[a.Name] {
			explicitNames = append(explicitNames, a.Name)
		} else if a.Reason == types.ReasonDependency {
			depNames = append(depNames, a.Name)
		}
	}
	if markErr := f.MarkDependencies(depNames, explicitNames); markErr != nil {
		orchLog.Warn().Err(markErr).Msg("failed to rebind installed-reason state")
	}

	if err := f.Store.CompleteTransaction(ctx, txID, 0); err != nil {
		return nil, errs.Store(verb, err)
	}

	return &OperationOutcome{Result: result, TransactionID: txID}, nil
}

func (f *Facade) recordPlanPackages(ctx context.Context, txID int64, actions []types.PackageAction) error {
	for _, a := range actions {
		var action types.PackageTxAction
		switch a.Action {
		case types.ActionInstall:
			action = types.PkgTxInstall
		case types.ActionUpgrade:
			action = types.PkgTxUpgrade
		case types.ActionDowngrade:
			action = types.PkgTxDowngrade
		case types.ActionRemove:
			action = types.PkgTxRemove
		}
		if err := f.Store.RecordPackage(ctx, txID, a.NEVRA, a.Name, action, a.Reason, a.PreviousNEVRA); err != nil {
			return fmt.Errorf("failed to record %s: %w", a.NEVRA, err)
		}
	}
	return nil
}

// Undo reverses the last complete transaction: it computes the inverse
// action set (installs become removes of the same NEVRA and vice
// versa; upgrades swap their previous/current NEVRA), executes it, and
// marks the source transaction undone by the new one.
func (f *Facade) Undo(ctx context.Context, ac *types.AuthContext, sync bool) (*OperationOutcome, error) {
	return f.undoTransaction(ctx, ac, 0, sync)
}

// UndoTransaction is Undo addressed at a specific history row instead of
// the implicit last one.
func (f *Facade) UndoTransaction(ctx context.Context, ac *types.AuthContext, txID int64, sync bool) (*OperationOutcome, error) {
	return f.undoTransaction(ctx, ac, txID, sync)
}

// Rollback undoes the last n complete transactions (most recent first),
// recording a single new action=rollback transaction rather than n
// separate undo transactions.
func (f *Facade) Rollback(ctx context.Context, ac *types.AuthContext, n int, sync bool) (*OperationOutcome, error) {
	if !ac.Allows(types.PermRemove) || !ac.Allows(types.PermInstall) {
		f.auditDenied(ac, "rollback")
		return nil, errs.Authorizationf("rollback", "permission denied: install+remove required for rollback")
	}

	var targets []*types.Transaction
	cursor, err := f.Store.GetLastTransaction(ctx)
	for i := 0; i < n && err == nil && cursor != nil; i++ {
		targets = append(targets, cursor)
		cursor, err = f.previousComplete(ctx, cursor.ID)
	}
	if len(targets) == 0 {
		return nil, errs.Resolutionf("rollback", "no transactions to roll back")
	}

	txID, err := f.Store.BeginTransaction(ctx, types.TxActionRollback, fmt.Sprintf("rollback %d", n), callerUser(ac))
	if err != nil {
		return nil, errs.Store("rollback", err)
	}

	var allActions []types.PackageAction
	for _, t := range targets {
		allActions = append(allActions, inverseActions(t)...)
	}

	if execErr := f.executeInverse(ctx, ac, allActions, sync); execErr != nil {
		_ = f.Store.AbortTransaction(ctx, txID)
		return nil, execErr
	}
	if recErr := f.recordPlanPackages(ctx, txID, allActions); recErr != nil {
		orchLog.Warn().Err(recErr).Int64("tx", txID).Msg("failed to record rollback packages")
	}
	if err := f.Store.CompleteTransaction(ctx, txID, 0); err != nil {
		return nil, errs.Store("rollback", err)
	}
	for _, t := range targets {
		if err := f.Store.MarkUndone(ctx, t.ID, txID); err != nil {
			orchLog.Warn().Err(err).Int64("tx", t.ID).Msg("failed to mark transaction undone")
		}
	}

	return &OperationOutcome{TransactionID: txID}, nil
}

func (f *Facade) undoTransaction(ctx context.Context, ac *types.AuthContext, txID int64, sync bool) (*OperationOutcome, error) {
	if !ac.Allows(types.PermRemove) || !ac.Allows(types.PermInstall) {
		f.auditDenied(ac, "undo")
		return nil, errs.Authorizationf("undo", "permission denied: install+remove required for undo")
	}

	var target *types.Transaction
	var err error
	if txID == 0 {
		target, err = f.Store.GetLastTransaction(ctx)
	} else {
		target, err = f.Store.GetTransaction(ctx, txID)
	}
	if err != nil {
		return nil, errs.Store("undo", err)
	}
	if target == nil {
		return nil, errs.Resolutionf("undo", "no transaction to undo")
	}

	newTxID, err := f.Store.BeginTransaction(ctx, types.TxActionUndo, fmt.Sprintf("undo %d", target.ID), callerUser(ac))
	if err != nil {
		return nil, errs.Store("undo", err)
	}

	actions := inverseActions(target)
	if execErr := f.executeInverse(ctx, ac, actions, sync); execErr != nil {
		_ = f.Store.AbortTransaction(ctx, newTxID)
		return nil, execErr
	}
	if recErr := f.recordPlanPackages(ctx, newTxID, actions); recErr != nil {
		orchLog.Warn().Err(recErr).Int64("tx", newTxID).Msg("failed to record undo packages")
	}
	if err := f.Store.CompleteTransaction(ctx, newTxID, 0); err != nil {
		return nil, errs.Store("undo", err)
	}
	if err := f.Store.MarkUndone(ctx, target.ID, newTxID); err != nil {
		orchLog.Warn().Err(err).Int64("tx", target.ID).Msg("failed to mark transaction undone")
	}

	return &OperationOutcome{TransactionID: newTxID}, nil
}

// previousComplete walks the transaction history backwards from before
// id to find the next-older transaction that is still complete and not
// already undone.
func (f *Facade) previousComplete(ctx context.Context, beforeID int64) (*types.Transaction, error) {
	txs, err := f.Store.ListTransactions(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, t := range txs {
		if t.ID < beforeID && t.Status == types.TxStatusComplete && t.UndoneBy == nil {
			return t, nil
		}
	}
	return nil, nil
}

// inverseActions builds the reversal plan for a completed transaction:
// its installs become removes, its removes become installs (requiring
// the exact NEVRA to still be obtainable from some enabled media), and
// its upgrades swap previous/current NEVRA.
func inverseActions(t *types.Transaction) []types.PackageAction {
	var actions []types.PackageAction
	for _, tp := range t.Packages {
		switch tp.Action {
		case types.PkgTxInstall:
			actions = append(actions, types.PackageAction{
				Name: tp.Name, NEVRA: tp.NEVRA, Action: types.ActionRemove, Reason: types.ReasonExplicit,
			})
		case types.PkgTxRemove:
			actions = append(actions, types.PackageAction{
				Name: tp.Name, NEVRA: tp.NEVRA, Action: types.ActionInstall, Reason: types.ReasonExplicit,
			})
		case types.PkgTxUpgrade, types.PkgTxDowngrade:
			actions = append(actions, types.PackageAction{
				Name: tp.Name, NEVRA: tp.PreviousNEVRA, Action: types.ActionUpgrade, Reason: types.ReasonExplicit,
				PreviousNEVRA: tp.NEVRA,
			})
		}
	}
	return actions
}

// executeInverse resolves each inverse action's media/servers (for
// installs) directly off the Store — the NEVRA is already known, no
// resolver pass needed — downloads, and executes.
func (f *Facade) executeInverse(ctx context.Context, ac *types.AuthContext, actions []types.PackageAction, sync bool) error {
	if len(actions) == 0 {
		return nil
	}

	for i := range actions {
		if actions[i].Action == types.ActionRemove || actions[i].MediaName != "" {
			continue
		}
		pkgs, err := f.Store.GetPackageSmart(ctx, actions[i].NEVRA)
		if err != nil {
			return errs.Store("undo", err)
		}
		if len(pkgs) == 0 {
			return errs.Resolutionf("undo", "%s is not available from any enabled media", actions[i].NEVRA)
		}
		actions[i].MediaName = pkgs[0].MediaName
	}

	items, _, err := f.BuildDownloadItems(ctx, actions, nil)
	if err != nil {
		return err
	}

	var downloadedPaths map[string]string
	if len(items) > 0 {
		results, err := f.DownloadPackages(ctx, items, false, nil)
		if err != nil {
			return err
		}
		downloadedPaths = make(map[string]string, len(results))
		for _, r := range results {
			if r.Err == nil {
				downloadedPaths[r.Item.Name] = r.Path
			}
		}
	}

	return f.ExecuteInstall(ctx, ac, actions, nil, downloadedPaths, sync, nil)
}

// Autoremove erases every current orphan, recording the removals under
// a new action=autoremove transaction.
func (f *Facade) Autoremove(ctx context.Context, ac *types.AuthContext, sync bool) (*OperationOutcome, error) {
	if !ac.Allows(types.PermRemove) {
		f.auditDenied(ac, string(types.PermRemove))
		return nil, errs.Authorizationf("autoremove", "permission denied: remove")
	}

	orphans, err := f.Resolver.FindAllOrphans(ctx)
	if err != nil {
		return nil, errs.Resolution("autoremove", err)
	}
	if len(orphans) == 0 {
		return &OperationOutcome{Result: &types.ResolverResult{Success: true}}, nil
	}

	names := make([]string, 0, len(orphans))
	for _, o := range orphans {
		names = append(names, o.Name)
	}

	txID, err := f.Store.BeginTransaction(ctx, types.TxActionAutoremove, "autoremove", callerUser(ac))
	if err != nil {
		return nil, errs.Store("autoremove", err)
	}
	if execErr := f.ExecuteErase(ctx, ac, names, nil, sync, nil); execErr != nil {
		_ = f.Store.AbortTransaction(ctx, txID)
		return nil, execErr
	}
	for _, n := range names {
		if err := f.Store.RecordPackage(ctx, txID, n, n, types.PkgTxRemove, types.ReasonOrphan, ""); err != nil {
			orchLog.Warn().Err(err).Str("name", n).Msg("failed to record autoremove package")
		}
	}
	if err := f.Store.CompleteTransaction(ctx, txID, 0); err != nil {
		return nil, errs.Store("autoremove", err)
	}

	result := &types.ResolverResult{Success: true}
	for _, n := range names {
		result.Actions = append(result.Actions, types.PackageAction{Name: n, Action: types.ActionRemove, Reason: types.ReasonOrphan})
	}
	return &OperationOutcome{Result: result, TransactionID: txID}, nil
}

// AutoremoveFaildeps is the crash-recovery half of autoremove: it
// enumerates the dependency-reason packages of every interrupted
// transaction, erases them, marks each source transaction cleaned, and
// records a new action=autoremove transaction for the cleanup itself.
func (f *Facade) AutoremoveFaildeps(ctx context.Context, ac *types.AuthContext, sync bool) (*OperationOutcome, error) {
	if !ac.Allows(types.PermRemove) {
		f.auditDenied(ac, string(types.PermRemove))
		return nil, errs.Authorizationf("autoremove-faildeps", "permission denied: remove")
	}

	all, err := f.Store.ListTransactions(ctx, 0)
	if err != nil {
		return nil, errs.Store("autoremove-faildeps", err)
	}

	var sources []*types.Transaction
	seen := make(map[string]bool)
	var names []string
	for _, t := range all {
		if t.Status != types.TxStatusInterrupted {
			continue
		}
		full, err := f.Store.GetTransaction(ctx, t.ID)
		if err != nil {
			continue
		}
		sources = append(sources, full)
		for _, tp := range full.Packages {
			if tp.Reason != types.ReasonDependency {
				continue
			}
			if !seen[tp.Name] {
				seen[tp.Name] = true
				names = append(names, tp.Name)
			}
		}
	}
	if len(names) == 0 {
		return &OperationOutcome{Result: &types.ResolverResult{Success: true}}, nil
	}

	txID, err := f.Store.BeginTransaction(ctx, types.TxActionAutoremove, "autoremove --faildeps", callerUser(ac))
	if err != nil {
		return nil, errs.Store("autoremove-faildeps", err)
	}
	if execErr := f.ExecuteErase(ctx, ac, names, nil, sync, nil); execErr != nil {
		_ = f.Store.AbortTransaction(ctx, txID)
		return nil, execErr
	}
	for _, n := range names {
		if err := f.Store.RecordPackage(ctx, txID, n, n, types.PkgTxRemove, types.ReasonFaildep, ""); err != nil {
			orchLog.Warn().Err(err).Str("name", n).Msg("failed to record faildep package")
		}
	}
	if err := f.Store.CompleteTransaction(ctx, txID, 0); err != nil {
		return nil, errs.Store("autoremove-faildeps", err)
	}
	for _, t := range sources {
		if err := f.Store.MarkTransactionCleaned(ctx, t.ID); err != nil {
			orchLog.Warn().Err(err).Int64("tx", t.ID).Msg("failed to mark interrupted transaction cleaned")
		}
	}
	if err := f.Resolver.UnmarkPackages(names); err != nil {
		orchLog.Warn().Err(err).Msg("failed to unmark faildep packages")
	}

	result := &types.ResolverResult{Success: true}
	for _, n := range names {
		result.Actions = append(result.Actions, types.PackageAction{Name: n, Action: types.ActionRemove, Reason: types.ReasonFaildep})
	}
	return &OperationOutcome{Result: result, TransactionID: txID}, nil
}

func adaptDownloadProgress(cb func(currentPkg string, done, total int, bytesDone, bytesTotal int64)) download.ProgressCallback {
	if cb == nil {
		return nil
	}
	return func(currentPkg string, packagesCompleted, totalPackages int, bytesDoneTotal, bytesTotal, _, _ int64, _ []download.SlotSnapshot) {
		cb(currentPkg, packagesCompleted, totalPackages, bytesDoneTotal, bytesTotal)
	}
}

func adaptLegacyProgress(cb func(phase string, current, total int, message string)) txqueue.ProgressCallback {
	if cb == nil {
		return nil
	}
	return func(operationID, phase, pkg string, current, total int, message string) {
		cb(phase, current, total, message)
	}
}
