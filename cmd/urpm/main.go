package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/urpmd/urpmd/pkg/audit"
	"github.com/urpmd/urpmd/pkg/config"
	"github.com/urpmd/urpmd/pkg/download"
	"github.com/urpmd/urpmd/pkg/errs"
	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/ops"
	"github.com/urpmd/urpmd/pkg/peerdiscovery"
	"github.com/urpmd/urpmd/pkg/resolver"
	"github.com/urpmd/urpmd/pkg/rpmengine"
	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/txqueue"
	"github.com/urpmd/urpmd/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// The transaction queue re-execs this binary as its detached child;
	// nothing else may run in that process image.
	if txqueue.IsChildProcess() {
		os.Exit(txqueue.RunChild(context.Background()))
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "urpm",
	Short: "urpm - RPM package manager with LAN peer-to-peer downloads",
	Long: `urpm installs, upgrades, and removes RPM packages from configured
media, preferring LAN peers over upstream mirrors when a peer already
has the file, and keeps a full undoable transaction history.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"urpm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "/etc/urpmd/urpmd.yaml", "Configuration file path")
	rootCmd.PersistentFlags().String("root", "/", "RPM root directory (for chroot-style operation)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("only-peers", false, "Fail instead of falling back to upstream mirrors")
	rootCmd.PersistentFlags().Bool("sync", false, "Wait for the full RPM commit instead of releasing early")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(providesCmd)
	rootCmd.AddCommand(whatprovidesCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(dependsCmd)
	rootCmd.AddCommand(rdependsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(autoremoveCmd)
	rootCmd.AddCommand(cleandepsCmd)
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(unholdCmd)
	rootCmd.AddCommand(mediaCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keyCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// app bundles the wired-together layers one CLI invocation needs;
// every subcommand shares the same store/resolver/façade wiring, so one
// helper beats twenty copies.
type app struct {
	cfg      config.Config
	root     string
	store    *store.Store
	engine   *rpmengine.Engine
	resolver *resolver.Resolver
	facade   *ops.Facade
	audit    *audit.Sink
	auth     *types.AuthContext
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	root, _ := cmd.Flags().GetString("root")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.Open(cfg.Store.Path, store.Options{
		LockRetries: cfg.Store.LockRetries, LockBaseDelay: cfg.Store.LockBaseDelay,
	})
	if err != nil {
		return nil, err
	}

	engine := rpmengine.New(root)
	reasonsPath := filepath.Join(root, "var/lib/rpm/installed-through-deps.list")
	res := resolver.New(st, engine, reasonsPath)

	auditPath := filepath.Join(root, "var/log/urpmd/audit.log")
	_ = os.MkdirAll(filepath.Dir(auditPath), 0o755)
	sink, err := audit.Open(auditPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := peerdiscovery.New(peerdiscovery.DefaultConfig())
	peerClient := download.NewPeerClient(registry, st, cfg.Download.PeerHaveTimeout)

	dlCfg := download.Config{
		WorkerSlots:          cfg.Download.WorkerSlots,
		MaxRetries:           cfg.Download.MaxRetries,
		RetryBackoff:         cfg.Download.RetryBackoff,
		ConnectTimeout:       cfg.Download.ConnectTimeout,
		PeerHaveTimeout:      cfg.Download.PeerHaveTimeout,
		ProgressPollInterval: cfg.Download.ProgressPollInterval,
		SpeedWindowSamples:   cfg.Download.SpeedWindowSamples,
	}

	txExec := txqueue.NewExecutor(root)
	facade := ops.New(st, res, root, cfg.Store.CacheDir, peerClient, dlCfg, txExec, sink)

	// The CLI runs under the invoking user's own privileges; the RPM
	// database's file permissions are the real gate.
	ac := &types.AuthContext{
		UID: os.Getuid(), PID: os.Getpid(), Source: "cli",
		Granted: map[types.Permission]bool{
			types.PermQuery: true, types.PermRefresh: true, types.PermInstall: true,
			types.PermRemove: true, types.PermUpgrade: true, types.PermMediaManage: true,
		},
	}

	a := &app{cfg: cfg, root: root, store: st, engine: engine, resolver: res, facade: facade, audit: sink, auth: ac}
	a.surfaceBackgroundError(txExec.BackgroundErrorPath)
	return a, nil
}

func (a *app) Close() {
	if a.audit != nil {
		a.audit.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// surfaceBackgroundError consumes the one-shot background-error flag a
// previous detached transaction child may have left behind and shows it
// before anything else runs.
func (a *app) surfaceBackgroundError(path string) {
	if msg, ok := txqueue.ConsumeBackgroundError(path); ok {
		fmt.Fprintf(os.Stderr, "WARNING: a previous background transaction failed:\n  %s\n", msg)
	}
}

// interruptibleContext installs two-stage SIGINT handling: the
// first Ctrl-C cancels ctx (the in-flight RPM package still finishes in
// the detached child); the second exits 130 immediately.
func interruptibleContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sig
		fmt.Fprintln(os.Stderr, "Interrupt received, finishing current package (Ctrl-C again to abort)")
		cancel()
		<-sig
		os.Exit(130)
	}()

	return ctx, func() {
		signal.Stop(sig)
		cancel()
	}
}

func txProgressPrinter(phase string, current, total int, message string) {
	switch phase {
	case "progress":
		fmt.Printf("  [%d/%d] %s\n", current, total, message)
	case "error":
		fmt.Fprintf(os.Stderr, "  error: %s\n", message)
	}
}

func downloadProgressPrinter(currentPkg string, done, total int, bytesDone, bytesTotal int64) {
	if currentPkg == "" {
		return
	}
	fmt.Printf("\r  downloading %-40s %d/%d (%s / %s)", currentPkg, done, total,
		humanBytes(bytesDone), humanBytes(bytesTotal))
	if done == total {
		fmt.Println()
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printPlan(result *types.ResolverResult) {
	if len(result.HeldWarnings) > 0 {
		for _, w := range result.HeldWarnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
	}
	if !result.Success {
		fmt.Fprintln(os.Stderr, "Resolution failed:")
		for _, p := range result.Problems {
			fmt.Fprintf(os.Stderr, "  %s\n", p)
		}
		for _, alt := range result.Alternatives {
			fmt.Fprintf(os.Stderr, "  %s is provided by:\n", alt.Capability)
			for _, pr := range alt.Providers {
				fmt.Fprintf(os.Stderr, "    %s (%s)\n", pr.NEVRA, pr.MediaName)
			}
		}
		return
	}
	for _, a := range result.Actions {
		fmt.Printf("  %-10s %s\n", a.Action, a.NEVRA)
	}
	if result.InstallSize > 0 {
		fmt.Printf("Total installed size: %s\n", humanBytes(result.InstallSize))
	}
}

var installCmd = &cobra.Command{
	Use:     "install <package>...",
	Aliases: []string{"i"},
	Short:   "Install packages and their dependencies",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := interruptibleContext()
		defer stop()

		onlyPeers, _ := cmd.Flags().GetBool("only-peers")
		sync, _ := cmd.Flags().GetBool("sync")

		// Arguments ending in .rpm are local on-disk payloads.
		var names []string
		localRPMs := make(map[string]string)
		for _, arg := range args {
			if strings.HasSuffix(arg, ".rpm") {
				info, err := a.engine.HeaderInfo(ctx, arg)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", arg, err)
				}
				localRPMs[info.Name] = arg
				names = append(names, info.Name)
				continue
			}
			names = append(names, arg)
		}

		outcome, err := a.facade.Install(ctx, a.auth, names, ops.InstallOptions{
			LocalRPMs: localRPMs, OnlyPeers: onlyPeers, Sync: sync,
			CommandLine: "urpm " + strings.Join(os.Args[1:], " "),
			ProgressCb:  txProgressPrinter,
			DownloadCb:  downloadProgressPrinter,
		})
		if err != nil {
			return err
		}
		printPlan(outcome.Result)
		if outcome.Result.Success {
			fmt.Printf("✓ Transaction %d complete\n", outcome.TransactionID)
		}
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:     "erase <package>...",
	Aliases: []string{"e", "remove"},
	Short:   "Remove packages and their reverse dependencies",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := interruptibleContext()
		defer stop()

		eraseRecommends, _ := cmd.Flags().GetBool("erase-recommends")
		sync, _ := cmd.Flags().GetBool("sync")

		outcome, err := a.facade.Remove(ctx, a.auth, args, eraseRecommends, false, sync,
			"urpm "+strings.Join(os.Args[1:], " "), txProgressPrinter)
		if err != nil {
			return err
		}
		printPlan(outcome.Result)
		if outcome.Result.Success {
			fmt.Printf("✓ Transaction %d complete\n", outcome.TransactionID)
		}
		return nil
	},
}

func init() {
	eraseCmd.Flags().Bool("erase-recommends", false, "Also remove packages only recommended by the removed set")
}

var upgradeCmd = &cobra.Command{
	Use:     "upgrade [package]...",
	Aliases: []string{"u"},
	Short:   "Upgrade named packages, or the whole system with no arguments",
	RunE:    runUpgrade,
}

var updateCmd = &cobra.Command{
	Use:     "update [package]...",
	Aliases: []string{"up"},
	Short:   "Alias for upgrade",
	RunE:    runUpgrade,
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := interruptibleContext()
	defer stop()

	onlyPeers, _ := cmd.Flags().GetBool("only-peers")
	sync, _ := cmd.Flags().GetBool("sync")

	outcome, err := a.facade.Upgrade(ctx, a.auth, args, ops.InstallOptions{
		OnlyPeers: onlyPeers, Sync: sync,
		CommandLine: "urpm " + strings.Join(os.Args[1:], " "),
		ProgressCb:  txProgressPrinter,
		DownloadCb:  downloadProgressPrinter,
	})
	if err != nil {
		return err
	}
	printPlan(outcome.Result)
	if outcome.Result.Success {
		if len(outcome.Result.Actions) == 0 {
			fmt.Println("Nothing to upgrade")
		} else {
			fmt.Printf("✓ Transaction %d complete\n", outcome.TransactionID)
		}
	}
	return nil
}

var historyCmd = &cobra.Command{
	Use:     "history [limit]",
	Aliases: []string{"h"},
	Short:   "Show transaction history",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		limit := 20
		if len(args) == 1 {
			limit, err = strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid limit %q", args[0])
			}
		}

		txs, err := a.store.ListTransactions(context.Background(), limit)
		if err != nil {
			return err
		}
		fmt.Printf("%-5s %-20s %-10s %-12s %-12s %-3s %s\n", "ID", "DATE", "USER", "ACTION", "STATUS", "RC", "COMMAND")
		for _, t := range txs {
			status := string(t.Status)
			if t.UndoneBy != nil {
				status = fmt.Sprintf("undone(%d)", *t.UndoneBy)
			}
			fmt.Printf("%-5d %-20s %-10s %-12s %-12s %-3d %s\n",
				t.ID, t.Timestamp.Format("2006-01-02 15:04:05"), t.User, t.Action, status, t.ReturnCode, t.CommandLine)
		}
		return nil
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo [transaction-id]",
	Short: "Undo the last (or a specific) completed transaction",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := interruptibleContext()
		defer stop()
		sync, _ := cmd.Flags().GetBool("sync")

		var outcome *ops.OperationOutcome
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid transaction id %q", args[0])
			}
			outcome, err = a.facade.UndoTransaction(ctx, a.auth, id, sync)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Transaction %d undone by transaction %d\n", id, outcome.TransactionID)
			return nil
		}
		outcome, err = a.facade.Undo(ctx, a.auth, sync)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Undone by transaction %d\n", outcome.TransactionID)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:     "rollback <n>",
	Aliases: []string{"r"},
	Short:   "Undo the last n completed transactions",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid rollback count %q", args[0])
		}

		ctx, stop := interruptibleContext()
		defer stop()
		sync, _ := cmd.Flags().GetBool("sync")

		outcome, err := a.facade.Rollback(ctx, a.auth, n, sync)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Rolled back %d transaction(s) as transaction %d\n", n, outcome.TransactionID)
		return nil
	},
}

var autoremoveCmd = &cobra.Command{
	Use:     "autoremove",
	Aliases: []string{"ar"},
	Short:   "Remove orphaned dependency packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := interruptibleContext()
		defer stop()
		sync, _ := cmd.Flags().GetBool("sync")
		faildeps, _ := cmd.Flags().GetBool("faildeps")

		var outcome *ops.OperationOutcome
		if faildeps {
			outcome, err = a.facade.AutoremoveFaildeps(ctx, a.auth, sync)
		} else {
			outcome, err = a.facade.Autoremove(ctx, a.auth, sync)
		}
		if err != nil {
			return err
		}
		if len(outcome.Result.Actions) == 0 {
			fmt.Println("No orphans to remove")
			return nil
		}
		printPlan(outcome.Result)
		fmt.Printf("✓ Removed %d package(s) as transaction %d\n", len(outcome.Result.Actions), outcome.TransactionID)
		return nil
	},
}

var cleandepsCmd = &cobra.Command{
	Use:     "cleandeps",
	Aliases: []string{"cd"},
	Short:   "Alias for autoremove",
	RunE:    autoremoveCmd.RunE,
}

func init() {
	autoremoveCmd.Flags().Bool("faildeps", false, "Remove dependencies left behind by interrupted transactions")
}

var markCmd = &cobra.Command{
	Use:   "mark {manual|auto|show} [package]...",
	Short: "Manage why packages are recorded as installed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		switch args[0] {
		case "manual":
			if len(args) < 2 {
				return fmt.Errorf("mark manual requires at least one package name")
			}
			if err := a.resolver.MarkAsExplicit(args[1:]); err != nil {
				return err
			}
			fmt.Printf("✓ Marked %d package(s) as manually installed\n", len(args)-1)
		case "auto":
			if len(args) < 2 {
				return fmt.Errorf("mark auto requires at least one package name")
			}
			if err := a.resolver.MarkAsDependency(args[1:]); err != nil {
				return err
			}
			fmt.Printf("✓ Marked %d package(s) as dependency-installed\n", len(args)-1)
		case "show":
			names, err := a.resolver.DependencyReasonNames()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
		default:
			return fmt.Errorf("unknown mark subcommand %q (want manual, auto, or show)", args[0])
		}
		return nil
	},
}

var holdCmd = &cobra.Command{
	Use:   "hold <package>...",
	Short: "Freeze packages against upgrade and obsoletes-replacement",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, name := range args {
			if err := a.store.AddHold(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("✓ Held %s\n", name)
		}
		return nil
	},
}

var unholdCmd = &cobra.Command{
	Use:   "unhold <package>...",
	Short: "Lift holds",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, name := range args {
			if err := a.store.RemoveHold(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("✓ Unheld %s\n", name)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage RPM signing keys",
	Long: `Signing keys live in the RPM database itself. Import with
"rpm --import <keyfile>"; installed keys appear as gpg-pubkey packages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		installed, err := a.engine.ListInstalled(context.Background())
		if err != nil {
			return err
		}
		found := false
		for _, p := range installed {
			if p.Name == "gpg-pubkey" {
				fmt.Println(p.NEVRA)
				found = true
			}
		}
		if !found {
			fmt.Println("No signing keys installed")
		}
		return nil
	},
}
