package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/urpmd/urpmd/pkg/audit"
	"github.com/urpmd/urpmd/pkg/auth"
	"github.com/urpmd/urpmd/pkg/config"
	"github.com/urpmd/urpmd/pkg/download"
	"github.com/urpmd/urpmd/pkg/events"
	"github.com/urpmd/urpmd/pkg/health"
	"github.com/urpmd/urpmd/pkg/ipc"
	"github.com/urpmd/urpmd/pkg/log"
	"github.com/urpmd/urpmd/pkg/metrics"
	"github.com/urpmd/urpmd/pkg/ops"
	"github.com/urpmd/urpmd/pkg/peerapi"
	"github.com/urpmd/urpmd/pkg/peerdiscovery"
	"github.com/urpmd/urpmd/pkg/resolver"
	"github.com/urpmd/urpmd/pkg/rpmengine"
	"github.com/urpmd/urpmd/pkg/store"
	"github.com/urpmd/urpmd/pkg/txqueue"
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
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "urpmd",
	Short: "urpmd - background daemon serving the package cache to LAN peers",
	Long: `urpmd serves this host's RPM cache to LAN peers over HTTP, answers
UDP discovery broadcasts, and exposes the package-manager operations over
an authenticated local IPC socket for GUI and package-kit integration.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"urpmd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "/etc/urpmd/urpmd.yaml", "Configuration file path")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		root, _ := cmd.Flags().GetString("root")
		socketPath, _ := cmd.Flags().GetString("socket")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
		st, err := store.Open(cfg.Store.Path, store.Options{
			LockRetries: cfg.Store.LockRetries, LockBaseDelay: cfg.Store.LockBaseDelay,
		})
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Println("✓ Package store opened")

		engine := rpmengine.New(root)
		reasonsPath := filepath.Join(root, "var/lib/rpm/installed-through-deps.list")
		res := resolver.New(st, engine, reasonsPath)

		auditPath := filepath.Join(root, "var/log/urpmd/audit.log")
		_ = os.MkdirAll(filepath.Dir(auditPath), 0o755)
		sink, err := audit.Open(auditPath)
		if err != nil {
			return err
		}
		defer sink.Close()

		// Peer discovery: answer other hosts' broadcasts and keep our own
		// peer registry fresh for the download coordinator.
		discoveryCfg := peerdiscovery.DefaultConfig()
		discoveryCfg.LocalAPIPort = listenPort(cfg.Peer.ListenAddr)
		registry := peerdiscovery.New(discoveryCfg)
		go registry.Run(ctx)

		monitor := peerdiscovery.NewMonitor(registry, health.DefaultConfig())
		go monitor.Run(ctx)

		selfHost, _ := os.Hostname()
		go func() {
			if err := peerdiscovery.ListenAndRespond(ctx, discoveryCfg, selfHost, listenPort(cfg.Peer.ListenAddr)); err != nil {
				log.WithComponent("main").Warn().Err(err).Msg("discovery responder stopped")
			}
		}()
		fmt.Println("✓ Peer discovery started")

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

		// Peer-facing HTTP surface: /api/peers, /api/have, /media/,
		// /api/invalidate-cache.
		handler := &peerapi.Handler{
			CacheDir: cfg.Store.CacheDir,
			SelfHost: selfHost,
			SelfPort: listenPort(cfg.Peer.ListenAddr),
			Store:    st,
		}
		peerSrv := &http.Server{Addr: cfg.Peer.ListenAddr, Handler: handler.Mux()}
		go func() {
			if err := peerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("main").Error().Err(err).Msg("peer HTTP server failed")
			}
		}()
		fmt.Printf("✓ Peer API listening on %s\n", cfg.Peer.ListenAddr)

		// IPC surface for GUI / package-kit integration.
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
		ipcSrv := ipc.NewServer(facade, st, res, auth.NewPeerCredBackend(auth.DefaultPolicy()), broker, socketPath)
		if err := ipcSrv.Start(); err != nil {
			return err
		}
		defer ipcSrv.Stop()
		fmt.Printf("✓ IPC socket at %s\n", socketPath)

		// Metrics, health, and readiness.
		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "open")
		metrics.RegisterComponent("peerapi", true, "listening")
		metrics.RegisterComponent("ipc", true, "listening")

		collector := metrics.NewCollector(st)
		collector.Start()
		defer collector.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("main").Warn().Err(err).Msg("metrics server failed")
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

		fmt.Println("✓ urpmd running, Ctrl-C to stop")
		<-ctx.Done()

		fmt.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = peerSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("root", "/", "RPM root directory")
	serveCmd.Flags().String("socket", "/run/urpmd/ipc.sock", "IPC socket path")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9632", "Metrics/health listen address")
}

// listenPort extracts the port from an addr like ":8387" or "0.0.0.0:8387".
func listenPort(addr string) int {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return 0
	}
	p, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return 0
	}
	return p
}
