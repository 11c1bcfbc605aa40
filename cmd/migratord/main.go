package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/atmigrate/migrator/pkg/api"
	"github.com/atmigrate/migrator/pkg/config"
	"github.com/atmigrate/migrator/pkg/events"
	"github.com/atmigrate/migrator/pkg/health"
	"github.com/atmigrate/migrator/pkg/housekeeper"
	"github.com/atmigrate/migrator/pkg/identity"
	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/log"
	"github.com/atmigrate/migrator/pkg/metrics"
	"github.com/atmigrate/migrator/pkg/orchestrator"
	"github.com/atmigrate/migrator/pkg/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "migratord",
	Short:   "migratord runs the DID/PDS account-migration worker daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("migratord version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to an optional YAML config file")
	rootCmd.Flags().Int("worker-count", 8, "Number of job-runtime worker goroutines")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("migratord")

	configPath, _ := cmd.Flags().GetString("config")
	workerCount, _ := cmd.Flags().GetInt("worker-count")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	vlt, err := cfg.BuildVault()
	if err != nil {
		return fmt.Errorf("build vault: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0700); err != nil {
		return fmt.Errorf("create work root: %w", err)
	}

	boltStore, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer boltStore.Close()

	resolver := identity.NewResolver(cfg.DirectoryHost)
	broker := events.NewBroker()
	broker.Start()

	runtime := jobs.NewRuntime(
		boltStore,
		jobs.WithWorkerCount(workerCount),
		jobs.WithMaxConcurrentBlobMigrations(cfg.MaxConcurrentMigrations),
		jobs.WithBroker(broker),
	)

	phases := orchestrator.NewPhases(boltStore, vlt, resolver, cfg.WorkRoot, runtime.Enqueue)
	phases.Broker = broker
	phases.RegisterAll(runtime)

	hk := housekeeper.New(boltStore, broker, cfg.WorkRoot)
	hk.Start()

	collector := metrics.NewCollector(boltStore)
	collector.Start()

	metrics.RegisterComponent("store", true, "open")
	metrics.RegisterComponent("vault", true, "ready")
	metrics.RegisterComponent("api", false, "initializing")
	metrics.RegisterComponent("workers", false, "initializing")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics and health endpoints listening")

	apiServer := api.NewServer(boltStore, vlt, resolver, phases, runtime.Enqueue, cfg)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.ListenAndServe(cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	ctx, cancelRuntime := context.WithCancel(context.Background())
	runtime.Start(ctx)

	metrics.RegisterComponent("api", true, "ready")
	metrics.RegisterComponent("workers", true, "started")
	logger.Info().Str("addr", cfg.APIAddr).Str("deployment_mode", string(cfg.DeploymentMode)).Msg("migratord is running")

	go monitorHealth(ctx, boltStore, runtime, cfg.DirectoryHost, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cancelRuntime()
	runtime.Stop()
	hk.Stop()
	collector.Stop()
	broker.Stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// workerLivenessThreshold is how stale a job-runtime poll tick can get
// before /health reports the workers component unhealthy — generous
// relative to the runtime's default 500ms poll interval and the longest
// single phase handler (a heavy blob/repo upload).
const workerLivenessThreshold = 2 * time.Minute

// monitorHealth runs the periodic checks behind /health and /ready: real
// store connectivity (not just "it opened once"), job-runtime worker
// liveness, and directory-host reachability, per spec.md §2's promise that
// the health endpoint reports "job-runtime worker liveness and store
// connectivity."
func monitorHealth(ctx context.Context, s *store.BoltStore, rt *jobs.Runtime, directoryHost string, logger zerolog.Logger) {
	tcpChecker := health.NewTCPChecker(directoryTCPAddr(directoryHost))
	httpChecker := health.NewHTTPChecker(directoryHost)

	ticker := time.NewTicker(health.DefaultConfig().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Ping(); err != nil {
				metrics.UpdateComponent("store", false, err.Error())
			} else {
				metrics.UpdateComponent("store", true, "reachable")
			}

			if last := rt.LastActivity(); !last.IsZero() && time.Since(last) > workerLivenessThreshold {
				metrics.UpdateComponent("workers", false, fmt.Sprintf("no poll tick since %s", last.Format(time.RFC3339)))
			} else {
				metrics.UpdateComponent("workers", true, "polling")
			}

			tcpResult := tcpChecker.Check(ctx)
			if !tcpResult.Healthy {
				logger.Warn().Str("check", "directory_tcp").Str("message", tcpResult.Message).Msg("health check failed")
			}
			httpResult := httpChecker.Check(ctx)
			metrics.UpdateComponent("directory", httpResult.Healthy, httpResult.Message)
		}
	}
}

// directoryTCPAddr derives a bare host:port from the directory host URL for
// the TCPChecker's lower-level dial probe, which runs ahead of the full
// HTTPChecker round trip above.
func directoryTCPAddr(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return u.Host + ":80"
	}
	return u.Host + ":443"
}
