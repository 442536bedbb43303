package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/dbquery"
	"github.com/sandboxd/sandboxd/internal/files"
	"github.com/sandboxd/sandboxd/internal/httpapi"
	"github.com/sandboxd/sandboxd/internal/janitor"
	"github.com/sandboxd/sandboxd/internal/netfetch"
	"github.com/sandboxd/sandboxd/internal/observability"
	"github.com/sandboxd/sandboxd/internal/policy"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/runner"
	"github.com/sandboxd/sandboxd/internal/sandbox"
	"github.com/sandboxd/sandboxd/internal/storage"
	pgstore "github.com/sandboxd/sandboxd/internal/storage/postgres"
	sqlitestore "github.com/sandboxd/sandboxd/internal/storage/sqlite"
	"github.com/sandboxd/sandboxd/internal/system"
	"github.com/sandboxd/sandboxd/internal/workspace"
)

var (
	serverConfigPath string
	serverListenAddr string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the execution gateway server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `sandboxd --config path` and `sandboxd server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverListenAddr, "listen", "", "override HTTP listen address (e.g. :8000)")
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDBOXD_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}
	if serverListenAddr != "" {
		cfg.Server.ListenAddr = serverListenAddr
	}

	logger.Info("starting sandboxd",
		slog.String("version", version),
		slog.String("config", serverConfigPath),
	)

	ws, err := buildWorkspace(cfg)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	commandPolicy, err := policy.NewCommandPolicy(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("building command policy: %w", err)
	}
	pathPolicy := policy.NewPathPolicy(cfg.Policy, logger)
	networkPolicy, err := policy.NewNetworkPolicy(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("building network policy: %w", err)
	}

	if m := obs.MetricsOrNil(); m != nil {
		denied := func(v policy.Violation) {
			m.PolicyChecksTotal.WithLabelValues(v.Kind, "denied").Inc()
		}
		commandPolicy.OnDenied(denied)
		pathPolicy.OnDenied(denied)
		networkPolicy.OnDenied(denied)
	}

	strategy := sandbox.Select(cfg.Sandbox, logger)
	run := runner.New(cfg.Exec, strategy, logger)
	logger.Info("sandbox strategy selected", slog.String("strategy", strategy.Name()))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(cfg, ws, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	recorder, err := buildRecorder(cfg, ws, store, logger)
	if err != nil {
		return err
	}
	defer recorder.Close()

	limiter := ratelimit.New(cfg.Server.RateLimit)
	fileSvc := files.NewService(pathPolicy, logger)
	netSvc := netfetch.NewService(networkPolicy, cfg.Network, logger)
	dbSvc := dbquery.NewService(cfg.Database, logger)
	defer dbSvc.Close()
	containerSvc := containers.New(cfg.Docker, logger)

	var registry *prometheus.Registry
	if m := obs.MetricsOrNil(); m != nil {
		registry = m.Registry
	}
	sysSvc := system.New(version, strategy.Name(), ws.Root, store.Driver(), registry)

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
		if dbSvc.Enabled() {
			obs.Health.AddCheck("database", dbSvc.Ping)
		}
	}

	jan := janitor.New(cfg.Janitor, ws, store, logger)
	if err := jan.Start(); err != nil {
		return err
	}
	defer jan.Stop()

	apiCfg := httpapi.Config{
		ListenAddr:      cfg.Server.Addr(),
		EnableDocs:      cfg.Server.EnableDocs,
		APIKeys:         cfg.Server.APIKeyUserMapping,
		JWTSecret:       cfg.Server.JWTSecret,
		JWTExpiry:       cfg.Server.JWTExpiry(),
		MaxRequestSize:  cfg.Server.MaxRequestSize(),
		Version:         version,
		MetricsRegistry: registry,
		Metrics:         obs.MetricsOrNil(),
		Anomaly:         obs.AnomalyOrNil(),
	}
	if obs != nil {
		apiCfg.HealthChecker = obs.Health
	}
	if ts := obs.TracerOrNil(); ts != nil {
		apiCfg.Tracer = ts.Tracer()
	}

	api := httpapi.NewServer(apiCfg, run, commandPolicy, pathPolicy, fileSvc, limiter, recorder, logger).
		WithWorkspace(ws).
		WithNetwork(netSvc).
		WithDatabase(dbSvc).
		WithContainers(containerSvc).
		WithSystem(sysSvc).
		WithStore(store)

	errs := make(chan error, 1)
	go func() {
		errs <- api.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	obs.Shutdown(shutdownCtx)

	return nil
}

func buildWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace != "" {
		return workspace.New(cfg.Workspace)
	}
	return workspace.Default()
}

// buildStore opens the configured persistence backend, defaulting to
// SQLite under the workspace data directory.
func buildStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	sc := cfg.Storage
	switch sc.StorageDriver() {
	case storage.DriverPostgres:
		if sc == nil || sc.Postgres == nil || sc.Postgres.DSN == "" {
			return nil, fmt.Errorf("storage: postgres driver requires a DSN")
		}
		return pgstore.Open(pgstore.Config{
			DSN:             sc.Postgres.DSN,
			MaxOpenConns:    sc.Postgres.MaxOpenConns,
			MaxIdleConns:    sc.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(sc.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		scfg := sqlitestore.Config{Path: ws.DatabasePath()}
		if sc != nil && sc.SQLite != nil {
			if sc.SQLite.Path != "" {
				scfg.Path = sc.SQLite.Path
			}
			scfg.JournalMode = sc.SQLite.JournalMode
		}
		return sqlitestore.Open(scfg, logger)
	}
}

// buildRecorder fans audit events out to the JSONL file and the store.
func buildRecorder(cfg *config.Config, ws *workspace.Workspace, store storage.Store, logger *slog.Logger) (audit.Recorder, error) {
	path := cfg.Server.AuditLogPath
	if path == "" {
		path = ws.AuditLogPath()
	}
	fileRec, err := audit.NewFileRecorder(path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return audit.MultiRecorder{fileRec, audit.NewStoreRecorder(store.Audit(), logger)}, nil
}
