// Command runforged is the RunForge core daemon: it owns the embedded
// document store and runs the lease-guarded retention sweeper. Execution
// backends and the API layer talk to the same store through the core
// packages; this process only has to exist once per host, but several
// instances are safe because singleton jobs coordinate through leases.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/runforge/runforge/internal/artifacts"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/lease"
	"github.com/runforge/runforge/internal/model"
	otelx "github.com/runforge/runforge/internal/otel"
	"github.com/runforge/runforge/internal/retention"
	"github.com/runforge/runforge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "runforged:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		homeDir     = flag.String("home", "", "data directory (default: $RUNFORGE_HOME or ~/.runforge)")
		quiet       = flag.Bool("quiet", false, "log to file only")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("runforged", Version)
		return nil
	}

	cfg, err := config.Load(*homeDir)
	if err != nil {
		return err
	}

	// Non-interactive stdout (systemd, pipes) gets file-only logging unless
	// asked otherwise.
	fileOnly := *quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, fileOnly)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.OTel.ServiceVersion = Version
	provider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	store, err := docstore.Open(cfg.DBPath, model.Registry(),
		docstore.WithLogger(logger), docstore.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	bucket, err := artifacts.NewStore(cfg.ArtifactDir, artifacts.WithMetrics(metrics))
	if err != nil {
		return err
	}

	leases := lease.NewCoordinator(store, lease.WithLogger(logger), lease.WithMetrics(metrics))
	engine := retention.NewEngine(store, bucket, cfg.WorkspaceDir,
		retention.WithLogger(logger), retention.WithMetrics(metrics),
		retention.WithTracer(provider.Tracer))

	// Retention policy is hot-reloadable: the sweeper re-reads it each sweep.
	var retentionCfg atomic.Pointer[config.RetentionConfig]
	retentionCfg.Store(&cfg.Retention)

	if cfg.Retention.Enabled {
		sweeper, err := retention.NewSweeper(retention.SweeperConfig{
			Engine:   engine,
			Leases:   leases,
			Logger:   logger,
			Schedule: cfg.Retention.Schedule,
			LeaseTTL: cfg.Retention.LeaseTTL(),
			Policy: func() retention.Policy {
				rc := retentionCfg.Load()
				now := time.Now().UTC()
				p := retention.Policy{
					CreatedBefore:       now.AddDate(0, 0, -rc.MaxAgeDays),
					ExcludeOpenFindings: rc.ExcludeOpenFindings,
					ExcludeActiveRuns:   rc.ExcludeActiveRuns,
					Limit:               rc.BatchLimit,
				}
				if rc.DisabledInactiveDays > 0 {
					cutoff := now.AddDate(0, 0, -rc.DisabledInactiveDays)
					p.DisabledInactiveBefore = &cutoff
				}
				return p
			},
		})
		if err != nil {
			return fmt.Errorf("configure sweeper: %w", err)
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				retentionCfg.Store(&reloaded.Retention)
				logger.Info("retention policy reloaded")
			}
		}()
	}

	logger.Info("runforged started",
		"version", Version, "home", cfg.HomeDir, "db", cfg.DBPath,
		"retention_enabled", cfg.Retention.Enabled)

	<-ctx.Done()
	logger.Info("runforged shutting down")
	return nil
}
