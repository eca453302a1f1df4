package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/runforge/runforge/internal/lease"
	otelx "github.com/runforge/runforge/internal/otel"
)

// SweepLeaseName is the lease guarding the singleton retention sweep.
const SweepLeaseName = "retention-sweep"

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig holds the dependencies for the retention sweeper.
type SweeperConfig struct {
	Engine   *Engine
	Leases   *lease.Coordinator
	Logger   *slog.Logger
	Schedule string        // cron expression; defaults to hourly
	LeaseTTL time.Duration // defaults to 5 minutes
	Policy   func() Policy // evaluated at each sweep
	Interval time.Duration // tick interval; defaults to 1 minute
}

// Sweeper periodically runs retention sweeps under the sweep lease, so only
// one live instance of the service performs the cleanup even when several
// are running against the same store.
type Sweeper struct {
	engine   *Engine
	leases   *lease.Coordinator
	logger   *slog.Logger
	schedule cronlib.Schedule
	leaseTTL time.Duration
	policy   func() Policy
	interval time.Duration
	ownerID  string

	next   time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper builds a Sweeper from the config.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   cfg.Engine,
		leases:   cfg.Leases,
		logger:   logger,
		schedule: schedule,
		leaseTTL: ttl,
		policy:   cfg.Policy,
		interval: interval,
		ownerID:  uuid.NewString(),
	}, nil
}

// Start begins the sweep loop in a background goroutine. It respects the
// provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.next = s.schedule.Next(s.engine.now())
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "owner", s.ownerID, "next_sweep", s.next)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.engine.now()
			if now.Before(s.next) {
				continue
			}
			s.next = s.schedule.Next(now)
			s.sweep(ctx)
		}
	}
}

// Sweep runs one lease-guarded sweep immediately. Exposed so operators can
// trigger retention out of schedule.
func (s *Sweeper) Sweep(ctx context.Context) (BatchResult, bool, error) {
	ctx, span := otelx.StartSpan(ctx, s.engine.tracer, "retention.sweep",
		otelx.AttrLeaseName.String(SweepLeaseName))
	defer span.End()

	acquired, err := s.leases.TryAcquire(ctx, SweepLeaseName, s.ownerID, s.leaseTTL)
	if err != nil {
		return BatchResult{}, false, err
	}
	if !acquired {
		return BatchResult{}, false, nil
	}
	defer func() {
		if err := s.leases.Release(ctx, SweepLeaseName, s.ownerID); err != nil {
			s.logger.Warn("release sweep lease failed", "error", err)
		}
	}()

	start := s.engine.now()
	candidates, err := s.engine.SelectCandidates(ctx, s.policy())
	if err != nil {
		return BatchResult{}, true, err
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Task.ID
	}
	batch := s.engine.BatchCascadeDelete(ctx, ids)
	if s.engine.metrics != nil {
		s.engine.metrics.SweepDuration.Record(ctx, s.engine.now().Sub(start).Seconds())
	}
	s.logger.Info("retention sweep finished",
		"candidates", len(candidates),
		"deleted", batch.Succeeded, "failed", batch.Failed,
		"duration", s.engine.now().Sub(start))
	return batch, true, nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, ran, err := s.Sweep(ctx); err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	} else if !ran {
		s.logger.Debug("retention sweep skipped, lease held elsewhere")
	}
}
