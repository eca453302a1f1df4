// Package retention selects cleanup candidates under configurable
// eligibility rules and cascade-deletes a task's entire dependent record
// graph, its stored binary artifacts, and its on-disk workspace.
//
// Record-level deletion commits first; artifact and workspace cleanup is best
// effort afterwards — I/O failures there are counted, not fatal, and never
// roll back the committed deletions. Dependent rows are deleted before their
// parents, so a crash mid-cascade can leave an orphaned-but-harmless parent;
// there is no write-ahead record guarding against this.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/runforge/runforge/internal/artifacts"
	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
	otelx "github.com/runforge/runforge/internal/otel"
)

// defaultScanLimit bounds how many tasks one candidate selection inspects.
const defaultScanLimit = 500

// ErrInvalidPolicy signals a policy without a creation cutoff.
var ErrInvalidPolicy = errors.New("retention: invalid policy")

// Policy configures one candidate selection.
type Policy struct {
	// CreatedBefore is the task creation cutoff. Required.
	CreatedBefore time.Time
	// DisabledInactiveBefore, when set, additionally restricts candidates to
	// disabled tasks whose last activity predates it.
	DisabledInactiveBefore *time.Time
	// ExcludeOpenFindings skips tasks with at least one open finding.
	ExcludeOpenFindings bool
	// ExcludeActiveRuns skips tasks with any run in an active state.
	ExcludeActiveRuns bool
	// Limit caps the number of candidates returned.
	Limit int
	// ScanLimit caps the number of tasks inspected (oldest first). Zero means
	// the default window.
	ScanLimit int
}

// Candidate is one task eligible for cleanup.
type Candidate struct {
	Task         model.Task
	LastActivity time.Time
}

// Engine drives candidate selection and cascade deletion.
type Engine struct {
	store         *docstore.Engine
	artifacts     *artifacts.Store
	workspaceRoot string
	now           func() time.Time
	logger        *slog.Logger
	metrics       *otelx.Metrics
	tracer        trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *otelx.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the engine's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine builds a retention engine. artifactStore may be nil when no
// bucket is configured; workspaceRoot may be empty when workspaces are not
// managed on this host.
func NewEngine(store *docstore.Engine, artifactStore *artifacts.Store, workspaceRoot string, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		artifacts:     artifactStore,
		workspaceRoot: workspaceRoot,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        slog.Default(),
		tracer:        nooptrace.NewTracerProvider().Tracer(otelx.TracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SelectCandidates returns the eligible cleanup candidates ordered by
// ascending last activity, then creation time, capped at the policy limit.
func (e *Engine) SelectCandidates(ctx context.Context, p Policy) ([]Candidate, error) {
	if p.CreatedBefore.IsZero() {
		return nil, errors.Join(ErrInvalidPolicy, errors.New("creation cutoff is required"))
	}
	scanLimit := p.ScanLimit
	if scanLimit <= 0 {
		scanLimit = defaultScanLimit
	}

	s := e.store.NewSession()
	tasks, err := docstore.SessionFind(ctx, s, func(t model.Task) bool {
		return t.CreatedAt.Before(p.CreatedBefore)
	})
	if err != nil {
		return nil, err
	}
	// Oldest tasks first, then cap the scan window to bound cost.
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if len(tasks) > scanLimit {
		tasks = tasks[:scanLimit]
	}

	var candidates []Candidate
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if task.ProtectedSince != nil {
			continue
		}

		runs, err := docstore.SessionFind(ctx, s, func(r model.Run) bool {
			return r.TaskID == task.ID
		})
		if err != nil {
			return nil, err
		}
		if p.ExcludeActiveRuns && anyActive(runs) {
			continue
		}

		lastActivity, err := e.lastActivity(ctx, s, task, runs)
		if err != nil {
			return nil, err
		}

		if p.DisabledInactiveBefore != nil {
			if task.Enabled || !lastActivity.Before(*p.DisabledInactiveBefore) {
				continue
			}
		}

		if p.ExcludeOpenFindings {
			open, err := docstore.SessionFind(ctx, s, func(f model.Finding) bool {
				return f.TaskID == task.ID && f.Status == model.FindingStatusOpen
			})
			if err != nil {
				return nil, err
			}
			if len(open) > 0 {
				continue
			}
		}

		candidates = append(candidates, Candidate{Task: task, LastActivity: lastActivity})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastActivity.Equal(candidates[j].LastActivity) {
			return candidates[i].LastActivity.Before(candidates[j].LastActivity)
		}
		return candidates[i].Task.CreatedAt.Before(candidates[j].Task.CreatedAt)
	})
	if p.Limit > 0 && len(candidates) > p.Limit {
		candidates = candidates[:p.Limit]
	}
	return candidates, nil
}

// lastActivity is the max of task creation, the latest run end, and the
// latest log, prompt, or summary timestamp.
func (e *Engine) lastActivity(ctx context.Context, s *docstore.Session, task model.Task, runs []model.Run) (time.Time, error) {
	last := task.CreatedAt
	for _, r := range runs {
		if r.EndedAt != nil && r.EndedAt.After(last) {
			last = *r.EndedAt
		}
	}

	logs, err := docstore.SessionFind(ctx, s, func(l model.RunLogEntry) bool {
		return l.TaskID == task.ID
	})
	if err != nil {
		return time.Time{}, err
	}
	for _, l := range logs {
		if l.Timestamp.After(last) {
			last = l.Timestamp
		}
	}

	prompts, err := docstore.SessionFind(ctx, s, func(p model.PromptEntry) bool {
		return p.TaskID == task.ID
	})
	if err != nil {
		return time.Time{}, err
	}
	for _, p := range prompts {
		if p.Timestamp.After(last) {
			last = p.Timestamp
		}
	}

	summaries, err := docstore.SessionFind(ctx, s, func(a model.AISummary) bool {
		return a.TaskID == task.ID
	})
	if err != nil {
		return time.Time{}, err
	}
	for _, a := range summaries {
		if a.Timestamp.After(last) {
			last = a.Timestamp
		}
	}
	return last, nil
}

func anyActive(runs []model.Run) bool {
	for _, r := range runs {
		if r.State.IsActive() {
			return true
		}
	}
	return false
}
