// Package lifecycle enforces the run state machine and its state-guarded
// mutations. Every transition loads the run, checks the current state is an
// eligible source, and reports applied=false instead of erroring when it is
// not: concurrent callers racing the same run are expected, and an illegal
// transition is a normal outcome, not a failure.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
)

// ErrInvalidInput signals malformed input (blank run id, missing task).
// Distinct from the applied=false no-op of an ineligible transition.
var ErrInvalidInput = errors.New("lifecycle: invalid input")

// obsoleteDefaultSummary is backfilled when a run is obsoleted without ever
// producing a summary.
const obsoleteDefaultSummary = "No changes produced"

// transitions maps each lifecycle operation's target state to its eligible
// source states.
var transitions = map[model.RunState][]model.RunState{
	model.RunStateRunning:         {model.RunStateQueued},
	model.RunStateSucceeded:       {model.RunStateRunning},
	model.RunStateFailed:          {model.RunStateRunning},
	model.RunStatePendingApproval: {model.RunStateQueued},
	model.RunStateCancelled:       {model.RunStateQueued, model.RunStateRunning, model.RunStatePendingApproval},
	model.RunStateObsolete:        {model.RunStateQueued, model.RunStateRunning, model.RunStatePendingApproval, model.RunStateSucceeded},
}

func eligible(from, to model.RunState) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Manager applies lifecycle mutations against a unit-of-work session.
type Manager struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a Manager with UTC wall-clock time by default.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRunParams is the run creation contract. The execution mode falls back
// to the task default when no override is given.
type CreateRunParams struct {
	Task                  model.Task
	Attempt               int
	ExecutionModeOverride string
	SessionProfileID      string
	MCPConfigJSON         string
}

// CreateRun stamps a new run in state Queued for the given task and puts it
// into the session.
func (m *Manager) CreateRun(ctx context.Context, s *docstore.Session, p CreateRunParams) (model.Run, error) {
	if p.Task.ID == "" {
		return model.Run{}, errors.Join(ErrInvalidInput, errors.New("task id is required"))
	}
	mode := p.Task.ExecutionMode
	if p.ExecutionModeOverride != "" {
		mode = p.ExecutionModeOverride
	}
	profile := p.Task.SessionProfileID
	if p.SessionProfileID != "" {
		profile = p.SessionProfileID
	}
	attempt := p.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	run := model.Run{
		ID:               uuid.NewString(),
		TaskID:           p.Task.ID,
		RepositoryID:     p.Task.RepositoryID,
		State:            model.RunStateQueued,
		Attempt:          attempt,
		ExecutionMode:    mode,
		SessionProfileID: profile,
		MCPConfigJSON:    p.MCPConfigJSON,
		Protocol:         model.ProtocolStructured,
		Summary:          "Queued",
		CreatedAt:        m.now(),
	}
	if err := docstore.SessionPut(ctx, s, run); err != nil {
		return model.Run{}, err
	}
	m.logger.Debug("run created", "run_id", run.ID, "task_id", run.TaskID, "mode", mode)
	return run, nil
}

// transition applies mutate to the run if its current state is an eligible
// source for target. Missing run or ineligible state is (false, nil).
func (m *Manager) transition(ctx context.Context, s *docstore.Session, runID string, target model.RunState, mutate func(*model.Run)) (bool, error) {
	if runID == "" {
		return false, errors.Join(ErrInvalidInput, errors.New("run id is required"))
	}
	run, ok, err := docstore.SessionGet[model.Run](ctx, s, runID)
	if err != nil {
		return false, err
	}
	if !ok || !eligible(run.State, target) {
		return false, nil
	}
	from := run.State
	run.State = target
	mutate(&run)
	if err := docstore.SessionPut(ctx, s, run); err != nil {
		return false, err
	}
	m.logger.Debug("run transitioned", "run_id", runID, "from", from, "to", target)
	return true, nil
}

// MarkStarted moves a queued run to Running, stamping the start time and the
// executing worker's image reference.
func (m *Manager) MarkStarted(ctx context.Context, s *docstore.Session, runID, workerImage string) (bool, error) {
	return m.transition(ctx, s, runID, model.RunStateRunning, func(r *model.Run) {
		t := m.now()
		r.StartedAt = &t
		r.WorkerImage = workerImage
	})
}

// CompletionParams carries the terminal fields stamped by MarkCompleted.
type CompletionParams struct {
	Succeeded    bool
	Summary      string
	OutputJSON   string
	FailureClass string
	PRURL        string
}

// MarkCompleted moves a running run to Succeeded or Failed, stamping the end
// time, summary, output, and optional failure class and PR url.
func (m *Manager) MarkCompleted(ctx context.Context, s *docstore.Session, runID string, p CompletionParams) (bool, error) {
	target := model.RunStateFailed
	if p.Succeeded {
		target = model.RunStateSucceeded
	}
	return m.transition(ctx, s, runID, target, func(r *model.Run) {
		t := m.now()
		r.EndedAt = &t
		r.Summary = p.Summary
		r.OutputJSON = p.OutputJSON
		r.FailureClass = p.FailureClass
		r.PRURL = p.PRURL
	})
}

// RequestApproval parks a queued run in PendingApproval.
func (m *Manager) RequestApproval(ctx context.Context, s *docstore.Session, runID string) (bool, error) {
	return m.transition(ctx, s, runID, model.RunStatePendingApproval, func(*model.Run) {})
}

// Approve returns a pending-approval run to the queue.
func (m *Manager) Approve(ctx context.Context, s *docstore.Session, runID string) (bool, error) {
	if runID == "" {
		return false, errors.Join(ErrInvalidInput, errors.New("run id is required"))
	}
	run, ok, err := docstore.SessionGet[model.Run](ctx, s, runID)
	if err != nil {
		return false, err
	}
	if !ok || run.State != model.RunStatePendingApproval {
		return false, nil
	}
	run.State = model.RunStateQueued
	if err := docstore.SessionPut(ctx, s, run); err != nil {
		return false, err
	}
	m.logger.Debug("run approved", "run_id", runID)
	return true, nil
}

// Reject cancels a pending-approval run.
func (m *Manager) Reject(ctx context.Context, s *docstore.Session, runID string) (bool, error) {
	if runID == "" {
		return false, errors.Join(ErrInvalidInput, errors.New("run id is required"))
	}
	run, ok, err := docstore.SessionGet[model.Run](ctx, s, runID)
	if err != nil {
		return false, err
	}
	if !ok || run.State != model.RunStatePendingApproval {
		return false, nil
	}
	run.State = model.RunStateCancelled
	t := m.now()
	run.EndedAt = &t
	if err := docstore.SessionPut(ctx, s, run); err != nil {
		return false, err
	}
	m.logger.Debug("run rejected", "run_id", runID)
	return true, nil
}

// Cancel moves any active run to Cancelled, stamping the end time.
func (m *Manager) Cancel(ctx context.Context, s *docstore.Session, runID string) (bool, error) {
	return m.transition(ctx, s, runID, model.RunStateCancelled, func(r *model.Run) {
		t := m.now()
		r.EndedAt = &t
	})
}

// MarkObsolete retires an active or succeeded run. A default summary is
// backfilled only when the run never produced one.
func (m *Manager) MarkObsolete(ctx context.Context, s *docstore.Session, runID string) (bool, error) {
	return m.transition(ctx, s, runID, model.RunStateObsolete, func(r *model.Run) {
		if r.Summary == "" {
			r.Summary = obsoleteDefaultSummary
		}
	})
}

// ActiveRuns returns the active runs (Queued, Running, PendingApproval) for a
// task.
func ActiveRuns(ctx context.Context, s *docstore.Session, taskID string) ([]model.Run, error) {
	return docstore.SessionFind(ctx, s, func(r model.Run) bool {
		return r.TaskID == taskID && r.State.IsActive()
	})
}
