// Package events ingests the structured execution events emitted by pluggable
// backends and derives the durable projections built from them: tool-call
// records, pending user-question requests, and per-sequence run snapshots.
//
// Delivery is at-least-once; (run, sequence) is the dedup key. Redelivery of
// a sequence overwrites the stored event's scalar fields in place. Payloads
// are freeform JSON: a malformed payload yields no projection but never an
// ingestion failure — the event itself is always stored.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
	otelx "github.com/runforge/runforge/internal/otel"
)

// ErrInvalidEvent signals a malformed envelope (blank run id, sequence < 1).
var ErrInvalidEvent = errors.New("events: invalid event")

// requestUserInputTool is the tool whose invocations surface question
// requests, considered only for runs in plan mode.
const requestUserInputTool = "request_user_input"

// IncomingEvent is one event as delivered by an execution backend.
type IncomingEvent struct {
	SchemaVersion string    `json:"schemaVersion"`
	Sequence      int64     `json:"sequence"`
	EventType     string    `json:"eventType"`
	Category      string    `json:"category"`
	Summary       string    `json:"summary"`
	Error         string    `json:"error"`
	PayloadJSON   string    `json:"payloadJson"`
	Timestamp     time.Time `json:"timestampUtc"`
}

// Processor ingests structured events against a unit-of-work session.
type Processor struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *otelx.Metrics
	tracer  trace.Tracer
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the processor's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the processor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *otelx.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithTracer sets the processor's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// NewProcessor builds a Processor.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
		tracer: nooptrace.NewTracerProvider().Tracer(otelx.TracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest stores one event and evaluates its projections. A missing run is
// (zero, false, nil); the caller treats it as a normal outcome.
func (p *Processor) Ingest(ctx context.Context, s *docstore.Session, runID string, ev IncomingEvent) (model.StructuredEvent, bool, error) {
	ctx, span := otelx.StartSpan(ctx, p.tracer, "events.ingest",
		otelx.AttrRunID.String(runID), otelx.AttrSequence.Int64(ev.Sequence))
	defer span.End()

	start := p.now()
	if runID == "" {
		return model.StructuredEvent{}, false, errors.Join(ErrInvalidEvent, errors.New("run id is required"))
	}
	if ev.Sequence < 1 {
		return model.StructuredEvent{}, false, errors.Join(ErrInvalidEvent, errors.New("sequence must be >= 1"))
	}

	run, ok, err := docstore.SessionGet[model.Run](ctx, s, runID)
	if err != nil {
		return model.StructuredEvent{}, false, err
	}
	if !ok {
		return model.StructuredEvent{}, false, nil
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	stored := model.StructuredEvent{
		RunID:         runID,
		TaskID:        run.TaskID,
		RepositoryID:  run.RepositoryID,
		Sequence:      ev.Sequence,
		SchemaVersion: ev.SchemaVersion,
		EventType:     ev.EventType,
		Category:      ev.Category,
		Summary:       ev.Summary,
		ErrorText:     ev.Error,
		PayloadJSON:   ev.PayloadJSON,
		Timestamp:     ts,
	}
	if err := docstore.SessionPut(ctx, s, stored); err != nil {
		return model.StructuredEvent{}, false, err
	}

	// Projections run on a best-effort decode. A payload that fails to parse
	// simply yields none.
	var payload map[string]any
	if ev.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(ev.PayloadJSON), &payload); err != nil {
			p.logger.Debug("event payload not parseable, skipping projections",
				"run_id", runID, "sequence", ev.Sequence)
			payload = nil
		}
	}

	if err := p.projectToolCall(ctx, s, run, stored, payload); err != nil {
		return model.StructuredEvent{}, false, err
	}
	if err := p.projectQuestionRequest(ctx, s, run, stored, payload); err != nil {
		return model.StructuredEvent{}, false, err
	}

	if p.metrics != nil {
		p.metrics.IngestDuration.Record(ctx, p.now().Sub(start).Seconds())
		p.metrics.EventsIngested.Add(ctx, 1)
	}
	return stored, true, nil
}

// IngestRaw ingests one event straight off the wire: the raw document is
// checked against the envelope schema, decoded, and handed to Ingest. Nothing
// is stored for a document that fails the contract.
func (p *Processor) IngestRaw(ctx context.Context, s *docstore.Session, runID string, raw []byte) (model.StructuredEvent, bool, error) {
	if err := ValidateEnvelope(raw); err != nil {
		return model.StructuredEvent{}, false, err
	}
	var ev IncomingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.StructuredEvent{}, false, errors.Join(ErrInvalidEvent, err)
	}
	return p.Ingest(ctx, s, runID, ev)
}

// projectToolCall merges the event into a tool projection when the event
// looks tool related: the type or category mentions "tool", or the payload
// resolves a tool call id or tool name.
func (p *Processor) projectToolCall(ctx context.Context, s *docstore.Session, run model.Run, ev model.StructuredEvent, payload map[string]any) error {
	callID := firstString(payload, toolCallIDAliases)
	toolName := firstString(payload, toolNameAliases)

	mentionsTool := strings.Contains(strings.ToLower(ev.EventType), "tool") ||
		strings.Contains(strings.ToLower(ev.Category), "tool")
	if !mentionsTool && callID == "" && toolName == "" {
		return nil
	}

	existing, err := p.matchProjection(ctx, s, run.ID, callID, ev.Sequence)
	if err != nil {
		return err
	}

	if existing == nil {
		proj := model.ToolProjection{
			ID:            uuid.NewString(),
			RunID:         run.ID,
			TaskID:        run.TaskID,
			RepositoryID:  run.RepositoryID,
			ToolCallID:    callID,
			ToolName:      toolName,
			Status:        firstString(payload, toolStatusAliases),
			ErrorText:     firstString(payload, toolErrorAliases),
			SequenceStart: ev.Sequence,
			SequenceEnd:   ev.Sequence,
			PayloadJSON:   ev.PayloadJSON,
			UpdatedAt:     p.now(),
		}
		return docstore.SessionPut(ctx, s, proj)
	}

	proj := *existing
	if ev.Sequence < proj.SequenceStart {
		proj.SequenceStart = ev.Sequence
	}
	if ev.Sequence > proj.SequenceEnd {
		proj.SequenceEnd = ev.Sequence
	}
	if callID != "" {
		proj.ToolCallID = callID
	}
	if toolName != "" {
		proj.ToolName = toolName
	}
	if status := firstString(payload, toolStatusAliases); status != "" {
		proj.Status = status
	}
	if errText := firstString(payload, toolErrorAliases); errText != "" {
		proj.ErrorText = errText
	}
	if ev.PayloadJSON != "" {
		proj.PayloadJSON = ev.PayloadJSON
	}
	proj.UpdatedAt = p.now()
	return docstore.SessionPut(ctx, s, proj)
}

// matchProjection finds the projection the event belongs to: by tool call id
// when the event carries one, otherwise by overlapping sequence range.
func (p *Processor) matchProjection(ctx context.Context, s *docstore.Session, runID, callID string, seq int64) (*model.ToolProjection, error) {
	var pred func(model.ToolProjection) bool
	if callID != "" {
		pred = func(t model.ToolProjection) bool {
			return t.RunID == runID && t.ToolCallID == callID
		}
	} else {
		pred = func(t model.ToolProjection) bool {
			return t.RunID == runID && t.SequenceStart <= seq && seq <= t.SequenceEnd
		}
	}
	matches, err := docstore.SessionFind(ctx, s, pred)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	// Session scans have no intrinsic order; pick the earliest projection so
	// merging stays deterministic.
	best := matches[0]
	for _, m := range matches[1:] {
		if m.SequenceStart < best.SequenceStart ||
			(m.SequenceStart == best.SequenceStart && m.ID < best.ID) {
			best = m
		}
	}
	return &best, nil
}

// projectQuestionRequest derives a question request when a plan-mode run
// invokes request_user_input. Redelivery before the request is answered
// re-normalizes and overwrites its question list; after it is answered the
// request is immutable and redelivery is ignored.
func (p *Processor) projectQuestionRequest(ctx context.Context, s *docstore.Session, run model.Run, ev model.StructuredEvent, payload map[string]any) error {
	if run.ExecutionMode != model.ExecutionModePlan {
		return nil
	}
	if firstString(payload, toolNameAliases) != requestUserInputTool {
		return nil
	}

	questions := normalizeQuestions(firstSlice(payload, questionsAliases))
	if len(questions) == 0 {
		return nil
	}

	existing, err := docstore.SessionFind(ctx, s, func(q model.QuestionRequest) bool {
		return q.RunID == run.ID && q.Sequence == ev.Sequence
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		req := existing[0]
		if req.Status == model.QuestionStatusAnswered {
			return nil
		}
		req.Questions = questions
		req.UpdatedAt = p.now()
		return docstore.SessionPut(ctx, s, req)
	}

	req := model.QuestionRequest{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		TaskID:       run.TaskID,
		RepositoryID: run.RepositoryID,
		Sequence:     ev.Sequence,
		Status:       model.QuestionStatusPending,
		Questions:    questions,
		CreatedAt:    p.now(),
		UpdatedAt:    p.now(),
	}
	return docstore.SessionPut(ctx, s, req)
}

// AnswerRequest marks a pending question request answered, storing the answer
// payload. Missing or already-answered requests are (false, nil).
func (p *Processor) AnswerRequest(ctx context.Context, s *docstore.Session, requestID, answerJSON string) (bool, error) {
	if requestID == "" {
		return false, errors.Join(ErrInvalidEvent, errors.New("request id is required"))
	}
	req, ok, err := docstore.SessionGet[model.QuestionRequest](ctx, s, requestID)
	if err != nil {
		return false, err
	}
	if !ok || req.Status != model.QuestionStatusPending {
		return false, nil
	}
	req.Status = model.QuestionStatusAnswered
	req.AnswerJSON = answerJSON
	req.UpdatedAt = p.now()
	if err := docstore.SessionPut(ctx, s, req); err != nil {
		return false, err
	}
	return true, nil
}

// PendingRequests returns the pending question requests for a run.
func PendingRequests(ctx context.Context, s *docstore.Session, runID string) ([]model.QuestionRequest, error) {
	return docstore.SessionFind(ctx, s, func(q model.QuestionRequest) bool {
		return q.RunID == runID && q.Status == model.QuestionStatusPending
	})
}
