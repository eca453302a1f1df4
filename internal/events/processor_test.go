package events_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/model"
)

func newTestEngine(t *testing.T) *docstore.Engine {
	t.Helper()
	eng, err := docstore.Open(filepath.Join(t.TempDir(), "test.db"), model.Registry())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func seedRun(t *testing.T, ctx context.Context, s *docstore.Session, mode string) model.Run {
	t.Helper()
	run := model.Run{
		ID:            "run-1",
		TaskID:        "task-1",
		RepositoryID:  "repo-1",
		State:         model.RunStateRunning,
		ExecutionMode: mode,
	}
	if err := docstore.SessionPut(ctx, s, run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

func TestIngestStoresEvent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()

	s := eng.NewSession()
	run := seedRun(t, ctx, s, "auto")

	stored, ok, err := proc.Ingest(ctx, s, run.ID, events.IncomingEvent{
		SchemaVersion: "1",
		Sequence:      1,
		EventType:     "status",
		Summary:       "cloning repo",
	})
	if err != nil || !ok {
		t.Fatalf("ingest: ok=%v err=%v", ok, err)
	}
	if stored.TaskID != "task-1" || stored.RepositoryID != "repo-1" {
		t.Fatalf("back-references not filled: %+v", stored)
	}
	if stored.Timestamp.IsZero() {
		t.Fatal("expected timestamp backfill")
	}
}

func TestIngestRaw(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()

	s := eng.NewSession()
	run := seedRun(t, ctx, s, "auto")

	stored, ok, err := proc.IngestRaw(ctx, s, run.ID,
		[]byte(`{"schemaVersion":"1","sequence":3,"eventType":"status","summary":"checking out"}`))
	if err != nil || !ok {
		t.Fatalf("ingest raw: ok=%v err=%v", ok, err)
	}
	if stored.Sequence != 3 || stored.EventType != "status" {
		t.Fatalf("unexpected stored event: %+v", stored)
	}

	// Documents failing the wire contract are rejected before anything is
	// stored: sequence below one, missing schemaVersion, garbage bytes.
	for _, raw := range []string{
		`{"schemaVersion":"1","sequence":0,"eventType":"status"}`,
		`{"sequence":4,"eventType":"status"}`,
		`not json`,
	} {
		if _, _, err := proc.IngestRaw(ctx, s, run.ID, []byte(raw)); !errors.Is(err, events.ErrInvalidEvent) {
			t.Fatalf("raw %q: expected ErrInvalidEvent, got %v", raw, err)
		}
	}
	all, err := docstore.SessionFind(ctx, s, func(e model.StructuredEvent) bool {
		return e.RunID == run.ID
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected only the valid event stored, got %d", len(all))
	}
}

func TestIngestRedeliveryDedup(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()

	s := eng.NewSession()
	run := seedRun(t, ctx, s, "auto")

	ev := events.IncomingEvent{SchemaVersion: "1", Sequence: 5, EventType: "status", Summary: "first"}
	if _, ok, err := proc.Ingest(ctx, s, run.ID, ev); err != nil || !ok {
		t.Fatalf("first ingest: ok=%v err=%v", ok, err)
	}
	ev.Summary = "second"
	if _, ok, err := proc.Ingest(ctx, s, run.ID, ev); err != nil || !ok {
		t.Fatalf("redelivery: ok=%v err=%v", ok, err)
	}

	all, err := docstore.SessionFind(ctx, s, func(e model.StructuredEvent) bool {
		return e.RunID == run.ID
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected dedup to one event, got %d", len(all))
	}
	if all[0].Summary != "second" {
		t.Fatalf("redelivery did not overwrite, got %q", all[0].Summary)
	}
}

func TestIngestValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()
	s := eng.NewSession()

	if _, _, err := proc.Ingest(ctx, s, "", events.IncomingEvent{Sequence: 1, EventType: "x"}); err == nil {
		t.Fatal("expected error for blank run id")
	}
	if _, _, err := proc.Ingest(ctx, s, "run-1", events.IncomingEvent{Sequence: 0, EventType: "x"}); err == nil {
		t.Fatal("expected error for sequence < 1")
	}
	// Missing run is a quiet no-op.
	if _, ok, err := proc.Ingest(ctx, s, "ghost", events.IncomingEvent{Sequence: 1, EventType: "x"}); err != nil || ok {
		t.Fatalf("missing run: ok=%v err=%v", ok, err)
	}
}

func TestToolProjectionMergeByCallID(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()

	s := eng.NewSession()
	run := seedRun(t, ctx, s, "auto")

	deliveries := []struct {
		seq     int64
		payload string
	}{
		{3, `{"toolCallId":"call-7","tool_name":"bash","status":"started"}`},
		{4, `{"toolCallId":"call-7","status":"running"}`},
		{6, `{"toolCallId":"call-7","status":"done"}`},
	}
	for _, d := range deliveries {
		_, ok, err := proc.Ingest(ctx, s, run.ID, events.IncomingEvent{
			SchemaVersion: "1",
			Sequence:      d.seq,
			EventType:     "tool_use",
			PayloadJSON:   d.payload,
		})
		if err != nil || !ok {
			t.Fatalf("ingest seq %d: ok=%v err=%v", d.seq, ok, err)
		}
	}

	projections, err := docstore.SessionFind(ctx, s, func(p model.ToolProjection) bool {
		return p.RunID == run.ID
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(projections) != 1 {
		t.Fatalf("expected one merged projection, got %d", len(projections))
	}
	proj := projections[0]
	if proj.SequenceStart != 3 || proj.SequenceEnd != 6 {
		t.Fatalf("sequence range [%d,%d], want [3,6]", proj.SequenceStart, proj.SequenceEnd)
	}
	if proj.ToolName != "bash" {
		t.Fatalf("tool name lost on merge: %q", proj.ToolName)
	}
	if proj.Status != "done" {
		t.Fatalf("status not overwritten: %q", proj.Status)
	}
}

func TestToolProjectionSeparateCalls(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()

	s := eng.NewSession()
	run := seedRun(t, ctx, s, "auto")

	deliveries := []struct {
		seq     int64
		payload string
	}{
		{1, `{"toolCallId":"a","tool_name":"bash"}`},
		{2, `{"toolCallId":"b","tool_name":"edit"}`},
	}
	for _, d := range deliveries {
		if _, ok, err := proc.Ingest(ctx, s, run.ID, events.IncomingEvent{
			SchemaVersion: "1", Sequence: d.seq, EventType: "tool_use", PayloadJSON: d.payload,
		}); err != nil || !ok {
			t.Fatalf("ingest seq %d: ok=%v err=%v", d.seq, ok, err)
		}
	}

	projections, err := docstore.SessionFind(ctx, s, func(p model.ToolProjection) bool {
		return p.RunID == run.ID
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(projections) != 2 {
		t.Fatalf("expected two projections, got %d", len(projections))
	}
}

func TestMalformedPayloadStillStoresEvent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()

	s := eng.NewSession()
	run := seedRun(t, ctx, s, "auto")

	_, ok, err := proc.Ingest(ctx, s, run.ID, events.IncomingEvent{
		SchemaVersion: "1",
		Sequence:      1,
		EventType:     "tool_use",
		PayloadJSON:   `{not json`,
	})
	if err != nil || !ok {
		t.Fatalf("ingest: ok=%v err=%v", ok, err)
	}

	evs, err := docstore.SessionFind(ctx, s, func(e model.StructuredEvent) bool {
		return e.RunID == run.ID
	})
	if err != nil {
		t.Fatalf("find events: %v", err)
	}
	if len(evs) != 1 || evs[0].PayloadJSON != `{not json` {
		t.Fatalf("event not stored verbatim: %+v", evs)
	}
}

func TestQuestionProjectionPlanModeOnly(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()

	payload := `{"tool_name":"request_user_input","input":{"questions":[
		{"id":"q1","prompt":"Which branch?","options":[{"id":"main","label":"main"},{"id":"dev","label":"dev"}]}
	]}}`

	// Auto-mode run: no question request is derived.
	s := eng.NewSession()
	run := seedRun(t, ctx, s, "auto")
	if _, ok, err := proc.Ingest(ctx, s, run.ID, events.IncomingEvent{
		SchemaVersion: "1", Sequence: 1, EventType: "tool_use", PayloadJSON: payload,
	}); err != nil || !ok {
		t.Fatalf("ingest auto: ok=%v err=%v", ok, err)
	}
	reqs, err := events.PendingRequests(ctx, s, run.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("expected no requests in auto mode, got %d", len(reqs))
	}

	// Plan-mode run: the request is derived.
	run.ExecutionMode = model.ExecutionModePlan
	if err := docstore.SessionPut(ctx, s, run); err != nil {
		t.Fatalf("flip mode: %v", err)
	}
	if _, ok, err := proc.Ingest(ctx, s, run.ID, events.IncomingEvent{
		SchemaVersion: "1", Sequence: 2, EventType: "tool_use", PayloadJSON: payload,
	}); err != nil || !ok {
		t.Fatalf("ingest plan: ok=%v err=%v", ok, err)
	}
	reqs, err = events.PendingRequests(ctx, s, run.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	req := reqs[0]
	if len(req.Questions) != 1 || req.Questions[0].Prompt != "Which branch?" {
		t.Fatalf("unexpected questions: %+v", req.Questions)
	}
	if len(req.Questions[0].Options) != 2 {
		t.Fatalf("unexpected options: %+v", req.Questions[0].Options)
	}
}

func TestAnsweredRequestIsImmutable(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	proc := events.NewProcessor()

	s := eng.NewSession()
	run := seedRun(t, ctx, s, model.ExecutionModePlan)

	payload := `{"tool_name":"request_user_input","questions":[
		{"prompt":"Proceed?","options":["yes","no"]}
	]}`
	if _, ok, err := proc.Ingest(ctx, s, run.ID, events.IncomingEvent{
		SchemaVersion: "1", Sequence: 1, EventType: "tool_use", PayloadJSON: payload,
	}); err != nil || !ok {
		t.Fatalf("ingest: ok=%v err=%v", ok, err)
	}
	reqs, _ := events.PendingRequests(ctx, s, run.ID)
	if len(reqs) != 1 {
		t.Fatalf("expected one pending request, got %d", len(reqs))
	}

	if ok, err := proc.AnswerRequest(ctx, s, reqs[0].ID, `{"answer":"yes"}`); err != nil || !ok {
		t.Fatalf("answer: ok=%v err=%v", ok, err)
	}
	// Answering twice is refused.
	if ok, _ := proc.AnswerRequest(ctx, s, reqs[0].ID, `{"answer":"no"}`); ok {
		t.Fatal("expected second answer to be refused")
	}

	// Redelivering the originating event leaves the answered request alone.
	changed := `{"tool_name":"request_user_input","questions":[
		{"prompt":"Changed?","options":["maybe"]}
	]}`
	if _, ok, err := proc.Ingest(ctx, s, run.ID, events.IncomingEvent{
		SchemaVersion: "1", Sequence: 1, EventType: "tool_use", PayloadJSON: changed,
	}); err != nil || !ok {
		t.Fatalf("redelivery: ok=%v err=%v", ok, err)
	}
	req, okGet, err := docstore.SessionGet[model.QuestionRequest](ctx, s, reqs[0].ID)
	if err != nil || !okGet {
		t.Fatalf("get request: ok=%v err=%v", okGet, err)
	}
	if req.Status != model.QuestionStatusAnswered || req.AnswerJSON != `{"answer":"yes"}` {
		t.Fatalf("answered request mutated: %+v", req)
	}
	if req.Questions[0].Prompt != "Proceed?" {
		t.Fatalf("questions rewritten after answer: %+v", req.Questions)
	}
}

func TestSnapshots(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	proc := events.NewProcessor(events.WithClock(func() time.Time { return ts }))

	s := eng.NewSession()
	run := seedRun(t, ctx, s, "auto")

	if ok, err := proc.RecordDiffSnapshot(ctx, s, run.ID, 3, "diff --git a b", 2); err != nil || !ok {
		t.Fatalf("diff snapshot: ok=%v err=%v", ok, err)
	}
	if ok, err := proc.RecordInstructionStack(ctx, s, run.ID, 3, `["root"]`); err != nil || !ok {
		t.Fatalf("instruction stack: ok=%v err=%v", ok, err)
	}
	if ok, err := proc.RecordShareBundle(ctx, s, run.ID, 3, `{"events":[]}`); err != nil || !ok {
		t.Fatalf("share bundle: ok=%v err=%v", ok, err)
	}
	// Missing run is a quiet no-op.
	if ok, err := proc.RecordDiffSnapshot(ctx, s, "ghost", 1, "", 0); err != nil || ok {
		t.Fatalf("missing run snapshot: ok=%v err=%v", ok, err)
	}

	snap, ok, err := docstore.SessionGet[model.DiffSnapshot](ctx, s, "run-1:3")
	if err != nil || !ok {
		t.Fatalf("get snapshot: ok=%v err=%v", ok, err)
	}
	if snap.TaskID != "task-1" || snap.FileCount != 2 || !snap.Timestamp.Equal(ts) {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
