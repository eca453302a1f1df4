package docstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
)

func TestSessionVisibilityBeforeCommit(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	s := eng.NewSession()
	task := model.Task{ID: "t1", RepositoryID: "r1", Prompt: "p", CreatedAt: time.Now().UTC()}
	if err := docstore.SessionPut(ctx, s, task); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Visible inside the session.
	if _, ok, _ := docstore.SessionGet[model.Task](ctx, s, "t1"); !ok {
		t.Fatal("expected task inside session")
	}
	// Not visible to the engine until commit.
	if _, ok, _ := docstore.Get[model.Task](ctx, eng, "t1"); ok {
		t.Fatal("task leaked before commit")
	}

	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok, _ := docstore.Get[model.Task](ctx, eng, "t1"); !ok {
		t.Fatal("expected task after commit")
	}
}

func TestSessionDeepCopyIsolation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	s := eng.NewSession()
	chunk := model.SemanticChunk{TaskID: "t1", ChunkKey: "k", Content: "original", Embedding: []float64{1, 0}}
	if err := docstore.SessionPut(ctx, s, chunk); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Mutating the caller's copy after Put must not affect the session.
	chunk.Content = "mutated"
	chunk.Embedding[0] = 99

	got, ok, err := docstore.SessionGet[model.SemanticChunk](ctx, s, "t1:k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Content != "original" || got.Embedding[0] != 1 {
		t.Fatalf("session copy corrupted by caller mutation: %+v", got)
	}

	// Mutating the returned copy must not affect a later read either.
	got.Embedding[0] = -5
	again, _, _ := docstore.SessionGet[model.SemanticChunk](ctx, s, "t1:k")
	if again.Embedding[0] != 1 {
		t.Fatalf("returned copy aliased session state: %+v", again)
	}
}

func TestSessionRemove(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := docstore.Upsert(ctx, eng, model.Task{ID: "persisted", Prompt: "p"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := eng.NewSession()
	// Removing an id added in the same session just forgets it.
	if err := docstore.SessionPut(ctx, s, model.Task{ID: "ephemeral", Prompt: "p"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, err := docstore.SessionRemove[model.Task](ctx, s, "ephemeral"); err != nil || !ok {
		t.Fatalf("remove added: ok=%v err=%v", ok, err)
	}
	// Removing a persisted id queues a deletion.
	if ok, err := docstore.SessionRemove[model.Task](ctx, s, "persisted"); err != nil || !ok {
		t.Fatalf("remove persisted: ok=%v err=%v", ok, err)
	}
	// Second remove of the same id is a no-op.
	if ok, _ := docstore.SessionRemove[model.Task](ctx, s, "persisted"); ok {
		t.Fatal("expected second remove to report false")
	}
	// Removed ids read as missing inside the session.
	if _, ok, _ := docstore.SessionGet[model.Task](ctx, s, "persisted"); ok {
		t.Fatal("removed task still readable in session")
	}

	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	all, err := docstore.All[model.Task](ctx, eng)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty collection, got %+v", all)
	}
}

func TestSessionMultiCollectionCommit(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	s := eng.NewSession()
	if err := docstore.SessionPut(ctx, s, model.Task{ID: "t1", Prompt: "p"}); err != nil {
		t.Fatalf("put task: %v", err)
	}
	if err := docstore.SessionPut(ctx, s, model.Run{ID: "r1", TaskID: "t1", State: model.RunStateQueued}); err != nil {
		t.Fatalf("put run: %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, ok, _ := docstore.Get[model.Task](ctx, eng, "t1"); !ok {
		t.Fatal("task not committed")
	}
	if _, ok, _ := docstore.Get[model.Run](ctx, eng, "r1"); !ok {
		t.Fatal("run not committed")
	}
}

func TestSessionFindTracksMatches(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := docstore.Upsert(ctx, eng, model.Run{ID: "r1", TaskID: "t1", State: model.RunStateQueued}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := eng.NewSession()
	runs, err := docstore.SessionFind(ctx, s, func(r model.Run) bool { return r.TaskID == "t1" })
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	// Tracked-by-read entities are flushed on commit even without Put.
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSessionPutRejectsEmptyID(t *testing.T) {
	eng := newTestEngine(t)
	s := eng.NewSession()
	if err := docstore.SessionPut(context.Background(), s, model.Task{}); err == nil {
		t.Fatal("expected error for empty document id")
	}
}
