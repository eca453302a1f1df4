package search_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
	"github.com/runforge/runforge/internal/search"
)

func newTestIndex(t *testing.T) (*search.Index, *docstore.Engine) {
	t.Helper()
	eng, err := docstore.Open(filepath.Join(t.TempDir(), "test.db"), model.Registry())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return search.NewIndex(eng), eng
}

func TestUpsertChunkDedupByKey(t *testing.T) {
	idx, eng := newTestIndex(t)
	ctx := context.Background()

	first, err := idx.UpsertChunk(ctx, search.ChunkParams{
		TaskID: "t1", SourceRef: "readme.md", ChunkIndex: 0, Content: "first",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.ChunkKey != "readme.md:0" {
		t.Fatalf("default chunk key: %q", first.ChunkKey)
	}

	// Re-ingesting the same key replaces the chunk.
	if _, err := idx.UpsertChunk(ctx, search.ChunkParams{
		TaskID: "t1", SourceRef: "readme.md", ChunkIndex: 0, Content: "second",
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	chunks, err := docstore.All[model.SemanticChunk](ctx, eng)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "second" {
		t.Fatalf("dedup failed: %+v", chunks)
	}
}

func TestUpsertChunkValidation(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.UpsertChunk(ctx, search.ChunkParams{Content: "c"}); err == nil {
		t.Fatal("expected error for missing task id")
	}
	if _, err := idx.UpsertChunk(ctx, search.ChunkParams{TaskID: "t1", Content: "  "}); err == nil {
		t.Fatal("expected error for blank content")
	}

	// An unparseable embedding degrades to a text-only chunk.
	chunk, err := idx.UpsertChunk(ctx, search.ChunkParams{
		TaskID: "t1", ChunkKey: "k", Content: "c", RawEmbedding: "not numbers",
	})
	if err != nil {
		t.Fatalf("upsert with bad embedding: %v", err)
	}
	if chunk.Embedding != nil {
		t.Fatalf("expected nil embedding, got %v", chunk.Embedding)
	}
}

func TestParseEmbedding(t *testing.T) {
	got, err := search.ParseEmbedding("[0.1, 0.2, 0.3]")
	if err != nil || len(got) != 3 || got[1] != 0.2 {
		t.Fatalf("json form: %v %v", got, err)
	}
	got, err = search.ParseEmbedding(" 0.5, -1.5 ,2 ")
	if err != nil || len(got) != 3 || got[1] != -1.5 {
		t.Fatalf("csv form: %v %v", got, err)
	}
	if got, err := search.ParseEmbedding(""); err != nil || got != nil {
		t.Fatalf("empty form: %v %v", got, err)
	}
	if _, err := search.ParseEmbedding("[1, oops]"); err == nil {
		t.Fatal("expected error for bad json array")
	}
	if _, err := search.ParseEmbedding("1, oops"); err == nil {
		t.Fatal("expected error for bad csv component")
	}
}

func TestSearchCosineRanking(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	seed := []search.ChunkParams{
		{TaskID: "t1", ChunkKey: "aligned", Content: "aligned", RawEmbedding: "[1, 0]"},
		{TaskID: "t1", ChunkKey: "orthogonal", Content: "orthogonal", RawEmbedding: "[0, 1]"},
		{TaskID: "t1", ChunkKey: "wrong-dims", Content: "three dims", RawEmbedding: "[1, 0, 0]"},
		{TaskID: "t2", ChunkKey: "other-task", Content: "aligned elsewhere", RawEmbedding: "[1, 0]"},
	}
	for _, p := range seed {
		if _, err := idx.UpsertChunk(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ChunkKey, err)
		}
	}

	got, err := idx.Search(ctx, search.Query{TaskID: "t1", QueryEmbedding: []float64{1, 0}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// Dimension-mismatched chunks are dropped from similarity ranking.
	if len(got) != 2 {
		t.Fatalf("expected 2 ranked chunks, got %d", len(got))
	}
	if got[0].ChunkKey != "aligned" || got[1].ChunkKey != "orthogonal" {
		t.Fatalf("wrong order: %s, %s", got[0].ChunkKey, got[1].ChunkKey)
	}
}

func TestSearchTextFallback(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	for _, p := range []search.ChunkParams{
		{TaskID: "t1", ChunkKey: "a", Content: "configure the Retention sweeper"},
		{TaskID: "t1", ChunkKey: "b", Content: "unrelated"},
	} {
		if _, err := idx.UpsertChunk(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ChunkKey, err)
		}
	}

	// No embeddings stored, so an embedding query falls through to text.
	got, err := idx.Search(ctx, search.Query{
		TaskID:         "t1",
		QueryEmbedding: []float64{1, 0},
		QueryText:      "retention",
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ChunkKey != "a" {
		t.Fatalf("text fallback: %+v", got)
	}
}

func TestSearchRecencyFallback(t *testing.T) {
	idx, eng := newTestIndex(t)
	ctx := context.Background()

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	for _, c := range []model.SemanticChunk{
		{TaskID: "t1", ChunkKey: "old", Content: "x", UpdatedAt: older},
		{TaskID: "t1", ChunkKey: "new", Content: "y", UpdatedAt: newer},
	} {
		if err := docstore.Upsert(ctx, eng, c); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// Nothing matches the text, so the most recent chunks come back anyway.
	got, err := idx.Search(ctx, search.Query{TaskID: "t1", QueryText: "zzz", Limit: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ChunkKey != "new" {
		t.Fatalf("recency fallback: %+v", got)
	}
}

func TestSearchRequiresTask(t *testing.T) {
	idx, _ := newTestIndex(t)
	if _, err := idx.Search(context.Background(), search.Query{}); err == nil {
		t.Fatal("expected error for missing task id")
	}
}
