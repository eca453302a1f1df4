// Package search maintains the per-task semantic index: embedded content
// chunks deduplicated by chunk key, queried by cosine similarity with
// graceful fallback to substring match, then recency.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
	otelx "github.com/runforge/runforge/internal/otel"
)

// ErrInvalidChunk signals a chunk without a task scope or content.
var ErrInvalidChunk = errors.New("search: invalid chunk")

// Index is the semantic search index over the document store.
type Index struct {
	store   *docstore.Engine
	now     func() time.Time
	logger  *slog.Logger
	metrics *otelx.Metrics
}

// Option configures an Index.
type Option func(*Index)

// WithClock overrides the index's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(i *Index) { i.now = now }
}

// WithLogger sets the index's logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *otelx.Metrics) Option {
	return func(i *Index) { i.metrics = m }
}

// NewIndex builds an Index over the engine.
func NewIndex(store *docstore.Engine, opts ...Option) *Index {
	i := &Index{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ChunkParams describes one chunk to index. RawEmbedding accepts either a
// JSON array ("[0.1, 0.2]") or a comma-separated string ("0.1, 0.2"). An
// empty ChunkKey defaults to "sourceRef:chunkIndex".
type ChunkParams struct {
	TaskID       string
	RepositoryID string
	SourceRef    string
	ChunkIndex   int
	ChunkKey     string
	Content      string
	RawEmbedding string
}

// UpsertChunk stores a chunk, deduplicated by chunk key within the task with
// last-write-wins on re-ingestion.
func (i *Index) UpsertChunk(ctx context.Context, p ChunkParams) (model.SemanticChunk, error) {
	if p.TaskID == "" {
		return model.SemanticChunk{}, errors.Join(ErrInvalidChunk, errors.New("task id is required"))
	}
	if strings.TrimSpace(p.Content) == "" {
		return model.SemanticChunk{}, errors.Join(ErrInvalidChunk, errors.New("content is required"))
	}
	key := p.ChunkKey
	if key == "" {
		key = fmt.Sprintf("%s:%d", p.SourceRef, p.ChunkIndex)
	}

	embedding, err := ParseEmbedding(p.RawEmbedding)
	if err != nil {
		// Unparseable embeddings degrade to text-only chunks.
		i.logger.Debug("embedding not parseable, storing chunk without one",
			"task_id", p.TaskID, "chunk_key", key)
		embedding = nil
	}

	chunk := model.SemanticChunk{
		TaskID:       p.TaskID,
		RepositoryID: p.RepositoryID,
		ChunkKey:     key,
		SourceRef:    p.SourceRef,
		ChunkIndex:   p.ChunkIndex,
		Content:      p.Content,
		Embedding:    embedding,
		UpdatedAt:    i.now(),
	}
	if err := docstore.Upsert(ctx, i.store, chunk); err != nil {
		return model.SemanticChunk{}, err
	}
	if i.metrics != nil {
		i.metrics.ChunksIndexed.Add(ctx, 1)
	}
	return chunk, nil
}

// ParseEmbedding parses an embedding vector from either a JSON array or a
// comma-separated string. An empty input is (nil, nil).
func ParseEmbedding(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var vec []float64
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			return nil, fmt.Errorf("parse embedding JSON: %w", err)
		}
		return vec, nil
	}
	parts := strings.Split(raw, ",")
	vec := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parse embedding component %q: %w", part, err)
		}
		vec = append(vec, f)
	}
	return vec, nil
}

// Query describes one search. Resolution order: embedding similarity when
// QueryEmbedding is set, then substring match on QueryText, then recency.
type Query struct {
	TaskID         string
	QueryEmbedding []float64
	QueryText      string
	Limit          int
}

// Search resolves a query against the task's chunks. It never fails just
// because nothing matches: the final fallback returns the most recently
// updated chunks unconditionally.
func (i *Index) Search(ctx context.Context, q Query) ([]model.SemanticChunk, error) {
	start := i.now()
	if q.TaskID == "" {
		return nil, errors.Join(ErrInvalidChunk, errors.New("task id is required"))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	chunks, err := docstore.Find(ctx, i.store, func(c model.SemanticChunk) bool {
		return c.TaskID == q.TaskID
	})
	if err != nil {
		return nil, err
	}

	result := i.rank(chunks, q, limit)
	if i.metrics != nil {
		i.metrics.SearchDuration.Record(ctx, i.now().Sub(start).Seconds())
	}
	return result, nil
}

func (i *Index) rank(chunks []model.SemanticChunk, q Query, limit int) []model.SemanticChunk {
	if len(q.QueryEmbedding) > 0 {
		type scored struct {
			chunk model.SemanticChunk
			score float64
		}
		var matches []scored
		for _, c := range chunks {
			// Similarity is only comparable when dimensions match.
			if len(c.Embedding) != len(q.QueryEmbedding) {
				continue
			}
			matches = append(matches, scored{chunk: c, score: cosine(q.QueryEmbedding, c.Embedding)})
		}
		if len(matches) > 0 {
			sort.Slice(matches, func(a, b int) bool {
				if matches[a].score != matches[b].score {
					return matches[a].score > matches[b].score
				}
				return matches[a].chunk.UpdatedAt.After(matches[b].chunk.UpdatedAt)
			})
			out := make([]model.SemanticChunk, 0, limit)
			for _, m := range matches {
				out = append(out, m.chunk)
				if len(out) == limit {
					break
				}
			}
			return out
		}
	}

	if text := strings.TrimSpace(q.QueryText); text != "" {
		needle := strings.ToLower(text)
		var matches []model.SemanticChunk
		for _, c := range chunks {
			if strings.Contains(strings.ToLower(c.Content), needle) ||
				strings.Contains(strings.ToLower(c.SourceRef), needle) ||
				strings.Contains(strings.ToLower(c.ChunkKey), needle) {
				matches = append(matches, c)
			}
		}
		if len(matches) > 0 {
			return mostRecent(matches, limit)
		}
	}

	return mostRecent(chunks, limit)
}

func mostRecent(chunks []model.SemanticChunk, limit int) []model.SemanticChunk {
	sort.Slice(chunks, func(a, b int) bool {
		return chunks[a].UpdatedAt.After(chunks[b].UpdatedAt)
	})
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

// cosine computes cosine similarity of two equal-length vectors. Zero-norm
// vectors score 0.
func cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
