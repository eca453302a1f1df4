package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
	otelx "github.com/runforge/runforge/internal/otel"
)

// CascadeResult reports what one task cascade removed. CleanupErrors counts
// best-effort artifact and workspace deletion failures; the record deletions
// they follow are already committed.
type CascadeResult struct {
	TaskID            string `json:"task_id"`
	TaskDeleted       bool   `json:"task_deleted"`
	Runs              int    `json:"runs"`
	StructuredEvents  int    `json:"structured_events"`
	RunLogs           int    `json:"run_logs"`
	DiffSnapshots     int    `json:"diff_snapshots"`
	InstructionStacks int    `json:"instruction_stacks"`
	ShareBundles      int    `json:"share_bundles"`
	ToolProjections   int    `json:"tool_projections"`
	QuestionRequests  int    `json:"question_requests"`
	PromptEntries     int    `json:"prompt_entries"`
	AISummaries       int    `json:"ai_summaries"`
	SemanticChunks    int    `json:"semantic_chunks"`
	Findings          int    `json:"findings"`
	CleanupErrors     int    `json:"cleanup_errors"`
}

// Records is the total number of rows removed, runs and task included.
func (r CascadeResult) Records() int {
	n := r.Runs + r.StructuredEvents + r.RunLogs + r.DiffSnapshots +
		r.InstructionStacks + r.ShareBundles + r.ToolProjections +
		r.QuestionRequests + r.PromptEntries + r.AISummaries +
		r.SemanticChunks + r.Findings
	if r.TaskDeleted {
		n++
	}
	return n
}

// BatchResult accumulates per-task cascade outcomes.
type BatchResult struct {
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Results   []CascadeResult `json:"results"`
}

// CascadeDeleteTask deletes a task and its entire dependent record graph:
// every record keyed by the task's run ids or by the task id, then the runs,
// then the task. Deleting an already-deleted task is a no-op reporting zero
// deletions.
func (e *Engine) CascadeDeleteTask(ctx context.Context, taskID string) (CascadeResult, error) {
	ctx, span := otelx.StartSpan(ctx, e.tracer, "retention.cascade", otelx.AttrTaskID.String(taskID))
	defer span.End()

	result := CascadeResult{TaskID: taskID}
	if taskID == "" {
		return result, errors.New("retention: task id is required")
	}

	s := e.store.NewSession()
	task, ok, err := docstore.SessionGet[model.Task](ctx, s, taskID)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, nil
	}

	runs, err := docstore.SessionFind(ctx, s, func(r model.Run) bool {
		return r.TaskID == taskID
	})
	if err != nil {
		return result, err
	}
	runIDs := make(map[string]struct{}, len(runs))
	for _, r := range runs {
		runIDs[r.ID] = struct{}{}
	}
	byRunOrTask := func(runID, tID string) bool {
		if tID == taskID {
			return true
		}
		_, ok := runIDs[runID]
		return ok
	}

	// Dependent records first, parents last.
	result.StructuredEvents, err = removeMatching(ctx, s, func(v model.StructuredEvent) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.RunLogs, err = removeMatching(ctx, s, func(v model.RunLogEntry) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.DiffSnapshots, err = removeMatching(ctx, s, func(v model.DiffSnapshot) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.InstructionStacks, err = removeMatching(ctx, s, func(v model.InstructionStack) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.ShareBundles, err = removeMatching(ctx, s, func(v model.ShareBundle) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.ToolProjections, err = removeMatching(ctx, s, func(v model.ToolProjection) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.QuestionRequests, err = removeMatching(ctx, s, func(v model.QuestionRequest) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.PromptEntries, err = removeMatching(ctx, s, func(v model.PromptEntry) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.AISummaries, err = removeMatching(ctx, s, func(v model.AISummary) bool {
		return byRunOrTask(v.RunID, v.TaskID)
	})
	if err != nil {
		return result, err
	}
	result.SemanticChunks, err = removeMatching(ctx, s, func(v model.SemanticChunk) bool {
		return v.TaskID == taskID
	})
	if err != nil {
		return result, err
	}
	result.Findings, err = removeMatching(ctx, s, func(v model.Finding) bool {
		return v.TaskID == taskID
	})
	if err != nil {
		return result, err
	}

	for _, r := range runs {
		if _, err := docstore.SessionRemove[model.Run](ctx, s, r.ID); err != nil {
			return result, err
		}
		result.Runs++
	}
	if _, err := docstore.SessionRemove[model.Task](ctx, s, task.ID); err != nil {
		return result, err
	}
	result.TaskDeleted = true

	if err := s.Commit(ctx); err != nil {
		return result, err
	}

	// Best-effort cleanup of artifacts and the workspace. Failures count,
	// never abort: the record cascade above is already committed.
	if e.artifacts != nil {
		for runID := range runIDs {
			if err := e.artifacts.DeleteRun(ctx, runID); err != nil {
				result.CleanupErrors++
				e.logger.Warn("artifact cleanup failed", "run_id", runID, "error", err)
			}
		}
	}
	if e.workspaceRoot != "" {
		if err := os.RemoveAll(filepath.Join(e.workspaceRoot, taskID)); err != nil {
			result.CleanupErrors++
			e.logger.Warn("workspace cleanup failed", "task_id", taskID, "error", err)
		}
	}

	if e.metrics != nil {
		e.metrics.TasksDeleted.Add(ctx, 1)
		if result.CleanupErrors > 0 {
			e.metrics.CascadeErrors.Add(ctx, int64(result.CleanupErrors))
		}
	}
	e.logger.Info("task cascade deleted",
		"task_id", taskID, "runs", result.Runs,
		"records", result.Records(), "cleanup_errors", result.CleanupErrors)
	return result, nil
}

// BatchCascadeDelete cascades each task in turn, accumulating success and
// failure counts without aborting on a single task's failure.
func (e *Engine) BatchCascadeDelete(ctx context.Context, taskIDs []string) BatchResult {
	var batch BatchResult
	for _, id := range taskIDs {
		if ctx.Err() != nil {
			batch.Failed += len(taskIDs) - len(batch.Results)
			return batch
		}
		result, err := e.CascadeDeleteTask(ctx, id)
		batch.Results = append(batch.Results, result)
		if err != nil {
			batch.Failed++
			e.logger.Error("cascade delete failed", "task_id", id, "error", err)
			continue
		}
		batch.Succeeded++
	}
	return batch
}

func removeMatching[T docstore.Entity[T]](ctx context.Context, s *docstore.Session, pred func(T) bool) (int, error) {
	matches, err := docstore.SessionFind(ctx, s, pred)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, v := range matches {
		ok, err := docstore.SessionRemove[T](ctx, s, v.DocumentID())
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
