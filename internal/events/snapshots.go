package events

import (
	"context"
	"errors"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
)

// The per-sequence run snapshots (diffs, instruction stacks, share bundles)
// are keyed by (run, sequence) and upserted idempotently: redelivering a
// sequence replaces the stored snapshot. Task and repository back-references
// are backfilled from the parent run so cascade delete can traverse them.

// RecordDiffSnapshot upserts the diff captured at a sequence point. A missing
// run is (false, nil).
func (p *Processor) RecordDiffSnapshot(ctx context.Context, s *docstore.Session, runID string, sequence int64, diffText string, fileCount int) (bool, error) {
	run, ok, err := p.snapshotRun(ctx, s, runID, sequence)
	if err != nil || !ok {
		return false, err
	}
	snap := model.DiffSnapshot{
		RunID:        runID,
		TaskID:       run.TaskID,
		RepositoryID: run.RepositoryID,
		Sequence:     sequence,
		DiffText:     diffText,
		FileCount:    fileCount,
		Timestamp:    p.now(),
	}
	if err := docstore.SessionPut(ctx, s, snap); err != nil {
		return false, err
	}
	return true, nil
}

// RecordInstructionStack upserts the instruction state captured at a sequence
// point. A missing run is (false, nil).
func (p *Processor) RecordInstructionStack(ctx context.Context, s *docstore.Session, runID string, sequence int64, instructionsJSON string) (bool, error) {
	run, ok, err := p.snapshotRun(ctx, s, runID, sequence)
	if err != nil || !ok {
		return false, err
	}
	stack := model.InstructionStack{
		RunID:            runID,
		TaskID:           run.TaskID,
		RepositoryID:     run.RepositoryID,
		Sequence:         sequence,
		InstructionsJSON: instructionsJSON,
		Timestamp:        p.now(),
	}
	if err := docstore.SessionPut(ctx, s, stack); err != nil {
		return false, err
	}
	return true, nil
}

// RecordShareBundle upserts a shareable export at a sequence point. A missing
// run is (false, nil).
func (p *Processor) RecordShareBundle(ctx context.Context, s *docstore.Session, runID string, sequence int64, bundleJSON string) (bool, error) {
	run, ok, err := p.snapshotRun(ctx, s, runID, sequence)
	if err != nil || !ok {
		return false, err
	}
	bundle := model.ShareBundle{
		RunID:        runID,
		TaskID:       run.TaskID,
		RepositoryID: run.RepositoryID,
		Sequence:     sequence,
		BundleJSON:   bundleJSON,
		Timestamp:    p.now(),
	}
	if err := docstore.SessionPut(ctx, s, bundle); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Processor) snapshotRun(ctx context.Context, s *docstore.Session, runID string, sequence int64) (model.Run, bool, error) {
	if runID == "" {
		return model.Run{}, false, errors.Join(ErrInvalidEvent, errors.New("run id is required"))
	}
	if sequence < 1 {
		return model.Run{}, false, errors.Join(ErrInvalidEvent, errors.New("sequence must be >= 1"))
	}
	return docstore.SessionGet[model.Run](ctx, s, runID)
}
