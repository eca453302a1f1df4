package model

import "github.com/runforge/runforge/internal/docstore"

// Registry is the static collection registry: every persisted type, its
// collection name, and the JSON fields worth indexing for the hot lookup
// paths (back-references for cascade delete, sequence dedup, lease expiry).
// docstore.Open consumes it at startup; nothing is discovered at runtime.
func Registry() []docstore.CollectionSpec {
	return []docstore.CollectionSpec{
		{Name: Repository{}.Collection()},
		{Name: Task{}.Collection(), IndexFields: []string{"repository_id", "created_at"}},
		{Name: Run{}.Collection(), IndexFields: []string{"task_id", "state"}},
		{Name: StructuredEvent{}.Collection(), IndexFields: []string{"run_id", "sequence"}},
		{Name: ToolProjection{}.Collection(), IndexFields: []string{"run_id", "tool_call_id"}},
		{Name: QuestionRequest{}.Collection(), IndexFields: []string{"run_id", "status"}},
		{Name: Lease{}.Collection(), IndexFields: []string{"expires_at"}},
		{Name: DiffSnapshot{}.Collection(), IndexFields: []string{"run_id"}},
		{Name: InstructionStack{}.Collection(), IndexFields: []string{"run_id"}},
		{Name: ShareBundle{}.Collection(), IndexFields: []string{"run_id"}},
		{Name: SemanticChunk{}.Collection(), IndexFields: []string{"task_id"}},
		{Name: PromptEntry{}.Collection(), IndexFields: []string{"task_id", "run_id"}},
		{Name: AISummary{}.Collection(), IndexFields: []string{"task_id", "run_id"}},
		{Name: RunLogEntry{}.Collection(), IndexFields: []string{"run_id"}},
		{Name: Finding{}.Collection(), IndexFields: []string{"task_id", "status"}},
		{Name: SessionProfile{}.Collection(), IndexFields: []string{"repository_id"}},
		{Name: PromptSkill{}.Collection(), IndexFields: []string{"repository_id"}},
	}
}
