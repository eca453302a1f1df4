// Package model defines the persisted document types of the RunForge core and
// the static registry mapping each type to its collection. All timestamps are
// stored in UTC. Every type implements the docstore Entity contract: a
// collection name, a document id, and a deep Clone so unit-of-work sessions
// can hand out copies that callers may mutate freely.
package model

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunStateQueued          RunState = "QUEUED"
	RunStateRunning         RunState = "RUNNING"
	RunStatePendingApproval RunState = "PENDING_APPROVAL"
	RunStateSucceeded       RunState = "SUCCEEDED"
	RunStateFailed          RunState = "FAILED"
	RunStateCancelled       RunState = "CANCELLED"
	RunStateObsolete        RunState = "OBSOLETE"
)

// ActiveRunStates are the states in which a run counts as active for its
// task and repository.
var ActiveRunStates = []RunState{RunStateQueued, RunStateRunning, RunStatePendingApproval}

// IsActive reports whether s is one of the active run states.
func (s RunState) IsActive() bool {
	for _, a := range ActiveRunStates {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s accepts no further lifecycle transitions
// other than the Succeeded→Obsolete escape hatch.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled, RunStateObsolete:
		return true
	}
	return false
}

// QuestionStatus is the lifecycle of a derived question request.
type QuestionStatus string

const (
	QuestionStatusPending  QuestionStatus = "PENDING"
	QuestionStatusAnswered QuestionStatus = "ANSWERED"
)

// FindingStatus tracks review findings attached to a task.
type FindingStatus string

const (
	FindingStatusOpen     FindingStatus = "OPEN"
	FindingStatusResolved FindingStatus = "RESOLVED"
)

// ExecutionModePlan is the execution mode under which question-request
// projections are derived.
const ExecutionModePlan = "plan"

// ProtocolStructured is the protocol tag stamped on every new run.
const ProtocolStructured = "structured-v1"

// Repository is a version-controlled repository known to the platform.
type Repository struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RemoteURL     string    `json:"remote_url"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Repository) Collection() string   { return "repositories" }
func (r Repository) DocumentID() string { return r.ID }
func (r Repository) Clone() Repository  { return r }

// Task is a configured unit of agent work against one repository.
type Task struct {
	ID               string     `json:"id"`
	RepositoryID     string     `json:"repository_id"`
	Prompt           string     `json:"prompt"`
	Harness          string     `json:"harness"`
	ExecutionMode    string     `json:"execution_mode"`
	Command          string     `json:"command"`
	SessionProfileID string     `json:"session_profile_id,omitempty"`
	Enabled          bool       `json:"enabled"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	ProtectedSince   *time.Time `json:"protected_since,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func (Task) Collection() string   { return "tasks" }
func (t Task) DocumentID() string { return t.ID }

func (t Task) Clone() Task {
	t.NextRunAt = cloneTime(t.NextRunAt)
	t.ProtectedSince = cloneTime(t.ProtectedSince)
	return t
}

// Run is one execution attempt of a Task.
type Run struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	RepositoryID     string     `json:"repository_id"`
	State            RunState   `json:"state"`
	Attempt          int        `json:"attempt"`
	ExecutionMode    string     `json:"execution_mode"`
	SessionProfileID string     `json:"session_profile_id,omitempty"`
	MCPConfigJSON    string     `json:"mcp_config_json,omitempty"`
	Protocol         string     `json:"protocol"`
	WorkerImage      string     `json:"worker_image,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	OutputJSON       string     `json:"output_json,omitempty"`
	FailureClass     string     `json:"failure_class,omitempty"`
	PRURL            string     `json:"pr_url,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

func (Run) Collection() string   { return "runs" }
func (r Run) DocumentID() string { return r.ID }

func (r Run) Clone() Run {
	r.StartedAt = cloneTime(r.StartedAt)
	r.EndedAt = cloneTime(r.EndedAt)
	return r
}

// StructuredEvent is one sequenced record emitted by an execution backend
// during a run. The document id is derived from (run, sequence) so redelivery
// of a sequence overwrites in place instead of appending.
type StructuredEvent struct {
	RunID         string    `json:"run_id"`
	TaskID        string    `json:"task_id"`
	RepositoryID  string    `json:"repository_id"`
	Sequence      int64     `json:"sequence"`
	SchemaVersion string    `json:"schema_version"`
	EventType     string    `json:"event_type"`
	Category      string    `json:"category,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	ErrorText     string    `json:"error,omitempty"`
	PayloadJSON   string    `json:"payload_json,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (StructuredEvent) Collection() string { return "structured_events" }

func (e StructuredEvent) DocumentID() string {
	return fmt.Sprintf("%s:%d", e.RunID, e.Sequence)
}

func (e StructuredEvent) Clone() StructuredEvent { return e }

// ToolProjection is the derived, deduplicated summary of one tool invocation,
// merged from one or more structured events.
type ToolProjection struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	TaskID        string    `json:"task_id"`
	RepositoryID  string    `json:"repository_id"`
	ToolCallID    string    `json:"tool_call_id,omitempty"`
	ToolName      string    `json:"tool_name,omitempty"`
	Status        string    `json:"status,omitempty"`
	ErrorText     string    `json:"error,omitempty"`
	SequenceStart int64     `json:"sequence_start"`
	SequenceEnd   int64     `json:"sequence_end"`
	PayloadJSON   string    `json:"payload_json,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ToolProjection) Collection() string      { return "tool_projections" }
func (p ToolProjection) DocumentID() string    { return p.ID }
func (p ToolProjection) Clone() ToolProjection { return p }

// QuestionOption is one selectable answer for a question.
type QuestionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Question is one normalized question inside a question request.
type Question struct {
	ID      string           `json:"id"`
	Prompt  string           `json:"prompt"`
	Options []QuestionOption `json:"options"`
}

// QuestionRequest is a derived record representing a pending request for
// human input surfaced by a request_user_input tool call in plan mode.
type QuestionRequest struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	TaskID       string         `json:"task_id"`
	RepositoryID string         `json:"repository_id"`
	Sequence     int64          `json:"sequence"`
	Status       QuestionStatus `json:"status"`
	Questions    []Question     `json:"questions"`
	AnswerJSON   string         `json:"answer_json,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (QuestionRequest) Collection() string   { return "question_requests" }
func (q QuestionRequest) DocumentID() string { return q.ID }

func (q QuestionRequest) Clone() QuestionRequest {
	questions := make([]Question, len(q.Questions))
	for i, qq := range q.Questions {
		qq.Options = append([]QuestionOption(nil), qq.Options...)
		questions[i] = qq
	}
	q.Questions = questions
	return q
}

// Lease is a named, owned, time-boxed token granting exclusive right to a
// singleton action across process instances. The lease name is the document id.
type Lease struct {
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (Lease) Collection() string   { return "leases" }
func (l Lease) DocumentID() string { return l.Name }
func (l Lease) Clone() Lease       { return l }

// DiffSnapshot is a point-in-time diff captured during a run, one per
// (run, sequence).
type DiffSnapshot struct {
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	RepositoryID string    `json:"repository_id"`
	Sequence     int64     `json:"sequence"`
	DiffText     string    `json:"diff_text"`
	FileCount    int       `json:"file_count"`
	Timestamp    time.Time `json:"timestamp"`
}

func (DiffSnapshot) Collection() string { return "diff_snapshots" }

func (d DiffSnapshot) DocumentID() string {
	return fmt.Sprintf("%s:%d", d.RunID, d.Sequence)
}

func (d DiffSnapshot) Clone() DiffSnapshot { return d }

// InstructionStack is the agent's instruction state captured at a sequence
// point, one per (run, sequence).
type InstructionStack struct {
	RunID            string    `json:"run_id"`
	TaskID           string    `json:"task_id"`
	RepositoryID     string    `json:"repository_id"`
	Sequence         int64     `json:"sequence"`
	InstructionsJSON string    `json:"instructions_json"`
	Timestamp        time.Time `json:"timestamp"`
}

func (InstructionStack) Collection() string { return "instruction_stacks" }

func (i InstructionStack) DocumentID() string {
	return fmt.Sprintf("%s:%d", i.RunID, i.Sequence)
}

func (i InstructionStack) Clone() InstructionStack { return i }

// ShareBundle is a shareable export of run output, one per (run, sequence).
type ShareBundle struct {
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	RepositoryID string    `json:"repository_id"`
	Sequence     int64     `json:"sequence"`
	BundleJSON   string    `json:"bundle_json"`
	Timestamp    time.Time `json:"timestamp"`
}

func (ShareBundle) Collection() string { return "share_bundles" }

func (b ShareBundle) DocumentID() string {
	return fmt.Sprintf("%s:%d", b.RunID, b.Sequence)
}

func (b ShareBundle) Clone() ShareBundle { return b }

// SemanticChunk is one embedded content chunk in the semantic search index,
// deduplicated by chunk key within a task.
type SemanticChunk struct {
	TaskID       string    `json:"task_id"`
	RepositoryID string    `json:"repository_id"`
	ChunkKey     string    `json:"chunk_key"`
	SourceRef    string    `json:"source_ref"`
	ChunkIndex   int       `json:"chunk_index"`
	Content      string    `json:"content"`
	Embedding    []float64 `json:"embedding,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (SemanticChunk) Collection() string { return "semantic_chunks" }

func (c SemanticChunk) DocumentID() string {
	return fmt.Sprintf("%s:%s", c.TaskID, c.ChunkKey)
}

func (c SemanticChunk) Clone() SemanticChunk {
	c.Embedding = append([]float64(nil), c.Embedding...)
	return c
}

// PromptEntry is one prompt exchanged during a run, kept for history and
// retention activity computation.
type PromptEntry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	RepositoryID string    `json:"repository_id"`
	Role         string    `json:"role"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
}

func (PromptEntry) Collection() string   { return "prompt_entries" }
func (p PromptEntry) DocumentID() string { return p.ID }
func (p PromptEntry) Clone() PromptEntry { return p }

// AISummary is a model-written summary of a run.
type AISummary struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	RepositoryID string    `json:"repository_id"`
	Summary      string    `json:"summary"`
	Timestamp    time.Time `json:"timestamp"`
}

func (AISummary) Collection() string   { return "ai_summaries" }
func (s AISummary) DocumentID() string { return s.ID }
func (s AISummary) Clone() AISummary   { return s }

// RunLogEntry is one freeform log line captured for a run.
type RunLogEntry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	RepositoryID string    `json:"repository_id"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

func (RunLogEntry) Collection() string   { return "run_logs" }
func (l RunLogEntry) DocumentID() string { return l.ID }
func (l RunLogEntry) Clone() RunLogEntry { return l }

// Finding is a review finding attached to a task. Open findings can shield a
// task from retention.
type Finding struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	RepositoryID string        `json:"repository_id"`
	Title        string        `json:"title"`
	Status       FindingStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (Finding) Collection() string   { return "findings" }
func (f Finding) DocumentID() string { return f.ID }
func (f Finding) Clone() Finding     { return f }

// SessionProfile is a named bundle of execution settings scoped to a
// repository. Names are unique within a repository.
type SessionProfile struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Name         string    `json:"name"`
	SettingsJSON string    `json:"settings_json,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (SessionProfile) Collection() string      { return "session_profiles" }
func (p SessionProfile) DocumentID() string    { return p.ID }
func (p SessionProfile) Clone() SessionProfile { return p }

// PromptSkill is a reusable prompt fragment fired by a trigger word. Triggers
// are unique within a repository.
type PromptSkill struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Trigger      string    `json:"trigger"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

func (PromptSkill) Collection() string   { return "prompt_skills" }
func (p PromptSkill) DocumentID() string { return p.ID }
func (p PromptSkill) Clone() PromptSkill { return p }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
