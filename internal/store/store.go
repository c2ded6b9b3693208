// Package store is the State Store Gateway: typed operations over the
// orchestrator's persistent relational store (projects, tasks, runs,
// tool-calls, evaluations, suggestions, summaries, improvement history,
// knowledge assets).
//
// The Gateway is a value constructed once at supervisor startup and passed
// by reference to every other component — there is no process-wide store
// singleton. Implementations must be safe for concurrent use by multiple
// workers.
package store

import (
	"context"
	"errors"
	"time"
)

// Task status values. A task transitions only along pending -> in_progress
// -> {done, failed}.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskFailed     = "failed"
)

// Run status values.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Sentinel exit codes for runs that never produced a real process exit code.
const (
	ExitCodeTimeout    = -2
	ExitCodeSpawnError = -3
)

// ToolCall categories.
const (
	CategoryFileOperation   = "file_operation"
	CategoryCommandExec     = "command_execution"
	CategorySearch          = "search"
	CategorySkillUsage      = "skill_usage"
	CategoryAgentInvocation = "agent_invocation"
	CategoryOther           = "other"
)

// Failure categories an Evaluation may assign to a run.
const (
	FailureToolUsageError    = "tool_usage_error"
	FailureSkillIneffective  = "skill_ineffective"
	FailureAgentMisconfig    = "agent_misconfigured"
	FailurePermissionError   = "permission_error"
	FailureLogicError        = "logic_error"
	FailureTimeout           = "timeout"
	FailureUnknown           = "unknown"
)

// Improvement trigger types.
const (
	TriggerConsecutiveFailures = "consecutive_failures"
	TriggerLowScore            = "low_score"
)

// KnowledgeAsset types.
const (
	AssetSkill           = "skill"
	AssetAgent           = "agent"
	AssetSubagentConfig  = "subagent_config"
	AssetOther           = "other"
)

// Project is static configuration resolved from the store.
type Project struct {
	ID             string
	LocalDirectory string
	SessionName    string
	RepositoryURL  string
}

// Task is a unit of work enqueued by an external dashboard.
type Task struct {
	ID             string
	ProjectID      string
	Title          string
	Description    string
	Status         string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	CompletionNote string
}

// Run is one subprocess invocation serving a task.
type Run struct {
	ID              string
	TaskID          string
	ProjectID       string
	Instruction     string
	Status          string
	ExitCode        int
	StdoutPreview   string
	FullOutputPath  string
	DurationSeconds float64
	TimeoutSeconds  int
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// ToolCall is a best-effort reconstruction of one tool-use event.
type ToolCall struct {
	RunID          string
	SequenceNumber int
	ToolName       string
	Parameters     map[string]string
	Category       string
	Success        bool
}

// ToolEffectiveness is the nested analysis of skill/agent performance
// held in an Evaluation's SkillEffectiveness and AgentEffectiveness fields.
type ToolEffectiveness struct {
	IneffectiveSkills     []string `json:"ineffective_skills,omitempty"`
	MissingSkills         []string `json:"missing_skills,omitempty"`
	BetterAgentSuggestion string   `json:"better_agent_suggestion,omitempty"`
}

// Evaluation grades one completed run.
type Evaluation struct {
	RunID                string
	TaskID               string
	OverallScore         float64
	FailureCategory      string // "" means null.
	EvaluationDetails    string
	ImprovementSuggestions []string
	SkillEffectiveness   ToolEffectiveness
	AgentEffectiveness   ToolEffectiveness
	ErrorPatterns        []string
	Evaluator            string
}

// ProjectSummary is the single upserted status row per project.
type ProjectSummary struct {
	ProjectID      string
	CurrentStatus  string
	NextMilestone  string
	RecentProgress string
	UpdatedAt      time.Time
}

// Suggestion is an append-only proposed next action.
type Suggestion struct {
	ProjectID   string
	Title       string
	Description string
	Source      string
	Priority    int
	CreatedBy   string
	CreatedAt   time.Time
}

// ImprovementHistory records one applied improvement.
type ImprovementHistory struct {
	ProjectID      string
	TriggerType    string
	TriggerDetails string
	TargetFiles    []string
	ChangesSummary string
	BeforeAvgScore float64
	AppliedAt      time.Time
}

// KnowledgeAsset records a file authored under .claude/ during an improvement.
type KnowledgeAsset struct {
	ProjectID     string
	AssetType     string
	FilePath      string
	Content       string
	ContentHash   string
	Version       int
	AutoGenerated bool
	CreatedBy     string
	CreatedAt     time.Time
}

// TransientError wraps a retry-eligible store failure. Permanent failures
// are returned as plain wrapped errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient store error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Gateway is the State Store contract. All operations are synchronous from
// the caller's perspective and concurrency-safe.
type Gateway interface {
	// GetProject fetches project config by id.
	GetProject(ctx context.Context, id string) (*Project, error)

	// ListPendingTasks lists pending tasks ordered by created_at ascending.
	ListPendingTasks(ctx context.Context) ([]Task, error)

	// UpdateTaskStatus transitions a task's status and, if terminal, sets
	// completed_at and the completion note.
	UpdateTaskStatus(ctx context.Context, taskID, status, completionNote string) error

	// InsertRun creates a run record and returns its id.
	InsertRun(ctx context.Context, run Run) (string, error)

	// UpdateRunTerminal transitions a run to a terminal status with its
	// final observed fields.
	UpdateRunTerminal(ctx context.Context, runID, status string, exitCode int, stdoutPreview, fullOutputPath string, durationSeconds float64) error

	// InsertToolCalls bulk-inserts tool-calls for a run.
	InsertToolCalls(ctx context.Context, calls []ToolCall) error

	// InsertEvaluation persists an Evaluation.
	InsertEvaluation(ctx context.Context, eval Evaluation) error

	// UpsertProjectSummary inserts or replaces the single summary row for
	// a project.
	UpsertProjectSummary(ctx context.Context, summary ProjectSummary) error

	// InsertSuggestion appends a Suggestion row.
	InsertSuggestion(ctx context.Context, s Suggestion) error

	// ListRecentRuns lists the most recent n runs for a project, newest
	// first.
	ListRecentRuns(ctx context.Context, projectID string, n int) ([]Run, error)

	// ListEvaluationsByRunIDs fetches evaluations for the given run ids.
	ListEvaluationsByRunIDs(ctx context.Context, runIDs []string) ([]Evaluation, error)

	// ListImprovementHistorySince lists improvement history rows for a
	// project with applied_at >= since.
	ListImprovementHistorySince(ctx context.Context, projectID string, since time.Time) ([]ImprovementHistory, error)

	// InsertImprovementHistory appends an ImprovementHistory row.
	InsertImprovementHistory(ctx context.Context, h ImprovementHistory) error

	// InsertKnowledgeAsset appends a KnowledgeAsset row.
	InsertKnowledgeAsset(ctx context.Context, a KnowledgeAsset) error

	// ListStaleRunningRuns lists runs still `running` with created_at
	// older than olderThan, for startup reconciliation.
	ListStaleRunningRuns(ctx context.Context, olderThan time.Time) ([]Run, error)

	// ListAllProjects lists every known project, for Improvement Engine
	// sweeps.
	ListAllProjects(ctx context.Context) ([]Project, error)

	// Close releases underlying resources.
	Close() error
}
