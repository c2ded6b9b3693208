package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLStore implements Gateway using pure-Go SQLite (modernc.org/sqlite).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) a SQLite-backed Gateway. Use ":memory:"
// for an in-memory database (as tests do).
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id              TEXT PRIMARY KEY,
		local_directory TEXT NOT NULL,
		session_name    TEXT,
		repository_url  TEXT
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		project_id      TEXT NOT NULL,
		title           TEXT NOT NULL,
		description     TEXT,
		status          TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		completed_at    TEXT,
		completion_note TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
	CREATE TABLE IF NOT EXISTS runs (
		id               TEXT PRIMARY KEY,
		task_id          TEXT NOT NULL,
		project_id       TEXT NOT NULL,
		instruction      TEXT,
		status           TEXT NOT NULL,
		exit_code        INTEGER,
		stdout_preview   TEXT,
		full_output_path TEXT,
		duration_seconds REAL,
		timeout_seconds  INTEGER,
		created_at       TEXT NOT NULL,
		completed_at     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_project_created ON runs(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE TABLE IF NOT EXISTS tool_calls (
		run_id          TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		tool_name       TEXT NOT NULL,
		parameters      TEXT,
		category        TEXT,
		success         INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id);
	CREATE TABLE IF NOT EXISTS evaluations (
		run_id                  TEXT NOT NULL,
		task_id                 TEXT NOT NULL,
		overall_score           REAL,
		failure_category        TEXT,
		evaluation_details      TEXT,
		improvement_suggestions TEXT,
		skill_effectiveness     TEXT,
		agent_effectiveness     TEXT,
		error_patterns          TEXT,
		evaluator               TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id);
	CREATE TABLE IF NOT EXISTS project_summaries (
		project_id      TEXT PRIMARY KEY,
		current_status  TEXT,
		next_milestone  TEXT,
		recent_progress TEXT,
		updated_at      TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS suggestions (
		project_id  TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT,
		source      TEXT,
		priority    INTEGER,
		created_by  TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS improvement_history (
		project_id      TEXT NOT NULL,
		trigger_type    TEXT NOT NULL,
		trigger_details TEXT,
		target_files    TEXT,
		changes_summary TEXT,
		before_avg_score REAL,
		applied_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_improvement_history_project ON improvement_history(project_id, applied_at);
	CREATE TABLE IF NOT EXISTS knowledge_assets (
		project_id     TEXT NOT NULL,
		asset_type     TEXT NOT NULL,
		file_path      TEXT NOT NULL,
		content        TEXT,
		content_hash   TEXT NOT NULL,
		version        INTEGER NOT NULL,
		auto_generated INTEGER,
		created_by     TEXT,
		created_at     TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// timeLayout is fixed-width (always nine fractional digits) so that the
// stored strings sort in time order for ORDER BY and range comparisons.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, local_directory, session_name, repository_url FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.LocalDirectory, &p.SessionName, &p.RepositoryURL)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %q not found", id)
	}
	if err != nil {
		return nil, transient(err)
	}
	return &p, nil
}

func (s *SQLStore) ListAllProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, local_directory, session_name, repository_url FROM projects`)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.LocalDirectory, &p.SessionName, &p.RepositoryURL); err != nil {
			return nil, transient(err)
		}
		out = append(out, p)
	}
	return out, transient(rows.Err())
}

func (s *SQLStore) ListPendingTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, description, status, created_at, completed_at, completion_note
		 FROM tasks WHERE status = ? ORDER BY created_at ASC`, TaskPending)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var createdAt string
		var completedAt, note sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &createdAt, &completedAt, &note); err != nil {
			return nil, transient(err)
		}
		t.CreatedAt = parseTime(createdAt)
		if completedAt.Valid && completedAt.String != "" {
			ct := parseTime(completedAt.String)
			t.CompletedAt = &ct
		}
		t.CompletionNote = note.String
		out = append(out, t)
	}
	return out, transient(rows.Err())
}

func (s *SQLStore) UpdateTaskStatus(ctx context.Context, taskID, status, completionNote string) error {
	var completedAt any
	if status == TaskDone || status == TaskFailed {
		completedAt = formatTime(time.Now())
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, completion_note = ? WHERE id = ?`,
		status, completedAt, completionNote, taskID)
	return transient(err)
}

func (s *SQLStore) InsertRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, task_id, project_id, instruction, status, exit_code, stdout_preview, full_output_path, duration_seconds, timeout_seconds, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.ProjectID, run.Instruction, run.Status, run.ExitCode,
		run.StdoutPreview, run.FullOutputPath, run.DurationSeconds, run.TimeoutSeconds,
		formatTime(run.CreatedAt), nil,
	)
	if err != nil {
		return "", transient(err)
	}
	return run.ID, nil
}

func (s *SQLStore) UpdateRunTerminal(ctx context.Context, runID, status string, exitCode int, stdoutPreview, fullOutputPath string, durationSeconds float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, stdout_preview = ?, full_output_path = ?, duration_seconds = ?, completed_at = ? WHERE id = ?`,
		status, exitCode, stdoutPreview, fullOutputPath, durationSeconds, formatTime(time.Now()), runID)
	return transient(err)
}

func (s *SQLStore) InsertToolCalls(ctx context.Context, calls []ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient(err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tool_calls (run_id, sequence_number, tool_name, parameters, category, success) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return transient(err)
	}
	defer stmt.Close()

	for _, c := range calls {
		params, _ := json.Marshal(c.Parameters)
		if _, err := stmt.ExecContext(ctx, c.RunID, c.SequenceNumber, c.ToolName, string(params), c.Category, boolToInt(c.Success)); err != nil {
			tx.Rollback()
			return transient(err)
		}
	}
	return transient(tx.Commit())
}

func (s *SQLStore) InsertEvaluation(ctx context.Context, eval Evaluation) error {
	suggestions, _ := json.Marshal(eval.ImprovementSuggestions)
	skillEff, _ := json.Marshal(eval.SkillEffectiveness)
	agentEff, _ := json.Marshal(eval.AgentEffectiveness)
	errPatterns, _ := json.Marshal(eval.ErrorPatterns)

	var failureCategory any
	if eval.FailureCategory != "" {
		failureCategory = eval.FailureCategory
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (run_id, task_id, overall_score, failure_category, evaluation_details, improvement_suggestions, skill_effectiveness, agent_effectiveness, error_patterns, evaluator)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eval.RunID, eval.TaskID, eval.OverallScore, failureCategory, eval.EvaluationDetails,
		string(suggestions), string(skillEff), string(agentEff), string(errPatterns), eval.Evaluator,
	)
	return transient(err)
}

func (s *SQLStore) UpsertProjectSummary(ctx context.Context, summary ProjectSummary) error {
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_summaries (project_id, current_status, next_milestone, recent_progress, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
			current_status = excluded.current_status,
			next_milestone = excluded.next_milestone,
			recent_progress = excluded.recent_progress,
			updated_at = excluded.updated_at`,
		summary.ProjectID, summary.CurrentStatus, summary.NextMilestone, summary.RecentProgress, formatTime(summary.UpdatedAt),
	)
	return transient(err)
}

func (s *SQLStore) InsertSuggestion(ctx context.Context, sug Suggestion) error {
	if sug.CreatedAt.IsZero() {
		sug.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suggestions (project_id, title, description, source, priority, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sug.ProjectID, sug.Title, sug.Description, sug.Source, sug.Priority, sug.CreatedBy, formatTime(sug.CreatedAt),
	)
	return transient(err)
}

func (s *SQLStore) ListRecentRuns(ctx context.Context, projectID string, n int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, project_id, instruction, status, exit_code, stdout_preview, full_output_path, duration_seconds, timeout_seconds, created_at, completed_at
		 FROM runs WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, n)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *SQLStore) ListStaleRunningRuns(ctx context.Context, olderThan time.Time) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, project_id, instruction, status, exit_code, stdout_preview, full_output_path, duration_seconds, timeout_seconds, created_at, completed_at
		 FROM runs WHERE status = ? AND created_at < ?`, RunRunning, formatTime(olderThan))
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var r Run
		var createdAt string
		var completedAt sql.NullString
		var exitCode sql.NullInt64
		var duration sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ProjectID, &r.Instruction, &r.Status, &exitCode,
			&r.StdoutPreview, &r.FullOutputPath, &duration, &r.TimeoutSeconds, &createdAt, &completedAt); err != nil {
			return nil, transient(err)
		}
		r.ExitCode = int(exitCode.Int64)
		r.DurationSeconds = duration.Float64
		r.CreatedAt = parseTime(createdAt)
		if completedAt.Valid && completedAt.String != "" {
			ct := parseTime(completedAt.String)
			r.CompletedAt = &ct
		}
		out = append(out, r)
	}
	return out, transient(rows.Err())
}

func (s *SQLStore) ListEvaluationsByRunIDs(ctx context.Context, runIDs []string) ([]Evaluation, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(runIDs))
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT run_id, task_id, overall_score, failure_category, evaluation_details, improvement_suggestions, skill_effectiveness, agent_effectiveness, error_patterns, evaluator
		 FROM evaluations WHERE run_id IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var e Evaluation
		var failureCategory sql.NullString
		var suggestions, skillEff, agentEff, errPatterns string
		if err := rows.Scan(&e.RunID, &e.TaskID, &e.OverallScore, &failureCategory, &e.EvaluationDetails,
			&suggestions, &skillEff, &agentEff, &errPatterns, &e.Evaluator); err != nil {
			return nil, transient(err)
		}
		e.FailureCategory = failureCategory.String
		json.Unmarshal([]byte(suggestions), &e.ImprovementSuggestions)
		json.Unmarshal([]byte(skillEff), &e.SkillEffectiveness)
		json.Unmarshal([]byte(agentEff), &e.AgentEffectiveness)
		json.Unmarshal([]byte(errPatterns), &e.ErrorPatterns)
		out = append(out, e)
	}
	return out, transient(rows.Err())
}

func (s *SQLStore) ListImprovementHistorySince(ctx context.Context, projectID string, since time.Time) ([]ImprovementHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, trigger_type, trigger_details, target_files, changes_summary, before_avg_score, applied_at
		 FROM improvement_history WHERE project_id = ? AND applied_at >= ?`, projectID, formatTime(since))
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	var out []ImprovementHistory
	for rows.Next() {
		var h ImprovementHistory
		var targetFiles, appliedAt string
		if err := rows.Scan(&h.ProjectID, &h.TriggerType, &h.TriggerDetails, &targetFiles, &h.ChangesSummary, &h.BeforeAvgScore, &appliedAt); err != nil {
			return nil, transient(err)
		}
		json.Unmarshal([]byte(targetFiles), &h.TargetFiles)
		h.AppliedAt = parseTime(appliedAt)
		out = append(out, h)
	}
	return out, transient(rows.Err())
}

func (s *SQLStore) InsertImprovementHistory(ctx context.Context, h ImprovementHistory) error {
	if h.AppliedAt.IsZero() {
		h.AppliedAt = time.Now()
	}
	targetFiles, _ := json.Marshal(h.TargetFiles)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO improvement_history (project_id, trigger_type, trigger_details, target_files, changes_summary, before_avg_score, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ProjectID, h.TriggerType, h.TriggerDetails, string(targetFiles), h.ChangesSummary, h.BeforeAvgScore, formatTime(h.AppliedAt),
	)
	return transient(err)
}

func (s *SQLStore) InsertKnowledgeAsset(ctx context.Context, a KnowledgeAsset) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.ContentHash == "" {
		sum := sha256.Sum256([]byte(a.Content))
		a.ContentHash = hex.EncodeToString(sum[:])
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_assets (project_id, asset_type, file_path, content, content_hash, version, auto_generated, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ProjectID, a.AssetType, a.FilePath, a.Content, a.ContentHash, a.Version, boolToInt(a.AutoGenerated), a.CreatedBy, formatTime(a.CreatedAt),
	)
	return transient(err)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SHA256Hex is exported for use by the Improvement Engine when it computes
// a KnowledgeAsset's content hash ahead of insertion.
func SHA256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// InsertProjectForTest seeds a project row. Project provisioning belongs to
// the external dashboard in production (§1); this exists purely so other
// packages' tests can seed a Gateway without reaching into SQLStore's
// unexported *sql.DB.
func (s *SQLStore) InsertProjectForTest(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, local_directory, session_name, repository_url) VALUES (?, ?, ?, ?)`,
		p.ID, p.LocalDirectory, p.SessionName, p.RepositoryURL,
	)
	return transient(err)
}

// InsertTaskForTest seeds a pending task row, likewise standing in for the
// external dashboard's task-creation path in tests.
func (s *SQLStore) InsertTaskForTest(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, description, status, created_at, completed_at, completion_note) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, formatTime(t.CreatedAt), nil, t.CompletionNote,
	)
	return transient(err)
}
