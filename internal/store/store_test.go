package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.db.Exec(`INSERT INTO projects (id, local_directory, session_name, repository_url) VALUES (?, ?, ?, ?)`,
		"proj1", "/home/user/proj1", "proj1-session", "git@example.com:proj1.git"); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return s
}

func insertTask(t *testing.T, s *SQLStore, id string, createdAt time.Time) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO tasks (id, project_id, title, description, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, "proj1", "task "+id, "", TaskPending, formatTime(createdAt))
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
}

func TestGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.LocalDirectory != "/home/user/proj1" {
		t.Errorf("LocalDirectory = %q", p.LocalDirectory)
	}
}

func TestGetProject_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetProject(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing project")
	}
}

func TestListPendingTasks_FIFOOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	insertTask(t, s, "t2", base.Add(2*time.Second))
	insertTask(t, s, "t1", base.Add(1*time.Second))
	insertTask(t, s, "t3", base.Add(3*time.Second))

	tasks, err := s.ListPendingTasks(ctx)
	if err != nil {
		t.Fatalf("ListPendingTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len = %d, want 3", len(tasks))
	}
	want := []string{"t1", "t2", "t3"}
	for i, w := range want {
		if tasks[i].ID != w {
			t.Errorf("tasks[%d] = %q, want %q", i, tasks[i].ID, w)
		}
	}
}

func TestListPendingTasks_ExcludesNonPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "t1", time.Now())

	if err := s.UpdateTaskStatus(ctx, "t1", TaskInProgress, ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	tasks, err := s.ListPendingTasks(ctx)
	if err != nil {
		t.Fatalf("ListPendingTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("len = %d, want 0", len(tasks))
	}
}

func TestUpdateTaskStatus_SetsCompletedAtOnTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "t1", time.Now())

	if err := s.UpdateTaskStatus(ctx, "t1", TaskDone, "all good"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	var status, note string
	var completedAt *string
	row := s.db.QueryRow(`SELECT status, completed_at, completion_note FROM tasks WHERE id = ?`, "t1")
	if err := row.Scan(&status, &completedAt, &note); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != TaskDone {
		t.Errorf("status = %q", status)
	}
	if completedAt == nil || *completedAt == "" {
		t.Error("completed_at not set")
	}
	if note != "all good" {
		t.Errorf("note = %q", note)
	}
}

func TestInsertRun_And_UpdateRunTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "t1", time.Now())

	runID, err := s.InsertRun(ctx, Run{
		TaskID:         "t1",
		ProjectID:      "proj1",
		Instruction:    "do the thing",
		Status:         RunRunning,
		TimeoutSeconds: 600,
	})
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	if runID == "" {
		t.Fatal("InsertRun returned empty id")
	}

	if err := s.UpdateRunTerminal(ctx, runID, RunCompleted, 0, "preview text", "/logs/runs/run_x.log", 12.5); err != nil {
		t.Fatalf("UpdateRunTerminal: %v", err)
	}

	runs, err := s.ListRecentRuns(ctx, "proj1", 10)
	if err != nil {
		t.Fatalf("ListRecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len = %d, want 1", len(runs))
	}
	r := runs[0]
	if r.Status != RunCompleted {
		t.Errorf("status = %q", r.Status)
	}
	if r.StdoutPreview != "preview text" {
		t.Errorf("preview = %q", r.StdoutPreview)
	}
	if r.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if r.DurationSeconds != 12.5 {
		t.Errorf("duration = %f", r.DurationSeconds)
	}
}

func TestListRecentRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "t1", time.Now())

	base := time.Now()
	for i, delta := range []time.Duration{0, time.Second, 2 * time.Second} {
		_, err := s.InsertRun(ctx, Run{
			TaskID:    "t1",
			ProjectID: "proj1",
			Status:    RunCompleted,
			CreatedAt: base.Add(delta),
		})
		if err != nil {
			t.Fatalf("InsertRun[%d]: %v", i, err)
		}
	}

	runs, err := s.ListRecentRuns(ctx, "proj1", 2)
	if err != nil {
		t.Fatalf("ListRecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if !runs[0].CreatedAt.After(runs[1].CreatedAt) {
		t.Errorf("runs not newest-first: %v before %v", runs[0].CreatedAt, runs[1].CreatedAt)
	}
}

func TestListStaleRunningRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "t1", time.Now())

	old := time.Now().Add(-time.Hour)
	_, err := s.InsertRun(ctx, Run{TaskID: "t1", ProjectID: "proj1", Status: RunRunning, CreatedAt: old})
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	_, err = s.InsertRun(ctx, Run{TaskID: "t1", ProjectID: "proj1", Status: RunRunning, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	stale, err := s.ListStaleRunningRuns(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListStaleRunningRuns: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("len = %d, want 1", len(stale))
	}
}

func TestInsertToolCalls_And_Parameters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "t1", time.Now())
	runID, _ := s.InsertRun(ctx, Run{TaskID: "t1", ProjectID: "proj1", Status: RunRunning})

	calls := []ToolCall{
		{RunID: runID, SequenceNumber: 1, ToolName: "Read", Parameters: map[string]string{"path": "main.go"}, Category: CategoryFileOperation, Success: true},
		{RunID: runID, SequenceNumber: 2, ToolName: "Bash", Parameters: map[string]string{"command": "go test ./..."}, Category: CategoryCommandExec, Success: false},
	}
	if err := s.InsertToolCalls(ctx, calls); err != nil {
		t.Fatalf("InsertToolCalls: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tool_calls WHERE run_id = ?`, runID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	var params string
	if err := s.db.QueryRow(`SELECT parameters FROM tool_calls WHERE run_id = ? AND sequence_number = 1`, runID).Scan(&params); err != nil {
		t.Fatalf("scan parameters: %v", err)
	}
	if params != `{"path":"main.go"}` {
		t.Errorf("parameters = %q, want %q", params, `{"path":"main.go"}`)
	}
}

func TestInsertEvaluation_And_ListByRunIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "t1", time.Now())
	runID, _ := s.InsertRun(ctx, Run{TaskID: "t1", ProjectID: "proj1", Status: RunRunning})

	eval := Evaluation{
		RunID:                   runID,
		TaskID:                  "t1",
		OverallScore:            7.5,
		FailureCategory:         "",
		EvaluationDetails:       "went fine",
		ImprovementSuggestions:  []string{"add tests"},
		SkillEffectiveness:      ToolEffectiveness{IneffectiveSkills: []string{"old-skill"}},
		AgentEffectiveness:      ToolEffectiveness{BetterAgentSuggestion: "code-reviewer"},
		ErrorPatterns:           []string{},
		Evaluator:               "self",
	}
	if err := s.InsertEvaluation(ctx, eval); err != nil {
		t.Fatalf("InsertEvaluation: %v", err)
	}

	evals, err := s.ListEvaluationsByRunIDs(ctx, []string{runID})
	if err != nil {
		t.Fatalf("ListEvaluationsByRunIDs: %v", err)
	}
	if len(evals) != 1 {
		t.Fatalf("len = %d, want 1", len(evals))
	}
	got := evals[0]
	if got.OverallScore != 7.5 {
		t.Errorf("OverallScore = %f", got.OverallScore)
	}
	if got.FailureCategory != "" {
		t.Errorf("FailureCategory = %q, want empty", got.FailureCategory)
	}
	if len(got.ImprovementSuggestions) != 1 || got.ImprovementSuggestions[0] != "add tests" {
		t.Errorf("ImprovementSuggestions = %v", got.ImprovementSuggestions)
	}
	if got.SkillEffectiveness.IneffectiveSkills[0] != "old-skill" {
		t.Errorf("SkillEffectiveness = %+v", got.SkillEffectiveness)
	}
}

func TestUpsertProjectSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProjectSummary(ctx, ProjectSummary{
		ProjectID:     "proj1",
		CurrentStatus: "building",
		NextMilestone: "ship v1",
	}); err != nil {
		t.Fatalf("UpsertProjectSummary (insert): %v", err)
	}
	if err := s.UpsertProjectSummary(ctx, ProjectSummary{
		ProjectID:     "proj1",
		CurrentStatus: "shipped",
		NextMilestone: "ship v2",
	}); err != nil {
		t.Fatalf("UpsertProjectSummary (update): %v", err)
	}

	var status string
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM project_summaries WHERE project_id = ?`, "proj1").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("row count = %d, want 1", count)
	}
	if err := s.db.QueryRow(`SELECT current_status FROM project_summaries WHERE project_id = ?`, "proj1").Scan(&status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "shipped" {
		t.Errorf("current_status = %q, want shipped", status)
	}
}

func TestInsertSuggestion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertSuggestion(ctx, Suggestion{
		ProjectID:   "proj1",
		Title:       "add retries",
		Description: "http calls should retry on 5xx",
		Source:      "evaluation",
		Priority:    2,
		CreatedBy:   "self-evaluator",
	}); err != nil {
		t.Fatalf("InsertSuggestion: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM suggestions WHERE project_id = ?`, "proj1").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestImprovementHistory_InsertAndListSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)

	if err := s.InsertImprovementHistory(ctx, ImprovementHistory{
		ProjectID:      "proj1",
		TriggerType:    TriggerConsecutiveFailures,
		TargetFiles:    []string{".claude/skills/foo.md"},
		ChangesSummary: "rewrote foo skill",
		AppliedAt:      old,
	}); err != nil {
		t.Fatalf("InsertImprovementHistory (old): %v", err)
	}
	if err := s.InsertImprovementHistory(ctx, ImprovementHistory{
		ProjectID:      "proj1",
		TriggerType:    TriggerLowScore,
		TargetFiles:    []string{".claude/agents/bar.md"},
		ChangesSummary: "tuned bar agent",
		AppliedAt:      recent,
	}); err != nil {
		t.Fatalf("InsertImprovementHistory (recent): %v", err)
	}

	since := time.Now().Add(-24 * time.Hour)
	hist, err := s.ListImprovementHistorySince(ctx, "proj1", since)
	if err != nil {
		t.Fatalf("ListImprovementHistorySince: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("len = %d, want 1", len(hist))
	}
	if hist[0].TriggerType != TriggerLowScore {
		t.Errorf("TriggerType = %q", hist[0].TriggerType)
	}
	if len(hist[0].TargetFiles) != 1 || hist[0].TargetFiles[0] != ".claude/agents/bar.md" {
		t.Errorf("TargetFiles = %v", hist[0].TargetFiles)
	}
}

func TestInsertKnowledgeAsset_ComputesHashWhenMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	asset := KnowledgeAsset{
		ProjectID:     "proj1",
		AssetType:     AssetSkill,
		FilePath:      ".claude/skills/foo.md",
		Content:       "# Foo skill\ndo the foo thing",
		Version:       1,
		AutoGenerated: true,
		CreatedBy:     "improvement-engine",
	}
	if err := s.InsertKnowledgeAsset(ctx, asset); err != nil {
		t.Fatalf("InsertKnowledgeAsset: %v", err)
	}

	want := SHA256Hex(asset.Content)
	var gotHash string
	if err := s.db.QueryRow(`SELECT content_hash FROM knowledge_assets WHERE file_path = ?`, asset.FilePath).Scan(&gotHash); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if gotHash != want {
		t.Errorf("content_hash = %q, want %q", gotHash, want)
	}
}

func TestListAllProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO projects (id, local_directory, session_name, repository_url) VALUES (?, ?, ?, ?)`,
		"proj2", "/home/user/proj2", "proj2-session", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	projects, err := s.ListAllProjects(ctx)
	if err != nil {
		t.Fatalf("ListAllProjects: %v", err)
	}
	if len(projects) != 2 {
		t.Errorf("len = %d, want 2", len(projects))
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
	base := &TransientError{Err: context.DeadlineExceeded}
	if !IsTransient(base) {
		t.Error("TransientError should be transient")
	}
}
