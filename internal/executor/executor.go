// Package executor is the Run Executor: it builds the instruction prompt,
// spawns the assistant subprocess inside a project directory, enforces a
// wall-clock timeout, captures output, persists every observable effect
// of the run, and drives the Output Artifact Parser and Self-Evaluator.
// Grounded on internal/instruments/docker.go's DockerSandbox.Execute
// (context-bounded exec.Command with captured stdout/stderr) and on the
// Python predecessor's TaskExecutor.execute_with_claude_code /
// _execute_task_internal, which this package's Execute reproduces step
// for step per §4.C.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/overhuman/orchestrator/internal/evaluator"
	"github.com/overhuman/orchestrator/internal/observability"
	"github.com/overhuman/orchestrator/internal/parser"
	"github.com/overhuman/orchestrator/internal/runner"
	"github.com/overhuman/orchestrator/internal/store"
)

const stdoutPreviewLimit = 5000

// Executor runs one task to completion: subprocess invocation, output
// persistence, artifact parsing, and self-evaluation.
type Executor struct {
	Gateway   store.Gateway
	Runner    runner.Runner
	Evaluator *evaluator.Evaluator
	Logger    *observability.Logger
	Metrics   *observability.MetricsCollector

	// RunTimeout bounds the assistant subprocess. Zero means the §6
	// default of 600s.
	RunTimeout time.Duration
	// TempDir is where prompt files are written before being piped to
	// the subprocess (host temp directory per §6).
	TempDir string
	// LogsDir is the root under which full per-run output is written,
	// e.g. "<LogsDir>/runs/run_<run_id>.log".
	LogsDir string
}

// New builds an Executor. A nil metrics collector gets a fresh one so
// callers (and existing tests) can omit it freely.
func New(gw store.Gateway, r runner.Runner, eval *evaluator.Evaluator, log *observability.Logger, runTimeout time.Duration, tempDir, logsDir string, metrics *observability.MetricsCollector) *Executor {
	if runTimeout <= 0 {
		runTimeout = 600 * time.Second
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	return &Executor{Gateway: gw, Runner: r, Evaluator: eval, Logger: log, Metrics: metrics, RunTimeout: runTimeout, TempDir: tempDir, LogsDir: logsDir}
}

// Execute runs task to a terminal state, end to end, per §4.C's twelve
// steps. It never returns an error to the caller: every failure mode
// (missing project directory, spawn error, timeout, persistence failure)
// is translated into a terminal task/run status and logged, per §7's
// propagation policy.
func (ex *Executor) Execute(ctx context.Context, task store.Task) {
	project, err := ex.Gateway.GetProject(ctx, task.ProjectID)
	if err != nil {
		ex.Logger.Error("project lookup failed", "task_id", task.ID, "project_id", task.ProjectID, "error", err.Error())
		_ = ex.Gateway.UpdateTaskStatus(ctx, task.ID, store.TaskFailed, "project configuration unavailable: "+err.Error())
		return
	}

	if _, statErr := os.Stat(project.LocalDirectory); statErr != nil {
		msg := fmt.Sprintf("project directory not found: %s", project.LocalDirectory)
		ex.Logger.Error(msg, "task_id", task.ID, "project_id", task.ProjectID)
		_ = ex.Gateway.UpdateTaskStatus(ctx, task.ID, store.TaskFailed, msg)
		return
	}

	instruction := task.Description
	if instruction == "" {
		instruction = task.Title
	}

	claudeMD := readClaudeMD(project.LocalDirectory)
	if claudeMD != "" {
		ex.Logger.Info("read CLAUDE.md for context", "task_id", task.ID, "bytes", len(claudeMD))
	}

	prompt := BuildPrompt(task.ProjectID, instruction)

	runID, err := ex.Gateway.InsertRun(ctx, store.Run{
		TaskID:         task.ID,
		ProjectID:      task.ProjectID,
		Instruction:    instruction,
		Status:         store.RunRunning,
		TimeoutSeconds: int(ex.RunTimeout / time.Second),
		CreatedAt:      time.Now(),
	})
	if err != nil {
		ex.Logger.Error("run record insert failed, leaving task pending for retry", "task_id", task.ID, "error", err.Error())
		return
	}
	ex.Logger.RunEvent("created", runID, task.ID)

	if err := ex.Gateway.UpdateTaskStatus(ctx, task.ID, store.TaskInProgress, ""); err != nil {
		ex.Logger.Warn("task status -> in_progress failed", "task_id", task.ID, "error", err.Error())
	}

	promptPath := filepath.Join(ex.TempDir, fmt.Sprintf("orchestrator_task_%s.txt", task.ID))
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		ex.Logger.Warn("prompt temp file write failed, invoking with in-memory prompt anyway", "task_id", task.ID, "error", err.Error())
	}
	defer os.Remove(promptPath)

	start := time.Now()
	res, runErr := ex.Runner.Run(ctx, runner.RunOptions{
		Dir:     project.LocalDirectory,
		Prompt:  prompt,
		Timeout: ex.RunTimeout,
	})
	duration := time.Since(start).Seconds()
	ex.Metrics.Record(observability.MetricRunLatency, duration*1000, observability.Labels{"project_id": task.ProjectID})

	if runErr != nil {
		// Caller-side misuse only (e.g. an already-cancelled context);
		// treat as a spawn error per §7.
		res = runner.Result{ExitCode: store.ExitCodeSpawnError, Stderr: runErr.Error()}
	}

	output := res.Stdout + res.Stderr
	success := res.ExitCode == 0 && !res.TimedOut

	status := store.RunCompleted
	if !success {
		status = store.RunFailed
	}

	fullOutputPath := ex.saveFullOutput(runID, output)
	preview := parser.Preview(output, stdoutPreviewLimit)

	if err := ex.Gateway.UpdateRunTerminal(ctx, runID, status, res.ExitCode, preview, fullOutputPath, duration); err != nil {
		ex.Logger.Error("run terminal update failed", "run_id", runID, "error", err.Error())
	}
	ex.Logger.RunEvent(status, runID, task.ID, "exit_code", res.ExitCode, "duration_seconds", duration)

	calls := parser.ParseToolCalls(runID, output)
	if len(calls) > 0 {
		if err := ex.Gateway.InsertToolCalls(ctx, calls); err != nil {
			ex.Logger.Warn("tool-call persist failed", "run_id", runID, "error", err.Error())
		}
	}

	if summaryBlock := parser.ExtractSummary(output); summaryBlock != "" {
		ps := parser.ParseSummary(summaryBlock)
		if ps.CurrentStatus != "" || ps.NextMilestone != "" || ps.RecentProgress != "" {
			if err := ex.Gateway.UpsertProjectSummary(ctx, store.ProjectSummary{
				ProjectID:      task.ProjectID,
				CurrentStatus:  ps.CurrentStatus,
				NextMilestone:  ps.NextMilestone,
				RecentProgress: ps.RecentProgress,
			}); err != nil {
				ex.Logger.Warn("project summary upsert failed", "run_id", runID, "error", err.Error())
			}
		}
	}

	if suggestionsBlock := parser.ExtractSuggestions(output); suggestionsBlock != "" {
		for _, ps := range parser.ParseSuggestions(suggestionsBlock) {
			if err := ex.Gateway.InsertSuggestion(ctx, store.Suggestion{
				ProjectID:   task.ProjectID,
				Title:       ps.Title,
				Description: ps.Description,
				Source:      "ai_proposal",
				CreatedBy:   "claude_code",
			}); err != nil {
				ex.Logger.Warn("suggestion insert failed", "run_id", runID, "error", err.Error())
			}
		}
	}

	run := store.Run{ID: runID, TaskID: task.ID, ProjectID: task.ProjectID, Instruction: instruction, Status: status, ExitCode: res.ExitCode}
	ex.Evaluator.Evaluate(ctx, run, task, *project, output)

	if success {
		_ = ex.Gateway.UpdateTaskStatus(ctx, task.ID, store.TaskDone, parser.Preview(output, 1000))
	} else {
		_ = ex.Gateway.UpdateTaskStatus(ctx, task.ID, store.TaskFailed, parser.Preview(output, 500))
	}
}

// saveFullOutput persists the complete stdout+stderr to
// "<LogsDir>/runs/run_<run_id>.log" and returns the path, or "" if
// persistence failed (logged, not fatal — the run's terminal status
// stands regardless per §4.C step 8 / §7).
func (ex *Executor) saveFullOutput(runID, output string) string {
	dir := filepath.Join(ex.LogsDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		ex.Logger.Warn("full output dir create failed", "run_id", runID, "error", err.Error())
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("run_%s.log", runID))
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		ex.Logger.Warn("full output write failed", "run_id", runID, "error", err.Error())
		return ""
	}
	return path
}

func readClaudeMD(projectDir string) string {
	data, err := os.ReadFile(filepath.Join(projectDir, "CLAUDE.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// BuildPrompt composes the full instruction prompt per §4.C step 3: the
// task instruction plus the fixed template requesting the ```summary```
// and ```suggestions``` footers, ported from the Python predecessor's
// execute_with_claude_code full_instruction template.
func BuildPrompt(projectID, instruction string) string {
	return fmt.Sprintf(`## 背景

orchestrator-dashboardから指示が投入されました。
プロジェクト: %s

## 指示

%s

## 注意

- 短く簡潔に作業してください
- 完了したら「完了しました」と報告してください
- エラーが発生したら「失敗しました: [理由]」と報告してください

## 完了後のアクション

タスク完了後、以下を出力してください：

1. プロジェクトの現在の状態を1-2文で要約（何を実装中で、次に何をする予定か）：

`+"```summary\n"+`現在の状態: [1-2文で要約]
次の予定: [1文で要約]
最近の進捗: [1文で要約]
`+"```"+`

2. このプロジェクトで次にやるべきことを3つ提案：

`+"```suggestions\n"+`1. [タイトル] - [簡潔な説明]
2. [タイトル] - [簡潔な説明]
3. [タイトル] - [簡潔な説明]
`+"```"+`
`, projectID, instruction)
}
