// Package evaluator is the Self-Evaluator: a second assistant invocation
// per completed run that grades the run and classifies its failure mode.
// Grounded on internal/reflection/engine.go's Meso level (build prompt,
// invoke, parse structured reply, persist) and on the literal evaluation
// prompt/schema of the Python predecessor's TaskExecutor.evaluate_task.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/overhuman/orchestrator/internal/observability"
	"github.com/overhuman/orchestrator/internal/parser"
	"github.com/overhuman/orchestrator/internal/runner"
	"github.com/overhuman/orchestrator/internal/store"
)

// Evaluator invokes the assistant a second time to grade a completed run.
type Evaluator struct {
	Gateway store.Gateway
	Runner  runner.Runner
	Logger  *observability.Logger
	Metrics *observability.MetricsCollector

	// Timeout bounds the evaluation subprocess. Zero means
	// the §6 default of 120s.
	Timeout time.Duration
}

// New builds an Evaluator. A nil metrics collector gets a fresh one so
// callers (and existing tests) can omit it freely.
func New(gw store.Gateway, r runner.Runner, log *observability.Logger, timeout time.Duration, metrics *observability.MetricsCollector) *Evaluator {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	return &Evaluator{Gateway: gw, Runner: r, Logger: log, Metrics: metrics, Timeout: timeout}
}

// rawEvaluation mirrors the JSON object the assistant is asked to reply
// with, matching improvement_engine.py's sibling TaskExecutor schema
// field-for-field.
type rawEvaluation struct {
	OverallScore            float64         `json:"overall_score"`
	FailureCategory         string          `json:"failure_category"`
	EvaluationDetails       json.RawMessage `json:"evaluation_details"`
	ImprovementSuggestions  []string        `json:"improvement_suggestions"`
	SkillEffectiveness      struct {
		SkillsUsed        []string `json:"skills_used"`
		EffectiveSkills   []string `json:"effective_skills"`
		IneffectiveSkills []string `json:"ineffective_skills"`
		MissingSkills     []string `json:"missing_skills"`
	} `json:"skill_effectiveness"`
	AgentEffectiveness struct {
		AgentsUsed             []string `json:"agents_used"`
		AppropriateAgentChoice bool     `json:"appropriate_agent_choice"`
		AgentPerformance       string   `json:"agent_performance"`
		BetterAgentSuggestion  string   `json:"better_agent_suggestion"`
	} `json:"agent_effectiveness"`
	ErrorPatterns []string `json:"error_patterns"`
}

// Evaluate grades the run and, on success, persists an Evaluation row.
// Every failure mode (timeout, spawn error, missing/unparseable JSON
// fence) is logged and swallowed: the absence of an Evaluation row is
// recoverable on a later run, so it must never affect the run's own
// terminal status.
func (e *Evaluator) Evaluate(ctx context.Context, run store.Run, task store.Task, project store.Project, stdout string) {
	prompt := e.buildPrompt(run, task, stdout)

	evalCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	res, err := e.Runner.Run(evalCtx, runner.RunOptions{
		Dir:     project.LocalDirectory,
		Prompt:  prompt,
		Timeout: e.Timeout,
	})
	if err != nil {
		e.Logger.Warn("self-evaluation invocation error", "run_id", run.ID, "error", err.Error())
		return
	}
	if res.TimedOut {
		e.Logger.Warn("self-evaluation timed out", "run_id", run.ID)
		return
	}
	if res.ExitCode != 0 {
		e.Logger.Warn("self-evaluation exited non-zero", "run_id", run.ID, "exit_code", res.ExitCode)
		return
	}

	block := parser.ExtractJSON(res.Stdout)
	if block == "" {
		e.Logger.Warn("self-evaluation reply had no json fence", "run_id", run.ID)
		return
	}

	var raw rawEvaluation
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		e.Logger.Warn("self-evaluation JSON decode failed", "run_id", run.ID, "error", err.Error())
		return
	}

	eval := store.Evaluation{
		RunID:                   run.ID,
		TaskID:                  task.ID,
		OverallScore:            raw.OverallScore,
		FailureCategory:         raw.FailureCategory,
		EvaluationDetails:       string(raw.EvaluationDetails),
		ImprovementSuggestions:  raw.ImprovementSuggestions,
		SkillEffectiveness: store.ToolEffectiveness{
			IneffectiveSkills: raw.SkillEffectiveness.IneffectiveSkills,
			MissingSkills:     raw.SkillEffectiveness.MissingSkills,
		},
		AgentEffectiveness: store.ToolEffectiveness{
			BetterAgentSuggestion: raw.AgentEffectiveness.BetterAgentSuggestion,
		},
		ErrorPatterns: raw.ErrorPatterns,
		Evaluator:     "claude_code",
	}

	if err := e.Gateway.InsertEvaluation(ctx, eval); err != nil {
		e.Logger.Warn("self-evaluation persist failed", "run_id", run.ID, "error", err.Error())
		return
	}

	e.Metrics.Record(observability.MetricEvalScore, eval.OverallScore, observability.Labels{"project_id": task.ProjectID})

	if len(eval.SkillEffectiveness.IneffectiveSkills) > 0 {
		e.Logger.Warn("ineffective skills detected", "run_id", run.ID, "skills", eval.SkillEffectiveness.IneffectiveSkills)
	}
	if len(eval.SkillEffectiveness.MissingSkills) > 0 {
		e.Logger.Info("missing skills suggested", "run_id", run.ID, "skills", eval.SkillEffectiveness.MissingSkills)
	}
	e.Logger.Info("self-evaluation saved", "run_id", run.ID, "score", eval.OverallScore)
}

// buildPrompt composes the evaluation prompt: original instruction,
// success flag, exit code, a human-readable tool/skill/agent summary, and
// the first 3000 chars of output.
func (e *Evaluator) buildPrompt(run store.Run, task store.Task, stdout string) string {
	calls := parser.ParseToolCalls(run.ID, stdout)

	var skillLines, agentLines []string
	for _, c := range calls {
		switch c.ToolName {
		case "Skill":
			skillLines = append(skillLines, c.Parameters["skill"])
		case "Task":
			agentLines = append(agentLines, c.Parameters["subagent_type"])
		}
	}

	var toolsSummary strings.Builder
	fmt.Fprintf(&toolsSummary, "\n使用されたスキル (%d件):\n", len(skillLines))
	for _, s := range skillLines {
		fmt.Fprintf(&toolsSummary, "  - %s\n", s)
	}
	fmt.Fprintf(&toolsSummary, "\n起動されたエージェント (%d件):\n", len(agentLines))
	for _, a := range agentLines {
		fmt.Fprintf(&toolsSummary, "  - %s\n", a)
	}

	preview := parser.Preview(stdout, 3000)

	return fmt.Sprintf(`あなたは自分自身の実行を評価するAIです。以下のタスク実行を評価してください。

## タスク指示
%s

## 実行結果
成功: %t
終了コード: %d

## 使用したツール・スキル・エージェント
%s

## 出力（最初の3000文字）
%s

## 評価項目

以下の形式でJSON形式で評価を返してください：

`+"```json\n"+`{
  "overall_score": <1-10の数値>,
  "failure_category": "<失敗した場合のカテゴリ: tool_usage_error, skill_ineffective, agent_misconfigured, permission_error, logic_error, timeout, unknown, または null>",
  "evaluation_details": {
    "task_completion": "<タスクが完了したかどうか>",
    "quality": "<実装の質>",
    "efficiency": "<効率性>"
  },
  "improvement_suggestions": ["<改善提案1>", "<改善提案2>", "<改善提案3>"],
  "skill_effectiveness": {
    "skills_used": ["<使用したスキル名>"],
    "effective_skills": ["<効果的だったスキル>"],
    "ineffective_skills": ["<効果がなかった/問題を起こしたスキル>"],
    "missing_skills": ["<あれば良かったスキル>"]
  },
  "agent_effectiveness": {
    "agents_used": ["<使用したエージェントタイプ>"],
    "appropriate_agent_choice": <true/false>,
    "agent_performance": "<各エージェントのパフォーマンス評価>",
    "better_agent_suggestion": "<より適切なエージェントがあれば提案>"
  },
  "error_patterns": ["<検出されたエラーパターン>"]
}
`+"```"+`

注意:
- overall_scoreは1-10で評価（10が最高）
- 成功した場合はfailure_categoryをnullに
- 効果のないスキルは削除を、不足しているスキルは作成を提案
- 具体的で実行可能な改善提案を3つ以上
`, run.Instruction, run.Status == store.RunCompleted, run.ExitCode, toolsSummary.String(), preview)
}
