// Package improvement is the Improvement Engine: it periodically scans
// each project's recent runs, detects trigger conditions, aggregates
// actionable material across runs, drives an improvement subprocess on a
// new branch, commits, and records the change as history plus knowledge
// assets. Grounded on the cooldown/trigger/aggregate/apply/rollback/record
// algorithm of the Python predecessor's ImprovementEngine, and on
// internal/versioning/control.go for the cooldown-gate concept (the file
// itself is not reused — see DESIGN.md).
package improvement

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/overhuman/orchestrator/internal/gitctl"
	"github.com/overhuman/orchestrator/internal/observability"
	"github.com/overhuman/orchestrator/internal/parser"
	"github.com/overhuman/orchestrator/internal/runner"
	"github.com/overhuman/orchestrator/internal/store"
)

// Trigger identifies why a project qualifies for an automatic improvement.
type Trigger struct {
	Type            string
	FailureCategory string // set only for TriggerConsecutiveFailures
	AverageScore    float64
	Scores          []float64
	RunIDs          []string
}

// Aggregated is the deduplicated improvement material pulled from a
// trigger's run ids.
type Aggregated struct {
	Suggestions       []string
	IneffectiveSkills []string
	MissingSkills     []string
	AgentSuggestions  []string
}

// GitFactory builds a git Controller rooted at a project's directory.
// Parameterized so tests can substitute a controller against a scratch
// repository.
type GitFactory func(dir string) *gitctl.Controller

// Engine implements §4.F's per-project sweep.
type Engine struct {
	Gateway store.Gateway
	Runner  runner.Runner
	Git     GitFactory
	Logger  *observability.Logger
	Metrics *observability.MetricsCollector

	Cooldown       time.Duration
	Timeout        time.Duration
	FileCapPerWeek int // documented, read-only per §9 — not enforced
}

// New builds an Engine with §6 defaults applied for zero fields. A nil
// metrics collector gets a fresh one so callers (and existing tests)
// can omit it freely.
func New(gw store.Gateway, r runner.Runner, git GitFactory, log *observability.Logger, cooldown, timeout time.Duration, fileCapPerWeek int, metrics *observability.MetricsCollector) *Engine {
	if git == nil {
		git = gitctl.New
	}
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	return &Engine{Gateway: gw, Runner: r, Git: git, Logger: log, Metrics: metrics, Cooldown: cooldown, Timeout: timeout, FileCapPerWeek: fileCapPerWeek}
}

// Sweep runs one full pass over every known project. A transient store
// failure for one project aborts only that project's pass, per §4.F's
// failure semantics — the sweep continues with the next project.
func (e *Engine) Sweep(ctx context.Context) {
	projects, err := e.Gateway.ListAllProjects(ctx)
	if err != nil {
		e.Logger.Warn("improvement sweep: list projects failed", "error", err.Error())
		return
	}
	for _, p := range projects {
		e.checkProject(ctx, p)
	}
}

func (e *Engine) checkProject(ctx context.Context, project store.Project) {
	inCooldown, err := e.inCooldown(ctx, project.ID)
	if err != nil {
		e.Logger.Warn("cooldown check failed, skipping project this sweep", "project_id", project.ID, "error", err.Error())
		return
	}
	if inCooldown {
		e.Logger.Info("project in cooldown, skipping", "project_id", project.ID)
		return
	}

	trigger, err := e.detectTrigger(ctx, project.ID)
	if err != nil {
		e.Logger.Warn("trigger detection failed", "project_id", project.ID, "error", err.Error())
		return
	}
	if trigger == nil {
		return
	}
	e.Logger.ImprovementEvent("triggered", project.ID, trigger.Type)

	agg, err := e.aggregate(ctx, trigger.RunIDs)
	if err != nil {
		e.Logger.Warn("suggestion aggregation failed", "project_id", project.ID, "error", err.Error())
		return
	}
	if len(agg.Suggestions) == 0 && len(agg.MissingSkills) == 0 {
		e.Logger.Warn("no improvement material aggregated, aborting", "project_id", project.ID)
		return
	}

	if err := e.apply(ctx, project, *trigger, agg); err != nil {
		e.Logger.ImprovementEvent("failed", project.ID, trigger.Type, "error", err.Error())
		return
	}
	e.Metrics.Increment("improvement_applied")
	e.Metrics.Record(observability.MetricImprovement, 1, observability.Labels{"project_id": project.ID, "trigger_type": trigger.Type})
	e.Logger.ImprovementEvent("applied", project.ID, trigger.Type)
}

func (e *Engine) inCooldown(ctx context.Context, projectID string) (bool, error) {
	rows, err := e.Gateway.ListImprovementHistorySince(ctx, projectID, time.Now().Add(-e.Cooldown))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// detectTrigger implements §4.F step 2, first match wins.
func (e *Engine) detectTrigger(ctx context.Context, projectID string) (*Trigger, error) {
	if t, err := e.checkConsecutiveFailures(ctx, projectID); err != nil || t != nil {
		return t, err
	}
	return e.checkLowScore(ctx, projectID)
}

func (e *Engine) checkConsecutiveFailures(ctx context.Context, projectID string) (*Trigger, error) {
	runs, err := e.Gateway.ListRecentRuns(ctx, projectID, 10)
	if err != nil {
		return nil, err
	}
	if len(runs) < 3 {
		return nil, nil
	}
	recent := runs[:3]
	for _, r := range recent {
		if r.Status != store.RunFailed {
			return nil, nil
		}
	}

	runIDs := []string{recent[0].ID, recent[1].ID, recent[2].ID}
	evals, err := e.Gateway.ListEvaluationsByRunIDs(ctx, runIDs)
	if err != nil {
		return nil, err
	}
	if len(evals) < 3 {
		return nil, nil
	}

	byRun := make(map[string]store.Evaluation, len(evals))
	for _, ev := range evals {
		byRun[ev.RunID] = ev
	}
	var category string
	for i, id := range runIDs {
		ev, ok := byRun[id]
		if !ok || ev.FailureCategory == "" {
			return nil, nil
		}
		if i == 0 {
			category = ev.FailureCategory
		} else if ev.FailureCategory != category {
			return nil, nil
		}
	}

	return &Trigger{Type: store.TriggerConsecutiveFailures, FailureCategory: category, RunIDs: runIDs}, nil
}

func (e *Engine) checkLowScore(ctx context.Context, projectID string) (*Trigger, error) {
	runs, err := e.Gateway.ListRecentRuns(ctx, projectID, 5)
	if err != nil {
		return nil, err
	}
	if len(runs) < 5 {
		return nil, nil
	}

	runIDs := make([]string, len(runs))
	for i, r := range runs {
		runIDs[i] = r.ID
	}
	evals, err := e.Gateway.ListEvaluationsByRunIDs(ctx, runIDs)
	if err != nil {
		return nil, err
	}
	if len(evals) < 5 {
		return nil, nil
	}

	var sum float64
	scores := make([]float64, len(evals))
	for i, ev := range evals {
		scores[i] = ev.OverallScore
		sum += ev.OverallScore
	}
	avg := sum / float64(len(evals))
	if avg >= 5.0 {
		return nil, nil
	}

	return &Trigger{Type: store.TriggerLowScore, AverageScore: avg, Scores: scores, RunIDs: runIDs}, nil
}

// aggregate implements §4.F step 3: union and deduplicate improvement
// material across a trigger's run ids.
func (e *Engine) aggregate(ctx context.Context, runIDs []string) (Aggregated, error) {
	evals, err := e.Gateway.ListEvaluationsByRunIDs(ctx, runIDs)
	if err != nil {
		return Aggregated{}, err
	}

	suggestions := make(map[string]struct{})
	ineffective := make(map[string]struct{})
	missing := make(map[string]struct{})
	agentSugg := make(map[string]struct{})

	for _, ev := range evals {
		for _, s := range ev.ImprovementSuggestions {
			suggestions[s] = struct{}{}
		}
		for _, s := range ev.SkillEffectiveness.IneffectiveSkills {
			ineffective[s] = struct{}{}
		}
		for _, s := range ev.SkillEffectiveness.MissingSkills {
			missing[s] = struct{}{}
		}
		if ev.AgentEffectiveness.BetterAgentSuggestion != "" {
			agentSugg[ev.AgentEffectiveness.BetterAgentSuggestion] = struct{}{}
		}
	}

	return Aggregated{
		Suggestions:       sortedKeys(suggestions),
		IneffectiveSkills: sortedKeys(ineffective),
		MissingSkills:     sortedKeys(missing),
		AgentSuggestions:  sortedKeys(agentSugg),
	}, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// apply implements §4.F step 5/6: branch, drive the improvement
// subprocess, commit or roll back, and record history/knowledge assets.
func (e *Engine) apply(ctx context.Context, project store.Project, trigger Trigger, agg Aggregated) error {
	if _, err := os.Stat(project.LocalDirectory); err != nil {
		return fmt.Errorf("project directory not found: %s", project.LocalDirectory)
	}

	git := e.Git(project.LocalDirectory)
	branch := fmt.Sprintf("auto-improvement-%s", time.Now().Format("20060102-150405"))

	if err := git.CreateBranch(ctx, branch); err != nil {
		return fmt.Errorf("create branch: %w", err)
	}

	prompt := BuildImprovementPrompt(project.ID, trigger, agg)

	evalCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	res, err := e.Runner.Run(evalCtx, runner.RunOptions{
		Dir:     project.LocalDirectory,
		Prompt:  prompt,
		Timeout: e.Timeout,
	})
	if err != nil || res.TimedOut || res.ExitCode != 0 {
		if rbErr := git.Rollback(ctx, branch); rbErr != nil {
			e.Logger.Warn("rollback failed after improvement failure", "project_id", project.ID, "error", rbErr.Error())
		}
		if err != nil {
			return fmt.Errorf("improvement invocation error: %w", err)
		}
		if res.TimedOut {
			return fmt.Errorf("improvement invocation timed out")
		}
		return fmt.Errorf("improvement invocation exited %d", res.ExitCode)
	}

	if err := git.StageAll(ctx); err != nil {
		if rbErr := git.Rollback(ctx, branch); rbErr != nil {
			e.Logger.Warn("rollback failed after stage failure", "project_id", project.ID, "error", rbErr.Error())
		}
		return fmt.Errorf("stage changes: %w", err)
	}
	if err := git.Commit(ctx, commitMessage(trigger, agg)); err != nil {
		if rbErr := git.Rollback(ctx, branch); rbErr != nil {
			e.Logger.Warn("rollback failed after commit failure", "project_id", project.ID, "error", rbErr.Error())
		}
		return fmt.Errorf("commit: %w", err)
	}

	e.record(ctx, project, trigger, res.Stdout)
	e.Logger.Info("review and merge manually", "project_id", project.ID, "branch", branch)
	return nil
}

func commitMessage(trigger Trigger, agg Aggregated) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Auto-improvement: %s\n\n", trigger.Type)
	fmt.Fprintf(&b, "Trigger details: %s\n\n", triggerDetailsJSON(trigger))
	b.WriteString("Improvements applied:\n")
	n := len(agg.Suggestions)
	if n > 5 {
		n = 5
	}
	for _, s := range agg.Suggestions[:n] {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

func triggerDetailsJSON(trigger Trigger) string {
	runIDs, _ := json.Marshal(trigger.RunIDs)
	switch trigger.Type {
	case store.TriggerConsecutiveFailures:
		return fmt.Sprintf(`{"failure_category":%q,"run_ids":%s,"count":3}`, trigger.FailureCategory, runIDs)
	default:
		return fmt.Sprintf(`{"average_score":%.2f,"run_ids":%s}`, trigger.AverageScore, runIDs)
	}
}

// record implements §4.F step 6: parse the reply's changes/skills-created
// blocks, insert ImprovementHistory, and for every .claude/ target file,
// classify and insert a KnowledgeAsset.
func (e *Engine) record(ctx context.Context, project store.Project, trigger Trigger, output string) {
	changesBlock := parser.ExtractChanges(output)
	changes := parser.ParseChanges(changesBlock)

	targetFiles := make([]string, 0, len(changes))
	for _, c := range changes {
		targetFiles = append(targetFiles, c.Path)
	}

	summary := changesBlock
	if summary == "" {
		summary = "No summary provided"
	}
	if skillsBlock := parser.ExtractSkillsCreated(output); skillsBlock != "" {
		stanzas := parser.ParseSkillsCreated(skillsBlock)
		if len(stanzas) > 0 {
			summary += "\n\n## Created Skills:\n" + strings.Join(stanzas, "\n")
		}
	}

	hist := store.ImprovementHistory{
		ProjectID:      project.ID,
		TriggerType:    trigger.Type,
		TriggerDetails: triggerDetailsJSON(trigger),
		TargetFiles:    targetFiles,
		ChangesSummary: summary,
		BeforeAvgScore: trigger.AverageScore,
		AppliedAt:      time.Now(),
	}
	if err := e.Gateway.InsertImprovementHistory(ctx, hist); err != nil {
		e.Logger.Warn("improvement history insert failed", "project_id", project.ID, "error", err.Error())
	}

	for _, path := range targetFiles {
		if !strings.HasPrefix(path, ".claude/") {
			continue
		}
		assetType := classifyAsset(path)
		full := filepath.Join(project.LocalDirectory, path)
		content, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		asset := store.KnowledgeAsset{
			ProjectID:     project.ID,
			AssetType:     assetType,
			FilePath:      path,
			Content:       string(content),
			ContentHash:   store.SHA256Hex(string(content)),
			Version:       1,
			AutoGenerated: true,
			CreatedBy:     "improvement_engine",
			CreatedAt:     time.Now(),
		}
		if err := e.Gateway.InsertKnowledgeAsset(ctx, asset); err != nil {
			e.Logger.Warn("knowledge asset insert failed", "project_id", project.ID, "path", path, "error", err.Error())
		}
	}
}

func classifyAsset(path string) string {
	switch {
	case strings.Contains(path, "/skills/"):
		return store.AssetSkill
	case strings.Contains(path, "/agents/"):
		return store.AssetAgent
	case strings.Contains(path, "subagents.md"):
		return store.AssetSubagentConfig
	default:
		return store.AssetOther
	}
}

// BuildImprovementPrompt composes the improvement prompt per §4.F step 5,
// ported from the Python predecessor's ImprovementEngine.apply_improvement.
func BuildImprovementPrompt(projectID string, trigger Trigger, agg Aggregated) string {
	list := func(items []string, empty string) string {
		if len(items) == 0 {
			return empty
		}
		var b strings.Builder
		for i, s := range items {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%d. %s", i+1, s)
		}
		return b.String()
	}
	bulleted := func(items []string, empty string) string {
		if len(items) == 0 {
			return empty
		}
		var b strings.Builder
		for i, s := range items {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "  - %s", s)
		}
		return b.String()
	}

	return fmt.Sprintf(`## 自動改善タスク - スキル/エージェント最適化

プロジェクト: %s

## トリガー
タイプ: %s
詳細: %s

## 改善提案
%s

## スキル評価結果
### 効果のないスキル（削除を検討）:
%s

### 不足しているスキル（作成を推奨）:
%s

## エージェント改善提案:
%s

## 指示

上記の失敗パターンと改善提案に基づいて、以下を実行してください：

### 1. スキル管理（最優先）
- .claude/skills/ ディレクトリを確認・作成
- 効果のないスキルを削除または大幅改修
- 不足しているスキルを作成
- スキルファイル命名規則: %s-[purpose].sh または .py

### 2. エージェント設定
- .claude/agents/ ディレクトリを確認・作成（必要に応じて）

### 3. サブエージェント構成
- タスクが複雑な場合、サブエージェントの組み立て戦略を .claude/subagents.md に記録

### 4. CLAUDE.md更新
- 今回の失敗パターンと対策を記録

## 重要な注意事項
- 既存の機能を壊さないこと
- 変更は段階的に

## 出力形式

`+"```changes\n"+`.claude/skills/[新規スキル].sh: [目的と機能の説明]
.claude/agents/[設定ファイル]: [エージェント設定の説明]
CLAUDE.md: [失敗パターンと対策を追記]
`+"```"+`

`+"```skills-created\n"+`スキル名: [名前]
目的: [このスキルが解決する問題]
使い方: [実行方法]
---
`+"```"+`
`, projectID, trigger.Type, triggerDetailsJSON(trigger),
		list(agg.Suggestions, "（一般的な改善提案なし）"),
		bulleted(agg.IneffectiveSkills, "  （なし）"),
		bulleted(agg.MissingSkills, "  （なし）"),
		bulleted(agg.AgentSuggestions, "  （なし）"),
		projectID,
	)
}
