// Package main is the entry point for the orchestrator supervisor.
//
// Usage:
//
//	orchestrator run      — start the supervisor (Dispatcher + Improvement Engine)
//	orchestrator version   — print version
//	orchestrator status    — report project/pending-task counts and store-derived run metrics, then exit
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/overhuman/orchestrator/internal/config"
	"github.com/overhuman/orchestrator/internal/dispatcher"
	"github.com/overhuman/orchestrator/internal/evaluator"
	"github.com/overhuman/orchestrator/internal/executor"
	"github.com/overhuman/orchestrator/internal/gitctl"
	"github.com/overhuman/orchestrator/internal/improvement"
	"github.com/overhuman/orchestrator/internal/observability"
	"github.com/overhuman/orchestrator/internal/runner"
	"github.com/overhuman/orchestrator/internal/store"
)

const (
	version = "0.1.0"
	appName = "orchestrator"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runSupervisor()
	case "status":
		runStatus()
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — autonomous task orchestrator

Usage:
  %s <command>

Commands:
  run       Start the supervisor (Dispatcher + Improvement Engine)
  status    Report project/pending-task counts and recent run metrics, then exit
  version   Print version

Environment variables (override config file):
  ORCHESTRATOR_CONFIG               Path to the TOML config file (default: ~/.orchestrator/config.toml)
  ORCHESTRATOR_SQLITE_PATH          SQLite database path
  ORCHESTRATOR_ASSISTANT_BINARY     Assistant executable name/path
  ORCHESTRATOR_PROJECTS_DIR         Root directory under which project working trees live
  ORCHESTRATOR_LOGS_DIR             Root directory for executor/run logs
  ORCHESTRATOR_MAX_CONCURRENT_RUNS  Global Dispatcher concurrency cap
  SUPABASE_URL, SUPABASE_KEY        Reserved for a future remote-store realization

`, appName, version, appName)
}

func configPath() string {
	if v := os.Getenv("ORCHESTRATOR_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".orchestrator", "config.toml")
}

// bootstrap loads configuration and opens the Gateway. Both are needed by
// every subcommand that touches the store.
func bootstrap() (config.Config, store.Gateway, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return config.Config{}, nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	gw, err := store.NewSQLStore(cfg.SQLitePath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, gw, nil
}

// runSupervisor wires the Gateway, Run Executor, Self-Evaluator, Dispatcher,
// and Improvement Engine together and runs until a shutdown signal arrives.
// Grounded on the reference daemon's bootstrap/runDaemon split and its
// SIGINT/SIGTERM handling in cmd/overhuman/main.go.
func runSupervisor() {
	cfg, gw, err := bootstrap()
	if err != nil {
		log.Fatalf("[supervisor] %v", err)
	}
	defer gw.Close()

	logger := observability.NewLogger("supervisor", nil)
	logger.Info("starting", "version", version, "sqlite_path", cfg.SQLitePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reconcileStaleRuns(ctx, gw, cfg, logger); err != nil {
		log.Fatalf("[supervisor] stale-run reconciliation: %v", err)
	}

	assistant := runner.NewProcessRunner(cfg.AssistantBinary)

	// A single collector is shared across every component. Nothing reads
	// it live (there is no dashboard server per the non-goals);
	// `orchestrator status` runs as a separate process and recomputes the
	// same signals from the store instead (see printProjectMetrics).
	metrics := observability.NewMetricsCollector(0)

	evalLogger := observability.NewLogger("evaluator", nil)
	eval := evaluator.New(gw, assistant, evalLogger, cfg.EvalTimeout.Duration, metrics)

	execLogger := observability.NewLogger("executor", nil)
	exec := executor.New(gw, assistant, eval, execLogger, cfg.RunTimeout.Duration, os.TempDir(), cfg.LogsDir, metrics)

	dispLogger := observability.NewLogger("dispatcher", nil)
	disp := dispatcher.New(gw, exec, dispLogger, cfg.MaxConcurrentRuns, cfg.PendingPollInterval.Duration, cfg.PerTaskStagger.Duration, metrics)

	impLogger := observability.NewLogger("improvement", nil)
	imp := improvement.New(gw, assistant, gitctl.New, impLogger, cfg.ImprovementCooldown.Duration, cfg.RunTimeout.Duration, cfg.ImprovementFileCapPerWeek, metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(done)
	}()

	improvementDone := make(chan struct{})
	go runImprovementTicker(ctx, imp, cfg.ImprovementSweepInterval.Duration, improvementDone)

	<-sigCh
	logger.Info("shutdown signal received, waiting for in-flight workers")
	cancel()

	<-done
	<-improvementDone
	logger.Info("shutdown complete")
}

// runImprovementTicker ticks the Improvement Engine's Sweep on
// ImprovementSweepInterval until ctx is cancelled.
func runImprovementTicker(ctx context.Context, imp *improvement.Engine, interval time.Duration, done chan struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			imp.Sweep(ctx)
		}
	}
}

// reconcileStaleRuns implements §4.G step 3 / §5's crash-recovery policy:
// any run still `running` with created_at older than 2x the run timeout is
// a worker that never completed (crash, kill -9, host reboot); the run and
// its task are both marked failed.
func reconcileStaleRuns(ctx context.Context, gw store.Gateway, cfg config.Config, logger *observability.Logger) error {
	cutoff := time.Now().Add(-2 * cfg.RunTimeout.Duration)
	stale, err := gw.ListStaleRunningRuns(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, r := range stale {
		note := "reconciled at supervisor startup: run left running past 2x the run timeout"
		if err := gw.UpdateRunTerminal(ctx, r.ID, store.RunFailed, store.ExitCodeSpawnError, note, r.FullOutputPath, r.DurationSeconds); err != nil {
			logger.Warn("stale run reconciliation update failed", "run_id", r.ID, "error", err.Error())
			continue
		}
		if err := gw.UpdateTaskStatus(ctx, r.TaskID, store.TaskFailed, note); err != nil {
			logger.Warn("stale run task update failed", "task_id", r.TaskID, "error", err.Error())
		}
		logger.RunEvent("reconciled_stale", r.ID, r.TaskID)
	}
	if len(stale) > 0 {
		logger.Info("stale-run reconciliation complete", "count", len(stale))
	}
	return nil
}

func runStatus() {
	cfg, gw, err := bootstrap()
	if err != nil {
		log.Fatalf("[status] %v", err)
	}
	defer gw.Close()

	ctx := context.Background()
	pending, err := gw.ListPendingTasks(ctx)
	if err != nil {
		log.Fatalf("[status] list pending tasks: %v", err)
	}
	projects, err := gw.ListAllProjects(ctx)
	if err != nil {
		log.Fatalf("[status] list projects: %v", err)
	}

	fmt.Printf("%s v%s\n", appName, version)
	fmt.Printf("sqlite_path: %s\n", cfg.SQLitePath)
	fmt.Printf("projects: %d\n", len(projects))
	fmt.Printf("pending tasks: %d\n", len(pending))

	printProjectMetrics(ctx, gw, projects)
}

// printProjectMetrics surfaces the same signals internal/observability's
// MetricsCollector records in-process — run latency, eval score,
// improvement counts — but recomputed from the store, since a
// MetricsCollector only lives as long as one supervisor process and
// there is no dashboard server for a second process to read it from.
func printProjectMetrics(ctx context.Context, gw store.Gateway, projects []store.Project) {
	const recentSample = 20

	var runCount int
	var runDurationSum float64
	var evalCount int
	var evalScoreSum float64
	var improvementCount int

	for _, p := range projects {
		runs, err := gw.ListRecentRuns(ctx, p.ID, recentSample)
		if err != nil {
			continue
		}
		runIDs := make([]string, len(runs))
		for i, r := range runs {
			runIDs[i] = r.ID
			runDurationSum += r.DurationSeconds
		}
		runCount += len(runs)

		if evals, err := gw.ListEvaluationsByRunIDs(ctx, runIDs); err == nil {
			for _, e := range evals {
				evalScoreSum += e.OverallScore
			}
			evalCount += len(evals)
		}

		if hist, err := gw.ListImprovementHistorySince(ctx, p.ID, time.Time{}); err == nil {
			improvementCount += len(hist)
		}
	}

	fmt.Printf("recent runs sampled: %d\n", runCount)
	if runCount > 0 {
		fmt.Printf("avg run duration: %.1fs\n", runDurationSum/float64(runCount))
	}
	if evalCount > 0 {
		fmt.Printf("avg eval score (%d evaluated): %.2f\n", evalCount, evalScoreSum/float64(evalCount))
	}
	fmt.Printf("improvements applied (all time): %d\n", improvementCount)
}
