// Package dispatcher is the Dispatcher: it polls the pending-task queue
// and schedules concurrent runs under two invariants — at most
// MaxConcurrentRuns runs in flight globally, and at most one run per
// project at any time (a project's working tree is the exclusive
// resource of at most one worker). Grounded on the mutex-around-a-map
// registration shape of internal/instruments/subagent.go's SubagentManager
// and on the Python predecessor's ParallelTaskExecutor
// (can_start_task/register_task/unregister_task), which this package's
// running-projects bookkeeping reproduces.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/overhuman/orchestrator/internal/observability"
	"github.com/overhuman/orchestrator/internal/store"
)

// TaskRunner executes one task to a terminal state. executor.Executor.Execute
// satisfies this; it is an interface here so the Dispatcher can be tested
// without a real subprocess.
type TaskRunner interface {
	Execute(ctx context.Context, task store.Task)
}

// runningEntry mirrors the reference's running_projects value shape
// (run_id/thread/started_at), though Dispatcher itself only needs
// StartedAt for the status log.
type runningEntry struct {
	startedAt time.Time
}

// Dispatcher polls Gateway for pending tasks and schedules Executor runs
// under the project-serialization and global-concurrency invariants of
// §4.E/§5.
type Dispatcher struct {
	Gateway  store.Gateway
	Executor TaskRunner
	Logger   *observability.Logger
	Metrics  *observability.MetricsCollector

	MaxConcurrentRuns int
	PollInterval      time.Duration
	TaskStagger       time.Duration

	mu              sync.Mutex
	runningProjects map[string]runningEntry
	wg              sync.WaitGroup
}

// New builds a Dispatcher with the §6 defaults applied for any zero field.
// A nil metrics collector gets a fresh one so callers (and existing
// tests) can omit it freely.
func New(gw store.Gateway, exec TaskRunner, log *observability.Logger, maxConcurrent int, pollInterval, taskStagger time.Duration, metrics *observability.MetricsCollector) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if taskStagger <= 0 {
		taskStagger = 2 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	return &Dispatcher{
		Gateway:           gw,
		Executor:          exec,
		Logger:            log,
		Metrics:           metrics,
		MaxConcurrentRuns: maxConcurrent,
		PollInterval:      pollInterval,
		TaskStagger:       taskStagger,
		runningProjects:   make(map[string]runningEntry),
	}
}

// Run executes the scheduling loop (§4.E) until ctx is cancelled. On
// cancellation the loop stops polling for new work but does not cancel
// in-flight workers; Run returns once every worker launched so far has
// completed, bounded by the run timeout (§5's shutdown policy).
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.logRunningProjects()

		tasks, err := d.Gateway.ListPendingTasks(ctx)
		if err != nil {
			d.Logger.Warn("list pending tasks failed, will retry next poll", "error", err.Error())
		} else {
			d.dispatchAvailable(ctx, tasks)
		}

		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// dispatchAvailable walks the FIFO-ordered pending list once, scheduling
// every task whose project is free and a global slot is open, skipping
// (not blocking on) the rest — they are reconsidered on the next poll.
func (d *Dispatcher) dispatchAvailable(ctx context.Context, tasks []store.Task) {
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if !d.tryAcquire(task.ProjectID) {
			d.Metrics.Record(observability.MetricDispatchSkip, 1, observability.Labels{"project_id": task.ProjectID})
			continue
		}

		d.wg.Add(1)
		go d.runWorker(ctx, task)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.TaskStagger):
		}
	}
}

// tryAcquire registers projectID as running iff it is not already running
// and the global cap has room. The mutex is held only across this check
// and registration — never across the subprocess wait.
func (d *Dispatcher) tryAcquire(projectID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.runningProjects[projectID]; busy {
		return false
	}
	if len(d.runningProjects) >= d.MaxConcurrentRuns {
		return false
	}
	d.runningProjects[projectID] = runningEntry{startedAt: time.Now()}
	return true
}

func (d *Dispatcher) release(projectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runningProjects, projectID)
}

func (d *Dispatcher) runWorker(ctx context.Context, task store.Task) {
	defer d.wg.Done()
	defer d.release(task.ProjectID)

	d.Logger.RunEvent("dispatched", "", task.ID, "project_id", task.ProjectID)
	// Detached from shutdown cancellation so an in-flight worker can still
	// persist its run and task outcome after the loop stops polling.
	d.Executor.Execute(context.WithoutCancel(ctx), task)
}

func (d *Dispatcher) logRunningProjects() {
	d.mu.Lock()
	projects := make([]string, 0, len(d.runningProjects))
	for p := range d.runningProjects {
		projects = append(projects, p)
	}
	d.mu.Unlock()

	if len(projects) > 0 {
		d.Logger.Info("projects currently running", "projects", projects, "count", len(projects))
	}
}

// RunningCount reports the number of projects currently occupying a
// concurrency slot. Exposed for tests and health introspection.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningProjects)
}
