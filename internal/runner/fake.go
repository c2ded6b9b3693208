package runner

import (
	"context"
	"sync"
)

// FakeRunner is an in-memory Runner for tests. Each call to Run consumes
// the next queued Result (or Err), in order. If the queue is exhausted it
// returns Default.
type FakeRunner struct {
	mu      sync.Mutex
	results []Result
	errs    []error
	calls   []RunOptions

	// Default is returned once the queue is drained.
	Default Result
}

// NewFakeRunner builds a FakeRunner with no queued results.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// Enqueue appends a (Result, error) pair to be returned by successive Run
// calls.
func (f *FakeRunner) Enqueue(res Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	f.errs = append(f.errs, err)
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, opts RunOptions) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)

	if len(f.results) == 0 {
		return f.Default, nil
	}
	res, err := f.results[0], f.errs[0]
	f.results = f.results[1:]
	f.errs = f.errs[1:]
	return res, err
}

// Calls returns every RunOptions passed to Run so far, in order.
func (f *FakeRunner) Calls() []RunOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RunOptions, len(f.calls))
	copy(out, f.calls)
	return out
}
