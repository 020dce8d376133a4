package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/aristath/taskchain/internal/adapter"
)

// fakeAdapter is scripted per attempt: execResults[i] is the Execute error of
// attempt i+1, and attempts past the end succeed.
type fakeAdapter struct {
	mu          sync.Mutex
	execResults []error
	startErr    error
	stopErr     error
	output      string
	variables   map[string]string
	block       bool          // Execute waits for ctx to finish
	panicMsg    string        // Execute panics with this message
	executing   chan struct{} // Receives once per Execute call, if set
	hook        func()        // Runs inside Execute before the scripted result
	calls       []string
	params      []adapter.Params
	attempts    int
}

func (f *fakeAdapter) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAdapter) Start(ctx context.Context, cfg adapter.Config) (adapter.Handle, error) {
	f.record("start")
	if f.startErr != nil {
		return adapter.Handle{}, f.startErr
	}
	return adapter.Handle{Session: "fake", Config: cfg}, nil
}

func (f *fakeAdapter) Execute(ctx context.Context, h adapter.Handle, params adapter.Params) (adapter.Outcome, error) {
	f.record("execute")
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.params = append(f.params, params)
	f.mu.Unlock()

	if f.executing != nil {
		f.executing <- struct{}{}
	}
	if f.hook != nil {
		f.hook()
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block {
		<-ctx.Done()
		return adapter.Outcome{}, ctx.Err()
	}
	if attempt <= len(f.execResults) && f.execResults[attempt-1] != nil {
		return adapter.Outcome{Output: "failed attempt", ExitCode: 1}, f.execResults[attempt-1]
	}
	return adapter.Outcome{Output: f.output, Variables: f.variables}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context, h adapter.Handle) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) Params() []adapter.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.Params(nil), f.params...)
}

func (f *fakeAdapter) Executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

var errBoom = errors.New("boom")

func fails(n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = errBoom
	}
	return out
}
