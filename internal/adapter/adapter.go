package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Adapter is the uniform start/execute/stop capability the chain engine drives.
// Implementations must honour ctx cancellation on every call.
type Adapter interface {
	// Start prepares the target (launches an application, checks binaries).
	Start(ctx context.Context, cfg Config) (Handle, error)

	// Execute performs the automation with the task's parameters.
	Execute(ctx context.Context, h Handle, params Params) (Outcome, error)

	// Stop releases whatever Start acquired.
	Stop(ctx context.Context, h Handle) error
}

// Factory builds an Adapter for one adapter family.
type Factory func(pm *ProcessManager) Adapter

// Binding is a resolved adapter reference.
type Binding struct {
	Ref     string
	Type    string
	Config  Config
	Adapter Adapter
}

// Error wraps an adapter failure with the operation and reference.
type Error struct {
	Op  string
	Ref string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter %q %s failed: %v", e.Ref, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UnknownAdapterError is returned by Resolve for undefined references or types.
type UnknownAdapterError struct {
	Ref  string
	Type string
}

func (e *UnknownAdapterError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("adapter %q has unknown type %q", e.Ref, e.Type)
	}
	return fmt.Sprintf("adapter %q is not defined", e.Ref)
}

// ErrUnknownAdapter is matched by errors.Is for every UnknownAdapterError.
var ErrUnknownAdapter = errors.New("unknown adapter")

func (e *UnknownAdapterError) Is(target error) bool { return target == ErrUnknownAdapter }

// Registry resolves adapter references to family implementations.
// References are resolved once, when a chain is loaded.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	refs      map[string]Config
	bound     map[string]Adapter
	procMgr   *ProcessManager
}

// NewRegistry creates a registry with the built-in adapter families.
// The ProcessManager is optional; without it subprocesses are not tracked.
func NewRegistry(pm *ProcessManager) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		refs:      make(map[string]Config),
		bound:     make(map[string]Adapter),
		procMgr:   pm,
	}
	r.Register(TypeExecutable, func(pm *ProcessManager) Adapter { return NewExecutableAdapter(pm) })
	r.Register(TypeScript, func(pm *ProcessManager) Adapter { return NewScriptAdapter(DefaultPythonInterpreter, pm) })
	r.Register(TypeHotkey, func(pm *ProcessManager) Adapter { return NewScriptAdapter(DefaultHotkeyInterpreter, pm) })
	r.Register(TypeGame, func(pm *ProcessManager) Adapter { return NewGameAdapter(pm) })
	return r
}

// Register adds or replaces an adapter family.
func (r *Registry) Register(typeTag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeTag] = f
}

// Define declares an adapter reference.
func (r *Registry) Define(ref string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ref] = cfg
}

// Bind attaches a ready-made Adapter to a reference, bypassing the family factories.
func (r *Registry) Bind(ref string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound[ref] = a
	if _, ok := r.refs[ref]; !ok {
		r.refs[ref] = Config{Type: ref}
	}
}

// Refs returns every defined reference in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.refs))
	for ref := range r.refs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Resolve turns a reference into a Binding.
func (r *Registry) Resolve(ref string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.refs[ref]
	if !ok {
		return Binding{}, &UnknownAdapterError{Ref: ref}
	}
	if a, ok := r.bound[ref]; ok {
		return Binding{Ref: ref, Type: cfg.Type, Config: cfg, Adapter: a}, nil
	}
	f, ok := r.factories[cfg.Type]
	if !ok {
		return Binding{}, &UnknownAdapterError{Ref: ref, Type: cfg.Type}
	}
	return Binding{Ref: ref, Type: cfg.Type, Config: cfg, Adapter: f(r.procMgr)}, nil
}
