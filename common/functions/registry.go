// Package functions hosts the function registry the orchestrator resolves
// node func_ids against, plus the built-in functions.
package functions

import (
	"context"
	"fmt"
	"sync"

	"github.com/lyzr/dataflow/common/sdk"
)

// Function is a unit of node work. It receives the node's runtime and
// returns the output to route on success; a returned error fails the node.
type Function interface {
	ID() string
	Execute(ctx context.Context, rt *sdk.Runtime) (any, error)
}

// FunctionFunc adapts a plain function to the Function interface
type FunctionFunc struct {
	FuncID string
	Fn     func(ctx context.Context, rt *sdk.Runtime) (any, error)
}

func (f FunctionFunc) ID() string {
	return f.FuncID
}

func (f FunctionFunc) Execute(ctx context.Context, rt *sdk.Runtime) (any, error) {
	return f.Fn(ctx, rt)
}

// Registry maps func_ids to functions
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewRegistry creates a registry with the built-in functions registered
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Function)}
	r.Register(NewTestFunction())
	r.Register(NewHTTPFunction())
	return r
}

// Register adds or replaces a function
func (r *Registry) Register(fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[fn.ID()] = fn
}

// Get resolves a func_id
func (r *Registry) Get(funcID string) (Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, exists := r.funcs[funcID]
	if !exists {
		return nil, fmt.Errorf("function not found: %s", funcID)
	}
	return fn, nil
}
