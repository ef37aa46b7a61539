// Package tools holds the server-side tool registry. Tools are invisible
// to clients: the model sees their schemas via session.update, the
// orchestrator executes them, and only results (or nothing) flow onward.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/voicerag/gateway/pkg/gateway/relay/protocol"
)

// Direction says where a tool result is routed.
type Direction int

const (
	// ToServer threads the result back into the upstream conversation
	// as a function_call_output item.
	ToServer Direction = iota
	// ToClient routes the result straight to the client as an
	// extension frame; the upstream model receives an empty output.
	ToClient
)

// Result is the outcome of one tool execution.
type Result struct {
	Text      string
	Direction Direction
}

// Executor is one named server-side tool.
type Executor interface {
	Name() string
	Schema() protocol.ToolSchema
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Registry maps tool names to executors.
type Registry struct {
	byName map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		r.byName[ex.Name()] = ex
	}
	return r
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns every tool definition in name order, ready for
// session.update.
func (r *Registry) Schemas() []protocol.ToolSchema {
	if r == nil {
		return nil
	}
	schemas := make([]protocol.ToolSchema, 0, len(r.byName))
	for _, name := range r.Names() {
		schemas = append(schemas, r.byName[name].Schema())
	}
	return schemas
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("tool registry is not configured")
	}
	ex, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return Result{}, fmt.Errorf("unknown tool %q", name)
	}
	return ex.Execute(ctx, args)
}
