// Package registry is the component registry: name-indexed tables of actions,
// agents, generators, context builders and subworkflows that workflow
// documents reference by string key.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/get2knowio/maverick-sub001/internal/ast"
)

// Action is a registered native callable invoked with resolved keyword
// arguments. The returned value becomes the step's output verbatim; a
// returned error fails the step.
type Action func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error)

// Agent wraps an external worker (typically an LLM-backed system). The engine
// invokes it with the resolved context map.
type Agent interface {
	Execute(ctx context.Context, contextMap map[string]interface{}) (interface{}, error)
}

// Generator produces text from a resolved context map.
type Generator interface {
	Generate(ctx context.Context, contextMap map[string]interface{}) (string, error)
}

// ContextBuilder assembles an agent or generator context from the resolved
// inputs and the outputs of completed steps.
type ContextBuilder func(inputs map[string]interface{}, stepOutputs map[string]interface{}) (map[string]interface{}, error)

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, contextMap map[string]interface{}) (interface{}, error)

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, contextMap map[string]interface{}) (interface{}, error) {
	return f(ctx, contextMap)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, contextMap map[string]interface{}) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, contextMap map[string]interface{}) (string, error) {
	return f(ctx, contextMap)
}

// Registry holds the five sub-registries. Registration is expected during
// setup; lookups happen during validation and execution, so access is
// synchronized.
type Registry struct {
	mu              sync.RWMutex
	actions         map[string]Action
	agents          map[string]Agent
	generators      map[string]Generator
	contextBuilders map[string]ContextBuilder
	subworkflows    map[string]*ast.Workflow
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		actions:         make(map[string]Action),
		agents:          make(map[string]Agent),
		generators:      make(map[string]Generator),
		contextBuilders: make(map[string]ContextBuilder),
		subworkflows:    make(map[string]*ast.Workflow),
	}
}

// RegisterAction adds an action under a unique name.
func (r *Registry) RegisterAction(name string, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q is already registered", name)
	}
	r.actions[name] = action
	return nil
}

// RegisterAgent adds an agent under a unique name.
func (r *Registry) RegisterAgent(name string, agent Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q is already registered", name)
	}
	r.agents[name] = agent
	return nil
}

// RegisterGenerator adds a generator under a unique name.
func (r *Registry) RegisterGenerator(name string, gen Generator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.generators[name]; exists {
		return fmt.Errorf("generator %q is already registered", name)
	}
	r.generators[name] = gen
	return nil
}

// RegisterContextBuilder adds a context builder under a unique name.
func (r *Registry) RegisterContextBuilder(name string, builder ContextBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contextBuilders[name]; exists {
		return fmt.Errorf("context builder %q is already registered", name)
	}
	r.contextBuilders[name] = builder
	return nil
}

// RegisterSubworkflow adds a named workflow document.
func (r *Registry) RegisterSubworkflow(name string, wf *ast.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subworkflows[name]; exists {
		return fmt.Errorf("subworkflow %q is already registered", name)
	}
	r.subworkflows[name] = wf
	return nil
}

// GetAction looks up an action.
func (r *Registry) GetAction(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// GetAgent looks up an agent.
func (r *Registry) GetAgent(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// GetGenerator looks up a generator.
func (r *Registry) GetGenerator(name string) (Generator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[name]
	return g, ok
}

// GetContextBuilder looks up a context builder.
func (r *Registry) GetContextBuilder(name string) (ContextBuilder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.contextBuilders[name]
	return b, ok
}

// GetSubworkflow looks up a named workflow document.
func (r *Registry) GetSubworkflow(name string) (*ast.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.subworkflows[name]
	return wf, ok
}

// Subworkflows returns the registered subworkflow names, sorted.
func (r *Registry) Subworkflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.subworkflows))
	for name := range r.subworkflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
