// Package events defines the typed lifecycle event stream emitted by the
// workflow engine. Consumers (the CLI progress tracker, the HTTP server's
// websocket fan-out, test collectors) observe workflow execution exclusively
// through these events.
//
// Every event carries a hierarchical step path: a `/`-joined identifier that
// attributes the event to its position in the step tree. At the top level the
// path is the step name; inside a loop of name L the path of iteration i's
// children is prefixed with `L/[i]`; inside a subworkflow step S the nested
// workflow's paths are prefixed with `S`. Under parallel loop execution events
// may arrive out of order; IterationIndex is the canonical ordering key.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Type discriminates workflow execution events.
type Type string

const (
	// WorkflowStarted is emitted once per run, after preflight succeeds.
	WorkflowStarted Type = "workflow_started"

	// WorkflowCompleted is emitted once per run, success or failure.
	WorkflowCompleted Type = "workflow_completed"

	// StepStarted is emitted when a step begins executing. Steps whose
	// `when` guard evaluates falsy never emit StepStarted.
	StepStarted Type = "step_started"

	// StepCompleted is emitted when a step finishes, paired one-to-one
	// with StepStarted on the same step path.
	StepCompleted Type = "step_completed"

	// ValidationStarted and ValidationCompleted bracket semantic validation.
	ValidationStarted   Type = "validation_started"
	ValidationCompleted Type = "validation_completed"

	// PreflightStarted and PreflightCompleted bracket input binding.
	PreflightStarted   Type = "preflight_started"
	PreflightCompleted Type = "preflight_completed"

	// LoopIterationStarted and LoopIterationCompleted bracket a single loop
	// iteration. They carry the iteration index, total count and item label.
	LoopIterationStarted   Type = "loop_iteration_started"
	LoopIterationCompleted Type = "loop_iteration_completed"
)

// Event is a single lifecycle event. Fields beyond Type, Timestamp and
// StepPath are populated per discriminator.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// WorkflowName is set on workflow-level events.
	WorkflowName string `json:"workflow_name,omitempty"`
	// StepName is the bare name of the step, without path prefixes.
	StepName string `json:"step_name,omitempty"`
	// StepType is the step's variant tag (python, agent, loop, ...).
	StepType string `json:"step_type,omitempty"`
	// StepPath is the hierarchical `/`-joined identifier for this event.
	StepPath string `json:"step_path,omitempty"`

	Success    bool   `json:"success,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`

	// TotalSteps is set on WorkflowStarted.
	TotalSteps int `json:"total_steps,omitempty"`

	// Loop iteration fields.
	IterationIndex  int    `json:"iteration_index,omitempty"`
	TotalIterations int    `json:"total_iterations,omitempty"`
	ItemLabel       string `json:"item_label,omitempty"`
	ParentStepName  string `json:"parent_step_name,omitempty"`
}

// Callback receives events as they are emitted. A nil Callback is valid
// everywhere in the engine and means "headless": events are accumulated
// locally where the contract requires it and otherwise discarded.
type Callback func(Event)

// Emit invokes the callback if it is non-nil.
func (cb Callback) Emit(ev Event) {
	if cb != nil {
		cb(ev)
	}
}

// Prefixed returns a callback that prepends prefix to the step path of every
// event before forwarding it. Events without a step path (workflow-level
// events from subworkflows) receive the prefix as their path so that a
// consumer can still attribute them.
func Prefixed(cb Callback, prefix string) Callback {
	if cb == nil {
		return nil
	}
	return func(ev Event) {
		if ev.StepPath == "" {
			ev.StepPath = prefix
		} else {
			ev.StepPath = prefix + "/" + ev.StepPath
		}
		cb(ev)
	}
}

// IterationPrefix formats the path segment for a loop iteration.
func IterationPrefix(loopName string, index int) string {
	return fmt.Sprintf("%s/[%d]", loopName, index)
}

// Collector is a thread-safe in-memory event sink. The engine uses one as the
// built-in accumulator when no external callback is supplied; tests use it to
// assert on emitted event sequences.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Callback returns a Callback that appends into the collector.
func (c *Collector) Callback() Callback {
	return func(ev Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
	}
}

// Events returns a copy of the collected events in arrival order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Listener consumes a stream of events from a channel. Implementations
// monitor workflow executions in real time; the CLI progress tracker is the
// canonical implementation.
type Listener interface {
	// StartListening drains the channel until it is closed.
	StartListening(ch <-chan Event)

	// StopListening signals that event consumption should end.
	StopListening()
}

// NoopListener is a Listener that discards all events. It is the safe default
// when progress tracking is not required.
type NoopListener struct{}

// StartListening drains the channel without acting on the events.
func (n *NoopListener) StartListening(ch <-chan Event) {
	for range ch {
	}
}

// StopListening implements Listener.
func (n *NoopListener) StopListening() {}
