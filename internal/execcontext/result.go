package execcontext

import (
	"github.com/get2knowio/maverick-sub001/internal/ast"
)

// SkipMarker is the output sentinel of a step that did not execute: its when
// guard was falsy, or no branch option matched.
type SkipMarker struct{}

// String implements fmt.Stringer.
func (SkipMarker) String() string { return "skipped" }

// IsSkipped reports whether a step output is the skip sentinel.
func IsSkipped(output interface{}) bool {
	_, ok := output.(SkipMarker)
	return ok
}

// StepResult records a single step's execution. It is immutable once the
// executor has finalized it.
type StepResult struct {
	Name       string        `json:"name"`
	Type       ast.StepType  `json:"type"`
	Success    bool          `json:"success"`
	Output     interface{}   `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Nested     []*StepResult `json:"nested,omitempty"`
}

// Skipped reports whether the step was skipped rather than executed.
func (r *StepResult) Skipped() bool {
	return r.Success && IsSkipped(r.Output)
}

// WorkflowResult is the final outcome of a run: the success flag, every step
// result in execution order, the last step's output, and the total duration.
type WorkflowResult struct {
	RunID       string        `json:"run_id"`
	Workflow    string        `json:"workflow"`
	Success     bool          `json:"success"`
	Steps       []*StepResult `json:"steps"`
	FinalOutput interface{}   `json:"final_output,omitempty"`
	Error       string        `json:"error,omitempty"`
	DurationMS  int64         `json:"duration_ms"`
}
