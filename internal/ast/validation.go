package ast

import (
	"fmt"
	"strings"
)

// ValidationError describes a single structural problem in a workflow.
type ValidationError struct {
	Path     string   `json:"path"`
	Message  string   `json:"message"`
	Position Position `json:"position,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationResult aggregates all structural errors found in a workflow.
type ValidationResult struct {
	Valid  bool               `json:"valid"`
	Errors []*ValidationError `json:"errors,omitempty"`
}

// AddError records an error and marks the result invalid.
func (r *ValidationResult) AddError(path, format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, &ValidationError{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

// HasErrors reports whether any error was recorded.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error formats all recorded errors as a single message.
func (r *ValidationResult) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validator performs structural validation on parsed workflows: required
// fields, identifier syntax, name uniqueness, and per-variant consistency.
// Cross-referential checks (registry lookups, expression syntax, subworkflow
// cycles) belong to the semantic validator in the parser package.
type Validator struct{}

// NewValidator creates a structural validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateWorkflow checks the structural invariants of a workflow document.
func (v *Validator) ValidateWorkflow(w *Workflow) *ValidationResult {
	result := &ValidationResult{Valid: true}
	v.validateWorkflow(w, "", result)
	return result
}

func (v *Validator) validateWorkflow(w *Workflow, path string, result *ValidationResult) {
	if w.Version == "" {
		result.AddError(join(path, "version"), "version is required")
	}
	if w.Name == "" {
		result.AddError(join(path, "name"), "name is required")
	} else if !ValidIdentifier(w.Name) {
		result.AddError(join(path, "name"), "name %q is not identifier-like", w.Name)
	}
	if len(w.Steps) == 0 {
		result.AddError(join(path, "steps"), "at least one step is required")
	}

	for _, in := range w.Inputs {
		if !ValidIdentifier(in.Name) {
			result.AddError(join(path, "inputs."+in.Name), "input name is not identifier-like")
		}
		if !ValidInputType(in.Type) {
			result.AddError(join(path, "inputs."+in.Name), "unknown input type %q", in.Type)
		}
		if in.Required && in.Default != nil {
			result.AddError(join(path, "inputs."+in.Name), "required input may not declare a default")
		}
	}

	v.validateStepSequence(w.Steps, path, result)
}

// validateStepSequence checks name uniqueness within one sequence and
// recursively validates every step.
func (v *Validator) validateStepSequence(steps []*Step, path string, result *ValidationResult) {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			result.AddError(path, "step at line %d: name is required", s.Position.Line)
			continue
		}
		if seen[s.Name] {
			result.AddError(join(path, s.Name), "duplicate step name in sequence")
		}
		seen[s.Name] = true
		v.validateStep(s, join(path, s.Name), result)
	}
}

func (v *Validator) validateStep(s *Step, path string, result *ValidationResult) {
	if !ValidIdentifier(s.Name) {
		result.AddError(path, "step name %q is not identifier-like", s.Name)
	}

	switch s.Type {
	case StepAction:
		if s.Action == "" {
			result.AddError(path, "action step requires an action key")
		}
	case StepAgent:
		if s.Agent == "" {
			result.AddError(path, "agent step requires an agent key")
		}
	case StepGenerate:
		if s.Generator == "" {
			result.AddError(path, "generate step requires a generator key")
		}
	case StepValidate:
		if s.Retry < 0 {
			result.AddError(path, "retry must be >= 0, got %d", s.Retry)
		}
		if s.Stages != nil && s.Stages.Key != "" && len(s.Stages.List) > 0 {
			result.AddError(path, "stages may be a key or a list, not both")
		}
		if s.OnFailure != nil {
			v.validateStep(s.OnFailure, join(path, s.OnFailure.Name), result)
		}
	case StepBranch:
		if len(s.Branches) == 0 && s.Default == nil {
			result.AddError(path, "branch step requires at least one option")
		}
		optNames := make(map[string]bool)
		for i, opt := range s.Branches {
			if opt.When == "" {
				result.AddError(path, "branch option %d requires a condition", i)
			}
			if opt.Step == nil {
				result.AddError(path, "branch option %d requires a step", i)
				continue
			}
			if optNames[opt.Step.Name] {
				result.AddError(join(path, opt.Step.Name), "duplicate step name in branch")
			}
			optNames[opt.Step.Name] = true
			v.validateStep(opt.Step, join(path, opt.Step.Name), result)
		}
		if s.Default != nil {
			v.validateStep(s.Default, join(path, s.Default.Name), result)
		}
	case StepLoop:
		if len(s.Steps) == 0 {
			result.AddError(path, "loop step requires at least one nested step")
		}
		v.validateConcurrency(s, path, result)
		v.validateStepSequence(s.Steps, path, result)
	case StepSubworkflow:
		if s.Workflow == "" && s.Definition == nil {
			result.AddError(path, "subworkflow step requires a workflow name or an inline definition")
		}
		if s.Workflow != "" && s.Definition != nil {
			result.AddError(path, "subworkflow step may not have both a workflow name and an inline definition")
		}
		if s.Definition != nil {
			v.validateWorkflow(s.Definition, path, result)
		}
	default:
		result.AddError(path, "unknown step type %q", s.Type)
	}
}

// validateConcurrency rejects negative and internally conflicting loop
// concurrency specifiers. An explicit parallel flag is conflicting when
// max_concurrency is also explicit and implies the opposite mode.
func (v *Validator) validateConcurrency(s *Step, path string, result *ValidationResult) {
	if s.MaxConcurrency != nil && *s.MaxConcurrency < 0 {
		result.AddError(path, "max_concurrency must be >= 0, got %d", *s.MaxConcurrency)
	}
	if s.Parallel == nil || s.MaxConcurrency == nil {
		return
	}
	if !*s.Parallel && *s.MaxConcurrency > 1 {
		result.AddError(path, "parallel: false conflicts with max_concurrency: %d", *s.MaxConcurrency)
	}
	if *s.Parallel && *s.MaxConcurrency == 1 {
		result.AddError(path, "parallel: true conflicts with max_concurrency: 1")
	}
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "." + elem
}
