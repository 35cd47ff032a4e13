package parser

import (
	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/expression"
	"github.com/get2knowio/maverick-sub001/internal/registry"
)

// SemanticValidator performs the pre-execution static checks that require
// the component registry: reference existence, subworkflow cycle detection,
// and expression syntax across every template in the document.
type SemanticValidator struct {
	registry *registry.Registry
}

// NewSemanticValidator creates a semantic validator over a registry.
func NewSemanticValidator(reg *registry.Registry) *SemanticValidator {
	return &SemanticValidator{registry: reg}
}

// Validate traverses the workflow tree once and collects every semantic
// error. A workflow that passes cannot fail at runtime from an unknown
// reference, a malformed expression or subworkflow recursion.
func (sv *SemanticValidator) Validate(w *ast.Workflow) *ast.ValidationResult {
	result := &ast.ValidationResult{Valid: true}

	sv.validateSteps(w.Steps, result)

	visiting := map[string]bool{w.Name: true}
	sv.checkCycles(w, visiting, result)

	return result
}

func (sv *SemanticValidator) validateSteps(steps []*ast.Step, result *ast.ValidationResult) {
	_ = ast.WalkSteps(steps, func(s *ast.Step) error {
		sv.validateReferences(s, result)
		sv.validateExpressions(s, result)
		return nil
	})
}

func (sv *SemanticValidator) validateReferences(s *ast.Step, result *ast.ValidationResult) {
	switch s.Type {
	case ast.StepAction:
		if _, ok := sv.registry.GetAction(s.Action); !ok {
			result.AddError(s.Name, "action %q is not registered", s.Action)
		}
	case ast.StepAgent:
		if _, ok := sv.registry.GetAgent(s.Agent); !ok {
			result.AddError(s.Name, "agent %q is not registered", s.Agent)
		}
		sv.validateContextSpec(s, result)
	case ast.StepGenerate:
		if _, ok := sv.registry.GetGenerator(s.Generator); !ok {
			result.AddError(s.Name, "generator %q is not registered", s.Generator)
		}
		sv.validateContextSpec(s, result)
	case ast.StepSubworkflow:
		if s.Workflow != "" {
			if _, ok := sv.registry.GetSubworkflow(s.Workflow); !ok {
				result.AddError(s.Name, "subworkflow %q is not registered", s.Workflow)
			}
		}
	}
}

func (sv *SemanticValidator) validateContextSpec(s *ast.Step, result *ast.ValidationResult) {
	if s.Context == nil || s.Context.Builder == "" {
		return
	}
	if _, ok := sv.registry.GetContextBuilder(s.Context.Builder); !ok {
		result.AddError(s.Name, "context builder %q is not registered", s.Context.Builder)
	}
}

// validateExpressions parses every template expression the step carries so
// that syntax errors surface before any step runs.
func (sv *SemanticValidator) validateExpressions(s *ast.Step, result *ast.ValidationResult) {
	check := func(field string, val interface{}) {
		if err := expression.ValidateTemplates(val); err != nil {
			result.AddError(s.Name+"."+field, "%v", err)
		}
	}

	// Conditions validate through the condition path: the bare form without
	// delimiters is an expression at runtime and must parse as one here.
	if s.When != "" {
		if err := expression.ValidateCondition(s.When); err != nil {
			result.AddError(s.Name+".when", "%v", err)
		}
	}
	if s.With != nil {
		check("with", map[string]interface{}(s.With))
	}
	if s.Context != nil && s.Context.Static != nil {
		check("context", s.Context.Static)
	}
	if s.ForEach != "" {
		check("for_each", s.ForEach)
	}
	if s.Inputs != nil {
		check("inputs", map[string]interface{}(s.Inputs))
	}
	for i, opt := range s.Branches {
		if opt.When != "" {
			if err := expression.ValidateCondition(opt.When); err != nil {
				result.AddError(s.Name, "branch option %d: %v", i, err)
			}
		}
	}
}

// checkCycles walks the subworkflow reference graph depth-first with an
// in-progress set. Inline definitions are traversed in place.
func (sv *SemanticValidator) checkCycles(w *ast.Workflow, visiting map[string]bool, result *ast.ValidationResult) {
	_ = ast.WalkSteps(w.Steps, func(s *ast.Step) error {
		if s.Type != ast.StepSubworkflow || s.Workflow == "" {
			return nil
		}
		if visiting[s.Workflow] {
			result.AddError(s.Name, "subworkflow cycle detected through %q", s.Workflow)
			return nil
		}
		target, ok := sv.registry.GetSubworkflow(s.Workflow)
		if !ok {
			return nil // unknown reference reported elsewhere
		}
		visiting[s.Workflow] = true
		sv.checkCycles(target, visiting, result)
		delete(visiting, s.Workflow)
		return nil
	})
}
