package ast

import "regexp"

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name is an identifier-like string as
// required for workflow, input and step names.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// WalkSteps applies fn to every step reachable from steps, in document order,
// descending into branch options, on_failure hooks, loop bodies and inline
// subworkflow definitions. Walking stops at the first error.
func WalkSteps(steps []*Step, fn func(*Step) error) error {
	for _, s := range steps {
		if err := walkStep(s, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkStep(s *Step, fn func(*Step) error) error {
	if s == nil {
		return nil
	}
	if err := fn(s); err != nil {
		return err
	}
	for _, opt := range s.Branches {
		if err := walkStep(opt.Step, fn); err != nil {
			return err
		}
	}
	if err := walkStep(s.Default, fn); err != nil {
		return err
	}
	if err := walkStep(s.OnFailure, fn); err != nil {
		return err
	}
	if err := WalkSteps(s.Steps, fn); err != nil {
		return err
	}
	if s.Definition != nil {
		if err := WalkSteps(s.Definition.Steps, fn); err != nil {
			return err
		}
	}
	return nil
}
