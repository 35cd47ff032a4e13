package expression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/get2knowio/maverick-sub001/internal/execcontext"
)

// templatePattern matches `${{ … }}` occurrences. A leading extra `$` escapes
// the template: `$${{ x }}` renders as the literal `${{ x }}`.
var templatePattern = regexp.MustCompile(`(\$)?\$\{\{\s*(.*?)\s*\}\}`)

// Resolver substitutes template expressions in strings and value trees.
type Resolver struct {
	evaluator *Evaluator
}

// NewResolver creates a template resolver.
func NewResolver() *Resolver {
	return &Resolver{evaluator: NewEvaluator()}
}

// Render resolves every template occurrence in a string. A string that is a
// single whole template returns the evaluated value with its native type; a
// mixed string interpolates each expression's canonical string form; a string
// without templates returns unchanged.
func (r *Resolver) Render(template string, ec *execcontext.ExecutionContext) (interface{}, error) {
	matches := templatePattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return template, nil
	}

	result := template
	for _, match := range matches {
		fullMatch := match[0]
		escaped := match[1] != ""
		if escaped {
			result = strings.Replace(result, fullMatch, strings.TrimPrefix(fullMatch, "$"), 1)
			continue
		}

		value, err := r.evaluator.Evaluate(match[2], ec)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate expression %s: %w", fullMatch, err)
		}

		// A whole-template string keeps the evaluated value's native type.
		if len(matches) == 1 && strings.TrimSpace(template) == fullMatch {
			return value, nil
		}

		result = strings.Replace(result, fullMatch, ValueToString(value), 1)
	}
	return result, nil
}

// ResolveValue walks an arbitrary value tree and substitutes templates in
// every string it contains. Maps and slices are copied; other values pass
// through untouched.
func (r *Resolver) ResolveValue(val interface{}, ec *execcontext.ExecutionContext) (interface{}, error) {
	switch v := val.(type) {
	case string:
		return r.Render(v, ec)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := r.ResolveValue(item, ec)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := r.ResolveValue(item, ec)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

// ResolveMap resolves a keyword-argument map, the shape of action `with`
// blocks and static context specifications.
func (r *Resolver) ResolveMap(args map[string]interface{}, ec *execcontext.ExecutionContext) (map[string]interface{}, error) {
	if args == nil {
		return map[string]interface{}{}, nil
	}
	resolved, err := r.ResolveValue(args, ec)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}

// ExtractExpressions returns the raw expression contents of every unescaped
// template occurrence in a string.
func ExtractExpressions(template string) []string {
	matches := templatePattern.FindAllStringSubmatch(template, -1)
	var out []string
	for _, match := range matches {
		if match[1] != "" {
			continue
		}
		out = append(out, match[2])
	}
	return out
}

// ValidateTemplates parses every template expression found in a value tree,
// returning the first syntax error. Used by the semantic validator to surface
// expression errors before any step runs.
func ValidateTemplates(val interface{}) error {
	switch v := val.(type) {
	case string:
		for _, src := range ExtractExpressions(v) {
			if _, err := Parse(src); err != nil {
				return err
			}
		}
		return nil
	case map[string]interface{}:
		for _, item := range v {
			if err := ValidateTemplates(item); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for _, item := range v {
			if err := ValidateTemplates(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// ValidateCondition parses a `when` guard for syntax. A bare guard without
// template delimiters is parsed as a single expression, matching how
// EvaluateCondition treats it at runtime.
func ValidateCondition(cond string) error {
	src := strings.TrimSpace(cond)
	if src == "" {
		return nil
	}
	if !strings.Contains(src, "${{") {
		_, err := Parse(src)
		return err
	}
	return ValidateTemplates(cond)
}

// EvaluateCondition renders a `when` guard and reports its truthiness. An
// empty guard is true.
func (r *Resolver) EvaluateCondition(cond string, ec *execcontext.ExecutionContext) (bool, error) {
	if strings.TrimSpace(cond) == "" {
		return true, nil
	}
	// Bare conditions without template delimiters are treated as expressions.
	src := strings.TrimSpace(cond)
	if !strings.Contains(src, "${{") {
		val, err := r.evaluator.Evaluate(src, ec)
		if err != nil {
			return false, err
		}
		return Truthy(val), nil
	}
	val, err := r.Render(src, ec)
	if err != nil {
		return false, err
	}
	return Truthy(val), nil
}
