package expression

import (
	"fmt"
	"sort"
	"strings"

	"github.com/get2knowio/maverick-sub001/internal/execcontext"
)

// ReferenceNotFoundError reports a missing input reference at evaluation time.
// Missing step references do not produce this error; they resolve to nil.
type ReferenceNotFoundError struct {
	Ref string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("reference not found: %s", e.Ref)
}

// Evaluator evaluates parsed expressions against an execution context.
type Evaluator struct{}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate parses and evaluates a single expression string.
func (ev *Evaluator) Evaluate(src string, ec *execcontext.ExecutionContext) (interface{}, error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return ev.Eval(expr, ec)
}

// Eval evaluates a parsed expression.
func (ev *Evaluator) Eval(expr Expr, ec *execcontext.ExecutionContext) (interface{}, error) {
	switch e := expr.(type) {
	case *Literal:
		return e.Value, nil

	case *Reference:
		val, err := ev.resolveReference(e, ec)
		if err != nil {
			return nil, err
		}
		if e.Negated {
			return !Truthy(val), nil
		}
		return val, nil

	case *BoolOp:
		// Short-circuiting with operand-value semantics: `and` yields the
		// first falsy operand or the last, `or` the first truthy or the last.
		var val interface{}
		for i, op := range e.Operands {
			v, err := ev.Eval(op, ec)
			if err != nil {
				return nil, err
			}
			val = v
			if i == len(e.Operands)-1 {
				break
			}
			if e.Op == "and" && !Truthy(v) {
				return v, nil
			}
			if e.Op == "or" && Truthy(v) {
				return v, nil
			}
		}
		return val, nil

	case *Compare:
		left, err := ev.Eval(e.Left, ec)
		if err != nil {
			return nil, err
		}
		right, err := ev.Eval(e.Right, ec)
		if err != nil {
			return nil, err
		}
		eq := valuesEqual(left, right)
		if e.Op == "!=" {
			return !eq, nil
		}
		return eq, nil

	case *Ternary:
		cond, err := ev.Eval(e.Cond, ec)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return ev.Eval(e.Then, ec)
		}
		return ev.Eval(e.Else, ec)

	default:
		return nil, fmt.Errorf("unknown expression node %T", expr)
	}
}

func (ev *Evaluator) resolveReference(ref *Reference, ec *execcontext.ExecutionContext) (interface{}, error) {
	switch ref.Kind {
	case RefInput:
		name := ref.Path[0].Key
		val, ok := ec.Inputs[name]
		if !ok {
			return nil, &ReferenceNotFoundError{Ref: ref.String()}
		}
		return descend(val, ref.Path[1:], ref.String(), true)

	case RefStep:
		// Missing steps resolve to nil so that context builders and argument
		// expressions can feature-detect prior outputs.
		output, ok := ec.GetStepOutput(ref.Step)
		if !ok {
			return nil, nil
		}
		return descend(output, ref.Path, ref.String(), false)

	case RefItem:
		if !ec.Iteration.Active {
			return nil, fmt.Errorf("item reference outside a loop iteration")
		}
		return descend(ec.Iteration.Item, ref.Path, ref.String(), true)

	case RefIndex:
		if !ec.Iteration.Active {
			return nil, fmt.Errorf("index reference outside a loop iteration")
		}
		return ec.Iteration.Index, nil

	default:
		return nil, fmt.Errorf("unknown reference kind %q", ref.Kind)
	}
}

// descend walks a value tree along the accessor path. When strict is false a
// missing key yields nil instead of an error.
func descend(val interface{}, path []Accessor, ref string, strict bool) (interface{}, error) {
	for _, acc := range path {
		if val == nil {
			if strict {
				return nil, &ReferenceNotFoundError{Ref: ref}
			}
			return nil, nil
		}
		if acc.IsIndex {
			seq, ok := toSlice(val)
			if !ok {
				return nil, fmt.Errorf("%s: cannot index a %T", ref, val)
			}
			idx := acc.Index
			if idx < 0 {
				idx += len(seq)
			}
			if idx < 0 || idx >= len(seq) {
				if strict {
					return nil, &ReferenceNotFoundError{Ref: ref}
				}
				return nil, nil
			}
			val = seq[idx]
			continue
		}

		m, ok := toMap(val)
		if !ok {
			return nil, fmt.Errorf("%s: cannot access field %q of a %T", ref, acc.Key, val)
		}
		next, ok := m[acc.Key]
		if !ok {
			if strict {
				return nil, &ReferenceNotFoundError{Ref: ref}
			}
			return nil, nil
		}
		val = next
	}
	return val, nil
}

func toSlice(val interface{}) ([]interface{}, bool) {
	s, ok := val.([]interface{})
	return s, ok
}

func toMap(val interface{}) (map[string]interface{}, bool) {
	switch m := val.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = v
		}
		return out, true
	}
	return nil, false
}

// Truthy reports the truthiness of a value: nil, false, zero numbers, empty
// strings and empty collections are false.
func Truthy(val interface{}) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []interface{}:
		return len(v) > 0
	case map[string]interface{}:
		return len(v) > 0
	case execcontext.SkipMarker:
		return false
	default:
		return true
	}
}

// valuesEqual compares two values, coercing numeric types so YAML integers
// and floats compare by magnitude.
func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			ov, present := bv[k]
			if !present || !valuesEqual(v, ov) {
				return false
			}
		}
		return true
	default:
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
}

func toFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}

// ValueToString renders a value with the canonical stringification used for
// template interpolation: booleans as True/False, nil as None, numbers in
// decimal form, sequences and maps as literal forms.
func ValueToString(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return "None"
	case string:
		return v
	case bool:
		if v {
			return "True"
		}
		return "False"
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%g", v)
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = valueToLiteral(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(v))
		for _, k := range keys {
			parts = append(parts, "'"+k+"': "+valueToLiteral(v[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case execcontext.SkipMarker:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// valueToLiteral is ValueToString except strings are quoted, for rendering
// inside container literals.
func valueToLiteral(val interface{}) string {
	if s, ok := val.(string); ok {
		return "'" + s + "'"
	}
	return ValueToString(val)
}
