package ast

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Position represents a position in a source document.
type Position struct {
	Line   int    `json:"line"`
	Column int    `json:"column"`
	File   string `json:"file,omitempty"`
}

// String returns a human-readable representation of the position.
func (p Position) String() string {
	if p.File != "" {
		return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Workflow is the root of a workflow document: a named, versioned sequence of
// step records with typed input declarations.
type Workflow struct {
	Version          string   `yaml:"version" json:"version"`
	Name             string   `yaml:"name" json:"name"`
	Description      string   `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs           Inputs   `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps            []*Step  `yaml:"steps" json:"steps"`
	ValidationStages []string `yaml:"validation_stages,omitempty" json:"validation_stages,omitempty"`

	// Internal fields for tracking
	SourceFile string   `yaml:"-" json:"-"`
	Position   Position `yaml:"-" json:"-"`
}

// GetStep returns the top-level step with the given name.
func (w *Workflow) GetStep(name string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// GetInput returns the input declaration with the given name.
func (w *Workflow) GetInput(name string) (*Input, bool) {
	for _, in := range w.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return nil, false
}

// InputType enumerates the types an input declaration may carry.
type InputType string

const (
	InputString  InputType = "string"
	InputInteger InputType = "integer"
	InputBoolean InputType = "boolean"
	InputArray   InputType = "array"
	InputObject  InputType = "object"
)

// ValidInputType reports whether t is a known input type.
func ValidInputType(t InputType) bool {
	switch t {
	case InputString, InputInteger, InputBoolean, InputArray, InputObject:
		return true
	}
	return false
}

// Input declares a single workflow input parameter.
type Input struct {
	Name        string      `yaml:"-" json:"name"`
	Type        InputType   `yaml:"type" json:"type"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`

	Position Position `yaml:"-" json:"-"`
}

// Inputs is the ordered list of input declarations. Declaration order in the
// document is preserved so that serialization round-trips.
type Inputs []*Input

// UnmarshalYAML decodes the inputs mapping preserving declaration order and
// accepting the shorthand form `name: string`.
func (ins *Inputs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("inputs must be a mapping, got %s", nodeKind(value))
	}

	out := make(Inputs, 0, len(value.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		name := keyNode.Value
		if seen[name] {
			return fmt.Errorf("duplicate input %q", name)
		}
		seen[name] = true

		in := &Input{
			Name:     name,
			Position: Position{Line: keyNode.Line, Column: keyNode.Column},
		}

		// Shorthand syntax: `topic: string` declares a required input.
		if valNode.Kind == yaml.ScalarNode {
			in.Type = InputType(valNode.Value)
			in.Required = true
		} else {
			type inputAlias Input
			var tmp inputAlias
			if err := valNode.Decode(&tmp); err != nil {
				return err
			}
			tmp.Name = name
			tmp.Position = in.Position
			*in = Input(tmp)
		}

		if !ValidInputType(in.Type) {
			return fmt.Errorf("input %q: unknown type %q", name, in.Type)
		}

		out = append(out, in)
	}

	*ins = out
	return nil
}

// MarshalYAML emits the inputs as a mapping in declaration order.
func (ins Inputs) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, in := range ins {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: in.Name}

		type inputAlias Input
		valNode := &yaml.Node{}
		if err := valNode.Encode(inputAlias(*in)); err != nil {
			return nil, err
		}

		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// StepType is the tag discriminating step record variants.
type StepType string

const (
	// StepAction invokes a registered native action. The wire tag is
	// "python" for compatibility with existing documents.
	StepAction StepType = "python"

	StepAgent       StepType = "agent"
	StepGenerate    StepType = "generate"
	StepValidate    StepType = "validate"
	StepBranch      StepType = "branch"
	StepLoop        StepType = "loop"
	StepSubworkflow StepType = "subworkflow"
)

// ValidStepType reports whether t is a known step type tag.
func ValidStepType(t StepType) bool {
	switch t {
	case StepAction, StepAgent, StepGenerate, StepValidate, StepBranch, StepLoop, StepSubworkflow:
		return true
	}
	return false
}

// Step is a tagged step record. Exactly the fields belonging to its Type are
// populated; the parser rejects fields that do not belong to the variant.
// Step records are immutable after parsing.
type Step struct {
	Name string   `yaml:"name" json:"name"`
	Type StepType `yaml:"type" json:"type"`
	When string   `yaml:"when,omitempty" json:"when,omitempty"`

	// Action (type: python)
	Action string                 `yaml:"action,omitempty" json:"action,omitempty"`
	With   map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`

	// Agent / Generate
	Agent     string       `yaml:"agent,omitempty" json:"agent,omitempty"`
	Generator string       `yaml:"generator,omitempty" json:"generator,omitempty"`
	Context   *ContextSpec `yaml:"context,omitempty" json:"context,omitempty"`

	// Validate
	Stages    *StageSpec `yaml:"stages,omitempty" json:"stages,omitempty"`
	Retry     int        `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnFailure *Step      `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// Branch
	Branches []*BranchOption `yaml:"branches,omitempty" json:"branches,omitempty"`
	Default  *Step           `yaml:"default,omitempty" json:"default,omitempty"`

	// Loop
	Steps          []*Step `yaml:"steps,omitempty" json:"steps,omitempty"`
	ForEach        string  `yaml:"for_each,omitempty" json:"for_each,omitempty"`
	MaxConcurrency *int    `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
	Parallel       *bool   `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// Subworkflow
	Workflow   string                 `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Definition *Workflow              `yaml:"definition,omitempty" json:"definition,omitempty"`
	Inputs     map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	Position Position `yaml:"-" json:"-"`
}

// stepFields lists the wire fields each variant accepts, beyond the common
// name/type/when triple.
var stepFields = map[StepType][]string{
	StepAction:      {"action", "with"},
	StepAgent:       {"agent", "context"},
	StepGenerate:    {"generator", "context"},
	StepValidate:    {"stages", "retry", "on_failure"},
	StepBranch:      {"branches", "default"},
	StepLoop:        {"steps", "for_each", "max_concurrency", "parallel"},
	StepSubworkflow: {"workflow", "definition", "inputs"},
}

// UnmarshalYAML decodes a step record, rejecting unknown type tags and fields
// that do not belong to the declared variant.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("step must be a mapping, got %s", nodeKind(value))
	}

	typ := StepType("")
	for i := 0; i < len(value.Content); i += 2 {
		if value.Content[i].Value == "type" {
			typ = StepType(value.Content[i+1].Value)
		}
	}
	if typ == "" {
		return fmt.Errorf("step at line %d: missing type", value.Line)
	}
	if !ValidStepType(typ) {
		return fmt.Errorf("step at line %d: unknown step type %q", value.Line, typ)
	}

	allowed := map[string]bool{"name": true, "type": true, "when": true}
	for _, f := range stepFields[typ] {
		allowed[f] = true
	}
	for i := 0; i < len(value.Content); i += 2 {
		key := value.Content[i].Value
		if !allowed[key] {
			return fmt.Errorf("step at line %d: field %q is not valid for type %q", value.Line, key, typ)
		}
	}

	type stepAlias Step
	var tmp stepAlias
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	tmp.Position = Position{Line: value.Line, Column: value.Column}
	*s = Step(tmp)
	return nil
}

// EffectiveConcurrency resolves the loop concurrency specifier. The returned
// value 0 is the unbounded sentinel.
//
// Resolution order: an explicit parallel=true means unbounded; an explicit
// parallel=false means 1; otherwise max_concurrency applies, defaulting to 1.
func (s *Step) EffectiveConcurrency() int {
	if s.Parallel != nil {
		if *s.Parallel {
			return 0
		}
		return 1
	}
	if s.MaxConcurrency != nil {
		return *s.MaxConcurrency
	}
	return 1
}

// IsControlFlow reports whether the step is a control-flow variant that
// carries nested steps.
func (s *Step) IsControlFlow() bool {
	switch s.Type {
	case StepBranch, StepLoop, StepValidate, StepSubworkflow:
		return true
	}
	return false
}

// BranchOption pairs a condition expression with the step executed when the
// condition is the first to evaluate truthy.
type BranchOption struct {
	When string `yaml:"when" json:"when"`
	Step *Step  `yaml:"step" json:"step"`
}

// ContextSpec is the context specification of agent and generate steps:
// either a static map (resolved through the expression resolver) or the name
// of a registered context builder.
type ContextSpec struct {
	Builder string                 `yaml:"-" json:"builder,omitempty"`
	Static  map[string]interface{} `yaml:"-" json:"static,omitempty"`
}

// UnmarshalYAML accepts a scalar builder name or a static mapping.
func (c *ContextSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		c.Builder = value.Value
		return nil
	case yaml.MappingNode:
		return value.Decode(&c.Static)
	default:
		return fmt.Errorf("context must be a builder name or a mapping, got %s", nodeKind(value))
	}
}

// MarshalYAML emits the scalar or mapping form.
func (c ContextSpec) MarshalYAML() (interface{}, error) {
	if c.Builder != "" {
		return c.Builder, nil
	}
	return c.Static, nil
}

// StageSpec is the stage specification of validate steps: either an explicit
// list of stage names or a string key looked up in the config's named-stage
// table. A nil *StageSpec means "use the configured defaults".
type StageSpec struct {
	Key  string   `yaml:"-" json:"key,omitempty"`
	List []string `yaml:"-" json:"list,omitempty"`
}

// UnmarshalYAML accepts a scalar key or a sequence of stage names.
func (sp *StageSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		sp.Key = value.Value
		return nil
	case yaml.SequenceNode:
		return value.Decode(&sp.List)
	default:
		return fmt.Errorf("stages must be a key or a list, got %s", nodeKind(value))
	}
}

// MarshalYAML emits the scalar or sequence form.
func (sp StageSpec) MarshalYAML() (interface{}, error) {
	if sp.Key != "" {
		return sp.Key, nil
	}
	return sp.List, nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	}
	return "unknown"
}
