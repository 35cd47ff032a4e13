// Package parser loads workflow documents from YAML, checks version
// compatibility, serializes documents for the round-trip guarantee, and runs
// the semantic validator over parsed workflows.
package parser

import (
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/get2knowio/maverick-sub001/internal/ast"
)

// maxDocumentSize bounds parsed documents.
const maxDocumentSize = 10 * 1024 * 1024

// versionConstraint accepts the 1.x document format.
var versionConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint(">= 1.0, < 2.0")
	if err != nil {
		panic(err)
	}
	return c
}()

// YAMLParser parses workflow documents.
type YAMLParser struct{}

// NewYAMLParser creates a workflow document parser.
func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

// ParseFile loads and parses a workflow document from disk.
func (p *YAMLParser) ParseFile(filename string) (*ast.Workflow, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	wf, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}
	wf.SourceFile = filename
	wf.Position.File = filename
	return wf, nil
}

// ParseReader parses a workflow document from a reader.
func (p *YAMLParser) ParseReader(r io.Reader) (*ast.Workflow, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	return p.ParseBytes(data)
}

// ParseBytes parses a workflow document. Unknown step types and fields not
// belonging to a step's variant are rejected during decoding; structural
// invariants are enforced afterwards.
func (p *YAMLParser) ParseBytes(data []byte) (*ast.Workflow, error) {
	if len(data) == 0 {
		return nil, &ParseError{
			Message:    "empty workflow document",
			Position:   ast.Position{Line: 1, Column: 1},
			Suggestion: "declare at least version, name and steps",
		}
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("workflow document too large: %d bytes", len(data))
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, wrapYAMLError(err)
	}

	var wf ast.Workflow
	if err := node.Decode(&wf); err != nil {
		return nil, wrapYAMLError(err)
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		wf.Position = ast.Position{Line: node.Content[0].Line, Column: node.Content[0].Column}
	}

	if err := checkVersion(wf.Version); err != nil {
		return nil, err
	}

	if result := ast.NewValidator().ValidateWorkflow(&wf); result.HasErrors() {
		return nil, fmt.Errorf("invalid workflow: %s", result.Error())
	}

	return &wf, nil
}

// Serialize renders a workflow back to YAML. A parsed document serialized and
// re-parsed yields an equivalent workflow.
func (p *YAMLParser) Serialize(wf *ast.Workflow) ([]byte, error) {
	data, err := yaml.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workflow: %w", err)
	}
	return data, nil
}

func checkVersion(version string) error {
	if version == "" {
		return &ParseError{
			Message:    "version is required",
			Position:   ast.Position{Line: 1, Column: 1},
			Suggestion: `add version: "1.0"`,
		}
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}
	if !versionConstraint.Check(v) {
		return fmt.Errorf("unsupported workflow version %q (supported: 1.x)", version)
	}
	return nil
}
