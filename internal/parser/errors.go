package parser

import (
	"fmt"
	"strings"

	"github.com/get2knowio/maverick-sub001/internal/ast"
)

// ParseError is a document parsing error with position context.
type ParseError struct {
	Message    string       `json:"message"`
	Position   ast.Position `json:"position"`
	Suggestion string       `json:"suggestion,omitempty"`
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("parse error at %s: %s", e.Position.String(), e.Message))
	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\nsuggestion: %s", e.Suggestion))
	}
	return b.String()
}

// wrapYAMLError converts a yaml.v3 error into a positioned ParseError,
// scraping the "line N" fragment the library embeds in its messages.
func wrapYAMLError(err error) *ParseError {
	msg := err.Error()
	pos := ast.Position{Line: 1, Column: 1}

	words := strings.Fields(msg)
	for i, word := range words {
		if word == "line" && i+1 < len(words) {
			var line int
			if _, scanErr := fmt.Sscanf(strings.TrimSuffix(words[i+1], ":"), "%d", &line); scanErr == nil {
				pos.Line = line
				break
			}
		}
	}

	return &ParseError{
		Message:  strings.TrimPrefix(msg, "yaml: "),
		Position: pos,
	}
}
