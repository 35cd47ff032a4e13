// Package expression implements the `${{ … }}` template expression language:
// references into inputs, prior step outputs and loop variables, boolean
// combinations with short-circuit evaluation, equality comparison, and a
// Python-style conditional (`a if cond else b`).
package expression

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// RefKind discriminates reference roots.
type RefKind string

const (
	RefInput RefKind = "input"
	RefStep  RefKind = "step"
	RefItem  RefKind = "item"
	RefIndex RefKind = "index"
)

// Accessor is one path segment of a reference: a map key (`.ident` or
// `["key"]`) or a sequence index (`[i]`, negatives allowed).
type Accessor struct {
	Key     string
	Index   int
	IsIndex bool
}

func (a Accessor) String() string {
	if a.IsIndex {
		return fmt.Sprintf("[%d]", a.Index)
	}
	return "." + a.Key
}

// Expr is a parsed expression node.
type Expr interface {
	exprNode()
	String() string
}

// Reference reads a value from the execution context. For step references,
// Step holds the step name and Path the accessors after `.output`. For input
// references, Path starts with the input name.
type Reference struct {
	Kind    RefKind
	Step    string
	Path    []Accessor
	Negated bool
}

func (r *Reference) exprNode() {}

func (r *Reference) String() string {
	var b strings.Builder
	if r.Negated {
		b.WriteString("not ")
	}
	switch r.Kind {
	case RefInput:
		b.WriteString("inputs")
	case RefStep:
		b.WriteString("steps." + r.Step + ".output")
	case RefItem:
		b.WriteString("item")
	case RefIndex:
		b.WriteString("index")
	}
	for _, a := range r.Path {
		b.WriteString(a.String())
	}
	return b.String()
}

// Literal is a string, number or boolean constant.
type Literal struct {
	Value interface{}
}

func (l *Literal) exprNode() {}

func (l *Literal) String() string {
	if s, ok := l.Value.(string); ok {
		return "'" + s + "'"
	}
	return fmt.Sprintf("%v", l.Value)
}

// BoolOp is a short-circuiting and/or combination over two or more operands.
type BoolOp struct {
	Op       string // "and" | "or"
	Operands []Expr
}

func (b *BoolOp) exprNode() {}

func (b *BoolOp) String() string {
	parts := make([]string, len(b.Operands))
	for i, op := range b.Operands {
		parts[i] = op.String()
	}
	return strings.Join(parts, " "+b.Op+" ")
}

// Compare is an equality comparison.
type Compare struct {
	Op    string // "==" | "!="
	Left  Expr
	Right Expr
}

func (c *Compare) exprNode() {}

func (c *Compare) String() string {
	return c.Left.String() + " " + c.Op + " " + c.Right.String()
}

// Ternary is the conditional form `then if cond else els`. The condition is
// evaluated first, then exactly one branch.
type Ternary struct {
	Cond Expr
	Then Expr
	Else Expr
}

func (t *Ternary) exprNode() {}

func (t *Ternary) String() string {
	return t.Then.String() + " if " + t.Cond.String() + " else " + t.Else.String()
}

// ParseError is a syntax error in an expression, with the offending rune
// position.
type ParseError struct {
	Expr    string
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid expression %q at position %d: %s", e.Expr, e.Pos, e.Message)
}

// token kinds
type tokenKind int

const (
	tokIdent tokenKind = iota
	tokDot
	tokLBracket
	tokRBracket
	tokInt
	tokFloat
	tokString
	tokEq
	tokNeq
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func tokenize(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		r := rune(l.src[l.pos])
		switch {
		case unicode.IsSpace(r):
			l.pos++
		case r == '.':
			l.emit(tokDot, ".")
		case r == '[':
			l.emit(tokLBracket, "[")
		case r == ']':
			l.emit(tokRBracket, "]")
		case r == '\'' || r == '"':
			if err := l.lexString(byte(r)); err != nil {
				return nil, err
			}
		case r == '=':
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
				l.tokens = append(l.tokens, token{tokEq, "==", l.pos})
				l.pos += 2
			} else {
				return nil, &ParseError{l.src, l.pos, "unexpected '='"}
			}
		case r == '!':
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
				l.tokens = append(l.tokens, token{tokNeq, "!=", l.pos})
				l.pos += 2
			} else {
				return nil, &ParseError{l.src, l.pos, "unexpected '!'"}
			}
		case r == '-' || unicode.IsDigit(r):
			if err := l.lexNumber(); err != nil {
				return nil, err
			}
		case unicode.IsLetter(r) || r == '_':
			l.lexIdent()
		default:
			return nil, &ParseError{l.src, l.pos, fmt.Sprintf("invalid character %q", r)}
		}
	}
	l.tokens = append(l.tokens, token{tokEOF, "", l.pos})
	return l.tokens, nil
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.tokens = append(l.tokens, token{kind, text, l.pos})
	l.pos += len(text)
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++ // opening quote
	for l.pos < len(l.src) && l.src[l.pos] != quote {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return &ParseError{l.src, start, "unterminated string"}
	}
	l.tokens = append(l.tokens, token{tokString, l.src[start+1 : l.pos], start})
	l.pos++ // closing quote
	return nil
}

func (l *lexer) lexNumber() error {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
		if l.pos >= len(l.src) || !unicode.IsDigit(rune(l.src[l.pos])) {
			return &ParseError{l.src, start, "unexpected '-'"}
		}
	}
	isFloat := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' && l.pos+1 < len(l.src) && unicode.IsDigit(rune(l.src[l.pos+1])) && !isFloat {
			isFloat = true
			l.pos++
			continue
		}
		if !unicode.IsDigit(rune(c)) {
			break
		}
		l.pos++
	}
	kind := tokInt
	if isFloat {
		kind = tokFloat
	}
	l.tokens = append(l.tokens, token{kind, l.src[start:l.pos], start})
	return nil
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		l.pos++
	}
	l.tokens = append(l.tokens, token{tokIdent, l.src[start:l.pos], start})
}

// parser is a recursive-descent parser over the token stream.
//
//	expr     := ternary
//	ternary  := or ('if' or 'else' ternary)?
//	or       := and ('or' and)*
//	and      := equality ('and' equality)*
//	equality := unary (('==' | '!=') unary)?
//	unary    := 'not' reference | primary
//	primary  := reference | literal
type parser struct {
	src    string
	tokens []token
	pos    int
}

// Parse parses a single expression (the content between `${{` and `}}`).
func Parse(src string) (Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, &ParseError{src, 0, "empty expression"}
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	expr, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return expr, nil
}

func (p *parser) peek() token    { return p.tokens[p.pos] }
func (p *parser) advance() token { t := p.tokens[p.pos]; p.pos++; return t }

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == kw
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &ParseError{p.src, p.peek().pos, fmt.Sprintf(format, args...)}
}

func (p *parser) parseTernary() (Expr, error) {
	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.keyword("if") {
		return then, nil
	}
	p.advance()
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.keyword("else") {
		return nil, p.errorf("expected 'else'")
	}
	p.advance()
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &Ternary{Cond: cond, Then: then, Else: els}, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []Expr{left}
	for p.keyword("or") {
		p.advance()
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &BoolOp{Op: "or", Operands: operands}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	operands := []Expr{left}
	for p.keyword("and") {
		p.advance()
		next, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &BoolOp{Op: "and", Operands: operands}, nil
}

func (p *parser) parseEquality() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokEq && t.kind != tokNeq {
		return left, nil
	}
	p.advance()
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &Compare{Op: t.text, Left: left, Right: right}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.keyword("not") {
		p.advance()
		if p.keyword("not") {
			return nil, p.errorf("'not not' is not allowed")
		}
		ref, err := p.parseReference()
		if err != nil {
			return nil, err
		}
		ref.Negated = true
		return ref, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.advance()
		return &Literal{Value: t.text}, nil
	case tokInt:
		p.advance()
		n, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, p.errorf("invalid integer %q", t.text)
		}
		return &Literal{Value: n}, nil
	case tokFloat:
		p.advance()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", t.text)
		}
		return &Literal{Value: f}, nil
	case tokIdent:
		switch t.text {
		case "true", "True":
			p.advance()
			return &Literal{Value: true}, nil
		case "false", "False":
			p.advance()
			return &Literal{Value: false}, nil
		case "and", "or", "if", "else":
			return nil, p.errorf("expression may not start with %q", t.text)
		}
		return p.parseReference()
	case tokDot:
		return nil, p.errorf("expression may not start with '.'")
	default:
		return nil, p.errorf("unexpected %q", t.text)
	}
}

func (p *parser) parseReference() (*Reference, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return nil, p.errorf("expected a reference, got %q", t.text)
	}
	p.advance()

	switch t.text {
	case "inputs":
		path, err := p.parseAccessors()
		if err != nil {
			return nil, err
		}
		if len(path) == 0 {
			return nil, p.errorf("inputs reference requires at least one accessor")
		}
		return &Reference{Kind: RefInput, Path: path}, nil

	case "steps":
		if p.peek().kind != tokDot {
			return nil, p.errorf("steps reference requires a step name")
		}
		p.advance()
		nameTok := p.peek()
		if nameTok.kind != tokIdent {
			return nil, p.errorf("steps reference requires a step name")
		}
		p.advance()
		if p.peek().kind != tokDot {
			return nil, p.errorf("steps.%s requires '.output'", nameTok.text)
		}
		p.advance()
		fieldTok := p.peek()
		if fieldTok.kind != tokIdent || fieldTok.text != "output" {
			return nil, p.errorf("steps.%s requires '.output', got %q", nameTok.text, fieldTok.text)
		}
		p.advance()
		path, err := p.parseAccessors()
		if err != nil {
			return nil, err
		}
		return &Reference{Kind: RefStep, Step: nameTok.text, Path: path}, nil

	case "item":
		path, err := p.parseAccessors()
		if err != nil {
			return nil, err
		}
		return &Reference{Kind: RefItem, Path: path}, nil

	case "index":
		if p.peek().kind == tokDot || p.peek().kind == tokLBracket {
			return nil, p.errorf("index reference permits no accessors")
		}
		return &Reference{Kind: RefIndex}, nil

	default:
		return nil, &ParseError{p.src, t.pos, fmt.Sprintf("unknown reference root %q", t.text)}
	}
}

func (p *parser) parseAccessors() ([]Accessor, error) {
	var path []Accessor
	for {
		switch p.peek().kind {
		case tokDot:
			p.advance()
			t := p.peek()
			if t.kind != tokIdent {
				return nil, p.errorf("expected field name after '.'")
			}
			p.advance()
			path = append(path, Accessor{Key: t.text})
		case tokLBracket:
			p.advance()
			t := p.peek()
			switch t.kind {
			case tokInt:
				p.advance()
				n, err := strconv.Atoi(t.text)
				if err != nil {
					return nil, p.errorf("invalid index %q", t.text)
				}
				path = append(path, Accessor{Index: n, IsIndex: true})
			case tokString:
				p.advance()
				path = append(path, Accessor{Key: t.text})
			default:
				return nil, p.errorf("expected an integer or string subscript")
			}
			if p.peek().kind != tokRBracket {
				return nil, p.errorf("expected ']'")
			}
			p.advance()
		default:
			return path, nil
		}
	}
}
