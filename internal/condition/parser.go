package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DslParseError reports a syntax error in a condition string. Parse errors
// are fatal at authoring time and are never produced during evaluation.
type DslParseError struct {
	Pos   int    // byte offset into the source
	Token string // offending token, "" at end of input
	Msg   string
}

func (e *DslParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Msg)
	}
	return fmt.Sprintf("parse error at %d near %q: %s", e.Pos, e.Token, e.Msg)
}

// Parse compiles a DSL source string into an immutable Expression.
//
// Grammar:
//
//	EXPR       := KEYWORD GROUP+ | COMPARISON
//	KEYWORD    := "AND" | "OR" | "NOT"          (NOT takes exactly one group)
//	GROUP      := "{" EXPR "}"
//	COMPARISON := REF ["." OP] "(" LITERAL ")"
//	REF        := IDENT ("." IDENT)*
//	OP         := "equals" | "greaterThan" | "lessThan" | "in"
//	LITERAL    := quoted string | number | "true" | "false"
//
// When the trailing segment of a dotted reference is not a known operator
// the operator defaults to equals and the segment stays part of the
// reference, so `SHOPPER.isLoggedIn(true)` means SHOPPER.isLoggedIn equals
// true. An optional outer brace pair around the whole expression is
// accepted for compatibility with persisted condition strings.
func Parse(src string) (*Expression, error) {
	p := &parser{src: src}
	p.next()

	if p.tok.kind == tokEOF {
		return nil, &DslParseError{Pos: 0, Msg: "empty condition"}
	}

	// Unwrap an optional outer `{ EXPR }`.
	outer := false
	if p.tok.kind == tokLBrace {
		outer = true
		p.next()
	}

	root, err := p.parseExpr()
	if err != nil {
		if p.err != nil {
			return nil, p.err
		}
		return nil, err
	}

	if outer {
		if p.tok.kind != tokRBrace {
			return nil, p.errorf("unbalanced braces")
		}
		p.next()
	}
	// A lexer error is recorded out of band; a grammar production may have
	// stopped cleanly right before the bad token, so check it explicitly.
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected trailing input")
	}

	return &Expression{root: root, src: src}, nil
}

// MustParse is a test and fixture helper that panics on parse failure.
func MustParse(src string) *Expression {
	expr, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return expr
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokError
	tokIdent
	tokLBrace
	tokRBrace
	tokLParen
	tokRParen
	tokDot
	tokString
	tokNumber
	tokBool
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type parser struct {
	src string
	off int
	tok token
	err *DslParseError
}

func (p *parser) errorf(format string, args ...any) *DslParseError {
	return &DslParseError{Pos: p.tok.pos, Token: p.tok.text, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseExpr() (Node, error) {
	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected keyword or tag reference")
	}

	switch p.tok.text {
	case "AND":
		p.next()
		children, err := p.parseGroups()
		if err != nil {
			return nil, err
		}
		return &And{Children: children}, nil
	case "OR":
		p.next()
		children, err := p.parseGroups()
		if err != nil {
			return nil, err
		}
		return &Or{Children: children}, nil
	case "NOT":
		p.next()
		children, err := p.parseGroups()
		if err != nil {
			return nil, err
		}
		if len(children) != 1 {
			return nil, p.errorf("NOT takes exactly one operand, got %d", len(children))
		}
		return &Not{Child: children[0]}, nil
	}

	// An uppercase identifier in operator position is a misspelled keyword,
	// not a tag reference.
	if isKeywordShaped(p.tok.text) && p.peekKind() == tokLBrace {
		return nil, p.errorf("unknown operator %q", p.tok.text)
	}

	return p.parseComparison()
}

func (p *parser) parseGroups() ([]Node, error) {
	if p.tok.kind != tokLBrace {
		return nil, p.errorf("expected '{'")
	}

	var children []Node
	for p.tok.kind == tokLBrace {
		p.next()
		child, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRBrace {
			return nil, p.errorf("unbalanced braces")
		}
		p.next()
		children = append(children, child)
	}
	return children, nil
}

func (p *parser) parseComparison() (Node, error) {
	segs := []string{p.tok.text}
	p.next()

	for p.tok.kind == tokDot {
		p.next()
		if p.tok.kind != tokIdent {
			return nil, p.errorf("expected identifier after '.'")
		}
		segs = append(segs, p.tok.text)
		p.next()
	}

	op := OpEquals
	if len(segs) > 1 && knownOperator(segs[len(segs)-1]) {
		op = Operator(segs[len(segs)-1])
		segs = segs[:len(segs)-1]
	}

	if p.tok.kind != tokLParen {
		return nil, p.errorf("expected '(' after %q", strings.Join(segs, "."))
	}
	p.next()

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}

	if p.tok.kind != tokRParen {
		return nil, p.errorf("expected ')'")
	}
	p.next()

	return &Comparison{Ref: segs, Op: op, Literal: lit}, nil
}

func (p *parser) parseLiteral() (Value, error) {
	switch p.tok.kind {
	case tokString:
		v := String(p.tok.text)
		p.next()
		return v, nil
	case tokBool:
		v := Bool(p.tok.text == "true")
		p.next()
		return v, nil
	case tokNumber:
		n, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return Value{}, p.errorf("invalid number")
		}
		p.next()
		return Number(n), nil
	case tokIdent:
		// RFC3339 timestamps may appear unquoted in generated conditions.
		if t, err := time.Parse(time.RFC3339, p.tok.text); err == nil {
			v := Timestamp(t)
			p.next()
			return v, nil
		}
		return Value{}, p.errorf("expected literal")
	default:
		return Value{}, p.errorf("expected literal")
	}
}

func (p *parser) peekKind() tokenKind {
	save := *p
	p.next()
	kind := p.tok.kind
	*p = save
	return kind
}

func (p *parser) next() {
	for p.off < len(p.src) && isSpace(p.src[p.off]) {
		p.off++
	}
	start := p.off
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}

	c := p.src[p.off]
	switch c {
	case '{':
		p.off++
		p.tok = token{kind: tokLBrace, text: "{", pos: start}
		return
	case '}':
		p.off++
		p.tok = token{kind: tokRBrace, text: "}", pos: start}
		return
	case '(':
		p.off++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
		return
	case ')':
		p.off++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
		return
	case '.':
		p.off++
		p.tok = token{kind: tokDot, text: ".", pos: start}
		return
	case '\'', '"':
		quote := c
		p.off++
		for p.off < len(p.src) && p.src[p.off] != quote {
			p.off++
		}
		if p.off >= len(p.src) {
			p.tok = token{kind: tokError, text: p.src[start:], pos: start}
			p.err = &DslParseError{Pos: start, Token: p.src[start:], Msg: "unterminated string"}
			return
		}
		text := p.src[start+1 : p.off]
		p.off++
		p.tok = token{kind: tokString, text: text, pos: start}
		return
	}

	if c == '-' || (c >= '0' && c <= '9') {
		p.off++
		for p.off < len(p.src) && (p.src[p.off] >= '0' && p.src[p.off] <= '9' || p.src[p.off] == '.') {
			p.off++
		}
		text := p.src[start:p.off]
		// The authoring tooling historically emitted long literals as `0L`.
		if p.off < len(p.src) && p.src[p.off] == 'L' {
			p.off++
		}
		p.tok = token{kind: tokNumber, text: text, pos: start}
		return
	}

	if isIdentStart(rune(c)) {
		p.off++
		for p.off < len(p.src) && isIdentPart(rune(p.src[p.off])) {
			p.off++
		}
		text := p.src[start:p.off]
		if text == "true" || text == "false" {
			p.tok = token{kind: tokBool, text: text, pos: start}
			return
		}
		p.tok = token{kind: tokIdent, text: text, pos: start}
		return
	}

	p.off++
	p.tok = token{kind: tokError, text: string(c), pos: start}
	p.err = &DslParseError{Pos: start, Token: string(c), Msg: "unexpected character"}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == ':'
}

// isKeywordShaped reports an all-uppercase identifier, the shape reserved
// for boolean keywords in operator position.
func isKeywordShaped(s string) bool {
	for _, r := range s {
		if !unicode.IsUpper(r) && r != '_' {
			return false
		}
	}
	return s != ""
}
