package condition

import (
	"fmt"
	"strings"
)

// Operator is a comparison operator of the tag-condition DSL.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpIn          Operator = "in"
)

// knownOperator reports whether s names a comparison operator.
func knownOperator(s string) bool {
	switch Operator(s) {
	case OpEquals, OpGreaterThan, OpLessThan, OpIn:
		return true
	default:
		return false
	}
}

// Mode selects how unresolvable tag references are treated at evaluation
// time. Parse errors are always fatal at authoring time; reference errors
// are a runtime policy chosen by the caller.
type Mode int

const (
	// ModeLenient treats an unknown tag reference as non-matching.
	ModeLenient Mode = iota

	// ModeStrict surfaces an unknown tag reference as *UnknownTagError.
	ModeStrict
)

// UnknownTagError reports a comparison whose tag reference could not be
// resolved in the supplied attributes. Returned only in strict mode.
type UnknownTagError struct {
	Ref string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown tag reference %q", e.Ref)
}

// Attributes holds the named values of one tag dictionary.
type Attributes map[string]Value

// TagContext is a read-only snapshot of tag attributes partitioned by
// dictionary guid. It is built fresh per evaluation request by the caller
// and never mutated or retained by the engine.
type TagContext map[string]Attributes

// Node is one node of a compiled condition tree. Trees are immutable once
// built and safe for unlimited concurrent evaluation.
type Node interface {
	eval(res resolver, mode Mode) (bool, error)
	writeTo(sb *strings.Builder)
}

// And evaluates true when every child evaluates true.
type And struct {
	Children []Node
}

// Or evaluates true when any child evaluates true.
type Or struct {
	Children []Node
}

// Not negates its single child.
type Not struct {
	Child Node
}

// Comparison applies Op to the attribute named by Ref and the Literal.
// Ref is the dotted reference split into segments; a leading segment may
// name a dictionary when the expression is evaluated against a full
// tag context.
type Comparison struct {
	Ref     []string
	Op      Operator
	Literal Value
}

func (n *And) eval(res resolver, mode Mode) (bool, error) {
	for _, c := range n.Children {
		ok, err := c.eval(res, mode)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (n *Or) eval(res resolver, mode Mode) (bool, error) {
	for _, c := range n.Children {
		ok, err := c.eval(res, mode)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n *Not) eval(res resolver, mode Mode) (bool, error) {
	ok, err := n.Child.eval(res, mode)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n *Comparison) eval(res resolver, mode Mode) (bool, error) {
	attr, found, dictPresent := res.resolve(n.Ref)
	if !found {
		// A dictionary absent from the tag context yields an empty
		// attribute set: comparisons fail safe, never error.
		if mode == ModeStrict && dictPresent {
			return false, &UnknownTagError{Ref: strings.Join(n.Ref, ".")}
		}
		return false, nil
	}

	switch n.Op {
	case OpEquals:
		return equal(attr, n.Literal), nil
	case OpGreaterThan:
		cmp, ok := compareOrdered(attr, n.Literal)
		return ok && cmp > 0, nil
	case OpLessThan:
		cmp, ok := compareOrdered(attr, n.Literal)
		return ok && cmp < 0, nil
	case OpIn:
		return contains(attr, n.Literal), nil
	default:
		return false, nil
	}
}

func (n *And) writeTo(sb *strings.Builder) { writeOperator(sb, "AND", n.Children) }
func (n *Or) writeTo(sb *strings.Builder)  { writeOperator(sb, "OR", n.Children) }
func (n *Not) writeTo(sb *strings.Builder) { writeOperator(sb, "NOT", []Node{n.Child}) }

func (n *Comparison) writeTo(sb *strings.Builder) {
	sb.WriteString(strings.Join(n.Ref, "."))
	if n.Op != OpEquals {
		sb.WriteByte('.')
		sb.WriteString(string(n.Op))
	}
	sb.WriteByte('(')
	sb.WriteString(n.Literal.String())
	sb.WriteByte(')')
}

func writeOperator(sb *strings.Builder, keyword string, children []Node) {
	sb.WriteString(keyword)
	for _, c := range children {
		sb.WriteString(" {")
		c.writeTo(sb)
		sb.WriteString("}")
	}
}

// Expression is a compiled, immutable condition tree together with its
// source string.
type Expression struct {
	root Node
	src  string
}

// Source returns the DSL source the expression was compiled from.
func (e *Expression) Source() string { return e.src }

// String renders the tree in canonical DSL form.
func (e *Expression) String() string {
	if e == nil || e.root == nil {
		return ""
	}
	var sb strings.Builder
	e.root.writeTo(&sb)
	return sb.String()
}

// Eval evaluates the expression against the attributes of the dictionary
// the expression is bound to. A nil attribute set stands for an absent
// dictionary: every comparison fails safe and the result follows from the
// boolean structure alone.
func (e *Expression) Eval(attrs Attributes, mode Mode) (bool, error) {
	if e == nil || e.root == nil {
		return true, nil
	}
	return e.root.eval(boundResolver{attrs: attrs}, mode)
}

// EvalContext evaluates a standalone expression against a full tag context.
// References resolve dictionary-first: `SHOPPER.isLoggedIn` reads attribute
// isLoggedIn of the SHOPPER dictionary, and a reference naming only a
// dictionary resolves to its sole attribute (the TIME dictionary carries a
// single `now` tag).
func (e *Expression) EvalContext(tc TagContext, mode Mode) (bool, error) {
	if e == nil || e.root == nil {
		return true, nil
	}
	return e.root.eval(contextResolver{tc: tc}, mode)
}

// resolver resolves a dotted reference to an attribute value.
// found reports a successful lookup; dictPresent distinguishes "dictionary
// exists but the attribute does not" (a strict-mode error) from "dictionary
// entirely absent" (always fail-safe).
type resolver interface {
	resolve(ref []string) (v Value, found bool, dictPresent bool)
}

// boundResolver resolves references inside a single dictionary. A leading
// qualifier segment is ignored so authored conditions may carry the
// dictionary name redundantly.
type boundResolver struct {
	attrs Attributes
}

func (r boundResolver) resolve(ref []string) (Value, bool, bool) {
	if r.attrs == nil {
		return Value{}, false, false
	}
	name := strings.Join(ref, ".")
	if v, ok := r.attrs[name]; ok {
		return v, true, true
	}
	if len(ref) > 1 {
		if v, ok := r.attrs[strings.Join(ref[1:], ".")]; ok {
			return v, true, true
		}
	}
	return Value{}, false, true
}

// contextResolver resolves qualified references across a full tag context.
type contextResolver struct {
	tc TagContext
}

func (r contextResolver) resolve(ref []string) (Value, bool, bool) {
	if r.tc == nil {
		return Value{}, false, false
	}
	attrs, ok := r.tc[ref[0]]
	if !ok {
		return Value{}, false, false
	}
	if len(ref) == 1 {
		// Bare dictionary reference: resolve its sole attribute.
		if len(attrs) == 1 {
			for _, v := range attrs {
				return v, true, true
			}
		}
		return Value{}, false, true
	}
	name := strings.Join(ref[1:], ".")
	if v, ok := attrs[name]; ok {
		return v, true, true
	}
	return Value{}, false, true
}
