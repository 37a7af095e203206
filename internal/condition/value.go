// Package condition provides the tag-condition DSL: a small boolean
// predicate language compiled into an immutable expression tree and
// evaluated against per-request tag attributes.
package condition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the concrete type held by a Value.
type Kind int

const (
	KindBool Kind = iota
	KindNumber
	KindString
	KindTime
	KindSet
)

// String returns the kind name used in logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindSet:
		return "set"
	default:
		return "unknown"
	}
}

// Value is a closed tagged variant holding one typed tag value.
// Comparison behavior is defined exhaustively per kind; there is no
// reflective or duck-typed dispatch.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	t    time.Time
	set  []string
}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Timestamp returns a time Value.
func Timestamp(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Set returns a set Value over the given members. Members are stored
// sorted and de-duplicated so set equality is order-independent.
func Set(members ...string) Value {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return Value{kind: KindSet, set: out}
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean payload; false for non-bool values.
func (v Value) AsBool() bool { return v.kind == KindBool && v.b }

// AsNumber returns the numeric payload; 0 for non-numeric values.
func (v Value) AsNumber() float64 {
	if v.kind == KindNumber {
		return v.n
	}
	return 0
}

// AsString returns the string payload; "" for non-string values.
func (v Value) AsString() string {
	if v.kind == KindString {
		return v.s
	}
	return ""
}

// AsTime returns the time payload; the zero time for non-time values.
func (v Value) AsTime() time.Time {
	if v.kind == KindTime {
		return v.t
	}
	return time.Time{}
}

// AsSet returns the set members; nil for non-set values.
func (v Value) AsSet() []string {
	if v.kind == KindSet {
		return v.set
	}
	return nil
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return "'" + v.s + "'"
	case KindTime:
		return v.t.UTC().Format(time.RFC3339)
	case KindSet:
		return "[" + strings.Join(v.set, ",") + "]"
	default:
		return fmt.Sprintf("value(%d)", int(v.kind))
	}
}

// Interface returns the value as a plain Go value: bool, float64, string,
// time.Time or []string. Used to build evaluation activations for
// embedded expression engines.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindTime:
		return v.t
	case KindSet:
		return append([]string(nil), v.set...)
	default:
		return nil
	}
}

// equal reports typed equality between an attribute value and a literal.
// Numeric literals compare against time attributes as Unix seconds, which
// keeps TIME conditions writable as plain numbers.
func equal(attr, lit Value) bool {
	switch attr.kind {
	case KindBool:
		return lit.kind == KindBool && attr.b == lit.b
	case KindNumber:
		switch lit.kind {
		case KindNumber:
			return attr.n == lit.n
		case KindTime:
			return attr.n == float64(lit.t.Unix())
		}
		return false
	case KindString:
		return lit.kind == KindString && attr.s == lit.s
	case KindTime:
		switch lit.kind {
		case KindTime:
			return attr.t.Equal(lit.t)
		case KindNumber:
			return float64(attr.t.Unix()) == lit.n
		}
		return false
	case KindSet:
		if lit.kind != KindSet || len(attr.set) != len(lit.set) {
			return false
		}
		for i := range attr.set {
			if attr.set[i] != lit.set[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compareOrdered reports attr < lit (-1), attr == lit (0) or attr > lit (1).
// The second return is false when the pair has no defined ordering, in which
// case the comparison fails safe.
func compareOrdered(attr, lit Value) (int, bool) {
	switch attr.kind {
	case KindNumber:
		switch lit.kind {
		case KindNumber:
			return compareFloat(attr.n, lit.n), true
		case KindTime:
			return compareFloat(attr.n, float64(lit.t.Unix())), true
		}
	case KindTime:
		switch lit.kind {
		case KindTime:
			return compareFloat(float64(attr.t.UnixNano()), float64(lit.t.UnixNano())), true
		case KindNumber:
			return compareFloat(float64(attr.t.Unix()), lit.n), true
		}
	case KindString:
		if lit.kind == KindString {
			return strings.Compare(attr.s, lit.s), true
		}
	}
	return 0, false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// contains implements the "in" operator: set membership for set attributes
// and substring match for string attributes. Other kinds never match.
func contains(attr, lit Value) bool {
	switch attr.kind {
	case KindSet:
		needle := lit.s
		if lit.kind == KindNumber {
			needle = strconv.FormatFloat(lit.n, 'f', -1, 64)
		}
		for _, m := range attr.set {
			if m == needle {
				return true
			}
		}
		return false
	case KindString:
		return lit.kind == KindString && strings.Contains(attr.s, lit.s)
	default:
		return false
	}
}
