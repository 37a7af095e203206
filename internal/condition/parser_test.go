package condition

import (
	"errors"
	"testing"
)

func TestParseComparisonForms(t *testing.T) {
	tests := []struct {
		name string
		src  string
		ref  string
		op   Operator
	}{
		{"explicit operator", "TIME.greaterThan(1700000000)", "TIME", OpGreaterThan},
		{"implicit equals", "SHOPPER.isLoggedIn(true)", "SHOPPER.isLoggedIn", OpEquals},
		{"bare attribute", "memberType.equals('gold')", "memberType", OpEquals},
		{"in operator", "STORES.storeCode.in('SNAPITUP')", "STORES.storeCode", OpIn},
		{"less than", "age.lessThan(30)", "age", OpLessThan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.src)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			cmp, ok := expr.root.(*Comparison)
			if !ok {
				t.Fatalf("expected Comparison root, got %T", expr.root)
			}
			if got := joinRef(cmp.Ref); got != tt.ref {
				t.Errorf("ref: expected %q, got %q", tt.ref, got)
			}
			if cmp.Op != tt.op {
				t.Errorf("op: expected %q, got %q", tt.op, cmp.Op)
			}
		})
	}
}

func joinRef(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "."
		}
		out += s
	}
	return out
}

func TestParseBooleanStructure(t *testing.T) {
	expr, err := Parse("AND {SHOPPER.isLoggedIn(true)} {TIME.greaterThan(1700000000)}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	and, ok := expr.root.(*And)
	if !ok {
		t.Fatalf("expected And root, got %T", expr.root)
	}
	if len(and.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(and.Children))
	}
}

func TestParseNestedWithOuterBraces(t *testing.T) {
	src := "{ AND { memberType.equals('gold') } { OR { AND { memberType.equals('basic') } { location.equals('ca') } } } }"
	expr, err := Parse(src)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	and, ok := expr.root.(*And)
	if !ok {
		t.Fatalf("expected And root, got %T", expr.root)
	}
	if len(and.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(and.Children))
	}
	if _, ok := and.Children[1].(*Or); !ok {
		t.Errorf("expected Or child, got %T", and.Children[1])
	}
}

func TestParseNot(t *testing.T) {
	expr, err := Parse("NOT {SHOPPER.isLoggedIn(true)}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := expr.root.(*Not); !ok {
		t.Fatalf("expected Not root, got %T", expr.root)
	}
}

func TestParseLongLiteralSuffix(t *testing.T) {
	// Persisted conditions carry Java-era long literals such as `0L`.
	expr, err := Parse("{AND {SHOPPING_START_TIME.greaterThan(0L)} }")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cmp := expr.root.(*And).Children[0].(*Comparison)
	if cmp.Literal.Kind() != KindNumber || cmp.Literal.AsNumber() != 0 {
		t.Errorf("expected number literal 0, got %v", cmp.Literal)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"unbalanced open", "AND {SHOPPER.isLoggedIn(true)"},
		{"unbalanced close", "AND {SHOPPER.isLoggedIn(true)}}"},
		{"unknown keyword", "XOR {SHOPPER.isLoggedIn(true)}"},
		{"not with two operands", "NOT {a.equals(1)} {b.equals(2)}"},
		{"missing literal", "SHOPPER.isLoggedIn()"},
		{"unterminated string", "memberType.equals('gold"},
		{"missing parens", "SHOPPER.isLoggedIn true"},
		{"bare keyword", "AND"},
		{"bad char at start", "@SHOPPER.isLoggedIn(true)"},
		{"bad char in literal", "a.equals(@)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			if err == nil {
				t.Fatalf("expected parse error for %q", tt.src)
			}
			var perr *DslParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *DslParseError, got %T", err)
			}
		})
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, err := Parse("AND {SHOPPER.isLoggedIn(true)} {XOR {a.equals(1)}}")
	var perr *DslParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *DslParseError, got %v", err)
	}
	if perr.Token != "XOR" {
		t.Errorf("expected offending token XOR, got %q", perr.Token)
	}
	if perr.Pos != 32 {
		t.Errorf("expected position 32, got %d", perr.Pos)
	}
}

// A bad character after a complete clause must fail the whole parse, not
// truncate the condition to the clauses before it. A truncated condition
// would persist and then match shoppers the author excluded.
func TestParseRejectsGarbageAfterClause(t *testing.T) {
	tests := []struct {
		name string
		src  string
		pos  int
	}{
		{"between groups", "AND {A.equals(1)} @ {B.equals(2)}", 18},
		{"trailing", "SHOPPER.isLoggedIn(true) @", 25},
		{"after outer braces", "{A.equals(1)} @", 14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			if err == nil {
				t.Fatalf("expected parse error for %q", tt.src)
			}
			var perr *DslParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *DslParseError, got %T", err)
			}
			if perr.Token != "@" {
				t.Errorf("expected offending token @, got %q", perr.Token)
			}
			if perr.Pos != tt.pos {
				t.Errorf("expected position %d, got %d", tt.pos, perr.Pos)
			}
		})
	}
}

func TestCanonicalString(t *testing.T) {
	expr := MustParse("AND { SHOPPER.isLoggedIn(true) } { TIME.greaterThan(1700000000) }")
	got := expr.String()
	want := "AND {SHOPPER.isLoggedIn(true)} {TIME.greaterThan(1700000000)}"
	if got != want {
		t.Errorf("canonical form:\n got %q\nwant %q", got, want)
	}
}
