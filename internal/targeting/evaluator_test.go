package targeting

import (
	"errors"
	"testing"

	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/domain"
)

func shopperContext(memberType string, loggedIn bool) condition.TagContext {
	return condition.TagContext{
		domain.DictionaryShopper: {
			"memberType": condition.String(memberType),
			"isLoggedIn": condition.Bool(loggedIn),
		},
		domain.DictionaryTime: {
			"now": condition.Number(1700000100),
		},
	}
}

func sellingContext(guid string, priority int, conds map[string]string) *domain.SellingContext {
	sc := &domain.SellingContext{GUID: guid, Priority: priority}
	if len(conds) > 0 {
		sc.Conditions = make(map[string]*domain.ConditionalExpression, len(conds))
		for dict, src := range conds {
			sc.Conditions[dict] = &domain.ConditionalExpression{
				GUID:              guid + "-" + dict,
				TagDictionaryGUID: dict,
				ConditionString:   src,
			}
		}
	}
	return sc
}

func TestEvaluateEmptySellingContext(t *testing.T) {
	eval := NewEvaluator(condition.ModeLenient)

	for _, sc := range []*domain.SellingContext{nil, sellingContext("sc-empty", 1, nil)} {
		ok, err := eval.Evaluate(sc, shopperContext("gold", true))
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if !ok {
			t.Error("empty selling context must evaluate true")
		}
	}
}

func TestEvaluateAcrossDictionaries(t *testing.T) {
	eval := NewEvaluator(condition.ModeLenient)
	sc := sellingContext("sc-1", 1, map[string]string{
		domain.DictionaryShopper: "memberType.equals('gold')",
		domain.DictionaryTime:    "now.greaterThan(1700000000)",
	})

	ok, err := eval.Evaluate(sc, shopperContext("gold", true))
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !ok {
		t.Error("expected match when every dictionary condition holds")
	}

	ok, _ = eval.Evaluate(sc, shopperContext("basic", true))
	if ok {
		t.Error("expected no match when the shopper condition fails")
	}
}

func TestEvaluateVacuousDictionary(t *testing.T) {
	// No condition for SHOPPER: the result must be independent of the
	// shopper dictionary's contents.
	eval := NewEvaluator(condition.ModeLenient)
	sc := sellingContext("sc-time", 1, map[string]string{
		domain.DictionaryTime: "now.greaterThan(1700000000)",
	})

	for _, member := range []string{"gold", "basic", ""} {
		ok, err := eval.Evaluate(sc, shopperContext(member, false))
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if !ok {
			t.Errorf("memberType %q must not affect a selling context without a SHOPPER condition", member)
		}
	}
}

func TestEvaluateAbsentDictionaryFailsSafe(t *testing.T) {
	eval := NewEvaluator(condition.ModeStrict)
	sc := sellingContext("sc-stores", 1, map[string]string{
		domain.DictionaryStores: "storeCode.equals('SNAPITUP')",
	})

	// STORES dictionary missing entirely: comparisons fail safe, no error.
	ok, err := eval.Evaluate(sc, shopperContext("gold", true))
	if err != nil {
		t.Fatalf("expected fail-safe evaluation, got error: %v", err)
	}
	if ok {
		t.Error("expected false when the bound dictionary is absent")
	}
}

func TestEvaluateStrictUnknownReference(t *testing.T) {
	eval := NewEvaluator(condition.ModeStrict)
	sc := sellingContext("sc-unknown", 1, map[string]string{
		domain.DictionaryShopper: "favouriteColour.equals('teal')",
	})

	_, err := eval.Evaluate(sc, shopperContext("gold", true))
	var uerr *condition.UnknownTagError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *condition.UnknownTagError, got %v", err)
	}
}

func TestEvaluateMalformedConditionSurfacesParseError(t *testing.T) {
	eval := NewEvaluator(condition.ModeLenient)
	sc := sellingContext("sc-bad", 1, map[string]string{
		domain.DictionaryShopper: "AND {memberType.equals('gold')",
	})

	_, err := eval.Evaluate(sc, shopperContext("gold", true))
	var perr *condition.DslParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *condition.DslParseError, got %v", err)
	}
}

func TestCompileCacheReuse(t *testing.T) {
	eval := NewEvaluator(condition.ModeLenient)
	sc := sellingContext("sc-cache", 1, map[string]string{
		domain.DictionaryShopper: "memberType.equals('gold')",
	})

	for i := 0; i < 3; i++ {
		if _, err := eval.Evaluate(sc, shopperContext("gold", true)); err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
	}
	if eval.CompiledCount() != 1 {
		t.Errorf("expected 1 cached compilation, got %d", eval.CompiledCount())
	}

	// Changing the source under the same guid recompiles.
	sc.Conditions[domain.DictionaryShopper].ConditionString = "memberType.equals('basic')"
	ok, err := eval.Evaluate(sc, shopperContext("gold", true))
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if ok {
		t.Error("expected recompiled condition to reject gold")
	}
}
