package rulebase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/targeting"
)

type fakeRuleSource struct {
	mu    sync.Mutex
	rules []*domain.PromotionRule
	err   error
	loads int
}

func (f *fakeRuleSource) FindEnabledRules(ctx context.Context, store string, scenario domain.Scenario) ([]*domain.PromotionRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	var out []*domain.PromotionRule
	for _, r := range f.rules {
		if r.Store == store && r.Scenario == scenario && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleSource) setRules(rules []*domain.PromotionRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = rules
}

func (f *fakeRuleSource) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type fakeCouponValidator struct {
	coupons map[string]*domain.Coupon
	errs    map[string]error
}

func (f *fakeCouponValidator) Validate(ctx context.Context, code, email string, now time.Time) (*domain.Coupon, error) {
	if err, ok := f.errs[code]; ok {
		return nil, err
	}
	c, ok := f.coupons[code]
	if !ok {
		return nil, errors.New("coupon not found")
	}
	return c, nil
}

func cartRule(guid, code, eligibility string) *domain.PromotionRule {
	return &domain.PromotionRule{
		GUID:        guid,
		Code:        code,
		Name:        "rule " + code,
		Store:       "SNAPITUP",
		Scenario:    domain.ScenarioCart,
		Eligibility: eligibility,
		Enabled:     true,
	}
}

func newTestCache(src RuleSource, coupons CouponValidator) *Cache {
	return NewCache(src, targeting.NewEvaluator(condition.ModeLenient), coupons)
}

func goldTags() condition.TagContext {
	return condition.TagContext{
		domain.DictionaryShopper: {"memberType": condition.String("gold")},
	}
}

func TestEvalEligibilityExpression(t *testing.T) {
	src := &fakeRuleSource{rules: []*domain.PromotionRule{
		cartRule("r-1", "GOLD10", `tags.SHOPPER.memberType == "gold"`),
		cartRule("r-2", "BIGCART", `cart.subtotal > 100.0`),
	}}
	cache := newTestCache(src, nil)

	base, err := cache.GetOrCompile(context.Background(), "SNAPITUP", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if base.RuleCount() != 2 {
		t.Fatalf("expected 2 compiled rules, got %d", base.RuleCount())
	}

	matches, err := base.Eval(context.Background(), &Input{
		Tags: goldTags(),
		Cart: map[string]any{"subtotal": 50.0},
		Now:  time.Now(),
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Code != "GOLD10" {
		t.Fatalf("expected only GOLD10 to match, got %+v", matches)
	}

	matches, _ = base.Eval(context.Background(), &Input{
		Tags: goldTags(),
		Cart: map[string]any{"subtotal": 150.0},
		Now:  time.Now(),
	})
	if len(matches) != 2 {
		t.Fatalf("expected both rules to match, got %+v", matches)
	}
}

func TestEvalDateGating(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	expired := cartRule("r-expired", "EXPIRED", "")
	expired.EndDate = &past
	pending := cartRule("r-pending", "PENDING", "")
	pending.StartDate = &future
	live := cartRule("r-live", "LIVE", "")

	src := &fakeRuleSource{rules: []*domain.PromotionRule{expired, pending, live}}
	cache := newTestCache(src, nil)

	base, err := cache.GetOrCompile(context.Background(), "SNAPITUP", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	matches, err := base.Eval(context.Background(), &Input{Now: now})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Code != "LIVE" {
		t.Fatalf("expected only the live rule, got %+v", matches)
	}
}

func TestEvalCouponGate(t *testing.T) {
	rule := cartRule("r-coupon", "SAVE5", "")
	rule.CouponEnabled = true

	src := &fakeRuleSource{rules: []*domain.PromotionRule{rule}}
	coupons := &fakeCouponValidator{coupons: map[string]*domain.Coupon{
		"FIVER": {
			CouponCode: "FIVER",
			Config:     &domain.CouponConfig{RuleCode: "SAVE5"},
		},
		"OTHER": {
			CouponCode: "OTHER",
			Config:     &domain.CouponConfig{RuleCode: "UNRELATED"},
		},
	}}
	cache := newTestCache(src, coupons)

	base, err := cache.GetOrCompile(context.Background(), "SNAPITUP", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	// No coupon in the cart: the rule is not satisfied.
	matches, _ := base.Eval(context.Background(), &Input{Now: time.Now()})
	if len(matches) != 0 {
		t.Fatalf("coupon-enabled rule must not match without a coupon, got %+v", matches)
	}

	// A coupon for an unrelated rule does not satisfy it either.
	matches, _ = base.Eval(context.Background(), &Input{Now: time.Now(), CouponCodes: []string{"OTHER"}})
	if len(matches) != 0 {
		t.Fatalf("unrelated coupon must not satisfy the rule, got %+v", matches)
	}

	matches, _ = base.Eval(context.Background(), &Input{Now: time.Now(), CouponCodes: []string{"FIVER"}})
	if len(matches) != 1 || matches[0].CouponCode != "FIVER" {
		t.Fatalf("expected the matching coupon to satisfy the rule, got %+v", matches)
	}
}

func TestRecompileIdempotent(t *testing.T) {
	src := &fakeRuleSource{rules: []*domain.PromotionRule{
		cartRule("r-1", "GOLD10", `tags.SHOPPER.memberType == "gold"`),
	}}
	cache := newTestCache(src, nil)
	ctx := context.Background()

	in := &Input{Tags: goldTags(), Now: time.Now()}

	first, err := cache.Recompile(ctx, "SNAPITUP", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("recompile failed: %v", err)
	}
	got1, _ := first.Eval(ctx, in)

	cache.Invalidate("SNAPITUP", domain.ScenarioCart)
	second, err := cache.Recompile(ctx, "SNAPITUP", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("recompile failed: %v", err)
	}
	got2, _ := second.Eval(ctx, in)

	if len(got1) != len(got2) || got1[0].Code != got2[0].Code {
		t.Errorf("recompilation with no intervening writes changed behavior: %+v vs %+v", got1, got2)
	}
}

func TestCacheServesCompiledInstance(t *testing.T) {
	src := &fakeRuleSource{rules: []*domain.PromotionRule{cartRule("r-1", "A", "")}}
	cache := newTestCache(src, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := cache.GetOrCompile(ctx, "SNAPITUP", domain.ScenarioCart); err != nil {
			t.Fatalf("get failed: %v", err)
		}
	}
	if src.loadCount() != 1 {
		t.Errorf("expected a single rule load across repeated gets, got %d", src.loadCount())
	}

	cache.Invalidate("SNAPITUP", domain.ScenarioCart)
	if _, err := cache.GetOrCompile(ctx, "SNAPITUP", domain.ScenarioCart); err != nil {
		t.Fatalf("get after invalidate failed: %v", err)
	}
	if src.loadCount() != 2 {
		t.Errorf("expected invalidation to force a reload, got %d loads", src.loadCount())
	}
}

func TestCompileFailureRetainsLastGood(t *testing.T) {
	good := cartRule("r-good", "GOOD", `cart.subtotal > 10.0`)
	src := &fakeRuleSource{rules: []*domain.PromotionRule{good}}
	cache := newTestCache(src, nil)
	ctx := context.Background()

	base, err := cache.GetOrCompile(ctx, "SNAPITUP", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("initial compile failed: %v", err)
	}

	// Author a rule that cannot compile, then invalidate.
	bad := cartRule("r-bad", "BAD", `this is not a valid expression !!!`)
	src.setRules([]*domain.PromotionRule{good, bad})
	cache.Invalidate("SNAPITUP", domain.ScenarioCart)

	_, err = cache.Recompile(ctx, "SNAPITUP", domain.ScenarioCart)
	var cerr *RuleCompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *RuleCompilationError, got %v", err)
	}
	if cerr.RuleCode != "BAD" {
		t.Errorf("error should name the bad rule, got %q", cerr.RuleCode)
	}

	// Readers keep getting the previous valid instance.
	current, err := cache.GetOrCompile(ctx, "SNAPITUP", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("get after failed recompile errored: %v", err)
	}
	if current != base {
		t.Error("expected the previous valid instance to stay live")
	}
}

func TestNonBoolEligibilityRejected(t *testing.T) {
	src := &fakeRuleSource{rules: []*domain.PromotionRule{
		cartRule("r-num", "NUM", `cart.subtotal + 1.0`),
	}}
	cache := newTestCache(src, nil)

	_, err := cache.GetOrCompile(context.Background(), "SNAPITUP", domain.ScenarioCart)
	var cerr *RuleCompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *RuleCompilationError for non-bool expression, got %v", err)
	}
}

func TestConcurrentReadsDuringRecompile(t *testing.T) {
	src := &fakeRuleSource{rules: []*domain.PromotionRule{cartRule("r-1", "A", "")}}
	cache := newTestCache(src, nil)
	ctx := context.Background()

	if _, err := cache.GetOrCompile(ctx, "SNAPITUP", domain.ScenarioCart); err != nil {
		t.Fatalf("initial compile failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				base, err := cache.GetOrCompile(ctx, "SNAPITUP", domain.ScenarioCart)
				if err != nil || base == nil {
					t.Errorf("reader got err=%v base=%v", err, base)
					return
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Invalidate("SNAPITUP", domain.ScenarioCart)
			_, _ = cache.Recompile(ctx, "SNAPITUP", domain.ScenarioCart)
		}()
	}
	wg.Wait()
}
