// Package rulebase compiles a scenario's enabled promotion rules into an
// executable rule base and caches the compiled instance behind an RW lock.
package rulebase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/targeting"
)

// RuleCompilationError reports a rule whose eligibility expression failed
// to compile. One bad rule fails the whole recompile so the cache can
// retain the previous valid instance.
type RuleCompilationError struct {
	RuleCode string
	Err      error
}

func (e *RuleCompilationError) Error() string {
	return fmt.Sprintf("rule %s failed to compile: %v", e.RuleCode, e.Err)
}

func (e *RuleCompilationError) Unwrap() error { return e.Err }

// CouponValidator is the coupon-ledger view consulted for coupon-enabled
// rules. Validation is non-mutating; redemption happens at checkout.
type CouponValidator interface {
	Validate(ctx context.Context, code, email string, now time.Time) (*domain.Coupon, error)
}

// Input carries the per-request state for a rule-base evaluation.
type Input struct {
	Tags condition.TagContext

	// Cart attributes (subtotal, currency, item counts) for cart-scenario
	// eligibility expressions.
	Cart map[string]any

	CustomerEmail string

	// CouponCodes are the codes present in the shopper's cart.
	CouponCodes []string

	Now time.Time
}

type compiledRule struct {
	rule    *domain.PromotionRule
	program cel.Program // nil when the rule has no eligibility expression
}

// RuleBase is the compiled, executable form of one scenario's enabled
// rules. Instances are immutable after compilation and safely shared
// across threads; a new write generation produces a new instance.
type RuleBase struct {
	store      string
	scenario   domain.Scenario
	generation uint64
	rules      []compiledRule
	eval       *targeting.Evaluator
	coupons    CouponValidator
	compiledAt time.Time
}

// newEnv builds the CEL environment shared by all rule compilations.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tags", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("cart", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("store", cel.StringType),
	)
}

// compile builds a RuleBase from the given rules. The whole compilation
// runs off-lock against a snapshot; any failing rule aborts with a
// *RuleCompilationError naming it.
func compile(store string, scenario domain.Scenario, generation uint64, ruleSet []*domain.PromotionRule, eval *targeting.Evaluator, coupons CouponValidator) (*RuleBase, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	base := &RuleBase{
		store:      store,
		scenario:   scenario,
		generation: generation,
		rules:      make([]compiledRule, 0, len(ruleSet)),
		eval:       eval,
		coupons:    coupons,
		compiledAt: time.Now().UTC(),
	}

	for _, r := range ruleSet {
		if !r.Enabled || r.Scenario != scenario {
			continue
		}
		cr := compiledRule{rule: r}
		if r.Eligibility != "" {
			ast, issues := env.Compile(r.Eligibility)
			if issues != nil && issues.Err() != nil {
				return nil, &RuleCompilationError{RuleCode: r.Code, Err: issues.Err()}
			}
			if ast.OutputType() != cel.BoolType {
				return nil, &RuleCompilationError{
					RuleCode: r.Code,
					Err:      fmt.Errorf("eligibility must return bool, got %s", ast.OutputType()),
				}
			}
			program, err := env.Program(ast)
			if err != nil {
				return nil, &RuleCompilationError{RuleCode: r.Code, Err: err}
			}
			cr.program = program
		}
		base.rules = append(base.rules, cr)
	}

	return base, nil
}

// ValidateEligibility compiles an eligibility expression against the
// shared environment without building a rule base. Used by the authoring
// path so a bad expression never reaches the database.
func ValidateEligibility(expr string) error {
	env, err := newEnv()
	if err != nil {
		return fmt.Errorf("failed to create expression environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid eligibility expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("eligibility must return bool, got %s", ast.OutputType())
	}
	return nil
}

// Generation returns the write generation the instance was compiled from.
func (b *RuleBase) Generation() uint64 { return b.generation }

// Scenario returns the scenario the rule base serves.
func (b *RuleBase) Scenario() domain.Scenario { return b.scenario }

// RuleCount returns the number of compiled rules.
func (b *RuleBase) RuleCount() int { return len(b.rules) }

// Eval evaluates every compiled rule against the input and returns the
// satisfied rules. Evaluation never mutates shared state; a rule whose
// expression errors at runtime is treated as not satisfied rather than
// failing the evaluation of unrelated rules.
func (b *RuleBase) Eval(ctx context.Context, in *Input) ([]domain.RuleMatch, error) {
	if len(b.rules) == 0 {
		return nil, nil
	}

	activation := map[string]any{
		"tags":  tagActivation(in.Tags),
		"cart":  cartActivation(in.Cart),
		"store": b.store,
	}

	var matches []domain.RuleMatch
	for _, cr := range b.rules {
		ok, couponCode, err := b.evalRule(ctx, cr, in, activation)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matches = append(matches, domain.RuleMatch{
			RuleGUID:   cr.rule.GUID,
			Code:       cr.rule.Code,
			Name:       cr.rule.Name,
			Actions:    cr.rule.Actions,
			CouponCode: couponCode,
		})
	}
	return matches, nil
}

func (b *RuleBase) evalRule(ctx context.Context, cr compiledRule, in *Input, activation map[string]any) (bool, string, error) {
	rule := cr.rule

	if !rule.ActiveAt(in.Now) {
		return false, "", nil
	}

	// Catalog-browse rules are date-gated only; cart rules may carry a
	// selling context.
	if rule.Scenario == domain.ScenarioCart && rule.SellingContext != nil {
		ok, err := b.eval.Evaluate(rule.SellingContext, in.Tags)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, "", nil
		}
	}

	if cr.program != nil {
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			// Runtime expression errors (absent map keys) mean the rule
			// does not apply; they never fail unrelated rules.
			return false, "", nil
		}
		if out != types.True {
			return false, "", nil
		}
	}

	if !rule.CouponEnabled {
		return true, "", nil
	}
	code := b.satisfyingCoupon(ctx, rule, in)
	return code != "", code, nil
}

// satisfyingCoupon returns the first cart coupon code that belongs to the
// rule and passes ledger validation, or "".
func (b *RuleBase) satisfyingCoupon(ctx context.Context, rule *domain.PromotionRule, in *Input) string {
	if b.coupons == nil {
		return ""
	}
	for _, code := range in.CouponCodes {
		coupon, err := b.coupons.Validate(ctx, code, in.CustomerEmail, in.Now)
		if err != nil || coupon == nil || coupon.Config == nil {
			continue
		}
		if coupon.Config.RuleCode == rule.Code {
			return code
		}
	}
	return ""
}

func tagActivation(tc condition.TagContext) map[string]any {
	out := make(map[string]any, len(tc))
	for dict, attrs := range tc {
		m := make(map[string]any, len(attrs))
		for name, v := range attrs {
			m[name] = v.Interface()
		}
		out[dict] = m
	}
	return out
}

func cartActivation(cart map[string]any) map[string]any {
	if cart == nil {
		return map[string]any{}
	}
	return cart
}
