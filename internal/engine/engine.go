// Package engine ties the resolver, rule bases, coupon ledger and
// persistence together behind one service facade consumed by the API and
// the invalidation worker.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/coupon"
	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/metrics"
	"github.com/opensource-commerce/talon/internal/rulebase"
	"github.com/opensource-commerce/talon/internal/targeting"
)

// DefaultCandidateTTL bounds staleness of cached candidate lists between
// change events.
const DefaultCandidateTTL = 5 * time.Minute

// Engine is the promotion and targeting service facade.
type Engine struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	evaluator *targeting.Evaluator
	resolver  *targeting.Resolver
	rulebases *rulebase.Cache
	ledger    *coupon.Ledger
	metrics   *metrics.Metrics
	logger    *slog.Logger

	candidateTTL time.Duration
	now          func() time.Time
}

// Options tunes engine construction.
type Options struct {
	Mode         condition.Mode
	CandidateTTL time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New wires an engine from its collaborators.
func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.CandidateTTL <= 0 {
		opts.CandidateTTL = DefaultCandidateTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	evaluator := targeting.NewEvaluator(opts.Mode)
	ledger := coupon.NewLedger(repo, opts.Logger)

	return &Engine{
		repo:         repo,
		cache:        cache,
		bus:          bus,
		evaluator:    evaluator,
		resolver:     targeting.NewResolver(evaluator),
		rulebases:    rulebase.NewCache(repo, evaluator, ledger),
		ledger:       ledger,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		candidateTTL: opts.CandidateTTL,
		now:          opts.Now,
	}
}

// Metrics exposes the engine's metric registry for the HTTP server.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Ledger exposes the coupon ledger.
func (e *Engine) Ledger() *coupon.Ledger {
	return e.ledger
}

// ResolvePriceLists resolves the ordered price list stack for a shopper.
// The result is the full priority-ordered list of matching payload guids,
// highest precedence first.
func (e *Engine) ResolvePriceLists(ctx context.Context, scope domain.Scope, tc condition.TagContext) ([]*domain.Assignment, error) {
	scope.Kind = domain.ScopePriceList
	matched, err := e.resolveAll(ctx, scope, tc)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordResolution(string(domain.ScopePriceList), len(matched) > 0)
	return matched, nil
}

// ResolveContent resolves the single winning content delivery for a slot,
// or nil when nothing matches.
func (e *Engine) ResolveContent(ctx context.Context, scope domain.Scope, tc condition.TagContext) (*domain.Assignment, error) {
	scope.Kind = domain.ScopeContent
	matched, err := e.resolveAll(ctx, scope, tc)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordResolution(string(domain.ScopeContent), len(matched) > 0)
	if len(matched) == 0 {
		return nil, nil
	}
	return matched[0], nil
}

func (e *Engine) resolveAll(ctx context.Context, scope domain.Scope, tc condition.TagContext) ([]*domain.Assignment, error) {
	candidates, err := e.candidates(ctx, scope)
	if err != nil {
		return nil, err
	}
	return e.resolver.ResolveAll(candidates, tc, e.now())
}

// candidates returns a scope's candidate list. Assignments authored
// without a store apply to every store, so a store-qualified scope merges
// its own candidates with the storeless ones; the resolver re-sorts the
// merged list by priority.
func (e *Engine) candidates(ctx context.Context, scope domain.Scope) ([]*domain.Assignment, error) {
	local, err := e.scopedCandidates(ctx, scope)
	if err != nil {
		return nil, err
	}
	if scope.Store == "" {
		return local, nil
	}

	shared := scope
	shared.Store = ""
	global, err := e.scopedCandidates(ctx, shared)
	if err != nil {
		return nil, err
	}
	if len(global) == 0 {
		return local, nil
	}
	merged := make([]*domain.Assignment, 0, len(local)+len(global))
	merged = append(merged, local...)
	merged = append(merged, global...)
	return merged, nil
}

// scopedCandidates fetches one scope partition read-through: cache first,
// repository on a miss. Empty lists are cached too, so unknown scopes do
// not hammer the database.
func (e *Engine) scopedCandidates(ctx context.Context, scope domain.Scope) ([]*domain.Assignment, error) {
	store := scope.Store
	if store == "" {
		store = "_global"
	}

	cached, err := e.cache.GetAssignments(ctx, store, scope)
	if err != nil {
		e.logger.Warn("candidate cache read failed", "scope", scope.Key(), "error", err)
	}
	if cached != nil {
		e.metrics.RecordAssignmentCache(true)
		return cached, nil
	}
	e.metrics.RecordAssignmentCache(false)

	candidates, err := e.repo.FindActiveAssignments(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load assignments for %s: %w", scope.Key(), err)
	}
	if candidates == nil {
		candidates = []*domain.Assignment{}
	}

	if err := e.cache.SetAssignments(ctx, store, scope, candidates, e.candidateTTL); err != nil {
		e.logger.Warn("candidate cache write failed", "scope", scope.Key(), "error", err)
	}

	return candidates, nil
}

// EvaluatePromotions evaluates the store's rule base for one scenario.
func (e *Engine) EvaluatePromotions(ctx context.Context, store string, scenario domain.Scenario, input rulebase.Input) ([]domain.RuleMatch, error) {
	if !scenario.Valid() {
		return nil, fmt.Errorf("unknown scenario %q", scenario)
	}
	if input.Now.IsZero() {
		input.Now = e.now()
	}

	rb, err := e.rulebases.GetOrCompile(ctx, store, scenario)
	if err != nil {
		e.metrics.IncCompileErrors()
		return nil, err
	}

	matches, err := rb.Eval(ctx, &input)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordRuleEvaluation(string(scenario), len(matches))
	return matches, nil
}

// ValidateConditionString parses a condition DSL string and reports the
// first syntax error, if any.
func (e *Engine) ValidateConditionString(src string) error {
	_, err := condition.Parse(src)
	return err
}

// RedeemCoupon records one coupon use for an order.
func (e *Engine) RedeemCoupon(ctx context.Context, code, email, orderGUID string) error {
	err := e.ledger.Redeem(ctx, code, email, orderGUID, e.now())
	e.metrics.RecordCouponRedemption(redemptionOutcome(err))
	return err
}

// ReleaseCoupon undoes a coupon application for an abandoned order.
func (e *Engine) ReleaseCoupon(ctx context.Context, code, email, orderGUID string) error {
	err := e.ledger.Release(ctx, code, email, orderGUID, e.now())
	e.metrics.RecordCouponRedemption(outcomeLabel(err, "released"))
	return err
}

func redemptionOutcome(err error) string {
	return outcomeLabel(err, "redeemed")
}

func outcomeLabel(err error, success string) string {
	switch {
	case err == nil:
		return success
	case errors.Is(err, coupon.ErrCouponNotFound):
		return "not_found"
	case errors.Is(err, coupon.ErrCouponSuspended):
		return "suspended"
	case errors.Is(err, coupon.ErrCouponExpired):
		return "expired"
	case errors.Is(err, coupon.ErrCouponLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, coupon.ErrCouponAlreadyApplied):
		return "already_applied"
	default:
		return "error"
	}
}

// Authoring operations. Each save publishes a change event so every node
// invalidates its caches.

// SaveSellingContext persists a selling context after validating every
// bound condition parses.
func (e *Engine) SaveSellingContext(ctx context.Context, sc *domain.SellingContext) error {
	if sc != nil {
		for dict, cond := range sc.Conditions {
			if cond == nil {
				continue
			}
			if cond.TagDictionaryGUID == "" {
				cond.TagDictionaryGUID = dict
			}
			if err := e.evaluator.Validate(cond); err != nil {
				return fmt.Errorf("condition for %s: %w", dict, err)
			}
		}
	}
	return e.repo.SaveSellingContext(ctx, sc)
}

// GetSellingContext loads a selling context by guid.
func (e *Engine) GetSellingContext(ctx context.Context, guid string) (*domain.SellingContext, error) {
	return e.repo.GetSellingContext(ctx, guid)
}

// SaveAssignment persists an assignment and announces the scope change.
func (e *Engine) SaveAssignment(ctx context.Context, a *domain.Assignment) error {
	if err := e.repo.SaveAssignment(ctx, a); err != nil {
		return err
	}
	e.publishAssignmentChanged(ctx, a.Scope)
	return nil
}

// SaveRule persists a promotion rule and announces the rule change. The
// eligibility expression is compiled first so a bad rule never reaches
// the database.
func (e *Engine) SaveRule(ctx context.Context, rule *domain.PromotionRule) error {
	if rule != nil && rule.Eligibility != "" {
		if err := rulebase.ValidateEligibility(rule.Eligibility); err != nil {
			return err
		}
	}
	if err := e.repo.SaveRule(ctx, rule); err != nil {
		return err
	}
	e.publishRuleChanged(ctx, rule)
	return nil
}

// GetRule loads a promotion rule by guid.
func (e *Engine) GetRule(ctx context.Context, guid string) (*domain.PromotionRule, error) {
	return e.repo.GetRule(ctx, guid)
}

// ListRules lists the promotion rules of a store.
func (e *Engine) ListRules(ctx context.Context, store string) ([]*domain.PromotionRule, error) {
	return e.repo.ListRules(ctx, store)
}

// SaveCoupon persists a coupon with its config.
func (e *Engine) SaveCoupon(ctx context.Context, c *domain.Coupon, cfg *domain.CouponConfig) error {
	if err := e.repo.SaveCoupon(ctx, c, cfg); err != nil {
		return err
	}
	if e.bus != nil {
		payload, _ := json.Marshal(map[string]string{"couponCode": c.CouponCode})
		if err := e.bus.Publish(ctx, "_global", domain.TopicCouponChanged, payload); err != nil {
			e.logger.Warn("coupon change publish failed", "coupon_code", c.CouponCode, "error", err)
		}
	}
	return nil
}

func (e *Engine) publishRuleChanged(ctx context.Context, rule *domain.PromotionRule) {
	if e.bus == nil || rule == nil {
		return
	}
	payload, _ := json.Marshal(domain.RuleChangedEvent{
		Store:    rule.Store,
		Scenario: rule.Scenario,
		RuleGUID: rule.GUID,
	})
	if err := e.bus.Publish(ctx, rule.Store, domain.TopicRuleChanged, payload); err != nil {
		e.logger.Warn("rule change publish failed", "rule_guid", rule.GUID, "error", err)
	}
}

func (e *Engine) publishAssignmentChanged(ctx context.Context, scope domain.Scope) {
	if e.bus == nil {
		return
	}
	store := scope.Store
	if store == "" {
		store = "_global"
	}
	payload, _ := json.Marshal(domain.AssignmentChangedEvent{Scope: scope})
	if err := e.bus.Publish(ctx, store, domain.TopicAssignmentChanged, payload); err != nil {
		e.logger.Warn("assignment change publish failed", "scope", scope.Key(), "error", err)
	}
}

// Invalidation hooks, called by the worker when change events arrive.

// InvalidateRules marks a scenario's rule base stale and recompiles it in
// the background. Readers keep the previous rule base until the swap.
func (e *Engine) InvalidateRules(ctx context.Context, store string, scenario domain.Scenario) {
	e.rulebases.Invalidate(store, scenario)
	e.metrics.IncCompilations()
	if _, err := e.rulebases.Recompile(ctx, store, scenario); err != nil {
		e.metrics.IncCompileErrors()
		e.logger.Error("rule base recompile failed",
			"store", store, "scenario", string(scenario), "error", err)
	}
}

// InvalidateScope drops the cached candidate list of one scope.
func (e *Engine) InvalidateScope(ctx context.Context, scope domain.Scope) {
	store := scope.Store
	if store == "" {
		store = "_global"
	}
	if err := e.cache.Delete(ctx, store, domain.AssignmentsKey(scope)); err != nil {
		e.logger.Warn("candidate cache invalidation failed", "scope", scope.Key(), "error", err)
	}
}

// ReloadRules recompiles both scenarios of one store, for the admin
// reload endpoint.
func (e *Engine) ReloadRules(ctx context.Context, store string) error {
	var firstErr error
	for _, scenario := range []domain.Scenario{domain.ScenarioCatalogBrowse, domain.ScenarioCart} {
		e.rulebases.Invalidate(store, scenario)
		e.metrics.IncCompilations()
		if _, err := e.rulebases.Recompile(ctx, store, scenario); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping reports readiness of the engine's backends.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if err := e.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if e.bus != nil {
		if err := e.bus.Ping(ctx); err != nil {
			return fmt.Errorf("bus: %w", err)
		}
	}
	return nil
}
