package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-commerce/talon/internal/bus"
	"github.com/opensource-commerce/talon/internal/cache"
	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/coupon"
	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/rulebase"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRepo is an in-memory domain.Repository that counts assignment
// queries so the read-through caching behavior is observable.
type fakeRepo struct {
	mu sync.Mutex

	assignments map[string][]*domain.Assignment // scope key -> candidates
	rules       map[string]*domain.PromotionRule
	contexts    map[string]*domain.SellingContext
	coupons     map[string]*domain.Coupon
	usages      map[string]*domain.CouponUsage

	assignmentQueries int
	ruleQueries       int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		assignments: make(map[string][]*domain.Assignment),
		rules:       make(map[string]*domain.PromotionRule),
		contexts:    make(map[string]*domain.SellingContext),
		coupons:     make(map[string]*domain.Coupon),
		usages:      make(map[string]*domain.CouponUsage),
	}
}

func (r *fakeRepo) FindActiveAssignments(ctx context.Context, scope domain.Scope) ([]*domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignmentQueries++
	return r.assignments[scope.Key()], nil
}

func (r *fakeRepo) FindEnabledRules(ctx context.Context, store string, scenario domain.Scenario) ([]*domain.PromotionRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ruleQueries++
	var out []*domain.PromotionRule
	for _, rule := range r.rules {
		if rule.Store == store && rule.Scenario == scenario && rule.Enabled {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *fakeRepo) FindCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (r *fakeRepo) FindCouponUsage(ctx context.Context, code, email string) (*domain.CouponUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usages[code+"|"+email]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	cp.ActiveInCart = append([]string(nil), u.ActiveInCart...)
	return &cp, nil
}

func (r *fakeRepo) SaveCouponUsage(ctx context.Context, usage *domain.CouponUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := usage.CouponCode + "|" + usage.CustomerEmailAddress
	existing, ok := r.usages[key]
	if usage.Version == 0 {
		if ok {
			return domain.ErrVersionConflict
		}
		usage.Version = 1
	} else {
		if !ok || existing.Version != usage.Version {
			return domain.ErrVersionConflict
		}
		usage.Version++
	}
	cp := *usage
	cp.ActiveInCart = append([]string(nil), usage.ActiveInCart...)
	r.usages[key] = &cp
	return nil
}

func (r *fakeRepo) SaveSellingContext(ctx context.Context, sc *domain.SellingContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[sc.GUID] = sc
	return nil
}

func (r *fakeRepo) GetSellingContext(ctx context.Context, guid string) (*domain.SellingContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.contexts[guid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sc, nil
}

func (r *fakeRepo) SaveAssignment(ctx context.Context, a *domain.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := a.Scope.Key()
	r.assignments[key] = append(r.assignments[key], a)
	return nil
}

func (r *fakeRepo) SaveRule(ctx context.Context, rule *domain.PromotionRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.GUID] = rule
	return nil
}

func (r *fakeRepo) GetRule(ctx context.Context, guid string) (*domain.PromotionRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[guid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rule, nil
}

func (r *fakeRepo) ListRules(ctx context.Context, store string) ([]*domain.PromotionRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.PromotionRule
	for _, rule := range r.rules {
		if rule.Store == store {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *fakeRepo) SaveCoupon(ctx context.Context, c *domain.Coupon, cfg *domain.CouponConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Config = cfg
	r.coupons[c.CouponCode] = c
	return nil
}

func (r *fakeRepo) Ping(ctx context.Context) error { return nil }
func (r *fakeRepo) Close() error                   { return nil }

func (r *fakeRepo) queries() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignmentQueries, r.ruleQueries
}

func newTestEngine(t *testing.T, repo *fakeRepo) (*Engine, *bus.ChannelBus) {
	t.Helper()
	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })
	eng := New(repo, cache.NewLRUCache(100), eventBus, Options{
		Now: func() time.Time { return testNow },
	})
	return eng, eventBus
}

func plaScope() domain.Scope {
	return domain.Scope{
		Kind:        domain.ScopePriceList,
		Store:       "snapitup",
		CatalogGUID: "catalog-1",
		Currency:    "USD",
	}
}

func goldContext() *domain.SellingContext {
	return &domain.SellingContext{
		GUID:     "sc-gold",
		Name:     "Gold members",
		Priority: 1,
		Conditions: map[string]*domain.ConditionalExpression{
			domain.DictionaryShopper: {
				GUID:              "cond-gold",
				TagDictionaryGUID: domain.DictionaryShopper,
				ConditionString:   "{memberType.equals('gold')}",
			},
		},
	}
}

func goldTags() condition.TagContext {
	return condition.TagContext{
		domain.DictionaryShopper: {"memberType": condition.String("gold")},
	}
}

func TestResolvePriceListsOrdersByPriority(t *testing.T) {
	repo := newFakeRepo()
	scope := plaScope()
	repo.assignments[scope.Key()] = []*domain.Assignment{
		{GUID: "pla-2", Priority: 2, Enabled: true, Scope: scope, PayloadGUID: "plist-sale"},
		{GUID: "pla-1", Priority: 1, Enabled: true, Scope: scope, PayloadGUID: "plist-gold",
			SellingContextGUID: "sc-gold", SellingContext: goldContext()},
	}
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()

	matched, err := eng.ResolvePriceLists(ctx, scope, goldTags())
	if err != nil {
		t.Fatalf("ResolvePriceLists: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matched))
	}
	if matched[0].PayloadGUID != "plist-gold" || matched[1].PayloadGUID != "plist-sale" {
		t.Errorf("wrong order: %s, %s", matched[0].PayloadGUID, matched[1].PayloadGUID)
	}

	// A shopper outside the gold context only gets the ungated list.
	matched, err = eng.ResolvePriceLists(ctx, scope, condition.TagContext{
		domain.DictionaryShopper: {"memberType": condition.String("bronze")},
	})
	if err != nil {
		t.Fatalf("ResolvePriceLists: %v", err)
	}
	if len(matched) != 1 || matched[0].PayloadGUID != "plist-sale" {
		t.Errorf("expected only plist-sale, got %v", matched)
	}
}

func TestResolveContentReturnsSingleWinner(t *testing.T) {
	repo := newFakeRepo()
	scope := domain.Scope{Kind: domain.ScopeContent, Store: "snapitup", SlotGUID: "slot-banner"}
	repo.assignments[scope.Key()] = []*domain.Assignment{
		{GUID: "dc-2", Priority: 2, Enabled: true, Scope: scope, PayloadGUID: "content-default"},
		{GUID: "dc-1", Priority: 1, Enabled: true, Scope: scope, PayloadGUID: "content-gold",
			SellingContext: goldContext()},
	}
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()

	winner, err := eng.ResolveContent(ctx, scope, goldTags())
	if err != nil {
		t.Fatalf("ResolveContent: %v", err)
	}
	if winner == nil || winner.PayloadGUID != "content-gold" {
		t.Fatalf("expected content-gold, got %v", winner)
	}
}

func TestResolveContentNoMatchReturnsNil(t *testing.T) {
	repo := newFakeRepo()
	eng, _ := newTestEngine(t, repo)

	winner, err := eng.ResolveContent(context.Background(),
		domain.Scope{Kind: domain.ScopeContent, Store: "snapitup", SlotGUID: "slot-empty"},
		goldTags())
	if err != nil {
		t.Fatalf("ResolveContent: %v", err)
	}
	if winner != nil {
		t.Errorf("expected nil winner, got %v", winner)
	}
}

func TestResolveReadsThroughCache(t *testing.T) {
	repo := newFakeRepo()
	scope := plaScope()
	repo.assignments[scope.Key()] = []*domain.Assignment{
		{GUID: "pla-1", Priority: 1, Enabled: true, Scope: scope, PayloadGUID: "plist-1"},
	}
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()

	// Each miss queries the store partition and the storeless one; both
	// are cached after the first resolve.
	for i := 0; i < 5; i++ {
		if _, err := eng.ResolvePriceLists(ctx, scope, nil); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if q, _ := repo.queries(); q != 2 {
		t.Errorf("expected 2 repository queries, got %d", q)
	}
}

func TestResolveMergesStorelessAssignments(t *testing.T) {
	repo := newFakeRepo()
	scope := plaScope()
	shared := scope
	shared.Store = ""

	// One assignment authored for the store, one authored without a store.
	// Both must be in the store's resolution, ordered by priority.
	repo.assignments[scope.Key()] = []*domain.Assignment{
		{GUID: "pla-store", Priority: 2, Enabled: true, Scope: scope, PayloadGUID: "plist-store"},
	}
	repo.assignments[shared.Key()] = []*domain.Assignment{
		{GUID: "pla-shared", Priority: 1, Enabled: true, Scope: shared, PayloadGUID: "plist-shared"},
	}
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()

	matched, err := eng.ResolvePriceLists(ctx, scope, nil)
	if err != nil {
		t.Fatalf("ResolvePriceLists: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected store and storeless assignments, got %d", len(matched))
	}
	if matched[0].PayloadGUID != "plist-shared" || matched[1].PayloadGUID != "plist-store" {
		t.Errorf("wrong order: %s, %s", matched[0].PayloadGUID, matched[1].PayloadGUID)
	}

	// A storeless scope resolves only the shared partition.
	matched, err = eng.ResolvePriceLists(ctx, shared, nil)
	if err != nil {
		t.Fatalf("ResolvePriceLists: %v", err)
	}
	if len(matched) != 1 || matched[0].PayloadGUID != "plist-shared" {
		t.Errorf("expected only plist-shared for storeless scope, got %v", matched)
	}
}

func TestResolveCachesEmptyCandidateLists(t *testing.T) {
	repo := newFakeRepo()
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()
	scope := plaScope()

	for i := 0; i < 3; i++ {
		matched, err := eng.ResolvePriceLists(ctx, scope, nil)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if len(matched) != 0 {
			t.Fatalf("expected no matches, got %d", len(matched))
		}
	}
	if q, _ := repo.queries(); q != 2 {
		t.Errorf("unknown scope should be cached after first miss, got %d queries", q)
	}
}

func TestInvalidateScopeDropsCachedCandidates(t *testing.T) {
	repo := newFakeRepo()
	scope := plaScope()
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()

	if _, err := eng.ResolvePriceLists(ctx, scope, nil); err != nil {
		t.Fatal(err)
	}
	repo.mu.Lock()
	repo.assignments[scope.Key()] = []*domain.Assignment{
		{GUID: "pla-new", Priority: 1, Enabled: true, Scope: scope, PayloadGUID: "plist-new"},
	}
	repo.mu.Unlock()

	// Still served from cache.
	matched, err := eng.ResolvePriceLists(ctx, scope, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected stale empty list before invalidation, got %d", len(matched))
	}

	eng.InvalidateScope(ctx, scope)

	matched, err = eng.ResolvePriceLists(ctx, scope, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 || matched[0].PayloadGUID != "plist-new" {
		t.Errorf("expected plist-new after invalidation, got %v", matched)
	}
}

func TestEvaluatePromotions(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["rule-1"] = &domain.PromotionRule{
		GUID: "rule-1", Code: "GOLD10", Name: "Gold discount",
		Store: "snapitup", Scenario: domain.ScenarioCart,
		Eligibility: `tags.SHOPPER.memberType == "gold" && cart.subtotal > 50.0`,
		Enabled:     true, Actions: `{"discount":10}`,
	}
	repo.rules["rule-2"] = &domain.PromotionRule{
		GUID: "rule-2", Code: "FREESHIP", Name: "Free shipping",
		Store: "snapitup", Scenario: domain.ScenarioCart,
		Enabled: true,
	}
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()

	matches, err := eng.EvaluatePromotions(ctx, "snapitup", domain.ScenarioCart, rulebase.Input{
		Tags: goldTags(),
		Cart: map[string]any{"subtotal": 80.0},
	})
	if err != nil {
		t.Fatalf("EvaluatePromotions: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}

	// Low subtotal drops the gated rule.
	matches, err = eng.EvaluatePromotions(ctx, "snapitup", domain.ScenarioCart, rulebase.Input{
		Tags: goldTags(),
		Cart: map[string]any{"subtotal": 20.0},
	})
	if err != nil {
		t.Fatalf("EvaluatePromotions: %v", err)
	}
	if len(matches) != 1 || matches[0].Code != "FREESHIP" {
		t.Errorf("expected only FREESHIP, got %v", matches)
	}
}

func TestEvaluatePromotionsRejectsUnknownScenario(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeRepo())
	if _, err := eng.EvaluatePromotions(context.Background(), "snapitup", "CHECKOUT", rulebase.Input{}); err == nil {
		t.Error("expected error for unknown scenario")
	}
}

func TestEvaluatePromotionsCachesRuleBase(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["rule-1"] = &domain.PromotionRule{
		GUID: "rule-1", Code: "ALWAYS", Store: "snapitup",
		Scenario: domain.ScenarioCart, Enabled: true,
	}
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := eng.EvaluatePromotions(ctx, "snapitup", domain.ScenarioCart, rulebase.Input{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, rq := repo.queries(); rq != 1 {
		t.Errorf("expected 1 rule query, got %d", rq)
	}

	eng.InvalidateRules(ctx, "snapitup", domain.ScenarioCart)
	if _, err := eng.EvaluatePromotions(ctx, "snapitup", domain.ScenarioCart, rulebase.Input{}); err != nil {
		t.Fatal(err)
	}
	if _, rq := repo.queries(); rq != 2 {
		t.Errorf("expected recompile after invalidation, got %d rule queries", rq)
	}
}

func TestSaveRuleRejectsBadEligibility(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeRepo())
	err := eng.SaveRule(context.Background(), &domain.PromotionRule{
		GUID: "rule-bad", Code: "BAD", Store: "snapitup",
		Scenario:    domain.ScenarioCart,
		Eligibility: `cart.subtotal +`,
		Enabled:     true,
	})
	if err == nil {
		t.Error("expected compile error for bad eligibility")
	}

	err = eng.SaveRule(context.Background(), &domain.PromotionRule{
		GUID: "rule-str", Code: "STR", Store: "snapitup",
		Scenario:    domain.ScenarioCart,
		Eligibility: `"not a bool"`,
		Enabled:     true,
	})
	if err == nil {
		t.Error("expected error for non-bool eligibility")
	}
}

func TestSaveRulePublishesChangeEvent(t *testing.T) {
	eng, eventBus := newTestEngine(t, newFakeRepo())
	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	sub, err := eventBus.Subscribe(ctx, "snapitup", domain.TopicRuleChanged,
		func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	err = eng.SaveRule(ctx, &domain.PromotionRule{
		GUID: "rule-1", Code: "GOLD10", Store: "snapitup",
		Scenario: domain.ScenarioCart, Enabled: true,
	})
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Store != "snapitup" {
			t.Errorf("expected store snapitup, got %s", msg.Store)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no rule change event received")
	}
}

func TestSaveSellingContextValidatesConditions(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeRepo())
	ctx := context.Background()

	err := eng.SaveSellingContext(ctx, &domain.SellingContext{
		GUID: "sc-bad", Name: "Broken",
		Conditions: map[string]*domain.ConditionalExpression{
			domain.DictionaryShopper: {ConditionString: "AND {memberType.equals('gold')"},
		},
	})
	if err == nil {
		t.Error("expected parse error for unbalanced condition")
	}

	sc := goldContext()
	if err := eng.SaveSellingContext(ctx, sc); err != nil {
		t.Fatalf("SaveSellingContext: %v", err)
	}
	got, err := eng.GetSellingContext(ctx, sc.GUID)
	if err != nil {
		t.Fatalf("GetSellingContext: %v", err)
	}
	if got.Name != "Gold members" {
		t.Errorf("wrong context: %v", got)
	}
}

func TestRedeemCouponOutcomes(t *testing.T) {
	repo := newFakeRepo()
	repo.coupons["SAVE10"] = &domain.Coupon{
		GUID: "coupon-1", CouponCode: "SAVE10",
		Config: &domain.CouponConfig{
			GUID: "cfg-1", RuleCode: "GOLD10",
			UsageLimit: 1, UsageType: domain.UsagePerCustomer,
		},
	}
	eng, _ := newTestEngine(t, repo)
	ctx := context.Background()

	if err := eng.RedeemCoupon(ctx, "SAVE10", "a@example.com", "order-1"); err != nil {
		t.Fatalf("RedeemCoupon: %v", err)
	}
	if err := eng.RedeemCoupon(ctx, "SAVE10", "a@example.com", "order-2"); !errors.Is(err, coupon.ErrCouponLimitExceeded) {
		t.Errorf("expected limit exceeded, got %v", err)
	}
	if err := eng.RedeemCoupon(ctx, "NOPE", "a@example.com", "order-1"); !errors.Is(err, coupon.ErrCouponNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := eng.ReleaseCoupon(ctx, "SAVE10", "a@example.com", "order-1"); err != nil {
		t.Fatalf("ReleaseCoupon: %v", err)
	}
	if err := eng.RedeemCoupon(ctx, "SAVE10", "a@example.com", "order-3"); err != nil {
		t.Errorf("redeem after release: %v", err)
	}
}

func TestValidateConditionString(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeRepo())
	if err := eng.ValidateConditionString("AND {memberType.equals('gold')} {isLoggedIn(true)}"); err != nil {
		t.Errorf("valid condition rejected: %v", err)
	}
	if err := eng.ValidateConditionString("XOR {memberType.equals('gold')}"); err == nil {
		t.Error("expected error for unknown operator")
	}
}

func TestPing(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeRepo())
	if err := eng.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
