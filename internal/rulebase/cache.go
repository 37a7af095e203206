package rulebase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/targeting"
)

// RuleSource supplies the enabled rules of a store and scenario.
// Satisfied by domain.Repository.
type RuleSource interface {
	FindEnabledRules(ctx context.Context, store string, scenario domain.Scenario) ([]*domain.PromotionRule, error)
}

type cacheKey struct {
	store    string
	scenario domain.Scenario
}

// Cache holds one compiled rule base per store and scenario. It is an
// explicitly owned, injected instance, never a process-wide global.
//
// Readers take the read lock only to fetch the current instance pointer.
// Recompilation runs off-lock into a fresh RuleBase; the write lock is
// held only for the pointer swap, so readers keep serving the prior valid
// instance while a recompile is in flight.
type Cache struct {
	mu          sync.RWMutex
	entries     map[cacheKey]*RuleBase
	generations map[cacheKey]uint64

	// compilers serializes recompiles per key without blocking readers.
	compilers sync.Map // cacheKey -> *sync.Mutex

	repo    RuleSource
	eval    *targeting.Evaluator
	coupons CouponValidator
}

// NewCache creates a rule-base cache over the given repository.
func NewCache(repo RuleSource, eval *targeting.Evaluator, coupons CouponValidator) *Cache {
	return &Cache{
		entries:     make(map[cacheKey]*RuleBase),
		generations: make(map[cacheKey]uint64),
		repo:        repo,
		eval:        eval,
		coupons:     coupons,
	}
}

// GetOrCompile returns the current valid rule base for a store and
// scenario, compiling one when the cached instance is missing or stale.
// When a recompile fails and a previous valid instance exists, that
// instance is returned and the failure is logged: a bad rule must never
// take down evaluation for unrelated rules.
func (c *Cache) GetOrCompile(ctx context.Context, store string, scenario domain.Scenario) (*RuleBase, error) {
	key := cacheKey{store: store, scenario: scenario}

	c.mu.RLock()
	current := c.entries[key]
	gen := c.generations[key]
	c.mu.RUnlock()

	if current != nil && current.generation == gen {
		return current, nil
	}

	base, err := c.recompile(ctx, key)
	if err != nil {
		if current != nil {
			slog.Warn("rule base recompile failed, serving previous instance",
				"store", store,
				"scenario", scenario,
				"error", err,
			)
			return current, nil
		}
		return nil, err
	}
	return base, nil
}

// Invalidate marks the rule base for a store and scenario stale. The
// rule-authoring collaborator must call this on every add, update or
// removal of a rule in the scenario.
func (c *Cache) Invalidate(store string, scenario domain.Scenario) {
	key := cacheKey{store: store, scenario: scenario}

	c.mu.Lock()
	c.generations[key]++
	c.mu.Unlock()
}

// Recompile synchronously rebuilds the rule base for a store and scenario
// and atomically swaps it in. On failure the previous valid instance
// stays live and the compilation error is returned to the caller.
func (c *Cache) Recompile(ctx context.Context, store string, scenario domain.Scenario) (*RuleBase, error) {
	return c.recompile(ctx, cacheKey{store: store, scenario: scenario})
}

func (c *Cache) recompile(ctx context.Context, key cacheKey) (*RuleBase, error) {
	if !key.scenario.Valid() {
		return nil, fmt.Errorf("unknown scenario %q", key.scenario)
	}

	// One compiler per key at a time; readers are not blocked.
	lockAny, _ := c.compilers.LoadOrStore(key, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	c.mu.RLock()
	gen := c.generations[key]
	current := c.entries[key]
	c.mu.RUnlock()

	// Another compiler may have finished while we waited on the lock.
	if current != nil && current.generation == gen {
		return current, nil
	}

	ruleSet, err := c.repo.FindEnabledRules(ctx, key.store, key.scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	base, err := compile(key.store, key.scenario, gen, ruleSet, c.eval, c.coupons)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Swap in only when no invalidation raced the compile; a stale
	// compile still serves its own caller.
	if c.generations[key] == gen {
		c.entries[key] = base
	}
	c.mu.Unlock()

	slog.Debug("rule base compiled",
		"store", key.store,
		"scenario", key.scenario,
		"rules", base.RuleCount(),
		"generation", gen,
	)

	return base, nil
}

// Current returns the cached instance without compiling, or nil. Used by
// health reporting and tests.
func (c *Cache) Current(store string, scenario domain.Scenario) *RuleBase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[cacheKey{store: store, scenario: scenario}]
}
