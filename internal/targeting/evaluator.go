// Package targeting evaluates selling contexts against shopper tag
// contexts and resolves competing assignments.
package targeting

import (
	"fmt"
	"sync"

	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/domain"
)

// Evaluator evaluates selling contexts. Compiled condition trees are
// cached by expression guid, so a condition string is parsed once and the
// immutable tree is shared across concurrent evaluations.
type Evaluator struct {
	mu       sync.RWMutex
	compiled map[string]*compiledEntry
	mode     condition.Mode
}

type compiledEntry struct {
	src  string
	expr *condition.Expression
}

// NewEvaluator creates an evaluator with the given unknown-reference mode.
func NewEvaluator(mode condition.Mode) *Evaluator {
	return &Evaluator{
		compiled: make(map[string]*compiledEntry),
		mode:     mode,
	}
}

// Mode returns the evaluator's unknown-reference mode.
func (e *Evaluator) Mode() condition.Mode { return e.mode }

// Evaluate reports whether the selling context matches the tag context:
// the logical AND of its per-dictionary conditions. A nil or empty selling
// context is vacuously true; a dictionary absent from the tag context
// evaluates the bound condition against an empty attribute set.
// Evaluation is pure and safe for unlimited concurrent callers.
func (e *Evaluator) Evaluate(sc *domain.SellingContext, tc condition.TagContext) (bool, error) {
	if sc == nil || len(sc.Conditions) == 0 {
		return true, nil
	}

	for dict, cond := range sc.Conditions {
		if cond == nil || cond.ConditionString == "" {
			continue
		}
		expr, err := e.compile(cond)
		if err != nil {
			return false, fmt.Errorf("selling context %s, dictionary %s: %w", sc.GUID, dict, err)
		}
		ok, err := expr.Eval(tc[dict], e.mode)
		if err != nil {
			return false, fmt.Errorf("selling context %s, dictionary %s: %w", sc.GUID, dict, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Validate parses a condition without caching it. Used by the authoring
// API so malformed conditions are rejected before they are persisted.
func (e *Evaluator) Validate(cond *domain.ConditionalExpression) error {
	_, err := condition.Parse(cond.ConditionString)
	return err
}

func (e *Evaluator) compile(cond *domain.ConditionalExpression) (*condition.Expression, error) {
	key := cond.GUID
	if key == "" {
		key = cond.ConditionString
	}

	e.mu.RLock()
	entry, ok := e.compiled[key]
	e.mu.RUnlock()
	if ok && entry.src == cond.ConditionString {
		return entry.expr, nil
	}

	expr, err := condition.Parse(cond.ConditionString)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.compiled[key] = &compiledEntry{src: cond.ConditionString, expr: expr}
	e.mu.Unlock()

	return expr, nil
}

// CompiledCount returns the number of cached compiled conditions.
func (e *Evaluator) CompiledCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}
