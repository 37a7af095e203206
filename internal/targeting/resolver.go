package targeting

import (
	"sort"
	"time"

	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/domain"
)

// Resolver selects the applicable assignment(s) from a scope's candidate
// list. It reads an externally supplied list and holds no shared mutable
// state, so a single instance serves concurrent callers without locking.
type Resolver struct {
	eval *Evaluator
}

// NewResolver creates a resolver using the given evaluator.
func NewResolver(eval *Evaluator) *Resolver {
	return &Resolver{eval: eval}
}

// Resolve returns the single winning assignment for a scope, or nil when
// none applies; an empty result is a normal outcome, not an error.
// Survivors of the enabled/hidden/window/selling-context filter are ranked
// by ascending priority; equal priorities break on lexical guid order so
// resolution stays deterministic across runs.
func (r *Resolver) Resolve(candidates []*domain.Assignment, tc condition.TagContext, now time.Time) (*domain.Assignment, error) {
	matched, err := r.filter(candidates, tc, now)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return matched[0], nil
}

// ResolveAll returns every applicable assignment ordered by ascending
// priority (guid order within equal priorities). Price-list scopes use
// this form: tiered assignments legitimately coexist and the caller
// applies cascading logic over the ordered list.
func (r *Resolver) ResolveAll(candidates []*domain.Assignment, tc condition.TagContext, now time.Time) ([]*domain.Assignment, error) {
	return r.filter(candidates, tc, now)
}

func (r *Resolver) filter(candidates []*domain.Assignment, tc condition.TagContext, now time.Time) ([]*domain.Assignment, error) {
	matched := make([]*domain.Assignment, 0, len(candidates))
	for _, a := range candidates {
		if a == nil || !a.Enabled || a.Hidden || !a.WithinWindow(now) {
			continue
		}
		ok, err := r.eval.Evaluate(a.SellingContext, tc)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, a)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].GUID < matched[j].GUID
	})

	return matched, nil
}
