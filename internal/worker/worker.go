// Package worker consumes authoring change events and invalidates the
// node's caches. Every node runs one worker, so a save on any node drops
// the stale rule bases and candidate lists everywhere.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/engine"
)

// Worker processes change events from the EventBus.
type Worker struct {
	bus    domain.EventBus
	engine *engine.Engine

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Stores is the list of store codes to watch. The global partition is
	// always watched for storeless assignment scopes and coupon changes.
	Stores []string
}

// NewWorker creates an invalidation worker over the given engine.
func NewWorker(bus domain.EventBus, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the change topics of every configured store.
func (w *Worker) Start(cfg Config) error {
	stores := append([]string{"_global"}, cfg.Stores...)

	for _, store := range stores {
		if err := w.watchStore(store); err != nil {
			slog.Error("failed to start worker for store",
				"store", store,
				"error", err,
			)
			return err
		}
	}

	slog.Info("invalidation workers started", "store_count", len(stores))
	return nil
}

func (w *Worker) watchStore(store string) error {
	subs := []struct {
		topic   string
		handler domain.MessageHandler
	}{
		{domain.TopicRuleChanged, w.handleRuleChanged},
		{domain.TopicAssignmentChanged, w.handleAssignmentChanged},
		{domain.TopicCouponChanged, w.handleCouponChanged},
	}

	for _, s := range subs {
		sub, err := w.bus.Subscribe(w.ctx, store, s.topic, s.handler)
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("store watcher started", "store", store)
	return nil
}

// handleRuleChanged marks the affected scenario's rule base stale and
// recompiles it.
func (w *Worker) handleRuleChanged(ctx context.Context, msg *domain.Message) error {
	var event domain.RuleChangedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse rule change event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.Store == "" {
		event.Store = msg.Store
	}

	slog.Debug("rule changed",
		"store", event.Store,
		"scenario", string(event.Scenario),
		"rule_guid", event.RuleGUID,
	)
	w.engine.InvalidateRules(ctx, event.Store, event.Scenario)
	return nil
}

// handleAssignmentChanged drops the cached candidate list of the changed
// scope.
func (w *Worker) handleAssignmentChanged(ctx context.Context, msg *domain.Message) error {
	var event domain.AssignmentChangedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse assignment change event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	slog.Debug("assignment changed", "scope", event.Scope.Key())
	w.engine.InvalidateScope(ctx, event.Scope)
	return nil
}

// handleCouponChanged only logs today. Coupon lookups read through to the
// repository on every validation, so there is no cached state to drop.
func (w *Worker) handleCouponChanged(ctx context.Context, msg *domain.Message) error {
	var event struct {
		CouponCode string `json:"couponCode"`
	}
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return err
	}
	slog.Debug("coupon changed", "coupon_code", event.CouponCode)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
