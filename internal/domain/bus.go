package domain

import (
	"context"
)

// EventBus carries authoring change events from the management API to the
// invalidation worker. Backed by Go channels in the community tier or
// NATS in the pro tier. All methods take a store code for isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, store string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. Returns a subscription
	// that can be used to unsubscribe.
	Subscribe(ctx context.Context, store string, topic string, handler MessageHandler) (Subscription, error)

	// Health check.
	Ping(ctx context.Context) error

	// Lifecycle.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Store     string            `json:"store"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats".
	Type string

	// Channel settings.
	ChannelBufferSize int

	// NATS settings.
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Authoring change topics. Every add/update/remove of a rule publishes to
// TopicRuleChanged so the affected scenario's rule base gets invalidated.
const (
	TopicRuleChanged       = "talon.rule.changed"
	TopicAssignmentChanged = "talon.assignment.changed"
	TopicCouponChanged     = "talon.coupon.changed"
)

// RuleChangedEvent is the payload for TopicRuleChanged.
type RuleChangedEvent struct {
	Store    string   `json:"store"`
	Scenario Scenario `json:"scenario"`
	RuleGUID string   `json:"ruleGuid"`
}

// AssignmentChangedEvent is the payload for TopicAssignmentChanged.
type AssignmentChangedEvent struct {
	Scope Scope `json:"scope"`
}
