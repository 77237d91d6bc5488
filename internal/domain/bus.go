package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS, Kafka or RabbitMQ (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
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
	// Type is the bus type: "channel", "nats", "kafka" or "rabbitmq"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
	NATSQueueGroup    string

	// Kafka settings
	KafkaBrokers []string
	KafkaGroupID string

	// RabbitMQ settings
	AMQPURL      string
	AMQPExchange string
}

// Standard topic names for the case pipeline.
const (
	TopicTransactionSubmitted = "harrier.transaction.submitted"
	TopicScoreRecorded        = "harrier.score.recorded"
	TopicScoreUpdated         = "harrier.score.updated"
	TopicCaseOpened           = "harrier.case.opened"
	TopicCaseUpdated          = "harrier.case.updated"
	TopicRestockUpdated       = "harrier.restock.updated"
)

// IsWorkTopic reports whether each message on topic is handled by exactly
// one subscriber across replicas. Every other topic is broadcast to all
// subscribers.
func IsWorkTopic(topic string) bool {
	return topic == TopicTransactionSubmitted
}

// GlobalTenant carries messages that are not owned by a single tenant,
// such as score pushes relayed from the scorer.
const GlobalTenant = "_global"

// ScoreUpdate is the payload of TopicScoreUpdated and of realtime pushes.
type ScoreUpdate struct {
	TransactionID string  `json:"transactionId"`
	RiskScore     float64 `json:"riskScore"`
}
