package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQBus implements EventBus on a durable topic exchange.
// Routing keys are <tenant>.<topic>. Work topics are consumed from a shared
// durable queue of the same name; broadcast topics give each subscription an
// exclusive auto-deleted queue. Every subscription has its own channel.
type RabbitMQBus struct {
	mu            sync.Mutex
	conn          *amqp.Connection
	pubCh         *amqp.Channel
	exchange      string
	subscriptions map[string]*rabbitSubscription
}

type rabbitSubscription struct {
	id    string
	topic string
	tag   string
	ch    *amqp.Channel
	bus   *RabbitMQBus
}

// NewRabbitMQBus dials the broker and declares the exchange.
func NewRabbitMQBus(cfg domain.EventBusConfig) (*RabbitMQBus, error) {
	if cfg.AMQPURL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	exchange := cfg.AMQPExchange
	if exchange == "" {
		exchange = "harrier.events"
	}

	conn, err := amqp.DialConfig(cfg.AMQPURL, amqp.Config{
		Dial: amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	slog.Info("rabbitmq connected", "exchange", exchange)

	return &RabbitMQBus{
		conn:          conn,
		pubCh:         ch,
		exchange:      exchange,
		subscriptions: make(map[string]*rabbitSubscription),
	}, nil
}

// Publish sends a persistent message to the exchange.
func (b *RabbitMQBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	msg := newMessage(tenantID, topic, payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pubCh.PublishWithContext(ctx, b.exchange, b.makeKey(tenantID, topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Body:         data,
	})
}

// Subscribe binds a queue and consumes it. Failed work deliveries are
// requeued; failed broadcast deliveries are dropped.
func (b *RabbitMQBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	key := b.makeKey(tenantID, topic)
	spec := rabbitQueue(key, topic)
	q, err := ch.QueueDeclare(spec.name, spec.durable, spec.autoDelete, spec.exclusive, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, key, b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	sub := &rabbitSubscription{
		id:    uuid.New().String(),
		topic: topic,
		tag:   "harrier-" + uuid.New().String(),
		ch:    ch,
		bus:   b,
	}

	deliveries, err := ch.Consume(q.Name, sub.tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	go func() {
		for d := range deliveries {
			var msg domain.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				slog.Error("failed to unmarshal rabbitmq message", "routing_key", d.RoutingKey, "error", err)
				d.Ack(false)
				continue
			}
			if err := handler(ctx, &msg); err != nil {
				slog.Error("handler error",
					"routing_key", d.RoutingKey,
					"message_id", msg.ID,
					"error", err,
				)
				d.Nack(false, spec.requeue)
				continue
			}
			d.Ack(false)
		}
	}()

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Ping reports whether the connection is open.
func (b *RabbitMQBus) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

// Close cancels every consumer and closes the connection.
func (b *RabbitMQBus) Close() error {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string]*rabbitSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.ch.Close()
	}
	_ = b.pubCh.Close()
	return b.conn.Close()
}

type rabbitQueueSpec struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	requeue    bool
}

// rabbitQueue describes the queue for routing key key. An empty name lets
// the broker generate one.
func rabbitQueue(key, topic string) rabbitQueueSpec {
	if domain.IsWorkTopic(topic) {
		return rabbitQueueSpec{name: "harrier." + key, durable: true, requeue: true}
	}
	return rabbitQueueSpec{autoDelete: true, exclusive: true}
}

func (b *RabbitMQBus) makeKey(tenantID, topic string) string {
	return tenantID + "." + topic
}

// Unsubscribe cancels the consumer. A durable work queue is kept.
func (s *rabbitSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()

	if err := s.ch.Cancel(s.tag, false); err != nil {
		return err
	}
	return s.ch.Close()
}

// Topic returns the subscribed topic.
func (s *rabbitSubscription) Topic() string {
	return s.topic
}
