package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/segmentio/kafka-go"
)

// KafkaBus implements EventBus on Kafka topics named harrier.<tenant>.<topic>.
// Subscribers of a work topic share a consumer group, so each message is
// handled once across replicas. Broadcast topics give every subscription
// its own group starting at the newest offset.
type KafkaBus struct {
	mu            sync.Mutex
	writer        *kafka.Writer
	brokers       []string
	groupID       string
	subscriptions map[string]*kafkaSubscription
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus creates a Kafka-backed event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "harrier"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}

	slog.Info("kafka bus configured", "brokers", cfg.KafkaBrokers, "group_id", groupID)

	return &KafkaBus{
		writer:        writer,
		brokers:       cfg.KafkaBrokers,
		groupID:       groupID,
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes a message keyed by tenant.
func (b *KafkaBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.makeTopic(tenantID, topic),
		Key:   []byte(tenantID),
		Value: data,
	})
}

// Subscribe starts a consumer-group reader for the topic.
func (b *KafkaBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	kafkaTopic := b.makeTopic(tenantID, topic)
	id := uuid.New().String()
	reader := kafka.NewReader(b.readerConfig(kafkaTopic, topic, id))

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     id,
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}

	go func() {
		defer close(sub.done)
		for {
			m, err := reader.ReadMessage(subCtx)
			if err != nil {
				if subCtx.Err() == nil && !errors.Is(err, context.Canceled) {
					slog.Error("kafka read failed", "topic", kafkaTopic, "error", err)
				}
				return
			}

			var msg domain.Message
			if err := json.Unmarshal(m.Value, &msg); err != nil {
				slog.Error("failed to unmarshal kafka message", "topic", kafkaTopic, "error", err)
				continue
			}
			if err := handler(subCtx, &msg); err != nil {
				slog.Error("handler error",
					"topic", kafkaTopic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}()

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every reader and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return b.writer.Close()
}

func (b *KafkaBus) readerConfig(kafkaTopic, topic, subID string) kafka.ReaderConfig {
	cfg := kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    kafkaTopic,
		GroupID:  b.groupID + "." + kafkaTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	}
	if !domain.IsWorkTopic(topic) {
		cfg.GroupID += "." + subID
		cfg.StartOffset = kafka.LastOffset
	}
	return cfg
}

func (b *KafkaBus) makeTopic(tenantID, topic string) string {
	return fmt.Sprintf("harrier.%s.%s", tenantID, topic)
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Unsubscribe stops the reader and leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
