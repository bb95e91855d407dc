// Package notify announces applied attendance events to downstream
// consumers (reporting, payroll exports) once the server has processed them.
//
// Publishing is best effort and happens after the event log records the
// event as processed; a lost notification never causes the event to be
// applied twice. Each Publish is bounded by a timeout so an unreachable
// broker cannot hold the ingestion response.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/roach88/attendsync/internal/event"
)

// Publisher announces a processed log entry.
type Publisher interface {
	Publish(ctx context.Context, entry event.LogEntry) error
	Close() error
}

// Nop discards every notification.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, event.LogEntry) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Message is the JSON value written for each processed event.
type Message struct {
	ID          string          `json:"id"`
	Kind        event.Kind      `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultPublishTimeout bounds a single Publish call.
const DefaultPublishTimeout = 2 * time.Second

// KafkaPublisher writes one message per processed event, keyed by event id
// so every notification for an event lands on the same partition.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// KafkaOption configures a KafkaPublisher.
type KafkaOption func(*KafkaPublisher)

// WithPublishTimeout overrides DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) KafkaOption {
	return func(p *KafkaPublisher) { p.timeout = d }
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, opts ...KafkaOption) *KafkaPublisher {
	p := &KafkaPublisher{topic: topic, timeout: DefaultPublishTimeout}
	for _, opt := range opts {
		opt(p)
	}
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		MaxAttempts:            2,
		WriteTimeout:           p.timeout,
	}
	return p
}

// Publish writes entry to the topic, giving up after the publish timeout.
func (p *KafkaPublisher) Publish(ctx context.Context, entry event.LogEntry) error {
	value, err := json.Marshal(Message{
		ID:          entry.ID,
		Kind:        entry.EventType,
		Payload:     entry.Payload,
		CreatedAt:   entry.CreatedAt,
		ProcessedAt: entry.ProcessedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", entry.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(entry.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(entry.EventType)},
		},
	}
	timeout := p.timeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", entry.ID, p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
