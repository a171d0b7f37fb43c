// Package kafka produces audit events onto the operations stream. Emission is
// asynchronous and best effort: the write pipeline has already committed when
// an event reaches this producer.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "custodia/pkg/platform/audit"
)

// Producer publishes audit events to one Kafka topic, keyed by transaction id
// so all events of a batch land in the same partition, in order.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithLogger sets the producer logger.
func WithLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) { p.logger = logger }
}

// NewProducer connects to the brokers and makes sure the topic exists.
func NewProducer(ctx context.Context, brokers []string, topic string, opts ...ProducerOption) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	if err := ensureTopic(ctx, client, topic); err != nil {
		client.Close()
		return nil, err
	}

	p := &Producer{client: client, topic: topic, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ensureTopic creates the audit topic when it is missing; an existing topic is
// not an error.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, 3, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, res.Err)
		}
	}
	return nil
}

type wireEvent struct {
	Category      string    `json:"category"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transactionId"`
	EntityID      string    `json:"entityId,omitempty"`
	EntityKind    string    `json:"entityKind,omitempty"`
	Action        string    `json:"action"`
	PerformedBy   string    `json:"performedBy,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Emit produces the event without waiting for the broker. Delivery failures
// are logged; the caller never blocks on them.
func (p *Producer) Emit(ctx context.Context, event audit.Event) error {
	payload := wireEvent{
		Category:      string(event.Category),
		Timestamp:     event.Timestamp,
		TransactionID: event.TransactionID.String(),
		EntityKind:    event.EntityKind,
		Action:        event.Action,
		PerformedBy:   event.PerformedBy,
		RequestID:     event.RequestID,
		Reason:        event.Reason,
	}
	if event.EntityID != uuid.Nil {
		payload.EntityID = event.EntityID.String()
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.TransactionID.String()),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("audit event delivery failed",
				slog.String("action", event.Action),
				slog.String("error", err.Error()))
		}
	})
	return nil
}

// Flush waits for outstanding records, bounded by the context.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and releases the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
