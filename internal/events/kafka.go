package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/microcrop/trigger-engine/internal/payout"
)

const defaultPublishTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces payout decisions to a Kafka topic keyed by policy
// ID, so decisions for one policy stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaPublisher creates a producer for topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, timeout: defaultPublishTimeout, logger: logger}
}

// PayoutDecided publishes d. Failures are logged; the decision is already
// durable in the store.
func (p *KafkaPublisher) PayoutDecided(ctx context.Context, d payout.Decision) {
	msg, err := serializeDecision(d)
	if err != nil {
		p.logger.Error("kafka: serialize decision", "policy_id", d.PolicyID, "err", err)
		return
	}

	// Publish even if the triggering request has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("kafka: publish decision",
			"policy_id", d.PolicyID,
			"trigger", d.Trigger.Type,
			"status", d.Status,
			"err", err,
		)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func serializeDecision(d payout.Decision) (kafkago.Message, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize payout decision: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(d.PolicyID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(TypePayoutDecided)},
			{Key: "trigger", Value: []byte(d.Trigger.Type)},
			{Key: "status", Value: []byte(d.Status)},
			{Key: "decided_at", Value: []byte(d.DecidedAt.Format(time.RFC3339))},
		},
	}, nil
}

// Notifiers fans a decision out to several notifiers in order.
type Notifiers []payout.Notifier

func (n Notifiers) PayoutDecided(ctx context.Context, d payout.Decision) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.PayoutDecided(ctx, d)
		}
	}
}
