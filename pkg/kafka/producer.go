package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SchemaVersion is stamped on every message header.
const SchemaVersion = "1.0"

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles Kafka event emission
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg config.KafkaConfig, logger ectologger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka enabled without brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka enabled without a topic")
	}

	var compression kafka.Compression
	switch cfg.Compression {
	case "", "snappy":
		compression = kafka.Snappy
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	default:
		return nil, fmt.Errorf("unknown kafka compression %q", cfg.Compression)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer, cfg.Topic, logger), nil
}

// NewProducerWithWriter creates a producer over an existing writer.
func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// CanonicalEvent represents a change to a canonical entity
type CanonicalEvent struct {
	EventType   string    `json:"event_type"` // canonical.created, canonical.merged
	RunID       string    `json:"run_id"`
	Category    string    `json:"category"`
	CanonicalID string    `json:"canonical_id"`
	Identifiers []string  `json:"identifiers,omitempty"`
	AbsorbedIDs []string  `json:"absorbed_ids,omitempty"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// RelationshipEvent represents an inferred relationship
type RelationshipEvent struct {
	EventType        string    `json:"event_type"` // relationship.inferred
	RunID            string    `json:"run_id"`
	RelationshipType string    `json:"relationship_type"`
	SourceID         string    `json:"source_id"`
	TargetID         string    `json:"target_id"`
	Confidence       float64   `json:"confidence"`
	Rules            []string  `json:"rules"`
	PairID           string    `json:"pair_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// PublishCanonicalEvents publishes canonical events in one batch, keyed by
// canonical id.
func (p *Producer) PublishCanonicalEvents(ctx context.Context, events []*CanonicalEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishCanonicalEvents")
	defer span.End()

	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		msg, err := p.message(ctx, event.CanonicalID, event.EventType, "category", event.Category, event)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}
	return p.write(ctx, "canonical", messages)
}

// PublishRelationshipEvents publishes relationship events in one batch, keyed
// by source id.
func (p *Producer) PublishRelationshipEvents(ctx context.Context, events []*RelationshipEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishRelationshipEvents")
	defer span.End()

	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		msg, err := p.message(ctx, event.SourceID, event.EventType, "relationship_type", event.RelationshipType, event)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}
	return p.write(ctx, "relationship", messages)
}

func (p *Producer) message(ctx context.Context, key, eventType, headerKey, headerValue string, event any) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(eventType)},
		{Key: headerKey, Value: []byte(headerValue)},
		{Key: "schema_version", Value: []byte(SchemaVersion)},
	}
	for k, v := range tracing.Carrier(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   p.topic,
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	}, nil
}

func (p *Producer) write(ctx context.Context, kind string, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(messages),
			"kind":       kind,
		}).Error("Failed to publish events batch")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(messages),
		"kind":       kind,
	}).Debug("Published events batch")
	return nil
}
