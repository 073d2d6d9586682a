// Package events publishes change events for canonical entities and inferred
// relationships. A nil *Emitter publishes nothing.
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Publisher is the producer side used by the emitter.
type Publisher interface {
	PublishCanonicalEvents(ctx context.Context, events []*kafka.CanonicalEvent) error
	PublishRelationshipEvents(ctx context.Context, events []*kafka.RelationshipEvent) error
}

// Emitter handles event emission for fern
type Emitter struct {
	producer Publisher
	runID    string
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer Publisher, runID string, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		runID:    runID,
		logger:   logger,
	}
}

// EmitCanonicalCreated emits a canonical.created event
func (e *Emitter) EmitCanonicalCreated(ctx context.Context, category models.Category, canonicalID string, identifiers []models.IdentifierKey, confidence float64) error {
	if e == nil {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitCanonicalCreated")
	defer span.End()

	ids := make([]string, len(identifiers))
	for i, k := range identifiers {
		ids[i] = k.String()
	}
	event := &kafka.CanonicalEvent{
		EventType:   string(EventTypeCanonicalCreated),
		RunID:       e.runID,
		Category:    string(category),
		CanonicalID: canonicalID,
		Identifiers: ids,
		Confidence:  confidence,
	}
	return e.publishCanonical(ctx, event)
}

// EmitCanonicalMerged emits a canonical.merged event naming the absorbed groups
func (e *Emitter) EmitCanonicalMerged(ctx context.Context, category models.Category, winnerID string, absorbed []string, confidence float64) error {
	if e == nil || len(absorbed) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitCanonicalMerged")
	defer span.End()

	event := &kafka.CanonicalEvent{
		EventType:   string(EventTypeCanonicalMerged),
		RunID:       e.runID,
		Category:    string(category),
		CanonicalID: winnerID,
		AbsorbedIDs: absorbed,
		Confidence:  confidence,
	}
	return e.publishCanonical(ctx, event)
}

// EmitRelationshipsInferred emits one relationship.inferred event per
// relationship, in one batch
func (e *Emitter) EmitRelationshipsInferred(ctx context.Context, rels []models.InferredRelationship) error {
	if e == nil || len(rels) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitRelationshipsInferred")
	defer span.End()

	batch := make([]*kafka.RelationshipEvent, len(rels))
	for i, rel := range rels {
		batch[i] = &kafka.RelationshipEvent{
			EventType:        string(EventTypeRelationshipInferred),
			RunID:            e.runID,
			RelationshipType: rel.Type,
			SourceID:         rel.SourceID,
			TargetID:         rel.TargetID,
			Confidence:       rel.Confidence,
			Rules:            rel.Rules,
			PairID:           rel.PairID,
			Timestamp:        rel.InferredAt,
		}
	}

	if err := e.producer.PublishRelationshipEvents(ctx, batch); err != nil {
		metrics.RecordEvent(string(EventTypeRelationshipInferred), "error")
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit relationship.inferred events")
		return err
	}
	for range batch {
		metrics.RecordEvent(string(EventTypeRelationshipInferred), "ok")
	}
	return nil
}

func (e *Emitter) publishCanonical(ctx context.Context, event *kafka.CanonicalEvent) error {
	if err := e.producer.PublishCanonicalEvents(ctx, []*kafka.CanonicalEvent{event}); err != nil {
		metrics.RecordEvent(event.EventType, "error")
		e.logger.WithContext(ctx).WithError(err).WithField("canonical_id", event.CanonicalID).Errorf("Failed to emit %s event", event.EventType)
		return err
	}
	metrics.RecordEvent(event.EventType, "ok")
	return nil
}
