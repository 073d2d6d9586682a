package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

type recordingPublisher struct {
	canonical     []*kafka.CanonicalEvent
	relationships []*kafka.RelationshipEvent
	err           error
}

func (p *recordingPublisher) PublishCanonicalEvents(_ context.Context, events []*kafka.CanonicalEvent) error {
	if p.err != nil {
		return p.err
	}
	p.canonical = append(p.canonical, events...)
	return nil
}

func (p *recordingPublisher) PublishRelationshipEvents(_ context.Context, events []*kafka.RelationshipEvent) error {
	if p.err != nil {
		return p.err
	}
	p.relationships = append(p.relationships, events...)
	return nil
}

func newTestEmitter(p Publisher) *Emitter {
	return NewEmitter(p, "run-1", ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestEmitter_Canonical(t *testing.T) {
	pub := &recordingPublisher{}
	e := newTestEmitter(pub)
	ctx := context.Background()

	require.NoError(t, e.EmitCanonicalCreated(ctx, "Compound", "compound:a", []models.IdentifierKey{{System: "inchikey", Value: "X"}}, 1))
	require.NoError(t, e.EmitCanonicalMerged(ctx, "Compound", "compound:a", []string{"compound:b"}, 0.9))
	require.NoError(t, e.EmitCanonicalMerged(ctx, "Compound", "compound:a", nil, 0.9))

	require.Len(t, pub.canonical, 2)
	assert.Equal(t, "canonical.created", pub.canonical[0].EventType)
	assert.Equal(t, "run-1", pub.canonical[0].RunID)
	assert.Equal(t, []string{"inchikey:X"}, pub.canonical[0].Identifiers)
	assert.Equal(t, "canonical.merged", pub.canonical[1].EventType)
	assert.Equal(t, []string{"compound:b"}, pub.canonical[1].AbsorbedIDs)
}

func TestEmitter_RelationshipsInferred(t *testing.T) {
	pub := &recordingPublisher{}
	e := newTestEmitter(pub)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	err := e.EmitRelationshipsInferred(context.Background(), []models.InferredRelationship{
		{SourceID: "compound:a", TargetID: "disease:1", Type: "POTENTIALLY_TREATS", Confidence: 0.6, Rules: []string{"drug_repurposing"}, InferredAt: at},
	})
	require.NoError(t, err)
	require.Len(t, pub.relationships, 1)
	assert.Equal(t, "relationship.inferred", pub.relationships[0].EventType)
	assert.Equal(t, at, pub.relationships[0].Timestamp)

	t.Run("publish failure is returned", func(t *testing.T) {
		e := newTestEmitter(&recordingPublisher{err: errors.New("broker down")})
		err := e.EmitRelationshipsInferred(context.Background(), []models.InferredRelationship{{SourceID: "a", TargetID: "b", Type: "T"}})
		assert.ErrorContains(t, err, "broker down")
	})
}

func TestEmitter_NilIsDisabled(t *testing.T) {
	var e *Emitter
	ctx := context.Background()
	assert.NoError(t, e.EmitCanonicalCreated(ctx, "Compound", "compound:a", nil, 1))
	assert.NoError(t, e.EmitCanonicalMerged(ctx, "Compound", "compound:a", []string{"compound:b"}, 1))
	assert.NoError(t, e.EmitRelationshipsInferred(ctx, []models.InferredRelationship{{SourceID: "a"}}))
}
