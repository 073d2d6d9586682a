package emitter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphmock"
	"github.com/Ramsey-B/fern/pkg/inference"
	"github.com/Ramsey-B/fern/pkg/models"
)

var inferredAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func rel(src, dst, relType string, conf float64, pair string) models.InferredRelationship {
	return models.InferredRelationship{
		SourceID:   src,
		TargetID:   dst,
		Type:       relType,
		Confidence: conf,
		InferredAt: inferredAt,
		Rules:      []string{"rule"},
		RuleType:   "test",
		PairID:     pair,
		Properties: map[string]any{"category": "test"},
		EvidenceTrail: []models.EvidenceEntry{
			{RelationRole: "first", Type: "ACTIVE_AGAINST", FromID: src, ToID: "target:1"},
			{RelationRole: "second", Type: "ASSOCIATED_WITH", FromID: "target:1", ToID: dst},
		},
	}
}

func testResult() *inference.Result {
	return &inference.Result{
		Relationships: []models.InferredRelationship{
			rel("compound:1", "disease:1", "POTENTIALLY_TREATS", 0.6, ""),
			rel("compound:a", "compound:b", "SHARES_MECHANISM_WITH", 0.63, "p1"),
			rel("compound:b", "compound:a", "SHARES_MECHANISM_WITH", 0.63, "p1"),
			rel("compound:c", "compound:d", "SHARES_MECHANISM_WITH", 1.0, ""),
			rel("compound:2", "disease:1", "POTENTIALLY_TREATS", 0.05, ""),
		},
		Stats:  []inference.RuleStats{{Rule: "drug_repurposing", Matched: 3, Emitted: 2}},
		Errors: []error{&fernerrors.RuleExecutionError{Rule: "broken", Err: errors.New("syntax error")}},
	}
}

func newTestEmitter(g graph.Store, batchSize int) *Emitter {
	return New(g, batchSize, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestStatements_PairsNeverSplit(t *testing.T) {
	e := newTestEmitter(nil, 2)
	result := testResult()
	// an unpaired relationship first leaves one free slot in the batch
	result.Relationships = append([]models.InferredRelationship{
		rel("compound:z", "compound:y", "SHARES_MECHANISM_WITH", 0.7, ""),
	}, result.Relationships...)

	statements, err := e.Statements(result.Relationships)
	require.NoError(t, err)

	var shares [][]any
	for _, st := range statements {
		assert.Contains(t, st.Cypher, "MERGE (a)-[r:")
		assert.Contains(t, st.Cypher, "{inferred: true}")
		assert.NotContains(t, strings.ToUpper(st.Cypher), "DELETE")
		batch := st.Params["batch"].([]any)
		assert.LessOrEqual(t, len(batch), 2)
		if strings.Contains(st.Cypher, ":SHARES_MECHANISM_WITH ") {
			shares = append(shares, batch)
		}
	}

	require.Len(t, shares, 3)
	assert.Len(t, shares[0], 1)
	require.Len(t, shares[1], 2)
	for _, row := range shares[1] {
		props := row.(map[string]any)["props"].(map[string]any)
		assert.Equal(t, "p1", props["pair_id"])
	}
}

func TestEmit_DryRun(t *testing.T) {
	e := newTestEmitter(nil, 500)

	var statementsOut, relsOut bytes.Buffer
	summary, err := e.Emit(context.Background(), testResult(), &statementsOut, &relsOut, false)
	require.NoError(t, err)

	assert.False(t, summary.Applied)
	assert.Equal(t, 5, summary.Relationships)
	assert.Equal(t, 2, summary.Statements)
	assert.Equal(t, map[string]int{"POTENTIALLY_TREATS": 2, "SHARES_MECHANISM_WITH": 3}, summary.ByType)
	assert.Equal(t, [Buckets]int{1, 0, 0, 0, 0, 0, 3, 0, 0, 1}, summary.Histogram)
	assert.Equal(t, []string{"rule broken: syntax error"}, summary.Errors)
	require.Len(t, summary.Rules, 1)

	var lines []graph.Statement
	scanner := bufio.NewScanner(&statementsOut)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var st graph.Statement
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &st))
		lines = append(lines, st)
	}
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0].Cypher, ":POTENTIALLY_TREATS ")

	row := lines[0].Params["batch"].([]any)[0].(map[string]any)
	assert.Equal(t, "compound:1", row["source_id"])
	props := row["props"].(map[string]any)
	assert.Equal(t, 0.6, props["confidence"])
	assert.Equal(t, "test", props["category"])
	assert.Equal(t, "2025-03-01T12:00:00Z", props["inferred_at"])
	assert.EqualValues(t, 2, props["evidence_count"])

	var evidence []models.EvidenceEntry
	require.NoError(t, json.Unmarshal([]byte(props["evidence"].(string)), &evidence))
	assert.Len(t, evidence, 2)

	var rels []models.InferredRelationship
	require.NoError(t, json.Unmarshal(relsOut.Bytes(), &rels))
	assert.Len(t, rels, 5)
}

func TestEmit_Apply(t *testing.T) {
	fake := &graphmock.Store{}
	e := newTestEmitter(fake, 2)

	summary, err := e.Emit(context.Background(), testResult(), nil, nil, true)
	require.NoError(t, err)
	assert.True(t, summary.Applied)

	// one write transaction per batch
	batches := fake.Batches()
	assert.Len(t, batches, summary.Statements)
	for _, b := range batches {
		assert.Len(t, b, 1)
	}

	t.Run("write failure", func(t *testing.T) {
		e := newTestEmitter(&graphmock.Store{FailWrite: errors.New("bolt down")}, 2)
		_, err := e.Emit(context.Background(), testResult(), nil, nil, true)
		assert.ErrorContains(t, err, "bolt down")
	})

	t.Run("apply needs a graph store", func(t *testing.T) {
		_, err := newTestEmitter(nil, 2).Emit(context.Background(), testResult(), nil, nil, true)
		assert.Error(t, err)
	})

	t.Run("empty result", func(t *testing.T) {
		var relsOut bytes.Buffer
		summary, err := newTestEmitter(nil, 2).Emit(context.Background(), &inference.Result{}, nil, &relsOut, false)
		require.NoError(t, err)
		assert.Zero(t, summary.Statements)
		assert.Equal(t, "[]\n", relsOut.String())
	})
}

func TestBucket(t *testing.T) {
	tests := []struct {
		confidence float64
		want       int
	}{
		{0, 0}, {0.09, 0}, {0.1, 1}, {0.55, 5}, {0.99, 9}, {1, 9}, {-0.2, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bucket(tt.confidence), "confidence %v", tt.confidence)
	}
}
