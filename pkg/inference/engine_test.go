package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphmock"
	"github.com/Ramsey-B/fern/pkg/models"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func rule(t *testing.T, name string) models.InferenceRule {
	t.Helper()
	rules, err := DefaultRules()
	require.NoError(t, err)
	selected, err := Select(rules, []string{name})
	require.NoError(t, err)
	return selected[0]
}

func newTestEngine(g graph.Store, threshold float64, rules ...models.InferenceRule) *Engine {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := NewEngine(g, rules, config.InferenceConfig{ConfidenceThreshold: threshold, RuleLimit: 100, BatchSize: 2}, logger)
	e.now = func() time.Time { return fixedNow }
	return e
}

func isGroundTruthQuery(cypher string) bool {
	return strings.HasPrefix(cypher, "UNWIND $pairs")
}

// repurposingRow is one compound -> target -> disease match.
func repurposingRow(compound, disease string, strength, association any) graph.Row {
	return graph.Row{
		"c_id": compound, "c_props": map[string]any{"id": compound, "name": "aspirin"},
		"t_id": "target:ptgs2", "t_props": map[string]any{"id": "target:ptgs2"},
		"d_id": disease, "d_props": map[string]any{"id": disease},
		"r1_props": map[string]any{"activity_strength": strength, "activity_type": "IC50", "source": "chembl", "assay": "A1"},
		"r2_props": map[string]any{"association_confidence": association, "source": "opentargets"},
	}
}

func TestEngine_Repurposing(t *testing.T) {
	fake := &graphmock.Store{Answer: func(cypher string, _ map[string]any) ([]graph.Row, error) {
		if isGroundTruthQuery(cypher) {
			return nil, nil
		}
		return []graph.Row{repurposingRow("compound:1", "disease:1", 7.5, 0.8)}, nil
	}}

	t.Run("rejected above its confidence", func(t *testing.T) {
		e := newTestEngine(fake, 0.65, rule(t, "drug_repurposing"))
		result, err := e.Run(context.Background())
		require.NoError(t, err)

		assert.Empty(t, result.Relationships)
		require.Len(t, result.Stats, 1)
		assert.Equal(t, 1, result.Stats[0].Matched)
		assert.Equal(t, 1, result.Stats[0].BelowThreshold)
		assert.Zero(t, result.Stats[0].Emitted)
		assert.Empty(t, result.Errors)
	})

	t.Run("retained below its confidence", func(t *testing.T) {
		e := newTestEngine(fake, 0.5, rule(t, "drug_repurposing"))
		result, err := e.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, result.Relationships, 1)
		rel := result.Relationships[0]
		assert.Equal(t, 0.6, rel.Confidence)
		assert.Equal(t, "compound:1", rel.SourceID)
		assert.Equal(t, "disease:1", rel.TargetID)
		assert.Equal(t, "POTENTIALLY_TREATS", rel.Type)
		assert.Equal(t, []string{"drug_repurposing"}, rel.Rules)
		assert.Equal(t, "repurposing", rel.RuleType)
		assert.True(t, rel.RequiresValidation)
		assert.Equal(t, fixedNow, rel.InferredAt)
		assert.Empty(t, rel.PairID)
		assert.Equal(t, "repurposing", rel.Properties["category"])

		require.Len(t, rel.EvidenceTrail, 2)
		first := rel.EvidenceTrail[0]
		assert.Equal(t, "compound_target", first.RelationRole)
		assert.Equal(t, "ACTIVE_AGAINST", first.Type)
		assert.Equal(t, "chembl", first.SourceSystem)
		assert.Equal(t, "compound:1", first.FromID)
		assert.Equal(t, "target:ptgs2", first.ToID)
		assert.Equal(t, map[string]any{"activity_strength": 7.5, "activity_type": "IC50", "source": "chembl"}, first.Properties)
		assert.Equal(t, "target_disease", rel.EvidenceTrail[1].RelationRole)
		assert.Equal(t, "opentargets", rel.EvidenceTrail[1].SourceSystem)
	})
}

func TestEngine_Filters(t *testing.T) {
	fake := &graphmock.Store{Answer: func(cypher string, _ map[string]any) ([]graph.Row, error) {
		if isGroundTruthQuery(cypher) {
			return nil, nil
		}
		return []graph.Row{
			repurposingRow("compound:1", "disease:1", 4.0, 0.9), // below the activity filter
			repurposingRow("compound:2", "disease:1", 9.0, nil), // association missing
			repurposingRow("compound:3", "disease:1", "9", "0.9"),
			{"c_id": nil}, // unbound node
		}, nil
	}}

	e := newTestEngine(fake, 0, rule(t, "drug_repurposing"))
	rels, stats, err := e.RunRule(context.Background(), &e.rules[0])
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Matched)
	assert.Equal(t, 3, stats.Filtered)
	require.Len(t, rels, 1)
	assert.Equal(t, "compound:3", rels[0].SourceID)
	assert.InDelta(t, 0.81, rels[0].Confidence, 1e-9)
}

func TestEngine_Bidirectional(t *testing.T) {
	fake := &graphmock.Store{Answer: func(cypher string, _ map[string]any) ([]graph.Row, error) {
		if isGroundTruthQuery(cypher) {
			return nil, nil
		}
		return []graph.Row{{
			"a_id": "compound:a", "t_id": "target:1", "b_id": "compound:b",
			"r1_props": map[string]any{"activity_strength": 8.0, "source": "chembl"},
			"r2_props": map[string]any{"activity_strength": 7.0, "source": "drugbank"},
		}}, nil
	}}

	e := newTestEngine(fake, 0.5, rule(t, "shared_target"))
	result, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Relationships, 2)
	forward, backward := result.Relationships[0], result.Relationships[1]
	assert.Equal(t, "compound:a", forward.SourceID)
	assert.Equal(t, "compound:b", backward.SourceID)
	assert.Equal(t, "compound:a", backward.TargetID)
	assert.InDelta(t, 0.63, forward.Confidence, 1e-9)
	assert.Equal(t, forward.Confidence, backward.Confidence)
	assert.Equal(t, forward.EvidenceTrail, backward.EvidenceTrail)
	assert.NotEmpty(t, forward.PairID)
	assert.Equal(t, forward.PairID, backward.PairID)
	assert.Equal(t, PairID("compound:b", "SHARES_MECHANISM_WITH", "compound:a"), forward.PairID)
	assert.Equal(t, 2, result.Stats[0].Emitted)
}

func TestEngine_GroundTruth(t *testing.T) {
	var checked []any
	fake := &graphmock.Store{Answer: func(cypher string, params map[string]any) ([]graph.Row, error) {
		if isGroundTruthQuery(cypher) {
			assert.Contains(t, cypher, "[r:POTENTIALLY_TREATS]")
			checked = append(checked, params["pairs"].([]any)...)
			return []graph.Row{{"source_id": "compound:1", "target_id": "disease:1"}}, nil
		}
		return []graph.Row{
			repurposingRow("compound:1", "disease:1", 8.0, 0.9),
			repurposingRow("compound:2", "disease:1", 8.0, 0.9),
			repurposingRow("compound:3", "disease:1", 8.0, 0.9),
		}, nil
	}}

	e := newTestEngine(fake, 0.5, rule(t, "drug_repurposing"))
	result, err := e.Run(context.Background())
	require.NoError(t, err)

	// three candidates checked in batches of two
	assert.Len(t, checked, 3)
	assert.Len(t, fake.Queries(), 3)
	assert.Equal(t, 1, result.Stats[0].GroundTruth)
	require.Len(t, result.Relationships, 2)
	for _, rel := range result.Relationships {
		assert.NotEqual(t, "compound:1", rel.SourceID)
	}
}

func TestEngine_RuleFailureIsolated(t *testing.T) {
	fake := &graphmock.Store{Answer: func(cypher string, _ map[string]any) ([]graph.Row, error) {
		if isGroundTruthQuery(cypher) {
			return nil, nil
		}
		if strings.Contains(cypher, "TESTED_IN") {
			return nil, errors.New("syntax error")
		}
		return []graph.Row{repurposingRow("compound:1", "disease:1", 7.5, 0.8)}, nil
	}}

	e := newTestEngine(fake, 0.5, rule(t, "trial_indication"), rule(t, "drug_repurposing"))
	result, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	var ruleErr *fernerrors.RuleExecutionError
	require.ErrorAs(t, result.Errors[0], &ruleErr)
	assert.Equal(t, "trial_indication", ruleErr.Rule)
	assert.Contains(t, result.Stats[0].Error, "syntax error")
	assert.Empty(t, result.Stats[1].Error)
	assert.Len(t, result.Relationships, 1)
}

func TestEngine_CancelledContext(t *testing.T) {
	e := newTestEngine(&graphmock.Store{}, 0.5, rule(t, "drug_repurposing"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
