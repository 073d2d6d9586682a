package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func relationship(src, dst, ruleName string, conf float64, evidenceFrom string) models.InferredRelationship {
	return models.InferredRelationship{
		SourceID:      src,
		TargetID:      dst,
		Type:          "POTENTIALLY_TREATS",
		Confidence:    conf,
		Rules:         []string{ruleName},
		EvidenceTrail: []models.EvidenceEntry{{RelationRole: "link", Type: "LINKED_TO", FromID: evidenceFrom, ToID: dst}},
	}
}

func TestDedup(t *testing.T) {
	t.Run("identical triples collapse", func(t *testing.T) {
		rels := []models.InferredRelationship{
			relationship("c:1", "d:1", "second", 0.6, "t:1"),
			relationship("c:1", "d:1", "first", 0.7, "t:2"),
			relationship("c:1", "d:1", "second", 0.5, "t:1"),
			relationship("c:2", "d:1", "first", 0.9, "t:1"),
		}

		out := Dedup(rels)
		require.Len(t, out, 2)
		assert.Equal(t, 0.7, out[0].Confidence)
		assert.Equal(t, []string{"first", "second"}, out[0].Rules)
		require.Len(t, out[0].EvidenceTrail, 2)
		assert.Equal(t, "t:1", out[0].EvidenceTrail[0].FromID)
		assert.Equal(t, "t:2", out[0].EvidenceTrail[1].FromID)
		assert.Equal(t, "c:2", out[1].SourceID)

		// inputs are left untouched
		assert.Len(t, rels[0].EvidenceTrail, 1)
		assert.Equal(t, []string{"second"}, rels[0].Rules)
	})

	t.Run("pairs stay in sync", func(t *testing.T) {
		pair := PairID("c:a", "POTENTIALLY_TREATS", "c:b")
		forward := relationship("c:a", "c:b", "shared", 0.63, "t:1")
		forward.PairID = pair
		backward := relationship("c:b", "c:a", "shared", 0.63, "t:1")
		backward.PairID = pair
		stronger := relationship("c:b", "c:a", "direct", 0.9, "t:9")

		out := Dedup([]models.InferredRelationship{forward, backward, stronger})
		require.Len(t, out, 2)
		assert.Equal(t, 0.9, out[0].Confidence)
		assert.Equal(t, out[0].Confidence, out[1].Confidence)
		assert.Equal(t, []string{"direct", "shared"}, out[0].Rules)
		assert.Equal(t, out[0].Rules, out[1].Rules)
		assert.Len(t, out[0].EvidenceTrail, 3)
		assert.Len(t, out[1].EvidenceTrail, 3)
		assert.Equal(t, pair, out[0].PairID)
		assert.Equal(t, pair, out[1].PairID)
	})
}

func TestPairID(t *testing.T) {
	assert.Equal(t, PairID("a", "T", "b"), PairID("b", "T", "a"))
	assert.NotEqual(t, PairID("a", "T", "b"), PairID("a", "U", "b"))
}
