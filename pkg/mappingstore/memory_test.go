package mappingstore

import (
	"context"
	"testing"
	"time"

	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const compound = models.Category("Compound")

func entity(id string) models.CanonicalEntity {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return models.CanonicalEntity{
		CanonicalID:      id,
		Category:         compound,
		RepresentativeID: id,
		Status:           models.EntityStatusActive,
		Confidence:       1,
		EvidenceLevel:    models.EvidenceExact,
		CreatedAt:        now,
		LastUpdated:      now,
	}
}

func mapping(id, system, value string) models.IdentifierMapping {
	return models.IdentifierMapping{
		Category:      compound,
		System:        system,
		Value:         value,
		CanonicalID:   id,
		EvidenceLevel: models.EvidenceExact,
		Confidence:    1,
	}
}

func edge(id, variant string) models.MergeEdge {
	return models.MergeEdge{
		Category:      compound,
		VariantID:     variant,
		CanonicalID:   id,
		Confidence:    1,
		EvidenceLevel: models.EvidenceExact,
	}
}

func seed(t *testing.T, s *MemoryStore, id string, keys ...models.IdentifierKey) {
	t.Helper()
	plan := &Plan{Category: compound, Created: []models.CanonicalEntity{entity(id)}}
	for _, k := range keys {
		plan.Mappings = append(plan.Mappings, mapping(id, k.System, k.Value))
		plan.Edges = append(plan.Edges, edge(id, k.String()))
	}
	require.NoError(t, s.Apply(context.Background(), plan))
}

func TestMemoryStore_ApplyAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	chembl := models.IdentifierKey{System: "chembl", Value: "CHEMBL25"}
	inchi := models.IdentifierKey{System: "inchikey", Value: "BSYNRYGFASATTA-UHFFFAOYSA-N"}

	seed(t, s, "compound:a", chembl, inchi)

	found, err := s.Lookup(ctx, compound, []models.IdentifierKey{chembl, {System: "drugbank", Value: "DB00945"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "compound:a", found[chembl].CanonicalID)

	ids, err := s.Identifiers(ctx, compound, "compound:a")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	entries, err := s.Entries(ctx, compound)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, map[string][]string{
		"chembl":   {"CHEMBL25"},
		"inchikey": {"BSYNRYGFASATTA-UHFFFAOYSA-N"},
	}, entries[0].Systems)

	got, err := s.Get(ctx, compound, "compound:a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	_, err = s.Get(ctx, compound, "compound:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Absorb(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	x := models.IdentifierKey{System: "inchikey", Value: "X"}
	c1 := models.IdentifierKey{System: "chembl", Value: "C1"}
	d1 := models.IdentifierKey{System: "drugbank", Value: "D1"}

	seed(t, s, "compound:winner", x)
	seed(t, s, "compound:loser", c1, d1)

	require.NoError(t, s.Apply(ctx, &Plan{
		Category: compound,
		Absorbed: []Absorption{{
			LoserID:          "compound:loser",
			WinnerID:         "compound:winner",
			LoserVersion:     1,
			WinnerConfidence: 1,
			TriggerKey:       c1.String(),
		}},
	}))

	found, err := s.Lookup(ctx, compound, []models.IdentifierKey{x, c1, d1})
	require.NoError(t, err)
	for _, m := range found {
		assert.Equal(t, "compound:winner", m.CanonicalID)
	}

	loser, err := s.Get(ctx, compound, "compound:loser")
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusMerged, loser.Status)
	assert.Equal(t, "compound:winner", loser.RepresentativeID)
	require.NotNil(t, loser.AbsorbedAt)

	edges, err := s.MergeEdges(ctx, compound, time.Time{})
	require.NoError(t, err)
	require.Len(t, edges, 4)
	for _, e := range edges {
		assert.Equal(t, "compound:winner", e.CanonicalID)
	}

	merges, err := s.Merges(ctx, compound)
	require.NoError(t, err)
	require.Len(t, merges, 1)
	assert.Equal(t, "chembl:C1", merges[0].TriggerKey)

	t.Run("absorbing twice conflicts", func(t *testing.T) {
		err := s.Apply(ctx, &Plan{
			Category: compound,
			Absorbed: []Absorption{{LoserID: "compound:loser", WinnerID: "compound:winner", LoserVersion: 2}},
		})
		var conflict *fernerrors.ConflictError
		assert.ErrorAs(t, err, &conflict)
	})
}

func TestMemoryStore_ApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c1 := models.IdentifierKey{System: "chembl", Value: "C1"}
	seed(t, s, "compound:a", c1)

	before, err := s.Entries(ctx, compound)
	require.NoError(t, err)

	// the new group claims a key owned by compound:a, so nothing may stick
	err = s.Apply(ctx, &Plan{
		Category: compound,
		Created:  []models.CanonicalEntity{entity("compound:b")},
		Mappings: []models.IdentifierMapping{
			mapping("compound:b", "drugbank", "D1"),
			mapping("compound:b", "chembl", "C1"),
		},
	})
	var conflict *fernerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, fernerrors.IsConflict(err))

	after, err := s.Entries(ctx, compound)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = s.Get(ctx, compound, "compound:b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_StaleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "compound:a", models.IdentifierKey{System: "chembl", Value: "C1"})

	stale := entity("compound:a")
	stale.Version = 1
	stale.Confidence = 0.9
	require.NoError(t, s.Apply(ctx, &Plan{Category: compound, Updated: []models.CanonicalEntity{stale}}))

	err := s.Apply(ctx, &Plan{Category: compound, Updated: []models.CanonicalEntity{stale}})
	assert.True(t, fernerrors.IsConflict(err))

	got, err := s.Get(ctx, compound, "compound:a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 0.9, got.Confidence)
}

func TestMemoryStore_ResolveCompressesPath(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "compound:a")
	seed(t, s, "compound:b")
	seed(t, s, "compound:c")

	require.NoError(t, s.Apply(ctx, &Plan{Category: compound, Absorbed: []Absorption{{LoserID: "compound:a", WinnerID: "compound:b", LoserVersion: 1}}}))
	require.NoError(t, s.Apply(ctx, &Plan{Category: compound, Absorbed: []Absorption{{LoserID: "compound:b", WinnerID: "compound:c", LoserVersion: 1}}}))

	root, err := s.Resolve(ctx, compound, "compound:a")
	require.NoError(t, err)
	assert.Equal(t, "compound:c", root)

	a, err := s.Get(ctx, compound, "compound:a")
	require.NoError(t, err)
	assert.Equal(t, "compound:c", a.RepresentativeID)

	// the absorption edge of a was rewritten when b was absorbed
	edges, err := s.MergeEdges(ctx, compound, time.Time{})
	require.NoError(t, err)
	for _, e := range edges {
		assert.Equal(t, "compound:c", e.CanonicalID)
	}

	root, err = s.Resolve(ctx, compound, "compound:c")
	require.NoError(t, err)
	assert.Equal(t, "compound:c", root)
}

func TestMemoryStore_Fingerprints(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryStore().Fingerprints()

	seen, err := log.Seen(ctx, "a.jsonl", "f1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, log.Record(ctx, models.FileFingerprint{SourcePath: "a.jsonl", Fingerprint: "f1"}))

	seen, err = log.Seen(ctx, "a.jsonl", "f1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = log.Seen(ctx, "a.jsonl", "f2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPlan_IsEmpty(t *testing.T) {
	var nilPlan *Plan
	assert.True(t, nilPlan.IsEmpty())
	assert.True(t, (&Plan{Category: compound}).IsEmpty())
	assert.False(t, (&Plan{Edges: []models.MergeEdge{edge("a", "b")}}).IsEmpty())
}
