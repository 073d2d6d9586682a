package inference

import (
	"maps"
	"slices"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Dedup collapses relationships sharing a (source, type, target) triple into
// one carrying the maximum confidence and the union of evidence and rule
// names. Both directions of a pair are then brought back in sync. The result
// is ordered by triple.
func Dedup(rels []models.InferredRelationship) []models.InferredRelationship {
	index := make(map[string]int, len(rels))
	out := make([]models.InferredRelationship, 0, len(rels))
	for _, rel := range rels {
		if i, ok := index[rel.Key()]; ok {
			absorb(&out[i], rel)
			continue
		}
		index[rel.Key()] = len(out)
		out = append(out, clone(rel))
	}

	for i := range out {
		if out[i].PairID == "" {
			continue
		}
		rev := out[i].SourceID != out[i].TargetID
		j, ok := index[out[i].TargetID+"|"+out[i].Type+"|"+out[i].SourceID]
		if !rev || !ok || j <= i {
			continue
		}
		a, b := clone(out[i]), clone(out[j])
		absorb(&out[i], b)
		absorb(&out[j], a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func clone(rel models.InferredRelationship) models.InferredRelationship {
	rel.EvidenceTrail = slices.Clone(rel.EvidenceTrail)
	rel.Rules = slices.Clone(rel.Rules)
	rel.Properties = maps.Clone(rel.Properties)
	return rel
}

// absorb folds src into dst.
func absorb(dst *models.InferredRelationship, src models.InferredRelationship) {
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}
	dst.RequiresValidation = dst.RequiresValidation || src.RequiresValidation
	if dst.PairID == "" {
		dst.PairID = src.PairID
	}

	for _, ev := range src.EvidenceTrail {
		if !slices.ContainsFunc(dst.EvidenceTrail, func(have models.EvidenceEntry) bool { return sameEvidence(have, ev) }) {
			dst.EvidenceTrail = append(dst.EvidenceTrail, ev)
		}
	}
	for _, name := range src.Rules {
		if !slices.Contains(dst.Rules, name) {
			dst.Rules = append(dst.Rules, name)
		}
	}
	sort.Strings(dst.Rules)

	for k, v := range src.Properties {
		if dst.Properties == nil {
			dst.Properties = map[string]any{}
		}
		if _, ok := dst.Properties[k]; !ok {
			dst.Properties[k] = v
		}
	}
}

func sameEvidence(a, b models.EvidenceEntry) bool {
	return a.RelationRole == b.RelationRole && a.Type == b.Type && a.FromID == b.FromID && a.ToID == b.ToID
}
