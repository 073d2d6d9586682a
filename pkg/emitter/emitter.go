// Package emitter renders accepted inferred relationships as idempotent graph
// writes and reports what a rule run produced.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/inference"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const inferredCypher = `UNWIND $batch AS rel
MATCH (a {id: rel.source_id})
MATCH (b {id: rel.target_id})
MERGE (a)-[r:%s {inferred: true}]->(b)
SET r += rel.props`

// Buckets is the number of equal-width confidence histogram buckets.
const Buckets = 10

// Summary reports one emission.
type Summary struct {
	Relationships int                   `json:"relationships"`
	ByType        map[string]int        `json:"by_type"`
	Statements    int                   `json:"statements"`
	Applied       bool                  `json:"applied"`
	Histogram     [Buckets]int          `json:"confidence_histogram"`
	Rules         []inference.RuleStats `json:"rules"`
	Errors        []string              `json:"errors,omitempty"`
}

// Emitter batches relationships into statements and optionally applies them.
type Emitter struct {
	graph     graph.Store
	batchSize int
	logger    ectologger.Logger
}

// New creates an emitter. g may be nil when only dry runs are made.
func New(g graph.Store, batchSize int, logger ectologger.Logger) *Emitter {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Emitter{graph: g, batchSize: batchSize, logger: logger}
}

// Statements groups relationships by type and batches them. The two
// directions of a bidirectional pair always land in the same batch.
func (e *Emitter) Statements(rels []models.InferredRelationship) ([]graph.Statement, error) {
	byType := map[string][][]models.InferredRelationship{}
	for _, unit := range units(rels) {
		byType[unit[0].Type] = append(byType[unit[0].Type], unit)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var statements []graph.Statement
	for _, relType := range types {
		cypher := fmt.Sprintf(inferredCypher, graph.SanitizeLabel(relType))
		var batch []any
		flush := func() {
			if len(batch) > 0 {
				statements = append(statements, graph.Statement{Cypher: cypher, Params: map[string]any{"batch": batch}})
				batch = nil
			}
		}
		for _, unit := range byType[relType] {
			if len(batch)+len(unit) > e.batchSize {
				flush()
			}
			for _, rel := range unit {
				row, err := params(rel)
				if err != nil {
					return nil, err
				}
				batch = append(batch, row)
			}
		}
		flush()
	}
	return statements, nil
}

// Emit writes statements as JSON lines to statementsOut and the relationships
// as a JSON document to relationshipsOut (either may be nil), then applies each
// batch in its own write transaction when apply is set.
func (e *Emitter) Emit(ctx context.Context, result *inference.Result, statementsOut, relationshipsOut io.Writer, apply bool) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "emitter.Emitter.Emit")
	defer span.End()

	if apply && e.graph == nil {
		return nil, fmt.Errorf("apply requested without a graph store")
	}

	summary := Summarize(result)
	summary.Applied = apply

	statements, err := e.Statements(result.Relationships)
	if err != nil {
		return nil, err
	}
	summary.Statements = len(statements)

	if statementsOut != nil {
		enc := json.NewEncoder(statementsOut)
		for _, st := range statements {
			if err := enc.Encode(st); err != nil {
				return nil, fmt.Errorf("failed to write inferred statement: %w", err)
			}
		}
	}
	if relationshipsOut != nil {
		rels := result.Relationships
		if rels == nil {
			rels = []models.InferredRelationship{}
		}
		enc := json.NewEncoder(relationshipsOut)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rels); err != nil {
			return nil, fmt.Errorf("failed to write inferred relationships: %w", err)
		}
	}

	if apply {
		for i, st := range statements {
			if err := e.graph.Write(ctx, []graph.Statement{st}); err != nil {
				return nil, fmt.Errorf("failed to apply inferred batch %d of %d: %w", i+1, len(statements), err)
			}
		}
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"relationships": summary.Relationships,
		"statements":    summary.Statements,
		"applied":       apply,
	}).Info("inferred relationships emitted")
	return summary, nil
}

// Summarize counts relationships per type and per confidence bucket and
// carries over rule stats and errors.
func Summarize(result *inference.Result) *Summary {
	summary := &Summary{
		Relationships: len(result.Relationships),
		ByType:        map[string]int{},
		Rules:         result.Stats,
	}
	for _, rel := range result.Relationships {
		summary.ByType[rel.Type]++
		summary.Histogram[Bucket(rel.Confidence)]++
	}
	for _, err := range result.Errors {
		summary.Errors = append(summary.Errors, err.Error())
	}
	return summary
}

// Bucket maps a confidence in [0,1] to its histogram bucket; 1.0 falls in
// the last bucket.
func Bucket(confidence float64) int {
	b := int(confidence * Buckets)
	if b < 0 {
		return 0
	}
	if b >= Buckets {
		return Buckets - 1
	}
	return b
}

// units groups the directions of a pair together, keeping first-seen order.
func units(rels []models.InferredRelationship) [][]models.InferredRelationship {
	var out [][]models.InferredRelationship
	pairs := map[string]int{}
	for _, rel := range rels {
		if rel.PairID == "" {
			out = append(out, []models.InferredRelationship{rel})
			continue
		}
		key := rel.Type + "|" + rel.PairID
		if i, ok := pairs[key]; ok {
			out[i] = append(out[i], rel)
			continue
		}
		pairs[key] = len(out)
		out = append(out, []models.InferredRelationship{rel})
	}
	return out
}

func params(rel models.InferredRelationship) (map[string]any, error) {
	evidence, err := json.Marshal(rel.EvidenceTrail)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evidence for %s: %w", rel.Key(), err)
	}

	props := map[string]any{}
	for k, v := range rel.Properties {
		props[k] = v
	}
	rules := make([]any, len(rel.Rules))
	for i, r := range rel.Rules {
		rules[i] = r
	}
	props["confidence"] = rel.Confidence
	props["rules"] = rules
	props["rule_type"] = rel.RuleType
	props["requires_validation"] = rel.RequiresValidation
	props["inferred_at"] = rel.InferredAt.UTC().Format(time.RFC3339)
	props["evidence"] = string(evidence)
	props["evidence_count"] = len(rel.EvidenceTrail)
	if rel.PairID != "" {
		props["pair_id"] = rel.PairID
	}

	return map[string]any{
		"source_id": rel.SourceID,
		"target_id": rel.TargetID,
		"props":     props,
	}, nil
}
