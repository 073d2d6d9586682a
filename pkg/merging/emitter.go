// Package merging turns committed merge edges into graph statements that attach
// every variant to its canonical representative. It never deletes.
package merging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/mappingstore"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const variantCypher = `UNWIND $batch AS m
MERGE (c:Canonical {id: m.canonical_id})
SET c:%s, c.category = m.category
MERGE (v:Variant {id: m.variant_id})
SET v.system = m.system, v.value = m.value
MERGE (v)-[r:SAME_AS]->(c)
SET r.confidence = m.confidence, r.evidence_level = m.evidence_level, r.updated_at = m.updated_at`

const absorbedCypher = `UNWIND $batch AS m
MERGE (c:Canonical {id: m.canonical_id})
SET c:%s, c.category = m.category
MERGE (l:Canonical {id: m.variant_id})
SET l:%s, l.category = m.category, l.status = 'merged', l.representative_id = m.canonical_id
MERGE (l)-[r:SAME_AS]->(c)
SET r.confidence = m.confidence, r.evidence_level = m.evidence_level, r.updated_at = m.updated_at`

// Summary counts what one emission produced.
type Summary struct {
	Edges      map[models.Category]int `json:"edges"`
	Statements int                     `json:"statements"`
	Applied    bool                    `json:"applied"`
}

// Emitter reads merge edges from the mapping store and renders them as
// batched MERGE statements.
type Emitter struct {
	store      mappingstore.Store
	graph      graph.Store
	categories []config.CategoryConfig
	batchSize  int
	logger     ectologger.Logger
}

// NewEmitter creates an emitter. graph may be nil when only dry runs are made.
func NewEmitter(store mappingstore.Store, g graph.Store, categories []config.CategoryConfig, batchSize int, logger ectologger.Logger) *Emitter {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Emitter{
		store:      store,
		graph:      g,
		categories: categories,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Statements renders every edge of category updated at or after since.
func (e *Emitter) Statements(ctx context.Context, cat config.CategoryConfig, since time.Time) ([]graph.Statement, int, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Emitter.Statements")
	defer span.End()

	category := models.Category(cat.Name)
	edges, err := e.store.MergeEdges(ctx, category, since)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read merge edges for %s: %w", category, err)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].VariantID < edges[j].VariantID })

	label := graph.SanitizeLabel(cat.GraphLabel())
	var variants, absorbed []map[string]any
	for _, edge := range edges {
		row := map[string]any{
			"category":       string(category),
			"variant_id":     edge.VariantID,
			"canonical_id":   edge.CanonicalID,
			"confidence":     edge.Confidence,
			"evidence_level": string(edge.EvidenceLevel),
			"updated_at":     edge.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if edge.EvidenceLevel == models.EvidenceAbsorbed {
			absorbed = append(absorbed, row)
			continue
		}
		if key, err := models.ParseIdentifierKey(edge.VariantID); err == nil {
			row["system"] = key.System
			row["value"] = key.Value
		}
		variants = append(variants, row)
	}

	statements := batches(fmt.Sprintf(variantCypher, label), variants, e.batchSize)
	statements = append(statements, batches(fmt.Sprintf(absorbedCypher, label, label), absorbed, e.batchSize)...)
	return statements, len(edges), nil
}

// Emit renders the statements of every category, writes them as JSON lines
// to w when w is not nil, and executes them when apply is set. Each category
// is applied in its own write transaction.
func (e *Emitter) Emit(ctx context.Context, since time.Time, w io.Writer, apply bool) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Emitter.Emit")
	defer span.End()

	if apply && e.graph == nil {
		return nil, fmt.Errorf("apply requested without a graph store")
	}

	summary := &Summary{Edges: map[models.Category]int{}, Applied: apply}
	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
	}

	for _, cat := range e.categories {
		statements, edges, err := e.Statements(ctx, cat, since)
		if err != nil {
			return nil, err
		}
		if edges == 0 {
			continue
		}
		summary.Edges[models.Category(cat.Name)] = edges
		summary.Statements += len(statements)

		if enc != nil {
			for _, st := range statements {
				if err := enc.Encode(st); err != nil {
					return nil, fmt.Errorf("failed to write merge statement: %w", err)
				}
			}
		}

		if apply {
			if err := e.graph.Write(ctx, statements); err != nil {
				return nil, fmt.Errorf("failed to apply merges for %s: %w", cat.Name, err)
			}
		}

		e.logger.WithContext(ctx).WithFields(map[string]any{
			"category":   cat.Name,
			"edges":      edges,
			"statements": len(statements),
			"applied":    apply,
		}).Info("merge statements emitted")
	}

	return summary, nil
}

func batches(cypher string, rows []map[string]any, size int) []graph.Statement {
	var out []graph.Statement
	for start := 0; start < len(rows); start += size {
		chunk := make([]any, 0, min(size, len(rows)-start))
		for _, r := range rows[start:min(start+size, len(rows))] {
			chunk = append(chunk, r)
		}
		out = append(out, graph.Statement{Cypher: cypher, Params: map[string]any{"batch": chunk}})
	}
	return out
}
