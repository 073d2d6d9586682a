// Package inference evaluates declarative graph rules against the unified
// graph and scores the relationships they imply.
package inference

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/criteria"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var pairNamespace = uuid.MustParse("0f6c2d4a-1b3e-5a7f-8c9d-2e4f6a8b0c1d")

const groundTruthCypher = `UNWIND $pairs AS p
MATCH (a {id: p.source_id})-[r:%s]->(b {id: p.target_id})
WHERE coalesce(r.inferred, false) = false
RETURN DISTINCT p.source_id AS source_id, p.target_id AS target_id`

// RuleStats counts what one rule did. Matched, Filtered, BelowThreshold and
// GroundTruth count matched rows; Emitted counts directed relationships.
type RuleStats struct {
	Rule           string `json:"rule"`
	RuleType       string `json:"rule_type"`
	Matched        int    `json:"matched"`
	Filtered       int    `json:"filtered"`
	BelowThreshold int    `json:"below_threshold"`
	GroundTruth    int    `json:"ground_truth"`
	Emitted        int    `json:"emitted"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// Result is the outcome of one engine run.
type Result struct {
	Relationships []models.InferredRelationship
	Stats         []RuleStats
	// Errors holds one *errors.RuleExecutionError per failed rule
	Errors []error
}

// Engine runs a rule set against a graph store.
type Engine struct {
	graph     graph.Store
	rules     []models.InferenceRule
	threshold float64
	ruleLimit int
	batchSize int
	logger    ectologger.Logger
	now       func() time.Time
}

// NewEngine creates an engine for already selected rules.
func NewEngine(g graph.Store, rules []models.InferenceRule, cfg config.InferenceConfig, logger ectologger.Logger) *Engine {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Engine{
		graph:     g,
		rules:     rules,
		threshold: cfg.ConfidenceThreshold,
		ruleLimit: cfg.RuleLimit,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes every rule in order. A failing rule is recorded and skipped;
// only a cancelled context stops the run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "inference.Engine.Run")
	defer span.End()

	result := &Result{}
	var all []models.InferredRelationship
	for i := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rule := &e.rules[i]

		rels, stats, err := e.RunRule(ctx, rule)
		if err != nil {
			ruleErr := &fernerrors.RuleExecutionError{Rule: rule.Name, Err: err}
			stats.Error = ruleErr.Error()
			result.Errors = append(result.Errors, ruleErr)
			e.logger.WithContext(ctx).WithError(err).WithField("rule", rule.Name).Error("rule failed, skipping")
		}
		result.Stats = append(result.Stats, stats)
		all = append(all, rels...)
	}

	result.Relationships = Dedup(all)
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"rules":         len(e.rules),
		"candidates":    len(all),
		"relationships": len(result.Relationships),
		"errors":        len(result.Errors),
	}).Info("inference complete")
	return result, nil
}

// RunRule evaluates one rule. Stats are filled in even when an error is
// returned.
func (e *Engine) RunRule(ctx context.Context, rule *models.InferenceRule) ([]models.InferredRelationship, RuleStats, error) {
	ctx, span := tracing.StartSpan(ctx, "inference.Engine.RunRule")
	defer span.End()

	start := e.now()
	stats := RuleStats{Rule: rule.Name, RuleType: rule.RuleType}

	limit := rule.Limit
	if limit == 0 {
		limit = e.ruleLimit
	}
	rows, err := e.graph.Query(ctx, Compile(rule, limit), nil)
	if err != nil {
		stats.DurationMS = e.now().Sub(start).Milliseconds()
		return nil, stats, fmt.Errorf("pattern query failed: %w", err)
	}
	stats.Matched = len(rows)

	inferredAt := e.now().UTC()
	var candidates [][]models.InferredRelationship
	for _, row := range rows {
		data, ids := bind(rule, row)
		if data == nil {
			stats.Filtered++
			continue
		}
		conf, ok := e.evaluate(ctx, rule, data)
		if !ok {
			stats.Filtered++
			continue
		}
		if conf < e.threshold {
			stats.BelowThreshold++
			e.logger.WithContext(ctx).WithError(&fernerrors.ThresholdRejection{
				Rule: rule.Name, Confidence: conf, Threshold: e.threshold,
			}).Debug("candidate rejected")
			continue
		}
		candidates = append(candidates, build(rule, data, ids, conf, inferredAt))
	}

	existing, err := e.groundTruth(ctx, rule.Output.Type, candidates)
	if err != nil {
		stats.DurationMS = e.now().Sub(start).Milliseconds()
		return nil, stats, fmt.Errorf("ground truth check failed: %w", err)
	}

	var out []models.InferredRelationship
	for _, unit := range candidates {
		if explicit(unit, existing) {
			stats.GroundTruth++
			continue
		}
		out = append(out, unit...)
	}
	stats.Emitted = len(out)
	stats.DurationMS = e.now().Sub(start).Milliseconds()

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"rule":            rule.Name,
		"matched":         stats.Matched,
		"filtered":        stats.Filtered,
		"below_threshold": stats.BelowThreshold,
		"ground_truth":    stats.GroundTruth,
		"emitted":         stats.Emitted,
	}).Info("rule evaluated")
	return out, stats, nil
}

func (e *Engine) evaluate(ctx context.Context, rule *models.InferenceRule, data map[string]any) (float64, bool) {
	for _, f := range rule.Filters {
		if !filterMatches(f, data) {
			return 0, false
		}
	}
	conf, ok := Score(rule.Formula, data)
	if !ok {
		e.logger.WithContext(ctx).WithField("rule", rule.Name).Debug("formula input missing, row discarded")
	}
	return conf, ok
}

// bind reshapes a result row into {var: properties}. Node property maps also
// carry the node id. It returns nil when a node id is missing.
func bind(rule *models.InferenceRule, row graph.Row) (map[string]any, map[string]string) {
	data := make(map[string]any, len(rule.Pattern.Nodes)+len(rule.Pattern.Edges))
	ids := make(map[string]string, len(rule.Pattern.Nodes))
	for _, n := range rule.Pattern.Nodes {
		id, _ := row[n.Var+"_id"].(string)
		if id == "" {
			return nil, nil
		}
		props := propsOf(row[n.Var+"_props"])
		props["id"] = id
		data[n.Var] = props
		ids[n.Var] = id
	}
	for _, edge := range rule.Pattern.Edges {
		data[edge.Var] = propsOf(row[edge.Var+"_props"])
	}
	return data, ids
}

func propsOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}

// build creates the relationships one accepted row produces: one for an
// outgoing rule, a synchronized pair for a bidirectional one.
func build(rule *models.InferenceRule, data map[string]any, ids map[string]string, conf float64, at time.Time) []models.InferredRelationship {
	trail := make([]models.EvidenceEntry, 0, len(rule.Pattern.Edges))
	for _, edge := range rule.Pattern.Edges {
		props, _ := data[edge.Var].(map[string]any)
		trail = append(trail, models.EvidenceEntry{
			RelationRole: edge.Role,
			Type:         edge.Type,
			SourceSystem: sourceSystem(props),
			FromID:       ids[edge.From],
			ToID:         ids[edge.To],
			Properties:   salient(props, edge.Salient),
		})
	}

	src, dst := ids[rule.Pattern.Source], ids[rule.Pattern.Target]
	rel := models.InferredRelationship{
		SourceID:           src,
		TargetID:           dst,
		Type:               rule.Output.Type,
		Confidence:         conf,
		EvidenceTrail:      trail,
		InferredAt:         at,
		Rules:              []string{rule.Name},
		RuleType:           rule.RuleType,
		RequiresValidation: rule.Output.RequiresValidation,
		Properties:         maps.Clone(rule.Output.Properties),
	}
	if rule.Output.Direction != models.DirectionBidirectional {
		return []models.InferredRelationship{rel}
	}

	rel.PairID = PairID(src, rule.Output.Type, dst)
	reverse := rel
	reverse.SourceID, reverse.TargetID = dst, src
	reverse.EvidenceTrail = append([]models.EvidenceEntry(nil), trail...)
	reverse.Rules = []string{rule.Name}
	reverse.Properties = maps.Clone(rule.Output.Properties)
	return []models.InferredRelationship{rel, reverse}
}

// PairID identifies both directions of a bidirectional relationship.
func PairID(a, relType, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(pairNamespace, []byte(a+"|"+relType+"|"+b)).String()
}

func sourceSystem(props map[string]any) string {
	for _, key := range []string{"source", "source_system"} {
		if s, ok := props[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func salient(props map[string]any, keys []string) map[string]any {
	if len(keys) == 0 {
		return maps.Clone(props)
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := props[k]; ok {
			out[k] = v
		}
	}
	return out
}

func filterMatches(f models.RuleFilter, data map[string]any) bool {
	return criteria.Evaluate(data, []criteria.Condition{filterCondition(f)})
}

type endpoints struct{ source, target string }

// groundTruth returns the candidate endpoint pairs already joined by an
// explicit relationship of relType, querying in batches.
func (e *Engine) groundTruth(ctx context.Context, relType string, candidates [][]models.InferredRelationship) (map[endpoints]bool, error) {
	existing := map[endpoints]bool{}
	var pairs []any
	seen := map[endpoints]bool{}
	for _, unit := range candidates {
		for _, rel := range unit {
			p := endpoints{rel.SourceID, rel.TargetID}
			if seen[p] {
				continue
			}
			seen[p] = true
			pairs = append(pairs, map[string]any{"source_id": p.source, "target_id": p.target})
		}
	}

	cypher := fmt.Sprintf(groundTruthCypher, relType)
	for start := 0; start < len(pairs); start += e.batchSize {
		chunk := pairs[start:min(start+e.batchSize, len(pairs))]
		rows, err := e.graph.Query(ctx, cypher, map[string]any{"pairs": chunk})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			s, _ := row["source_id"].(string)
			t, _ := row["target_id"].(string)
			existing[endpoints{s, t}] = true
		}
	}
	return existing, nil
}

// explicit reports whether any direction of the unit already exists; a
// bidirectional pair is dropped as a whole.
func explicit(unit []models.InferredRelationship, existing map[endpoints]bool) bool {
	for _, rel := range unit {
		if existing[endpoints{rel.SourceID, rel.TargetID}] {
			return true
		}
	}
	return false
}
