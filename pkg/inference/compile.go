package inference

import (
	"fmt"
	"math"
	"strings"

	"github.com/Ramsey-B/fern/pkg/criteria"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Compile renders the read query for a rule. Every node binds to an active
// (non-merged) entity, every edge to an explicit relationship, and each
// pattern variable is returned as <var>_id and <var>_props.
func Compile(rule *models.InferenceRule, limit int) string {
	labels := make(map[string]string, len(rule.Pattern.Nodes))
	for _, n := range rule.Pattern.Nodes {
		labels[n.Var] = n.Label
	}
	declared := map[string]bool{}
	node := func(v string) string {
		if declared[v] {
			return "(" + v + ")"
		}
		declared[v] = true
		return "(" + v + ":" + labels[v] + ")"
	}

	var paths, where, ret []string
	for _, e := range rule.Pattern.Edges {
		paths = append(paths, fmt.Sprintf("%s-[%s:%s]->%s", node(e.From), e.Var, e.Type, node(e.To)))
		where = append(where, fmt.Sprintf("coalesce(%s.inferred, false) = false", e.Var))
	}
	for _, n := range rule.Pattern.Nodes {
		where = append(where, fmt.Sprintf("coalesce(%s.status, 'active') <> 'merged'", n.Var))
		ret = append(ret, fmt.Sprintf("%s.id AS %s_id, properties(%s) AS %s_props", n.Var, n.Var, n.Var, n.Var))
	}
	for _, pair := range rule.Pattern.Distinct {
		where = append(where, fmt.Sprintf("%s.id <> %s.id", pair[0], pair[1]))
	}
	for _, e := range rule.Pattern.Edges {
		ret = append(ret, fmt.Sprintf("properties(%s) AS %s_props", e.Var, e.Var))
	}

	var b strings.Builder
	b.WriteString("MATCH ")
	b.WriteString(strings.Join(paths, ", "))
	b.WriteString("\nWHERE ")
	b.WriteString(strings.Join(where, "\n  AND "))
	b.WriteString("\nRETURN ")
	b.WriteString(strings.Join(ret, ", "))
	if limit > 0 {
		fmt.Fprintf(&b, "\nLIMIT %d", limit)
	}
	return b.String()
}

// Score evaluates a formula over matched properties keyed by variable. ok is
// false when a term's property is missing and has no default. The result is
// clamped to [0,1] and rounded to six decimal places.
func Score(f models.Formula, data map[string]any) (float64, bool) {
	var score float64
	if f.Kind == models.FormulaConstant {
		score = f.Value
	} else {
		values := make([]float64, 0, len(f.Terms))
		for _, t := range f.Terms {
			v, ok := termValue(t, data)
			if !ok {
				return 0, false
			}
			values = append(values, v)
		}

		switch f.Kind {
		case models.FormulaProduct:
			score = 1
			for _, v := range values {
				score *= v
			}
		case models.FormulaMin:
			score = values[0]
			for _, v := range values[1:] {
				score = math.Min(score, v)
			}
		case models.FormulaMax:
			score = values[0]
			for _, v := range values[1:] {
				score = math.Max(score, v)
			}
		case models.FormulaWeightedMean:
			var sum, weights float64
			for i, v := range values {
				w := f.Terms[i].Weight
				if w == 0 {
					w = 1
				}
				sum += w * v
				weights += w
			}
			score = sum / weights
		default:
			return 0, false
		}
	}

	if f.Factor > 0 {
		score *= f.Factor
	}
	return clamp(score), true
}

func termValue(t models.FormulaTerm, data map[string]any) (float64, bool) {
	raw, exists := criteria.Lookup(data, t.Var+"."+t.Property)
	v, ok := criteria.ToFloat64(raw)
	if !exists || !ok {
		if t.Default == nil {
			return 0, false
		}
		v = *t.Default
	}
	if t.Scale > 0 {
		v /= t.Scale
	}
	return v, true
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return math.Round(v*1e6) / 1e6
}
