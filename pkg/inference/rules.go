package inference

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/criteria"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
)

//go:embed rules.yaml
var defaultRules []byte

type ruleFile struct {
	Rules []models.InferenceRule `yaml:"rules" validate:"required,min=1,dive"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() ([]models.InferenceRule, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads a rule file, or the built-in set when path is empty.
func LoadRules(path string) ([]models.InferenceRule, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes and validates a YAML rule document. Unknown fields and
// any invalid rule fail the whole document.
func ParseRules(data []byte) ([]models.InferenceRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file ruleFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("invalid rules document: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}

	seen := map[string]bool{}
	var errs []error
	for i := range file.Rules {
		rule := &file.Rules[i]
		if seen[rule.Name] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate name", rule.Name))
			continue
		}
		seen[rule.Name] = true
		if err := checkRule(rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Name, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return file.Rules, nil
}

// Select returns the enabled rules, restricted to names when names is not
// empty. Naming an unknown rule is an error; naming a disabled one enables it.
func Select(rules []models.InferenceRule, names []string) ([]models.InferenceRule, error) {
	if len(names) == 0 {
		var out []models.InferenceRule
		for _, r := range rules {
			if r.IsEnabled() {
				out = append(out, r)
			}
		}
		return out, nil
	}

	byName := make(map[string]models.InferenceRule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}
	out := make([]models.InferenceRule, 0, len(names))
	for _, name := range names {
		r, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown rule %q", name)
		}
		out = append(out, r)
	}
	return out, nil
}

func checkRule(rule *models.InferenceRule) error {
	p := rule.Pattern
	nodes := map[string]bool{}
	edges := map[string]bool{}
	used := map[string]bool{}

	for _, n := range p.Nodes {
		if nodes[n.Var] {
			return fmt.Errorf("variable %s declared twice", n.Var)
		}
		if !validName(n.Label) {
			return fmt.Errorf("node %s: invalid label %q", n.Var, n.Label)
		}
		nodes[n.Var] = true
	}
	for _, e := range p.Edges {
		if nodes[e.Var] || edges[e.Var] {
			return fmt.Errorf("variable %s declared twice", e.Var)
		}
		if !validName(e.Type) {
			return fmt.Errorf("edge %s: invalid type %q", e.Var, e.Type)
		}
		if !nodes[e.From] || !nodes[e.To] {
			return fmt.Errorf("edge %s: endpoints %s and %s must be pattern nodes", e.Var, e.From, e.To)
		}
		edges[e.Var] = true
		used[e.From] = true
		used[e.To] = true
	}
	for _, n := range p.Nodes {
		if !used[n.Var] {
			return fmt.Errorf("node %s is not connected by any edge", n.Var)
		}
	}
	if !nodes[p.Source] || !nodes[p.Target] {
		return fmt.Errorf("source %s and target %s must be pattern nodes", p.Source, p.Target)
	}
	if p.Source == p.Target {
		return fmt.Errorf("source and target must differ")
	}
	for _, pair := range p.Distinct {
		if !nodes[pair[0]] || !nodes[pair[1]] {
			return fmt.Errorf("distinct pair %v must name pattern nodes", pair)
		}
	}

	bound := func(v string) bool { return nodes[v] || edges[v] }
	for _, f := range rule.Filters {
		if !bound(f.Var) {
			return fmt.Errorf("filter references unknown variable %s", f.Var)
		}
		if err := filterCondition(f).Validate(); err != nil {
			return err
		}
	}

	switch rule.Formula.Kind {
	case models.FormulaConstant:
		if len(rule.Formula.Terms) > 0 {
			return fmt.Errorf("constant formula takes no terms")
		}
	default:
		if len(rule.Formula.Terms) == 0 {
			return fmt.Errorf("%s formula needs at least one term", rule.Formula.Kind)
		}
	}
	for _, t := range rule.Formula.Terms {
		if !bound(t.Var) {
			return fmt.Errorf("formula term references unknown variable %s", t.Var)
		}
	}

	if !validName(rule.Output.Type) {
		return fmt.Errorf("invalid output type %q", rule.Output.Type)
	}
	switch rule.Output.Direction {
	case models.DirectionOutgoing, models.DirectionBidirectional:
	default:
		return fmt.Errorf("unknown direction %q", rule.Output.Direction)
	}
	return nil
}

func validName(s string) bool {
	return s != "" && graph.SanitizeLabel(s) == s
}

func filterCondition(f models.RuleFilter) criteria.Condition {
	return criteria.Condition{Field: f.Var + "." + f.Property, Operator: f.Op, Value: f.Value}
}
