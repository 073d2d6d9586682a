package models

import "time"

// Direction of an inferred relationship.
type Direction string

const (
	DirectionOutgoing      Direction = "outgoing"
	DirectionBidirectional Direction = "bidirectional"
)

// FormulaKind selects how term values are combined into a confidence.
type FormulaKind string

const (
	FormulaProduct      FormulaKind = "product"
	FormulaMin          FormulaKind = "min"
	FormulaMax          FormulaKind = "max"
	FormulaWeightedMean FormulaKind = "weighted_mean"
	FormulaConstant     FormulaKind = "constant"
)

// InferenceRule is a validated, declarative rule definition.
type InferenceRule struct {
	Name        string       `yaml:"name" json:"name" validate:"required"`
	RuleType    string       `yaml:"rule_type" json:"rule_type" validate:"required"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     *bool        `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Limit       int          `yaml:"limit,omitempty" json:"limit,omitempty" validate:"gte=0"`
	Pattern     GraphPattern `yaml:"pattern" json:"pattern"`
	Filters     []RuleFilter `yaml:"filters,omitempty" json:"filters,omitempty" validate:"dive"`
	Formula     Formula      `yaml:"formula" json:"formula"`
	Output      OutputSpec   `yaml:"output" json:"output"`
}

// IsEnabled defaults to true when the flag is omitted.
func (r *InferenceRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// GraphPattern is the subgraph a rule matches.
type GraphPattern struct {
	Nodes    []PatternNode `yaml:"nodes" json:"nodes" validate:"required,min=2,dive"`
	Edges    []PatternEdge `yaml:"edges" json:"edges" validate:"required,min=1,dive"`
	Source   string        `yaml:"source" json:"source" validate:"required"`
	Target   string        `yaml:"target" json:"target" validate:"required"`
	Distinct [][2]string   `yaml:"distinct,omitempty" json:"distinct,omitempty"`
}

// PatternNode binds a variable to a node label.
type PatternNode struct {
	Var   string `yaml:"var" json:"var" validate:"required,alphanum"`
	Label string `yaml:"label" json:"label" validate:"required"`
}

// PatternEdge binds a variable to a typed relationship between two nodes.
type PatternEdge struct {
	Var     string   `yaml:"var" json:"var" validate:"required,alphanum"`
	Role    string   `yaml:"role" json:"role" validate:"required"`
	Type    string   `yaml:"type" json:"type" validate:"required"`
	From    string   `yaml:"from" json:"from" validate:"required"`
	To      string   `yaml:"to" json:"to" validate:"required"`
	Salient []string `yaml:"salient,omitempty" json:"salient,omitempty"`
}

// RuleFilter is a numeric precondition over a matched property.
type RuleFilter struct {
	Var      string `yaml:"var" json:"var" validate:"required"`
	Property string `yaml:"property" json:"property" validate:"required"`
	Op       string `yaml:"op" json:"op" validate:"required,oneof=gt gte lt lte eq ne in exists"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Formula is a pure confidence function over matched properties.
type Formula struct {
	Kind   FormulaKind   `yaml:"kind" json:"kind" validate:"required,oneof=product min max weighted_mean constant"`
	Terms  []FormulaTerm `yaml:"terms,omitempty" json:"terms,omitempty" validate:"dive"`
	Value  float64       `yaml:"value,omitempty" json:"value,omitempty" validate:"gte=0,lte=1"`
	Factor float64       `yaml:"factor,omitempty" json:"factor,omitempty" validate:"gte=0"`
}

// FormulaTerm reads one property, optionally scaled into [0,1].
type FormulaTerm struct {
	Var      string   `yaml:"var" json:"var" validate:"required"`
	Property string   `yaml:"property" json:"property" validate:"required"`
	Scale    float64  `yaml:"scale,omitempty" json:"scale,omitempty" validate:"gte=0"`
	Weight   float64  `yaml:"weight,omitempty" json:"weight,omitempty" validate:"gte=0"`
	Default  *float64 `yaml:"default,omitempty" json:"default,omitempty"`
}

// OutputSpec describes the relationship a rule produces.
type OutputSpec struct {
	Type               string         `yaml:"type" json:"type" validate:"required"`
	Direction          Direction      `yaml:"direction" json:"direction" validate:"required,oneof=outgoing bidirectional"`
	Properties         map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
	RequiresValidation bool           `yaml:"requires_validation,omitempty" json:"requires_validation,omitempty"`
}

// EvidenceEntry is one matched graph fact backing an inference.
type EvidenceEntry struct {
	RelationRole string         `json:"relation_role"`
	Type         string         `json:"type"`
	SourceSystem string         `json:"source_system,omitempty"`
	FromID       string         `json:"from_id"`
	ToID         string         `json:"to_id"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// InferredRelationship is an accepted rule output.
type InferredRelationship struct {
	SourceID           string          `json:"source_id"`
	TargetID           string          `json:"target_id"`
	Type               string          `json:"type"`
	Confidence         float64         `json:"confidence"`
	EvidenceTrail      []EvidenceEntry `json:"evidence_trail"`
	InferredAt         time.Time       `json:"inferred_at"`
	Rules              []string        `json:"rules"`
	RuleType           string          `json:"rule_type"`
	RequiresValidation bool            `json:"requires_validation"`
	Properties         map[string]any  `json:"properties,omitempty"`
	PairID             string          `json:"pair_id,omitempty"`
}

// Key returns the (source, type, target) triple used for deduplication.
func (r *InferredRelationship) Key() string {
	return r.SourceID + "|" + r.Type + "|" + r.TargetID
}
