package graph

import (
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// SanitizeLabel keeps only characters allowed in an unquoted label or
// relationship type.
func SanitizeLabel(label string) string {
	var b strings.Builder
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "Entity"
	}
	return b.String()
}

// plain converts driver values to maps, slices and scalars. Nodes and
// relationships become their property maps plus _labels or _type.
func plain(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case neo4j.Node:
		props := copyProps(v.Props)
		labels := make([]any, len(v.Labels))
		for i, l := range v.Labels {
			labels[i] = l
		}
		props["_labels"] = labels
		return props
	case neo4j.Relationship:
		props := copyProps(v.Props)
		props["_type"] = v.Type
		return props
	case neo4j.Path:
		nodes := make([]any, len(v.Nodes))
		for i, n := range v.Nodes {
			nodes[i] = plain(n)
		}
		rels := make([]any, len(v.Relationships))
		for i, r := range v.Relationships {
			rels[i] = plain(r)
		}
		return map[string]any{"nodes": nodes, "relationships": rels}
	case dbtype.Date:
		return v.Time()
	case dbtype.LocalDateTime:
		return v.Time()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = plain(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = plain(item)
		}
		return out
	default:
		return v
	}
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props)+1)
	for k, v := range props {
		out[k] = plain(v)
	}
	return out
}
