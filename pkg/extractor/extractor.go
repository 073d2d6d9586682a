// Package extractor reads values out of decoded JSON documents by path.
//
// Paths use dot notation with optional indexes: "identifiers.chembl",
// "synonyms[0]", "properties.xrefs[*].id". A [*] segment fans out over every
// element of the array.
package extractor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const wildcard = -1

// step is one path segment: an optional key followed by an optional index.
type step struct {
	key     string
	indexed bool
	index   int
}

// Path is a compiled path expression.
type Path struct {
	expr  string
	steps []step
}

func (p Path) String() string { return p.expr }

// Compile parses expr. Empty segments and malformed indexes are errors.
func Compile(expr string) (Path, error) {
	p := Path{expr: expr}
	if expr == "" {
		return p, nil
	}
	for _, seg := range strings.Split(expr, ".") {
		if seg == "" {
			return Path{}, fmt.Errorf("path %q: empty segment", expr)
		}
		st := step{key: seg}
		if open := strings.IndexByte(seg, '['); open >= 0 {
			if !strings.HasSuffix(seg, "]") {
				return Path{}, fmt.Errorf("path %q: unterminated index in %q", expr, seg)
			}
			st.key = seg[:open]
			st.indexed = true
			switch idx := seg[open+1 : len(seg)-1]; idx {
			case "*":
				st.index = wildcard
			default:
				n, err := strconv.Atoi(idx)
				if err != nil || n < 0 {
					return Path{}, fmt.Errorf("path %q: bad index %q", expr, idx)
				}
				st.index = n
			}
		}
		p.steps = append(p.steps, st)
	}
	return p, nil
}

// Extractor evaluates path expressions, compiling each one once.
type Extractor struct {
	paths sync.Map // string -> Path
}

func New() *Extractor {
	return &Extractor{}
}

func (e *Extractor) compile(expr string) (Path, error) {
	if p, ok := e.paths.Load(expr); ok {
		return p.(Path), nil
	}
	p, err := Compile(expr)
	if err != nil {
		return Path{}, err
	}
	e.paths.Store(expr, p)
	return p, nil
}

// Extract returns the single value at expr, or nil when any segment is
// missing. A wildcard segment yields the whole array.
func (e *Extractor) Extract(data any, expr string) (any, error) {
	p, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	current := data
	for _, st := range p.steps {
		if current, err = st.apply(current); err != nil || current == nil {
			return nil, err
		}
	}
	return current, nil
}

// ExtractAll returns every value at expr, expanding wildcard segments.
// Branches that do not match are dropped silently.
func (e *Extractor) ExtractAll(data any, expr string) ([]any, error) {
	p, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	values := []any{data}
	for _, st := range p.steps {
		var next []any
		for _, v := range values {
			out, err := st.apply(v)
			if err != nil || out == nil {
				continue
			}
			if st.indexed && st.index == wildcard {
				items, _ := asList(out)
				next = append(next, items...)
				continue
			}
			next = append(next, out)
		}
		values = next
	}
	return values, nil
}

// Strings returns every scalar at expr as a trimmed, non-empty string.
// Lists at the end of the path are flattened, so a field holding one id and
// a field holding a list of ids read the same way. Objects are skipped.
func (e *Extractor) Strings(data any, expr string) ([]string, error) {
	values, err := e.ExtractAll(data, expr)
	if err != nil {
		return nil, err
	}

	var out []string
	var walk func(v any)
	walk = func(v any) {
		if items, ok := asList(v); ok {
			for _, item := range items {
				walk(item)
			}
			return
		}
		if _, isObject := v.(map[string]any); isObject || v == nil {
			return
		}
		if s := strings.TrimSpace(ToString(v)); s != "" {
			out = append(out, s)
		}
	}
	for _, v := range values {
		walk(v)
	}
	return out, nil
}

func (st step) apply(data any) (any, error) {
	value := data
	if st.key != "" {
		switch obj := data.(type) {
		case map[string]any:
			value = obj[st.key]
		case map[string]string:
			s, ok := obj[st.key]
			if !ok {
				return nil, nil
			}
			value = s
		default:
			return nil, fmt.Errorf("cannot read key %q from %T", st.key, data)
		}
	}
	if !st.indexed || st.index == wildcard || value == nil {
		return value, nil
	}

	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("cannot index %T", value)
	}
	if st.index >= len(items) {
		return nil, nil
	}
	return items[st.index], nil
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

// ToString renders a scalar. Whole floats print without an exponent so
// numeric registry ids survive JSON decoding.
func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	}
	b, _ := json.Marshal(v)
	return string(b)
}
