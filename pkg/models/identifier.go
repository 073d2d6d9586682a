package models

import (
	"fmt"
	"sort"
	"strings"
)

// IdentifierKey is a normalized identifier within one identifier system.
type IdentifierKey struct {
	System string `json:"system" db:"system"`
	Value  string `json:"value" db:"value"`
}

// String renders the key as "system:value".
func (k IdentifierKey) String() string {
	return k.System + ":" + k.Value
}

// IsZero reports whether the key is empty.
func (k IdentifierKey) IsZero() bool {
	return k.System == "" && k.Value == ""
}

// ParseIdentifierKey parses the "system:value" form produced by String.
func ParseIdentifierKey(s string) (IdentifierKey, error) {
	system, value, ok := strings.Cut(s, ":")
	if !ok || system == "" || value == "" {
		return IdentifierKey{}, fmt.Errorf("invalid identifier key %q", s)
	}
	return IdentifierKey{System: system, Value: value}, nil
}

// IdentifierSet is an ordered, duplicate free collection of identifier keys.
type IdentifierSet struct {
	keys  []IdentifierKey
	index map[IdentifierKey]struct{}
}

// NewIdentifierSet builds a set from the given keys, dropping duplicates.
func NewIdentifierSet(keys ...IdentifierKey) *IdentifierSet {
	s := &IdentifierSet{index: make(map[IdentifierKey]struct{}, len(keys))}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add inserts the key and reports whether it was new.
func (s *IdentifierSet) Add(k IdentifierKey) bool {
	if k.IsZero() {
		return false
	}
	if s.index == nil {
		s.index = make(map[IdentifierKey]struct{})
	}
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = struct{}{}
	s.keys = append(s.keys, k)
	return true
}

// Has reports whether the key is in the set.
func (s *IdentifierSet) Has(k IdentifierKey) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[k]
	return ok
}

// Len returns the number of keys.
func (s *IdentifierSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns the keys in insertion order.
func (s *IdentifierSet) Keys() []IdentifierKey {
	if s == nil {
		return nil
	}
	out := make([]IdentifierKey, len(s.keys))
	copy(out, s.keys)
	return out
}

// Sorted returns the keys ordered by system then value.
func (s *IdentifierSet) Sorted() []IdentifierKey {
	out := s.Keys()
	SortKeys(out)
	return out
}

// SortKeys orders keys by system then value in place.
func SortKeys(keys []IdentifierKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].System != keys[j].System {
			return keys[i].System < keys[j].System
		}
		return keys[i].Value < keys[j].Value
	})
}
