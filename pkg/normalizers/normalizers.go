// Package normalizers provides identifier normalization and shape validation
// for every recognized identifier system.
package normalizers

import (
	"strings"
	"sync"
	"unicode"

	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
)

// Normalizer canonicalizes a raw identifier value. It returns an
// *errors.InvalidIdentifierError when the value does not have the expected shape.
type Normalizer func(string) (string, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Normalizer)
)

func init() {
	Register("trim", lift(Trim))
	Register("lowercase", lift(Lowercase))
	Register("uppercase", lift(Uppercase))
	Register("digits_only", lift(DigitsOnly))
	Register("alphanumeric", lift(Alphanumeric))

	Register("inchikey", InChIKey)
	Register("chembl", ChEMBL)
	Register("drugbank", DrugBank)
	Register("pubchem_cid", PubChemCID)
	Register("cas", CAS)
	Register("uniprot", UniProt)
	Register("ensembl", Ensembl)
	Register("hgnc", HGNC)
	Register("gene_symbol", GeneSymbol)
	Register("mondo", curie("mondo", "MONDO", 7))
	Register("efo", curie("efo", "EFO", 7))
	Register("doid", curie("doid", "DOID", 0))
	Register("mesh", MeSH)
	Register("umls", UMLS)
	Register("nct", NCT)
	Register("euctr", EUCTR)
	Register("isrctn", ISRCTN)
	Register("lei", LEI)
	Register("cik", CIK)
	Register("ticker", Ticker)
	Register("name_hash", NameHash)
	Register("company_name_hash", CompanyNameHash)
}

// Register adds a normalizer to the registry, replacing any previous entry.
func Register(name string, fn Normalizer) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = fn
}

// Get retrieves a normalizer by name.
func Get(name string) (Normalizer, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Apply runs the named normalizer. Unknown names only trim the value.
func Apply(value, normalizer string) (string, error) {
	fn, ok := Get(normalizer)
	if !ok {
		v := Trim(value)
		if v == "" {
			return "", invalid(normalizer, value, "empty value")
		}
		return v, nil
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence, stopping at the first error.
func ApplyChain(value string, names ...string) (string, error) {
	result := value
	for _, name := range names {
		var err error
		result, err = Apply(result, name)
		if err != nil {
			return "", err
		}
	}
	return result, nil
}

func lift(fn func(string) string) Normalizer {
	return func(s string) (string, error) {
		out := fn(s)
		if out == "" {
			return "", invalid("text", s, "empty after normalization")
		}
		return out, nil
	}
}

func invalid(system, value, reason string) error {
	return &fernerrors.InvalidIdentifierError{System: system, Value: value, Reason: reason}
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Uppercase converts string to uppercase
func Uppercase(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only alphanumeric characters
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// NormalizeName folds an entity name for comparison:
// lowercase, punctuation dropped, whitespace collapsed.
// Greek letters are spelled out so "α-tocopherol" and "alpha-tocopherol" agree.
func NormalizeName(s string) string {
	s = strings.ToLower(s)
	for greek, latin := range greekLetters {
		s = strings.ReplaceAll(s, greek, latin)
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			result.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/':
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

var greekLetters = map[string]string{
	"α": "alpha",
	"β": "beta",
	"γ": "gamma",
	"δ": "delta",
	"κ": "kappa",
	"ω": "omega",
}

var companySuffixes = []string{
	" incorporated", " inc", " corporation", " corp", " company", " co",
	" limited", " ltd", " llc", " plc", " gmbh", " ag", " sa", " nv", " bv", " holdings",
}

// NormalizeCompanyName applies NormalizeName then strips legal form suffixes.
func NormalizeCompanyName(s string) string {
	s = NormalizeName(s)
	for {
		trimmed := false
		for _, suffix := range companySuffixes {
			if strings.HasSuffix(s, suffix) {
				s = strings.TrimSpace(s[:len(s)-len(suffix)])
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}
	return s
}
