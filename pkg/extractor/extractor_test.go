package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractor_Extract(t *testing.T) {
	data := map[string]any{
		"identifiers": map[string]any{
			"chembl": "CHEMBL25",
		},
		"properties": map[string]any{
			"synonyms": []any{"aspirin", "acetylsalicylic acid"},
			"xrefs":    []any{map[string]any{"id": "DB00945"}},
		},
	}
	e := New()

	tests := []struct {
		name     string
		path     string
		expected any
	}{
		{name: "nested key", path: "identifiers.chembl", expected: "CHEMBL25"},
		{name: "array index", path: "properties.synonyms[1]", expected: "acetylsalicylic acid"},
		{name: "array index then key", path: "properties.xrefs[0].id", expected: "DB00945"},
		{name: "missing key", path: "identifiers.drugbank", expected: nil},
		{name: "index out of range", path: "properties.synonyms[5]", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Extract(data, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("key on scalar errors", func(t *testing.T) {
		_, err := e.Extract(data, "identifiers.chembl.value")
		assert.Error(t, err)
	})
}

func TestExtractor_Strings(t *testing.T) {
	data := map[string]any{
		"identifiers": map[string]any{
			"pubchem": float64(12345678),
			"chembl":  []any{"CHEMBL25", " ", "CHEMBL1201583"},
		},
		"properties": map[string]any{
			"synonyms": []any{"aspirin", "ASA"},
			"xrefs":    []any{map[string]any{"id": "DB00945"}, map[string]any{"id": "DB01234"}},
		},
	}
	e := New()

	t.Run("numbers render without exponent", func(t *testing.T) {
		got, err := e.Strings(data, "identifiers.pubchem")
		require.NoError(t, err)
		assert.Equal(t, []string{"12345678"}, got)
	})

	t.Run("lists are flattened and blanks dropped", func(t *testing.T) {
		got, err := e.Strings(data, "identifiers.chembl")
		require.NoError(t, err)
		assert.Equal(t, []string{"CHEMBL25", "CHEMBL1201583"}, got)
	})

	t.Run("wildcard expands arrays", func(t *testing.T) {
		got, err := e.Strings(data, "properties.xrefs[*].id")
		require.NoError(t, err)
		assert.Equal(t, []string{"DB00945", "DB01234"}, got)
	})

	t.Run("maps are skipped", func(t *testing.T) {
		got, err := e.Strings(data, "properties")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestCompile(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{expr: "identifiers.chembl"},
		{expr: "properties.xrefs[*].id"},
		{expr: "synonyms[2]"},
		{expr: ""},
		{expr: "identifiers..chembl", wantErr: true},
		{expr: "synonyms[2", wantErr: true},
		{expr: "synonyms[x]", wantErr: true},
		{expr: "synonyms[-1]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := Compile(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expr, p.String())
		})
	}

	t.Run("extract reports malformed paths", func(t *testing.T) {
		_, err := New().Strings(map[string]any{}, "a[")
		assert.Error(t, err)
	})
}
