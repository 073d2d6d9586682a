package graphmock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/graph"
)

var _ graph.Store = (*Store)(nil)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := &Store{Answer: func(cypher string, _ map[string]any) ([]graph.Row, error) {
		return []graph.Row{{"q": cypher}}, nil
	}}

	rows, err := s.Query(ctx, "MATCH (n) RETURN n", nil)
	require.NoError(t, err)
	assert.Equal(t, []graph.Row{{"q": "MATCH (n) RETURN n"}}, rows)
	assert.Equal(t, []string{"MATCH (n) RETURN n"}, s.Queries())

	require.NoError(t, s.Write(ctx, []graph.Statement{{Cypher: "CREATE (n)"}}))
	assert.Len(t, s.Batches(), 1)

	s.FailWrite = errors.New("bolt down")
	assert.Error(t, s.Write(ctx, []graph.Statement{{Cypher: "CREATE (m)"}}))
	assert.Len(t, s.Batches(), 1)
}
