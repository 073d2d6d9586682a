// Package graphmock is an in-process graph.Store for tests.
package graphmock

import (
	"context"
	"sync"

	"github.com/Ramsey-B/fern/pkg/graph"
)

// Store answers queries with Answer and records every Write call as one batch.
type Store struct {
	Answer func(cypher string, params map[string]any) ([]graph.Row, error)
	// FailWrite, when set, is returned by Write before anything is recorded
	FailWrite error

	mu      sync.Mutex
	queries []string
	batches [][]graph.Statement
}

func (f *Store) Query(_ context.Context, cypher string, params map[string]any) ([]graph.Row, error) {
	f.mu.Lock()
	f.queries = append(f.queries, cypher)
	f.mu.Unlock()

	if f.Answer == nil {
		return nil, nil
	}
	return f.Answer(cypher, params)
}

func (f *Store) Write(_ context.Context, statements []graph.Statement) error {
	if f.FailWrite != nil {
		return f.FailWrite
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]graph.Statement(nil), statements...))
	return nil
}

func (f *Store) Close(context.Context) error { return nil }

// Queries returns every query received, in order.
func (f *Store) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// Batches returns every committed write batch, in order.
func (f *Store) Batches() [][]graph.Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]graph.Statement(nil), f.batches...)
}
