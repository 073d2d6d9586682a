// Package graph talks to a Neo4j or Memgraph store over Bolt. Reads are
// pattern queries; writes are batches of idempotent MERGE statements.
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Row is one query result keyed by the RETURN aliases.
type Row map[string]any

// Statement is a parameterized write.
type Statement struct {
	Cypher string         `json:"statement"`
	Params map[string]any `json:"parameters"`
}

// Store is the graph boundary used by the merge emitter and the rule engine.
type Store interface {
	// Query runs a read-only query.
	Query(ctx context.Context, cypher string, params map[string]any) ([]Row, error)
	// Write runs every statement in one write transaction.
	Write(ctx context.Context, statements []Statement) error
	Close(ctx context.Context) error
}

// Client wraps the Neo4j driver for Memgraph compatibility
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	logger   ectologger.Logger
}

// NewClient creates a new graph database client
func NewClient(cfg config.GraphConfig, logger ectologger.Logger) (*Client, error) {
	uri := fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port)

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	return &Client{
		driver:   driver,
		database: cfg.Database,
		logger:   logger,
	}, nil
}

// Close closes the driver connection
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// VerifyConnectivity checks if the database is reachable
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) session(ctx context.Context, accessMode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   accessMode,
		DatabaseName: c.database,
	})
}

// Query runs cypher in a read transaction and converts every value to plain Go.
func (c *Client) Query(ctx context.Context, cypher string, params map[string]any) ([]Row, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.Query")
	defer span.End()

	session := c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}

		var rows []Row
		for result.Next(ctx) {
			record := result.Record()
			row := make(Row, len(record.Keys))
			for i, key := range record.Keys {
				row[key] = plain(record.Values[i])
			}
			rows = append(rows, row)
		}
		return rows, result.Err()
	})
	if err != nil {
		tracing.Fail(span, err)
		c.logger.WithContext(ctx).WithError(err).WithField("query_len", len(cypher)).Error("Failed to execute graph query")
		return nil, fmt.Errorf("failed to execute graph query: %w", err)
	}

	rows, _ := result.([]Row)
	return rows, nil
}

// Write runs statements in order inside a single write transaction.
func (c *Client) Write(ctx context.Context, statements []Statement) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.Write", attribute.Int("graph.statements", len(statements)))
	defer span.End()

	if len(statements) == 0 {
		return nil
	}

	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range statements {
			result, err := tx.Run(ctx, st.Cypher, st.Params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		tracing.Fail(span, err)
		c.logger.WithContext(ctx).WithError(err).WithField("statements", len(statements)).Error("Failed to write graph batch")
		return fmt.Errorf("failed to write graph batch: %w", err)
	}
	return nil
}
