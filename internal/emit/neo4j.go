package emit

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/core"
)

// Cypher statements used by the Neo4j sink.
const (
	createColumnConstraint = `CREATE CONSTRAINT column_key IF NOT EXISTS
FOR (c:Column) REQUIRE c.key IS UNIQUE`

	upsertFlows = `UNWIND $edges AS e
MERGE (src:Column {key: e.fromKey})
  ON CREATE SET src.relation = e.fromRelation, src.name = e.fromColumn, src.node = e.fromNode
MERGE (dst:Column {key: e.toKey})
  ON CREATE SET dst.relation = e.toRelation, dst.name = e.toColumn, dst.node = e.toNode
MERGE (src)-[f:FLOWS_TO {procedure: $procedure, node: e.toNode}]->(dst)
SET f.transformation = e.transformation, f.kind = e.kind, f.run = $run`
)

// Neo4jConfig holds connection settings for the Neo4j sink.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
}

// Neo4jSink writes lineage edges into Neo4j as
// (:Column)-[:FLOWS_TO]->(:Column) relationships.
type Neo4jSink struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jSink creates a sink from configuration.
func NewNeo4jSink(cfg Neo4jConfig) (*Neo4jSink, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4jSink{driver: driver}, nil
}

// Verify checks connectivity to Neo4j.
func (s *Neo4jSink) Verify(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close releases the driver.
func (s *Neo4jSink) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Emit merges every edge of g in one write transaction. Re-emitting the
// same graph updates relationships in place.
func (s *Neo4jSink) Emit(ctx context.Context, runID string, g *assemble.Graph) error {
	if len(g.Edges) == 0 {
		return nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = session.Close(ctx) }()

	if _, err := session.Run(ctx, createColumnConstraint, nil); err != nil {
		return fmt.Errorf("create column constraint: %w", err)
	}

	params := flowParams(runID, g)
	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (struct{}, error) {
		_, err := tx.Run(ctx, upsertFlows, params)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("emit lineage of %s: %w", g.Procedure, err)
	}
	return nil
}

// flowParams builds the parameters of upsertFlows. Column keys follow
// assemble.VertexID, prefixed by the procedure for node-written columns
// so that two procedures writing the same temp table stay apart.
func flowParams(runID string, g *assemble.Graph) map[string]any {
	key := func(node int, ref core.ColumnRef) string {
		if node == core.NoNode {
			return assemble.VertexID(node, ref)
		}
		return g.Procedure + "/" + assemble.VertexID(node, ref)
	}

	edges := make([]map[string]any, len(g.Edges))
	for i, e := range g.Edges {
		edges[i] = map[string]any{
			"kind":           string(e.Kind),
			"fromKey":        key(e.FromNode, e.From),
			"fromRelation":   e.From.Relation,
			"fromColumn":     e.From.Column,
			"fromNode":       int64(e.FromNode),
			"toKey":          key(e.ToNode, e.To),
			"toRelation":     e.To.Relation,
			"toColumn":       e.To.Column,
			"toNode":         int64(e.ToNode),
			"transformation": e.Transformation,
		}
	}
	return map[string]any{
		"procedure": g.Procedure,
		"run":       runID,
		"edges":     edges,
	}
}
