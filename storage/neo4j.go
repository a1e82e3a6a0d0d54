package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"drugnet/config"
	"drugnet/services"
)

// Cypher-Statements des Mirrors, je eins pro Knoten- bzw. Kantentyp.
const (
	mergeDrugsCypher = `UNWIND $rows AS row
MERGE (d:Drug {id: row.id})
SET d.name = row.label, d.description = row.description`

	mergeConditionsCypher = `UNWIND $rows AS row
MERGE (c:Condition {id: row.id})
SET c.name = row.label`

	mergeIndicationsCypher = `UNWIND $rows AS row
MATCH (d:Drug {id: row.source})
MATCH (c:Condition {id: row.target})
MERGE (d)-[r:INDICATED_FOR]->(c)
SET r.usage_note = row.usage_note`

	mergeInteractionsCypher = `UNWIND $rows AS row
MATCH (a:Drug {id: row.source})
MATCH (b:Drug {id: row.target})
MERGE (a)-[r:INTERACTS_WITH]-(b)
SET r.severity = row.severity, r.mechanism = row.mechanism, r.management = row.management`
)

// GraphMirror spiegelt gebaute Wirkstoffgraphen nach Neo4j.
type GraphMirror struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewGraphMirror verbindet sich mit Neo4j. Ohne NEO4J_URI ist die Spiegelung
// deaktiviert und es wird nil zurückgegeben.
func NewGraphMirror(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*GraphMirror, error) {
	if cfg.Neo4jURI == "" {
		return nil, nil
	}
	timeout := time.Duration(cfg.Neo4jTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
		func(c *neo4j.Config) {
			if cfg.Neo4jMaxPoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.Neo4jMaxPoolSize
			}
			c.SocketConnectTimeout = timeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(context.Background())
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}

	m := &GraphMirror{driver: driver, database: cfg.Neo4jDatabase, logger: logger}
	m.ensureConstraints(ctx)
	logger.Info("Neo4j mirror connected", zap.String("uri", cfg.Neo4jURI))
	return m, nil
}

// Close schließt den Treiber.
func (m *GraphMirror) Close(ctx context.Context) error {
	if m == nil || m.driver == nil {
		return nil
	}
	return m.driver.Close(ctx)
}

func (m *GraphMirror) session(ctx context.Context) neo4j.SessionWithContext {
	return m.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: m.database,
	})
}

func (m *GraphMirror) ensureConstraints(ctx context.Context) {
	session := m.session(ctx)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT drug_id IF NOT EXISTS FOR (d:Drug) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT condition_id IF NOT EXISTS FOR (c:Condition) REQUIRE c.id IS UNIQUE`,
	}
	for _, stmt := range stmts {
		res, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			// ältere Server kennen IF NOT EXISTS nicht
			m.logger.Warn("Neo4j constraint not created", zap.String("stmt", stmt), zap.Error(err))
		}
	}
}

// MirrorGraph schreibt Knoten und Kanten eines Graphen per MERGE.
// Wiederholte Aufrufe mit demselben Graphen ändern nichts.
func (m *GraphMirror) MirrorGraph(ctx context.Context, g *services.Graph) error {
	if m == nil || g == nil {
		return nil
	}
	drugs, conditions := mirrorNodes(g)
	indications, interactions := mirrorLinks(g)

	session := m.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		steps := []struct {
			query string
			rows  []map[string]any
		}{
			{mergeDrugsCypher, drugs},
			{mergeConditionsCypher, conditions},
			{mergeIndicationsCypher, indications},
			{mergeInteractionsCypher, interactions},
		}
		for _, s := range steps {
			if len(s.rows) == 0 {
				continue
			}
			res, err := tx.Run(ctx, s.query, map[string]any{"rows": s.rows})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("mirror graph: %w", err)
	}

	m.logger.Debug("Graph mirrored to Neo4j",
		zap.Int("drugs", len(drugs)),
		zap.Int("conditions", len(conditions)),
		zap.Int("interactions", len(interactions)))
	return nil
}

func mirrorNodes(g *services.Graph) (drugs, conditions []map[string]any) {
	drugs, conditions = []map[string]any{}, []map[string]any{}
	for _, n := range g.Nodes {
		row := map[string]any{"id": n.ID, "label": n.Label, "description": n.Description}
		switch n.Type {
		case services.NodeTypeDrug:
			drugs = append(drugs, row)
		case services.NodeTypeCondition:
			conditions = append(conditions, row)
		}
	}
	return drugs, conditions
}

func mirrorLinks(g *services.Graph) (indications, interactions []map[string]any) {
	indications, interactions = []map[string]any{}, []map[string]any{}
	for _, l := range g.Links {
		switch l.Type {
		case services.LinkTypeIndication:
			indications = append(indications, map[string]any{
				"source": l.Source, "target": l.Target, "usage_note": l.UsageNote,
			})
		case services.LinkTypeInteraction:
			interactions = append(interactions, map[string]any{
				"source": l.Source, "target": l.Target,
				"severity": string(l.Severity), "mechanism": l.Mechanism, "management": l.Management,
			})
		}
	}
	return indications, interactions
}
