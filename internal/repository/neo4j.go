package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"multiverse-ripple/internal/entity"
)

type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// Neo4jRepository keeps each entity as an :Entity node. The full document
// lives in the doc property; id, world_id, kind and witnessed are mirrored
// as properties so lookups and the witness claim run in Cypher.
type Neo4jRepository struct {
	driver   neo4j.DriverWithContext
	database string
}

func NewNeo4jRepository(ctx context.Context, cfg Neo4jConfig) (*Neo4jRepository, error) {
	if cfg.URI == "" {
		cfg.URI = "neo4j://neo4j:7687"
	}
	if cfg.User == "" {
		cfg.User = "neo4j"
	}
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver creation failed: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity test failed: %w", err)
	}
	r := &Neo4jRepository{driver: driver, database: cfg.Database}
	if err := r.ensureConstraint(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return r, nil
}

// ensureConstraint makes entity ids unique so concurrent batch creates
// cannot both insert the same id.
func (r *Neo4jRepository) ensureConstraint(ctx context.Context) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	res, err := session.Run(ctx, "CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE", nil)
	if err != nil {
		return fmt.Errorf("create entity id constraint: %w", err)
	}
	if _, err := res.Consume(ctx); err != nil {
		return fmt.Errorf("create entity id constraint: %w", err)
	}
	return nil
}

func (r *Neo4jRepository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *Neo4jRepository) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database, AccessMode: mode})
}

func (r *Neo4jRepository) FindByWorldID(ctx context.Context, worldID string, kind entity.Kind) ([]*entity.Entity, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := `
MATCH (e:Entity {world_id: $world_id})
WHERE $kind = '' OR e.kind = $kind
RETURN e.doc AS doc, e.witnessed AS witnessed
`
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"world_id": worldID, "kind": string(kind)})
		if err != nil {
			return nil, err
		}
		var list []*entity.Entity
		for res.Next(ctx) {
			e, err := decodeRecord(res.Record())
			if err != nil {
				return nil, err
			}
			list = append(list, e)
		}
		return list, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find world %s: %w", worldID, err)
	}
	list, _ := out.([]*entity.Entity)
	sortEntities(list)
	return list, nil
}

func (r *Neo4jRepository) FindByID(ctx context.Context, id string) (*entity.Entity, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return findTx(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return out.(*entity.Entity), nil
}

func (r *Neo4jRepository) Update(ctx context.Context, id string, patch entity.Patch) (*entity.Entity, error) {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Taking the write lock first serializes concurrent patches.
		if _, err := tx.Run(ctx, `MATCH (e:Entity {id: $id}) SET e._lock = true REMOVE e._lock`, map[string]any{"id": id}); err != nil {
			return nil, err
		}
		e, err := findTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		e.Apply(patch)
		if err := writeTx(ctx, tx, e); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*entity.Entity), nil
}

func (r *Neo4jRepository) BatchCreate(ctx context.Context, entities []*entity.Entity) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	if err := checkBatchIDs(entities); err != nil {
		return err
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $ids AS id
MATCH (e:Entity {id: id})
RETURN e.id AS id
LIMIT 1
`, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			existing, _ := res.Record().Get("id")
			return nil, fmt.Errorf("%w: %v", ErrAlreadyExists, existing)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		for _, e := range entities {
			if err := writeTx(ctx, tx, e); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("batch create: %w", err)
	}
	return nil
}

// AppendWitnessedBeat claims the beat in a single statement so two
// concurrent callers cannot both see it as new.
func (r *Neo4jRepository) AppendWitnessedBeat(ctx context.Context, id string, beatIndex int) (bool, error) {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := `
MATCH (e:Entity {id: $id})
WITH e, NOT $beat IN coalesce(e.witnessed, []) AS fresh
SET e.witnessed = CASE WHEN fresh THEN coalesce(e.witnessed, []) + $beat ELSE e.witnessed END
RETURN fresh
`
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"id": id, "beat": int64(beatIndex)})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		fresh, _ := res.Record().Get("fresh")
		b, _ := fresh.(bool)
		return b, nil
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func findTx(ctx context.Context, tx neo4j.ManagedTransaction, id string) (*entity.Entity, error) {
	res, err := tx.Run(ctx, `MATCH (e:Entity {id: $id}) RETURN e.doc AS doc, e.witnessed AS witnessed`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeRecord(res.Record())
}

// writeTx stores the document without touching witnessed unless the node
// is new, so a patch never rolls back a concurrent claim.
func writeTx(ctx context.Context, tx neo4j.ManagedTransaction, e *entity.Entity) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.ID, err)
	}
	witnessed := make([]int64, len(e.WitnessedBeats))
	for i, b := range e.WitnessedBeats {
		witnessed[i] = int64(b)
	}
	query := `
MERGE (e:Entity {id: $id})
ON CREATE SET e.witnessed = $witnessed
SET e.world_id = $world_id, e.kind = $kind, e.name = $name, e.status = $status, e.doc = $doc
`
	_, err = tx.Run(ctx, query, map[string]any{
		"id":        e.ID,
		"world_id":  e.WorldID,
		"kind":      string(e.Kind),
		"name":      e.Name,
		"status":    string(e.Status),
		"doc":       string(doc),
		"witnessed": witnessed,
	})
	return err
}

func decodeRecord(rec *neo4j.Record) (*entity.Entity, error) {
	raw, _ := rec.Get("doc")
	doc, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("entity node without doc")
	}
	var e entity.Entity
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{})
	}
	// The witnessed property is authoritative over the copy in doc.
	e.WitnessedBeats = []int{}
	if list, ok := rec.Get("witnessed"); ok {
		if items, ok := list.([]any); ok {
			for _, it := range items {
				if n, ok := it.(int64); ok {
					e.Witness(int(n))
				}
			}
		}
	}
	return &e, nil
}
