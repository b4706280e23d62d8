// Package repository defines the entity store contract used by the reaction
// engine and ships in-memory, MinIO and Neo4j implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"multiverse-ripple/internal/entity"
)

var (
	ErrNotFound      = errors.New("repository: entity not found")
	ErrAlreadyExists = errors.New("repository: entity already exists")
)

// Repository is the only shared mutable resource of the engine.
// Implementations serialize conflicting writes to the same entity.
type Repository interface {
	FindByWorldID(ctx context.Context, worldID string, kind entity.Kind) ([]*entity.Entity, error)
	FindByID(ctx context.Context, id string) (*entity.Entity, error)
	Update(ctx context.Context, id string, patch entity.Patch) (*entity.Entity, error)
	// BatchCreate stores new entities. If any id is already stored, or
	// repeats within the batch, it returns ErrAlreadyExists and stores
	// nothing.
	BatchCreate(ctx context.Context, entities []*entity.Entity) error
	// AppendWitnessedBeat adds beatIndex to the entity's witnessed set
	// atomically and reports whether it was newly added.
	AppendWitnessedBeat(ctx context.Context, id string, beatIndex int) (bool, error)
}

// checkBatchIDs rejects ids repeated within one batch.
func checkBatchIDs(entities []*entity.Entity) error {
	seen := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("%w: %s repeated in batch", ErrAlreadyExists, e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}
