package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"multiverse-ripple/internal/entity"
)

// Memory keeps entities in process. Returned entities are copies.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]*entity.Entity
}

func NewMemory(seed ...*entity.Entity) *Memory {
	m := &Memory{entities: make(map[string]*entity.Entity)}
	for _, e := range seed {
		m.entities[e.ID] = e.Clone()
	}
	return m
}

func (m *Memory) FindByWorldID(_ context.Context, worldID string, kind entity.Kind) ([]*entity.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entity.Entity
	for _, e := range m.entities {
		if e.WorldID == worldID && (kind == "" || e.Kind == kind) {
			out = append(out, e.Clone())
		}
	}
	sortEntities(out)
	return out, nil
}

func (m *Memory) FindByID(_ context.Context, id string) (*entity.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, patch entity.Patch) (*entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.Apply(patch)
	return e.Clone(), nil
}

func (m *Memory) BatchCreate(_ context.Context, entities []*entity.Entity) error {
	if err := checkBatchIDs(entities); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		if _, exists := m.entities[e.ID]; exists {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, e.ID)
		}
	}
	for _, e := range entities {
		m.entities[e.ID] = e.Clone()
	}
	return nil
}

func (m *Memory) AppendWitnessedBeat(_ context.Context, id string, beatIndex int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Witness(beatIndex), nil
}

// sortEntities orders by name then id so prompts are stable.
func sortEntities(list []*entity.Entity) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
}
