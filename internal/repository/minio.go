package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/minio"
)

// MinioRepository stores one JSON document per entity under
// worlds/<world>/<kind>/<id>.json, plus index/<id> pointing at that key.
// Writes to the same id are serialized in process.
type MinioRepository struct {
	client minio.ClientInterface
	bucket string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMinioRepository(client minio.ClientInterface, bucket string) *MinioRepository {
	return &MinioRepository{
		client: client,
		bucket: bucket,
		locks:  make(map[string]*sync.Mutex),
	}
}

func entityKey(worldID string, kind entity.Kind, id string) string {
	return fmt.Sprintf("worlds/%s/%s/%s.json", worldID, kind, id)
}

func indexKey(id string) string {
	return "index/" + id
}

func (r *MinioRepository) lock(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (r *MinioRepository) FindByWorldID(ctx context.Context, worldID string, kind entity.Kind) ([]*entity.Entity, error) {
	prefix := fmt.Sprintf("worlds/%s/", worldID)
	if kind != "" {
		prefix += string(kind) + "/"
	}
	objects, err := r.client.ListObjects(ctx, r.bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	out := make([]*entity.Entity, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		e, err := r.load(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	sortEntities(out)
	return out, nil
}

func (r *MinioRepository) FindByID(ctx context.Context, id string) (*entity.Entity, error) {
	key, err := r.resolveKey(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, key)
}

func (r *MinioRepository) Update(ctx context.Context, id string, patch entity.Patch) (*entity.Entity, error) {
	unlock := r.lock(id)
	defer unlock()

	e, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Apply(patch)
	if err := r.store(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// BatchCreate checks every id before writing any object. Ids are locked
// in sorted order for the whole batch.
func (r *MinioRepository) BatchCreate(ctx context.Context, entities []*entity.Entity) error {
	if err := checkBatchIDs(entities); err != nil {
		return err
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		unlock := r.lock(id)
		defer unlock()
	}
	for _, id := range ids {
		_, err := r.resolveKey(ctx, id)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}
	for _, e := range entities {
		if err := r.store(ctx, e); err != nil {
			return err
		}
		key := entityKey(e.WorldID, e.Kind, e.ID)
		if err := r.client.PutObject(ctx, r.bucket, indexKey(e.ID), strings.NewReader(key), int64(len(key)), "text/plain"); err != nil {
			return fmt.Errorf("index %s: %w", e.ID, err)
		}
	}
	return nil
}

func (r *MinioRepository) AppendWitnessedBeat(ctx context.Context, id string, beatIndex int) (bool, error) {
	unlock := r.lock(id)
	defer unlock()

	e, err := r.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !e.Witness(beatIndex) {
		return false, nil
	}
	if err := r.store(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

func (r *MinioRepository) resolveKey(ctx context.Context, id string) (string, error) {
	data, err := r.client.GetObject(ctx, r.bucket, indexKey(id))
	if err != nil {
		if errors.Is(err, minio.ErrObjectNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("index lookup %s: %w", id, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *MinioRepository) load(ctx context.Context, key string) (*entity.Entity, error) {
	data, err := r.client.GetObject(ctx, r.bucket, key)
	if err != nil {
		if errors.Is(err, minio.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var e entity.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{})
	}
	return &e, nil
}

func (r *MinioRepository) store(ctx context.Context, e *entity.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.ID, err)
	}
	key := entityKey(e.WorldID, e.Kind, e.ID)
	if err := r.client.PutObject(ctx, r.bucket, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
