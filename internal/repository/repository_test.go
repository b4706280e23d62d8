package repository

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/minio"
)

// objectStore is an in-memory minio.ClientInterface.
type objectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newObjectStore() *objectStore {
	return &objectStore{objects: make(map[string][]byte)}
}

func (s *objectStore) PutObject(_ context.Context, bucket, object string, data io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+object] = b
	return nil
}

func (s *objectStore) GetObject(_ context.Context, bucket, object string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[bucket+"/"+object]
	if !ok {
		return nil, minio.ErrObjectNotFound
	}
	return b, nil
}

func (s *objectStore) ListObjects(_ context.Context, bucket, prefix string) ([]minio.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []minio.ObjectInfo
	for k, v := range s.objects {
		key := strings.TrimPrefix(k, bucket+"/")
		if key != k && strings.HasPrefix(key, prefix) {
			out = append(out, minio.ObjectInfo{Key: key, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func fixtures() []*entity.Entity {
	a := entity.NewEntity("c-1", "w1", entity.KindCharacter, "Mira")
	b := entity.NewEntity("c-2", "w1", entity.KindCharacter, "Arlen")
	l := entity.NewEntity("l-1", "w1", entity.KindLocation, "Crystal Lake")
	other := entity.NewEntity("c-9", "w2", entity.KindCharacter, "Stranger")
	return []*entity.Entity{a, b, l, other}
}

func implementations(t *testing.T) map[string]Repository {
	t.Helper()
	ctx := context.Background()
	mem := NewMemory()
	obj := NewMinioRepository(newObjectStore(), "entities")
	for _, r := range []Repository{mem, obj} {
		require.NoError(t, r.BatchCreate(ctx, fixtures()))
	}
	return map[string]Repository{"memory": mem, "minio": obj}
}

func TestFindByWorldID(t *testing.T) {
	for name, repo := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chars, err := repo.FindByWorldID(ctx, "w1", entity.KindCharacter)
			require.NoError(t, err)
			require.Len(t, chars, 2)
			assert.Equal(t, "Arlen", chars[0].Name)
			assert.Equal(t, "Mira", chars[1].Name)

			all, err := repo.FindByWorldID(ctx, "w1", "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			none, err := repo.FindByWorldID(ctx, "nope", entity.KindFaction)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestFindByIDNotFound(t *testing.T) {
	for name, repo := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := repo.FindByID(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.Update(context.Background(), "missing", entity.Patch{AppendText: "x"})
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.AppendWitnessedBeat(context.Background(), "missing", 1)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateAppliesPatch(t *testing.T) {
	for name, repo := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			injured := entity.StatusInjured
			loc := "l-1"
			got, err := repo.Update(ctx, "c-1", entity.Patch{
				Status:     &injured,
				AppendText: "Scarred by the flood.",
				LocationID: &loc,
				Attributes: map[string]interface{}{"mood.current": "grim"},
			})
			require.NoError(t, err)
			assert.Equal(t, entity.StatusInjured, got.Status)

			reloaded, err := repo.FindByID(ctx, "c-1")
			require.NoError(t, err)
			assert.Equal(t, entity.StatusInjured, reloaded.Status)
			assert.Equal(t, "l-1", reloaded.LocationID)
			assert.Contains(t, reloaded.Description, "Scarred by the flood.")
			mood, ok := reloaded.Get("mood.current")
			require.True(t, ok)
			assert.Equal(t, "grim", mood)
		})
	}
}

func TestAppendWitnessedBeatClaimsOnce(t *testing.T) {
	for name, repo := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const callers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := repo.AppendWitnessedBeat(ctx, "c-2", 7)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, winners)

			e, err := repo.FindByID(ctx, "c-2")
			require.NoError(t, err)
			assert.Equal(t, []int{7}, e.WitnessedBeats)
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	repo := NewMemory(fixtures()...)
	e, err := repo.FindByID(context.Background(), "c-1")
	require.NoError(t, err)
	e.Name = "changed"

	again, err := repo.FindByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Mira", again.Name)
}

func TestBatchCreateRejectsExistingIDs(t *testing.T) {
	for name, repo := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := repo.BatchCreate(ctx, []*entity.Entity{
				entity.NewEntity("new", "w1", entity.KindFaction, "Guild"),
				entity.NewEntity("c-1", "w1", entity.KindCharacter, "Dup"),
			})
			assert.ErrorIs(t, err, ErrAlreadyExists)
			_, err = repo.FindByID(ctx, "new")
			assert.ErrorIs(t, err, ErrNotFound)

			mira, err := repo.FindByID(ctx, "c-1")
			require.NoError(t, err)
			assert.Equal(t, "Mira", mira.Name)

			err = repo.BatchCreate(ctx, []*entity.Entity{
				entity.NewEntity("twin", "w1", entity.KindFaction, "A"),
				entity.NewEntity("twin", "w1", entity.KindFaction, "B"),
			})
			assert.ErrorIs(t, err, ErrAlreadyExists)
			_, err = repo.FindByID(ctx, "twin")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMinioRepositoryLayout(t *testing.T) {
	store := newObjectStore()
	repo := NewMinioRepository(store, "entities")
	require.NoError(t, repo.BatchCreate(context.Background(), fixtures()[:1]))

	_, err := store.GetObject(context.Background(), "entities", "worlds/w1/character/c-1.json")
	require.NoError(t, err)
	idx, err := store.GetObject(context.Background(), "entities", "index/c-1")
	require.NoError(t, err)
	assert.Equal(t, "worlds/w1/character/c-1.json", string(idx))
}

func TestNeo4jRepositoryIntegration(t *testing.T) {
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("NEO4J_URI not set")
	}
	ctx := context.Background()
	repo, err := NewNeo4jRepository(ctx, Neo4jConfig{
		URI:      uri,
		User:     os.Getenv("NEO4J_USER"),
		Password: os.Getenv("NEO4J_PASSWORD"),
	})
	require.NoError(t, err)
	defer repo.Close(ctx)

	world := "it-" + uuid.NewString()
	e := entity.NewEntity(uuid.NewString(), world, entity.KindFaction, "Ember Court")
	require.NoError(t, repo.BatchCreate(ctx, []*entity.Entity{e}))
	assert.ErrorIs(t, repo.BatchCreate(ctx, []*entity.Entity{e}), ErrAlreadyExists)

	ok, err := repo.AppendWitnessedBeat(ctx, e.ID, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.AppendWitnessedBeat(ctx, e.ID, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	weakened := entity.StatusWeakened
	_, err = repo.Update(ctx, e.ID, entity.Patch{Status: &weakened})
	require.NoError(t, err)

	got, err := repo.FindByWorldID(ctx, world, entity.KindFaction)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entity.StatusWeakened, got[0].Status)
	assert.Equal(t, []int{3}, got[0].WitnessedBeats)
}
