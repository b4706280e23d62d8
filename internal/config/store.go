package config

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"multiverse-ripple/internal/logging"
	"multiverse-ripple/internal/minio"
)

// Store layers per-world profile overrides kept in MinIO
// (profiles/<world_id>.yaml) on top of the static profiles.
// Overrides are cached until the next refresh tick.
type Store struct {
	client minio.ClientInterface
	bucket string
	base   Profiles
	log    *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Profiles
}

func NewStore(client minio.ClientInterface, bucket string, base Profiles, log *zap.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		base:   base,
		log:    logging.OrNop(log),
		cache:  make(map[string]*Profiles),
	}
}

// Profiles returns the effective profiles for worldID.
func (s *Store) Profiles(ctx context.Context, worldID string) Profiles {
	if s == nil {
		return DefaultProfiles()
	}
	if s.client == nil || worldID == "" {
		return s.base
	}
	override, err := s.override(ctx, worldID)
	if err != nil {
		s.log.Warn("profile override unavailable", logging.WorldID(worldID), zap.Error(err))
		return s.base
	}
	if override == nil {
		return s.base
	}
	return MergeProfiles(s.base, *override)
}

func (s *Store) override(ctx context.Context, worldID string) (*Profiles, error) {
	s.mu.RLock()
	p, ok := s.cache[worldID]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	data, err := s.client.GetObject(ctx, s.bucket, path.Join("profiles", worldID+".yaml"))
	switch {
	case errors.Is(err, minio.ErrObjectNotFound):
		p = nil
	case err != nil:
		return nil, err
	default:
		parsed, err := ParseProfiles(data)
		if err != nil {
			return nil, err
		}
		p = &parsed
	}

	s.mu.Lock()
	s.cache[worldID] = p
	s.mu.Unlock()
	return p, nil
}

// Refresh drops cached overrides every interval until ctx is done.
func (s *Store) Refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Invalidate()
			s.log.Debug("profile cache refreshed")
		}
	}
}

func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]*Profiles)
	s.mu.Unlock()
}
