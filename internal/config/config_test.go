package config

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multiverse-ripple/internal/minio"
	"multiverse-ripple/internal/oracle"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, []string{"redpanda:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.BusMaxHop)
	assert.Equal(t, "memory", cfg.EntityStore)
	assert.Equal(t, 10*time.Second, cfg.OracleTimeout())
	assert.Equal(t, time.Second, cfg.KafkaPollFrequency())
	assert.Equal(t, oracle.DefaultRetryPolicy(), cfg.OracleRetryPolicy())
}

func TestLoadFromRetryPolicy(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"ORACLE_RETRY_MAX_ATTEMPTS":     "5",
		"ORACLE_RETRY_INITIAL_DELAY_MS": "200",
		"ORACLE_RETRY_MAX_DELAY_MS":     "3000",
		"ORACLE_RETRY_MULTIPLIER":       "1.5",
	})
	require.NoError(t, err)
	assert.Equal(t, oracle.RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   1.5,
	}, cfg.OracleRetryPolicy())

	for name, vars := range map[string]map[string]string{
		"zero attempts":     {"ORACLE_RETRY_MAX_ATTEMPTS": "0"},
		"max below initial": {"ORACLE_RETRY_INITIAL_DELAY_MS": "5000", "ORACLE_RETRY_MAX_DELAY_MS": "1000"},
		"shrinking":         {"ORACLE_RETRY_MULTIPLIER": "0.5"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(vars)
			assert.Error(t, err)
		})
	}
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"KAFKA_BROKERS":     "a:9092,b:9092",
		"BUS_MAX_HOP":       "3",
		"ORACLE_PROVIDER":   "openai",
		"ENTITY_STORE":      "neo4j",
		"ORACLE_TIMEOUT_MS": "2500",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.BusMaxHop)
	assert.Equal(t, "openai", cfg.OracleProvider)
	assert.Equal(t, 2500*time.Millisecond, cfg.OracleTimeout())
}

func TestLoadFromRejectsUnknownValues(t *testing.T) {
	_, err := LoadFrom(map[string]string{"ENTITY_STORE": "postgres"})
	assert.Error(t, err)
	_, err = LoadFrom(map[string]string{"ORACLE_PROVIDER": "carrier-pigeon"})
	assert.Error(t, err)
	_, err = LoadFrom(map[string]string{"BUS_MAX_HOP": "0"})
	assert.Error(t, err)
}

const profilesYAML = `
subsystems:
  character:
    batch_size: 8
    max_spawns: 10
  faction:
    enabled: false
pricing:
  qwen3:
    input_per_1k: 0.001
    output_per_1k: 0.002
`

func TestLoadProfilesMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o600))

	p, err := LoadProfiles(path)
	require.NoError(t, err)

	char := p.Subsystem("character")
	assert.Equal(t, 8, char.BatchSize)
	assert.Equal(t, 4, char.MaxParallel)
	require.NotNil(t, char.Temperature)
	assert.InDelta(t, 0.7, *char.Temperature, 1e-9)
	assert.Equal(t, MaxSpawnsCeiling, char.MaxSpawns)
	assert.True(t, char.IsEnabled())

	assert.False(t, p.Subsystem("faction").IsEnabled())
	assert.True(t, p.Subsystem("location").IsEnabled())

	assert.Contains(t, p.Pricing, "default")
	assert.InDelta(t, 0.002, p.Pricing["qwen3"].OutputPer1K, 1e-9)
}

func TestLoadProfilesEmptyPath(t *testing.T) {
	p, err := LoadProfiles("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfiles(), p)
}

func TestLoadProfilesBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("subsystems: [oops"), 0o600))
	_, err := LoadProfiles(path)
	assert.Error(t, err)
}

func TestMergeProfilesDoesNotMutateBase(t *testing.T) {
	base := DefaultProfiles()
	off := false
	_ = MergeProfiles(base, Profiles{Subsystems: map[string]Profile{"location": {Enabled: &off}}})
	assert.True(t, base.Subsystem("location").IsEnabled())
}

type objects map[string][]byte

func (o objects) PutObject(_ context.Context, bucket, object string, data io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(data)
	o[bucket+"/"+object] = b
	return err
}

func (o objects) GetObject(_ context.Context, bucket, object string) ([]byte, error) {
	b, ok := o[bucket+"/"+object]
	if !ok {
		return nil, minio.ErrObjectNotFound
	}
	return b, nil
}

func (o objects) ListObjects(context.Context, string, string) ([]minio.ObjectInfo, error) {
	return nil, nil
}

func TestStoreAppliesWorldOverride(t *testing.T) {
	objs := objects{}
	ctx := context.Background()
	require.NoError(t, objs.PutObject(ctx, "cfg", "profiles/w1.yaml", bytes.NewReader([]byte("subsystems:\n  location:\n    temperature: 0.2\n")), 0, "application/yaml"))

	store := NewStore(objs, "cfg", DefaultProfiles(), nil)
	assert.InDelta(t, 0.2, *store.Profiles(ctx, "w1").Subsystem("location").Temperature, 1e-9)
	assert.InDelta(t, 0.6, *store.Profiles(ctx, "w2").Subsystem("location").Temperature, 1e-9)

	// Cached until invalidated.
	delete(objs, "cfg/profiles/w1.yaml")
	assert.InDelta(t, 0.2, *store.Profiles(ctx, "w1").Subsystem("location").Temperature, 1e-9)
	store.Invalidate()
	assert.InDelta(t, 0.6, *store.Profiles(ctx, "w1").Subsystem("location").Temperature, 1e-9)
}

func TestMergeProfilesHonorsZeroTemperature(t *testing.T) {
	override, err := ParseProfiles([]byte("subsystems:\n  location:\n    temperature: 0\n    batch_size: 0\n"))
	require.NoError(t, err)

	merged := MergeProfiles(DefaultProfiles(), override).Subsystem("location")
	require.NotNil(t, merged.Temperature)
	assert.Zero(t, *merged.Temperature)
	assert.Equal(t, 2000, merged.MaxTokens)

	unset := MergeProfiles(DefaultProfiles(), Profiles{Subsystems: map[string]Profile{"location": {MaxTokens: 100}}}).Subsystem("location")
	require.NotNil(t, unset.Temperature)
	assert.InDelta(t, 0.6, *unset.Temperature, 1e-9)
}
