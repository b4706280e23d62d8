package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"multiverse-ripple/internal/minio"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPricingEstimate(t *testing.T) {
	p := Pricing{
		"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"default":     {InputPer1K: 0.001, OutputPer1K: 0.001},
	}
	assert.InDelta(t, 0.00045, p.Estimate("gpt-4o-mini", Usage{PromptTokens: 1000, CompletionTokens: 500}), 1e-12)
	assert.InDelta(t, 0.002, p.Estimate("unknown", Usage{PromptTokens: 1000, CompletionTokens: 1000}), 1e-12)
	assert.Zero(t, Pricing{}.Estimate("unknown", Usage{PromptTokens: 10}))
}

func TestTallyAggregates(t *testing.T) {
	tally := NewTally()
	ctx := context.Background()
	_ = tally.Record(ctx, UsageRecord{Model: "qwen3", Module: "characters", PromptTokens: 10, CompletionTokens: 5})
	_ = tally.Record(ctx, UsageRecord{Model: "qwen3", Module: "characters", PromptTokens: 20, CompletionTokens: 5})
	_ = tally.Record(ctx, UsageRecord{Model: "qwen3", Module: "factions", PromptTokens: 1})

	snap := tally.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, TallyEntry{Model: "qwen3", Module: "characters", Calls: 2, PromptTokens: 30, CompletionTokens: 10}, snap[0])
	assert.Equal(t, "factions", snap[1].Module)
}

func TestMultiRecorderCombinesErrors(t *testing.T) {
	a := &captureRecorder{err: errors.New("a down")}
	b := &captureRecorder{}
	err := MultiRecorder{a, b}.Record(context.Background(), UsageRecord{Model: "m"})
	assert.EqualError(t, err, "a down")
	assert.Len(t, b.Records(), 1)
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memObjects) PutObject(_ context.Context, bucket, object string, data io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+object] = b
	return nil
}

func (m *memObjects) GetObject(_ context.Context, bucket, object string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[bucket+"/"+object]
	if !ok {
		return nil, minio.ErrObjectNotFound
	}
	return bytes.Clone(b), nil
}

func (m *memObjects) ListObjects(context.Context, string, string) ([]minio.ObjectInfo, error) {
	return nil, nil
}

func TestMinioRecorderWritesLedgerObject(t *testing.T) {
	store := &memObjects{objects: map[string][]byte{}}
	rec := NewMinioRecorder(store, "ripple-usage")

	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Record(context.Background(), UsageRecord{At: at, Model: "qwen3", CorrelationID: "corr-9", PromptTokens: 7}))

	require.Len(t, store.objects, 1)
	for key, data := range store.objects {
		assert.True(t, strings.HasPrefix(key, "ripple-usage/usage/2026-03-14/corr-9-"), key)
		var got UsageRecord
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, 7, got.PromptTokens)
	}
}
