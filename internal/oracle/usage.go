package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"multiverse-ripple/internal/logging"
	"multiverse-ripple/internal/minio"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type UsageRecord struct {
	At               time.Time `json:"at"`
	Model            string    `json:"model"`
	Module           string    `json:"module"`
	PromptID         string    `json:"prompt_id"`
	CorrelationID    string    `json:"correlation_id"`
	WorldID          string    `json:"world_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
}

// UsageRecorder receives one record per successful call. Implementations
// run off the request path and their errors are only logged.
type UsageRecorder interface {
	Record(ctx context.Context, rec UsageRecord) error
}

// Price is USD per thousand tokens.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Pricing maps model name to price. The "default" entry covers unknown models.
type Pricing map[string]Price

func (p Pricing) Estimate(model string, u Usage) float64 {
	price, ok := p[model]
	if !ok {
		if price, ok = p["default"]; !ok {
			return 0
		}
	}
	return float64(u.PromptTokens)/1000*price.InputPer1K + float64(u.CompletionTokens)/1000*price.OutputPer1K
}

type LogRecorder struct {
	log *zap.Logger
}

func NewLogRecorder(log *zap.Logger) *LogRecorder {
	return &LogRecorder{log: logging.OrNop(log)}
}

func (r *LogRecorder) Record(_ context.Context, rec UsageRecord) error {
	r.log.Info("oracle usage",
		zap.String("model", rec.Model),
		zap.String("module", rec.Module),
		zap.String("prompt_id", rec.PromptID),
		logging.CorrelationID(rec.CorrelationID),
		logging.WorldID(rec.WorldID),
		zap.Int("prompt_tokens", rec.PromptTokens),
		zap.Int("completion_tokens", rec.CompletionTokens),
		zap.Float64("estimated_cost_usd", rec.EstimatedCostUSD),
	)
	return nil
}

// TallyEntry aggregates usage for one model and module pair.
type TallyEntry struct {
	Model            string  `json:"model"`
	Module           string  `json:"module"`
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Tally keeps running totals in memory.
type Tally struct {
	mu      sync.Mutex
	entries map[string]*TallyEntry
}

func NewTally() *Tally {
	return &Tally{entries: make(map[string]*TallyEntry)}
}

func (t *Tally) Record(_ context.Context, rec UsageRecord) error {
	key := rec.Model + "|" + rec.Module
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &TallyEntry{Model: rec.Model, Module: rec.Module}
		t.entries[key] = e
	}
	e.Calls++
	e.PromptTokens += rec.PromptTokens
	e.CompletionTokens += rec.CompletionTokens
	e.EstimatedCostUSD += rec.EstimatedCostUSD
	return nil
}

// Snapshot returns a copy of all entries ordered by model then module.
func (t *Tally) Snapshot() []TallyEntry {
	t.mu.Lock()
	out := make([]TallyEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Module < out[j].Module
	})
	return out
}

// MultiRecorder fans a record out to every recorder.
type MultiRecorder []UsageRecorder

func (m MultiRecorder) Record(ctx context.Context, rec UsageRecord) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Record(ctx, rec))
	}
	return err
}

// MinioRecorder writes each record as a JSON object under
// usage/<yyyy-mm-dd>/<correlation_id>-<uuid>.json.
type MinioRecorder struct {
	client minio.ClientInterface
	bucket string
}

func NewMinioRecorder(client minio.ClientInterface, bucket string) *MinioRecorder {
	return &MinioRecorder{client: client, bucket: bucket}
}

func (r *MinioRecorder) Record(ctx context.Context, rec UsageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}
	key := path.Join("usage", rec.At.Format("2006-01-02"), rec.CorrelationID+"-"+uuid.NewString()+".json")
	if err := r.client.PutObject(ctx, r.bucket, key, bytes.NewReader(data), int64(len(data)), "application/json; charset=utf-8"); err != nil {
		return fmt.Errorf("store usage record: %w", err)
	}
	return nil
}
