package reaction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multiverse-ripple/internal/config"
	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/repository"
)

func newTestService(t *testing.T, respond responder) (*Service, *fakeProvider) {
	t.Helper()
	cfg, err := config.LoadFrom(map[string]string{
		"KAFKA_ENABLED": "false",
		"HTTP_ADDR":     "127.0.0.1:0",
	})
	require.NoError(t, err)
	p := &fakeProvider{respond: respond}
	s, err := NewService(context.Background(), cfg, nil,
		WithRepository(repository.NewMemory(seedWorld()...)),
		WithProvider(p),
	)
	require.NoError(t, err)
	return s, p
}

func TestServiceHealthAndUsage(t *testing.T) {
	s, _ := newTestService(t, script{}.respond)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 5, health["max_hop"])

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceRetryPolicyFromConfig(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"KAFKA_ENABLED":                 "false",
		"ORACLE_RETRY_MAX_ATTEMPTS":     "6",
		"ORACLE_RETRY_INITIAL_DELAY_MS": "50",
		"ORACLE_RETRY_MAX_DELAY_MS":     "400",
	})
	require.NoError(t, err)
	s, err := NewService(context.Background(), cfg, nil,
		WithRepository(repository.NewMemory(seedWorld()...)),
		WithProvider(&fakeProvider{respond: script{}.respond}),
	)
	require.NoError(t, err)

	policy := s.Gateway().RetryPolicy()
	assert.Equal(t, 6, policy.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, policy.InitialDelay)
	assert.Equal(t, 400*time.Millisecond, policy.MaxDelay)
	assert.Equal(t, 2.0, policy.Multiplier)
}

func TestInjectBeatValidation(t *testing.T) {
	s, _ := newTestService(t, script{}.respond)
	for name, body := range map[string]string{
		"not json":       "{",
		"missing index":  `{"summary":"x"}`,
		"negative index": `{"beat_index":-1}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/worlds/w1/beats", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServiceEndToEnd(t *testing.T) {
	s, p := newTestService(t, script{
		"location.decision": fixed(yes),
		"location.plan":     fixed(`{"mutations":[{"target":"Crystal Lake","new_status":"declining","reason":"silt"}]}`),
	}.respond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	body := `{"beat_id":"beat-3","beat_index":3,"summary":"The dam bursts."}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/worlds/w1/beats", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, s.Stop(stopCtx))

	lake, err := s.Repository().FindByID(context.Background(), "l-lake")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDeclining, lake.Status)
	assert.Equal(t, []int{3}, lake.WitnessedBeats)

	assert.Equal(t, 1, p.Calls("character.decision"))
	assert.Equal(t, 1, p.Calls("faction.decision"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	var usage struct {
		Usage []struct {
			Module string `json:"module"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.NotEmpty(t, usage.Usage)
}
