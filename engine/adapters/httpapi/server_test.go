package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/engine"
	"cadence/engine/backpressure"
)

type fixture struct {
	eng    *engine.Engine
	router http.Handler
	memMB  *float64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mem := 10.0
	cfg := engine.Defaults()
	cfg.MetricsEnabled = false
	cfg.Backpressure = backpressure.Config{
		Thresholds: backpressure.Thresholds{MaxMemoryMB: 100, MaxQueueSize: 1000, MaxPublishRate: 1000, MaxCPUPercent: 80},
		MemoryMB:   func() float64 { return mem },
	}
	eng, err := engine.New(cfg, engine.Dependencies{Redis: rdb})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	for _, sc := range cfg.Streams {
		require.NoError(t, eng.Gateway().CreateStream(context.Background(), sc))
	}
	srv := NewServer(eng, ServerOptions{MaxBatchSize: 10})
	return &fixture{eng: eng, router: srv.Router(), memMB: &mem}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func metricBody(id string) map[string]any {
	return map[string]any{
		"id": id, "modelName": "marketing", "metricName": "engagement_rate",
		"value": 2.5, "timestamp": time.Now().Format(time.RFC3339), "source": "api",
	}
}

func TestPublishAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/metrics", metricBody("m_1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m_1", resp["id"])
	assert.Equal(t, "kpi.metrics.marketing.medium", resp["subject"])
}

func TestPublishAssignsID(t *testing.T) {
	f := newFixture(t)
	body := metricBody("")
	delete(body, "id")
	rec := f.do(t, http.MethodPost, "/metrics", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])
}

func TestPublishDuplicateIsSuccess(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/metrics", metricBody("dup_1")).Code)
	rec := f.do(t, http.MethodPost, "/metrics", metricBody("dup_1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["duplicate"])
}

func TestBatchPublishGroupsBySubject(t *testing.T) {
	f := newFixture(t)
	batch := []map[string]any{metricBody("b1"), metricBody("b2")}
	batch[1]["priority"] = "high"
	rec := f.do(t, http.MethodPost, "/metrics/batch", batch)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		TotalAccepted int                        `json:"totalAccepted"`
		Subjects      map[string]map[string]any `json:"subjects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalAccepted)
	assert.Contains(t, resp.Subjects, "kpi.metrics.marketing.medium")
	assert.Contains(t, resp.Subjects, "kpi.metrics.marketing.high")
}

func TestBatchPublishCap(t *testing.T) {
	f := newFixture(t)
	batch := make([]map[string]any, 11)
	for i := range batch {
		batch[i] = metricBody("")
	}
	rec := f.do(t, http.MethodPost, "/metrics/batch", batch)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookGenericFallback(t *testing.T) {
	f := newFixture(t)
	payload := map[string]any{"metrics": []map[string]any{
		{"id": "w1", "modelName": "m", "metricName": "views", "value": 10.0},
	}}
	rec := f.do(t, http.MethodPost, "/webhook/unknown-source", payload)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["accepted"])
}

func TestHeaderContractOnEveryResponse(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/stats", "/streams", "/strategy", "/slo/status"} {
		rec := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "optimal", rec.Header().Get("X-System-Load-Level"), path)
		assert.NotEmpty(t, rec.Header().Get("X-System-Load-Score"), path)
		assert.Equal(t, "continue", rec.Header().Get("X-Recommended-Action"), path)
		assert.NotEmpty(t, rec.Header().Get("X-Suggested-Rate-Limit"), path)
		assert.NotEmpty(t, rec.Header().Get("X-Suggested-Batch-Size"), path)
	}
}

func TestCriticalLoadGate(t *testing.T) {
	f := newFixture(t)
	*f.memMB = 250 // ratio 2.5 -> critical
	f.eng.Controller().Reevaluate(context.Background())

	rec := f.do(t, http.MethodPost, "/metrics", metricBody("m_x"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "critical", rec.Header().Get("X-System-Load-Level"))
	assert.Equal(t, "try_later", rec.Header().Get("X-Recommended-Action"))
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(30), resp["retryAfter"])

	// Status endpoints stay reachable.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/stats", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/strategy/history", nil).Code)
}

func TestConsumerActions(t *testing.T) {
	f := newFixture(t)
	for _, action := range []string{"pause", "resume", "restart"} {
		rec := f.do(t, http.MethodPost, "/consumers/"+action, nil)
		assert.Equal(t, http.StatusOK, rec.Code, action)
	}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/consumers/explode", nil).Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.Gateway().DeadLetterPublish(context.Background(),
		"kpi.metrics.m.low", []byte(`{}`), "test", time.Now()))

	rec := f.do(t, http.MethodGet, "/deadletter", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count       int `json:"count"`
		DeadLetters []struct {
			ID string `json:"id"`
		} `json:"deadLetters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)

	rec = f.do(t, http.MethodPost, "/deadletter/reprocess", map[string]string{"id": resp.DeadLetters[0].ID})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestLoadScoreComputation(t *testing.T) {
	snap := backpressure.Snapshot{Ratios: map[backpressure.Resource]float64{
		backpressure.ResourceMemory: 0.5,
		backpressure.ResourceQueue:  0.1,
		backpressure.ResourceRate:   0.2,
		backpressure.ResourceCPU:    0.2,
	}}
	assert.Equal(t, 75, loadScore(snap))
	assert.Equal(t, 100, loadScore(backpressure.Snapshot{}))

	over := backpressure.Snapshot{Ratios: map[backpressure.Resource]float64{backpressure.ResourceMemory: 3}}
	assert.Equal(t, 0, loadScore(over))
}
