package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/engine/models"
)

func newTestGateway(t *testing.T) (*Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	gw := NewGateway(rdb, GatewayConfig{DedupWindow: 2 * time.Minute}, Options{})
	t.Cleanup(func() { _ = gw.Close() })
	for _, sc := range DefaultStreams() {
		require.NoError(t, gw.CreateStream(context.Background(), sc))
	}
	return gw, mr
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"kpi.metrics.*", "kpi.metrics.marketing.normal", true},
		{"kpi.metrics.*", "kpi.metrics.a", true},
		{"kpi.metrics.*", "kpi.metrics", false},
		{"kpi.metrics.*", "kpi.alerts.x", false},
		{"kpi.deadletter", "kpi.deadletter", true},
		{"kpi.deadletter", "kpi.deadletter.x", false},
		{"kpi.*.high", "kpi.metrics.high", true},
		{"kpi.*.high", "kpi.metrics.low", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchSubject(c.pattern, c.subject), "%s vs %s", c.pattern, c.subject)
	}
}

func TestCreateStreamIdempotentAndConflict(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()
	sc := StreamConfig{Name: "CUSTOM", Subjects: []string{"custom.*"}, MaxAge: time.Hour, Retention: RetentionLimits}
	require.NoError(t, gw.CreateStream(ctx, sc))
	require.NoError(t, gw.CreateStream(ctx, sc), "identical redeclaration is a no-op")

	sc.MaxAge = 2 * time.Hour
	err := gw.CreateStream(ctx, sc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfigConflict))
	assert.Equal(t, models.KindFatal, models.KindOf(err))
}

func TestPublishDeduplicates(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()
	subject := "kpi.metrics.marketing.normal"
	payload := []byte(`{"id":"m_1","value":2.5}`)

	ack, err := gw.Publish(ctx, subject, payload, "m_1")
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ID)
	assert.NotZero(t, ack.Seq)

	before, err := gw.Info(ctx, "KPI_METRICS")
	require.NoError(t, err)

	dup, err := gw.Publish(ctx, subject, payload, "m_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDuplicateID))
	assert.True(t, dup.Duplicate)

	after, err := gw.Info(ctx, "KPI_METRICS")
	require.NoError(t, err)
	assert.Equal(t, before.Messages, after.Messages, "duplicate must not increment the message count")
	assert.Equal(t, int64(1), after.Messages)
}

func TestPublishUnknownSubject(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, err := gw.Publish(context.Background(), "nothing.matches.this", nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStreamNotFound))
}

func TestBatchPublishKeepsOrder(t *testing.T) {
	gw, _ := newTestGateway(t)
	payloads := make([][]byte, 20)
	for i := range payloads {
		payloads[i] = []byte{byte('a' + i)}
	}
	results := gw.BatchPublish(context.Background(), "kpi.metrics.m.low", payloads)
	require.Len(t, results, 20)
	for i, r := range results {
		require.NoError(t, r.Err, "entry %d", i)
		assert.NotEmpty(t, r.Ack.ID)
		msgs, err := gw.rdb.XRange(context.Background(), gw.streamKey("KPI_METRICS"), r.Ack.ID, r.Ack.ID).Result()
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, string(payloads[i]), msgs[0].Values[fieldPayload], "result %d belongs to payload %d", i, i)
	}
}

func TestConsumeAckAndRedeliveryCount(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()
	cc := ConsumerConfig{Stream: "KPI_METRICS", Name: "etl", AckWait: 50 * time.Millisecond, MaxDeliver: 3}
	require.NoError(t, gw.CreateConsumer(ctx, cc))

	ev := models.MetricEvent{ID: "e1", ModelName: "m", MetricName: "likes", Value: 1, Timestamp: time.Now(), Source: "test"}
	data, _ := json.Marshal(ev)
	_, err := gw.Publish(ctx, ev.Subject(), data, ev.ID)
	require.NoError(t, err)

	batch, err := gw.Consume(ctx, "KPI_METRICS", "etl", 10, 100*time.Millisecond)
	require.NoError(t, err)
	env, ok := batch.Next()
	require.True(t, ok)
	assert.Equal(t, ev.Subject(), env.Subject)
	assert.Equal(t, int64(0), env.Redeliveries, "first delivery is not a redelivery")

	var decoded models.MetricEvent
	require.NoError(t, env.Decode(&decoded))
	assert.Equal(t, "e1", decoded.ID)
	require.NoError(t, env.Ack(ctx))

	// Acked: nothing left to consume.
	batch, err = gw.Consume(ctx, "KPI_METRICS", "etl", 10, 10*time.Millisecond)
	require.NoError(t, err)
	_, ok = batch.Next()
	assert.False(t, ok)
}

func TestConsumerPauseResume(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.CreateConsumer(ctx, ConsumerConfig{Stream: "KPI_METRICS", Name: "etl"}))
	_, err := gw.Publish(ctx, "kpi.metrics.m.low", []byte(`{}`), "")
	require.NoError(t, err)

	gw.PauseConsumer("KPI_METRICS", "etl")
	batch, err := gw.Consume(ctx, "KPI_METRICS", "etl", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())

	gw.ResumeConsumer("KPI_METRICS", "etl")
	batch, err = gw.Consume(ctx, "KPI_METRICS", "etl", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Len())
}

func TestDeadLetterRoundTrip(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()
	origTS := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	require.NoError(t, gw.DeadLetterPublish(ctx, "kpi.metrics.m.low", []byte(`{"broken":true}`), "storage_write_failed", origTS))

	letters, err := gw.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "kpi.metrics.m.low", letters[0].Subject)
	assert.Equal(t, "storage_write_failed", letters[0].Reason)
	assert.WithinDuration(t, origTS, letters[0].OriginalTimestamp, time.Second)

	require.NoError(t, gw.ReprocessDeadLetter(ctx, letters[0].ID))
	letters, err = gw.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)

	info, err := gw.Info(ctx, "KPI_METRICS")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Messages, "reprocessed message back on its stream")
}

func TestHealthCheck(t *testing.T) {
	gw, mr := newTestGateway(t)
	require.NoError(t, gw.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, gw.HealthCheck(context.Background()))
}
