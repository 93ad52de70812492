package etl

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/engine/models"
	"cadence/engine/stream"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]models.MetricEvent
	failN   int // fail the first N writes
	wrote   chan struct{}
}

func newCaptureSink() *captureSink { return &captureSink{wrote: make(chan struct{}, 64)} }

func (s *captureSink) WriteBatch(ctx context.Context, batch []models.MetricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return models.E(models.KindTransient, "capture.sink", errors.New("sink down"))
	}
	cp := make([]models.MetricEvent, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	select {
	case s.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (s *captureSink) events() []models.MetricEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MetricEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

type captureBroadcaster struct {
	mu      sync.Mutex
	updates []models.MetricEvent
	alerts  []int
}

func (b *captureBroadcaster) MetricUpdate(ev models.MetricEvent) {
	b.mu.Lock()
	b.updates = append(b.updates, ev)
	b.mu.Unlock()
}

func (b *captureBroadcaster) DataQualityAlert(invalid, total int) {
	b.mu.Lock()
	b.alerts = append(b.alerts, invalid)
	b.mu.Unlock()
}

func newPipelineFixture(t *testing.T, cfg Config, sink Sink, bcast Broadcaster) (*Pipeline, *stream.Gateway) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	gw := stream.NewGateway(rdb, stream.GatewayConfig{}, stream.Options{})
	t.Cleanup(func() { _ = gw.Close() })
	for _, sc := range stream.DefaultStreams() {
		require.NoError(t, gw.CreateStream(context.Background(), sc))
	}
	p := NewPipeline(cfg, gw, sink, Options{Broadcaster: bcast, DeadLetter: gw})
	return p, gw
}

func publishEvents(t *testing.T, gw *stream.Gateway, evs ...models.MetricEvent) {
	t.Helper()
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		_, err = gw.Publish(context.Background(), ev.Subject(), data, ev.ID)
		require.NoError(t, err)
	}
}

func ev(id string, value float64) models.MetricEvent {
	return models.MetricEvent{
		ID: id, ModelName: "marketing", MetricName: "likes", Value: value,
		Timestamp: time.Now().Truncate(time.Second), Source: "test",
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	sink := newCaptureSink()
	p, gw := newPipelineFixture(t, Config{
		BatchSize: 3, BatchTimeout: time.Hour, ConsumeWait: 20 * time.Millisecond,
	}, sink, nil)

	publishEvents(t, gw, ev("a", 1), ev("b", 2), ev("c", 3))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()

	select {
	case <-sink.wrote:
	case <-time.After(3 * time.Second):
		t.Fatal("batch never flushed")
	}
	cancel()
	<-done

	got := sink.events()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, uint64(3), p.Stats().Persisted)
}

func TestFlushOnTimeout(t *testing.T) {
	sink := newCaptureSink()
	p, gw := newPipelineFixture(t, Config{
		BatchSize: 100, BatchTimeout: 100 * time.Millisecond, ConsumeWait: 20 * time.Millisecond,
	}, sink, nil)
	publishEvents(t, gw, ev("only", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()

	select {
	case <-sink.wrote:
	case <-time.After(3 * time.Second):
		t.Fatal("partial batch never flushed on timeout")
	}
	cancel()
	<-done
	assert.Len(t, sink.events(), 1)
}

func TestInvalidRecordsNotPersisted(t *testing.T) {
	sink := newCaptureSink()
	bcast := &captureBroadcaster{}
	p, gw := newPipelineFixture(t, Config{
		BatchSize: 2, BatchTimeout: time.Hour, ConsumeWait: 20 * time.Millisecond,
	}, sink, bcast)

	bad := ev("bad", -5) // negative value fails validation
	publishEvents(t, gw, ev("good", 1), bad)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()
	select {
	case <-sink.wrote:
	case <-time.After(3 * time.Second):
		t.Fatal("flush never happened")
	}
	cancel()
	<-done

	got := sink.events()
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].ID)
	assert.Equal(t, uint64(1), p.Stats().Invalid)

	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	require.Len(t, bcast.updates, 1, "metric_update for validated records only")
	assert.Len(t, bcast.alerts, 1, "invalid ratio 0.5 > 0.1 raises a data_quality alert")
}

func TestRetryThenSuccess(t *testing.T) {
	sink := newCaptureSink()
	sink.failN = 2
	p, gw := newPipelineFixture(t, Config{
		BatchSize: 1, BatchTimeout: time.Hour, ConsumeWait: 20 * time.Millisecond,
		RetryAttempts: 3, RetryDelay: 10 * time.Millisecond,
	}, sink, nil)
	publishEvents(t, gw, ev("retry-me", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()
	select {
	case <-sink.wrote:
	case <-time.After(3 * time.Second):
		t.Fatal("write never succeeded despite retries")
	}
	cancel()
	<-done
	assert.Len(t, sink.events(), 1)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	sink := newCaptureSink()
	sink.failN = 100
	p, gw := newPipelineFixture(t, Config{
		BatchSize: 1, BatchTimeout: time.Hour, ConsumeWait: 20 * time.Millisecond,
		RetryAttempts: 2, RetryDelay: 5 * time.Millisecond,
	}, sink, nil)
	publishEvents(t, gw, ev("doomed", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return p.Stats().DeadLettered >= 1
	}, 3*time.Second, 20*time.Millisecond, "exhausted batch must land on the dead-letter subject")
	cancel()
	<-done

	letters, err := gw.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, letters)
	assert.Contains(t, letters[0].Reason, "storage_write_failed")
}

func TestHealthRules(t *testing.T) {
	sink := newCaptureSink()
	p, _ := newPipelineFixture(t, Config{BatchSize: 10}, sink, nil)

	h := p.Health()
	assert.Equal(t, "healthy", h.Status)

	// One condition: backlog beyond 10x batch size.
	for i := 0; i < 101; i++ {
		p.append(Record{Event: ev("x", 1)})
	}
	assert.Equal(t, "degraded", p.Health().Status)

	// Second condition: error rate above 10%.
	p.consumed.Store(10)
	p.invalid.Store(5)
	assert.Equal(t, "unhealthy", p.Health().Status)
}

func TestPauseStopsConsumption(t *testing.T) {
	sink := newCaptureSink()
	p, gw := newPipelineFixture(t, Config{
		BatchSize: 1, BatchTimeout: time.Hour, ConsumeWait: 10 * time.Millisecond,
	}, sink, nil)
	p.Pause()

	publishEvents(t, gw, ev("later", 1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.events(), "paused pipeline must not consume")

	p.Resume()
	select {
	case <-sink.wrote:
	case <-time.After(3 * time.Second):
		t.Fatal("resume did not restart consumption")
	}
	cancel()
	<-done
}
