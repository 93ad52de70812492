package backpressure

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/engine/models"
	"cadence/engine/stream"
)

// fakeTransport captures forwarded publishes and can be told to fail.
type fakeTransport struct {
	mu         sync.Mutex
	published  []string // subjects in arrival order
	deadLetter []string
	fail       bool
}

func (f *fakeTransport) Publish(ctx context.Context, subject string, payload []byte, msgID string) (stream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return stream.PubAck{}, models.E(models.KindTransient, "fake.publish", errors.New("transport down"))
	}
	f.published = append(f.published, subject)
	return stream.PubAck{Stream: "FAKE", ID: "1-1", Seq: 1}, nil
}

func (f *fakeTransport) DeadLetterPublish(ctx context.Context, subject string, payload []byte, reason string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetter = append(f.deadLetter, subject)
	return nil
}

func (f *fakeTransport) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func newTestController(memMB *float64) (*Controller, *fakeTransport) {
	tr := &fakeTransport{}
	cfg := Config{
		Thresholds: Thresholds{MaxMemoryMB: 100, MaxQueueSize: 100, MaxPublishRate: 100, MaxCPUPercent: 80},
		MemoryMB:   func() float64 { return *memMB },
		CPUPercent: func() float64 { return 0 },
	}
	c := NewController(cfg, tr, Options{Rand: rand.New(rand.NewSource(42))})
	return c, tr
}

func TestDegradationStaircase(t *testing.T) {
	mem := 50.0
	c, _ := newTestController(&mem)
	ctx := context.Background()

	steps := []struct {
		memoryMB float64
		level    models.DegradationLevel
		sampling float64
	}{
		{50, models.LevelNone, 1.0},
		{70, models.LevelLow, 0.9},
		{100, models.LevelMedium, 0.7},
		{130, models.LevelMedium, 0.7},
		{170, models.LevelHigh, 0.5},
		{210, models.LevelCritical, 0.2},
	}
	for _, s := range steps {
		mem = s.memoryMB
		level := c.Reevaluate(ctx)
		assert.Equal(t, s.level, level, "memory %.0f", s.memoryMB)
		assert.InDelta(t, s.sampling, c.SamplingRate(), 1e-9, "memory %.0f", s.memoryMB)
	}
}

func TestMonotoneDegradationUnderGrowth(t *testing.T) {
	mem := 10.0
	c, _ := newTestController(&mem)
	ctx := context.Background()
	last := c.Reevaluate(ctx)
	for mem = 10; mem <= 250; mem += 7 {
		level := c.Reevaluate(ctx)
		assert.GreaterOrEqual(t, level, last, "level must not decrease while ratios grow")
		last = level
	}
	assert.Equal(t, models.LevelCritical, last)
}

func TestFastPathBypassesQueue(t *testing.T) {
	mem := 10.0
	c, tr := newTestController(&mem)
	ctx := context.Background()
	c.Reevaluate(ctx)
	require.NoError(t, c.Publish(ctx, "kpi.metrics.m.low", []byte("x"), "", models.PriorityLow))
	assert.Equal(t, []string{"kpi.metrics.m.low"}, tr.subjects())
	assert.Equal(t, 0, c.Metrics().QueueLen)
}

func TestCriticalDropsAllLowPriority(t *testing.T) {
	mem := 210.0
	c, _ := newTestController(&mem)
	ctx := context.Background()
	c.Reevaluate(ctx)
	require.Equal(t, models.LevelCritical, c.Level())

	err := c.Publish(ctx, "s", []byte("x"), "", models.PriorityLow)
	// Either sampled out (80% at critical) or priority-dropped; always a
	// policy outcome, never queued.
	require.Error(t, err)
	assert.Equal(t, models.KindPolicy, models.KindOf(err))
	assert.Equal(t, 0, c.Metrics().QueueLen)
}

func TestHighLevelDropRatioNearSeventyPercent(t *testing.T) {
	mem := 170.0
	c, _ := newTestController(&mem)
	ctx := context.Background()
	c.Reevaluate(ctx)
	require.Equal(t, models.LevelHigh, c.Level())

	const n = 10000
	var priorityDrops, queued int
	for i := 0; i < n; i++ {
		err := c.Publish(ctx, "s", []byte("x"), "", models.PriorityLow)
		switch {
		case err == nil:
			queued++
			// Keep the queue from filling and skewing the ratio.
			c.queue.popBatch(10)
		case errors.Is(err, models.ErrPriorityDrop):
			priorityDrops++
		case errors.Is(err, models.ErrSampledOut):
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}
	// Of messages that survive sampling, ~70% are priority-dropped.
	survivors := priorityDrops + queued
	ratio := float64(priorityDrops) / float64(survivors)
	assert.InDelta(t, 0.7, ratio, 0.05)
}

func TestSamplingRateBound(t *testing.T) {
	mem := 100.0 // medium: sampling 0.7
	c, _ := newTestController(&mem)
	ctx := context.Background()
	c.Reevaluate(ctx)
	require.Equal(t, models.LevelMedium, c.Level())

	const n = 10000
	sampledOut := 0
	for i := 0; i < n; i++ {
		err := c.Publish(ctx, "s", []byte("x"), "", models.PriorityHigh)
		if errors.Is(err, models.ErrSampledOut) {
			sampledOut++
		} else if err == nil {
			c.queue.popBatch(10)
		}
	}
	// Observed drop fraction within 10 points of 1 - samplingRate.
	assert.InDelta(t, 0.3, float64(sampledOut)/n, 0.10)
}

func TestCriticalPreemptsQueuedLow(t *testing.T) {
	mem := 170.0 // high
	c, tr := newTestController(&mem)
	ctx := context.Background()
	c.Reevaluate(ctx)

	queuedLow := 0
	for i := 0; i < 100; i++ {
		if c.Publish(ctx, "subj.low", []byte("l"), "", models.PriorityLow) == nil {
			queuedLow++
		}
	}
	require.NoError(t, c.Publish(ctx, "subj.crit", []byte("c"), "", models.PriorityCritical))
	require.Greater(t, queuedLow, 0)

	c.Drain(ctx)
	subjects := tr.subjects()
	require.NotEmpty(t, subjects)
	assert.Equal(t, "subj.crit", subjects[0], "critical dispatches in the very next drain")
}

func TestQueueFullDrop(t *testing.T) {
	mem := 100.0
	tr := &fakeTransport{}
	cfg := Config{
		Thresholds: Thresholds{MaxMemoryMB: 100, MaxQueueSize: 10, MaxPublishRate: 100, MaxCPUPercent: 80},
		MemoryMB:   func() float64 { return mem },
	}
	c := NewController(cfg, tr, Options{Rand: rand.New(rand.NewSource(7))})
	ctx := context.Background()
	c.Reevaluate(ctx)

	var sawQueueFull bool
	for i := 0; i < 200; i++ {
		if errors.Is(c.Publish(ctx, "s", []byte("x"), "", models.PriorityCritical), models.ErrQueueFull) {
			sawQueueFull = true
			break
		}
	}
	assert.True(t, sawQueueFull)
	assert.LessOrEqual(t, c.Metrics().QueueLen, 12, "cap is 1.2x max queue size")
}

func TestSubjectBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mem := 10.0
	c, tr := newTestController(&mem)
	ctx := context.Background()
	tr.fail = true
	for i := 0; i < 5; i++ {
		_ = c.Publish(ctx, "bad.subject", []byte("x"), "", models.PriorityHigh)
	}
	snap := c.BreakerSnapshot("bad.subject")
	assert.Equal(t, models.CircuitOpen, snap.State)

	// Under degradation the open breaker rejects before anything else.
	mem = 100
	c.Reevaluate(ctx)
	err := c.Publish(ctx, "bad.subject", []byte("x"), "", models.PriorityHigh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrCircuitOpen))
	assert.Contains(t, c.Metrics().OpenCircuits, "bad.subject")
}

func TestShutdownDrainsAndIsIdempotent(t *testing.T) {
	mem := 100.0
	c, tr := newTestController(&mem)
	ctx := context.Background()
	c.Reevaluate(ctx)

	accepted := 0
	for i := 0; i < 50; i++ {
		if c.Publish(ctx, "s", []byte("x"), "", models.PriorityCritical) == nil {
			accepted++
		}
	}
	require.Greater(t, accepted, 0)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(drainCtx))
	assert.Equal(t, 0, c.Metrics().QueueLen)
	assert.Len(t, tr.subjects(), accepted, "accepted messages drain before shutdown completes")

	// Repeated shutdown is a no-op; intake stays closed.
	require.NoError(t, c.Shutdown(drainCtx))
	err := c.Publish(ctx, "s", []byte("x"), "", models.PriorityCritical)
	assert.True(t, errors.Is(err, models.ErrShuttingDown))
}
