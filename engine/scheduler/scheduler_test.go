package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/engine/models"
	"cadence/engine/ratelimit"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeLimiter struct {
	deny       bool
	retryAfter time.Duration
	calls      int
}

func (f *fakeLimiter) Check(ctx context.Context, token, platform, endpoint string) ratelimit.Decision {
	f.calls++
	if f.deny {
		return ratelimit.Decision{Allowed: false, RetryAfter: f.retryAfter, WindowType: ratelimit.TierMinute}
	}
	return ratelimit.Decision{Allowed: true, Remaining: 10}
}

type fakeLoad struct{ level models.DegradationLevel }

func (f *fakeLoad) Level() models.DegradationLevel { return f.level }

func newTestScheduler(t *testing.T, rl RateLimiter, load LoadAdmitter) (*Scheduler, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewScheduler(Config{
		JitterMin: 30 * time.Minute,
		JitterMax: 90 * time.Minute,
	}, rl, load, Options{Clock: clk, Rand: rand.New(rand.NewSource(11))})
	return s, clk
}

func TestNextTokenRoundRobin(t *testing.T) {
	s, clk := newTestScheduler(t, &fakeLimiter{}, &fakeLoad{})
	for _, id := range []string{"t1", "t2", "t3"} {
		s.RegisterToken(id, "instagram", true)
	}
	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		tok, ok := s.NextToken("instagram")
		require.True(t, ok)
		seen[tok]++
		clk.advance(time.Second)
	}
	// Perfect rotation: three picks each.
	assert.Equal(t, map[string]int{"t1": 3, "t2": 3, "t3": 3}, seen)
}

func TestNextTokenSkipsIneligible(t *testing.T) {
	s, clk := newTestScheduler(t, &fakeLimiter{}, &fakeLoad{})
	s.RegisterToken("active", "p", true)
	s.RegisterToken("inactive", "p", false)
	s.RegisterToken("cooling", "p", true)
	st := s.state("cooling", "p")
	st.mu.Lock()
	st.rec.CooldownUntil = clk.now.Add(time.Hour)
	st.mu.Unlock()

	for i := 0; i < 5; i++ {
		tok, ok := s.NextToken("p")
		require.True(t, ok)
		assert.Equal(t, "active", tok)
	}

	_, ok := s.NextToken("missing-platform")
	assert.False(t, ok)
}

func TestNoStarvationUnderContinuousLoad(t *testing.T) {
	s, clk := newTestScheduler(t, &fakeLimiter{}, &fakeLoad{})
	tokens := []string{"a", "b", "c", "d", "e"}
	for _, id := range tokens {
		s.RegisterToken(id, "p", true)
	}
	lastPick := map[string]int{}
	for i := 0; i < 500; i++ {
		tok, ok := s.NextToken("p")
		require.True(t, ok)
		if prev, seen := lastPick[tok]; seen {
			assert.LessOrEqual(t, i-prev, len(tokens), "gap between selections bounded by token count")
		}
		lastPick[tok] = i
		clk.advance(time.Second)
	}
}

func TestScheduleProducesJitteredJob(t *testing.T) {
	s, clk := newTestScheduler(t, &fakeLimiter{}, &fakeLoad{})
	s.RegisterToken("tok", "instagram", true)
	job, err := s.Schedule(context.Background(), "tok", "instagram", "post", ScheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, "publish:instagram:tok", job.QueueName)
	assert.Equal(t, clk.now, job.ScheduledAt)
	assert.GreaterOrEqual(t, job.Jitter, 30*time.Minute)
	assert.LessOrEqual(t, job.Jitter, 90*time.Minute)
	assert.Equal(t, clk.now.Add(job.Jitter), job.EstimatedExecutionAt)
}

func TestScheduleRateLimitDenialSetsCooldown(t *testing.T) {
	rl := &fakeLimiter{deny: true, retryAfter: 55 * time.Second}
	s, clk := newTestScheduler(t, rl, &fakeLoad{})
	s.RegisterToken("tok", "p", true)

	job, err := s.Schedule(context.Background(), "tok", "p", "post", ScheduleOptions{})
	require.Nil(t, job)
	require.Error(t, err)
	assert.Equal(t, models.KindCapacity, models.KindOf(err))
	var ce *models.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 55*time.Second, ce.RetryAfter)

	// Cooled-down token drops out of selection until the window passes.
	_, ok := s.NextToken("p")
	assert.False(t, ok)
	clk.advance(56 * time.Second)
	_, ok = s.NextToken("p")
	assert.True(t, ok)
}

func TestScheduleDeniedAtCriticalLoad(t *testing.T) {
	load := &fakeLoad{level: models.LevelCritical}
	s, _ := newTestScheduler(t, &fakeLimiter{}, load)
	s.RegisterToken("tok", "p", true)
	_, err := s.Schedule(context.Background(), "tok", "p", "post", ScheduleOptions{})
	require.Error(t, err)
	assert.Equal(t, models.KindCapacity, models.KindOf(err))

	// Operator override skips the load gate.
	_, err = s.Schedule(context.Background(), "tok", "p", "post", ScheduleOptions{SkipLoadCheck: true})
	assert.NoError(t, err)
}

func TestTokenBreakerCycle(t *testing.T) {
	s, clk := newTestScheduler(t, &fakeLimiter{}, &fakeLoad{})
	s.RegisterToken("t", "p", true)

	for i := 0; i < 5; i++ {
		s.RecordFailure("t", "p", errors.New("downstream 500"))
	}
	recs := s.Records("p")
	require.Len(t, recs, 1)
	assert.Equal(t, models.CircuitOpen, recs[0].CircuitState)
	assert.Equal(t, clk.now.Add(5*time.Minute), recs[0].CooldownUntil)

	// Open circuit removes the token from selection and scheduling.
	_, ok := s.NextToken("p")
	assert.False(t, ok)
	_, err := s.Schedule(context.Background(), "t", "p", "post", ScheduleOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrCircuitOpen))

	// After the cooldown one success walks half_open -> closed.
	clk.advance(5*time.Minute + time.Second)
	s.RecordSuccess("t", "p", 1200*time.Millisecond)
	recs = s.Records("p")
	assert.Equal(t, models.CircuitClosed, recs[0].CircuitState)
	_, ok = s.NextToken("p")
	assert.True(t, ok)
}

func TestRecordSuccessUpdatesRunningAverage(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeLimiter{}, &fakeLoad{})
	s.RegisterToken("t", "p", true)
	s.RecordSuccess("t", "p", 100*time.Millisecond)
	s.RecordSuccess("t", "p", 300*time.Millisecond)
	recs := s.Records("p")
	require.Len(t, recs, 1)
	assert.InDelta(t, 200, recs[0].AvgCompletionMs, 1e-9)
	assert.Equal(t, int64(2), recs[0].TotalCompleted)
}

func TestCheckFairness(t *testing.T) {
	s, clk := newTestScheduler(t, &fakeLimiter{}, &fakeLoad{})
	s.RegisterToken("fresh", "p", true)
	s.RegisterToken("stale", "p", true)

	tok, ok := s.NextToken("p")
	require.True(t, ok)
	staleToken := tok

	clk.advance(3 * time.Hour)
	// Keep scheduling the other token only.
	other := "fresh"
	if staleToken == "fresh" {
		other = "stale"
	}
	st := s.state(other, "p")
	st.mu.Lock()
	st.rec.LastScheduledAt = clk.now
	st.mu.Unlock()

	report := s.CheckFairness("p")
	assert.Equal(t, 2, report.ActiveTokens)
	assert.Equal(t, 1, report.StarvedTokens)
	assert.False(t, report.Healthy)
	assert.GreaterOrEqual(t, report.MaxStarvationMinutes, 120.0)

	healthy := s.CheckFairness("empty-platform")
	assert.True(t, healthy.Healthy)
	assert.Zero(t, healthy.ActiveTokens)
}
