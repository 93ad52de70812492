package scheduler

// Fair-share scheduler: spreads outbound publishing across many per-account
// tokens per platform. Selection is weighted round-robin ("least recently
// and least frequently scheduled wins"), admission consults the rate
// limiter and the backpressure controller, and failures feed token-level
// circuit breakers. Jitter emulates human-paced activity.

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"cadence/engine/internal/breaker"
	"cadence/engine/models"
	"cadence/engine/ratelimit"
	"cadence/engine/telemetry/events"
	"cadence/engine/telemetry/logging"
	"cadence/engine/telemetry/metrics"
)

// RateLimiter is the multi-window admission collaborator.
type RateLimiter interface {
	Check(ctx context.Context, token, platform, endpoint string) ratelimit.Decision
}

// LoadAdmitter exposes the backpressure controller's degradation level.
type LoadAdmitter interface {
	Level() models.DegradationLevel
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Record is the persisted scheduling state for one (token, platform).
type Record struct {
	TokenID         string    `json:"tokenId" db:"token_id"`
	Platform        string    `json:"platform" db:"platform"`
	Active          bool      `json:"active" db:"active"`
	LastScheduledAt time.Time `json:"lastScheduledAt" db:"last_scheduled_at"`
	TotalScheduled  int64     `json:"totalScheduled" db:"total_scheduled"`
	TotalCompleted  int64     `json:"totalCompleted" db:"total_completed"`
	TotalFailed     int64     `json:"totalFailed" db:"total_failed"`
	AvgCompletionMs float64   `json:"avgCompletionMs" db:"avg_completion_ms"`
	CooldownUntil   time.Time `json:"cooldownUntil,omitempty" db:"cooldown_until"`

	CircuitState    models.CircuitState `json:"circuitState" db:"-"`
	CircuitFailures int                 `json:"circuitFailures" db:"-"`
}

// ScheduledJob describes one admitted outbound job.
type ScheduledJob struct {
	Token                string        `json:"token"`
	Platform             string        `json:"platform"`
	Endpoint             string        `json:"endpoint"`
	QueueName            string        `json:"queueName"`
	ScheduledAt          time.Time     `json:"scheduledAt"`
	Jitter               time.Duration `json:"jitter"`
	EstimatedExecutionAt time.Time     `json:"estimatedExecutionAt"`
}

// FairnessReport counts starved tokens for one platform. A token is
// starved when active and last scheduled longer ago than the starvation
// window (two hours by default); tokens never scheduled are not counted.
type FairnessReport struct {
	Platform             string  `json:"platform"`
	ActiveTokens         int     `json:"activeTokens"`
	StarvedTokens        int     `json:"starvedTokens"`
	MaxStarvationMinutes float64 `json:"maxStarvationMinutes"`
	Healthy              bool    `json:"healthy"`
}

type Config struct {
	JitterMin time.Duration // default 30m
	JitterMax time.Duration // default 90m

	BreakerThreshold int           // failures to open; default 5
	BreakerCooldown  time.Duration // default 5m

	StarvationWindow time.Duration // default 2h
}

func (c *Config) withDefaults() {
	if c.JitterMin <= 0 {
		c.JitterMin = 30 * time.Minute
	}
	if c.JitterMax <= c.JitterMin {
		c.JitterMax = c.JitterMin + time.Hour
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 5 * time.Minute
	}
	if c.StarvationWindow <= 0 {
		c.StarvationWindow = 2 * time.Hour
	}
}

// ScheduleOptions tune one admission.
type ScheduleOptions struct {
	// SkipCircuitCheck admits through an open token circuit; operator
	// override only.
	SkipCircuitCheck bool
	// SkipLoadCheck ignores the backpressure level.
	SkipLoadCheck bool
}

type tokenKey struct{ token, platform string }

type tokenState struct {
	mu  sync.Mutex
	rec Record
	br  *breaker.Breaker
}

type Options struct {
	Logger  logging.Logger
	Metrics metrics.Provider
	Bus     events.Bus
	Clock   Clock
	Rand    *rand.Rand
}

type Scheduler struct {
	cfg   Config
	rl    RateLimiter
	load  LoadAdmitter
	log   logging.Logger
	bus   events.Bus
	clock Clock

	mu     sync.RWMutex
	tokens map[tokenKey]*tokenState

	randMu sync.Mutex
	rand   *rand.Rand

	mScheduled metrics.Counter
	mRejected  metrics.Counter
}

func NewScheduler(cfg Config, rl RateLimiter, load LoadAdmitter, opts Options) *Scheduler {
	cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		rl:     rl,
		load:   load,
		log:    opts.Logger,
		bus:    opts.Bus,
		clock:  opts.Clock,
		tokens: make(map[tokenKey]*tokenState),
		rand:   opts.Rand,
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := opts.Metrics
	if p == nil {
		p = metrics.NewNoopProvider()
	}
	s.mScheduled = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "scheduler", Name: "scheduled_total", Help: "Jobs scheduled", Labels: []string{"platform"}}})
	s.mRejected = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "scheduler", Name: "rejected_total", Help: "Admissions rejected", Labels: []string{"platform", "reason"}}})
	return s
}

// RegisterToken makes a token schedulable. Re-registering updates the
// active flag and keeps counters.
func (s *Scheduler) RegisterToken(tokenID, platform string, active bool) {
	key := tokenKey{tokenID, platform}
	s.mu.Lock()
	st, ok := s.tokens[key]
	if !ok {
		st = &tokenState{rec: Record{TokenID: tokenID, Platform: platform, Active: active}}
		st.br = s.newBreaker(tokenID, platform)
		s.tokens[key] = st
	}
	s.mu.Unlock()
	st.mu.Lock()
	st.rec.Active = active
	st.mu.Unlock()
}

// RestoreRecord seeds a token from persisted state.
func (s *Scheduler) RestoreRecord(rec Record) {
	key := tokenKey{rec.TokenID, rec.Platform}
	s.mu.Lock()
	st, ok := s.tokens[key]
	if !ok {
		st = &tokenState{br: s.newBreaker(rec.TokenID, rec.Platform)}
		s.tokens[key] = st
	}
	s.mu.Unlock()
	st.mu.Lock()
	st.rec = rec
	st.mu.Unlock()
}

func (s *Scheduler) newBreaker(tokenID, platform string) *breaker.Breaker {
	return breaker.New(breaker.Options{
		Mode:             breaker.ModeToken,
		FailureThreshold: s.cfg.BreakerThreshold,
		Cooldown:         s.cfg.BreakerCooldown,
		MaxBackoff:       4 * s.cfg.BreakerCooldown,
		Clock:            clockAdapter{s},
		OnTransition: func(from, to models.CircuitState) {
			if s.bus != nil {
				_ = s.bus.Publish(events.Event{
					Category: events.CategoryScheduler, Type: "token_circuit_" + to.String(), Severity: "warn",
					Labels: map[string]string{"token": tokenID, "platform": platform},
				})
			}
		},
	})
}

type clockAdapter struct{ s *Scheduler }

func (c clockAdapter) Now() time.Time { return c.s.clock.Now() }

// eligible reports selection eligibility: active, cooldown elapsed,
// circuit not open.
func (st *tokenState) eligible(now time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.rec.Active {
		return false
	}
	if !st.rec.CooldownUntil.IsZero() && now.Before(st.rec.CooldownUntil) {
		return false
	}
	return st.br.State() != models.CircuitOpen
}

// NextToken picks the eligible token minimizing (lastScheduledAt,
// totalScheduled) lexicographically; ties break on stable token order.
// Selection transactionally stamps lastScheduledAt and the counter.
func (s *Scheduler) NextToken(platform string) (string, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	candidates := make([]*tokenState, 0, 8)
	for key, st := range s.tokens {
		if key.platform != platform {
			continue
		}
		if st.eligible(now) {
			candidates = append(candidates, st)
		}
	}
	s.mu.RUnlock()
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		a.mu.Lock()
		ra := a.rec
		a.mu.Unlock()
		b.mu.Lock()
		rb := b.rec
		b.mu.Unlock()
		if !ra.LastScheduledAt.Equal(rb.LastScheduledAt) {
			return ra.LastScheduledAt.Before(rb.LastScheduledAt)
		}
		if ra.TotalScheduled != rb.TotalScheduled {
			return ra.TotalScheduled < rb.TotalScheduled
		}
		return ra.TokenID < rb.TokenID
	})
	winner := candidates[0]
	winner.mu.Lock()
	winner.rec.LastScheduledAt = now
	winner.rec.TotalScheduled++
	token := winner.rec.TokenID
	winner.mu.Unlock()
	return token, true
}

// Schedule admits one job for an already-selected token. A rate-limit
// denial stamps the token cooldown with the limiter's retry-after and
// returns a capacity error.
func (s *Scheduler) Schedule(ctx context.Context, tokenID, platform, endpoint string, opts ScheduleOptions) (*ScheduledJob, error) {
	st := s.state(tokenID, platform)
	if st == nil {
		return nil, models.E(models.KindValidation, "scheduler.schedule", fmt.Errorf("unknown token %s/%s", tokenID, platform))
	}
	if !opts.SkipLoadCheck && s.load != nil && s.load.Level() >= models.LevelCritical {
		s.mRejected.Inc(1, platform, "load")
		return nil, &models.Error{Kind: models.KindCapacity, Op: "scheduler.schedule", RetryAfter: time.Minute, Err: models.ErrNotAdmitted}
	}
	if !opts.SkipCircuitCheck && st.br.State() == models.CircuitOpen {
		s.mRejected.Inc(1, platform, "circuit")
		return nil, models.E(models.KindPolicy, "scheduler.schedule", models.ErrCircuitOpen)
	}
	decision := s.rl.Check(ctx, tokenID, platform, endpoint)
	if !decision.Allowed {
		now := s.clock.Now()
		st.mu.Lock()
		st.rec.CooldownUntil = now.Add(decision.RetryAfter)
		st.mu.Unlock()
		s.mRejected.Inc(1, platform, "rate_limit")
		return nil, &models.Error{Kind: models.KindCapacity, Op: "scheduler.schedule", RetryAfter: decision.RetryAfter, Err: models.ErrRateLimited}
	}
	now := s.clock.Now()
	jitter := s.cfg.JitterMin + time.Duration(s.randFloat()*float64(s.cfg.JitterMax-s.cfg.JitterMin))
	job := &ScheduledJob{
		Token:                tokenID,
		Platform:             platform,
		Endpoint:             endpoint,
		QueueName:            fmt.Sprintf("publish:%s:%s", platform, tokenID),
		ScheduledAt:          now,
		Jitter:               jitter,
		EstimatedExecutionAt: now.Add(jitter),
	}
	s.mScheduled.Inc(1, platform)
	return job, nil
}

// RecordSuccess folds a completed job into the token's running stats and
// relaxes its breaker.
func (s *Scheduler) RecordSuccess(tokenID, platform string, duration time.Duration) {
	st := s.state(tokenID, platform)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.rec.TotalCompleted++
	n := float64(st.rec.TotalCompleted)
	st.rec.AvgCompletionMs += (float64(duration.Milliseconds()) - st.rec.AvgCompletionMs) / n
	st.rec.CooldownUntil = time.Time{}
	st.mu.Unlock()
	st.br.RecordSuccess()
}

// RecordFailure counts a failed job against the token's breaker; the
// fifth consecutive failure opens it for the configured cooldown.
func (s *Scheduler) RecordFailure(tokenID, platform string, cause error) {
	st := s.state(tokenID, platform)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.rec.TotalFailed++
	st.mu.Unlock()
	st.br.RecordFailure()
	if st.br.State() == models.CircuitOpen {
		snap := st.br.Snapshot()
		st.mu.Lock()
		st.rec.CooldownUntil = snap.CooldownUntil
		st.mu.Unlock()
	}
}

// CheckFairness reports starvation for a platform: healthy iff no active
// token has waited beyond the starvation window and the worst wait is
// under two hours.
func (s *Scheduler) CheckFairness(platform string) FairnessReport {
	now := s.clock.Now()
	report := FairnessReport{Platform: platform}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxStarvation time.Duration
	for key, st := range s.tokens {
		if key.platform != platform {
			continue
		}
		st.mu.Lock()
		rec := st.rec
		st.mu.Unlock()
		if !rec.Active {
			continue
		}
		report.ActiveTokens++
		if rec.LastScheduledAt.IsZero() {
			continue
		}
		gap := now.Sub(rec.LastScheduledAt)
		if gap > s.cfg.StarvationWindow {
			report.StarvedTokens++
		}
		if gap > maxStarvation {
			maxStarvation = gap
		}
	}
	report.MaxStarvationMinutes = maxStarvation.Minutes()
	report.Healthy = report.StarvedTokens == 0 && report.MaxStarvationMinutes < 120
	return report
}

// Records snapshots all token records, optionally filtered by platform.
func (s *Scheduler) Records(platform string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.tokens))
	for key, st := range s.tokens {
		if platform != "" && key.platform != platform {
			continue
		}
		st.mu.Lock()
		rec := st.rec
		st.mu.Unlock()
		snap := st.br.Snapshot()
		rec.CircuitState = snap.State
		rec.CircuitFailures = snap.Failures
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out
}

func (s *Scheduler) state(tokenID, platform string) *tokenState {
	s.mu.RLock()
	st := s.tokens[tokenKey{tokenID, platform}]
	s.mu.RUnlock()
	return st
}

func (s *Scheduler) randFloat() float64 {
	s.randMu.Lock()
	f := s.rand.Float64()
	s.randMu.Unlock()
	return f
}
