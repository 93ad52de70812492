package ratelimit

// Multi-window sliding rate limiter. Each (token, platform, endpoint, tier)
// maps to a Redis sorted set of (timestampMs, requestId) entries; admission
// evicts, counts, and records across every configured tier in one Lua
// invocation so a partially-recorded request cannot exist. Store faults
// fail open: the scheduler's circuit breakers are the safety net.

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cadence/engine/models"
	"cadence/engine/telemetry/events"
	"cadence/engine/telemetry/logging"
	"cadence/engine/telemetry/metrics"
)

type Tier string

const (
	TierBurst  Tier = "burst"
	TierMinute Tier = "minute"
	TierHour   Tier = "hour"
	TierDay    Tier = "day"
)

// Decision is the atomic admission outcome.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	WindowType Tier          `json:"windowType,omitempty"`
	FailedOpen bool          `json:"failedOpen,omitempty"`
}

// RetryAfterSeconds rounds the wait up to whole seconds, the wire contract.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// ConfigSource resolves the limits for a (platform, endpoint) pair.
type ConfigSource interface {
	Lookup(platform, endpoint string) (models.RateLimitConfig, bool)
}

// Registry is the in-memory ConfigSource; the composition root seeds it
// from persisted configs and keeps it current on admin updates.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]models.RateLimitConfig
}

func NewRegistry(configs ...models.RateLimitConfig) *Registry {
	r := &Registry{configs: make(map[string]models.RateLimitConfig)}
	for _, c := range configs {
		r.Upsert(c)
	}
	return r
}

func registryKey(platform, endpoint string) string { return platform + "|" + endpoint }

func (r *Registry) Upsert(c models.RateLimitConfig) {
	r.mu.Lock()
	r.configs[registryKey(c.Platform, c.Endpoint)] = c
	r.mu.Unlock()
}

func (r *Registry) Lookup(platform, endpoint string) (models.RateLimitConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[registryKey(platform, endpoint)]
	return c, ok
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Options struct {
	KeyPrefix string
	Logger    logging.Logger
	Metrics   metrics.Provider
	Bus       events.Bus
	Clock     Clock
}

type Limiter struct {
	rdb    redis.UniversalClient
	source ConfigSource
	prefix string
	log    logging.Logger
	bus    events.Bus
	clock  Clock

	seqMu sync.Mutex
	seq   uint64

	script *redis.Script

	mAllowed  metrics.Counter
	mDenied   metrics.Counter
	mFailOpen metrics.Counter
}

// admitScript evicts, counts, and records across every tier atomically.
// KEYS: one sorted set per configured tier, in evaluation order.
// ARGV: nowMs, member, then (limit, windowMs) per tier.
// Returns {1, remaining} or {0, tierIndex, retryMs}.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local n = #KEYS
for i = 1, n do
  local key = KEYS[i]
  local limit = tonumber(ARGV[2*i+1])
  local window = tonumber(ARGV[2*i+2])
  redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
  local count = redis.call('ZCARD', key)
  if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local retry = window
    if oldest[2] then retry = tonumber(oldest[2]) + window - now end
    return {0, i, retry}
  end
end
local remaining = -1
for i = 1, n do
  local key = KEYS[i]
  local limit = tonumber(ARGV[2*i+1])
  local window = tonumber(ARGV[2*i+2])
  local count = redis.call('ZCARD', key)
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  local rem = limit - count - 1
  if remaining < 0 or rem < remaining then remaining = rem end
end
return {1, remaining}
`)

func NewLimiter(rdb redis.UniversalClient, source ConfigSource, opts Options) *Limiter {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "cadence"
	}
	l := &Limiter{
		rdb:    rdb,
		source: source,
		prefix: opts.KeyPrefix,
		log:    opts.Logger,
		bus:    opts.Bus,
		clock:  opts.Clock,
		script: admitScript,
	}
	if l.log == nil {
		l.log = logging.Nop()
	}
	if l.clock == nil {
		l.clock = realClock{}
	}
	p := opts.Metrics
	if p == nil {
		p = metrics.NewNoopProvider()
	}
	l.mAllowed = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "ratelimit", Name: "allowed_total", Help: "Admissions allowed", Labels: []string{"platform"}}})
	l.mDenied = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "ratelimit", Name: "denied_total", Help: "Admissions denied", Labels: []string{"platform", "tier"}}})
	l.mFailOpen = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "ratelimit", Name: "fail_open_total", Help: "Admissions allowed because the store was unreachable"}})
	return l
}

type tierSpec struct {
	tier   Tier
	limit  int
	window time.Duration
}

// tiersFor expands a config into evaluation order: burst, minute, hour,
// day. A missing tier means no limit on that tier.
func tiersFor(cfg models.RateLimitConfig) []tierSpec {
	var out []tierSpec
	if cfg.BurstLimit != nil {
		w := time.Duration(cfg.BurstWindowSeconds) * time.Second
		if w <= 0 {
			w = 10 * time.Second
		}
		out = append(out, tierSpec{TierBurst, *cfg.BurstLimit, w})
	}
	if cfg.PerMinute != nil {
		out = append(out, tierSpec{TierMinute, *cfg.PerMinute, time.Minute})
	}
	if cfg.PerHour != nil {
		out = append(out, tierSpec{TierHour, *cfg.PerHour, time.Hour})
	}
	if cfg.PerDay != nil {
		out = append(out, tierSpec{TierDay, *cfg.PerDay, 24 * time.Hour})
	}
	return out
}

// The hash-tag braces keep every tier of one (token, platform, endpoint)
// on the same cluster slot so the Lua call stays single-node.
func (l *Limiter) key(token, platform, endpoint string, tier Tier) string {
	return fmt.Sprintf("%s:rl:{%s:%s:%s}:%s", l.prefix, token, platform, endpoint, tier)
}

func (l *Limiter) nextRequestID(nowMs int64) string {
	l.seqMu.Lock()
	l.seq++
	s := l.seq
	l.seqMu.Unlock()
	return fmt.Sprintf("%d-%d", nowMs, s)
}

// Check admits or denies one request. Admission and recording are atomic
// per key family; a denial reports the first exhausted tier.
func (l *Limiter) Check(ctx context.Context, token, platform, endpoint string) Decision {
	cfg, ok := l.source.Lookup(platform, endpoint)
	if !ok || !cfg.Active {
		return Decision{Allowed: true, Remaining: -1}
	}
	tiers := tiersFor(cfg)
	if len(tiers) == 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	nowMs := l.clock.Now().UnixMilli()
	keys := make([]string, 0, len(tiers))
	argv := make([]any, 0, 2+2*len(tiers))
	argv = append(argv, nowMs, l.nextRequestID(nowMs))
	for _, t := range tiers {
		keys = append(keys, l.key(token, platform, endpoint, t.tier))
		argv = append(argv, t.limit, t.window.Milliseconds())
	}
	raw, err := l.script.Run(ctx, l.rdb, keys, argv...).Result()
	if err != nil {
		l.mFailOpen.Inc(1)
		l.log.WarnCtx(ctx, "rate limit store unavailable, failing open", "error", err, "platform", platform)
		if l.bus != nil {
			_ = l.bus.PublishCtx(ctx, events.Event{Category: events.CategoryRateLimit, Type: "store_error", Severity: "error",
				Fields: map[string]any{"error": err.Error()}})
		}
		return Decision{Allowed: true, Remaining: -1, FailedOpen: true}
	}
	res, _ := raw.([]any)
	if len(res) == 0 {
		return Decision{Allowed: true, Remaining: -1, FailedOpen: true}
	}
	if asInt(res[0]) == 1 {
		l.mAllowed.Inc(1, platform)
		return Decision{Allowed: true, Remaining: int(asInt(res[1]))}
	}
	tier := tiers[asInt(res[1])-1].tier
	retryMs := asInt(res[2])
	if retryMs < 0 {
		retryMs = 0
	}
	l.mDenied.Inc(1, platform, string(tier))
	d := Decision{Allowed: false, WindowType: tier, RetryAfter: time.Duration(retryMs) * time.Millisecond}
	// Wire contract rounds up to whole seconds.
	d.RetryAfter = time.Duration(d.RetryAfterSeconds()) * time.Second
	return d
}

// Usage reports current per-tier occupancy without recording.
func (l *Limiter) Usage(ctx context.Context, token, platform, endpoint string) (map[Tier]int64, error) {
	cfg, ok := l.source.Lookup(platform, endpoint)
	if !ok {
		return nil, models.E(models.KindValidation, "ratelimit.usage", fmt.Errorf("no config for %s/%s", platform, endpoint))
	}
	now := l.clock.Now().UnixMilli()
	out := make(map[Tier]int64)
	for _, t := range tiersFor(cfg) {
		key := l.key(token, platform, endpoint, t.tier)
		if err := l.rdb.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now-t.window.Milliseconds())).Err(); err != nil {
			return nil, models.E(models.KindTransient, "ratelimit.usage", err)
		}
		n, err := l.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return nil, models.E(models.KindTransient, "ratelimit.usage", err)
		}
		out[t.tier] = n
	}
	return out, nil
}

// Reset clears the windows for a token, optionally narrowed by platform and
// endpoint.
func (l *Limiter) Reset(ctx context.Context, token, platform, endpoint string) error {
	if platform == "" {
		platform = "*"
	}
	if endpoint == "" {
		endpoint = "*"
	}
	pattern := fmt.Sprintf("%s:rl:{%s:%s:%s}:*", l.prefix, token, platform, endpoint)
	var cursor uint64
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, pattern, 128).Result()
		if err != nil {
			return models.E(models.KindTransient, "ratelimit.reset", err)
		}
		if len(keys) > 0 {
			if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
				return models.E(models.KindTransient, "ratelimit.reset", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		_, _ = fmt.Sscanf(strings.TrimSpace(n), "%d", &out)
		return out
	default:
		return 0
	}
}
