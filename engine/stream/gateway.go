package stream

// Stream Gateway: durable, deduplicated publish/consume of metric events
// over Redis Streams. Streams are append-only logs addressed by name;
// subjects are dotted routing keys matched against each stream's subject
// patterns. Dedup relies on NX guard keys whose TTL is the duplicate
// window, so a replayed message id inside the window is a no-op.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cadence/engine/models"
	"cadence/engine/telemetry/events"
	"cadence/engine/telemetry/logging"
	"cadence/engine/telemetry/metrics"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type RetentionPolicy string

const (
	RetentionLimits    RetentionPolicy = "limits"
	RetentionInterest  RetentionPolicy = "interest"
	RetentionWorkQueue RetentionPolicy = "workqueue"
)

// StreamConfig declares one named stream.
type StreamConfig struct {
	Name      string          `json:"name"`
	Subjects  []string        `json:"subjects"`
	MaxAge    time.Duration   `json:"maxAge"`
	MaxBytes  int64           `json:"maxBytes"`
	MaxMsgs   int64           `json:"maxMsgs"`
	Retention RetentionPolicy `json:"retention"`
	Storage   string          `json:"storage"`
}

// GatewayConfig tunes the gateway itself.
type GatewayConfig struct {
	KeyPrefix         string
	DedupWindow       time.Duration
	DeadLetterSubject string
	HealthSubject     string
	BatchConcurrency  int
	JanitorInterval   time.Duration
}

func (c *GatewayConfig) withDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "cadence"
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 2 * time.Minute
	}
	if c.DeadLetterSubject == "" {
		c.DeadLetterSubject = "kpi.deadletter"
	}
	if c.HealthSubject == "" {
		c.HealthSubject = "kpi.health"
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 50
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 30 * time.Second
	}
}

// DefaultStreams returns the stream set the platform ships with.
func DefaultStreams() []StreamConfig {
	return []StreamConfig{
		{Name: "KPI_METRICS", Subjects: []string{"kpi.metrics.*", "kpi.events.*"}, MaxAge: 7 * 24 * time.Hour, MaxBytes: 50 << 30, Retention: RetentionLimits, Storage: "file"},
		{Name: "KPI_ALERTS", Subjects: []string{"kpi.alerts.*"}, MaxAge: 30 * 24 * time.Hour, MaxBytes: 10 << 30, Retention: RetentionLimits, Storage: "file"},
		{Name: "KPI_INSIGHTS", Subjects: []string{"kpi.insights.*"}, MaxAge: 90 * 24 * time.Hour, MaxBytes: 20 << 30, Retention: RetentionLimits, Storage: "file"},
		{Name: "KPI_DLQ", Subjects: []string{"kpi.deadletter"}, MaxAge: 30 * 24 * time.Hour, Retention: RetentionLimits, Storage: "file"},
		{Name: "KPI_HEALTH", Subjects: []string{"kpi.health"}, MaxMsgs: 128, Retention: RetentionLimits, Storage: "memory"},
	}
}

// PubAck acknowledges a persisted publish.
type PubAck struct {
	Stream    string `json:"stream"`
	ID        string `json:"id"`
	Seq       uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate"`
}

// PublishResult is one entry's outcome in a batch publish.
type PublishResult struct {
	Ack PubAck
	Err error
}

// DeadLetter is one parked message.
type DeadLetter struct {
	ID                string    `json:"id"`
	Subject           string    `json:"subject"`
	Payload           []byte    `json:"payload"`
	Reason            string    `json:"reason"`
	OriginalTimestamp time.Time `json:"originalTimestamp"`
}

// StreamInfo is the introspection view of one stream.
type StreamInfo struct {
	Config   StreamConfig `json:"config"`
	Messages int64        `json:"messages"`
	FirstID  string       `json:"firstId,omitempty"`
	LastID   string       `json:"lastId,omitempty"`
}

type Options struct {
	Logger  logging.Logger
	Metrics metrics.Provider
	Bus     events.Bus
	Clock   Clock
}

// Gateway is the single transport handle shared by producers and the ETL
// consumers.
type Gateway struct {
	rdb   redis.UniversalClient
	cfg   GatewayConfig
	log   logging.Logger
	bus   events.Bus
	clock Clock

	mu        sync.RWMutex
	streams   map[string]StreamConfig
	consumers map[string]ConsumerConfig
	paused    map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	pubLatency  metrics.Histogram
	mPublished  metrics.Counter
	mDuplicates metrics.Counter
	mErrors     metrics.Counter
	mDeadLetter metrics.Counter
}

func NewGateway(rdb redis.UniversalClient, cfg GatewayConfig, opts Options) *Gateway {
	cfg.withDefaults()
	g := &Gateway{
		rdb:       rdb,
		cfg:       cfg,
		log:       opts.Logger,
		bus:       opts.Bus,
		clock:     opts.Clock,
		streams:   make(map[string]StreamConfig),
		consumers: make(map[string]ConsumerConfig),
		paused:    make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
	if g.log == nil {
		g.log = logging.Nop()
	}
	if g.clock == nil {
		g.clock = realClock{}
	}
	p := opts.Metrics
	if p == nil {
		p = metrics.NewNoopProvider()
	}
	g.pubLatency = p.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "stream", Name: "publish_seconds", Help: "Publish latency", Labels: []string{"stream"}}})
	g.mPublished = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "stream", Name: "published_total", Help: "Messages persisted", Labels: []string{"stream"}}})
	g.mDuplicates = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "stream", Name: "duplicates_total", Help: "Publishes suppressed by the dedup window", Labels: []string{"stream"}}})
	g.mErrors = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "stream", Name: "errors_total", Help: "Transport errors", Labels: []string{"op"}}})
	g.mDeadLetter = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "stream", Name: "deadletter_total", Help: "Messages parked on the dead-letter subject"}})
	g.wg.Add(1)
	go g.janitorLoop()
	return g
}

// Close stops background maintenance. Idempotent.
func (g *Gateway) Close() error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
	return nil
}

func (g *Gateway) streamKey(name string) string { return g.cfg.KeyPrefix + ":stream:" + name }
func (g *Gateway) configKey(name string) string { return g.cfg.KeyPrefix + ":streamcfg:" + name }
func (g *Gateway) dedupKey(stream, id string) string {
	return g.cfg.KeyPrefix + ":dedup:" + stream + ":" + id
}

// CreateStream is idempotent: re-declaring an identical stream is a no-op,
// a conflicting shape fails with ErrConfigConflict.
func (g *Gateway) CreateStream(ctx context.Context, sc StreamConfig) error {
	if sc.Name == "" || len(sc.Subjects) == 0 {
		return models.E(models.KindValidation, "stream.create", errors.New("name and subjects required"))
	}
	if sc.Retention == "" {
		sc.Retention = RetentionLimits
	}
	want, err := json.Marshal(sc)
	if err != nil {
		return models.E(models.KindFatal, "stream.create", err)
	}
	existing, err := g.rdb.Get(ctx, g.configKey(sc.Name)).Result()
	switch {
	case err == nil:
		if existing != string(want) {
			return models.E(models.KindFatal, "stream.create", fmt.Errorf("%w: %s", models.ErrConfigConflict, sc.Name))
		}
	case errors.Is(err, redis.Nil):
		if err := g.rdb.Set(ctx, g.configKey(sc.Name), want, 0).Err(); err != nil {
			return models.E(models.KindTransient, "stream.create", err)
		}
	default:
		return models.E(models.KindTransient, "stream.create", err)
	}
	g.mu.Lock()
	g.streams[sc.Name] = sc
	g.mu.Unlock()
	return nil
}

// Streams returns the declared stream configs.
func (g *Gateway) Streams() []StreamConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]StreamConfig, 0, len(g.streams))
	for _, sc := range g.streams {
		out = append(out, sc)
	}
	return out
}

// resolve finds the stream owning a subject.
func (g *Gateway) resolve(subject string) (StreamConfig, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, sc := range g.streams {
		for _, pat := range sc.Subjects {
			if MatchSubject(pat, subject) {
				return sc, true
			}
		}
	}
	return StreamConfig{}, false
}

// MatchSubject matches a dotted subject against a pattern. "*" matches one
// token, except in trailing position where it matches one or more.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == "*" && i == len(pt)-1 {
			return len(st) >= len(pt)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(st) == len(pt)
}

// Publish persists one payload under subject. A msgID already seen inside
// the dedup window yields ErrDuplicateID and leaves the stream untouched;
// callers treat that as success.
func (g *Gateway) Publish(ctx context.Context, subject string, payload []byte, msgID string) (PubAck, error) {
	sc, ok := g.resolve(subject)
	if !ok {
		return PubAck{}, models.E(models.KindValidation, "stream.publish", fmt.Errorf("%w: %s", models.ErrStreamNotFound, subject))
	}
	start := g.clock.Now()
	if msgID != "" {
		set, err := g.rdb.SetNX(ctx, g.dedupKey(sc.Name, msgID), 1, g.cfg.DedupWindow).Result()
		if err != nil {
			g.mErrors.Inc(1, "publish")
			return PubAck{}, models.E(models.KindTransient, "stream.publish", err)
		}
		if !set {
			g.mDuplicates.Inc(1, sc.Name)
			return PubAck{Stream: sc.Name, Duplicate: true}, models.E(models.KindPolicy, "stream.publish", models.ErrDuplicateID)
		}
	}
	args := &redis.XAddArgs{
		Stream: g.streamKey(sc.Name),
		Values: map[string]any{
			fieldSubject: subject,
			fieldPayload: string(payload),
			fieldMsgID:   msgID,
			fieldTS:      start.UnixMilli(),
		},
	}
	if sc.MaxMsgs > 0 {
		args.MaxLen = sc.MaxMsgs
		args.Approx = true
	}
	id, err := g.rdb.XAdd(ctx, args).Result()
	if err != nil {
		g.mErrors.Inc(1, "publish")
		return PubAck{}, models.E(models.KindTransient, "stream.publish", err)
	}
	g.mPublished.Inc(1, sc.Name)
	g.pubLatency.Observe(g.clock.Now().Sub(start).Seconds(), sc.Name)
	return PubAck{Stream: sc.Name, ID: id, Seq: seqFromID(id)}, nil
}

// BatchPublish writes payloads with bounded in-flight concurrency. The
// returned slice is index-aligned with the input; ordering inside the
// caller's slice is never disturbed.
func (g *Gateway) BatchPublish(ctx context.Context, subject string, payloads [][]byte) []PublishResult {
	results := make([]PublishResult, len(payloads))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.BatchConcurrency)
	for i := range payloads {
		eg.Go(func() error {
			ack, err := g.Publish(ctx, subject, payloads[i], "")
			results[i] = PublishResult{Ack: ack, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// DeadLetterPublish parks a payload on the dead-letter subject annotated
// with its origin and reason. A marshal failure returns a Fatal; any error
// from the underlying publish (transport fault, missing dead-letter stream)
// is returned to the caller as is.
func (g *Gateway) DeadLetterPublish(ctx context.Context, originalSubject string, payload []byte, reason string, originalTS time.Time) error {
	env := map[string]any{
		"subject":           originalSubject,
		"payload":           string(payload),
		"reason":            reason,
		"originalTimestamp": originalTS.Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return models.E(models.KindFatal, "stream.deadletter", err)
	}
	if _, err := g.Publish(ctx, g.cfg.DeadLetterSubject, data, ""); err != nil {
		return err
	}
	g.mDeadLetter.Inc(1)
	if g.bus != nil {
		_ = g.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryStream, Type: "dead_letter", Severity: "warn",
			Labels: map[string]string{"subject": originalSubject}, Fields: map[string]any{"reason": reason},
		})
	}
	return nil
}

// DeadLetters lists up to limit parked messages, newest first.
func (g *Gateway) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	sc, ok := g.resolve(g.cfg.DeadLetterSubject)
	if !ok {
		return nil, models.E(models.KindValidation, "stream.deadletters", models.ErrStreamNotFound)
	}
	if limit <= 0 {
		limit = 100
	}
	msgs, err := g.rdb.XRevRangeN(ctx, g.streamKey(sc.Name), "+", "-", limit).Result()
	if err != nil {
		return nil, models.E(models.KindTransient, "stream.deadletters", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[fieldPayload].(string)
		var env struct {
			Subject           string `json:"subject"`
			Payload           string `json:"payload"`
			Reason            string `json:"reason"`
			OriginalTimestamp string `json:"originalTimestamp"`
		}
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, env.OriginalTimestamp)
		out = append(out, DeadLetter{ID: m.ID, Subject: env.Subject, Payload: []byte(env.Payload), Reason: env.Reason, OriginalTimestamp: ts})
	}
	return out, nil
}

// ReprocessDeadLetter republishes a parked message to its original subject
// and removes it from the dead-letter stream. The replay is published
// without a message id, so the dedup window cannot suppress it.
func (g *Gateway) ReprocessDeadLetter(ctx context.Context, id string) error {
	letters, err := g.DeadLetters(ctx, 1000)
	if err != nil {
		return err
	}
	for _, dl := range letters {
		if dl.ID != id {
			continue
		}
		if _, err := g.Publish(ctx, dl.Subject, dl.Payload, ""); err != nil {
			return err
		}
		sc, _ := g.resolve(g.cfg.DeadLetterSubject)
		if err := g.rdb.XDel(ctx, g.streamKey(sc.Name), id).Err(); err != nil {
			return models.E(models.KindTransient, "stream.reprocess", err)
		}
		return nil
	}
	return models.E(models.KindValidation, "stream.reprocess", fmt.Errorf("dead letter %s not found", id))
}

// Info reports stream depth and bounds.
func (g *Gateway) Info(ctx context.Context, name string) (StreamInfo, error) {
	g.mu.RLock()
	sc, ok := g.streams[name]
	g.mu.RUnlock()
	if !ok {
		return StreamInfo{}, models.E(models.KindValidation, "stream.info", fmt.Errorf("%w: %s", models.ErrStreamNotFound, name))
	}
	n, err := g.rdb.XLen(ctx, g.streamKey(name)).Result()
	if err != nil {
		return StreamInfo{}, models.E(models.KindTransient, "stream.info", err)
	}
	info := StreamInfo{Config: sc, Messages: n}
	if first, err := g.rdb.XRangeN(ctx, g.streamKey(name), "-", "+", 1).Result(); err == nil && len(first) > 0 {
		info.FirstID = first[0].ID
	}
	if last, err := g.rdb.XRevRangeN(ctx, g.streamKey(name), "+", "-", 1).Result(); err == nil && len(last) > 0 {
		info.LastID = last[0].ID
	}
	return info, nil
}

// HealthCheck publishes a synthetic message on the health subject and
// asserts it is readable again before the context deadline.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	ack, err := g.Publish(ctx, g.cfg.HealthSubject, []byte(`{"ping":true}`), "")
	if err != nil {
		return err
	}
	sc, _ := g.resolve(g.cfg.HealthSubject)
	msgs, err := g.rdb.XRange(ctx, g.streamKey(sc.Name), ack.ID, ack.ID).Result()
	if err != nil {
		return models.E(models.KindTransient, "stream.health", err)
	}
	if len(msgs) != 1 {
		return models.E(models.KindTransient, "stream.health", errors.New("health message not readable after publish"))
	}
	return nil
}

// janitorLoop enforces age and byte retention. Message-count retention is
// applied inline on XADD; age uses MINID trims; bytes are approximated by
// deriving an entry cap from a sampled average entry size.
func (g *Gateway) janitorLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.runJanitor(context.Background())
		}
	}
}

func (g *Gateway) runJanitor(ctx context.Context) {
	for _, sc := range g.Streams() {
		key := g.streamKey(sc.Name)
		if sc.MaxAge > 0 {
			minID := strconv.FormatInt(g.clock.Now().Add(-sc.MaxAge).UnixMilli(), 10)
			if err := g.rdb.XTrimMinIDApprox(ctx, key, minID, 0).Err(); err != nil {
				g.mErrors.Inc(1, "janitor")
			}
		}
		if sc.MaxBytes > 0 {
			if maxEntries := g.byteCap(ctx, key, sc.MaxBytes); maxEntries > 0 {
				if err := g.rdb.XTrimMaxLenApprox(ctx, key, maxEntries, 0).Err(); err != nil {
					g.mErrors.Inc(1, "janitor")
				}
			}
		}
	}
}

func (g *Gateway) byteCap(ctx context.Context, key string, maxBytes int64) int64 {
	sample, err := g.rdb.XRevRangeN(ctx, key, "+", "-", 16).Result()
	if err != nil || len(sample) == 0 {
		return 0
	}
	var total int64
	for _, m := range sample {
		if s, ok := m.Values[fieldPayload].(string); ok {
			total += int64(len(s)) + 64 // field overhead estimate
		}
	}
	avg := total / int64(len(sample))
	if avg <= 0 {
		return 0
	}
	return maxBytes / avg
}

const (
	fieldSubject = "subject"
	fieldPayload = "payload"
	fieldMsgID   = "msg_id"
	fieldTS      = "ts"
)

// seqFromID folds a redis stream entry id (ms-seq) into one ordered uint64.
func seqFromID(id string) uint64 {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	m, _ := strconv.ParseUint(ms, 10, 64)
	s, _ := strconv.ParseUint(seq, 10, 64)
	return m<<16 | (s & 0xffff)
}
