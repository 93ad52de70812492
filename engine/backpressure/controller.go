package backpressure

// Backpressure controller: keeps the ingest side inside a stable operating
// region by watching four normalized resource ratios and adjusting four
// mitigation levers (sampling, priority queueing, adaptive batching,
// per-subject circuit breakers). Decisions are driven by the highest ratio
// R = max(memory, queue, rate, cpu).

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"cadence/engine/internal/breaker"
	"cadence/engine/internal/delayqueue"
	"cadence/engine/models"
	"cadence/engine/stream"
	"cadence/engine/telemetry/events"
	"cadence/engine/telemetry/logging"
	"cadence/engine/telemetry/metrics"
)

// Transport is the stream gateway surface the controller publishes through.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) (stream.PubAck, error)
	DeadLetterPublish(ctx context.Context, subject string, payload []byte, reason string, originalTS time.Time) error
}

type Resource string

const (
	ResourceMemory Resource = "memory"
	ResourceQueue  Resource = "queue"
	ResourceRate   Resource = "rate"
	ResourceCPU    Resource = "cpu"
)

// DropReason labels a rejected message.
type DropReason string

const (
	DropCircuitBreaker DropReason = "circuit_breaker"
	DropSampling       DropReason = "sampling"
	DropPriority       DropReason = "priority"
	DropQueueFull      DropReason = "queue_full"
	DropShutdown       DropReason = "shutdown"
)

// Thresholds are the per-resource maxima the ratios normalize against.
type Thresholds struct {
	MaxMemoryMB    float64 `yaml:"max_memory_mb" json:"maxMemoryMB"`
	MaxQueueSize   int     `yaml:"max_queue_size" json:"maxQueueSize"`
	MaxPublishRate float64 `yaml:"max_publish_rate" json:"maxPublishRate"`
	MaxCPUPercent  float64 `yaml:"max_cpu_percent" json:"maxCPUPercent"`
}

type Config struct {
	Thresholds Thresholds

	// Breaker tuning for per-subject circuits.
	FailureThreshold int
	RecoveryDelay    time.Duration
	MaxBackoff       time.Duration

	MonitorInterval time.Duration // resource sampling cadence; 1s
	DrainInterval   time.Duration // queue flush cadence; 100ms

	// Samplers are injectable for determinism; nil selects built-ins
	// (heap usage for memory, zero for cpu unless supplied).
	MemoryMB   func() float64
	CPUPercent func() float64
}

func (c *Config) withDefaults() {
	if c.Thresholds.MaxMemoryMB <= 0 {
		c.Thresholds.MaxMemoryMB = 1024
	}
	if c.Thresholds.MaxQueueSize <= 0 {
		c.Thresholds.MaxQueueSize = 10000
	}
	if c.Thresholds.MaxPublishRate <= 0 {
		c.Thresholds.MaxPublishRate = 5000
	}
	if c.Thresholds.MaxCPUPercent <= 0 {
		c.Thresholds.MaxCPUPercent = 80
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.MemoryMB == nil {
		c.MemoryMB = heapMB
	}
	if c.CPUPercent == nil {
		c.CPUPercent = func() float64 { return 0 }
	}
}

func heapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}

// levelFor maps the dominant ratio onto the degradation ladder.
func levelFor(r float64) models.DegradationLevel {
	switch {
	case r < 0.7:
		return models.LevelNone
	case r < 1.0:
		return models.LevelLow
	case r < 1.5:
		return models.LevelMedium
	case r < 2.0:
		return models.LevelHigh
	default:
		return models.LevelCritical
	}
}

// leversFor returns (sampling rate, batch size) for a level.
func leversFor(l models.DegradationLevel) (float64, int) {
	switch l {
	case models.LevelLow:
		return 0.9, 5
	case models.LevelMedium:
		return 0.7, 10
	case models.LevelHigh:
		return 0.5, 20
	case models.LevelCritical:
		return 0.2, 50
	default:
		return 1.0, 1
	}
}

// Snapshot is the controller's authoritative state view.
type Snapshot struct {
	Level        models.DegradationLevel `json:"level"`
	Ratios       map[Resource]float64    `json:"ratios"`
	SamplingRate float64                 `json:"samplingRate"`
	BatchSize    int                     `json:"batchSize"`
	QueueLen       int                   `json:"queueLen"`
	MaxQueueSize   int                   `json:"maxQueueSize"`
	MaxPublishRate float64               `json:"maxPublishRate"`
	OpenCircuits []string                `json:"openCircuits,omitempty"`
	Accepted     uint64                  `json:"accepted"`
	Published    uint64                  `json:"published"`
	Dropped      map[DropReason]uint64   `json:"dropped"`
	ShuttingDown bool                    `json:"shuttingDown"`
}

type Options struct {
	Logger  logging.Logger
	Metrics metrics.Provider
	Bus     events.Bus
	Rand    *rand.Rand
}

type Controller struct {
	cfg       Config
	transport Transport
	log       logging.Logger
	bus       events.Bus

	queue    *priorityQueue
	queueCap int

	breakersMu sync.Mutex
	breakers   map[string]*breaker.Breaker

	retries *delayqueue.Queue

	// lever state, swapped by the monitor tick only
	level    atomic.Int64
	sampling atomic.Uint64 // float64 bits
	batch    atomic.Int64

	ratiosMu sync.RWMutex
	ratios   map[Resource]float64

	pubCount atomic.Uint64 // publishes since last monitor tick, drives rate ratio
	accepted atomic.Uint64
	published atomic.Uint64
	dropsMu  sync.Mutex
	drops    map[DropReason]uint64

	randMu sync.Mutex
	rand   *rand.Rand

	shuttingDown atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	mDropped metrics.Counter
	mLevel   metrics.Gauge
	mQueue   metrics.Gauge
	mPub     metrics.Counter
}

func NewController(cfg Config, transport Transport, opts Options) *Controller {
	cfg.withDefaults()
	c := &Controller{
		cfg:       cfg,
		transport: transport,
		log:       opts.Logger,
		bus:       opts.Bus,
		queue:     &priorityQueue{},
		queueCap:  int(float64(cfg.Thresholds.MaxQueueSize) * 1.2),
		breakers:  make(map[string]*breaker.Breaker),
		retries:   delayqueue.New(),
		ratios:    make(map[Resource]float64),
		drops:     make(map[DropReason]uint64),
		rand:      opts.Rand,
		stopCh:    make(chan struct{}),
	}
	if c.log == nil {
		c.log = logging.Nop()
	}
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	c.sampling.Store(floatBits(1.0))
	c.batch.Store(1)
	p := opts.Metrics
	if p == nil {
		p = metrics.NewNoopProvider()
	}
	c.mDropped = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "backpressure", Name: "dropped_total", Help: "Messages dropped with reason", Labels: []string{"reason"}}})
	c.mLevel = p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "backpressure", Name: "degradation_level", Help: "Current degradation level (0=none..4=critical)"}})
	c.mQueue = p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "backpressure", Name: "queue_depth", Help: "Priority queue depth"}})
	c.mPub = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "backpressure", Name: "published_total", Help: "Messages forwarded to the stream gateway"}})
	return c
}

// Run starts the monitor and drain tickers; returns when ctx is done.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(2)
	go c.monitorLoop(ctx)
	go c.drainLoop(ctx)
	c.wg.Wait()
}

// Publish admits a message under the current degradation regime.
func (c *Controller) Publish(ctx context.Context, subject string, payload []byte, msgID string, pri models.Priority) error {
	if c.shuttingDown.Load() {
		c.countDrop(ctx, DropShutdown, subject)
		return models.E(models.KindCapacity, "backpressure.publish", models.ErrShuttingDown)
	}
	level := c.Level()
	if level == models.LevelNone {
		// Fast path: all ratios comfortably inside the region.
		return c.forward(ctx, subject, payload, msgID)
	}
	if br := c.breakerFor(subject); br.State() == models.CircuitOpen {
		c.countDrop(ctx, DropCircuitBreaker, subject)
		return models.E(models.KindPolicy, "backpressure.publish", models.ErrCircuitOpen)
	}
	// Critical traffic is exempt from sampling; the lever thins bulk
	// telemetry, not urgent signals.
	if pri != models.PriorityCritical && c.randFloat() >= c.SamplingRate() {
		c.countDrop(ctx, DropSampling, subject)
		return models.E(models.KindPolicy, "backpressure.publish", models.ErrSampledOut)
	}
	if level == models.LevelCritical && pri == models.PriorityLow {
		c.countDrop(ctx, DropPriority, subject)
		return models.E(models.KindPolicy, "backpressure.publish", models.ErrPriorityDrop)
	}
	if level == models.LevelHigh && pri == models.PriorityLow && c.randFloat() < 0.7 {
		c.countDrop(ctx, DropPriority, subject)
		return models.E(models.KindPolicy, "backpressure.publish", models.ErrPriorityDrop)
	}
	m := &queuedMessage{subject: subject, payload: payload, msgID: msgID, priority: pri, enqueuedAt: time.Now()}
	if !c.queue.push(m, c.queueCap) {
		c.countDrop(ctx, DropQueueFull, subject)
		return models.E(models.KindCapacity, "backpressure.publish", models.ErrQueueFull)
	}
	c.accepted.Add(1)
	c.mQueue.Set(float64(c.queue.len()))
	return nil
}

// forward sends directly through the gateway, feeding the subject breaker.
func (c *Controller) forward(ctx context.Context, subject string, payload []byte, msgID string) error {
	c.pubCount.Add(1)
	_, err := c.transport.Publish(ctx, subject, payload, msgID)
	br := c.breakerFor(subject)
	if err != nil {
		if models.KindOf(err) == models.KindPolicy {
			// Duplicate suppression is success for breaker purposes.
			br.RecordSuccess()
			return err
		}
		br.RecordFailure()
		return err
	}
	br.RecordSuccess()
	c.published.Add(1)
	c.mPub.Inc(1)
	return nil
}

func (c *Controller) breakerFor(subject string) *breaker.Breaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	br, ok := c.breakers[subject]
	if !ok {
		subj := subject
		br = breaker.New(breaker.Options{
			Mode:             breaker.ModeSubject,
			FailureThreshold: c.cfg.FailureThreshold,
			Cooldown:         c.cfg.RecoveryDelay,
			MaxBackoff:       c.cfg.MaxBackoff,
			OnTransition: func(from, to models.CircuitState) {
				if c.bus != nil {
					_ = c.bus.Publish(events.Event{
						Category: events.CategoryBackpressure, Type: "circuit_" + to.String(), Severity: "warn",
						Labels: map[string]string{"subject": subj},
						Fields: map[string]any{"from": from.String(), "to": to.String()},
					})
				}
			},
		})
		c.breakers[subject] = br
	}
	return br
}

func (c *Controller) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Reevaluate(ctx)
		}
	}
}

// Reevaluate samples resources, recomputes the degradation level and
// applies lever tunings. Exposed so tests and the engine monitor can drive
// it deterministically.
func (c *Controller) Reevaluate(ctx context.Context) models.DegradationLevel {
	t := c.cfg.Thresholds
	rate := float64(c.pubCount.Swap(0)) / c.cfg.MonitorInterval.Seconds()
	ratios := map[Resource]float64{
		ResourceMemory: c.cfg.MemoryMB() / t.MaxMemoryMB,
		ResourceQueue:  float64(c.queue.len()) / float64(t.MaxQueueSize),
		ResourceRate:   rate / t.MaxPublishRate,
		ResourceCPU:    c.cfg.CPUPercent() / t.MaxCPUPercent,
	}
	r := 0.0
	for _, v := range ratios {
		if v > r {
			r = v
		}
	}
	c.ratiosMu.Lock()
	c.ratios = ratios
	c.ratiosMu.Unlock()

	newLevel := levelFor(r)
	oldLevel := c.Level()
	if newLevel != oldLevel {
		s, b := leversFor(newLevel)
		c.sampling.Store(floatBits(s))
		c.batch.Store(int64(b))
		c.level.Store(int64(newLevel))
		c.mLevel.Set(float64(newLevel))
		c.log.InfoCtx(ctx, "degradation level changed",
			"from", oldLevel.String(), "to", newLevel.String(), "r", r)
		if c.bus != nil {
			_ = c.bus.PublishCtx(ctx, events.Event{
				Category: events.CategoryBackpressure, Type: "degradation_level_changed", Severity: severityFor(newLevel),
				Fields: map[string]any{"old": oldLevel.String(), "new": newLevel.String(), "r": r},
			})
		}
	}
	c.mQueue.Set(float64(c.queue.len()))
	return newLevel
}

func severityFor(l models.DegradationLevel) string {
	switch {
	case l >= models.LevelHigh:
		return "error"
	case l >= models.LevelMedium:
		return "warn"
	default:
		return "info"
	}
}

func (c *Controller) drainLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Drain(ctx)
		}
	}
}

// Drain flushes up to one batch from the priority queue, grouping entries
// by subject. Within a priority class and subject, gateway order equals
// enqueue order.
func (c *Controller) Drain(ctx context.Context) int {
	batch := c.queue.popBatch(c.BatchSize())
	if len(batch) == 0 {
		return 0
	}
	// Group by subject, preserving the popped (priority) order per group.
	order := make([]string, 0, 4)
	groups := make(map[string][]*queuedMessage, 4)
	for _, m := range batch {
		if _, ok := groups[m.subject]; !ok {
			order = append(order, m.subject)
		}
		groups[m.subject] = append(groups[m.subject], m)
	}
	sent := 0
	for _, subject := range order {
		for _, m := range groups[subject] {
			if err := c.forward(ctx, m.subject, m.payload, m.msgID); err != nil && models.KindOf(err) != models.KindPolicy {
				c.scheduleRetry(m)
				continue
			}
			sent++
		}
	}
	c.mQueue.Set(float64(c.queue.len()))
	return sent
}

// scheduleRetry requeues a failed publish with exponential delay; the
// fourth failure routes the message to the dead-letter subject.
func (c *Controller) scheduleRetry(m *queuedMessage) {
	m.retryCount++
	if m.retryCount > 3 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.transport.DeadLetterPublish(ctx, m.subject, m.payload, "publish_retries_exhausted", m.enqueuedAt); err != nil {
			c.log.ErrorCtx(ctx, "dead-letter publish failed, dropping message", "subject", m.subject, "error", err)
			c.countDrop(ctx, DropQueueFull, m.subject)
		}
		return
	}
	delay := time.Duration(1<<uint(m.retryCount)) * time.Second
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	c.retries.After(delay, func() {
		if c.shuttingDown.Load() {
			return
		}
		c.queue.push(m, 0) // retries bypass the soft cap
	})
}

func (c *Controller) countDrop(ctx context.Context, reason DropReason, subject string) {
	c.dropsMu.Lock()
	c.drops[reason]++
	c.dropsMu.Unlock()
	c.mDropped.Inc(1, string(reason))
	if c.bus != nil {
		_ = c.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryBackpressure, Type: "message_dropped", Severity: "info",
			Labels: map[string]string{"reason": string(reason), "subject": subject},
		})
	}
}

// Level returns the current degradation level.
func (c *Controller) Level() models.DegradationLevel {
	return models.DegradationLevel(c.level.Load())
}

func (c *Controller) SamplingRate() float64 { return floatFrom(c.sampling.Load()) }
func (c *Controller) BatchSize() int        { return int(c.batch.Load()) }

// Metrics returns the authoritative state snapshot.
func (c *Controller) Metrics() Snapshot {
	c.ratiosMu.RLock()
	ratios := make(map[Resource]float64, len(c.ratios))
	for k, v := range c.ratios {
		ratios[k] = v
	}
	c.ratiosMu.RUnlock()
	c.dropsMu.Lock()
	drops := make(map[DropReason]uint64, len(c.drops))
	for k, v := range c.drops {
		drops[k] = v
	}
	c.dropsMu.Unlock()
	var open []string
	c.breakersMu.Lock()
	for subject, br := range c.breakers {
		if br.State() == models.CircuitOpen {
			open = append(open, subject)
		}
	}
	c.breakersMu.Unlock()
	return Snapshot{
		Level:        c.Level(),
		Ratios:       ratios,
		SamplingRate: c.SamplingRate(),
		BatchSize:    c.BatchSize(),
		QueueLen:       c.queue.len(),
		MaxQueueSize:   c.cfg.Thresholds.MaxQueueSize,
		MaxPublishRate: c.cfg.Thresholds.MaxPublishRate,
		OpenCircuits: open,
		Accepted:     c.accepted.Load(),
		Published:    c.published.Load(),
		Dropped:      drops,
		ShuttingDown: c.shuttingDown.Load(),
	}
}

// BreakerSnapshot exposes one subject's circuit for introspection.
func (c *Controller) BreakerSnapshot(subject string) breaker.Snapshot {
	return c.breakerFor(subject).Snapshot()
}

// Shutdown stops intake and drains the queue until empty or the deadline
// passes. Repeated calls are no-ops after the first.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.shuttingDown.Store(true)
		for c.queue.len() > 0 {
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
			if c.Drain(ctx) == 0 {
				// Nothing movable (all retries pending); avoid spinning.
				select {
				case <-ctx.Done():
					err = ctx.Err()
				case <-time.After(c.cfg.DrainInterval):
				}
			}
		}
		close(c.stopCh)
		c.retries.Stop()
	})
	return err
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func floatFrom(b uint64) float64 { return math.Float64frombits(b) }

func (c *Controller) randFloat() float64 {
	c.randMu.Lock()
	f := c.rand.Float64()
	c.randMu.Unlock()
	return f
}
