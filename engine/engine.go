package engine

// Engine composes the seven control-plane components behind one facade:
// stream gateway, backpressure controller, strategy analyzer, streaming
// ETL, fair-share scheduler, multi-window rate limiter and SLO evaluator,
// plus the ambient telemetry (metrics provider, event bus, tracer, health
// evaluator). There is no hidden process-wide state: everything is wired
// here and handed to the HTTP adapters explicitly.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"cadence/engine/backpressure"
	"cadence/engine/etl"
	"cadence/engine/models"
	"cadence/engine/ratelimit"
	"cadence/engine/scheduler"
	"cadence/engine/slo"
	"cadence/engine/stream"
	"cadence/engine/strategy"
	"cadence/engine/telemetry/events"
	telemetryhealth "cadence/engine/telemetry/health"
	"cadence/engine/telemetry/logging"
	"cadence/engine/telemetry/metrics"
	telemetrypolicy "cadence/engine/telemetry/policy"
	"cadence/engine/telemetry/tracing"
	"cadence/storage"
)

// Dependencies are the external collaborators the engine is wired with.
type Dependencies struct {
	Redis redis.UniversalClient
	// Store is optional; without it config persistence, measurement
	// series and the default metric sink are disabled.
	Store *storage.Store
	// Sink overrides the storage-backed metric sink (tests, alternate
	// warehouses).
	Sink etl.Sink
	// Broadcaster receives metric_update pushes and data-quality alerts.
	Broadcaster etl.Broadcaster
	Logger      *slog.Logger
}

// TelemetryEvent is the reduced event representation handed to external
// observers.
type TelemetryEvent struct {
	Time     time.Time         `json:"time"`
	Category string            `json:"category"`
	Type     string            `json:"type"`
	Severity string            `json:"severity,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications.
type EventObserver func(ev TelemetryEvent)

// Re-exported policy types: stable facade surface, internal implementation.
type TelemetryPolicy = telemetrypolicy.TelemetryPolicy

// Snapshot is a unified view of engine state.
type Snapshot struct {
	StartedAt    time.Time                  `json:"started_at"`
	Uptime       time.Duration              `json:"uptime"`
	Backpressure backpressure.Snapshot      `json:"backpressure"`
	ETL          etl.Stats                  `json:"etl"`
	ETLHealth    etl.HealthState            `json:"etl_health"`
	Strategy     *strategy.ActiveStrategy   `json:"strategy,omitempty"`
	SLO          map[string]slo.MeasurementStatus `json:"slo,omitempty"`
	Events       events.BusStats            `json:"events"`
}

type Engine struct {
	cfg Config
	log logging.Logger

	rdb       redis.UniversalClient
	gateway   *stream.Gateway
	controller *backpressure.Controller
	analyzer  *strategy.Analyzer
	pipeline  *etl.Pipeline
	scheduler *scheduler.Scheduler
	limiter   *ratelimit.Limiter
	registry  *ratelimit.Registry
	sloEval   *slo.Evaluator
	store     *storage.Store

	provider   metrics.Provider
	bus        events.Bus
	tracer     tracing.Tracer
	healthEval *telemetryhealth.Evaluator
	policy     atomic.Pointer[telemetrypolicy.TelemetryPolicy]

	observersMu sync.RWMutex
	observers   []EventObserver

	started   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
	stopOnce  sync.Once
	stopErr   error
	wg        sync.WaitGroup
}

// New wires an Engine. Nothing runs until Start.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	cfg.withDefaults()
	if deps.Redis == nil {
		return nil, errors.New("engine: redis client required")
	}
	e := &Engine{cfg: cfg, rdb: deps.Redis, store: deps.Store, startedAt: time.Now()}
	e.log = logging.New(deps.Logger)
	e.provider = selectMetricsProvider(cfg)
	e.bus = events.NewBus(e.provider)
	initialPolicy := telemetrypolicy.Default()
	e.policy.Store(&initialPolicy)
	e.tracer = tracing.NewAdaptiveTracer(func() float64 { return e.Policy().Tracing.SamplePercent })

	e.gateway = stream.NewGateway(deps.Redis, cfg.Gateway, stream.Options{
		Logger: e.log, Metrics: e.provider, Bus: e.bus,
	})
	e.controller = backpressure.NewController(cfg.Backpressure, e.gateway, backpressure.Options{
		Logger: e.log, Metrics: e.provider, Bus: e.bus,
	})
	e.analyzer = strategy.NewAnalyzer(strategy.Options{Logger: e.log, Bus: e.bus})
	e.registry = ratelimit.NewRegistry()
	e.limiter = ratelimit.NewLimiter(deps.Redis, e.registry, ratelimit.Options{
		KeyPrefix: cfg.Gateway.KeyPrefix, Logger: e.log, Metrics: e.provider, Bus: e.bus,
	})
	var sloStore slo.Store
	if deps.Store != nil {
		sloStore = deps.Store
	}
	e.sloEval = slo.NewEvaluator(slo.Options{
		Logger: e.log, Metrics: e.provider, Bus: e.bus, Store: sloStore,
	})
	e.scheduler = scheduler.NewScheduler(cfg.Scheduler, e.limiter, e.controller, scheduler.Options{
		Logger: e.log, Metrics: e.provider, Bus: e.bus,
	})

	sink := deps.Sink
	if sink == nil && deps.Store != nil {
		sink = storage.NewMetricSink(deps.Store, storage.MetricSinkOptions{})
	}
	if sink == nil {
		sink = discardSink{}
	}
	e.pipeline = etl.NewPipeline(cfg.ETL, e.gateway, sink, etl.Options{
		Logger: e.log, Metrics: e.provider, Bus: e.bus,
		Broadcaster: deps.Broadcaster, SLO: e.sloEval, DeadLetter: e.gateway,
	})

	e.healthEval = telemetryhealth.NewEvaluator(initialPolicy.Health.ProbeTTL, e.healthProbes()...)
	return e, nil
}

func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "cadence"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

type discardSink struct{}

func (discardSink) WriteBatch(context.Context, []models.MetricEvent) error { return nil }

// Start declares streams, seeds persisted configuration, and launches the
// long-lived loops. Safe to call once.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	e.startedAt = time.Now()
	for _, sc := range e.cfg.Streams {
		if err := e.gateway.CreateStream(ctx, sc); err != nil {
			return err
		}
	}
	if err := e.seedFromStore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.controller.Run(runCtx)
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.pipeline.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.ErrorCtx(runCtx, "etl pipeline exited", "error", err)
		}
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sloEval.RunBreachLoop(runCtx, e.cfg.BreachInterval)
	}()
	e.wg.Add(1)
	go e.monitorLoop(runCtx)
	e.wg.Add(1)
	go e.trendLoop(runCtx)
	e.wg.Add(1)
	go e.observerBridge(runCtx)
	if e.store != nil {
		e.wg.Add(1)
		go e.pruneLoop(runCtx)
	}
	return nil
}

func (e *Engine) seedFromStore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	configs, err := e.store.ListRateLimitConfigs(ctx)
	if err != nil {
		return err
	}
	for _, c := range configs {
		e.registry.Upsert(c)
	}
	records, err := e.store.ListTokenRecords(ctx, "")
	if err != nil {
		return err
	}
	for _, r := range records {
		e.scheduler.RestoreRecord(r)
	}
	slos, err := e.store.ListSLOConfigs(ctx)
	if err != nil {
		return err
	}
	for _, c := range slos {
		if err := e.sloEval.Configure(c); err != nil {
			e.log.WarnCtx(ctx, "skipping invalid slo config", "name", c.Name, "error", err)
		}
	}
	return nil
}

// monitorLoop couples the control loops: reevaluate the backpressure
// ladder, then hand the fresh snapshot and SLO violations to the analyzer.
func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.controller.Reevaluate(ctx)
			e.analyzer.Evaluate(ctx, strategy.Input{
				Backpressure: e.controller.Metrics(),
				Violations:   e.sloEval.Violations(),
			})
		}
	}
}

func (e *Engine) trendLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TrendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.analyzer.ObserveSample(e.controller.Metrics())
		}
	}
}

func (e *Engine) pruneLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.MeasurementTTL)
			if n, err := e.store.PruneMeasurements(ctx, cutoff); err != nil {
				e.log.WarnCtx(ctx, "measurement pruning failed", "error", err)
			} else if n > 0 {
				e.log.InfoCtx(ctx, "pruned slo measurements", "rows", n)
			}
		}
	}
}

// observerBridge fans internal bus events out to registered observers.
func (e *Engine) observerBridge(ctx context.Context) {
	defer e.wg.Done()
	sub, err := e.bus.Subscribe(e.Policy().Events.MaxSubscriberBuffer)
	if err != nil {
		return
	}
	defer func() { _ = sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev events.Event) {
	e.observersMu.RLock()
	observers := append([]EventObserver(nil), e.observers...)
	e.observersMu.RUnlock()
	if len(observers) == 0 {
		return
	}
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers {
		func() {
			defer func() { _ = recover() }()
			o(pub)
		}()
	}
}

// RegisterEventObserver adds a synchronous observer for internal telemetry
// events. Observers must be fast.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if obs == nil {
		return
	}
	e.observersMu.Lock()
	e.observers = append(e.observers, obs)
	e.observersMu.Unlock()
}

// Stop performs the two-phase drain: stop intake, drain queues until the
// ctx deadline, then cancel outstanding workers. Idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.pipeline.Stop()
		e.stopErr = e.controller.Shutdown(ctx)
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		_ = e.gateway.Close()
	})
	return e.stopErr
}

// Policy returns the current telemetry policy snapshot; never nil.
func (e *Engine) Policy() TelemetryPolicy {
	if p := e.policy.Load(); p != nil {
		return *p
	}
	return telemetrypolicy.Default()
}

// UpdateTelemetryPolicy atomically swaps the active policy; nil resets to
// defaults. Probe TTL changes rebuild the health evaluator.
func (e *Engine) UpdateTelemetryPolicy(p *TelemetryPolicy) {
	var snap telemetrypolicy.TelemetryPolicy
	if p == nil {
		snap = telemetrypolicy.Default()
	} else {
		snap = p.Normalize()
	}
	old := e.Policy()
	e.policy.Store(&snap)
	if old.Health.ProbeTTL != snap.Health.ProbeTTL {
		e.healthEval = telemetryhealth.NewEvaluator(snap.Health.ProbeTTL, e.healthProbes()...)
	}
}

func (e *Engine) healthProbes() []telemetryhealth.Probe {
	streamProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := e.gateway.HealthCheck(cctx); err != nil {
			return telemetryhealth.Unhealthy("stream", err.Error())
		}
		return telemetryhealth.Healthy("stream")
	})
	bpProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		switch lvl := e.controller.Level(); {
		case lvl >= models.LevelHigh:
			return telemetryhealth.Unhealthy("backpressure", "level "+lvl.String())
		case lvl >= models.LevelMedium:
			return telemetryhealth.Degraded("backpressure", "level "+lvl.String())
		default:
			return telemetryhealth.Healthy("backpressure")
		}
	})
	etlProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		switch h := e.pipeline.Health(); h.Status {
		case "unhealthy":
			return telemetryhealth.Unhealthy("etl", "backlog/latency/error thresholds exceeded")
		case "degraded":
			return telemetryhealth.Degraded("etl", "one health condition tripped")
		default:
			return telemetryhealth.Healthy("etl")
		}
	})
	storeProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := e.rdb.Ping(cctx).Err(); err != nil {
			return telemetryhealth.Degraded("ratelimit_store", "redis unreachable (limiter fails open)")
		}
		return telemetryhealth.Healthy("ratelimit_store")
	})
	return []telemetryhealth.Probe{streamProbe, bpProbe, etlProbe, storeProbe}
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) telemetryhealth.Snapshot {
	return e.healthEval.Evaluate(ctx)
}

// Snapshot returns a unified state view.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt:    e.startedAt,
		Uptime:       time.Since(e.startedAt),
		Backpressure: e.controller.Metrics(),
		ETL:          e.pipeline.Stats(),
		ETLHealth:    e.pipeline.Health(),
		SLO:          e.sloEval.Status(""),
		Events:       e.bus.Stats(),
	}
	if s, ok := e.analyzer.Current(); ok {
		snap.Strategy = &s
	}
	return snap
}

// MetricsHandler exposes the Prometheus registry when that backend is
// active; nil otherwise.
func (e *Engine) MetricsHandler() http.Handler {
	if hp, ok := e.provider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Component accessors for the HTTP adapters. The adapters receive the
// engine and read through these; they never construct components.
func (e *Engine) Gateway() *stream.Gateway            { return e.gateway }
func (e *Engine) Controller() *backpressure.Controller { return e.controller }
func (e *Engine) Analyzer() *strategy.Analyzer        { return e.analyzer }
func (e *Engine) ETL() *etl.Pipeline                  { return e.pipeline }
func (e *Engine) Scheduler() *scheduler.Scheduler     { return e.scheduler }
func (e *Engine) Limiter() *ratelimit.Limiter         { return e.limiter }
func (e *Engine) LimitRegistry() *ratelimit.Registry  { return e.registry }
func (e *Engine) SLO() *slo.Evaluator                 { return e.sloEval }
func (e *Engine) Bus() events.Bus                     { return e.bus }
