package slo

// SLO evaluator: per-metric success/total observations roll into windowed
// measurements carrying achievement percentage, remaining error budget and
// breach severity. The breach scanner fires debounced alerts onto the
// telemetry bus. The strategy analyzer reads Violations() directly; the
// backpressure controller and the scheduler do not consume breaches.

import (
	"context"
	"math"
	"sync"
	"time"

	"cadence/engine/models"
	"cadence/engine/telemetry/events"
	"cadence/engine/telemetry/logging"
	"cadence/engine/telemetry/metrics"
)

type Severity string

const (
	SeverityNone     Severity = ""
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Measurement is one evaluated observation window.
type Measurement struct {
	Metric               string    `json:"metric"`
	Service              string    `json:"service"`
	SuccessCount         int64     `json:"successCount"`
	TotalCount           int64     `json:"totalCount"`
	WindowSeconds        int       `json:"windowSeconds"`
	MeasuredAt           time.Time `json:"measuredAt"`
	ActualPercent        float64   `json:"actualPercent"`
	ErrorBudgetRemaining float64   `json:"errorBudgetRemaining"`
	Breach               bool      `json:"breach"`
	Severity             Severity  `json:"severity,omitempty"`
	AlertFired           bool      `json:"alertFired"`
}

// Alert is one debounced breach notification.
type Alert struct {
	Metric   string    `json:"metric"`
	Service  string    `json:"service"`
	Severity Severity  `json:"severity"`
	Actual   float64   `json:"actual"`
	Target   float64   `json:"target"`
	FiredAt  time.Time `json:"firedAt"`
}

// Store is the optional persistence collaborator for the measurement
// series (append-only, TTL-pruned by the owner).
type Store interface {
	InsertMeasurement(ctx context.Context, m Measurement) error
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Options struct {
	Logger  logging.Logger
	Metrics metrics.Provider
	Bus     events.Bus
	Clock   Clock
	Store   Store
	// History bounds the in-memory series per (metric, service).
	History int
	// Debounce intervals per severity; defaults 60s critical, 300s warning.
	CriticalDebounce time.Duration
	WarningDebounce  time.Duration
}

type seriesKey struct{ metric, service string }

type Evaluator struct {
	mu       sync.RWMutex
	configs  map[string]models.SLOConfig
	series   map[seriesKey][]Measurement
	lastFire map[string]time.Time

	log   logging.Logger
	bus   events.Bus
	clock Clock
	store Store
	opts  Options

	gAchievement metrics.Gauge
	gBudget      metrics.Gauge
	mBreaches    metrics.Counter
}

func NewEvaluator(opts Options) *Evaluator {
	if opts.History <= 0 {
		opts.History = 1000
	}
	if opts.CriticalDebounce <= 0 {
		opts.CriticalDebounce = time.Minute
	}
	if opts.WarningDebounce <= 0 {
		opts.WarningDebounce = 5 * time.Minute
	}
	e := &Evaluator{
		configs:  make(map[string]models.SLOConfig),
		series:   make(map[seriesKey][]Measurement),
		lastFire: make(map[string]time.Time),
		log:      opts.Logger,
		bus:      opts.Bus,
		clock:    opts.Clock,
		store:    opts.Store,
		opts:     opts,
	}
	if e.log == nil {
		e.log = logging.Nop()
	}
	if e.clock == nil {
		e.clock = realClock{}
	}
	p := opts.Metrics
	if p == nil {
		p = metrics.NewNoopProvider()
	}
	e.gAchievement = p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "slo", Name: "achievement_percent", Help: "Latest achievement percentage", Labels: []string{"metric", "service"}}})
	e.gBudget = p.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "slo", Name: "error_budget_remaining", Help: "Latest remaining error budget", Labels: []string{"metric", "service"}}})
	e.mBreaches = p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "slo", Name: "breaches_total", Help: "Breach alerts fired", Labels: []string{"metric", "service", "severity"}}})
	return e
}

// Configure registers or replaces an objective.
func (e *Evaluator) Configure(cfg models.SLOConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.configs[cfg.Name] = cfg
	e.mu.Unlock()
	return nil
}

// Record evaluates one observation window against its objective and
// appends it to the series. total == 0 counts as full achievement.
func (e *Evaluator) Record(ctx context.Context, metric, service string, success, total int64, windowSec int) Measurement {
	e.mu.Lock()
	cfg, haveCfg := e.configs[metric]
	e.mu.Unlock()

	actual := 100.0
	if total > 0 {
		actual = 100 * float64(success) / float64(total)
	}
	m := Measurement{
		Metric:        metric,
		Service:       service,
		SuccessCount:  success,
		TotalCount:    total,
		WindowSeconds: windowSec,
		MeasuredAt:    e.clock.Now(),
		ActualPercent: actual,
	}
	if haveCfg {
		m.ErrorBudgetRemaining = math.Max(0, actual-(100-cfg.TargetPercent))
		m.Breach = actual < cfg.TargetPercent
		switch {
		case actual < cfg.CriticalThreshold:
			m.Severity = SeverityCritical
		case actual < cfg.WarningThreshold:
			m.Severity = SeverityWarning
		}
	} else {
		m.ErrorBudgetRemaining = actual
	}

	key := seriesKey{metric, service}
	e.mu.Lock()
	s := append(e.series[key], m)
	if len(s) > e.opts.History {
		s = s[len(s)-e.opts.History:]
	}
	e.series[key] = s
	e.mu.Unlock()

	e.gAchievement.Set(actual, metric, service)
	e.gBudget.Set(m.ErrorBudgetRemaining, metric, service)

	if e.store != nil {
		if err := e.store.InsertMeasurement(ctx, m); err != nil {
			e.log.WarnCtx(ctx, "slo measurement persist failed", "metric", metric, "error", err)
		}
	}
	return m
}

// MeasurementStatus is the status view for one (metric, service).
type MeasurementStatus struct {
	Latest       Measurement `json:"latest"`
	Breaches24h  int         `json:"breaches24h"`
	Samples24h   int         `json:"samples24h"`
	WorstPercent float64     `json:"worstPercent24h"`
}

// Status reports the latest measurement per (metric, service), optionally
// filtered by service, plus 24 h aggregates.
func (e *Evaluator) Status(service string) map[string]MeasurementStatus {
	cutoff := e.clock.Now().Add(-24 * time.Hour)
	out := make(map[string]MeasurementStatus)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for key, s := range e.series {
		if service != "" && key.service != service {
			continue
		}
		if len(s) == 0 {
			continue
		}
		st := MeasurementStatus{Latest: s[len(s)-1], WorstPercent: 100}
		for _, m := range s {
			if m.MeasuredAt.Before(cutoff) {
				continue
			}
			st.Samples24h++
			if m.Breach {
				st.Breaches24h++
			}
			if m.ActualPercent < st.WorstPercent {
				st.WorstPercent = m.ActualPercent
			}
		}
		out[key.metric+"/"+key.service] = st
	}
	return out
}

// BurnRate reports the average error rate over the trailing window divided
// by the allowed error rate. >= 1 means the budget is being consumed
// faster than the objective permits.
func (e *Evaluator) BurnRate(metric, service string, hours int) float64 {
	e.mu.RLock()
	cfg, haveCfg := e.configs[metric]
	s := e.series[seriesKey{metric, service}]
	e.mu.RUnlock()
	if !haveCfg || hours <= 0 {
		return 0
	}
	allowed := (100 - cfg.TargetPercent) / 100
	if allowed <= 0 {
		return math.Inf(1)
	}
	cutoff := e.clock.Now().Add(-time.Duration(hours) * time.Hour)
	var success, total int64
	for _, m := range s {
		if m.MeasuredAt.Before(cutoff) {
			continue
		}
		success += m.SuccessCount
		total += m.TotalCount
	}
	if total == 0 {
		return 0
	}
	errRate := float64(total-success) / float64(total)
	return errRate / allowed
}

// CheckBreaches scans the latest measurement of every series and fires
// debounced alerts: 60 s for critical, 300 s for warning.
func (e *Evaluator) CheckBreaches(ctx context.Context) []Alert {
	now := e.clock.Now()
	var fired []Alert
	e.mu.Lock()
	for key, s := range e.series {
		if len(s) == 0 {
			continue
		}
		latest := &s[len(s)-1]
		if latest.Severity == SeverityNone {
			continue
		}
		alertKey := key.service + "|" + key.metric + "|" + string(latest.Severity)
		debounce := e.opts.WarningDebounce
		if latest.Severity == SeverityCritical {
			debounce = e.opts.CriticalDebounce
		}
		if last, ok := e.lastFire[alertKey]; ok && now.Sub(last) < debounce {
			continue
		}
		e.lastFire[alertKey] = now
		latest.AlertFired = true
		cfg := e.configs[key.metric]
		fired = append(fired, Alert{
			Metric: key.metric, Service: key.service, Severity: latest.Severity,
			Actual: latest.ActualPercent, Target: cfg.TargetPercent, FiredAt: now,
		})
	}
	e.mu.Unlock()
	for _, a := range fired {
		e.mBreaches.Inc(1, a.Metric, a.Service, string(a.Severity))
		e.log.WarnCtx(ctx, "slo breach", "metric", a.Metric, "service", a.Service, "severity", string(a.Severity), "actual", a.Actual)
		if e.bus != nil {
			_ = e.bus.PublishCtx(ctx, events.Event{
				Category: events.CategorySLO, Type: "breach", Severity: string(a.Severity),
				Labels: map[string]string{"metric": a.Metric, "service": a.Service},
				Fields: map[string]any{"actual": a.Actual, "target": a.Target},
			})
		}
	}
	return fired
}

// Violations lists the names of objectives whose latest measurement
// breaches, with the consumed budget fraction per violation.
func (e *Evaluator) Violations() map[string]float64 {
	out := make(map[string]float64)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for key, s := range e.series {
		if len(s) == 0 {
			continue
		}
		latest := s[len(s)-1]
		if !latest.Breach {
			continue
		}
		cfg, ok := e.configs[key.metric]
		if !ok {
			continue
		}
		budget := 100 - cfg.TargetPercent
		consumed := 1.0
		if budget > 0 {
			consumed = math.Min(1, (100-latest.ActualPercent)/budget)
		}
		out[key.metric] = consumed
	}
	return out
}

// RunBreachLoop scans on every tick until ctx is cancelled.
func (e *Evaluator) RunBreachLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckBreaches(ctx)
		}
	}
}
