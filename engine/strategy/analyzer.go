package strategy

// Strategy analyzer: converts raw backpressure state plus SLO violations
// into a labelled active strategy with ranked reasons, trends, predictions
// and recommended manual actions, and streams changes to subscribers.

import (
	"context"
	"sort"
	"sync"
	"time"

	"cadence/engine/backpressure"
	"cadence/engine/models"
	"cadence/engine/telemetry/events"
	"cadence/engine/telemetry/logging"
)

type ReasonType string

const (
	ReasonMemory    ReasonType = "memory"
	ReasonCPU       ReasonType = "cpu"
	ReasonQueue     ReasonType = "queue"
	ReasonRate      ReasonType = "rate"
	ReasonSLOBudget ReasonType = "slo_budget"
	ReasonNetwork   ReasonType = "network"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) weight() float64 {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

type Trend string

const (
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
)

type Reason struct {
	Type               ReasonType `json:"type"`
	Severity           Severity   `json:"severity"`
	UtilizationPercent float64    `json:"utilizationPercent"`
	Trend              Trend      `json:"trend"`
}

// Levers snapshots the mitigation tunings with estimated effectiveness.
// The effectiveness formulas are deterministic heuristics: sampling
// effectiveness saturates as sampled drops accumulate
// (1 - sampled/(sampled+1000)); batching effectiveness grows with batch
// size (1 - 1/batch).
type Levers struct {
	SamplingRate          float64  `json:"samplingRate"`
	BatchSize             int      `json:"batchSize"`
	OpenCircuits          []string `json:"openCircuits,omitempty"`
	SamplingEffectiveness float64  `json:"samplingEffectiveness"`
	BatchingEffectiveness float64  `json:"batchingEffectiveness"`
}

type SLOImpact struct {
	BudgetConsumption float64       `json:"budgetConsumption"`
	RiskLevel         Severity      `json:"riskLevel"`
	ProjectedRecovery time.Duration `json:"projectedRecovery"`
	Violations        []string      `json:"violations,omitempty"`
}

type Prediction struct {
	RecoveryProbability float64        `json:"recoveryProbability"`
	TimeToNextLevel     *time.Duration `json:"timeToNextLevel,omitempty"`
	NextLevelThreshold  float64        `json:"nextLevelThreshold"`
	RecommendedActions  []string       `json:"recommendedActions,omitempty"`
}

type ActiveStrategy struct {
	EvaluatedAt   time.Time               `json:"evaluatedAt"`
	Level         models.DegradationLevel `json:"level"`
	Reasons       []Reason                `json:"reasons"`
	PrimaryReason *Reason                 `json:"primaryReason,omitempty"`
	Levers        Levers                  `json:"levers"`
	SLOImpact     SLOImpact               `json:"sloImpact"`
	Prediction    Prediction              `json:"prediction"`
}

type HistoryEntry struct {
	At        time.Time               `json:"at"`
	FromLevel models.DegradationLevel `json:"fromLevel"`
	ToLevel   models.DegradationLevel `json:"toLevel"`
	Strategy  ActiveStrategy          `json:"strategy"`
}

// PerformanceStats aggregates the most recent history entries.
type PerformanceStats struct {
	Entries                int            `json:"entries"`
	PerLevel               map[string]int `json:"perLevel"`
	AvgRecoveryProbability float64        `json:"avgRecoveryProbability"`
	LastChange             time.Time      `json:"lastChange,omitempty"`
}

// StrategyEvent is one live-stream notification.
type StrategyEvent struct {
	Type     string         `json:"type"` // strategy_updated | strategy_changed
	Strategy ActiveStrategy `json:"strategy"`
}

// Subscription is a live feed of strategy events; Close unregisters.
type Subscription struct {
	ch     chan StrategyEvent
	cancel func()
	once   sync.Once
}

func (s *Subscription) C() <-chan StrategyEvent { return s.ch }
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// Input is the analyzer's read-only view of its collaborators.
type Input struct {
	Backpressure backpressure.Snapshot
	// Violations maps breaching SLO names to their consumed budget
	// fraction in [0, 1].
	Violations map[string]float64
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Options struct {
	Logger logging.Logger
	Bus    events.Bus
	Clock  Clock
	// HistoryLimit bounds stored history entries; 0 => 1000.
	HistoryLimit int
}

const trendSamples = 10

type ring struct {
	buf  [trendSamples]float64
	next int
	n    int
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % trendSamples
	if r.n < trendSamples {
		r.n++
	}
}

func (r *ring) firstLast() (first, last float64, ok bool) {
	if r.n < 2 {
		return 0, 0, false
	}
	lastIdx := (r.next - 1 + trendSamples) % trendSamples
	firstIdx := (r.next - r.n + trendSamples) % trendSamples
	return r.buf[firstIdx], r.buf[lastIdx], true
}

type Analyzer struct {
	log   logging.Logger
	bus   events.Bus
	clock Clock
	limit int

	mu      sync.Mutex
	rings   map[backpressure.Resource]*ring
	current *ActiveStrategy
	history []HistoryEntry
	evals   uint64

	subsMu sync.Mutex
	subs   map[int64]chan StrategyEvent
	nextID int64
}

func NewAnalyzer(opts Options) *Analyzer {
	a := &Analyzer{
		log:   opts.Logger,
		bus:   opts.Bus,
		clock: opts.Clock,
		limit: opts.HistoryLimit,
		rings: make(map[backpressure.Resource]*ring),
		subs:  make(map[int64]chan StrategyEvent),
	}
	if a.log == nil {
		a.log = logging.Nop()
	}
	if a.clock == nil {
		a.clock = realClock{}
	}
	if a.limit <= 0 {
		a.limit = 1000
	}
	return a
}

// ObserveSample feeds the trend rings; the trend ticker calls this at a
// slower cadence than evaluation so trends reflect a longer horizon.
func (a *Analyzer) ObserveSample(snap backpressure.Snapshot) {
	a.mu.Lock()
	for res, v := range snap.Ratios {
		r := a.rings[res]
		if r == nil {
			r = &ring{}
			a.rings[res] = r
		}
		r.push(v)
	}
	a.mu.Unlock()
}

func (a *Analyzer) trendFor(res backpressure.Resource) Trend {
	r := a.rings[res]
	if r == nil {
		return TrendStable
	}
	first, last, ok := r.firstLast()
	if !ok {
		return TrendStable
	}
	delta := last - first
	switch {
	case delta > 0.1*first && delta > 0:
		return TrendIncreasing
	case delta < -0.1*first:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func severityForUtil(util float64) Severity {
	switch {
	case util > 0.95:
		return SeverityCritical
	case util > 0.85:
		return SeverityHigh
	case util > 0.70:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

var reasonForResource = map[backpressure.Resource]ReasonType{
	backpressure.ResourceMemory: ReasonMemory,
	backpressure.ResourceCPU:    ReasonCPU,
	backpressure.ResourceQueue:  ReasonQueue,
	backpressure.ResourceRate:   ReasonRate,
}

// Evaluate derives the active strategy from the current controller state
// and SLO violations, publishing strategy_updated on every call and
// strategy_changed (plus a bounded history entry) on level transitions.
func (a *Analyzer) Evaluate(ctx context.Context, in Input) ActiveStrategy {
	now := a.clock.Now()
	a.mu.Lock()
	a.evals++

	var reasons []Reason
	for res, util := range in.Backpressure.Ratios {
		if util < 0.8 {
			continue
		}
		rt, ok := reasonForResource[res]
		if !ok {
			continue
		}
		reasons = append(reasons, Reason{
			Type:               rt,
			Severity:           severityForUtil(util),
			UtilizationPercent: util * 100,
			Trend:              a.trendFor(res),
		})
	}
	if len(in.Backpressure.OpenCircuits) > 0 {
		reasons = append(reasons, Reason{
			Type:               ReasonNetwork,
			Severity:           SeverityHigh,
			UtilizationPercent: 100,
			Trend:              TrendStable,
		})
	}
	var totalConsumption float64
	violations := make([]string, 0, len(in.Violations))
	for name, consumed := range in.Violations {
		violations = append(violations, name)
		totalConsumption += consumed
		reasons = append(reasons, Reason{
			Type:               ReasonSLOBudget,
			Severity:           severityForUtil(consumed),
			UtilizationPercent: consumed * 100,
			Trend:              TrendStable,
		})
	}
	sort.Strings(violations)
	budgetConsumption := 0.0
	if len(in.Violations) > 0 {
		budgetConsumption = totalConsumption / float64(len(in.Violations))
	}

	// Rank: highest severity-weighted utilization first.
	sort.SliceStable(reasons, func(i, j int) bool {
		return reasons[i].Severity.weight()*reasons[i].UtilizationPercent >
			reasons[j].Severity.weight()*reasons[j].UtilizationPercent
	})
	var primary *Reason
	if len(reasons) > 0 {
		p := reasons[0]
		primary = &p
	}

	sampled := in.Backpressure.Dropped[backpressure.DropSampling]
	levers := Levers{
		SamplingRate:          in.Backpressure.SamplingRate,
		BatchSize:             in.Backpressure.BatchSize,
		OpenCircuits:          in.Backpressure.OpenCircuits,
		SamplingEffectiveness: 1 - float64(sampled)/(float64(sampled)+1000),
		BatchingEffectiveness: 1 - 1/float64(max(in.Backpressure.BatchSize, 1)),
	}

	impact := SLOImpact{
		BudgetConsumption: budgetConsumption,
		RiskLevel:         riskLevel(budgetConsumption, reasons),
		Violations:        violations,
	}
	recoveryFactor := time.Duration(1)
	if len(violations) > 0 {
		recoveryFactor = 2
	}
	impact.ProjectedRecovery = time.Duration(len(reasons)) * 30 * time.Second * recoveryFactor

	pred := Prediction{NextLevelThreshold: nextLevelThreshold(in.Backpressure.Level)}
	if len(reasons) > 0 {
		decreasing := 0
		increasing := false
		for _, r := range reasons {
			if r.Trend == TrendDecreasing {
				decreasing++
			}
			if r.Trend == TrendIncreasing {
				increasing = true
			}
		}
		pred.RecoveryProbability = float64(decreasing) / float64(len(reasons))
		if increasing {
			d := 300 * time.Second
			pred.TimeToNextLevel = &d
		}
	}
	if primary != nil {
		pred.RecommendedActions = recommendedActions(primary.Type)
	}

	strat := ActiveStrategy{
		EvaluatedAt:   now,
		Level:         in.Backpressure.Level,
		Reasons:       reasons,
		PrimaryReason: primary,
		Levers:        levers,
		SLOImpact:     impact,
		Prediction:    pred,
	}

	prev := a.current
	a.current = &strat
	changed := prev != nil && prev.Level != strat.Level
	if prev == nil {
		changed = strat.Level != models.LevelNone
	}
	if changed {
		from := models.LevelNone
		if prev != nil {
			from = prev.Level
		}
		a.history = append(a.history, HistoryEntry{At: now, FromLevel: from, ToLevel: strat.Level, Strategy: strat})
		if len(a.history) > a.limit {
			a.history = a.history[len(a.history)-a.limit:]
		}
	}

	a.mu.Unlock()
	if changed {
		a.notify(StrategyEvent{Type: "strategy_changed", Strategy: strat})
		if a.bus != nil {
			_ = a.bus.PublishCtx(ctx, events.Event{
				Category: events.CategoryStrategy, Type: "strategy_changed", Severity: "warn",
				Fields: map[string]any{"level": strat.Level.String(), "reasons": len(strat.Reasons)},
			})
		}
	}
	a.notify(StrategyEvent{Type: "strategy_updated", Strategy: strat})
	if a.bus != nil {
		_ = a.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryStrategy, Type: "strategy_updated", Severity: "info",
			Fields: map[string]any{"level": strat.Level.String()},
		})
	}
	return strat
}

func riskLevel(consumption float64, reasons []Reason) Severity {
	has := func(s Severity) bool {
		for _, r := range reasons {
			if r.Severity == s {
				return true
			}
		}
		return false
	}
	switch {
	case consumption > 0.8 || has(SeverityCritical):
		return SeverityCritical
	case consumption > 0.5 || has(SeverityHigh):
		return SeverityHigh
	case consumption > 0.2 || has(SeverityMedium):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// nextLevelThreshold is the dominant-ratio value at which the next ladder
// step engages.
func nextLevelThreshold(l models.DegradationLevel) float64 {
	switch l {
	case models.LevelNone:
		return 0.7
	case models.LevelLow:
		return 1.0
	case models.LevelMedium:
		return 1.5
	case models.LevelHigh:
		return 2.0
	default:
		return 2.0
	}
}

func recommendedActions(rt ReasonType) []string {
	switch rt {
	case ReasonMemory:
		return []string{"lower etl batch size", "raise memory limit or scale vertically"}
	case ReasonQueue:
		return []string{"add etl consumers", "pause low-priority producers"}
	case ReasonRate:
		return []string{"throttle producers", "raise publish rate threshold if sized for it"}
	case ReasonCPU:
		return []string{"scale out workers", "reduce validation cost"}
	case ReasonSLOBudget:
		return []string{"pause non-critical publishing", "review recent deploys"}
	case ReasonNetwork:
		return []string{"inspect downstream connectivity", "wait for circuit recovery"}
	default:
		return nil
	}
}

// Current returns the last evaluated strategy, if any.
func (a *Analyzer) Current() (ActiveStrategy, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ActiveStrategy{}, false
	}
	return *a.current, true
}

// History returns up to limit entries, newest last.
func (a *Analyzer) History(limit int) []HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.history) {
		limit = len(a.history)
	}
	out := make([]HistoryEntry, limit)
	copy(out, a.history[len(a.history)-limit:])
	return out
}

// Stats aggregates over the most recent 50 history entries.
func (a *Analyzer) Stats() PerformanceStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	window := a.history
	if len(window) > 50 {
		window = window[len(window)-50:]
	}
	st := PerformanceStats{Entries: len(window), PerLevel: make(map[string]int)}
	var probSum float64
	for _, h := range window {
		st.PerLevel[h.ToLevel.String()]++
		probSum += h.Strategy.Prediction.RecoveryProbability
	}
	if len(window) > 0 {
		st.AvgRecoveryProbability = probSum / float64(len(window))
		st.LastChange = window[len(window)-1].At
	}
	return st
}

// Subscribe registers a live listener. The subscriber owns the
// subscription lifetime and must Close it; slow consumers lose events.
func (a *Analyzer) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StrategyEvent, buffer)
	a.subsMu.Lock()
	a.nextID++
	id := a.nextID
	a.subs[id] = ch
	a.subsMu.Unlock()
	return &Subscription{ch: ch, cancel: func() {
		a.subsMu.Lock()
		delete(a.subs, id)
		a.subsMu.Unlock()
	}}
}

func (a *Analyzer) notify(ev StrategyEvent) {
	a.subsMu.Lock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subsMu.Unlock()
}
