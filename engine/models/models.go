package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Priority is the producer-assigned severity class of a metric event. It
// influences queueing order and drop decisions under backpressure.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "medium", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return "unknown"
	}
	return priorityNames[p]
}

// MarshalJSON emits the wire-level class name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts a class name or a bare level number.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParsePriority(s)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n < int(PriorityLow) || n > int(PriorityCritical) {
		n = int(PriorityMedium)
	}
	*p = Priority(n)
	return nil
}

// ParsePriority maps a wire-level class name onto a Priority. Unknown names
// default to medium rather than erroring; producers are not trusted to keep
// up with class renames.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// MetricEvent is the universal ingestion record. The struct doubles as the
// wire schema: JSON encoding, RFC 3339 timestamp, free-form metadata.
type MetricEvent struct {
	ID         string            `json:"id" validate:"required"`
	ModelName  string            `json:"modelName" validate:"required"`
	MetricName string            `json:"metricName" validate:"required,metric_name"`
	Value      float64           `json:"value"`
	Platform   string            `json:"platform,omitempty"`
	CampaignID string            `json:"campaignId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp" validate:"required"`
	Source     string            `json:"source" validate:"required"`
	Priority   Priority          `json:"priority,omitempty"`
}

// Subject returns the routing key for the event:
// kpi.metrics.<modelName>.<priority-class>.
func (e MetricEvent) Subject() string {
	model := e.ModelName
	if model == "" {
		model = "unknown"
	}
	return "kpi.metrics." + model + "." + e.Priority.String()
}

// ValueOK reports whether the value is finite and non-negative, the default
// bounds for ingested metrics.
func (e MetricEvent) ValueOK() bool {
	return !math.IsNaN(e.Value) && !math.IsInf(e.Value, 0) && e.Value >= 0
}

// MetricValue is the tagged producer-boundary variant for typed values.
// Untyped maps survive only inside MetricEvent.Metadata.
type MetricValue struct {
	Kind  ValueKind `json:"kind"`
	Value float64   `json:"value"`
}

type ValueKind string

const (
	ValueCount ValueKind = "count"
	ValueRate  ValueKind = "rate"
	ValueGauge ValueKind = "gauge"
)

// Kind classifies an error for propagation policy purposes. Kinds, not
// names: callers branch on kind to decide retry/surface behavior.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: payload or configuration violates schema or bounds.
	// Surfaced as 4xx-equivalent; never retried.
	KindValidation
	// KindTransient: transport to stream/store/platform failed. Retried
	// locally with backoff, then escalated.
	KindTransient
	// KindCapacity: admission denied by backpressure or rate limiting.
	// Carries retry-after semantics; never retried by the core.
	KindCapacity
	// KindPolicy: breaker open, subject filtered, priority dropped. Counted
	// and dropped.
	KindPolicy
	// KindFatal: invariant violation. Process-level; surfaces via health.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindCapacity:
		return "capacity"
	case KindPolicy:
		return "policy"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the structured outcome value carried across component
// boundaries. No exception-for-control-flow: callers inspect Kind.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation tag.
func E(kind Kind, op string, err error) *Error { return &Error{Kind: kind, Op: op, Err: err} }

// KindOf extracts the Kind from an error chain; KindUnknown if untagged.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Sentinel errors shared across components.
var (
	ErrDuplicateID    = errors.New("duplicate message id within dedup window")
	ErrStreamNotFound = errors.New("no stream matches subject")
	ErrConfigConflict = errors.New("existing stream config conflicts with request")
	ErrShuttingDown   = errors.New("component is shutting down")
	ErrQueueFull      = errors.New("priority queue at capacity")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrSampledOut     = errors.New("dropped by sampling")
	ErrPriorityDrop   = errors.New("dropped by priority shedding")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrNotAdmitted    = errors.New("load admission denied")
)

// DegradationLevel is the discrete health tier of the core.
type DegradationLevel int

const (
	LevelNone DegradationLevel = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"none", "low", "medium", "high", "critical"}

func (l DegradationLevel) String() string {
	if l < LevelNone || l > LevelCritical {
		return "unknown"
	}
	return levelNames[l]
}

// CircuitState is the shared three-state breaker value.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "closed"
	}
}

// RateLimitConfig holds the multi-tier limits for one (platform, endpoint)
// pair. A nil tier pointer means "no limit on that tier".
type RateLimitConfig struct {
	Platform           string `json:"platform" db:"platform"`
	Endpoint           string `json:"endpoint" db:"endpoint"`
	PerMinute          *int   `json:"perMinute,omitempty" db:"per_minute"`
	PerHour            *int   `json:"perHour,omitempty" db:"per_hour"`
	PerDay             *int   `json:"perDay,omitempty" db:"per_day"`
	BurstLimit         *int   `json:"burstLimit,omitempty" db:"burst_limit"`
	BurstWindowSeconds int    `json:"burstWindowSeconds,omitempty" db:"burst_window_seconds"`
	Active             bool   `json:"active" db:"active"`
}

// SLOConfig describes one objective.
type SLOConfig struct {
	Name              string  `json:"name" db:"name"`
	Service           string  `json:"service" db:"service"`
	Description       string  `json:"description,omitempty" db:"description"`
	TargetPercent     float64 `json:"targetPercent" db:"target_percent"`
	EvaluationWindow  int     `json:"evaluationWindowSeconds" db:"evaluation_window_seconds"`
	ErrorBudgetWindow int     `json:"errorBudgetWindowSeconds" db:"error_budget_window_seconds"`
	WarningThreshold  float64 `json:"warningThreshold" db:"warning_threshold"`
	CriticalThreshold float64 `json:"criticalThreshold" db:"critical_threshold"`
}

// Validate enforces the target bounds: percentage in (0, 100].
func (c SLOConfig) Validate() error {
	if c.Name == "" {
		return E(KindValidation, "slo.config", errors.New("name required"))
	}
	if c.TargetPercent <= 0 || c.TargetPercent > 100 {
		return E(KindValidation, "slo.config", fmt.Errorf("target %.2f outside (0,100]", c.TargetPercent))
	}
	return nil
}
