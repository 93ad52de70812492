package policy

// Runtime-tunable telemetry knobs. The engine holds an atomic snapshot
// pointer; hot paths read without locks and pick up swaps on the next
// evaluation cycle.

import "time"

type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
}

type HealthPolicy struct {
	ProbeTTL time.Duration
	// ETL backlog thresholds expressed as multiples of batch size.
	ETLDegradedBacklogFactor  float64
	ETLUnhealthyBacklogFactor float64
	// Scheduler starvation tolerances.
	StarvationWarnMinutes int
}

type TracingPolicy struct {
	SamplePercent float64
}

type EventBusPolicy struct {
	MaxSubscriberBuffer int
}

func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:                  2 * time.Second,
			ETLDegradedBacklogFactor:  10,
			ETLUnhealthyBacklogFactor: 20,
			StarvationWarnMinutes:     120,
		},
		Tracing: TracingPolicy{SamplePercent: 20},
		Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
	}
}

// Normalize returns a copy with out-of-range values reset to defaults.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	d := Default()
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = d.Health.ProbeTTL
	}
	if c.Health.ETLDegradedBacklogFactor <= 0 {
		c.Health.ETLDegradedBacklogFactor = d.Health.ETLDegradedBacklogFactor
	}
	if c.Health.ETLUnhealthyBacklogFactor <= 0 {
		c.Health.ETLUnhealthyBacklogFactor = d.Health.ETLUnhealthyBacklogFactor
	}
	if c.Health.StarvationWarnMinutes <= 0 {
		c.Health.StarvationWarnMinutes = d.Health.StarvationWarnMinutes
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Events.MaxSubscriberBuffer <= 0 {
		c.Events.MaxSubscriberBuffer = d.Events.MaxSubscriberBuffer
	}
	return c
}
