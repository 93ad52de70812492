package engine

import (
	"time"

	"cadence/engine/backpressure"
	"cadence/engine/etl"
	"cadence/engine/scheduler"
	"cadence/engine/stream"
)

// Config is the public configuration surface for the Engine facade. It
// narrows component configs; advanced collaborators (redis client, store,
// sinks) are injected through Dependencies.
type Config struct {
	// Streams declared at startup; empty selects the default set.
	Streams []stream.StreamConfig `yaml:"streams"`

	Gateway      stream.GatewayConfig `yaml:"gateway"`
	Backpressure backpressure.Config  `yaml:"backpressure"`
	ETL          etl.Config           `yaml:"etl"`
	Scheduler    scheduler.Config     `yaml:"scheduler"`

	// Cadences for the long-lived loops.
	MonitorInterval time.Duration `yaml:"monitor_interval"` // 1s: reevaluate levels + strategy
	TrendInterval   time.Duration `yaml:"trend_interval"`   // 10s: trend ring samples
	BreachInterval  time.Duration `yaml:"breach_interval"`  // 30s: SLO breach scan
	PruneInterval   time.Duration `yaml:"prune_interval"`   // 24h: measurement TTL pruning
	MeasurementTTL  time.Duration `yaml:"measurement_ttl"`  // 90d

	// Telemetry wiring. MetricsBackend selects "prom" (default), "otel" or
	// "noop".
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"`
}

// Defaults returns a Config with production-shaped defaults.
func Defaults() Config {
	return Config{
		Streams: stream.DefaultStreams(),
		Gateway: stream.GatewayConfig{
			DedupWindow:       2 * time.Minute,
			DeadLetterSubject: "kpi.deadletter",
		},
		Backpressure: backpressure.Config{
			Thresholds: backpressure.Thresholds{
				MaxMemoryMB:    1024,
				MaxQueueSize:   10000,
				MaxPublishRate: 5000,
				MaxCPUPercent:  80,
			},
			RecoveryDelay: 30 * time.Second,
			MaxBackoff:    time.Minute,
		},
		ETL: etl.Config{
			Stream:               "KPI_METRICS",
			Consumer:             "etl",
			BatchSize:            100,
			BatchTimeout:         2 * time.Second,
			MaxConcurrentBatches: 4,
			RetryAttempts:        3,
			RetryDelay:           500 * time.Millisecond,
		},
		Scheduler: scheduler.Config{
			JitterMin: 30 * time.Minute,
			JitterMax: 90 * time.Minute,
		},
		MonitorInterval: time.Second,
		TrendInterval:   10 * time.Second,
		BreachInterval:  30 * time.Second,
		PruneInterval:   24 * time.Hour,
		MeasurementTTL:  90 * 24 * time.Hour,
		MetricsEnabled:  true,
		MetricsBackend:  "prom",
	}
}

func (c *Config) withDefaults() {
	d := Defaults()
	if len(c.Streams) == 0 {
		c.Streams = d.Streams
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.TrendInterval <= 0 {
		c.TrendInterval = d.TrendInterval
	}
	if c.BreachInterval <= 0 {
		c.BreachInterval = d.BreachInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	if c.MeasurementTTL <= 0 {
		c.MeasurementTTL = d.MeasurementTTL
	}
	if c.MetricsBackend == "" {
		c.MetricsBackend = d.MetricsBackend
	}
}
