package storage

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"cadence/engine/models"
)

// MetricSink adapts the store to the ETL sink contract behind a circuit
// breaker, so a dying database sheds load fast instead of letting every
// flush ride out its full retry schedule.
type MetricSink struct {
	store *Store
	cb    *gobreaker.CircuitBreaker
}

type MetricSinkOptions struct {
	// ConsecutiveFailures to trip the breaker; 0 => 5.
	ConsecutiveFailures uint32
	// OpenTimeout before a half-open probe; 0 => 30s.
	OpenTimeout time.Duration
	OnStateChange func(from, to gobreaker.State)
}

func NewMetricSink(store *Store, opts MetricSinkOptions) *MetricSink {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "metric-sink",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
	}
	if opts.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			opts.OnStateChange(from, to)
		}
	}
	return &MetricSink{store: store, cb: gobreaker.NewCircuitBreaker(settings)}
}

// WriteBatch implements etl.Sink.
func (s *MetricSink) WriteBatch(ctx context.Context, batch []models.MetricEvent) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.store.WriteMetricBatch(ctx, batch)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return models.E(models.KindTransient, "storage.sink", err)
	}
	return err
}

// State exposes the breaker state for health probes.
func (s *MetricSink) State() gobreaker.State { return s.cb.State() }
