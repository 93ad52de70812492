package events

// In-process telemetry bus. Every control-plane transition of note
// (degradation changes, drops, breaker flips, SLO breaches, strategy
// updates) flows through here; subscribers are decoupled by buffered
// channels and slow consumers lose events rather than stalling publishers.

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cadence/engine/telemetry/metrics"
	"cadence/engine/telemetry/tracing"
)

const (
	CategoryBackpressure = "backpressure"
	CategoryStream       = "stream"
	CategoryETL          = "etl"
	CategoryScheduler    = "scheduler"
	CategoryRateLimit    = "rate_limit"
	CategorySLO          = "slo"
	CategoryStrategy     = "strategy"
	CategoryHealth       = "health"
	CategoryConfig       = "config_change"
	CategoryError        = "error"
)

type Event struct {
	Time     time.Time         `json:"time"`
	Category string            `json:"category"`
	Type     string            `json:"type"`
	Severity string            `json:"severity,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	SpanID   string            `json:"span_id,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

type Subscription interface {
	C() <-chan Event
	Close() error
	ID() int64
}

type BusStats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

type Bus interface {
	Publish(ev Event) error
	PublishCtx(ctx context.Context, ev Event) error
	Subscribe(buffer int) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Stats() BusStats
}

func NewBus(provider metrics.Provider) Bus {
	b := &bus{subs: make(map[int64]*subscriber)}
	if provider != nil {
		b.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Subsystem: "events", Name: "published_total", Help: "Total events published"}})
		b.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Subsystem: "events", Name: "dropped_total", Help: "Events dropped on full subscriber buffers", Labels: []string{"subscriber"}}})
	}
	return b
}

type bus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber
	nextID    atomic.Int64
	published atomic.Uint64
	dropped   atomic.Uint64

	mPublished metrics.Counter
	mDropped   metrics.Counter
}

type subscriber struct {
	id      int64
	idLabel string
	ch      chan Event
	bus     *bus
	dropped atomic.Uint64
}

func (b *bus) Publish(ev Event) error {
	if ev.Category == "" {
		return errors.New("event missing category")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			if b.mDropped != nil {
				b.mDropped.Inc(1, s.idLabel)
			}
		}
	}
	return nil
}

func (b *bus) PublishCtx(ctx context.Context, ev Event) error {
	if ev.TraceID == "" && ev.SpanID == "" {
		ev.TraceID, ev.SpanID = tracing.ExtractIDs(ctx)
	}
	return b.Publish(ev)
}

func (b *bus) Subscribe(buffer int) (Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	id := b.nextID.Add(1)
	sub := &subscriber{id: id, idLabel: strconv.FormatInt(id, 10), ch: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *bus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	s := b.subs[sub.ID()]
	delete(b.subs, sub.ID())
	b.mu.Unlock()
	if s != nil {
		close(s.ch)
	}
	return nil
}

func (b *bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := BusStats{
		Subscribers:        int64(len(b.subs)),
		Published:          b.published.Load(),
		Dropped:            b.dropped.Load(),
		PerSubscriberDrops: make(map[int64]uint64, len(b.subs)),
	}
	for id, s := range b.subs {
		st.PerSubscriberDrops[id] = s.dropped.Load()
	}
	return st
}

func (s *subscriber) C() <-chan Event { return s.ch }
func (s *subscriber) ID() int64       { return s.id }
func (s *subscriber) Close() error    { return s.bus.Unsubscribe(s) }
