package etl

// Streaming ETL: turns durable stream subscriptions into batched writes to
// the storage collaborator. An in-memory buffer fills until batch size or
// the batch timeout trips; flushes run under a bounded-concurrency
// semaphore with exponential retries and a dead-letter escape.

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"cadence/engine/models"
	"cadence/engine/slo"
	"cadence/engine/stream"
	"cadence/engine/telemetry/events"
	"cadence/engine/telemetry/logging"
	"cadence/engine/telemetry/metrics"
)

// Record is one in-flight event with its delivery envelope.
type Record struct {
	Envelope *stream.Envelope
	Event    models.MetricEvent
	Err      error
}

// Sink receives one validated batch per flush.
type Sink interface {
	WriteBatch(ctx context.Context, batch []models.MetricEvent) error
}

// Broadcaster is the outward push collaborator (WebSocket layer et al).
type Broadcaster interface {
	MetricUpdate(ev models.MetricEvent)
	DataQualityAlert(invalid, total int)
}

// Source is the gateway surface the pipeline consumes from.
type Source interface {
	CreateConsumer(ctx context.Context, cc stream.ConsumerConfig) error
	Consume(ctx context.Context, streamName, consumer string, batchSize int, maxWait time.Duration) (*stream.Batch, error)
}

type Config struct {
	Stream        string
	Consumer      string
	FilterSubject string

	BatchSize            int
	BatchTimeout         time.Duration
	MaxConcurrentBatches int
	RetryAttempts        int
	RetryDelay           time.Duration
	ConsumeWait          time.Duration
	MaxDeliver           int
	AckWait              time.Duration
}

func (c *Config) withDefaults() {
	if c.Stream == "" {
		c.Stream = "KPI_METRICS"
	}
	if c.Consumer == "" {
		c.Consumer = "etl"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 2 * time.Second
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.ConsumeWait <= 0 {
		c.ConsumeWait = time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 3
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
}

// HealthState summarizes pipeline health per the documented rules:
// degraded when backlog exceeds 10x batch size, average processing time
// exceeds 5s, or error rate exceeds 10%; unhealthy when two or more hold.
type HealthState struct {
	Status        string        `json:"status"` // healthy | degraded | unhealthy
	Backlog       int           `json:"backlog"`
	AvgProcessing time.Duration `json:"avgProcessing"`
	ErrorRate     float64       `json:"errorRate"`
}

type Stats struct {
	Consumed       uint64 `json:"consumed"`
	Persisted      uint64 `json:"persisted"`
	Invalid        uint64 `json:"invalid"`
	DeadLettered   uint64 `json:"deadLettered"`
	DroppedBatches uint64 `json:"droppedBatches"`
	Flushes        uint64 `json:"flushes"`
	Paused         bool   `json:"paused"`
}

type DeadLetterer interface {
	DeadLetterPublish(ctx context.Context, subject string, payload []byte, reason string, originalTS time.Time) error
}

type Options struct {
	Logger      logging.Logger
	Metrics     metrics.Provider
	Bus         events.Bus
	Broadcaster Broadcaster
	SLO         *slo.Evaluator
	DeadLetter  DeadLetterer
}

type Pipeline struct {
	cfg       Config
	source    Source
	sink      Sink
	validator *Validator
	log       logging.Logger
	bus       events.Bus
	bcast     Broadcaster
	sloEval   *slo.Evaluator
	dlq       DeadLetterer

	sem *semaphore.Weighted

	mu     sync.Mutex
	buffer []Record
	oldest time.Time

	paused atomic.Bool

	consumed       atomic.Uint64
	persisted      atomic.Uint64
	invalid        atomic.Uint64
	deadLettered   atomic.Uint64
	droppedBatches atomic.Uint64
	flushes        atomic.Uint64
	procTotalNs    atomic.Int64
	procSamples    atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	mFlushSeconds metrics.Histogram
	gBacklog      metrics.Gauge
}

func NewPipeline(cfg Config, source Source, sink Sink, opts Options) *Pipeline {
	cfg.withDefaults()
	p := &Pipeline{
		cfg:       cfg,
		source:    source,
		sink:      sink,
		validator: NewValidator(),
		log:       opts.Logger,
		bus:       opts.Bus,
		bcast:     opts.Broadcaster,
		sloEval:   opts.SLO,
		dlq:       opts.DeadLetter,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		stopCh:    make(chan struct{}),
	}
	if p.log == nil {
		p.log = logging.Nop()
	}
	mp := opts.Metrics
	if mp == nil {
		mp = metrics.NewNoopProvider()
	}
	p.mFlushSeconds = mp.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "etl", Name: "flush_seconds", Help: "Batch flush duration", Labels: []string{"outcome"}}})
	p.gBacklog = mp.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Subsystem: "etl", Name: "backlog", Help: "Unflushed records buffered"}})
	return p
}

// Run subscribes and processes until ctx is cancelled. In-flight batches
// drain before return.
func (p *Pipeline) Run(ctx context.Context) error {
	cc := stream.ConsumerConfig{
		Stream:        p.cfg.Stream,
		Name:          p.cfg.Consumer,
		FilterSubject: p.cfg.FilterSubject,
		Deliver:       stream.DeliverAll,
		Ack:           stream.AckExplicit,
		MaxDeliver:    p.cfg.MaxDeliver,
		AckWait:       p.cfg.AckWait,
	}
	if err := p.source.CreateConsumer(ctx, cc); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.timeoutLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background(), true)
			p.wg.Wait()
			return ctx.Err()
		case <-p.stopCh:
			p.flush(context.Background(), true)
			p.wg.Wait()
			return nil
		default:
		}
		if p.paused.Load() {
			sleepCtx(ctx, p.cfg.ConsumeWait)
			continue
		}
		batch, err := p.source.Consume(ctx, p.cfg.Stream, p.cfg.Consumer, p.cfg.BatchSize, p.cfg.ConsumeWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			p.log.WarnCtx(ctx, "consume failed", "stream", p.cfg.Stream, "error", err)
			sleepCtx(ctx, p.cfg.ConsumeWait)
			continue
		}
		for env, ok := batch.Next(); ok; env, ok = batch.Next() {
			p.consumed.Add(1)
			var ev models.MetricEvent
			if err := env.Decode(&ev); err != nil {
				// Poisoned payload: redeliver until MaxDeliver routes it
				// to the dead-letter subject.
				_ = env.Nak(ctx, "decode_error")
				p.invalid.Add(1)
				continue
			}
			p.append(Record{Envelope: env, Event: ev})
		}
		p.maybeFlush(ctx)
	}
}

// Stop ends processing after the current iteration; idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pipeline) Pause()  { p.paused.Store(true) }
func (p *Pipeline) Resume() { p.paused.Store(false) }

// Restart clears the buffer without acking, forcing redelivery.
func (p *Pipeline) Restart() {
	p.mu.Lock()
	p.buffer = nil
	p.oldest = time.Time{}
	p.mu.Unlock()
	p.paused.Store(false)
}

func (p *Pipeline) append(r Record) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.oldest = time.Now()
	}
	p.buffer = append(p.buffer, r)
	p.gBacklog.Set(float64(len(p.buffer)))
	p.mu.Unlock()
}

func (p *Pipeline) maybeFlush(ctx context.Context) {
	p.mu.Lock()
	full := len(p.buffer) >= p.cfg.BatchSize
	p.mu.Unlock()
	if full {
		p.flush(ctx, false)
	}
}

func (p *Pipeline) timeoutLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.BatchTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			stale := len(p.buffer) > 0 && time.Since(p.oldest) >= p.cfg.BatchTimeout
			p.mu.Unlock()
			if stale {
				p.flush(ctx, false)
			}
		}
	}
}

// flush takes the buffer and writes it under the concurrency cap. With
// wait set the write happens inline (shutdown path).
func (p *Pipeline) flush(ctx context.Context, wait bool) {
	p.mu.Lock()
	records := p.buffer
	p.buffer = nil
	p.oldest = time.Time{}
	p.gBacklog.Set(0)
	p.mu.Unlock()
	if len(records) == 0 {
		return
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		// Cancelled while waiting for a slot; records stay unacked and
		// will be redelivered.
		return
	}
	if wait {
		defer p.sem.Release(1)
		p.flushBatch(ctx, records)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.flushBatch(ctx, records)
	}()
}

func (p *Pipeline) flushBatch(ctx context.Context, records []Record) {
	start := time.Now()
	p.flushes.Add(1)
	valid, invalid := p.validator.Partition(records)
	p.invalid.Add(uint64(len(invalid)))

	outcome := "ok"
	if len(valid) > 0 {
		batch := make([]models.MetricEvent, len(valid))
		for i, r := range valid {
			batch[i] = r.Event
		}
		if err := p.writeWithRetry(ctx, batch); err != nil {
			outcome = "deadletter"
			p.escalate(ctx, valid, err)
		} else {
			p.persisted.Add(uint64(len(valid)))
			for _, r := range valid {
				p.ack(ctx, r)
				if p.bcast != nil {
					p.bcast.MetricUpdate(r.Event)
				}
			}
		}
	}
	// Invalid records are terminal: never persisted, never redelivered.
	for _, r := range invalid {
		p.ack(ctx, r)
	}
	if total := len(records); total > 0 && p.bcast != nil {
		if float64(len(invalid))/float64(total) > 0.1 {
			p.bcast.DataQualityAlert(len(invalid), total)
		}
	}
	if p.sloEval != nil {
		p.sloEval.Record(ctx, "ingest_validity", "etl", int64(len(valid)), int64(len(records)), int(p.cfg.BatchTimeout.Seconds()))
	}
	elapsed := time.Since(start)
	p.procTotalNs.Add(int64(elapsed))
	p.procSamples.Add(1)
	p.mFlushSeconds.Observe(elapsed.Seconds(), outcome)
}

func (p *Pipeline) writeWithRetry(ctx context.Context, batch []models.MetricEvent) error {
	var err error
	delay := p.cfg.RetryDelay
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		if err = p.sink.WriteBatch(ctx, batch); err == nil {
			return nil
		}
		if models.KindOf(err) == models.KindValidation {
			return err
		}
		if attempt < p.cfg.RetryAttempts {
			p.log.WarnCtx(ctx, "batch write failed, retrying",
				"attempt", attempt, "delay", delay.String(), "error", err)
			if !sleepCtx(ctx, delay) {
				return err
			}
			delay *= 2
		}
	}
	return err
}

// escalate dead-letters every record of an exhausted batch. A record whose
// dead-letter publish also fails is dropped with a counter; bounded loss
// beats unbounded retry.
func (p *Pipeline) escalate(ctx context.Context, records []Record, cause error) {
	for _, r := range records {
		if p.dlq == nil || r.Envelope == nil {
			p.droppedBatches.Add(1)
			continue
		}
		err := p.dlq.DeadLetterPublish(ctx, r.Envelope.Subject, r.Envelope.Payload, "storage_write_failed: "+cause.Error(), r.Envelope.Timestamp)
		if err != nil {
			p.droppedBatches.Add(1)
			p.log.ErrorCtx(ctx, "dead-letter publish failed, dropping record",
				"subject", r.Envelope.Subject, "error", err)
			continue
		}
		p.deadLettered.Add(1)
		p.ack(ctx, r)
	}
	if p.bus != nil {
		_ = p.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryETL, Type: "batch_escalated", Severity: "error",
			Fields: map[string]any{"records": len(records), "cause": cause.Error()},
		})
	}
}

func (p *Pipeline) ack(ctx context.Context, r Record) {
	if r.Envelope == nil {
		return
	}
	if err := r.Envelope.Ack(ctx); err != nil {
		p.log.WarnCtx(ctx, "ack failed", "id", r.Envelope.ID, "error", err)
	}
}

// Health applies the documented degradation rules.
func (p *Pipeline) Health() HealthState {
	p.mu.Lock()
	backlog := len(p.buffer)
	p.mu.Unlock()
	var avg time.Duration
	if n := p.procSamples.Load(); n > 0 {
		avg = time.Duration(p.procTotalNs.Load() / n)
	}
	consumed := p.consumed.Load()
	var errRate float64
	if consumed > 0 {
		errRate = float64(p.invalid.Load()+p.droppedBatches.Load()) / float64(consumed)
	}
	conditions := 0
	if backlog > 10*p.cfg.BatchSize {
		conditions++
	}
	if avg > 5*time.Second {
		conditions++
	}
	if errRate > 0.1 {
		conditions++
	}
	st := HealthState{Status: "healthy", Backlog: backlog, AvgProcessing: avg, ErrorRate: errRate}
	switch {
	case conditions >= 2:
		st.Status = "unhealthy"
	case conditions == 1:
		st.Status = "degraded"
	}
	return st
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Consumed:       p.consumed.Load(),
		Persisted:      p.persisted.Load(),
		Invalid:        p.invalid.Load(),
		DeadLettered:   p.deadLettered.Load(),
		DroppedBatches: p.droppedBatches.Load(),
		Flushes:        p.flushes.Load(),
		Paused:         p.paused.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
