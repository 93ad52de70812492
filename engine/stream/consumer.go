package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cadence/engine/models"
)

type DeliverPolicy string

const (
	DeliverAll  DeliverPolicy = "all"
	DeliverLast DeliverPolicy = "last"
	DeliverNew  DeliverPolicy = "new"
)

type AckPolicy string

const (
	AckExplicit AckPolicy = "explicit"
	AckAll      AckPolicy = "all"
	AckNone     AckPolicy = "none"
)

// ConsumerConfig declares a durable cursor on a stream.
type ConsumerConfig struct {
	Stream        string        `json:"stream"`
	Name          string        `json:"name"`
	FilterSubject string        `json:"filterSubject,omitempty"`
	Deliver       DeliverPolicy `json:"deliver"`
	Ack           AckPolicy     `json:"ack"`
	MaxDeliver    int           `json:"maxDeliver"`
	AckWait       time.Duration `json:"ackWait"`
	MaxAckPending int           `json:"maxAckPending"`
}

func (c *ConsumerConfig) withDefaults() {
	if c.Deliver == "" {
		c.Deliver = DeliverAll
	}
	if c.Ack == "" {
		c.Ack = AckExplicit
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 3
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1000
	}
}

func consumerKey(stream, name string) string { return stream + "/" + name }

// CreateConsumer declares a durable consumer group. Idempotent: an existing
// group with the same name is accepted as-is.
func (g *Gateway) CreateConsumer(ctx context.Context, cc ConsumerConfig) error {
	if cc.Stream == "" || cc.Name == "" {
		return models.E(models.KindValidation, "stream.consumer", errors.New("stream and name required"))
	}
	cc.withDefaults()
	g.mu.RLock()
	_, known := g.streams[cc.Stream]
	g.mu.RUnlock()
	if !known {
		return models.E(models.KindValidation, "stream.consumer", fmt.Errorf("%w: %s", models.ErrStreamNotFound, cc.Stream))
	}
	start := "0"
	switch cc.Deliver {
	case DeliverNew:
		start = "$"
	case DeliverLast:
		// Start just before the newest entry so it is the first delivery.
		if last, err := g.rdb.XRevRangeN(ctx, g.streamKey(cc.Stream), "+", "-", 1).Result(); err == nil && len(last) == 1 {
			ms, seq, _ := strings.Cut(last[0].ID, "-")
			start = previousID(ms, seq)
		} else {
			start = "$"
		}
	}
	err := g.rdb.XGroupCreateMkStream(ctx, g.streamKey(cc.Stream), cc.Name, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return models.E(models.KindTransient, "stream.consumer", err)
	}
	g.mu.Lock()
	g.consumers[consumerKey(cc.Stream, cc.Name)] = cc
	g.mu.Unlock()
	return nil
}

func previousID(ms, seq string) string {
	if seq != "0" {
		var n uint64
		_, _ = fmt.Sscanf(seq, "%d", &n)
		if n > 0 {
			return fmt.Sprintf("%s-%d", ms, n-1)
		}
	}
	var m uint64
	_, _ = fmt.Sscanf(ms, "%d", &m)
	if m == 0 {
		return "0"
	}
	return fmt.Sprintf("%d-18446744073709551615", m-1)
}

// Consumers lists declared consumers.
func (g *Gateway) Consumers() []ConsumerConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ConsumerConfig, 0, len(g.consumers))
	for _, cc := range g.consumers {
		out = append(out, cc)
	}
	return out
}

// PauseConsumer suspends deliveries to a consumer; Consume returns empty
// batches while paused.
func (g *Gateway) PauseConsumer(stream, name string) {
	g.mu.Lock()
	g.paused[consumerKey(stream, name)] = true
	g.mu.Unlock()
}

func (g *Gateway) ResumeConsumer(stream, name string) {
	g.mu.Lock()
	delete(g.paused, consumerKey(stream, name))
	g.mu.Unlock()
}

func (g *Gateway) consumerPaused(stream, name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused[consumerKey(stream, name)]
}

// Envelope is one delivered message plus its ack controls.
type Envelope struct {
	Stream       string
	Consumer     string
	ID           string
	Subject      string
	Payload      []byte
	Timestamp    time.Time
	Redeliveries int64

	gw  *Gateway
	cfg ConsumerConfig
}

// Decode unmarshals the JSON payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return models.E(models.KindValidation, "stream.decode", err)
	}
	return nil
}

// Ack marks the message processed.
func (e *Envelope) Ack(ctx context.Context) error {
	if e.cfg.Ack == AckNone {
		return nil
	}
	if err := e.gw.rdb.XAck(ctx, e.gw.streamKey(e.Stream), e.cfg.Name, e.ID).Err(); err != nil {
		return models.E(models.KindTransient, "stream.ack", err)
	}
	return nil
}

// Nak leaves the message pending for redelivery. Once delivery attempts
// reach MaxDeliver the message is routed to the dead-letter subject with
// the supplied reason, and acked on its origin stream.
func (e *Envelope) Nak(ctx context.Context, reason string) error {
	if e.Redeliveries+1 >= int64(e.cfg.MaxDeliver) {
		if err := e.gw.DeadLetterPublish(ctx, e.Subject, e.Payload, reason, e.Timestamp); err != nil {
			return err
		}
		return e.Ack(ctx)
	}
	// Leave pending: the ack-wait reclaim in the next Consume redelivers.
	return nil
}

// Batch is the finite result of one Consume call.
type Batch struct {
	envelopes []Envelope
	pos       int
}

// Next yields the next envelope; ok is false once exhausted.
func (b *Batch) Next() (*Envelope, bool) {
	if b == nil || b.pos >= len(b.envelopes) {
		return nil, false
	}
	e := &b.envelopes[b.pos]
	b.pos++
	return e, true
}

// Len reports the remaining envelope count.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.envelopes) - b.pos
}

// Consume fetches up to batchSize messages for a durable consumer, first
// reclaiming deliveries whose ack-wait expired, then reading new entries,
// blocking up to maxWait when the stream is idle.
func (g *Gateway) Consume(ctx context.Context, streamName, consumer string, batchSize int, maxWait time.Duration) (*Batch, error) {
	g.mu.RLock()
	cc, ok := g.consumers[consumerKey(streamName, consumer)]
	g.mu.RUnlock()
	if !ok {
		return nil, models.E(models.KindValidation, "stream.consume", fmt.Errorf("unknown consumer %s on %s", consumer, streamName))
	}
	if g.consumerPaused(streamName, consumer) {
		return &Batch{}, nil
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	key := g.streamKey(streamName)
	workerID := cc.Name + "-worker"
	batch := &Batch{}

	// Reclaim expired pending deliveries first so poisoned messages keep
	// making progress toward the dead-letter escape.
	claimed, _, err := g.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream: key, Group: cc.Name, Consumer: workerID,
		MinIdle: cc.AckWait, Start: "0", Count: int64(batchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		g.mErrors.Inc(1, "consume")
		return nil, models.E(models.KindTransient, "stream.consume", err)
	}
	retries := g.pendingRetries(ctx, key, cc.Name, claimed)
	for _, m := range claimed {
		if env, ok := g.envelopeFromMessage(m, streamName, workerID, cc, retries[m.ID]); ok {
			batch.envelopes = append(batch.envelopes, env)
		}
	}

	remaining := batchSize - len(batch.envelopes)
	if remaining > 0 {
		streams, err := g.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group: cc.Name, Consumer: workerID,
			Streams: []string{key, ">"},
			Count:   int64(remaining),
			Block:   maxWait,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			g.mErrors.Inc(1, "consume")
			return nil, models.E(models.KindTransient, "stream.consume", err)
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				if env, ok := g.envelopeFromMessage(m, streamName, workerID, cc, 0); ok {
					batch.envelopes = append(batch.envelopes, env)
				}
			}
		}
	}
	return batch, nil
}

// pendingRetries maps claimed entry ids to their redelivery counts.
func (g *Gateway) pendingRetries(ctx context.Context, key, group string, claimed []redis.XMessage) map[string]int64 {
	out := make(map[string]int64, len(claimed))
	if len(claimed) == 0 {
		return out
	}
	pending, err := g.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key, Group: group, Start: "-", End: "+", Count: int64(len(claimed)) + 16,
	}).Result()
	if err != nil {
		return out
	}
	for _, p := range pending {
		// RetryCount counts deliveries; redeliveries are one fewer.
		if p.RetryCount > 0 {
			out[p.ID] = p.RetryCount - 1
		}
	}
	return out
}

func (g *Gateway) envelopeFromMessage(m redis.XMessage, streamName, workerID string, cc ConsumerConfig, redeliveries int64) (Envelope, bool) {
	subject, _ := m.Values[fieldSubject].(string)
	if cc.FilterSubject != "" && !MatchSubject(cc.FilterSubject, subject) {
		// Filtered out: ack immediately so it never redelivers.
		_ = g.rdb.XAck(context.Background(), g.streamKey(streamName), cc.Name, m.ID)
		return Envelope{}, false
	}
	payload, _ := m.Values[fieldPayload].(string)
	var ts time.Time
	if raw, ok := m.Values[fieldTS].(string); ok {
		if ms, err := parseInt(raw); err == nil {
			ts = time.UnixMilli(ms)
		}
	}
	return Envelope{
		Stream:       streamName,
		Consumer:     workerID,
		ID:           m.ID,
		Subject:      subject,
		Payload:      []byte(payload),
		Timestamp:    ts,
		Redeliveries: redeliveries,
		gw:           g,
		cfg:          cc,
	}, true
}

func parseInt(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
