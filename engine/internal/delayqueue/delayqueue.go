package delayqueue

// Deadline-ordered delay queue. The backpressure controller schedules its
// publish retries through one of these instead of ad-hoc timers, so
// cancellation and shutdown drain are uniform. ETL batch retries do not
// use it: they wait inline between attempts.

import (
	"container/heap"
	"sync"
	"time"
)

// item is a scheduled callback with its due time.
type item struct {
	at  time.Time
	seq uint64
	fn  func()
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue dispatches scheduled functions on a single worker goroutine in
// deadline order.
type Queue struct {
	mu      sync.Mutex
	heap    itemHeap
	seq     uint64
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
	nowFn   func() time.Time
}

func New() *Queue {
	q := &Queue{wake: make(chan struct{}, 1), done: make(chan struct{}), nowFn: time.Now}
	q.wg.Add(1)
	go q.loop()
	return q
}

// After schedules fn to run d from now. Non-positive delays dispatch on the
// next loop pass. Returns false once the queue is stopped.
func (q *Queue) After(d time.Duration, fn func()) bool {
	return q.At(q.nowFn().Add(d), fn)
}

// At schedules fn at an absolute deadline.
func (q *Queue) At(at time.Time, fn func()) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.heap, &item{at: at, seq: q.seq, fn: fn})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len reports the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.heap)
	q.mu.Unlock()
	return n
}

// Stop halts dispatch. Pending entries are discarded; in-flight callbacks
// complete. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.heap = nil
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
}

func (q *Queue) loop() {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		var due []*item
		now := q.nowFn()
		for len(q.heap) > 0 && !q.heap[0].at.After(now) {
			due = append(due, heap.Pop(&q.heap).(*item))
		}
		if len(q.heap) > 0 {
			wait = q.heap[0].at.Sub(now)
		}
		q.mu.Unlock()

		for _, it := range due {
			select {
			case <-q.done:
				return
			default:
			}
			it.fn()
		}

		if wait < 0 {
			select {
			case <-q.wake:
			case <-q.done:
				return
			}
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
