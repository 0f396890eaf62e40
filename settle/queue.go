package settle

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const defaultQueueCapacity = 4096

// Queue hands submission identifiers to the settlement workers. It is bounded:
// on overflow the oldest entry is dropped and counted, never blocking the
// submission path. A dropped identifier stays recoverable because its record
// stays unfinished in the ledger: Resume re-enqueues it on the next restart,
// and the reconciliation pass flags it as stale in the meantime.
type Queue struct {
	mu      sync.Mutex
	ring    queueRing[string]
	wake    chan struct{}
	metrics *queueMetrics
}

// NewQueue builds a work queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{
		ring:    newQueueRing[string](capacity),
		wake:    make(chan struct{}, 1),
		metrics: sharedQueueMetrics(),
	}
}

// Enqueue adds a submission identifier for settlement.
func (q *Queue) Enqueue(submissionID string) {
	q.mu.Lock()
	_, dropped := q.ring.push(submissionID)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	if dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Dequeue waits for the next identifier. Returns false once the context ends.
func (q *Queue) Dequeue(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		id, ok := q.ring.pop()
		q.mu.Unlock()
		if ok {
			return id, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-q.wake:
		}
	}
}

// Len reports the number of queued identifiers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.len()
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) len() int {
	return r.size
}

var (
	queueMetricsOnce   sync.Once
	queueMetricsShared *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedQueueMetrics() *queueMetrics {
	queueMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("swarm-resistance-backend/settle")
		counter, err := meter.Int64Counter("swarm.settle.queue.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("swarm-resistance-backend/settle")
			counter, _ = fallback.Int64Counter("swarm.settle.queue.dropped")
		}
		queueMetricsShared = &queueMetrics{dropped: counter}
	})
	return queueMetricsShared
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
