// Package ingress implements the bounded queue Stem's senses arrive
// through and the one-way gate that stops admission during shutdown.
//
// Grounded on the donor's kernel.Processor (internal/kernel/events.go):
// same buffered-channel-plus-producer-goroutine shape, but with one
// deliberate behavior change. The donor drops an event when its queue
// is full (select/default, metrics.EventsDroppedTotal{"queue_full"}).
// spec.md requires the opposite: sense producers must block rather
// than silently lose a sense, so Send here blocks until there is room
// or its context is cancelled. A Send already blocked when the gate
// closes keeps waiting for room; only sends that start after CloseGate
// get ErrGateClosed.
package ingress

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stemrun/stem/internal/observability"
	"github.com/stemrun/stem/internal/sense"
)

// ErrGateClosed is returned by Send once CloseGate has been called and
// no further senses will be admitted.
var ErrGateClosed = fmt.Errorf("ingress: gate closed")

// Queue is a bounded, single-consumer mpsc channel of senses with a
// one-way open/closed gate. Construction fixes the capacity; the gate
// starts open and can only ever transition open -> closed.
type Queue struct {
	ch      chan sense.Sense
	closed  atomic.Bool
	log     *zap.Logger
	metrics *observability.Metrics
}

// New constructs a Queue with the given capacity. capacity must be > 0.
func New(capacity int, log *zap.Logger) *Queue {
	if capacity <= 0 {
		panic("ingress: capacity must be > 0")
	}
	return &Queue{ch: make(chan sense.Sense, capacity), log: log}
}

// WithMetrics attaches a Prometheus metrics sink. Optional; a nil sink
// is never dereferenced.
func (q *Queue) WithMetrics(m *observability.Metrics) *Queue {
	q.metrics = m
	return q
}

// Send admits a sense, blocking while the queue is full. Returns
// ErrGateClosed if the gate has already been closed, whether or not
// the queue had room; ctx cancellation returns ctx.Err() instead of
// blocking forever.
func (q *Queue) Send(ctx context.Context, s sense.Sense) error {
	if q.closed.Load() {
		if q.metrics != nil {
			q.metrics.SensesRejectedTotal.Inc()
		}
		return ErrGateClosed
	}

	select {
	case q.ch <- s:
		q.observeSend(s)
		return nil
	default:
	}

	select {
	case q.ch <- s:
		q.observeSend(s)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) observeSend(s sense.Sense) {
	if q.metrics == nil {
		return
	}
	q.metrics.SensesReceivedTotal.WithLabelValues(s.Kind().String()).Inc()
	q.metrics.IngressQueueDepth.Set(float64(len(q.ch)))
}

// SendSleepBlocking enqueues the terminal Sleep sense, bypassing the
// gate check: it is the shutdown sequence's own call, issued after
// CloseGate, and must succeed even though the gate is already closed.
// It still blocks for room like any other send.
func (q *Queue) SendSleepBlocking(ctx context.Context) error {
	select {
	case q.ch <- sense.NewSleep():
		return nil
	default:
	}

	select {
	case q.ch <- sense.NewSleep():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseGate flips the gate closed. Idempotent. Does not close the
// underlying channel — Stem's loop keeps draining whatever is already
// queued until it consumes the terminal Sleep sense.
func (q *Queue) CloseGate() {
	if q.closed.CompareAndSwap(false, true) {
		q.log.Info("ingress: gate closed")
	}
}

// GateOpen reports whether new sends are still admitted.
func (q *Queue) GateOpen() bool {
	return !q.closed.Load()
}

// Recv returns the channel Stem's loop ranges over to pull queued senses.
func (q *Queue) Recv() <-chan sense.Sense {
	return q.ch
}

// Len returns the number of senses currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Empty reports whether the queue currently holds no senses. Stem's
// loop does not call it; shutdown ends when the loop consumes Sleep.
func (q *Queue) Empty() bool {
	return len(q.ch) == 0
}
