package trustcore

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// auditDispatcher decouples trust operations from sink latency. Events are
// queued to a single delivery worker; the queue drains fully on Close so a
// shutdown never discards accepted events. A panicking sink is contained to
// the event that triggered it.
type auditDispatcher struct {
	sink       AuditSink
	queue      chan AuditEvent
	dropIfFull bool

	mu     sync.RWMutex
	closed bool

	drops  atomic.Uint64
	worker sync.WaitGroup
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:       sink,
		queue:      make(chan AuditEvent, cfg.BufferSize),
		dropIfFull: cfg.DropIfFull,
	}

	d.worker.Add(1)
	go func() {
		defer d.worker.Done()
		for event := range d.queue {
			d.deliver(event)
		}
	}()

	return d
}

func (d *auditDispatcher) deliver(event AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Print("trustcore: audit sink panic: ", r)
		}
	}()
	d.sink.Emit(context.Background(), event)
}

// Emit queues an event for delivery. Events without a timestamp are stamped
// on entry. With DropIfFull the call never blocks and full-queue events are
// counted instead; otherwise it blocks until the worker frees space or the
// caller's context ends. After Close the event is discarded.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// The read lock spans the send: Close cannot close the queue while any
	// emitter holds it, so a send on a closed channel is impossible.
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		default:
			d.drops.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
	}
}

// Close stops intake and waits for the worker to drain the queue. Safe to
// call more than once; every call returns only after the drain finishes.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}

	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	d.worker.Wait()
}

// Dropped reports how many events were discarded because the queue was full.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.drops.Load()
}
