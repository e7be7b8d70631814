package monitor

import (
	"context"
	"sync"

	"github.com/hkdb/threadwatch/internal/email"
	"github.com/rs/zerolog"
)

// opKind tags the operation variants so the queue can inspect queued work
// for coalescing without knowing operation internals.
type opKind int

const (
	opLocalLoad opKind = iota
	opReseed
	opFillWindow
	opAppend
	opRemove
	opExternalAppend
)

// String returns the kind name for logging
func (k opKind) String() string {
	switch k {
	case opLocalLoad:
		return "local-load"
	case opReseed:
		return "reseed"
	case opFillWindow:
		return "fill-window"
	case opAppend:
		return "append"
	case opRemove:
		return "remove"
	case opExternalAppend:
		return "external-append"
	default:
		return "unknown"
	}
}

// operation is a tagged variant: kind selects which of the remaining fields
// are meaningful.
type operation struct {
	kind    opKind
	reason  string           // reseed
	insert  bool             // fill-window
	ids     []email.Id       // append, remove, external-append
	foreign email.FolderPath // external-append
}

// queue is the single-consumer serialized operation queue. Producers enqueue
// from event callbacks; one worker goroutine pops and executes operations
// one at a time. Base order is FIFO with two coalescing rules: a non-insert
// fill-window is dropped while another fill-window is queued or running, and
// a new reseed supersedes any queued reseed. Append and remove are never
// coalesced since their relative order carries semantics.
type queue struct {
	log zerolog.Logger

	mu      sync.Mutex
	pending []*operation
	running *operation
	closed  bool
	wake    chan struct{}
}

func newQueue(log zerolog.Logger) *queue {
	return &queue{
		log:  log,
		wake: make(chan struct{}, 1),
	}
}

// add enqueues an operation, applying the coalescing rules
func (q *queue) add(op *operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	switch op.kind {
	case opFillWindow:
		if !op.insert && q.hasLocked(opFillWindow) {
			q.log.Debug().Msg("Dropping fill-window, one already queued")
			return
		}
	case opReseed:
		for i, p := range q.pending {
			if p.kind == opReseed {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				q.log.Debug().Msg("Superseding queued reseed")
				break
			}
		}
	}

	q.pending = append(q.pending, op)
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an operation is available, marking it running. Returns
// nil once the queue is closed or the context cancelled.
func (q *queue) pop(ctx context.Context) *operation {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if len(q.pending) > 0 {
			op := q.pending[0]
			q.pending = q.pending[1:]
			q.running = op
			q.mu.Unlock()
			return op
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

// finish clears the running marker after an operation completes
func (q *queue) finish() {
	q.mu.Lock()
	q.running = nil
	q.mu.Unlock()
}

// has reports whether an operation of the given kind is queued or running
func (q *queue) has(kind opKind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hasLocked(kind)
}

func (q *queue) hasLocked(kind opKind) bool {
	if q.running != nil && q.running.kind == kind {
		return true
	}
	for _, op := range q.pending {
		if op.kind == kind {
			return true
		}
	}
	return false
}

// isProcessing reports whether any operation is queued or running
func (q *queue) isProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running != nil || len(q.pending) > 0
}

// clear discards all pending operations
func (q *queue) clear() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// close stops accepting work and wakes the consumer so it can exit
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// reset reopens a closed queue for a new monitoring session
func (q *queue) reset() {
	q.mu.Lock()
	q.pending = nil
	q.running = nil
	q.closed = false
	q.mu.Unlock()

	// Drain a stale wakeup left over from the previous session
	select {
	case <-q.wake:
	default:
	}
}
