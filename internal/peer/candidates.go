package peer

import (
	"encoding/json"
	"sync"

	"github.com/1ureka/supeer/internal/util"
)

// CandidateQueue holds candidates until a sink is attached, then forwards
// them in arrival order. The sink is never called with the lock held, so it
// may block or re-enter other queues.
type CandidateQueue struct {
	Tag string

	mu       sync.Mutex
	queue    []json.RawMessage
	sink     CandidateFunc
	draining bool
	closed   bool
}

// Push queues c, or forwards it if a sink is attached.
func (q *CandidateQueue) Push(c json.RawMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, c)
	q.drain()
}

// Attach sets the sink and flushes everything queued so far.
func (q *CandidateQueue) Attach(sink CandidateFunc) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.sink = sink
	q.drain()
}

// Close drops queued candidates and ignores later ones.
func (q *CandidateQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.queue = nil
	q.mu.Unlock()
}

// drain must be called with q.mu held and releases it.
func (q *CandidateQueue) drain() {
	if q.sink == nil || q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true

	for len(q.queue) > 0 && !q.closed {
		c := q.queue[0]
		q.queue = q.queue[1:]
		sink := q.sink
		q.mu.Unlock()

		if err := sink(c); err != nil {
			util.LogDebug("%s candidate rejected: %v", q.Tag, err)
		}

		q.mu.Lock()
	}

	q.draining = false
	q.mu.Unlock()
}
