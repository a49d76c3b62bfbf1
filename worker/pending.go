package worker

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// settlement is the single outcome of a pending request: a raw result line
// or an error, never both.
type settlement struct {
	raw json.RawMessage
	err error
}

type pendingRequest struct {
	id          int64
	ch          chan settlement
	timer       *time.Timer
	submittedAt time.Time
}

// pendingTable correlates in-flight requests with asynchronous replies.
// Correlation ids increase monotonically and are never reused while the
// current worker instance is alive. Removal from the map is the settle-once
// guard: whichever of reply, error, timeout, or bulk rejection removes the
// entry wins, and later settlements for the same id are no-ops.
type pendingTable struct {
	log    *zap.SugaredLogger
	nextID atomic.Int64

	mu      sync.Mutex
	entries map[int64]*pendingRequest
}

func newPendingTable(log *zap.SugaredLogger) *pendingTable {
	return &pendingTable{
		log:     log,
		entries: make(map[int64]*pendingRequest),
	}
}

// add registers a new pending request with a local timeout. The timeout
// rejects only this caller; the worker is not informed.
func (p *pendingTable) add(timeout time.Duration) *pendingRequest {
	req := &pendingRequest{
		id:          p.nextID.Add(1),
		ch:          make(chan settlement, 1),
		submittedAt: time.Now(),
	}
	req.timer = time.AfterFunc(timeout, func() {
		if p.settle(req.id, settlement{err: ErrRequestTimeout}) {
			p.log.Debugf("request %d timed out after %s", req.id, time.Since(req.submittedAt))
		}
	})

	p.mu.Lock()
	p.entries[req.id] = req
	p.mu.Unlock()

	return req
}

// settle resolves the pending request with the given outcome. Returns false
// if the id has no live entry, which happens when a reply races a timeout or
// bulk rejection; callers log and drop those.
func (p *pendingTable) settle(id int64, s settlement) bool {
	p.mu.Lock()
	req, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	req.timer.Stop()
	req.ch <- s
	return true
}

// failAll rejects every pending request with err and empties the table.
// Used when the worker dies or the manager stops.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[int64]*pendingRequest)
	p.mu.Unlock()

	for _, req := range entries {
		req.timer.Stop()
		req.ch <- settlement{err: err}
	}
	if len(entries) > 0 {
		p.log.Debugf("rejected %d pending requests: %s", len(entries), err)
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
