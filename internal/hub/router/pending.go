package router

import (
	"sync"
	"time"

	"github.com/sessionfab/sessionfab/internal/metrics"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

// pending is one in-flight forwarded command. deliver is invoked exactly
// once, with the endpoint's response or a synthesized failure.
type pending struct {
	correlationID  string
	adminID        int64
	targetIdentity string
	endpointID     int64
	command        string
	started        time.Time

	deliver func(resp *protocol.Response)
	timer   *time.Timer
}

// pendingTable indexes in-flight commands by correlation id. Removal is
// the resolution point: whoever removes an entry owns its delivery, so a
// response, a deadline, and a disconnect can race without double delivery.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pending)}
}

func (t *pendingTable) add(p *pending) {
	t.mu.Lock()
	t.entries[p.correlationID] = p
	t.mu.Unlock()
	metrics.PendingCommands.Inc()
}

// remove takes ownership of the entry. ok is false when it was already
// resolved; the caller then discards whatever it was holding.
func (t *pendingTable) remove(correlationID string) (*pending, bool) {
	t.mu.Lock()
	p, ok := t.entries[correlationID]
	if ok {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	metrics.PendingCommands.Dec()
	return p, true
}

// removeWhere takes ownership of every entry matching the predicate.
func (t *pendingTable) removeWhere(match func(*pending) bool) []*pending {
	t.mu.Lock()
	var out []*pending
	for id, p := range t.entries {
		if match(p) {
			delete(t.entries, id)
			out = append(out, p)
		}
	}
	t.mu.Unlock()
	for _, p := range out {
		if p.timer != nil {
			p.timer.Stop()
		}
		metrics.PendingCommands.Dec()
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
