package logging

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Record is one log entry retained in the in-memory ring for remote
// retrieval via get_logs.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Logger  string         `json:"logger,omitempty"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects records from the ring. Zero values match everything.
type Filter struct {
	MinLevel       *slog.Level
	LoggerContains string
	Since          time.Time
	Limit          int
}

// Ring is a fixed-capacity buffer of the most recent records. Appends never
// overwrite a newer record with an older one; eviction is strictly oldest
// first.
type Ring struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

// NewRing creates a ring holding at most size records.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{buf: make([]Record, size)}
}

// Append adds a record, evicting the oldest when full.
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Len reports how many records the ring currently holds.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Snapshot returns matching records oldest first. Limit keeps the most
// recent N matches.
func (r *Ring) Snapshot(f Filter) []Record {
	r.mu.Lock()
	ordered := r.orderedLocked()
	r.mu.Unlock()

	var out []Record
	for _, rec := range ordered {
		if f.MinLevel != nil {
			lvl, err := ParseLevel(rec.Level)
			if err != nil || lvl < *f.MinLevel {
				continue
			}
		}
		if f.LoggerContains != "" && !strings.Contains(rec.Logger, f.LoggerContains) {
			continue
		}
		if !f.Since.IsZero() && rec.Time.Before(f.Since) {
			continue
		}
		out = append(out, rec)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (r *Ring) orderedLocked() []Record {
	if !r.full {
		out := make([]Record, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
