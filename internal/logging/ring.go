package logging

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is a captured log record.
type Entry struct {
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries from a Ring. A zero Limit or AfterSeq does not
// restrict; a zero MinLevel is info.
type Filter struct {
	Limit    int
	MinLevel slog.Level
	AfterSeq uint64
}

// Ring keeps the most recent log entries in a fixed-size circular buffer.
// Thread-safe via sync.RWMutex.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	next    int // slot the next entry is written to
	count   int
	seq     uint64
}

// NewRing creates a ring holding up to size entries. Size must be positive.
func NewRing(size int) *Ring {
	return &Ring{entries: make([]Entry, size)}
}

// Add stores e, assigning it the next sequence number and overwriting the
// oldest entry once the ring is full.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
	r.mu.Unlock()
}

// Entries returns matching entries, newest first.
func (r *Ring) Entries(f Filter) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for i := 0; i < r.count; i++ {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		e := r.entries[(r.next-1-i+len(r.entries))%len(r.entries)]
		if e.Seq <= f.AfterSeq {
			// Older entries only have smaller sequence numbers.
			break
		}
		if e.Level < f.MinLevel {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Size returns the ring capacity.
func (r *Ring) Size() int {
	return len(r.entries)
}
