package presence

import (
	"log/slog"
	"sync"
	"time"
)

// Snapshot is a point-in-time read of the registry's identities.
// Identities is never shared with the registry and must not be mutated.
type Snapshot struct {
	Version    uint64
	Identities []string
}

// Contains reports whether identity is present in the snapshot.
func (s Snapshot) Contains(identity string) bool {
	for _, id := range s.Identities {
		if id == identity {
			return true
		}
	}
	return false
}

type entry struct {
	connID string
	since  time.Time
}

// Registry maps a user identity to the connection id currently of record.
// At most one entry exists per identity; a newer connection overwrites the
// previous one. Thread-safe via sync.RWMutex. No I/O happens under the lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // first-registration order of identities in entries
	version uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Put records connID as the connection of record for identity.
// Returns the previous connection id and true if an entry was replaced.
// A replaced identity keeps its position in snapshot order.
func (r *Registry) Put(identity, connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.version++
	if e, ok := r.entries[identity]; ok {
		prev := e.connID
		e.connID = connID
		e.since = time.Now()
		slog.Debug("presence registry: replaced", "identity", identity, "conn_id", connID, "prev_conn_id", prev)
		return prev, true
	}

	r.entries[identity] = &entry{connID: connID, since: time.Now()}
	r.order = append(r.order, identity)
	slog.Debug("presence registry: added", "identity", identity, "conn_id", connID)
	return "", false
}

// RemoveIf deletes the entry for identity only if it still points at connID.
// Returns whether a removal happened. A false result means the disconnect
// is stale: a newer connection already owns the identity, or nothing does.
func (r *Registry) RemoveIf(identity, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || e.connID != connID {
		return false
	}

	delete(r.entries, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.version++
	slog.Debug("presence registry: removed", "identity", identity, "conn_id", connID)
	return true
}

// Snapshot returns the registered identities in first-registration order,
// taken under a single read lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return Snapshot{Version: r.version, Identities: ids}
}

// Lookup returns the connection id of record for identity.
func (r *Registry) Lookup(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	if !ok {
		return "", false
	}
	return e.connID, true
}

// Since returns when identity's current connection was recorded.
func (r *Registry) Since(identity string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	if !ok {
		return time.Time{}, false
	}
	return e.since, true
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Version returns the number of mutations applied so far.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
