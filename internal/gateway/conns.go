package gateway

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Rejection reasons returned by Conns.TryReserve.
const (
	reasonMaxConnections      = "max_connections"
	reasonMaxConnectionsPerIP = "max_connections_per_ip"
)

// Conns tracks live connections: slot counters used for admission limits and
// the handles the broadcaster fans out to.
type Conns struct {
	active atomic.Int64
	total  atomic.Int64

	// Per-IP slot tracking
	ipMu  sync.Mutex
	perIP map[string]int

	mu   sync.RWMutex
	live map[string]*Conn
}

// NewConns creates an empty connection set.
func NewConns() *Conns {
	return &Conns{
		perIP: make(map[string]int),
		live:  make(map[string]*Conn),
	}
}

// TryReserve atomically checks limits and takes a slot for ip.
// Returns "" on success, or the reason the limit was hit.
func (s *Conns) TryReserve(ip string, maxGlobal, maxPerIP int) string {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()

	// Read the atomic under the lock so check-and-increment is one step.
	if int(s.active.Load()) >= maxGlobal {
		return reasonMaxConnections
	}
	if s.perIP[ip] >= maxPerIP {
		return reasonMaxConnectionsPerIP
	}

	s.active.Add(1)
	s.total.Add(1)
	s.perIP[ip]++
	return ""
}

// Release returns a slot taken by TryReserve.
func (s *Conns) Release(ip string) {
	s.active.Add(-1)
	s.ipMu.Lock()
	s.perIP[ip]--
	if s.perIP[ip] <= 0 {
		delete(s.perIP, ip)
	}
	s.ipMu.Unlock()
}

// Attach makes c visible to broadcasts.
func (s *Conns) Attach(c *Conn) {
	s.mu.Lock()
	s.live[c.ID] = c
	s.mu.Unlock()
}

// Detach removes c from broadcasts. It reports whether c was attached.
func (s *Conns) Detach(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[c.ID]; !ok {
		return false
	}
	delete(s.live, c.ID)
	return true
}

// Get returns the live connection with the given id.
func (s *Conns) Get(id string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.live[id]
	return c, ok
}

// List returns the attached connections ordered by connect time.
func (s *Conns) List() []*Conn {
	s.mu.RLock()
	out := make([]*Conn, 0, len(s.live))
	for _, c := range s.live {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Attached returns the number of connections visible to broadcasts.
func (s *Conns) Attached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// ConnectionCount returns the number of reserved slots.
func (s *Conns) ConnectionCount() int {
	return int(s.active.Load())
}

// ConnectionCountForIP returns the reserved slots for a specific IP.
func (s *Conns) ConnectionCountForIP(ip string) int {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	return s.perIP[ip]
}

// TotalConnections returns the number of slots handed out since start.
func (s *Conns) TotalConnections() int64 {
	return s.total.Load()
}
