package gateway

import (
	"log/slog"

	"github.com/presencegw/presencegw/internal/identity"
	"github.com/presencegw/presencegw/internal/metrics"
	"github.com/presencegw/presencegw/internal/presence"
)

// Publisher receives lifecycle events. The Broadcaster is the only consumer.
type Publisher interface {
	Publish(Event)
}

// Manager drives each connection through its lifecycle and is the sole
// writer of the presence registry.
type Manager struct {
	resolver  *identity.Resolver
	registry  *presence.Registry
	conns     *Conns
	publisher Publisher
	metrics   *metrics.Metrics // optional
}

// NewManager wires a lifecycle manager. m may be nil.
func NewManager(resolver *identity.Resolver, registry *presence.Registry, conns *Conns, pub Publisher, m *metrics.Metrics) *Manager {
	return &Manager{
		resolver:  resolver,
		registry:  registry,
		conns:     conns,
		publisher: pub,
		metrics:   m,
	}
}

// Registry returns the registry the manager owns.
func (m *Manager) Registry() *presence.Registry { return m.registry }

// Connect resolves the identity carried in meta and moves c out of
// Connecting. Identified connections are recorded in the registry and a
// Connected event is published; anonymous ones are sent the current
// snapshot directly. Returns the resulting state, which is Closed if c was
// disconnected first.
func (m *Manager) Connect(c *Conn, meta identity.Metadata) State {
	id, ok := m.resolver.Resolve(meta)

	c.mu.Lock()
	defer c.mu.Unlock()

	next := StateAnonymous
	if ok {
		next = StateIdentified
	}
	if !c.transition(StateConnecting, next) {
		return c.State()
	}
	// Attach before touching the registry so c sees every later broadcast.
	m.conns.Attach(c)

	if !ok {
		slog.Debug("anonymous connection", "conn_id", c.ID, "client_ip", c.RemoteIP)
		if f, err := encodeSnapshot(m.registry.Snapshot()); err == nil {
			c.Send(f)
		}
		return StateAnonymous
	}

	c.identity = id
	prev, replaced := m.registry.Put(id, c.ID)
	snap := m.registry.Snapshot()
	if replaced {
		// The superseded socket stays open; its eventual disconnect is stale.
		slog.Info("identity reconnected", "identity", id, "conn_id", c.ID, "prev_conn_id", prev)
		m.countEvent("replaced")
	} else {
		slog.Info("identity online", "identity", id, "conn_id", c.ID, "online", len(snap.Identities))
		m.countEvent("online")
	}
	m.setOnline(len(snap.Identities))
	m.publisher.Publish(Event{Kind: EventConnected, Identity: id, ConnID: c.ID, Snapshot: snap})
	return StateIdentified
}

// Disconnect moves c to Closed. Only the first call has any effect; it
// reports whether this call performed the transition. An identified
// connection is removed from the registry only if it is still the
// connection of record for its identity.
func (m *Manager) Disconnect(c *Conn, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.markClosed()
	if prev == StateClosed {
		return false
	}
	m.conns.Detach(c)

	if prev != StateIdentified {
		slog.Debug("connection closed", "conn_id", c.ID, "state", prev.String(), "cause", cause)
		return true
	}

	id := c.identity
	if !m.registry.RemoveIf(id, c.ID) {
		slog.Debug("stale disconnect ignored", "identity", id, "conn_id", c.ID, "cause", cause)
		m.countEvent("stale")
		return true
	}

	snap := m.registry.Snapshot()
	slog.Info("identity offline", "identity", id, "conn_id", c.ID, "online", len(snap.Identities), "cause", cause)
	m.countEvent("offline")
	m.setOnline(len(snap.Identities))
	m.publisher.Publish(Event{Kind: EventDisconnected, Identity: id, ConnID: c.ID, Snapshot: snap})
	return true
}

func (m *Manager) countEvent(kind string) {
	if m.metrics != nil {
		m.metrics.PresenceEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Manager) setOnline(n int) {
	if m.metrics != nil {
		m.metrics.OnlineUsers.Set(float64(n))
	}
}
