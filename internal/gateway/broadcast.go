package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/presencegw/presencegw/internal/metrics"
	"github.com/presencegw/presencegw/internal/presence"
)

// PresenceEventName is the event clients subscribe to for online-set updates.
const PresenceEventName = "getOnlineUsers"

// EventKind says which lifecycle transition produced an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
)

func (k EventKind) String() string {
	if k == EventConnected {
		return "connected"
	}
	return "disconnected"
}

// Event is emitted by the Manager for every registry change.
type Event struct {
	Kind     EventKind
	Identity string
	ConnID   string
	Snapshot presence.Snapshot
}

// PresenceMessage is the wire form of a presence broadcast.
type PresenceMessage struct {
	Event   string   `json:"event"`
	Data    []string `json:"data"`
	Version uint64   `json:"version"`
}

func encodeSnapshot(s presence.Snapshot) (*frame, error) {
	ids := s.Identities
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(PresenceMessage{Event: PresenceEventName, Data: ids, Version: s.Version})
	if err != nil {
		return nil, fmt.Errorf("encoding presence snapshot: %w", err)
	}
	return &frame{version: s.Version, data: data}, nil
}

// Broadcaster fans presence snapshots out to every attached connection.
// Published events land in a single latest-wins slot keyed by snapshot
// version; Run drains the slot, so publishers never block and a snapshot is
// never delivered after a newer one.
type Broadcaster struct {
	conns   *Conns
	metrics *metrics.Metrics // optional

	mu     sync.Mutex
	latest *Event
	signal chan struct{}

	sent       atomic.Uint64 // version+1 of the newest fanned-out snapshot
	broadcasts atomic.Int64
}

// NewBroadcaster creates a broadcaster delivering to conns.
func NewBroadcaster(conns *Conns, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		conns:   conns,
		metrics: m,
		signal:  make(chan struct{}, 1),
	}
}

// Publish hands ev to the broadcaster without blocking. An older event than
// the one already waiting is dropped.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	if b.latest == nil || ev.Snapshot.Version > b.latest.Snapshot.Version {
		b.latest = &ev
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Run delivers published snapshots until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signal:
			b.flush()
		}
	}
}

func (b *Broadcaster) flush() {
	b.mu.Lock()
	ev := b.latest
	b.latest = nil
	b.mu.Unlock()

	if ev == nil || ev.Snapshot.Version+1 <= b.sent.Load() {
		return
	}

	f, err := encodeSnapshot(ev.Snapshot)
	if err != nil {
		slog.Error("presence broadcast dropped", "version", ev.Snapshot.Version, "error", err)
		if b.metrics != nil {
			b.metrics.ErrorsTotal.WithLabelValues("encode").Inc()
		}
		return
	}

	targets := b.conns.List()
	for _, c := range targets {
		c.Send(f)
	}
	b.sent.Store(ev.Snapshot.Version + 1)
	b.broadcasts.Add(1)
	if b.metrics != nil {
		b.metrics.BroadcastsTotal.Inc()
	}
	slog.Debug("presence broadcast",
		"kind", ev.Kind.String(),
		"identity", ev.Identity,
		"version", ev.Snapshot.Version,
		"online", len(ev.Snapshot.Identities),
		"targets", len(targets),
	)
}

// Broadcasts returns how many snapshots have been fanned out.
func (b *Broadcaster) Broadcasts() int64 {
	return b.broadcasts.Load()
}

// LastVersion returns the version of the newest fanned-out snapshot and false
// if nothing has been broadcast yet.
func (b *Broadcaster) LastVersion() (uint64, bool) {
	s := b.sent.Load()
	if s == 0 {
		return 0, false
	}
	return s - 1, true
}
