package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/presencegw/presencegw/internal/metrics"
	"github.com/presencegw/presencegw/internal/presence"
)

func snapshotEvent(version uint64, ids ...string) Event {
	if ids == nil {
		ids = []string{}
	}
	return Event{Kind: EventConnected, Snapshot: presence.Snapshot{Version: version, Identities: ids}}
}

func decodeWrites(t *testing.T, sock *fakeSocket) []PresenceMessage {
	t.Helper()
	var out []PresenceMessage
	for _, w := range sock.Writes() {
		var msg PresenceMessage
		if err := json.Unmarshal([]byte(w), &msg); err != nil {
			t.Fatalf("decoding %q: %v", w, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestEncodeSnapshot(t *testing.T) {
	tests := []struct {
		name string
		snap presence.Snapshot
		want string
	}{
		{"two users", presence.Snapshot{Version: 7, Identities: []string{"u1", "u2"}}, `{"event":"getOnlineUsers","data":["u1","u2"],"version":7}`},
		{"empty", presence.Snapshot{Version: 3, Identities: []string{}}, `{"event":"getOnlineUsers","data":[],"version":3}`},
		{"nil identities", presence.Snapshot{}, `{"event":"getOnlineUsers","data":[],"version":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := encodeSnapshot(tt.snap)
			if err != nil {
				t.Fatalf("encodeSnapshot: %v", err)
			}
			if string(f.data) != tt.want {
				t.Errorf("data = %s, want %s", f.data, tt.want)
			}
			if f.version != tt.snap.Version {
				t.Errorf("version = %d, want %d", f.version, tt.snap.Version)
			}
		})
	}
}

func TestPublishKeepsNewestEvent(t *testing.T) {
	b := NewBroadcaster(NewConns(), nil)

	b.Publish(snapshotEvent(2, "a", "b"))
	b.Publish(snapshotEvent(1, "a"))
	b.Publish(snapshotEvent(3, "b"))
	b.Publish(snapshotEvent(2, "a", "b"))

	b.mu.Lock()
	got := b.latest.Snapshot.Version
	b.mu.Unlock()
	if got != 3 {
		t.Errorf("pending version = %d, want 3", got)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster(NewConns(), nil)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 1000; i++ {
			b.Publish(snapshotEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with no Run loop")
	}
}

func TestBroadcastReachesEveryAttachedConnection(t *testing.T) {
	conns := NewConns()
	b := NewBroadcaster(conns, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var socks []*fakeSocket
	for i := 0; i < 3; i++ {
		sock := newFakeSocket()
		c := NewConn(sock, "127.0.0.1")
		conns.Attach(c)
		go c.writeLoop(ctx, time.Second)
		socks = append(socks, sock)
	}
	go b.Run(ctx)

	b.Publish(snapshotEvent(1, "u1"))

	for i, sock := range socks {
		sock.waitWrites(t, 1)
		msgs := decodeWrites(t, sock)
		if len(msgs) != 1 || msgs[0].Event != PresenceEventName || msgs[0].Version != 1 {
			t.Errorf("socket %d got %+v, want one v1 presence event", i, msgs)
		}
	}
	waitFor(t, "broadcast count", func() bool { return b.Broadcasts() == 1 })
	if v, ok := b.LastVersion(); !ok || v != 1 {
		t.Errorf("LastVersion() = (%d, %v), want (1, true)", v, ok)
	}
}

func TestBroadcastSkipsDetachedConnection(t *testing.T) {
	conns := NewConns()
	b := NewBroadcaster(conns, nil)

	kept := testConn("kept")
	gone := testConn("gone")
	conns.Attach(kept)
	conns.Attach(gone)
	conns.Detach(gone)

	b.Publish(snapshotEvent(1, "u1"))
	b.flush()

	if kept.pending.Load() == nil {
		t.Error("attached connection did not receive the snapshot")
	}
	if gone.pending.Load() != nil {
		t.Error("detached connection received the snapshot")
	}
}

func TestBroadcastDropsOlderThanAlreadySent(t *testing.T) {
	conns := NewConns()
	b := NewBroadcaster(conns, nil)
	c := testConn("c1")
	conns.Attach(c)

	b.Publish(snapshotEvent(5, "u1"))
	b.flush()
	c.pending.Store(nil)

	b.Publish(snapshotEvent(4))
	b.flush()

	if c.pending.Load() != nil {
		t.Error("older snapshot was fanned out after a newer one")
	}
	if b.Broadcasts() != 1 {
		t.Errorf("Broadcasts() = %d, want 1", b.Broadcasts())
	}
}

// TestSlowClientOnlySeesIncreasingVersions holds one socket's writes while
// many snapshots are published, then checks that what it receives is in
// strictly increasing version order and ends at the newest snapshot.
func TestSlowClientOnlySeesIncreasingVersions(t *testing.T) {
	conns := NewConns()
	reg := prometheus.NewRegistry()
	met := metrics.NewWithRegistry(reg)
	b := NewBroadcaster(conns, met)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := newFakeSocket()
	slow.gate = make(chan struct{}, 100)
	sc := NewConn(slow, "127.0.0.1")
	conns.Attach(sc)
	go sc.writeLoop(ctx, 5*time.Second)

	fast := newFakeSocket()
	fc := NewConn(fast, "127.0.0.1")
	conns.Attach(fc)
	go fc.writeLoop(ctx, 5*time.Second)

	go b.Run(ctx)

	for v := uint64(1); v <= 50; v++ {
		b.Publish(snapshotEvent(v, "u1"))
	}
	waitFor(t, "final broadcast", func() bool {
		v, ok := b.LastVersion()
		return ok && v == 50
	})

	// Release the slow writer.
	for i := 0; i < 100; i++ {
		slow.gate <- struct{}{}
	}
	waitFor(t, "slow client catch-up", func() bool {
		v, ok := sc.LastVersion()
		return ok && v == 50
	})
	waitFor(t, "fast client catch-up", func() bool {
		v, ok := fc.LastVersion()
		return ok && v == 50
	})

	for name, sock := range map[string]*fakeSocket{"slow": slow, "fast": fast} {
		msgs := decodeWrites(t, sock)
		for i := 1; i < len(msgs); i++ {
			if msgs[i].Version <= msgs[i-1].Version {
				t.Errorf("%s client: version %d after %d", name, msgs[i].Version, msgs[i-1].Version)
			}
		}
	}
	if got := len(decodeWrites(t, slow)); got > 3 {
		t.Errorf("slow client got %d writes, want at most 3 (coalesced)", got)
	}
	if got := testutil.ToFloat64(met.BroadcastsTotal); got < 1 {
		t.Errorf("broadcasts_total = %v, want at least 1", got)
	}
}
