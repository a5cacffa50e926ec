package presence

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestRegistryPutAndSnapshot(t *testing.T) {
	r := NewRegistry()

	if r.Len() != 0 {
		t.Errorf("empty registry Len() = %d, want 0", r.Len())
	}

	if prev, replaced := r.Put("u1", "c1"); replaced || prev != "" {
		t.Errorf("Put(u1) = (%q, %v), want (\"\", false)", prev, replaced)
	}
	r.Put("u2", "c2")

	snap := r.Snapshot()
	if want := []string{"u1", "u2"}; !reflect.DeepEqual(snap.Identities, want) {
		t.Errorf("Snapshot() = %v, want %v", snap.Identities, want)
	}
	if snap.Version != 2 {
		t.Errorf("Version = %d, want 2", snap.Version)
	}
}

func TestRegistryPutReplacesAndKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Put("u1", "c1")
	r.Put("u2", "c2")

	prev, replaced := r.Put("u1", "c3")
	if !replaced || prev != "c1" {
		t.Errorf("Put(u1, c3) = (%q, %v), want (c1, true)", prev, replaced)
	}

	if got, _ := r.Lookup("u1"); got != "c3" {
		t.Errorf("Lookup(u1) = %q, want c3", got)
	}
	if want := []string{"u1", "u2"}; !reflect.DeepEqual(r.Snapshot().Identities, want) {
		t.Errorf("Snapshot() = %v, want %v", r.Snapshot().Identities, want)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (one entry per identity)", r.Len())
	}
}

func TestRegistryRemoveIf(t *testing.T) {
	tests := []struct {
		name    string
		connID  string
		want    bool
		wantIDs []string
	}{
		{"current connection", "c1", true, []string{}},
		{"stale connection", "c0", false, []string{"u1"}},
		{"empty connection id", "", false, []string{"u1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Put("u1", "c1")
			before := r.Version()

			if got := r.RemoveIf("u1", tt.connID); got != tt.want {
				t.Errorf("RemoveIf(u1, %q) = %v, want %v", tt.connID, got, tt.want)
			}
			if got := r.Snapshot().Identities; !reflect.DeepEqual(got, tt.wantIDs) {
				t.Errorf("Snapshot() = %v, want %v", got, tt.wantIDs)
			}
			if !tt.want && r.Version() != before {
				t.Error("failed RemoveIf must not change the version")
			}
		})
	}
}

func TestRegistryRemoveIfUnknownIdentity(t *testing.T) {
	r := NewRegistry()
	if r.RemoveIf("nobody", "c1") {
		t.Error("RemoveIf on unknown identity should return false")
	}
}

func TestRegistryReconnectThenStaleDisconnect(t *testing.T) {
	r := NewRegistry()
	r.Put("u", "c1")
	r.Put("u", "c2")

	if r.RemoveIf("u", "c1") {
		t.Fatal("stale disconnect of c1 must not remove the c2 entry")
	}
	if got, ok := r.Lookup("u"); !ok || got != "c2" {
		t.Errorf("Lookup(u) = (%q, %v), want (c2, true)", got, ok)
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Put("u1", "c1")

	snap := r.Snapshot()
	snap.Identities[0] = "mutated"

	if got := r.Snapshot().Identities[0]; got != "u1" {
		t.Errorf("registry changed through snapshot: %q", got)
	}
}

func TestRegistryRemoveMiddlePreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Put("a", "1")
	r.Put("b", "2")
	r.Put("c", "3")
	r.RemoveIf("b", "2")
	r.Put("b", "4")

	if want := []string{"a", "c", "b"}; !reflect.DeepEqual(r.Snapshot().Identities, want) {
		t.Errorf("Snapshot() = %v, want %v", r.Snapshot().Identities, want)
	}
}

func TestSnapshotContains(t *testing.T) {
	s := Snapshot{Identities: []string{"u1", "u2"}}
	if !s.Contains("u2") {
		t.Error("Contains(u2) = false, want true")
	}
	if s.Contains("u3") {
		t.Error("Contains(u3) = true, want false")
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", g)
			for i := 0; i < 100; i++ {
				conn := fmt.Sprintf("c%d-%d", g, i)
				r.Put(id, conn)
				if i%2 == 0 {
					r.RemoveIf(id, conn)
				}
			}
		}(g)
	}

	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := r.Snapshot()
				seen := make(map[string]bool, len(snap.Identities))
				for _, id := range snap.Identities {
					if seen[id] {
						t.Errorf("identity %q appears twice in snapshot", id)
						return
					}
					seen[id] = true
				}
			}
		}()
	}

	wg.Wait()

	// Every goroutine ended on an odd iteration that was not removed.
	if r.Len() != 20 {
		t.Errorf("Len() = %d, want 20", r.Len())
	}
	for g := 0; g < 20; g++ {
		want := fmt.Sprintf("c%d-99", g)
		if got, _ := r.Lookup(fmt.Sprintf("u%d", g)); got != want {
			t.Errorf("Lookup(u%d) = %q, want %q", g, got, want)
		}
	}
}
