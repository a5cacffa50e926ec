package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/presencegw/presencegw/internal/config"
	"github.com/presencegw/presencegw/internal/identity"
	"github.com/presencegw/presencegw/internal/presence"
	"github.com/presencegw/presencegw/internal/security"
)

const testOrigin = "http://localhost:5173"

type testGateway struct {
	srv      *httptest.Server
	handler  *Handler
	registry *presence.Registry
	conns    *Conns
	bc       *Broadcaster
}

func newTestGateway(t *testing.T, mutate func(*config.Config), rl *security.RateLimiter) *testGateway {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Gateway.PingInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := presence.NewRegistry()
	conns := NewConns()
	bc := NewBroadcaster(conns, nil)
	mgr := NewManager(identity.NewResolver(cfg.Gateway.IdentityKey, cfg.Gateway.MaxIdentityLength), registry, conns, bc, nil)
	h := NewHandler(cfg, mgr, conns, rl, ctx)
	go bc.Run(ctx)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testGateway{srv: srv, handler: h, registry: registry, conns: conns, bc: bc}
}

func (g *testGateway) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/socket"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (g *testGateway) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, g.wsURL(query), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {testOrigin}},
	})
	if err != nil {
		t.Fatalf("dial %q: %v", query, err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

// dialStatus attempts a handshake and returns the HTTP status it was refused with.
func (g *testGateway) dialStatus(t *testing.T, origin string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if origin != "" {
		opts.HTTPHeader.Set("Origin", origin)
	}
	c, resp, err := websocket.Dial(ctx, g.wsURL("userId=x"), opts)
	if err == nil {
		c.CloseNow()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		t.Fatalf("dial failed without a response: %v", err)
	}
	return resp.StatusCode
}

// readUntil reads presence events until one carries want.
func readUntil(t *testing.T, c *websocket.Conn, want []string) PresenceMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var last PresenceMessage
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %v (last %v): %v", want, last.Data, err)
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("decoding %s: %v", data, err)
		}
		if last.Event != PresenceEventName {
			t.Fatalf("event = %q, want %q", last.Event, PresenceEventName)
		}
		if reflect.DeepEqual(last.Data, want) {
			return last
		}
	}
}

func TestStatusRoute(t *testing.T) {
	g := newTestGateway(t, nil, nil)

	resp, err := http.Get(g.srv.URL + StatusPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "Server is live" {
		t.Errorf("GET %s = %d %q, want 200 %q", StatusPath, resp.StatusCode, body, "Server is live")
	}
}

func TestNonUpgradeRequestRejected(t *testing.T) {
	g := newTestGateway(t, nil, nil)

	resp, err := http.Get(g.srv.URL + "/socket")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	g := newTestGateway(t, nil, nil)

	resp, err := http.Get(g.srv.URL + "/elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOriginAllowList(t *testing.T) {
	g := newTestGateway(t, nil, nil)

	tests := []struct {
		name   string
		origin string
		want   int
	}{
		{"allowed", testOrigin, http.StatusSwitchingProtocols},
		{"allowed other case", "HTTP://LOCALHOST:3000", http.StatusSwitchingProtocols},
		{"foreign", "https://evil.example", http.StatusForbidden},
		{"missing", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.dialStatus(t, tt.origin); got != tt.want {
				t.Errorf("handshake status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOriginReloadTakesEffect(t *testing.T) {
	g := newTestGateway(t, nil, nil)
	if got := g.dialStatus(t, "https://chat.example.com"); got != http.StatusForbidden {
		t.Fatalf("before reload status = %d, want 403", got)
	}

	cfg := *g.handler.GetConfig()
	cfg.Gateway.AllowedOrigins = []string{"https://chat.example.com"}
	g.handler.UpdateConfig(&cfg)

	if got := g.dialStatus(t, "https://chat.example.com"); got != http.StatusSwitchingProtocols {
		t.Errorf("after reload status = %d, want 101", got)
	}
}

func TestHandshakeRateLimit(t *testing.T) {
	rl := security.NewRateLimiter(rate.Every(time.Hour), 1)
	defer rl.Stop()
	g := newTestGateway(t, func(c *config.Config) { c.Security.RateLimit.Enabled = true }, rl)

	if got := g.dialStatus(t, testOrigin); got != http.StatusSwitchingProtocols {
		t.Fatalf("first handshake status = %d, want 101", got)
	}
	if got := g.dialStatus(t, testOrigin); got != http.StatusTooManyRequests {
		t.Errorf("second handshake status = %d, want 429", got)
	}
}

func TestConnectionLimits(t *testing.T) {
	t.Run("global", func(t *testing.T) {
		g := newTestGateway(t, func(c *config.Config) { c.Security.MaxConnections = 1 }, nil)
		g.dial(t, "userId=a")
		if got := g.dialStatus(t, testOrigin); got != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", got)
		}
	})
	t.Run("per ip", func(t *testing.T) {
		g := newTestGateway(t, func(c *config.Config) { c.Security.MaxConnectionsPerIP = 1 }, nil)
		g.dial(t, "userId=a")
		if got := g.dialStatus(t, testOrigin); got != http.StatusTooManyRequests {
			t.Errorf("status = %d, want 429", got)
		}
	})
}

func TestTwoUserScenarioOverSockets(t *testing.T) {
	g := newTestGateway(t, nil, nil)

	c1 := g.dial(t, "userId=u1")
	readUntil(t, c1, []string{"u1"})

	c2 := g.dial(t, "userId=u2")
	readUntil(t, c1, []string{"u1", "u2"})
	readUntil(t, c2, []string{"u1", "u2"})

	c1.Close(websocket.StatusNormalClosure, "logout")
	readUntil(t, c2, []string{"u2"})

	// u2 reconnects; the old socket reports its disconnect afterwards.
	c3 := g.dial(t, "userId=u2")
	readUntil(t, c3, []string{"u2"})
	c2.Close(websocket.StatusNormalClosure, "")

	waitFor(t, "old socket teardown", func() bool { return g.conns.Attached() == 1 })

	snap := g.registry.Snapshot()
	if !reflect.DeepEqual(snap.Identities, []string{"u2"}) {
		t.Errorf("final snapshot = %v, want [u2]", snap.Identities)
	}
	live := g.conns.List()
	if id, _ := g.registry.Lookup("u2"); len(live) != 1 || id != live[0].ID {
		t.Errorf("u2 maps to %q, want the surviving connection", id)
	}
}

func TestAnonymousSocketGetsInitialSnapshot(t *testing.T) {
	g := newTestGateway(t, nil, nil)

	u := g.dial(t, "userId=u1")
	readUntil(t, u, []string{"u1"})

	anon := g.dial(t, "userId=undefined")
	msg := readUntil(t, anon, []string{"u1"})
	if msg.Version != g.registry.Version() {
		t.Errorf("initial snapshot version = %d, want %d", msg.Version, g.registry.Version())
	}
	if g.registry.Len() != 1 {
		t.Errorf("registry Len() = %d, want 1", g.registry.Len())
	}

	// Anonymous sockets still receive broadcasts.
	g.dial(t, "userId=u2")
	readUntil(t, anon, []string{"u1", "u2"})
}

func TestCustomIdentityKey(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) { c.Gateway.IdentityKey = "uid" }, nil)

	c := g.dial(t, "uid=alice")
	readUntil(t, c, []string{"alice"})
}

func TestDrainClosesWithGoingAway(t *testing.T) {
	g := newTestGateway(t, nil, nil)

	c := g.dial(t, "userId=u1")
	readUntil(t, c, []string{"u1"})

	g.handler.StartDrain()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err == nil {
			continue
		}
		if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
			t.Errorf("close status = %v (err %v), want StatusGoingAway", status, err)
		}
		break
	}

	waitFor(t, "registry cleared", func() bool { return g.registry.Len() == 0 })
	g.handler.Wait()
	if n := g.conns.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount() = %d after drain, want 0", n)
	}
}

func TestKeepaliveEvictsSilentClient(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) {
		c.Gateway.PingInterval = 50 * time.Millisecond
		c.Gateway.PongTimeout = 100 * time.Millisecond
	}, nil)

	// A client that never reads never answers pings.
	g.dial(t, "userId=ghost")
	waitFor(t, "ghost online", func() bool { return g.registry.Len() == 1 })
	waitFor(t, "ghost evicted", func() bool { return g.registry.Len() == 0 })
}

func TestIsWebSocketUpgrade(t *testing.T) {
	tests := []struct {
		name       string
		upgrade    string
		connection string
		want       bool
	}{
		{"standard", "websocket", "Upgrade", true},
		{"mixed case", "WebSocket", "keep-alive, Upgrade", true},
		{"no upgrade header", "", "Upgrade", false},
		{"no connection token", "websocket", "keep-alive", false},
		{"other protocol", "h2c", "Upgrade", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/socket", nil)
			if tt.upgrade != "" {
				r.Header.Set("Upgrade", tt.upgrade)
			}
			r.Header.Set("Connection", tt.connection)
			if got := isWebSocketUpgrade(r); got != tt.want {
				t.Errorf("isWebSocketUpgrade() = %v, want %v", got, tt.want)
			}
		})
	}
}
