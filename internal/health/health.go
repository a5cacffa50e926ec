package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/presencegw/presencegw/internal/gateway"
	"github.com/presencegw/presencegw/internal/presence"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	OnlineUsers       int      `json:"online_users"`
	Version           string   `json:"version,omitempty"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	PresenceVersion  uint64  `json:"presence_version"`
	Broadcasts       int64   `json:"broadcasts"`
	Goroutines       int     `json:"goroutines"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime   time.Time
	conns       *gateway.Conns
	registry    *presence.Registry
	broadcaster *gateway.Broadcaster // optional
	version     string
	detailed    bool
	draining    atomic.Bool
}

// NewHandler creates a new health check handler.
func NewHandler(conns *gateway.Conns, registry *presence.Registry, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		conns:     conns,
		registry:  registry,
		version:   version,
		detailed:  detailed,
	}
}

// SetBroadcaster adds broadcast counters to detailed responses.
func (h *Handler) SetBroadcaster(b *gateway.Broadcaster) {
	h.broadcaster = b
}

// SetDraining makes the endpoint report 503 so load balancers stop routing
// new sockets here while existing ones are closed.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// ServeHTTP handles health check requests.
// The health listener runs on loopback, separate from the socket listener,
// so local monitoring (systemd, Prometheus) can reach it without an origin.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpCode := http.StatusOK
	if h.draining.Load() {
		status = "draining"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.conns.ConnectionCount(),
		OnlineUsers:       h.registry.Len(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.conns.TotalConnections(),
			PresenceVersion:  h.registry.Version(),
			Goroutines:       runtime.NumGoroutine(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
		if h.broadcaster != nil {
			resp.Details.Broadcasts = h.broadcaster.Broadcasts()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
