package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/presencegw/presencegw/internal/logging"
)

// statusResponse is the JSON body for GET /api/v1/status.
type statusResponse struct {
	Uptime            string  `json:"uptime"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ActiveConnections int     `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	OnlineUsers       int     `json:"online_users"`
	PresenceVersion   uint64  `json:"presence_version"`
	Broadcasts        int64   `json:"broadcasts"`
	MemoryMB          float64 `json:"memory_mb"`
	Goroutines        int     `json:"goroutines"`
	Version           string  `json:"version"`
	BuildTime         string  `json:"build_time"`
	GitCommit         string  `json:"git_commit"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(a.deps.StartTime)

	resp := statusResponse{
		Uptime:            uptime.Round(time.Second).String(),
		UptimeSeconds:     uptime.Seconds(),
		ActiveConnections: a.deps.Conns.ConnectionCount(),
		TotalConnections:  a.deps.Conns.TotalConnections(),
		OnlineUsers:       a.deps.Registry.Len(),
		PresenceVersion:   a.deps.Registry.Version(),
		MemoryMB:          float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:        runtime.NumGoroutine(),
		Version:           a.deps.Version,
		BuildTime:         a.deps.BuildTime,
		GitCommit:         a.deps.GitCommit,
	}
	if a.deps.Broadcaster != nil {
		resp.Broadcasts = a.deps.Broadcaster.Broadcasts()
	}

	writeJSON(w, http.StatusOK, resp)
}

// presenceEntry is one online identity.
type presenceEntry struct {
	Identity string `json:"identity"`
	ConnID   string `json:"conn_id"`
	Since    string `json:"since,omitempty"`
}

type presenceResponse struct {
	Version uint64          `json:"version"`
	Online  []presenceEntry `json:"online"`
}

func (a *API) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := a.deps.Registry.Snapshot()
	resp := presenceResponse{Version: snap.Version, Online: make([]presenceEntry, 0, len(snap.Identities))}
	for _, id := range snap.Identities {
		// The registry may have moved on since the snapshot; skip what left.
		connID, ok := a.deps.Registry.Lookup(id)
		if !ok {
			continue
		}
		e := presenceEntry{Identity: id, ConnID: connID}
		if since, ok := a.deps.Registry.Since(id); ok {
			e.Since = since.UTC().Format(time.RFC3339)
		}
		resp.Online = append(resp.Online, e)
	}

	writeJSON(w, http.StatusOK, resp)
}

// connectionEntry describes one live socket.
type connectionEntry struct {
	ID          string  `json:"id"`
	Identity    string  `json:"identity,omitempty"`
	State       string  `json:"state"`
	RemoteIP    string  `json:"remote_ip"`
	ConnectedAt string  `json:"connected_at"`
	LastVersion *uint64 `json:"last_version,omitempty"`
}

// ipEntry is a per-IP connection count.
type ipEntry struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

type connectionsResponse struct {
	Connections []connectionEntry `json:"connections"`
	ByIP        []ipEntry         `json:"by_ip"`
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	live := a.deps.Conns.List()
	resp := connectionsResponse{Connections: make([]connectionEntry, 0, len(live))}
	perIP := make(map[string]int)
	for _, c := range live {
		e := connectionEntry{
			ID:          c.ID,
			Identity:    c.Identity(),
			State:       c.State().String(),
			RemoteIP:    c.RemoteIP,
			ConnectedAt: c.ConnectedAt.UTC().Format(time.RFC3339),
		}
		if v, ok := c.LastVersion(); ok {
			e.LastVersion = &v
		}
		resp.Connections = append(resp.Connections, e)
		perIP[c.RemoteIP]++
	}

	resp.ByIP = make([]ipEntry, 0, len(perIP))
	for ip, n := range perIP {
		resp.ByIP = append(resp.ByIP, ipEntry{IP: ip, Count: n})
	}
	sort.Slice(resp.ByIP, func(i, j int) bool {
		if resp.ByIP[i].Count != resp.ByIP[j].Count {
			return resp.ByIP[i].Count > resp.ByIP[j].Count
		}
		return resp.ByIP[i].IP < resp.ByIP[j].IP
	})

	writeJSON(w, http.StatusOK, resp)
}

// configResponse is the JSON body for GET /api/v1/config.
type configResponse struct {
	Reloadable configReloadable `json:"reloadable"`
	ReadOnly   configReadOnly   `json:"read_only"`
}

type configReloadable struct {
	LogLevel            string   `json:"log_level"`
	AllowedOrigins      []string `json:"allowed_origins"`
	AllowMissingOrigin  bool     `json:"allow_missing_origin"`
	MaxConnections      int      `json:"max_connections"`
	MaxConnectionsPerIP int      `json:"max_connections_per_ip"`
	RateLimitEnabled    bool     `json:"rate_limit_enabled"`
	ConnectionsPerMin   int      `json:"connections_per_minute"`
	AdminTokenSet       bool     `json:"admin_token_set"`
}

type configReadOnly struct {
	ListenAddress string `json:"listen_address"`
	Path          string `json:"path"`
	IdentityKey   string `json:"identity_key"`
	HealthAddress string `json:"health_address"`
	TLSEnabled    bool   `json:"tls_enabled"`
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleConfigGet(w, r)
	case http.MethodPut:
		a.handleConfigPut(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg := a.deps.GetConfig()

	resp := configResponse{
		Reloadable: configReloadable{
			LogLevel:            cfg.Logging.Level,
			AllowedOrigins:      cfg.Gateway.AllowedOrigins,
			AllowMissingOrigin:  cfg.Gateway.AllowMissingOrigin,
			MaxConnections:      cfg.Security.MaxConnections,
			MaxConnectionsPerIP: cfg.Security.MaxConnectionsPerIP,
			RateLimitEnabled:    cfg.Security.RateLimit.Enabled,
			ConnectionsPerMin:   cfg.Security.RateLimit.ConnectionsPerMinute,
			AdminTokenSet:       cfg.Security.AdminToken != "",
		},
		ReadOnly: configReadOnly{
			ListenAddress: cfg.Gateway.ListenAddress,
			Path:          cfg.Gateway.Path,
			IdentityKey:   cfg.Gateway.IdentityKey,
			HealthAddress: cfg.Health.ListenAddress,
			TLSEnabled:    cfg.Gateway.TLS.Enabled,
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

// configUpdateRequest is the JSON body for PUT /api/v1/config.
type configUpdateRequest struct {
	LogLevel            *string   `json:"log_level,omitempty"`
	AllowedOrigins      *[]string `json:"allowed_origins,omitempty"`
	MaxConnections      *int      `json:"max_connections,omitempty"`
	MaxConnectionsPerIP *int      `json:"max_connections_per_ip,omitempty"`
	RateLimitEnabled    *bool     `json:"rate_limit_enabled,omitempty"`
	ConnectionsPerMin   *int      `json:"connections_per_minute,omitempty"`
}

func (a *API) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	if a.deps.UpdateConfig == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "config updates not available"})
		return
	}

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	// Apply updates to a copy
	updated := *a.deps.GetConfig()

	if req.LogLevel != nil {
		updated.Logging.Level = *req.LogLevel
	}
	if req.AllowedOrigins != nil {
		updated.Gateway.AllowedOrigins = append([]string(nil), (*req.AllowedOrigins)...)
	}
	if req.MaxConnections != nil {
		updated.Security.MaxConnections = *req.MaxConnections
	}
	if req.MaxConnectionsPerIP != nil {
		updated.Security.MaxConnectionsPerIP = *req.MaxConnectionsPerIP
	}
	if req.RateLimitEnabled != nil {
		updated.Security.RateLimit.Enabled = *req.RateLimitEnabled
	}
	if req.ConnectionsPerMin != nil {
		updated.Security.RateLimit.ConnectionsPerMinute = *req.ConnectionsPerMin
	}

	if err := updated.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	a.deps.UpdateConfig(&updated)
	slog.Info("config updated via admin API",
		"log_level", updated.Logging.Level,
		"allowed_origins", updated.Gateway.AllowedOrigins,
		"max_connections", updated.Security.MaxConnections,
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// logEntryResponse is the JSON form of a captured log record.
type logEntryResponse struct {
	Seq     uint64         `json:"seq"`
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.deps.Ring == nil {
		writeJSON(w, http.StatusOK, []logEntryResponse{})
		return
	}

	filter := logging.Filter{Limit: 100, MinLevel: slog.LevelDebug}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if v := q.Get("level"); v != "" {
		filter.MinLevel = logging.ParseLevel(v)
	}
	if v := q.Get("after"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			filter.AfterSeq = n
		}
	}

	entries := a.deps.Ring.Entries(filter)
	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = logEntryResponse{
			Seq:     e.Seq,
			Time:    e.Time.Format(time.RFC3339Nano),
			Level:   e.Level.String(),
			Message: e.Message,
			Attrs:   e.Attrs,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.deps.ReloadFunc == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reload not available"})
		return
	}

	if err := a.deps.ReloadFunc(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// requireJSON checks that the Content-Type header is application/json.
// Returns false (and writes an error response) if the check fails.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
		return false
	}
	return true
}
