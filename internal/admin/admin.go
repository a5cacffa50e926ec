// Package admin serves the token-gated JSON admin API on the health listener.
package admin

import (
	"net/http"
	"time"

	"github.com/presencegw/presencegw/internal/config"
	"github.com/presencegw/presencegw/internal/gateway"
	"github.com/presencegw/presencegw/internal/logging"
	"github.com/presencegw/presencegw/internal/presence"
	"github.com/presencegw/presencegw/internal/security"
)

// Dependencies holds all injected dependencies for the admin API.
type Dependencies struct {
	Conns        *gateway.Conns
	Registry     *presence.Registry
	Broadcaster  *gateway.Broadcaster
	Ring         *logging.Ring
	Version      string
	BuildTime    string
	GitCommit    string
	StartTime    time.Time
	ReloadFunc   func() error
	GetConfig    func() *config.Config
	UpdateConfig func(*config.Config)
}

// API provides HTTP handlers for the admin interface.
type API struct {
	deps Dependencies
}

// New creates a new API instance.
func New(deps Dependencies) *API {
	return &API{deps: deps}
}

// Handler returns an http.Handler for /api/v1/ endpoints. When an admin
// token is configured every request must carry it as a bearer token.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", a.handleStatus)
	mux.HandleFunc("/api/v1/presence", a.handlePresence)
	mux.HandleFunc("/api/v1/connections", a.handleConnections)
	mux.HandleFunc("/api/v1/config", a.handleConfig)
	mux.HandleFunc("/api/v1/logs", a.handleLogs)
	mux.HandleFunc("/api/v1/reload", a.handleReload)
	return securityHeaders(a.requireToken(mux))
}

func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := a.deps.GetConfig().Security.AdminToken
		if expected != "" {
			token := security.ExtractBearerToken(r.Header.Get("Authorization"))
			if !security.TokenMatch(token, expected) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing admin token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
