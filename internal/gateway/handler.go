package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/presencegw/presencegw/internal/config"
	"github.com/presencegw/presencegw/internal/metrics"
	"github.com/presencegw/presencegw/internal/security"
)

// StatusPath answers plain liveness probes on the gateway listener.
const StatusPath = "/api/status"

// Handler accepts presence sockets and serves the status route.
type Handler struct {
	Conns       *Conns
	Manager     *Manager
	RateLimiter *security.RateLimiter // optional, nil if rate limiting disabled
	Metrics     *metrics.Metrics      // optional, nil if metrics disabled
	ShutdownCtx context.Context       // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining connections.
	// Active connections watch this to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects config and origins during hot-reload
	mu      sync.RWMutex
	config  *config.Config
	origins *security.OriginPolicy

	wg sync.WaitGroup
}

// NewHandler creates the socket handler.
func NewHandler(cfg *config.Config, mgr *Manager, conns *Conns, rl *security.RateLimiter, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Conns:       conns,
		Manager:     mgr,
		RateLimiter: rl,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		config:      cfg,
		origins:     security.NewOriginPolicy(cfg.Gateway.AllowedOrigins, cfg.Gateway.AllowMissingOrigin),
	}
}

// StartDrain signals all active connections to close with StatusGoingAway.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// Wait blocks until every accepted connection has finished its teardown.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig swaps the config and rebuilds the origin allow-list (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	policy := security.NewOriginPolicy(cfg.Gateway.AllowedOrigins, cfg.Gateway.AllowMissingOrigin)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
	h.origins = policy
}

func (h *Handler) current() (*config.Config, *security.OriginPolicy) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config, h.origins
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg, origins := h.current()

	if r.URL.Path == StatusPath {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("Server is live"))
		return
	}
	if r.URL.Path != cfg.Gateway.Path {
		http.NotFound(w, r)
		return
	}

	// 1. WebSocket is the only transport
	if !isWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
		return
	}

	clientIP := security.ClientIP(r.RemoteAddr)

	// 2. Origin allow-list
	if err := origins.Check(r.Header.Get("Origin")); err != nil {
		slog.Warn("rejected socket origin", "client_ip", clientIP, "origin", r.Header.Get("Origin"), "reason", err)
		h.countError("origin_rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// 3. Handshake rate limit
	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		h.countError("rate_limited")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// 4. Connection limits (atomic check-and-reserve)
	if reason := h.Conns.TryReserve(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		h.countError(reason)
		if reason == reasonMaxConnections {
			slog.Warn("max connections reached", "current", h.Conns.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Conns.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}

	// 5. Accept. The origin was already checked against the allow-list.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.Conns.Release(clientIP)
		h.countError("accept_failure")
		slog.Debug("failed to accept socket", "client_ip", clientIP, "error", err)
		return
	}
	ws.SetReadLimit(cfg.Gateway.MaxMessageSize)

	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	h.wg.Add(1)
	defer h.wg.Done()
	h.serve(ws, r, clientIP, cfg)
}

// serve runs one accepted socket until it ends for any reason, then funnels
// the end into Manager.Disconnect.
func (h *Handler) serve(ws *websocket.Conn, r *http.Request, clientIP string, cfg *config.Config) {
	start := time.Now()
	c := NewConn(ws, clientIP)
	if h.Metrics != nil {
		c.onDelivery = func(result string) {
			h.Metrics.DeliveriesTotal.WithLabelValues(result).Inc()
		}
	}

	// Use ShutdownCtx rather than r.Context(): the socket outlives the request.
	connCtx, connCancel := context.WithCancel(h.ShutdownCtx)
	defer connCancel()

	go c.writeLoop(connCtx, cfg.Gateway.WriteTimeout)
	if cfg.Gateway.PingInterval > 0 {
		go h.keepAlive(connCtx, ws, c, cfg.Gateway.PingInterval, cfg.Gateway.PongTimeout, connCancel)
	}
	go func() {
		select {
		case <-h.drainCtx.Done():
			c.close(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
		}
	}()

	state := h.Manager.Connect(c, r.URL.Query())
	slog.Debug("socket accepted", "conn_id", c.ID, "client_ip", clientIP, "state", state.String())

	cause := readUntilClosed(connCtx, ws)

	connCancel()
	h.Manager.Disconnect(c, cause)
	c.closeNow()
	h.Conns.Release(clientIP)
	if h.Metrics != nil {
		h.Metrics.ActiveConnections.Dec()
		if isTransportError(cause) {
			h.Metrics.ErrorsTotal.WithLabelValues("transport").Inc()
		}
	}
	slog.Debug("socket closed", "conn_id", c.ID, "client_ip", clientIP, "duration", time.Since(start).String(), "cause", cause)
}

// readUntilClosed discards inbound messages; clients only listen. Reading
// keeps control frames flowing and surfaces the close.
func readUntilClosed(ctx context.Context, ws *websocket.Conn) error {
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return err
		}
	}
}

// keepAlive sends periodic pings to detect dead sockets. A failed ping
// closes the socket and cancels the connection context, which the read loop
// turns into an ordinary disconnect.
func (h *Handler) keepAlive(ctx context.Context, ws *websocket.Conn, c *Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("keepalive ping failed, closing connection", "conn_id", c.ID, "error", err)
					h.countError("keepalive_timeout")
				}
				c.closeNow()
				onFail()
				return
			}
		}
	}
}

func (h *Handler) countError(kind string) {
	if h.Metrics != nil {
		h.Metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// isTransportError separates abrupt failures from orderly closes.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return false
	}
	return true
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade per RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

// headerContains checks whether the header key contains the given value
// as a comma-separated token (case-insensitive).
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
