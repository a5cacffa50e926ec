package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/presencegw/presencegw/internal/admin"
	"github.com/presencegw/presencegw/internal/config"
	"github.com/presencegw/presencegw/internal/gateway"
	"github.com/presencegw/presencegw/internal/health"
	"github.com/presencegw/presencegw/internal/identity"
	"github.com/presencegw/presencegw/internal/logging"
	"github.com/presencegw/presencegw/internal/metrics"
	"github.com/presencegw/presencegw/internal/presence"
	"github.com/presencegw/presencegw/internal/security"
)

// app wires the gateway components for one process.
type app struct {
	configPath string
	startTime  time.Time

	ring        *logging.Ring
	metrics     *metrics.Metrics // nil if metrics disabled
	registry    *presence.Registry
	conns       *gateway.Conns
	broadcaster *gateway.Broadcaster
	manager     *gateway.Manager
	limiter     *security.RateLimiter
	handler     *gateway.Handler
	health      *health.Handler

	// ctx is cancelled once draining is over; it stops the broadcaster and
	// force-closes whatever sockets remain.
	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes config changes from SIGHUP and the admin API.
	mu sync.Mutex
	lj *lumberjack.Logger
}

// newApp builds every component from cfg. m may be nil. The broadcaster is
// started; listeners are not.
func newApp(cfg *config.Config, configPath string, ring *logging.Ring, m *metrics.Metrics) *app {
	ctx, cancel := context.WithCancel(context.Background())
	a := &app{
		configPath: configPath,
		startTime:  time.Now(),
		ring:       ring,
		metrics:    m,
		registry:   presence.NewRegistry(),
		conns:      gateway.NewConns(),
		ctx:        ctx,
		cancel:     cancel,
	}

	a.broadcaster = gateway.NewBroadcaster(a.conns, m)
	resolver := identity.NewResolver(cfg.Gateway.IdentityKey, cfg.Gateway.MaxIdentityLength)
	a.manager = gateway.NewManager(resolver, a.registry, a.conns, a.broadcaster, m)

	// The limiter always exists so SIGHUP can switch rate limiting on.
	a.limiter = security.NewRateLimiter(security.PerMinute(cfg.Security.RateLimit.ConnectionsPerMinute))

	a.handler = gateway.NewHandler(cfg, a.manager, a.conns, a.limiter, ctx)
	a.handler.Metrics = m

	a.health = health.NewHandler(a.conns, a.registry, Version, cfg.Health.Detailed)
	a.health.SetBroadcaster(a.broadcaster)

	go a.broadcaster.Run(ctx)
	return a
}

// healthMux serves /health, /metrics and the admin API on the loopback
// listener.
func (a *app) healthMux(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.Health.Endpoint, a.health)

	if cfg.Monitoring.MetricsEnabled {
		mux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
	}

	if cfg.Monitoring.AdminEnabled {
		api := admin.New(admin.Dependencies{
			Conns:        a.conns,
			Registry:     a.registry,
			Broadcaster:  a.broadcaster,
			Ring:         a.ring,
			Version:      Version,
			BuildTime:    BuildTime,
			GitCommit:    GitCommit,
			StartTime:    a.startTime,
			ReloadFunc:   a.reload,
			GetConfig:    a.handler.GetConfig,
			UpdateConfig: a.applyConfig,
		})
		mux.Handle("/api/v1/", api.Handler())
	}
	return mux
}

// applyConfig makes cfg current: origins and limits in the handler, the
// handshake rate, and the log level.
func (a *app) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.handler.GetConfig()
	a.handler.UpdateConfig(cfg)
	a.limiter.UpdateRate(security.PerMinute(cfg.Security.RateLimit.ConnectionsPerMinute))

	if old.Logging.Level != cfg.Logging.Level {
		prev := a.lj
		a.lj = logging.Setup(cfg.Logging, a.ring)
		if prev != nil {
			prev.Close()
		}
	}
}

// reload re-reads the config file and applies its reloadable fields.
func (a *app) reload() error {
	newCfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}

	current := a.handler.GetConfig()
	for _, w := range config.IsReloadSafe(current, newCfg) {
		slog.Warn("config reload warning", "warning", w)
	}

	a.applyConfig(current.ApplyReloadableFields(newCfg))
	slog.Info("config reloaded successfully",
		"allowed_origins", newCfg.Gateway.AllowedOrigins,
		"log_level", newCfg.Logging.Level,
	)
	return nil
}

// drain closes every socket with GoingAway and waits up to ctx for their
// teardown to finish. It reports whether all sockets finished in time.
func (a *app) drain(ctx context.Context) bool {
	a.health.SetDraining()
	a.handler.StartDrain()

	done := make(chan struct{})
	go func() {
		a.handler.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// stop ends the broadcaster, closes leftover sockets and releases the
// limiter and log file.
func (a *app) stop() {
	a.cancel()
	a.limiter.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lj != nil {
		a.lj.Close()
		a.lj = nil
	}
}
