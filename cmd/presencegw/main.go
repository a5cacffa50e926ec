package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/presencegw/presencegw/internal/config"
	"github.com/presencegw/presencegw/internal/logging"
	"github.com/presencegw/presencegw/internal/metrics"
	"github.com/presencegw/presencegw/internal/setup"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "presencegw",
		Short: "Presence-aware WebSocket session gateway",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the presence gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "presencegw %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build time: %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid.\n")
			fmt.Fprintf(out, "  Listen: %s%s\n", cfg.Gateway.ListenAddress, cfg.Gateway.Path)
			fmt.Fprintf(out, "  Origins: %v\n", cfg.Gateway.AllowedOrigins)
			fmt.Fprintf(out, "  Identity key: %s\n", cfg.Gateway.IdentityKey)
			fmt.Fprintf(out, "  Health: %s\n", cfg.Health.ListenAddress)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			if err := checkHealth(url); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/presencegw/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				fmt.Fprint(cmd.OutOrStdout(), systemdUnit)
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, newWatchCmd(), versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)
	return rootCmd
}

func runGateway(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	var ring *logging.Ring
	if cfg.Logging.RingSize > 0 {
		ring = logging.NewRing(cfg.Logging.RingSize)
	}
	lj := logging.Setup(cfg.Logging, ring)

	slog.Info("starting presence gateway",
		"version", Version,
		"listen", cfg.Gateway.ListenAddress,
		"path", cfg.Gateway.Path,
		"health", cfg.Health.ListenAddress,
	)

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	a := newApp(cfg, configPath, ring, m)
	a.lj = lj
	defer a.stop()

	if cfg.Security.RateLimit.Enabled {
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
		)
	}

	gatewayServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthServer = &http.Server{
			Addr:              cfg.Health.ListenAddress,
			Handler:           a.healthMux(cfg),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	serveErr := make(chan error, 2)

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	go func() {
		slog.Info("gateway listening", "address", cfg.Gateway.ListenAddress, "tls", cfg.Gateway.TLS.Enabled)
		var err error
		if cfg.Gateway.TLS.Enabled {
			err = gatewayServer.ListenAndServeTLS(cfg.Gateway.TLS.CertFile, cfg.Gateway.TLS.KeyFile)
		} else {
			err = gatewayServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat at half the unit's WatchdogSec, when one is set.
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdog(watchdogCtx, interval/2)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-serveErr:
			slog.Error("listener failed", "error", err)
			shutdown(a, cfg.Gateway.DrainTimeout, gatewayServer, healthServer)
			return err

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				slog.Info("received SIGHUP, reloading config")
				if err := a.reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}

			case syscall.SIGTERM, syscall.SIGINT:
				drainTimeout := a.handler.GetConfig().Gateway.DrainTimeout
				slog.Info("received shutdown signal, draining connections",
					"signal", sig.String(),
					"active_connections", a.conns.ConnectionCount(),
					"drain_timeout", drainTimeout.String(),
				)

				watchdogCancel()
				daemon.SdNotify(false, daemon.SdNotifyStopping)

				shutdown(a, drainTimeout, gatewayServer, healthServer)
				slog.Info("shutdown complete")
				return nil
			}
		}
	}
}

// shutdown stops accepting sockets, drains the live ones within timeout and
// then closes the listeners.
func shutdown(a *app, timeout time.Duration, gatewayServer, healthServer *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Shutdown does not track hijacked sockets, so drain them separately.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		gatewayServer.Shutdown(ctx)
	}()
	if !a.drain(ctx) {
		slog.Warn("drain timeout reached, closing remaining sockets",
			"remaining", a.conns.ConnectionCount(),
		)
	}
	wg.Wait()

	if healthServer != nil {
		healthServer.Shutdown(ctx)
	}
}

func watchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			if err != nil {
				slog.Warn("failed to notify watchdog", "error", err)
			} else if sent {
				slog.Debug("watchdog keepalive sent")
			}
		case <-ctx.Done():
			return
		}
	}
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy (status: %d)", resp.StatusCode)
	}
	return nil
}

const systemdUnit = `[Unit]
Description=Presence Gateway - WebSocket presence and session gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=presencegw
Group=presencegw
ExecStartPre=/usr/local/bin/presencegw validate --config /etc/presencegw/config.yaml
ExecStart=/usr/local/bin/presencegw start --config /etc/presencegw/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s
TimeoutStopSec=45s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/presencegw
LogsDirectory=presencegw
StateDirectory=presencegw
LimitNOFILE=65535

# Each socket holds one encoded snapshot at most, so memory tracks
# max_connections times the size of the online set.
MemoryMax=256M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=presencegw

[Install]
WantedBy=multi-user.target
`
