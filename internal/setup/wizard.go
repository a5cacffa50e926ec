package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/presencegw/presencegw/internal/config"
)

const (
	defaultConfigPath = "/etc/presencegw/config.yaml"
	defaultListenHost = "0.0.0.0"
	defaultListenPort = "5000"
	defaultPath       = "/socket"
	defaultOrigins    = "http://localhost:5173"
	defaultHealthPort = "8081"
	defaultLogLevel   = "info"
	serviceName       = "presencegw"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath  string                         // Override default config path
	CheckPort   func(host, port string) string // Override port availability check (for testing)
	SkipService bool                           // Never offer to start the systemd unit
}

// answers collects everything the wizard asks for.
type answers struct {
	listenAddress string
	path          string
	origins       []string
	healthAddress string
	adminToken    string
	logLevel      string
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}
	checkPort := checkPortAvailable
	if opts.CheckPort != nil {
		checkPort = opts.CheckPort
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo presencegw setup\n\n")
	}

	fmt.Fprintln(out, "Presence Gateway Setup")
	fmt.Fprintln(out, "======================")
	fmt.Fprintln(out)

	var a answers

	// Step 1: Listen address
	listenHost := prompt(scanner, out,
		fmt.Sprintf("Listen host [%s]: ", defaultListenHost),
		defaultListenHost)
	if net.ParseIP(listenHost) == nil && listenHost != "localhost" {
		return fmt.Errorf("listen host %q is not an IP address", listenHost)
	}
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port [%s]: ", defaultListenPort),
		defaultListenPort)
	a.listenAddress = net.JoinHostPort(listenHost, listenPort)
	if reason := checkPort(listenHost, listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", listenPort, listenHost, reason)
	}

	// Step 2: Socket path
	a.path = prompt(scanner, out,
		fmt.Sprintf("Socket path [%s]: ", defaultPath),
		defaultPath)
	if !strings.HasPrefix(a.path, "/") {
		a.path = "/" + a.path
	}

	// Step 3: Allowed origins
	a.origins = promptOrigins(scanner, out,
		fmt.Sprintf("Allowed browser origins, comma separated [%s]: ", defaultOrigins),
		defaultOrigins)

	// Step 4: Health port
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort),
		defaultHealthPort)
	a.healthAddress = net.JoinHostPort("127.0.0.1", healthPort)
	if reason := checkPort("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 5: Admin token (optional)
	a.adminToken = prompt(scanner, out,
		"Admin API token (leave empty for none): ", "")

	// Step 6: Log level
	a.logLevel = promptLevel(scanner, out,
		fmt.Sprintf("Log level (debug, info, warn, error) [%s]: ", defaultLogLevel),
		defaultLogLevel)

	// Step 7: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 8: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	if err := writeConfig(configPath, generateConfig(a), isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 9: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 10: Offer to start systemd service (Linux + root only)
	if isRoot && !opts.SkipService && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start presencegw service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start presencegw")
			}
		}
	}

	// Step 11: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Socket:       ws://%s%s?userId=<id>\n", a.listenAddress, a.path)
	fmt.Fprintf(out, "  Health:       http://%s/health\n", a.healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", a.healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u presencegw -f")
	fmt.Fprintln(out, "  Validate:       presencegw validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// parseOrigins splits a comma separated origin list. It returns the first
// entry that is neither "*" nor scheme://host[:port] as bad.
func parseOrigins(s string) (origins []string, bad string) {
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o != "*" {
			u, err := url.Parse(o)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return nil, o
			}
		}
		origins = append(origins, o)
	}
	return origins, ""
}

// promptOrigins prompts for allowed origins, re-prompting until every entry
// parses. Returns the parsed defaultVal on empty/EOF input.
func promptOrigins(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) []string {
	for {
		val := prompt(scanner, out, message, defaultVal)
		origins, bad := parseOrigins(val)
		if bad == "" && len(origins) > 0 {
			return origins
		}
		if bad != "" {
			fmt.Fprintf(out, "  Invalid origin %q: expected scheme://host[:port] or *\n", bad)
		}
		if val == defaultVal {
			origins, _ = parseOrigins(defaultVal)
			return origins
		}
	}
}

// promptLevel prompts for a log level, falling back to defaultVal on
// unknown names.
func promptLevel(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := strings.ToLower(prompt(scanner, out, message, defaultVal))
	switch val {
	case "debug", "info", "warn", "error":
		return val
	}
	fmt.Fprintf(out, "  Unknown level %q, using %s\n", val, defaultVal)
	return defaultVal
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the presencegw service.
func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", serviceName).Run(); err != nil {
		if err := exec.Command("systemctl", "start", serviceName).Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", serviceName).Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// generateConfig creates a commented YAML config string.
func generateConfig(a answers) string {
	var origins strings.Builder
	for _, o := range a.origins {
		fmt.Fprintf(&origins, "    - \"%s\"\n", yamlEscapeString(o))
	}

	return fmt.Sprintf(`# Presence Gateway Configuration
# Generated by: presencegw setup

gateway:
  # REQUIRED: Listen address for browser sockets
  listen_address: "%s"

  # Upgrade path; /api/status is always served as a liveness probe
  path: "%s"

  # REQUIRED: Browser origins allowed to open a socket ("*" allows any)
  allowed_origins:
%s  allow_missing_origin: false

  # Query parameter carrying the user identity
  identity_key: "userId"
  max_identity_length: 256

  # Shutdown: wait for active connections to finish
  drain_timeout: "30s"

  # WebSocket settings
  max_message_size: 65536  # 64KB
  ping_interval: "25s"
  pong_timeout: "10s"
  write_timeout: "10s"

security:
  # Bearer token for the admin API (optional)
  admin_token: "%s"

  # Handshake rate limiting per client IP
  rate_limit:
    enabled: true
    connections_per_minute: 120

  # Connection limits
  max_connections: 10000
  max_connections_per_ip: 50

logging:
  level: "%s"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
  admin_enabled: true
`, yamlEscapeString(a.listenAddress), yamlEscapeString(a.path), origins.String(),
		yamlEscapeString(a.adminToken), a.logLevel, yamlEscapeString(a.healthAddress))
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	// The admin token may be in here.
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if setOwnership {
		chownToServiceUser(path, out)
	}
	return nil
}

// chownToServiceUser hands path to presencegw:presencegw. Failures are
// warnings; the service can still run as root.
func chownToServiceUser(path string, out io.Writer) {
	u, err := user.Lookup(serviceName)
	if err != nil {
		fmt.Fprintf(out, "  WARNING: Could not look up user %s: %v\n", serviceName, err)
		return
	}
	g, err := user.LookupGroup(serviceName)
	if err != nil {
		fmt.Fprintf(out, "  WARNING: Could not look up group %s: %v\n", serviceName, err)
		return
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		fmt.Fprintf(out, "  WARNING: Could not parse UID %q: %v\n", u.Uid, err)
		return
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		fmt.Fprintf(out, "  WARNING: Could not parse GID %q: %v\n", g.Gid, err)
		return
	}
	if err := os.Chown(path, uid, gid); err != nil {
		fmt.Fprintf(out, "  WARNING: Could not set ownership to %s:%s: %v\n", serviceName, serviceName, err)
	}
}
