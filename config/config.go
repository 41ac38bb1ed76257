// Package config defines server profiles and runtime tunables for
// sshlink and provides parsers for server and forward specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "sshlink/internal/errors"
	"sshlink/util"
)

// Profile describes one remote server.  It is read-only once loaded;
// connections keep their own copy.
type Profile struct {
	Name          string       `yaml:"name"`
	Host          string       `yaml:"host"`
	Port          int          `yaml:"port"`
	User          string       `yaml:"user"`
	UsesKeyAuth   bool         `yaml:"uses_key_auth"`
	KeyPath       string       `yaml:"key_path"`
	UseAgent      bool         `yaml:"use_agent"`
	StrictHostKey bool         `yaml:"strict_host_key"`
	KnownHosts    string       `yaml:"known_hosts"`
	TunnelsRPC    bool         `yaml:"tunnels_rpc"`
	Browsable     bool         `yaml:"browsable"`
	Tunnels       []TunnelSpec `yaml:"tunnels"`
}

// Addr returns host:port.
func (p Profile) Addr() string { return util.FormatAddr(p.Host, p.Port) }

// Key identifies the connection target: user@host:port.
func (p Profile) Key() string { return p.User + "@" + p.Addr() }

// SecretName is the name credentials are stored under.  It falls back
// to the connection key for ad-hoc profiles.
func (p Profile) SecretName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Key()
}

// Validate reports the first missing or invalid field.
func (p *Profile) Validate() error {
	if p.Host == "" {
		return &ncerr.ConfigError{Field: "host", Message: "required", Hint: "set --server user@host[:port] or a profile host"}
	}
	if p.User == "" {
		return &ncerr.ConfigError{Field: "user", Message: "required", Hint: "set --server user@host or a profile user"}
	}
	if p.Port < 1 || p.Port > 65535 {
		return &ncerr.ConfigError{Field: "port", Value: p.Port, Message: "out of range 1-65535"}
	}
	for i := range p.Tunnels {
		if err := p.Tunnels[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TunnelSpec is a local-port → remote host:port forward.
type TunnelSpec struct {
	Name       string `yaml:"name"`
	LocalPort  int    `yaml:"local_port"` // 0 = ephemeral
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// RemoteAddr returns remote_host:remote_port.
func (s TunnelSpec) RemoteAddr() string { return util.FormatAddr(s.RemoteHost, s.RemotePort) }

// Validate checks the ports and remote host.
func (s *TunnelSpec) Validate() error {
	if s.LocalPort < 0 || s.LocalPort > 65535 {
		return &ncerr.ConfigError{Field: "tunnel.local_port", Value: s.LocalPort, Message: "out of range 0-65535"}
	}
	if s.RemoteHost == "" {
		return &ncerr.ConfigError{Field: "tunnel.remote_host", Message: "required"}
	}
	if s.RemotePort < 1 || s.RemotePort > 65535 {
		return &ncerr.ConfigError{Field: "tunnel.remote_port", Value: s.RemotePort, Message: "out of range 1-65535"}
	}
	return nil
}

// Config holds every tuneable for one sshlink process.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────
	ServerSpec   string // raw user@host[:port] from --server
	ProfileName  string
	ProfilesPath string
	Server       Profile
	Interactive  bool // allow terminal prompts for passwords/passphrases

	// ── Secrets ──────────────────────────────────────────────────────
	SecretsPath   string // YAML secret file
	RedisAddr     string // use a Redis secret store instead
	RedisPassword string
	RedisDB       int

	// ── Timeouts ─────────────────────────────────────────────────────
	ConnTimeout time.Duration
	IdleTimeout time.Duration
	OpTimeout   time.Duration
	ConnectWait time.Duration

	// ── Recovery ─────────────────────────────────────────────────────
	RetryAttempts  int
	RetryDelay     time.Duration
	RecreateDelay  time.Duration
	ResetPause     time.Duration
	HealthInterval time.Duration

	// ── Limits ───────────────────────────────────────────────────────
	MaxPending        int
	MaxConnsPerServer int

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int
	MetricsAddr string
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Server:            Profile{Port: DefaultSSHPort},
		ConnTimeout:       DefaultConnTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		OpTimeout:         DefaultOpTimeout,
		ConnectWait:       DefaultConnectWait,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RecreateDelay:     DefaultRecreateDelay,
		ResetPause:        DefaultResetPause,
		HealthInterval:    DefaultHealthInterval,
		MaxPending:        DefaultMaxPending,
		MaxConnsPerServer: DefaultMaxConnsPerServer,
		Verbose:           1,
	}
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	durations := []struct {
		field string
		val   time.Duration
	}{
		{"conn-timeout", c.ConnTimeout},
		{"op-timeout", c.OpTimeout},
		{"connect-wait", c.ConnectWait},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return &ncerr.ConfigError{Field: d.field, Value: d.val, Message: "must be positive"}
		}
	}
	if c.IdleTimeout < 0 {
		return &ncerr.ConfigError{Field: "idle-timeout", Value: c.IdleTimeout, Message: "must not be negative", Hint: "use 0 to disable idle reconnects"}
	}
	if c.RetryAttempts < 1 {
		return &ncerr.ConfigError{Field: "retry-attempts", Value: c.RetryAttempts, Message: "must be at least 1"}
	}
	if c.MaxPending < 1 {
		return &ncerr.ConfigError{Field: "max-pending", Value: c.MaxPending, Message: "must be positive"}
	}
	if c.MaxConnsPerServer < 1 {
		return &ncerr.ConfigError{Field: "max-conns", Value: c.MaxConnsPerServer, Message: "must be at least 1"}
	}
	if c.SecretsPath != "" && c.RedisAddr != "" {
		return &ncerr.ConfigError{Field: "secrets", Message: "--secrets and --redis are mutually exclusive"}
	}
	return nil
}

// ── Server-spec parser ───────────────────────────────────────────────

// serverRe matches [user@]host[:port].
var serverRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseServerSpec extracts user, host, and port from a string such as
// "media@seedbox.example.com:2222".  Port defaults to 22.
func ParseServerSpec(spec string) (user, host string, port int, err error) {
	m := serverRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid server spec %q: expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid server port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("server host is required")
	}
	return user, host, port, nil
}

// ── Forward-spec parser ──────────────────────────────────────────────

// ParseForwardSpec accepts "[local:]remote_host:remote_port", the same
// shape as ssh -L without a bind address.  A missing local port means
// an ephemeral one.
func ParseForwardSpec(spec string) (TunnelSpec, error) {
	parts := strings.Split(spec, ":")
	var local, rhost, rport string
	switch len(parts) {
	case 2:
		rhost, rport = parts[0], parts[1]
	case 3:
		local, rhost, rport = parts[0], parts[1], parts[2]
	default:
		return TunnelSpec{}, fmt.Errorf("invalid forward spec %q: expected [local:]host:port", spec)
	}

	var ts TunnelSpec
	if local != "" {
		p, err := strconv.Atoi(local)
		if err != nil {
			return TunnelSpec{}, fmt.Errorf("invalid local port %q", local)
		}
		ts.LocalPort = p
	}
	p, err := strconv.Atoi(rport)
	if err != nil {
		return TunnelSpec{}, fmt.Errorf("invalid remote port %q", rport)
	}
	ts.RemoteHost = rhost
	ts.RemotePort = p
	if err := ts.Validate(); err != nil {
		return TunnelSpec{}, err
	}
	return ts, nil
}
