package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv_Server(t *testing.T) {
	t.Setenv("SSHLINK_SERVER", "media@seedbox:2222")
	t.Setenv("SSHLINK_PROFILE", "seedbox")
	cfg := Default()
	LoadFromEnv(cfg)
	if cfg.ServerSpec != "media@seedbox:2222" {
		t.Errorf("ServerSpec = %q", cfg.ServerSpec)
	}
	if cfg.ProfileName != "seedbox" {
		t.Errorf("ProfileName = %q", cfg.ProfileName)
	}
}

func TestLoadFromEnv_Key(t *testing.T) {
	t.Setenv("SSHLINK_KEY", "~/.ssh/id_rsa")
	cfg := Default()
	LoadFromEnv(cfg)
	if !cfg.Server.UsesKeyAuth || cfg.Server.KeyPath != "~/.ssh/id_rsa" {
		t.Errorf("key auth not applied: %+v", cfg.Server)
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	tests := []struct {
		key   string
		value string
		check func(*Config) bool
	}{
		{"SSHLINK_AGENT", "1", func(c *Config) bool { return c.Server.UseAgent }},
		{"SSHLINK_AGENT", "YES", func(c *Config) bool { return c.Server.UseAgent }},
		{"SSHLINK_STRICT_HOSTKEY", "true", func(c *Config) bool { return c.Server.StrictHostKey }},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := Default()
			LoadFromEnv(cfg)
			if !tt.check(cfg) {
				t.Errorf("%s=%s not applied", tt.key, tt.value)
			}
		})
	}
}

func TestLoadFromEnv_Durations(t *testing.T) {
	t.Setenv("SSHLINK_CONN_TIMEOUT", "10")
	t.Setenv("SSHLINK_OP_TIMEOUT", "5")
	t.Setenv("SSHLINK_HEALTH_INTERVAL", "30")
	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.ConnTimeout != 10*time.Second {
		t.Errorf("ConnTimeout = %v", cfg.ConnTimeout)
	}
	if cfg.OpTimeout != 5*time.Second {
		t.Errorf("OpTimeout = %v", cfg.OpTimeout)
	}
	if cfg.HealthInterval != 30*time.Second {
		t.Errorf("HealthInterval = %v", cfg.HealthInterval)
	}
}

func TestLoadFromEnv_IdleTimeoutZero(t *testing.T) {
	t.Setenv("SSHLINK_IDLE_TIMEOUT", "0")
	cfg := Default()
	LoadFromEnv(cfg)
	if cfg.IdleTimeout != 0 {
		t.Errorf("IdleTimeout = %v, want 0", cfg.IdleTimeout)
	}
}

func TestLoadFromEnv_InvalidIgnored(t *testing.T) {
	t.Setenv("SSHLINK_OP_TIMEOUT", "soon")
	t.Setenv("SSHLINK_MAX_CONNS", "-3")
	cfg := Default()
	LoadFromEnv(cfg)
	if cfg.OpTimeout != DefaultOpTimeout {
		t.Errorf("OpTimeout = %v, want default", cfg.OpTimeout)
	}
	if cfg.MaxConnsPerServer != DefaultMaxConnsPerServer {
		t.Errorf("MaxConnsPerServer = %d, want default", cfg.MaxConnsPerServer)
	}
}

func TestLoadFromEnv_Secrets(t *testing.T) {
	t.Setenv("SSHLINK_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("SSHLINK_REDIS_DB", "2")
	cfg := Default()
	LoadFromEnv(cfg)
	if cfg.RedisAddr != "127.0.0.1:6379" || cfg.RedisDB != 2 {
		t.Errorf("redis settings not applied: %q %d", cfg.RedisAddr, cfg.RedisDB)
	}
}

// ── LoadProfiles ─────────────────────────────────────────────────────

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	return path
}

func TestLoadProfiles(t *testing.T) {
	path := writeProfiles(t, `servers:
  - name: seedbox
    host: seedbox.example.com
    user: media
    uses_key_auth: true
    tunnels_rpc: true
    tunnels:
      - name: rpc
        local_port: 4000
        remote_port: 9091
  - name: nas
    host: 192.168.1.20
    port: 2222
    user: admin
    browsable: true
`)

	pf, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(pf.Servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(pf.Servers))
	}

	seedbox, err := pf.Find("seedbox")
	if err != nil {
		t.Fatal(err)
	}
	if seedbox.Port != DefaultSSHPort {
		t.Errorf("Port = %d, want default %d", seedbox.Port, DefaultSSHPort)
	}
	if seedbox.KeyPath != DefaultKeyPath {
		t.Errorf("KeyPath = %q, want default", seedbox.KeyPath)
	}
	if len(seedbox.Tunnels) != 1 || seedbox.Tunnels[0].RemoteHost != DefaultLocalAddress {
		t.Errorf("tunnel defaults not applied: %+v", seedbox.Tunnels)
	}

	nas, err := pf.Find("nas")
	if err != nil {
		t.Fatal(err)
	}
	if nas.Port != 2222 || !nas.Browsable || nas.UsesKeyAuth {
		t.Errorf("nas = %+v", nas)
	}

	if _, err := pf.Find("missing"); err == nil {
		t.Error("Find should fail for unknown name")
	}
}

func TestLoadProfiles_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "servers: [\n"},
		{"missing name", "servers:\n  - host: h\n    user: u\n"},
		{"duplicate name", "servers:\n  - name: a\n    host: h\n  - name: a\n    host: g\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadProfiles(writeProfiles(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := LoadProfiles("/nonexistent/servers.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
