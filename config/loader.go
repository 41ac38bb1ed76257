package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Profile file  (profiles.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the SSHLINK_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations are whole
// seconds unless noted.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SSHLINK_SERVER"); v != "" {
		cfg.ServerSpec = v
	}
	if v := os.Getenv("SSHLINK_PROFILE"); v != "" {
		cfg.ProfileName = v
	}
	if v := os.Getenv("SSHLINK_PROFILES"); v != "" {
		cfg.ProfilesPath = v
	}
	if v := os.Getenv("SSHLINK_KEY"); v != "" {
		cfg.Server.KeyPath = v
		cfg.Server.UsesKeyAuth = true
	}
	if envBool("SSHLINK_AGENT") {
		cfg.Server.UseAgent = true
	}
	if envBool("SSHLINK_STRICT_HOSTKEY") {
		cfg.Server.StrictHostKey = true
	}
	if v := os.Getenv("SSHLINK_KNOWN_HOSTS"); v != "" {
		cfg.Server.KnownHosts = v
	}

	// Secrets
	if v := os.Getenv("SSHLINK_SECRETS"); v != "" {
		cfg.SecretsPath = v
	}
	if v := os.Getenv("SSHLINK_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SSHLINK_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := envInt("SSHLINK_REDIS_DB"); v > 0 {
		cfg.RedisDB = v
	}

	// Timeouts
	if v := envInt("SSHLINK_CONN_TIMEOUT"); v > 0 {
		cfg.ConnTimeout = secondsDuration(v)
	}
	if v, ok := envIntSet("SSHLINK_IDLE_TIMEOUT"); ok && v >= 0 {
		cfg.IdleTimeout = secondsDuration(v)
	}
	if v := envInt("SSHLINK_OP_TIMEOUT"); v > 0 {
		cfg.OpTimeout = secondsDuration(v)
	}
	if v := envInt("SSHLINK_RETRY_ATTEMPTS"); v > 0 {
		cfg.RetryAttempts = v
	}
	if v := envInt("SSHLINK_HEALTH_INTERVAL"); v > 0 {
		cfg.HealthInterval = secondsDuration(v)
	}
	if v := envInt("SSHLINK_MAX_CONNS"); v > 0 {
		cfg.MaxConnsPerServer = v
	}

	// Output
	if v := envInt("SSHLINK_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v := os.Getenv("SSHLINK_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	n, _ := envIntSet(key)
	return n
}

// envIntSet distinguishes an explicit "0" from an unset variable.
func envIntSet(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
