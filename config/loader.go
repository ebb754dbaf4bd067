package config

// loader.go - configuration loading from the TOML profile and from
// environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. TOML profile  (this file)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ── TOML profile ─────────────────────────────────────────────────────

// profile mirrors the subset of Config a profile file may set.
type profile struct {
	Target        string   `toml:"target"`
	Transport     string   `toml:"transport"`
	WSURL         string   `toml:"websocket_url"`
	ConnTimeout   string   `toml:"conn_timeout"` // Go duration string
	SSHKey        string   `toml:"ssh_key"`
	UseSSHAgent   bool     `toml:"ssh_agent"`
	StrictHostKey bool     `toml:"strict_hostkey"`
	KnownHosts    string   `toml:"known_hosts"`
	LocalForward  []string `toml:"local_forward"`
	RemoteForward []string `toml:"remote_forward"`
	QueueDepth    int      `toml:"queue_depth"`
	AcceptBacklog int      `toml:"accept_backlog"`
	Verbose       int      `toml:"verbose"`
}

// LoadProfile overlays the TOML file at path onto cfg.  A missing file
// is an error; call only when a profile was asked for.
func LoadProfile(path string, cfg *Config) error {
	var p profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return fmt.Errorf("profile %s: %w", path, err)
	}

	if p.Target != "" {
		cfg.TargetSpec = p.Target
	}
	if p.Transport != "" {
		cfg.Transport = p.Transport
	}
	if p.WSURL != "" {
		cfg.WSURL = p.WSURL
	}
	if p.ConnTimeout != "" {
		d, err := time.ParseDuration(p.ConnTimeout)
		if err != nil {
			return fmt.Errorf("profile %s: conn_timeout: %w", path, err)
		}
		cfg.ConnTimeout = d
	}
	if p.SSHKey != "" {
		cfg.SSHKeyPath = p.SSHKey
	}
	if p.UseSSHAgent {
		cfg.UseSSHAgent = true
	}
	if p.StrictHostKey {
		cfg.StrictHostKey = true
	}
	if p.KnownHosts != "" {
		cfg.KnownHostsPath = p.KnownHosts
	}
	for _, spec := range p.LocalForward {
		fw, err := ParseForwardSpec(spec)
		if err != nil {
			return fmt.Errorf("profile %s: %w", path, err)
		}
		cfg.LocalForwards = append(cfg.LocalForwards, fw)
	}
	for _, spec := range p.RemoteForward {
		fw, err := ParseForwardSpec(spec)
		if err != nil {
			return fmt.Errorf("profile %s: %w", path, err)
		}
		cfg.RemoteForwards = append(cfg.RemoteForwards, fw)
	}
	if p.QueueDepth > 0 {
		cfg.QueueDepth = p.QueueDepth
	}
	if p.AcceptBacklog > 0 {
		cfg.AcceptBacklog = p.AcceptBacklog
	}
	if p.Verbose > 0 {
		cfg.Verbose = p.Verbose
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the HOSTMUX_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HOSTMUX_TARGET"); v != "" {
		cfg.TargetSpec = v
	}
	if v := os.Getenv("HOSTMUX_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("HOSTMUX_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := envInt("HOSTMUX_CONN_TIMEOUT"); v > 0 {
		cfg.ConnTimeout = secondsDuration(v)
	}

	// SSH carrier
	if v := os.Getenv("HOSTMUX_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("HOSTMUX_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("HOSTMUX_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("HOSTMUX_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("HOSTMUX_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Session tuning
	if v := envInt("HOSTMUX_QUEUE_DEPTH"); v > 0 {
		cfg.QueueDepth = v
	}
	if v := envInt("HOSTMUX_ACCEPT_BACKLOG"); v > 0 {
		cfg.AcceptBacklog = v
	}

	// Output
	if v := envInt("HOSTMUX_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
