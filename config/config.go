// Package config defines the runtime configuration for hostmux and
// provides helpers for parsing target and forward specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds every tuneable for a single hostmux invocation.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	TargetSpec  string // raw [user@]host[:port]
	User        string
	Host        string
	Port        int
	Transport   string // "ssh" or "websocket"
	WSURL       string // websocket endpoint when Transport == "websocket"
	ConnTimeout time.Duration

	// ── SSH carrier ──────────────────────────────────────────────────
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Execution ────────────────────────────────────────────────────
	Command []string // program + args to run on the peer
	PTY     bool
	Dir     string   // remote working directory
	Env     []string // K=V pairs passed to the remote process

	// ── Forwarding ───────────────────────────────────────────────────
	LocalForwards  []ForwardSpec // -L equivalents
	RemoteForwards []ForwardSpec // -R equivalents

	// ── Session tuning ───────────────────────────────────────────────
	QueueDepth    int
	AcceptBacklog int

	// ── Dial retry ───────────────────────────────────────────────────
	MaxDialAttempts int
	MaxDialBackoff  time.Duration

	// ── Output ───────────────────────────────────────────────────────
	Verbose   int
	ShowStats bool

	// Profile is the optional TOML file loaded before env and flags.
	Profile string
}

// ForwardSpec is one parsed forward: listen on Bind*, relay to
// Target*.  For local forwards the bind side is this host; for remote
// forwards it is the peer.
type ForwardSpec struct {
	BindNetwork   string
	BindAddr      string
	TargetNetwork string
	TargetAddr    string
}

func (f ForwardSpec) String() string {
	return fmt.Sprintf("%s %s -> %s %s", f.BindNetwork, f.BindAddr, f.TargetNetwork, f.TargetAddr)
}

// ── Target-spec parser ───────────────────────────────────────────────

// targetRe matches [user@]host[:port].
var targetRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTargetSpec extracts user, host, and port from a string such as
// "admin@build.example.com:2222".  Port defaults to 22.
func ParseTargetSpec(spec string) (user, host string, port int, err error) {
	m := targetRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid target spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid target port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("target host is required")
	}
	return user, host, port, nil
}

// ── Forward-spec parser ──────────────────────────────────────────────

// ParseForwardSpec accepts the ssh-style forms
//
//	port:host:hostport
//	bindaddr:port:host:hostport
//	/local/socket:/target/socket
//
// The two-part form with slash paths declares a unix-to-unix forward.
func ParseForwardSpec(spec string) (ForwardSpec, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 2:
		if !strings.Contains(parts[0], "/") || !strings.Contains(parts[1], "/") {
			return ForwardSpec{}, fmt.Errorf("invalid forward spec %q – two-part form needs socket paths", spec)
		}
		return ForwardSpec{
			BindNetwork:   "unix",
			BindAddr:      parts[0],
			TargetNetwork: "unix",
			TargetAddr:    parts[1],
		}, nil
	case 3:
		bindPort, err := parsePort(parts[0])
		if err != nil {
			return ForwardSpec{}, fmt.Errorf("forward spec %q: %w", spec, err)
		}
		targetPort, err := parsePort(parts[2])
		if err != nil {
			return ForwardSpec{}, fmt.Errorf("forward spec %q: %w", spec, err)
		}
		return ForwardSpec{
			BindNetwork:   "tcp",
			BindAddr:      fmt.Sprintf("%s:%d", DefaultBindAddress, bindPort),
			TargetNetwork: "tcp",
			TargetAddr:    fmt.Sprintf("%s:%d", parts[1], targetPort),
		}, nil
	case 4:
		bindPort, err := parsePort(parts[1])
		if err != nil {
			return ForwardSpec{}, fmt.Errorf("forward spec %q: %w", spec, err)
		}
		targetPort, err := parsePort(parts[3])
		if err != nil {
			return ForwardSpec{}, fmt.Errorf("forward spec %q: %w", spec, err)
		}
		bindAddr := parts[0]
		if bindAddr == "" || bindAddr == "*" {
			bindAddr = "0.0.0.0"
		}
		return ForwardSpec{
			BindNetwork:   "tcp",
			BindAddr:      fmt.Sprintf("%s:%d", bindAddr, bindPort),
			TargetNetwork: "tcp",
			TargetAddr:    fmt.Sprintf("%s:%d", parts[2], targetPort),
		}, nil
	default:
		return ForwardSpec{}, fmt.Errorf("invalid forward spec %q", spec)
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	// Port 0 is legal on the bind side: the peer picks one.
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 0-65535", port)
	}
	return port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Transport {
	case "ssh":
		if c.Host == "" {
			return fmt.Errorf("target host is required (use --help for usage)")
		}
	case "websocket":
		if c.WSURL == "" {
			return fmt.Errorf("websocket transport requires --ws-url")
		}
	default:
		return fmt.Errorf("unknown transport %q – expected ssh or websocket", c.Transport)
	}

	if len(c.Command) == 0 && len(c.LocalForwards) == 0 && len(c.RemoteForwards) == 0 && !c.ShowStats {
		return fmt.Errorf("nothing to do: give a command or a forward spec")
	}

	if c.PTY && len(c.Command) == 0 {
		return fmt.Errorf("--pty requires a command")
	}

	for _, e := range c.Env {
		if !strings.Contains(e, "=") {
			return fmt.Errorf("invalid environment entry %q – expected KEY=VALUE", e)
		}
	}

	if c.MaxDialAttempts < 1 {
		return fmt.Errorf("dial attempts must be at least 1")
	}

	return nil
}
