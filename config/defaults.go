package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, profile parsing, and environment variable loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultBindAddress is where three-part forward specs bind.
	DefaultBindAddress = "127.0.0.1"

	// DefaultConnTimeout is the carrier connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultQueueDepth bounds each channel's inbound queue.
	DefaultQueueDepth = 32

	// DefaultAcceptBacklog bounds queued reverse-forward connections.
	DefaultAcceptBacklog = 16

	// DefaultMaxDialAttempts is how many times to retry the initial
	// dial before giving up.
	DefaultMaxDialAttempts = 3

	// DefaultMaxDialBackoff caps the exponential backoff between dial
	// attempts.
	DefaultMaxDialBackoff = 15 * time.Second
)

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Transport:       "ssh",
		ConnTimeout:     DefaultConnTimeout,
		QueueDepth:      DefaultQueueDepth,
		AcceptBacklog:   DefaultAcceptBacklog,
		MaxDialAttempts: DefaultMaxDialAttempts,
		MaxDialBackoff:  DefaultMaxDialBackoff,
	}
}
