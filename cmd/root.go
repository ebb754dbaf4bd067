// Package cmd wires up the CLI flags and drives a hostmux session.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"hostmux/config"
	"hostmux/internal/metrics"
	"hostmux/internal/retry"
	"hostmux/mux"
	"hostmux/remote"
	"hostmux/transport"
	"hostmux/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X hostmux/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// ExitCodeError carries the remote command's nonzero exit status to
// main without losing it in error formatting.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// Execute parses args and runs a session against the target.
func Execute(ctx context.Context, args []string) error {
	cfg := config.New()

	// Lower-precedence sources first; the flag parse below overrides
	// whatever they set.
	if path := peekProfile(args); path != "" {
		cfg.Profile = path
		if err := config.LoadProfile(path, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("hostmux", flag.ContinueOnError)

	// ── connection ───────────────────────────────────────────────
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Frame carrier: ssh or websocket")
	fs.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "Websocket endpoint (with --transport websocket)")
	var timeoutSec int
	fs.IntVarP(&timeoutSec, "timeout", "w", 0, "Connection timeout in seconds")

	// ── SSH carrier ──────────────────────────────────────────────
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── execution ────────────────────────────────────────────────
	fs.BoolVarP(&cfg.PTY, "pty", "t", cfg.PTY, "Allocate a PTY for the command")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Remote working directory")
	fs.StringArrayVar(&cfg.Env, "env", cfg.Env, "Environment KEY=VALUE for the command (repeatable)")

	// ── forwarding ───────────────────────────────────────────────
	var localSpecs, remoteSpecs []string
	fs.StringArrayVarP(&localSpecs, "local-forward", "L", nil, "Local forward [bind:]port:host:hostport (repeatable)")
	fs.StringArrayVarP(&remoteSpecs, "remote-forward", "R", nil, "Remote forward [bind:]port:host:hostport (repeatable)")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.ShowStats, "stats", cfg.ShowStats, "Print session statistics on exit")
	var profileFlag string
	fs.StringVar(&profileFlag, "profile", cfg.Profile, "TOML profile file")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("hostmux %s\n", version)
		return nil
	}

	if timeoutSec > 0 {
		cfg.ConnTimeout = time.Duration(timeoutSec) * time.Second
	}
	for _, spec := range localSpecs {
		fw, err := config.ParseForwardSpec(spec)
		if err != nil {
			return err
		}
		cfg.LocalForwards = append(cfg.LocalForwards, fw)
	}
	for _, spec := range remoteSpecs {
		fw, err := config.ParseForwardSpec(spec)
		if err != nil {
			return err
		}
		cfg.RemoteForwards = append(cfg.RemoteForwards, fw)
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}

	// ── target spec ──────────────────────────────────────────────
	if cfg.TargetSpec != "" {
		user, host, port, err := config.ParseTargetSpec(cfg.TargetSpec)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		cfg.User = user
		cfg.Host = host
		cfg.Port = port
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	stats := metrics.New()

	tr, err := dialTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sess := mux.NewSession(tr, mux.Options{
		Logger:        logger,
		Metrics:       stats,
		QueueDepth:    cfg.QueueDepth,
		AcceptBacklog: cfg.AcceptBacklog,
	})
	host := remote.NewHost(sess, logger)
	defer host.Close() //nolint:errcheck

	runErr := runSession(ctx, host, cfg, logger)

	if cfg.ShowStats {
		if buf, err := stats.JSON(); err == nil {
			fmt.Fprintf(os.Stderr, "%s\n", buf)
		}
	}
	return runErr
}

// dialTransport connects the configured carrier, retrying transient
// dial failures with exponential backoff.
func dialTransport(ctx context.Context, cfg *config.Config, logger *util.Logger) (mux.Transport, error) {
	b := retry.DialBackoff()
	b.MaxAttempts = cfg.MaxDialAttempts
	b.MaxDelay = cfg.MaxDialBackoff

	var tr mux.Transport
	err := b.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			logger.Info("dial attempt %d/%d", attempt, cfg.MaxDialAttempts)
		}
		var err error
		switch cfg.Transport {
		case "websocket":
			tr, err = transport.DialWebSocket(ctx, cfg.WSURL, logger)
		default:
			tr, err = transport.DialSSH(ctx, &transport.SSHConfig{
				User:          cfg.User,
				Host:          cfg.Host,
				Port:          cfg.Port,
				KeyPath:       cfg.SSHKeyPath,
				PromptPass:    cfg.SSHPassword,
				UseAgent:      cfg.UseSSHAgent,
				StrictHostKey: cfg.StrictHostKey,
				KnownHosts:    cfg.KnownHostsPath,
				ConnTimeout:   cfg.ConnTimeout,
			}, logger)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Host, err)
	}
	return tr, nil
}

// ── helpers ──────────────────────────────────────────────────────────

// peekProfile finds --profile before the real parse so the profile can
// seed the defaults the flags are bound to.
func peekProfile(args []string) string {
	for i, a := range args {
		if a == "--profile" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--profile="); ok {
			return v
		}
	}
	return ""
}

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Transport == "websocket" {
		// No target positional; everything is the command.
		cfg.Command = remaining
		return nil
	}
	if len(remaining) < 1 {
		if cfg.TargetSpec != "" {
			return nil
		}
		return fmt.Errorf("target required (use --help for usage)")
	}
	cfg.TargetSpec = remaining[0]
	cfg.Command = remaining[1:]
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `hostmux – multiplexed remote exec, file transfer, and forwarding v%s

One connection, many channels: run commands, move files, and forward
ports over a single carrier.

Usage:
  hostmux [options] [user@]host[:port] [command [args...]]
  hostmux -L 8080:localhost:80 [user@]host        Local forward
  hostmux -R 9000:localhost:3000 [user@]host      Remote forward
  hostmux --transport websocket --ws-url URL cmd  Websocket carrier

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  hostmux build-host uname -a                     Run a command
  hostmux -t dev-box vim notes.txt                Interactive PTY
  hostmux -L 5432:db-internal:5432 bastion        Tunnel a database
  hostmux -R 8080:localhost:3000 demo-host        Expose a local app
  HOSTMUX_VERBOSE=2 hostmux host id               Verbose via env
`)
}
