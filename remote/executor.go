package remote

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"hostmux/capability"
	errs "hostmux/internal/errors"
	"hostmux/mux"
	"hostmux/util"
)

// Executor runs processes on the peer, one exec channel per process.
type Executor struct {
	sess *mux.Session
	log  *util.Logger
}

// Start launches cfg on the peer.  The full command line, environment
// prefix included, is assembled here; the peer only sees one shell
// command.
func (e *Executor) Start(ctx context.Context, cfg *capability.ProcessConfig) (capability.Process, error) {
	if cfg.Program == "" {
		return nil, errs.New("remote: program required")
	}
	mc := mux.ExecConfig{Command: assembleCommand(cfg)}
	if cfg.PTY != nil {
		mc.PTY = true
		mc.Term = cfg.PTY.Term
		mc.Cols = cfg.PTY.Cols
		mc.Rows = cfg.PTY.Rows
	}
	p, err := e.sess.OpenExec(ctx, mc)
	if err != nil {
		return nil, err
	}
	if !cfg.Stdin {
		// The channel always carries a stdin stream; an unredirected
		// one is simply closed so the program sees immediate EOF.
		if err := p.CloseStdin(); err != nil {
			p.Close() //nolint:errcheck
			return nil, err
		}
	}
	return &remoteProcess{p: p, stdin: cfg.Stdin}, nil
}

// Run launches cfg, collects stdout and stderr, and waits for exit.
func (e *Executor) Run(ctx context.Context, cfg *capability.ProcessConfig) (capability.Output, error) {
	p, err := e.Start(ctx, cfg)
	if err != nil {
		return capability.Output{}, err
	}
	defer p.Close() //nolint:errcheck

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdout, p.Stdout()) //nolint:errcheck
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, p.Stderr()) //nolint:errcheck
	}()

	exit, err := p.Wait(ctx)
	if err != nil {
		return capability.Output{}, err
	}
	wg.Wait()
	return capability.Output{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
		Exit:   exit,
	}, nil
}

// assembleCommand renders cfg as one shell command: a sorted K=V
// environment prefix, the quoted program and arguments, the whole
// thing wrapped in a cd subshell when a working directory is set.
func assembleCommand(cfg *capability.ProcessConfig) string {
	var sb strings.Builder

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(shellQuote(cfg.Env[k]))
		sb.WriteByte(' ')
	}

	sb.WriteString(shellQuote(cfg.Program))
	for _, a := range cfg.Args {
		sb.WriteByte(' ')
		sb.WriteString(shellQuote(a))
	}

	cmd := sb.String()
	if cfg.Dir != "" {
		cmd = "(cd " + shellQuote(cfg.Dir) + " && " + cmd + ")"
	}
	return cmd
}

// shellQuote single-quotes s for POSIX sh.  Simple words pass through
// untouched to keep command lines readable in logs.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'`$\\!*?[]{}()<>|&;~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// remoteProcess adapts a mux exec channel to the capability contract.
type remoteProcess struct {
	p     *mux.Process
	stdin bool
}

func (r *remoteProcess) PID() (int, bool) { return r.p.PID() }

func (r *remoteProcess) Write(b []byte) (int, error) {
	if !r.stdin {
		return 0, errs.ErrStdinNotPiped
	}
	return r.p.Write(b)
}

func (r *remoteProcess) CloseStdin() error {
	if !r.stdin {
		return nil
	}
	return r.p.CloseStdin()
}

func (r *remoteProcess) Stdout() io.Reader { return r.p.Stdout() }
func (r *remoteProcess) Stderr() io.Reader { return r.p.Stderr() }

func (r *remoteProcess) Resize(cols, rows uint16) error { return r.p.Resize(cols, rows) }
func (r *remoteProcess) Signal(name string) error       { return r.p.Signal(name) }
func (r *remoteProcess) Kill() error                    { return r.p.Kill() }

func (r *remoteProcess) Wait(ctx context.Context) (capability.ExitState, error) {
	exit, err := r.p.Wait(ctx)
	if err != nil {
		return capability.ExitState{}, err
	}
	return capability.ExitState{
		Code:       exit.Code,
		Signal:     exit.Signal,
		CoreDumped: exit.CoreDumped,
	}, nil
}

func (r *remoteProcess) ExitState() (capability.ExitState, bool) {
	exit, ok := r.p.ExitState()
	if !ok {
		return capability.ExitState{}, false
	}
	return capability.ExitState{
		Code:       exit.Code,
		Signal:     exit.Signal,
		CoreDumped: exit.CoreDumped,
	}, true
}

func (r *remoteProcess) Close() error { return r.p.Close() }
