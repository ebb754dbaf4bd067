package native

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"hostmux/capability"
	errs "hostmux/internal/errors"
	"hostmux/util"
)

// Executor runs processes on the local host.
type Executor struct {
	log *util.Logger
}

// NewExecutor returns a local process executor.
func NewExecutor(log *util.Logger) *Executor {
	return &Executor{log: log}
}

// Start launches cfg and returns immediately.  The returned Process
// outlives ctx; cancelling ctx does not kill it.
func (e *Executor) Start(ctx context.Context, cfg *capability.ProcessConfig) (capability.Process, error) {
	if cfg.Program == "" {
		return nil, errs.New("native: program required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Program, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg)

	p := &process{
		cmd:    cmd,
		exitCh: make(chan struct{}),
	}

	if cfg.PTY != nil {
		ws := &pty.Winsize{Rows: cfg.PTY.Rows, Cols: cfg.PTY.Cols}
		f, err := pty.StartWithSize(cmd, ws)
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		p.pty = f
		p.stdin = f
		p.stdout = ptyReader{f: f}
	} else {
		if err := p.wirePipes(cfg); err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			p.closePipes()
			return nil, err
		}
	}

	e.log.Verbose("native: started %s (pid %d)", cfg.Program, cmd.Process.Pid)
	go p.reap()
	return p, nil
}

// Run launches cfg with output collection, waits for it to end, and
// returns the gathered output.  Cancelling ctx kills the process.
func (e *Executor) Run(ctx context.Context, cfg *capability.ProcessConfig) (capability.Output, error) {
	collected := *cfg
	collected.Stdout = true
	collected.Stderr = true

	p, err := e.Start(ctx, &collected)
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
		p.Kill() //nolint:errcheck
		return capability.Output{}, err
	}
	wg.Wait()
	return capability.Output{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
		Exit:   exit,
	}, nil
}

// buildEnv layers cfg.Env over the ambient environment, with the PTY's
// TERM applied last.
func buildEnv(cfg *capability.ProcessConfig) []string {
	env := os.Environ()
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	if cfg.PTY != nil && cfg.PTY.Term != "" {
		env = append(env, "TERM="+cfg.PTY.Term)
	}
	return env
}

// process is a locally started process.
type process struct {
	cmd *exec.Cmd
	pty *os.File // nil without a PTY

	stdin  io.Writer
	stdout io.Reader
	stderr io.Reader

	stdinClose io.Closer // parent end of the stdin pipe

	mu          sync.Mutex
	exit        capability.ExitState
	waitErr     error
	done        bool
	stdinClosed bool

	exitCh chan struct{}
}

// wirePipes sets up explicit os.Pipe pairs so the consumer can keep
// reading after Wait; the child's write ends close on exit and the
// readers see a natural EOF.
func (p *process) wirePipes(cfg *capability.ProcessConfig) error {
	if cfg.Stdin {
		pr, pw, err := os.Pipe()
		if err != nil {
			return err
		}
		p.cmd.Stdin = pr
		p.stdin = pw
		p.stdinClose = pw
	}
	if cfg.Stdout {
		pr, pw, err := os.Pipe()
		if err != nil {
			p.closePipes()
			return err
		}
		p.cmd.Stdout = pw
		p.stdout = pr
	}
	if cfg.Stderr {
		pr, pw, err := os.Pipe()
		if err != nil {
			p.closePipes()
			return err
		}
		p.cmd.Stderr = pw
		p.stderr = pr
	}
	return nil
}

// closePipes releases every pipe end created so far.  Only called on
// error paths before the child runs, so the child-side ends are still
// ours to close.
func (p *process) closePipes() {
	if p.stdinClose != nil {
		p.stdinClose.Close() //nolint:errcheck
	}
	for _, r := range []io.Reader{p.stdout, p.stderr} {
		if c, ok := r.(io.Closer); ok {
			c.Close() //nolint:errcheck
		}
	}
	for _, end := range []interface{}{p.cmd.Stdin, p.cmd.Stdout, p.cmd.Stderr} {
		if f, ok := end.(*os.File); ok && f != nil {
			f.Close() //nolint:errcheck
		}
	}
}

// reap waits for the child and fixes the exit state exactly once.
func (p *process) reap() {
	// The parent's copies of the child-side pipe ends must go away or
	// the readers never see EOF.
	if f, ok := p.cmd.Stdin.(*os.File); ok && f != nil {
		f.Close() //nolint:errcheck
	}
	if f, ok := p.cmd.Stdout.(*os.File); ok && f != nil {
		defer f.Close()
	}
	if f, ok := p.cmd.Stderr.(*os.File); ok && f != nil {
		defer f.Close()
	}

	err := p.cmd.Wait()
	exit, werr := exitStateOf(err)

	p.mu.Lock()
	p.exit = exit
	p.waitErr = werr
	p.done = true
	p.mu.Unlock()
	close(p.exitCh)
}

// exitStateOf translates cmd.Wait's error into an ExitState,
// distinguishing death by signal from a nonzero exit code.
func exitStateOf(err error) (capability.ExitState, error) {
	if err == nil {
		return capability.ExitState{Code: 0}, nil
	}
	var ee *exec.ExitError
	if !errs.As(err, &ee) {
		return capability.ExitState{}, err
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return capability.ExitState{
				Signal:     signalName(ws.Signal()),
				CoreDumped: ws.CoreDump(),
			}, nil
		}
		return capability.ExitState{Code: ws.ExitStatus()}, nil
	}
	return capability.ExitState{Code: ee.ExitCode()}, nil
}

func (p *process) PID() (int, bool) {
	if p.cmd.Process == nil {
		return 0, false
	}
	return p.cmd.Process.Pid, true
}

func (p *process) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.stdinClosed {
		p.mu.Unlock()
		return 0, errs.ErrChannelClosed
	}
	p.mu.Unlock()
	if p.stdin == nil {
		return 0, errs.ErrStdinNotPiped
	}
	return p.stdin.Write(b)
}

func (p *process) CloseStdin() error {
	p.mu.Lock()
	if p.stdinClosed {
		p.mu.Unlock()
		return nil
	}
	p.stdinClosed = true
	p.mu.Unlock()
	if p.stdinClose != nil {
		return p.stdinClose.Close()
	}
	if p.pty != nil {
		// A PTY has no separate stdin to close; the nearest analogue
		// is sending EOT, which line-disciplined programs honor.
		_, err := p.pty.Write([]byte{0x04})
		return err
	}
	return nil
}

func (p *process) Stdout() io.Reader {
	if p.stdout == nil {
		return emptyReader{}
	}
	return p.stdout
}

func (p *process) Stderr() io.Reader {
	if p.stderr == nil {
		return emptyReader{}
	}
	return p.stderr
}

func (p *process) Resize(cols, rows uint16) error {
	if p.pty == nil {
		return errs.ErrUnsupportedOperation
	}
	return pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *process) Signal(name string) error {
	sig, ok := lookupSignal(name)
	if !ok {
		return errs.ErrUnsupportedOperation
	}
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done {
		return errs.ErrChannelClosed
	}
	return p.cmd.Process.Signal(sig)
}

func (p *process) Kill() error { return p.Signal("KILL") }

func (p *process) Wait(ctx context.Context) (capability.ExitState, error) {
	select {
	case <-p.exitCh:
	case <-ctx.Done():
		return capability.ExitState{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr != nil {
		return capability.ExitState{}, p.waitErr
	}
	return p.exit, nil
}

func (p *process) ExitState() (capability.ExitState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done && p.waitErr == nil {
		return p.exit, true
	}
	return capability.ExitState{}, false
}

// Close releases the handles.  The process itself keeps running; use
// Kill to stop it.
func (p *process) Close() error {
	p.mu.Lock()
	p.stdinClosed = true
	p.mu.Unlock()
	if p.stdinClose != nil {
		p.stdinClose.Close() //nolint:errcheck
	}
	if p.pty != nil {
		p.pty.Close() //nolint:errcheck
	}
	for _, r := range []io.Reader{p.stdout, p.stderr} {
		if c, ok := r.(io.Closer); ok {
			c.Close() //nolint:errcheck
		}
	}
	return nil
}

// ptyReader masks the EIO a PTY master returns once the child is gone;
// consumers just see EOF.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && errs.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (r ptyReader) Close() error { return r.f.Close() }

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
