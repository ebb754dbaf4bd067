package mux

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	errs "hostmux/internal/errors"
)

// ExecConfig opens an exec channel.  Command is the fully assembled
// remote command line; environment and working-directory handling
// happen in the layer that builds it.
type ExecConfig struct {
	Command string
	PTY     bool
	Term    string
	Cols    uint16
	Rows    uint16
}

// ExitState is how a remote process ended: a normal exit carries Code,
// death by signal carries Signal.
type ExitState struct {
	Code       int
	Signal     string
	CoreDumped bool
}

type execState int

const (
	execOpening execState = iota
	execOpen
	execRunning
	execExited
	execFailed
	execClosed
)

// Process is the caller side of an exec channel.
//
// Lifecycle: Opening → Open (open confirmed) → Running (start ack) →
// Exited on the exit-status frame, Failed on unexpected close or
// transport loss, Closed on explicit local close.  The exit state is
// fixed exactly once and visible to every Wait caller.
type Process struct {
	id   uuid.UUID
	sess *Session
	pty  bool

	openCh chan error

	mu        sync.Mutex
	state     execState
	final     bool
	exit      ExitState
	termErr   error
	pid       int
	hasPID    bool
	stdinEOF  bool
	closeSent bool

	exitCh chan struct{}

	removeOnce sync.Once

	stdout *dataQueue
	stderr *dataQueue

	wmu sync.Mutex // orders chunked stdin writes
}

// OpenExec opens an exec channel and suspends until the peer confirms
// or rejects it.
func (s *Session) OpenExec(ctx context.Context, cfg ExecConfig) (*Process, error) {
	if s.closing.Load() {
		return nil, errs.ErrSessionClosed
	}
	p := &Process{
		id:     uuid.New(),
		sess:   s,
		pty:    cfg.PTY,
		openCh: make(chan error, 1),
		exitCh: make(chan struct{}),
		stdout: newDataQueue(s.queueDepth),
		stderr: newDataQueue(s.queueDepth),
	}
	payload := packMsg(openExec, execOpenMsg{
		Command: cfg.Command,
		PTY:     cfg.PTY,
		Term:    cfg.Term,
		Cols:    uint32(cfg.Cols),
		Rows:    uint32(cfg.Rows),
	})
	if err := s.openChannel(ctx, p.id, p, payload, p.openCh); err != nil {
		return nil, err
	}
	s.log.Verbose("mux: exec channel %s opened: %s", p.id, cfg.Command)
	return p, nil
}

// ── state machine (dispatch side) ────────────────────────────────────

func (p *Process) onFrame(f Frame) {
	switch f.Kind {
	case FrameOpenOK:
		p.mu.Lock()
		if p.state == execOpening {
			p.state = execOpen
		}
		p.mu.Unlock()
		p.deliverOpen(nil)

	case FrameOpenFail:
		m := parseStatus(f.Payload)
		err := statusToError("exec", "", m.Code, m.Message)
		if err == nil {
			err = errs.Request("exec", "", statusError, "open rejected")
		}
		p.terminate(err, execFailed)

	case FrameData:
		p.stdout.push(f.Payload)

	case FrameExtData:
		p.stderr.push(f.Payload)

	case FrameEOF:
		p.stdout.finish(nil)
		p.stderr.finish(nil)

	case FrameControl:
		p.onControl(f.Payload)

	case FrameClose:
		p.mu.Lock()
		exited := p.state == execExited
		p.mu.Unlock()
		if exited {
			p.terminate(nil, execClosed)
		} else {
			p.terminate(errs.ErrChannelClosed, execFailed)
		}

	default:
		p.sess.violation("unexpected %s on exec channel %s", f.Kind, p.id)
	}
}

func (p *Process) onControl(payload []byte) {
	if len(payload) < 1 {
		p.sess.violation("empty control on exec channel %s", p.id)
		return
	}
	switch payload[0] {
	case ctrlExecStarted:
		var m execStartedMsg
		if err := unpackMsg(payload, &m); err != nil {
			p.sess.violation("%v", err)
			return
		}
		p.mu.Lock()
		if p.state == execOpening || p.state == execOpen {
			p.state = execRunning
		}
		if m.HasPID {
			p.pid = int(m.PID)
			p.hasPID = true
		}
		p.mu.Unlock()

	case ctrlExitStatus:
		var m exitStatusMsg
		if err := unpackMsg(payload, &m); err != nil {
			p.sess.violation("%v", err)
			return
		}
		p.completeExit(ExitState{Code: int(m.Code)})

	case ctrlExitSignal:
		var m exitSignalMsg
		if err := unpackMsg(payload, &m); err != nil {
			p.sess.violation("%v", err)
			return
		}
		p.completeExit(ExitState{Signal: m.Signal, CoreDumped: m.CoreDumped})

	case ctrlResizeAck:
		var m resizeAckMsg
		if err := unpackMsg(payload, &m); err != nil {
			p.sess.violation("%v", err)
			return
		}
		if !m.OK {
			// Non-fatal: the process keeps running at the old size.
			p.sess.log.Warn("mux: resize rejected on exec channel %s", p.id)
		}

	default:
		p.sess.violation("unknown control %d on exec channel %s", payload[0], p.id)
	}
}

// completeExit records the one terminal success state.
func (p *Process) completeExit(e ExitState) {
	first := false
	p.mu.Lock()
	if !p.final {
		p.final = true
		p.state = execExited
		p.exit = e
		first = true
	}
	p.mu.Unlock()
	if first {
		p.stdout.finish(nil)
		p.stderr.finish(nil)
		close(p.exitCh)
	}
}

// terminate moves the channel to a terminal failure/closed state.  It
// is idempotent and callable from both the dispatch loop and the
// owning caller.
func (p *Process) terminate(err error, state execState) {
	first := false
	p.mu.Lock()
	if !p.final {
		p.final = true
		p.state = state
		p.termErr = err
		first = true
	}
	p.mu.Unlock()
	if first {
		p.stdout.finish(err)
		p.stderr.finish(err)
		close(p.exitCh)
	}
	if err != nil {
		p.deliverOpen(err)
	} else {
		p.deliverOpen(errs.ErrChannelClosed)
	}
	p.removeOnce.Do(func() {
		p.sess.reg.remove(p.id)
		p.sess.metrics.ChannelClosed()
	})
}

func (p *Process) fail(err error) {
	if errs.IsFatal(err) {
		p.terminate(err, execFailed)
		return
	}
	p.terminate(err, execClosed)
}

func (p *Process) deliverOpen(err error) {
	select {
	case p.openCh <- err:
	default:
	}
}

// ── caller side ──────────────────────────────────────────────────────

// PID returns the remote process id when the peer reported one.
func (p *Process) PID() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid, p.hasPID
}

// Write sends stdin bytes.  Sequential writes keep their order on the
// transport; large writes are split into frame-sized chunks.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.final || p.stdinEOF {
		p.mu.Unlock()
		return 0, errs.ErrChannelClosed
	}
	p.mu.Unlock()

	p.wmu.Lock()
	defer p.wmu.Unlock()
	sent := 0
	for len(b) > 0 {
		n := min(len(b), maxChunk)
		chunk := make([]byte, n)
		copy(chunk, b[:n])
		if err := p.sess.send(Frame{Channel: p.id, Kind: FrameData, Payload: chunk}); err != nil {
			return sent, err
		}
		sent += n
		b = b[n:]
	}
	return sent, nil
}

// CloseStdin signals end of input to the remote process.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	if p.final {
		p.mu.Unlock()
		return errs.ErrChannelClosed
	}
	if p.stdinEOF {
		p.mu.Unlock()
		return nil
	}
	p.stdinEOF = true
	p.mu.Unlock()
	return p.sess.send(Frame{Channel: p.id, Kind: FrameEOF})
}

// Stdout returns the process's output stream (merged terminal output
// with a PTY).
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the process's error stream.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Resize changes the PTY size.  The acknowledgment is asynchronous and
// a rejected resize is logged, not fatal.  Without a PTY this fails
// with ErrUnsupportedOperation and leaves the channel untouched.
func (p *Process) Resize(cols, rows uint16) error {
	if !p.pty {
		return errs.ErrUnsupportedOperation
	}
	p.mu.Lock()
	if p.final {
		p.mu.Unlock()
		return errs.ErrChannelClosed
	}
	p.mu.Unlock()
	return p.sess.send(Frame{
		Channel: p.id,
		Kind:    FrameControl,
		Payload: packMsg(ctrlResize, resizeMsg{Cols: uint32(cols), Rows: uint32(rows)}),
	})
}

// Signal delivers a named signal to the remote process.
func (p *Process) Signal(name string) error {
	p.mu.Lock()
	if p.final {
		p.mu.Unlock()
		return errs.ErrChannelClosed
	}
	p.mu.Unlock()
	return p.sess.send(Frame{
		Channel: p.id,
		Kind:    FrameControl,
		Payload: packMsg(ctrlSignal, signalMsg{Name: name}),
	})
}

// Kill forcibly terminates the remote process.
func (p *Process) Kill() error { return p.Signal("KILL") }

// Wait suspends until the process ends and returns its exit state.
// Every caller observes the same result.
func (p *Process) Wait(ctx context.Context) (ExitState, error) {
	select {
	case <-p.exitCh:
	case <-ctx.Done():
		return ExitState{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.termErr != nil {
		return ExitState{}, p.termErr
	}
	if p.state != execExited {
		return ExitState{}, errs.ErrChannelClosed
	}
	return p.exit, nil
}

// ExitState returns the exit state if the process has already ended.
func (p *Process) ExitState() (ExitState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.final && p.termErr == nil && p.state == execExited {
		return p.exit, true
	}
	return ExitState{}, false
}

// Close releases the channel.  A best-effort close frame is sent; the
// caller never waits for remote acknowledgment.  An exit state already
// recorded stays observable.
func (p *Process) Close() error {
	p.mu.Lock()
	exited := p.state == execExited
	sendClose := !p.closeSent
	p.closeSent = true
	p.mu.Unlock()

	if sendClose {
		p.sess.send(Frame{Channel: p.id, Kind: FrameClose}) //nolint:errcheck
	}
	if exited {
		p.terminate(nil, execClosed)
	} else {
		p.terminate(errs.ErrChannelClosed, execClosed)
	}
	return nil
}
