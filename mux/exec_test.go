package mux

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	errs "hostmux/internal/errors"
)

// startExec opens an exec channel while the scripted peer confirms it,
// returning the process and the channel id the peer saw.
func startExec(t *testing.T, s *Session, peer Transport, cfg ExecConfig) (*Process, uuid.UUID) {
	t.Helper()
	ctx := testCtx(t)

	type result struct {
		p   *Process
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := s.OpenExec(ctx, cfg)
		done <- result{p, err}
	}()

	f := recvFrame(t, peer)
	if f.Kind != FrameOpen {
		t.Fatalf("peer got %s, want open", f.Kind)
	}
	if len(f.Payload) == 0 || f.Payload[0] != openExec {
		t.Fatalf("open payload discriminator = %v, want exec", f.Payload)
	}
	var m execOpenMsg
	if err := unpackMsg(f.Payload, &m); err != nil {
		t.Fatalf("open payload: %v", err)
	}
	if m.Command != cfg.Command || m.PTY != cfg.PTY {
		t.Fatalf("open payload = %+v, want command %q pty %v", m, cfg.Command, cfg.PTY)
	}
	if err := peer.Send(Frame{Channel: f.Channel, Kind: FrameOpenOK}); err != nil {
		t.Fatalf("peer send: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("OpenExec: %v", r.err)
	}
	return r.p, f.Channel
}

func TestExecRunToExit(t *testing.T) {
	s, peer := newTestSession(t)
	ctx := testCtx(t)

	p, id := startExec(t, s, peer, ExecConfig{Command: "echo hi"})

	peer.Send(Frame{Channel: id, Kind: FrameControl, Payload: packMsg(ctrlExecStarted, execStartedMsg{PID: 4321, HasPID: true})})
	peer.Send(Frame{Channel: id, Kind: FrameData, Payload: []byte("hi\n")})
	peer.Send(Frame{Channel: id, Kind: FrameEOF})
	peer.Send(Frame{Channel: id, Kind: FrameControl, Payload: packMsg(ctrlExitStatus, exitStatusMsg{Code: 0})})

	out, err := io.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if string(out) != "hi\n" {
		t.Fatalf("stdout = %q, want %q", out, "hi\n")
	}

	st, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.Code != 0 || st.Signal != "" {
		t.Fatalf("exit state = %+v, want clean code 0", st)
	}
	if pid, ok := p.PID(); !ok || pid != 4321 {
		t.Fatalf("PID = %d, %v; want 4321", pid, ok)
	}
	if got, ok := p.ExitState(); !ok || got != st {
		t.Fatalf("ExitState = %+v, %v", got, ok)
	}
}

func TestExecStderrAndSignalExit(t *testing.T) {
	s, peer := newTestSession(t)
	ctx := testCtx(t)

	p, id := startExec(t, s, peer, ExecConfig{Command: "sleep 100"})

	peer.Send(Frame{Channel: id, Kind: FrameExtData, Payload: []byte("boom\n")})
	peer.Send(Frame{Channel: id, Kind: FrameEOF})
	peer.Send(Frame{Channel: id, Kind: FrameControl, Payload: packMsg(ctrlExitSignal, exitSignalMsg{Signal: "TERM"})})

	errOut, err := io.ReadAll(p.Stderr())
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	if string(errOut) != "boom\n" {
		t.Fatalf("stderr = %q", errOut)
	}

	st, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.Signal != "TERM" {
		t.Fatalf("exit state = %+v, want signal TERM", st)
	}
}

func TestExecOpenRejected(t *testing.T) {
	s, peer := newTestSession(t)
	ctx := testCtx(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.OpenExec(ctx, ExecConfig{Command: "forbidden"})
		done <- err
	}()

	f := recvFrame(t, peer)
	refusal := Frame{Channel: f.Channel, Kind: FrameOpenFail, Payload: ssh.Marshal(statusMsg{Code: statusUnsupported, Message: "exec disabled"})}
	if err := peer.Send(refusal); err != nil {
		t.Fatalf("peer send: %v", err)
	}

	if err := <-done; !errs.Is(err, errs.ErrUnsupportedOperation) {
		t.Fatalf("open = %v, want ErrUnsupportedOperation", err)
	}
	if n := s.reg.size(); n != 0 {
		t.Fatalf("registry still holds %d channels after refused open", n)
	}
}

func TestExecResizeWithoutPTY(t *testing.T) {
	s, peer := newTestSession(t)

	p, id := startExec(t, s, peer, ExecConfig{Command: "cat"})

	if err := p.Resize(120, 40); !errs.Is(err, errs.ErrUnsupportedOperation) {
		t.Fatalf("Resize without pty = %v, want ErrUnsupportedOperation", err)
	}

	// The channel keeps working: signals still go through.
	if err := p.Signal("TERM"); err != nil {
		t.Fatalf("Signal after rejected resize: %v", err)
	}
	f := recvFrame(t, peer)
	if f.Kind != FrameControl || f.Channel != id || f.Payload[0] != ctrlSignal {
		t.Fatalf("peer got %s payload %v, want signal control", f.Kind, f.Payload[:1])
	}
	var m signalMsg
	if err := unpackMsg(f.Payload, &m); err != nil {
		t.Fatalf("signal payload: %v", err)
	}
	if m.Name != "TERM" {
		t.Fatalf("signal name = %q, want TERM", m.Name)
	}
}

func TestExecResizeWithPTY(t *testing.T) {
	s, peer := newTestSession(t)

	p, id := startExec(t, s, peer, ExecConfig{Command: "top", PTY: true, Term: "xterm", Cols: 80, Rows: 24})

	if err := p.Resize(132, 43); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	f := recvFrame(t, peer)
	if f.Kind != FrameControl || f.Channel != id || f.Payload[0] != ctrlResize {
		t.Fatalf("peer got %s, want resize control", f.Kind)
	}
	var m resizeMsg
	if err := unpackMsg(f.Payload, &m); err != nil {
		t.Fatalf("resize payload: %v", err)
	}
	if m.Cols != 132 || m.Rows != 43 {
		t.Fatalf("resize = %dx%d, want 132x43", m.Cols, m.Rows)
	}
}

func TestExecStdinChunkingAndEOF(t *testing.T) {
	s, peer := newTestSession(t)

	p, id := startExec(t, s, peer, ExecConfig{Command: "cat"})

	payload := bytes.Repeat([]byte("x"), maxChunk+maxChunk/2)
	n, err := p.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write = %d, want %d", n, len(payload))
	}

	var got []byte
	for len(got) < len(payload) {
		f := recvFrame(t, peer)
		if f.Kind != FrameData || f.Channel != id {
			t.Fatalf("peer got %s on %s", f.Kind, f.Channel)
		}
		if len(f.Payload) > maxChunk {
			t.Fatalf("chunk of %d bytes exceeds limit %d", len(f.Payload), maxChunk)
		}
		got = append(got, f.Payload...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("stdin bytes arrived corrupted or out of order")
	}

	if err := p.CloseStdin(); err != nil {
		t.Fatalf("CloseStdin: %v", err)
	}
	if f := recvFrame(t, peer); f.Kind != FrameEOF {
		t.Fatalf("peer got %s, want eof", f.Kind)
	}
	// Stdin is gone; further writes fail without touching the wire.
	if _, err := p.Write([]byte("late")); !errs.Is(err, errs.ErrChannelClosed) {
		t.Fatalf("Write after CloseStdin = %v, want ErrChannelClosed", err)
	}
	if err := p.CloseStdin(); err != nil {
		t.Fatalf("second CloseStdin = %v, want nil", err)
	}
}

func TestExecCloseSendsOneCloseFrame(t *testing.T) {
	s, peer := newTestSession(t)
	ctx := testCtx(t)

	p, id := startExec(t, s, peer, ExecConfig{Command: "sleep 100"})

	p.Close()
	p.Close()

	if f := recvFrame(t, peer); f.Kind != FrameClose || f.Channel != id {
		t.Fatalf("peer got %s, want close", f.Kind)
	}
	// The registry slot is gone immediately.
	if n := s.reg.size(); n != 0 {
		t.Fatalf("registry still holds %d channels", n)
	}
	if _, err := p.Wait(ctx); !errs.Is(err, errs.ErrChannelClosed) {
		t.Fatalf("Wait after Close = %v, want ErrChannelClosed", err)
	}
}

func TestExecRemoteCloseBeforeExitIsFailure(t *testing.T) {
	s, peer := newTestSession(t)
	ctx := testCtx(t)

	p, id := startExec(t, s, peer, ExecConfig{Command: "cat"})

	peer.Send(Frame{Channel: id, Kind: FrameClose})

	if _, err := p.Wait(ctx); !errs.Is(err, errs.ErrChannelClosed) {
		t.Fatalf("Wait = %v, want ErrChannelClosed", err)
	}
	if _, ok := p.ExitState(); ok {
		t.Fatal("ExitState reported success for a channel that never exited")
	}
}
