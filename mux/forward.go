package mux

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	errs "hostmux/internal/errors"
)

// Address names a forward endpoint: a tcp host:port or a unix socket
// path.
type Address struct {
	Network string // "tcp" or "unix"
	Addr    string
}

func (a Address) String() string {
	if a.Network == "" {
		return a.Addr
	}
	return a.Network + "://" + a.Addr
}

// netAddr adapts Address to net.Addr for ForwardConn.
type netAddr struct {
	network string
	addr    string
}

func (a netAddr) Network() string { return a.network }
func (a netAddr) String() string  { return a.addr }

// ── forwarded connections ────────────────────────────────────────────

// ForwardConn is one relayed connection riding a mux channel.  It
// implements net.Conn; CloseWrite sends a half-close so the usual
// bidirectional-copy shutdown dance works across the transport.
type ForwardConn struct {
	id     uuid.UUID
	sess   *Session
	local  Address
	remote Address

	q      *dataQueue
	openCh chan error // nil for inbound conns

	mu        sync.Mutex
	final     bool
	eofSent   bool
	closeSent bool

	removeOnce sync.Once
	wmu        sync.Mutex
}

// DirectForward opens a connection to target via the peer.  The
// returned conn is ready for use once the call returns.
func (s *Session) DirectForward(ctx context.Context, target Address) (*ForwardConn, error) {
	if s.closing.Load() {
		return nil, errs.ErrSessionClosed
	}
	c := &ForwardConn{
		id:     uuid.New(),
		sess:   s,
		remote: target,
		q:      newDataQueue(s.queueDepth),
		openCh: make(chan error, 1),
	}
	payload := packMsg(openDirect, directOpenMsg{Network: target.Network, Addr: target.Addr})
	if err := s.openChannel(ctx, c.id, c, payload, c.openCh); err != nil {
		return nil, err
	}
	s.log.Verbose("mux: direct forward %s to %s", c.id, target)
	return c, nil
}

func (c *ForwardConn) onFrame(f Frame) {
	switch f.Kind {
	case FrameOpenOK:
		c.deliverOpen(nil)
	case FrameOpenFail:
		m := parseStatus(f.Payload)
		err := statusToError("forward", c.remote.Addr, m.Code, m.Message)
		if err == nil {
			err = errs.Request("forward", c.remote.Addr, statusError, "open rejected")
		}
		c.terminate(err)
	case FrameData:
		c.q.push(f.Payload)
	case FrameEOF:
		// Peer half-close: reads drain then hit EOF, writes stay legal.
		c.q.finish(nil)
	case FrameClose:
		c.terminate(nil)
	default:
		c.sess.violation("unexpected %s on forward channel %s", f.Kind, c.id)
	}
}

func (c *ForwardConn) fail(err error) { c.terminate(err) }

// terminate is the single terminal transition; idempotent.  A nil err
// is an orderly close (reads end in EOF), non-nil is a failure.
func (c *ForwardConn) terminate(err error) {
	c.mu.Lock()
	already := c.final
	c.final = true
	c.mu.Unlock()
	if !already {
		c.q.finish(err)
	}
	if err != nil {
		c.deliverOpen(err)
	} else {
		c.deliverOpen(errs.ErrChannelClosed)
	}
	c.removeOnce.Do(func() {
		c.sess.reg.remove(c.id)
		c.sess.metrics.ChannelClosed()
	})
}

func (c *ForwardConn) deliverOpen(err error) {
	if c.openCh == nil {
		return
	}
	select {
	case c.openCh <- err:
	default:
	}
}

func (c *ForwardConn) Read(b []byte) (int, error) { return c.q.Read(b) }

func (c *ForwardConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.final || c.eofSent {
		c.mu.Unlock()
		return 0, errs.ErrChannelClosed
	}
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	sent := 0
	for len(b) > 0 {
		n := min(len(b), maxChunk)
		chunk := make([]byte, n)
		copy(chunk, b[:n])
		if err := c.sess.send(Frame{Channel: c.id, Kind: FrameData, Payload: chunk}); err != nil {
			return sent, err
		}
		sent += n
		b = b[n:]
	}
	return sent, nil
}

// CloseWrite half-closes the sending direction.
func (c *ForwardConn) CloseWrite() error {
	c.mu.Lock()
	if c.final {
		c.mu.Unlock()
		return errs.ErrChannelClosed
	}
	if c.eofSent {
		c.mu.Unlock()
		return nil
	}
	c.eofSent = true
	c.mu.Unlock()
	return c.sess.send(Frame{Channel: c.id, Kind: FrameEOF})
}

func (c *ForwardConn) Close() error {
	c.mu.Lock()
	sendClose := !c.closeSent
	c.closeSent = true
	c.mu.Unlock()
	if sendClose {
		c.sess.send(Frame{Channel: c.id, Kind: FrameClose}) //nolint:errcheck
	}
	c.terminate(nil)
	return nil
}

func (c *ForwardConn) LocalAddr() net.Addr {
	return netAddr{network: c.local.Network, addr: c.local.Addr}
}

func (c *ForwardConn) RemoteAddr() net.Addr {
	return netAddr{network: c.remote.Network, addr: c.remote.Addr}
}

// Deadlines are not supported on multiplexed conns; callers cancel via
// context or Close.
func (c *ForwardConn) SetDeadline(time.Time) error      { return nil }
func (c *ForwardConn) SetReadDeadline(time.Time) error  { return nil }
func (c *ForwardConn) SetWriteDeadline(time.Time) error { return nil }

// ── reverse-forward registrations ────────────────────────────────────

type fwdState int

const (
	fwdRequested fwdState = iota
	fwdListening
	fwdCancelled
	fwdFailed
)

// ForwardRegistration is a remote listener bound on the peer.  The
// peer opens one channel per accepted connection; Accept hands them
// out in arrival order.  Cancelling stops the listener and drops
// queued, not-yet-accepted connections; relays already accepted keep
// running.
type ForwardRegistration struct {
	id   uuid.UUID
	sess *Session
	bind Address

	readyCh  chan error
	acceptCh chan *ForwardConn
	cancelCh chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	state     fwdState
	boundAddr string
	termErr   error

	doneOnce   sync.Once
	cancelOnce sync.Once
}

// ReverseForward asks the peer to listen on bind and returns once the
// listener is up (or the peer refused).  An unsupported bind network
// fails here as a whole; no partial registration survives.
func (s *Session) ReverseForward(ctx context.Context, bind Address) (*ForwardRegistration, error) {
	if s.closing.Load() {
		return nil, errs.ErrSessionClosed
	}
	fr := &ForwardRegistration{
		id:       uuid.New(),
		sess:     s,
		bind:     bind,
		readyCh:  make(chan error, 1),
		acceptCh: make(chan *ForwardConn, s.acceptBacklog),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.fwdMu.Lock()
	s.forwards[fr.id] = fr
	s.fwdMu.Unlock()

	payload := packMsg(gblForwardReq, forwardReqMsg{
		RegID:   fr.id.String(),
		Network: bind.Network,
		Addr:    bind.Addr,
	})
	if err := s.send(Frame{Channel: uuid.Nil, Kind: FrameGlobal, Payload: payload}); err != nil {
		s.dropForward(fr.id)
		return nil, err
	}

	select {
	case err := <-fr.readyCh:
		if err != nil {
			s.dropForward(fr.id)
			return nil, err
		}
		s.log.Verbose("mux: reverse forward %s listening on %s", fr.id, fr.Addr())
		return fr, nil
	case <-ctx.Done():
		s.dropForward(fr.id)
		fr.fail(ctx.Err())
		cancel := packMsg(gblForwardCancel, forwardCancelMsg{RegID: fr.id.String()})
		s.send(Frame{Channel: uuid.Nil, Kind: FrameGlobal, Payload: cancel}) //nolint:errcheck
		return nil, ctx.Err()
	case <-s.done:
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, errs.ErrSessionClosed
	}
}

func (s *Session) dropForward(id uuid.UUID) {
	s.fwdMu.Lock()
	delete(s.forwards, id)
	s.fwdMu.Unlock()
}

func (s *Session) lookupForward(id uuid.UUID) (*ForwardRegistration, bool) {
	s.fwdMu.Lock()
	fr, ok := s.forwards[id]
	s.fwdMu.Unlock()
	return fr, ok
}

// Addr returns the address the peer actually bound, which matters for
// port 0 binds.
func (fr *ForwardRegistration) Addr() Address {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.boundAddr != "" {
		return Address{Network: fr.bind.Network, Addr: fr.boundAddr}
	}
	return fr.bind
}

// Accept returns the next connection the peer's listener took.
func (fr *ForwardRegistration) Accept(ctx context.Context) (*ForwardConn, error) {
	select {
	case c := <-fr.acceptCh:
		return c, nil
	default:
	}
	select {
	case c := <-fr.acceptCh:
		return c, nil
	case <-fr.done:
		return nil, fr.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (fr *ForwardRegistration) err() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.termErr != nil {
		return fr.termErr
	}
	return errs.ErrChannelClosed
}

// Cancel stops the remote listener and waits for acknowledgment.
// Connections already handed out by Accept are unaffected.
func (fr *ForwardRegistration) Cancel(ctx context.Context) error {
	fr.mu.Lock()
	if fr.state != fwdListening {
		fr.mu.Unlock()
		return errs.ErrChannelClosed
	}
	fr.state = fwdCancelled
	fr.mu.Unlock()

	payload := packMsg(gblForwardCancel, forwardCancelMsg{RegID: fr.id.String()})
	if err := fr.sess.send(Frame{Channel: uuid.Nil, Kind: FrameGlobal, Payload: payload}); err != nil {
		fr.finish(err)
		return err
	}

	var err error
	select {
	case <-fr.cancelCh:
	case <-ctx.Done():
		err = ctx.Err()
	case <-fr.sess.done:
		err = fr.sess.Err()
		if err == nil {
			err = errs.ErrSessionClosed
		}
	}
	fr.sess.dropForward(fr.id)
	fr.finish(errs.ErrChannelClosed)
	return err
}

// ready resolves the registration request; called from dispatch.
func (fr *ForwardRegistration) ready(bound string) {
	fr.mu.Lock()
	if fr.state == fwdRequested {
		fr.state = fwdListening
		fr.boundAddr = bound
	}
	fr.mu.Unlock()
	select {
	case fr.readyCh <- nil:
	default:
	}
}

func (fr *ForwardRegistration) reject(err error) {
	fr.mu.Lock()
	if fr.state == fwdRequested {
		fr.state = fwdFailed
		fr.termErr = err
	}
	fr.mu.Unlock()
	select {
	case fr.readyCh <- err:
	default:
	}
}

// enqueue offers an inbound connection to Accept.  It refuses once the
// registration left the listening state or the backlog is full.
func (fr *ForwardRegistration) enqueue(c *ForwardConn) bool {
	fr.mu.Lock()
	listening := fr.state == fwdListening
	fr.mu.Unlock()
	if !listening {
		return false
	}
	select {
	case fr.acceptCh <- c:
		return true
	default:
		return false
	}
}

// fail moves the registration to a terminal state and closes queued,
// unaccepted connections.
func (fr *ForwardRegistration) fail(err error) {
	fr.mu.Lock()
	if fr.state != fwdCancelled && fr.state != fwdFailed {
		fr.state = fwdFailed
	}
	if fr.termErr == nil {
		fr.termErr = err
	}
	fr.mu.Unlock()
	fr.finish(err)
	select {
	case fr.readyCh <- err:
	default:
	}
}

func (fr *ForwardRegistration) finish(err error) {
	fr.doneOnce.Do(func() {
		fr.mu.Lock()
		if fr.termErr == nil {
			fr.termErr = err
		}
		fr.mu.Unlock()
		close(fr.done)
		for {
			select {
			case c := <-fr.acceptCh:
				c.Close() //nolint:errcheck
			default:
				return
			}
		}
	})
}

// ── dispatch-side handlers ───────────────────────────────────────────

// handleGlobal processes session-global frames on the dispatch
// goroutine.
func (s *Session) handleGlobal(f Frame) {
	if len(f.Payload) < 1 {
		s.violation("empty global frame")
		return
	}
	switch f.Payload[0] {
	case gblForwardOK:
		var m forwardOKMsg
		if err := unpackMsg(f.Payload, &m); err != nil {
			s.violation("%v", err)
			return
		}
		fr, ok := s.forwardByWireID(m.RegID)
		if !ok {
			s.log.Debug("mux: dropping forward-ok for unknown registration %s", m.RegID)
			return
		}
		fr.ready(m.BoundAddr)

	case gblForwardFail:
		var m forwardFailMsg
		if err := unpackMsg(f.Payload, &m); err != nil {
			s.violation("%v", err)
			return
		}
		fr, ok := s.forwardByWireID(m.RegID)
		if !ok {
			s.log.Debug("mux: dropping forward-fail for unknown registration %s", m.RegID)
			return
		}
		s.dropForward(fr.id)
		err := statusToError("forward", fr.bind.Addr, m.Code, m.Message)
		if err == nil {
			err = errs.Request("forward", fr.bind.Addr, statusError, "registration rejected")
		}
		fr.reject(err)

	case gblForwardCancelOK:
		var m forwardCancelMsg
		if err := unpackMsg(f.Payload, &m); err != nil {
			s.violation("%v", err)
			return
		}
		fr, ok := s.forwardByWireID(m.RegID)
		if !ok {
			s.log.Debug("mux: dropping cancel-ok for unknown registration %s", m.RegID)
			return
		}
		fr.cancelOnce.Do(func() { close(fr.cancelCh) })

	case gblForwardReq, gblForwardCancel:
		// This endpoint only consumes listeners; refuse politely so
		// the peer does not wait forever.
		var m forwardReqMsg
		if err := unpackMsg(f.Payload, &m); err != nil {
			s.violation("%v", err)
			return
		}
		reply := packMsg(gblForwardFail, forwardFailMsg{
			RegID:   m.RegID,
			Code:    statusUnsupported,
			Message: "forward serving not supported",
		})
		s.send(Frame{Channel: uuid.Nil, Kind: FrameGlobal, Payload: reply}) //nolint:errcheck

	default:
		s.violation("unknown global payload %d", f.Payload[0])
	}
}

func (s *Session) forwardByWireID(regID string) (*ForwardRegistration, bool) {
	id, err := uuid.Parse(regID)
	if err != nil {
		s.violation("malformed registration id %q", regID)
		return nil, false
	}
	return s.lookupForward(id)
}

// handleInboundOpen processes peer-initiated channel opens.  The only
// kind this endpoint accepts is a reverse-forward connection; anything
// else is refused with an open failure.
func (s *Session) handleInboundOpen(f Frame) {
	if _, exists := s.reg.lookup(f.Channel); exists {
		s.violation("duplicate open for channel %s", f.Channel)
		return
	}
	if len(f.Payload) < 1 {
		s.violation("empty open payload for channel %s", f.Channel)
		return
	}

	refuse := func(code uint32, msg string) {
		payload := ssh.Marshal(statusMsg{Code: code, Message: msg})
		s.send(Frame{Channel: f.Channel, Kind: FrameOpenFail, Payload: payload}) //nolint:errcheck
	}

	if f.Payload[0] != openForwardIn {
		refuse(statusUnsupported, "channel type not served by this endpoint")
		return
	}

	var m forwardInOpenMsg
	if err := unpackMsg(f.Payload, &m); err != nil {
		s.violation("%v", err)
		refuse(statusError, "malformed open payload")
		return
	}
	fr, ok := s.forwardByWireID(m.RegID)
	if !ok {
		refuse(statusError, "unknown forward registration")
		return
	}

	c := &ForwardConn{
		id:     f.Channel,
		sess:   s,
		local:  fr.Addr(),
		remote: Address{Network: m.OriginNetwork, Addr: m.OriginAddr},
		q:      newDataQueue(s.queueDepth),
	}
	s.reg.add(c.id, c)
	s.metrics.ChannelOpened()
	if !fr.enqueue(c) {
		c.terminate(errs.ErrChannelClosed)
		refuse(statusError, "accept backlog full")
		return
	}
	s.send(Frame{Channel: f.Channel, Kind: FrameOpenOK}) //nolint:errcheck
}
