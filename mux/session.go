package mux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	errs "hostmux/internal/errors"
	"hostmux/internal/metrics"
	"hostmux/util"
)

// Options tunes a session.  The zero value is usable.
type Options struct {
	Logger  *util.Logger
	Metrics *metrics.Collector

	// QueueDepth bounds each channel's inbound data queue (chunks).
	QueueDepth int

	// AcceptBacklog bounds each forward registration's queue of
	// not-yet-accepted connections.
	AcceptBacklog int
}

const (
	defaultQueueDepth    = 32
	defaultAcceptBacklog = 16

	// maxChunk caps the payload of one data frame so a single large
	// write cannot monopolize the transport.
	maxChunk = 32 * 1024
)

// Session owns one frame transport and multiplexes channels over it.
// The transport's read path belongs exclusively to the dispatch loop
// and its write path to the writer gate; a Session is safe for use
// from arbitrarily many goroutines.
type Session struct {
	id            uuid.UUID
	tr            Transport
	log           *util.Logger
	metrics       *metrics.Collector
	queueDepth    int
	acceptBacklog int

	wmu sync.Mutex // writer gate

	reg *registry

	fwdMu    sync.Mutex
	forwards map[uuid.UUID]*ForwardRegistration

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	cause error
}

// NewSession takes exclusive ownership of tr and starts the dispatch
// loop.  The session must be Closed when no longer needed; a fatal
// transport error closes it implicitly.
func NewSession(tr Transport, opts Options) *Session {
	s := &Session{
		id:            uuid.New(),
		tr:            tr,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		queueDepth:    opts.QueueDepth,
		acceptBacklog: opts.AcceptBacklog,
		reg:           newRegistry(),
		forwards:      make(map[uuid.UUID]*ForwardRegistration),
		done:          make(chan struct{}),
	}
	if s.queueDepth <= 0 {
		s.queueDepth = defaultQueueDepth
	}
	if s.acceptBacklog <= 0 {
		s.acceptBacklog = defaultAcceptBacklog
	}
	go s.dispatch()
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() uuid.UUID { return s.id }

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the session-fatal cause, or nil for a clean local close
// (or a session still running).
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.cause
}

// Metrics returns the session's collector (possibly nil).
func (s *Session) Metrics() *metrics.Collector { return s.metrics }

// Close shuts the session down.  Every open channel transitions to its
// closed state; the caller never waits for remote acknowledgment.
func (s *Session) Close() error {
	s.closing.Store(true)
	s.teardown(nil)
	return nil
}

// ── writer gate ──────────────────────────────────────────────────────

// send serializes one frame onto the transport.  Frames from the same
// channel keep their issuance order; frames from different channels
// are only guaranteed to be frame-atomic.  A send failure is
// transport-fatal.
func (s *Session) send(f Frame) error {
	if s.closing.Load() {
		return errs.ErrSessionClosed
	}
	s.wmu.Lock()
	err := s.tr.Send(f)
	s.wmu.Unlock()
	if err != nil {
		terr := errs.Transport("send", err)
		s.teardown(terr)
		return terr
	}
	s.metrics.FrameSent(int64(len(f.Payload)))
	return nil
}

// ── dispatch loop ────────────────────────────────────────────────────

// dispatch is the sole consumer of inbound frames.  It terminates on
// the first transport read error, failing every registered channel.
func (s *Session) dispatch() {
	for {
		f, err := s.tr.Receive()
		if err != nil {
			if s.closing.Load() {
				s.teardown(nil)
			} else {
				s.teardown(errs.Transport("receive", err))
			}
			return
		}
		s.metrics.FrameReceived(int64(len(f.Payload)))
		s.route(f)
	}
}

func (s *Session) route(f Frame) {
	if f.Channel == uuid.Nil {
		if f.Kind != FrameGlobal {
			s.violation("%s frame without channel id", f.Kind)
			return
		}
		s.handleGlobal(f)
		return
	}

	if f.Kind == FrameOpen {
		s.handleInboundOpen(f)
		return
	}

	h, ok := s.reg.lookup(f.Channel)
	if !ok {
		switch f.Kind {
		case FrameOpenOK, FrameOpenFail:
			// A response nothing asked for suggests a peer mismatch.
			s.violation("unsolicited %s for unknown channel %s", f.Kind, f.Channel)
		default:
			// Late frames for recently closed channels are legal.
			s.log.Debug("mux: dropping late %s frame for %s", f.Kind, f.Channel)
		}
		return
	}
	h.onFrame(f)
}

// violation counts and logs a dropped frame; never fatal by itself.
func (s *Session) violation(format string, args ...interface{}) {
	s.metrics.ProtocolViolation()
	s.log.Warn("mux: protocol violation: "+format, args...)
}

// ── teardown ─────────────────────────────────────────────────────────

// teardown closes the session exactly once.  A non-nil cause is
// transport-fatal and every channel observes it; a nil cause is a
// clean local close.
func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.errMu.Lock()
		s.cause = cause
		s.errMu.Unlock()

		s.tr.Close() //nolint:errcheck

		chanErr := cause
		if chanErr == nil {
			chanErr = errs.ErrSessionClosed
		}
		for _, h := range s.reg.drain() {
			h.fail(chanErr)
		}

		s.fwdMu.Lock()
		fwds := make([]*ForwardRegistration, 0, len(s.forwards))
		for _, fr := range s.forwards {
			fwds = append(fwds, fr)
		}
		s.forwards = make(map[uuid.UUID]*ForwardRegistration)
		s.fwdMu.Unlock()
		for _, fr := range fwds {
			fr.fail(chanErr)
		}

		if cause != nil {
			s.metrics.RecordError(cause.Error())
			s.log.Warn("mux: session %s down: %v", s.id, cause)
		} else {
			s.log.Verbose("mux: session %s closed", s.id)
		}
		close(s.done)
	})
}

// ── channel opening ──────────────────────────────────────────────────

// openChannel registers h, sends the open frame, and waits for the
// peer's verdict.  Cleanup on rejection or cancellation is the
// handler's: its terminal transition removes it from the registry, so
// ids are never reused either way.
func (s *Session) openChannel(ctx context.Context, id uuid.UUID, h chanHandler, payload []byte, openCh <-chan error) error {
	s.reg.add(id, h)
	s.metrics.ChannelOpened()

	if err := s.send(Frame{Channel: id, Kind: FrameOpen, Payload: payload}); err != nil {
		h.fail(err)
		return err
	}

	select {
	case err := <-openCh:
		return err
	case <-ctx.Done():
		s.send(Frame{Channel: id, Kind: FrameClose}) //nolint:errcheck
		h.fail(ctx.Err())
		return ctx.Err()
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errs.ErrSessionClosed
	}
}
