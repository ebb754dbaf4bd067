package mux

import "github.com/google/uuid"

// FrameKind discriminates the atomic units of transport I/O.
type FrameKind uint8

const (
	// FrameOpen asks the peer to open a channel.  The payload names
	// the channel kind and its open parameters.
	FrameOpen FrameKind = iota + 1

	// FrameOpenOK confirms a channel open.
	FrameOpenOK

	// FrameOpenFail rejects a channel open; the payload carries a
	// status message.
	FrameOpenFail

	// FrameData carries channel payload bytes: process stdout, file
	// transfer requests/replies, relayed connection bytes.
	FrameData

	// FrameExtData carries the secondary byte stream of an exec
	// channel (stderr).
	FrameExtData

	// FrameEOF half-closes the sender's direction of a channel.
	FrameEOF

	// FrameClose tears a channel down.
	FrameClose

	// FrameControl carries a channel-scoped control message (process
	// started, exit status, resize, signal).
	FrameControl

	// FrameGlobal carries a session-scoped control message (forward
	// registration and cancellation).  Global frames use the nil
	// channel id.
	FrameGlobal
)

func (k FrameKind) String() string {
	switch k {
	case FrameOpen:
		return "open"
	case FrameOpenOK:
		return "open-ok"
	case FrameOpenFail:
		return "open-fail"
	case FrameData:
		return "data"
	case FrameExtData:
		return "ext-data"
	case FrameEOF:
		return "eof"
	case FrameClose:
		return "close"
	case FrameControl:
		return "control"
	case FrameGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Frame is one atomic unit of transport I/O.  Channel ids are
// locally-generated random UUIDs, so an id is never reused within a
// session and a late frame for a dead channel can never be misrouted
// to a newly created one.
type Frame struct {
	Channel uuid.UUID // uuid.Nil for session-global frames
	Kind    FrameKind
	Payload []byte
}

// Transport is a connected, authenticated frame carrier.  Send and
// Receive are each called from exactly one place (the writer gate and
// the dispatch loop); implementations only need to be safe for that
// split, though the provided ones are fully concurrent-safe.
type Transport interface {
	Send(Frame) error
	Receive() (Frame, error)
	Close() error
}
