// Package transport provides concrete frame carriers for mux: a
// length-prefixed binary codec over any byte stream, an SSH-channel
// dialer, and a websocket dialer.  Each carrier hands the session a
// connected mux.Transport; none of them know anything about channels.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"hostmux/mux"
)

// Frame wire format: magic, version, kind, channel id, payload length,
// payload.  The fixed header is frameHeaderLen bytes.
const (
	frameVersion   byte = 1
	frameHeaderLen      = 4 + 1 + 1 + 16 + 4

	// DefaultMaxPayload bounds a single frame's payload.  Channels
	// chunk their data well below this; anything larger is a corrupt
	// or hostile stream.
	DefaultMaxPayload uint32 = 1 << 20
)

var frameMagic = [4]byte{'H', 'M', 'U', 'X'}

// Limits guards the decoder against malformed input.
type Limits struct {
	MaxPayload uint32
}

func (l Limits) maxPayload() uint32 {
	if l.MaxPayload == 0 {
		return DefaultMaxPayload
	}
	return l.MaxPayload
}

// marshalFrame encodes f into a single buffer so the carrier can hand
// it to the stream in one write.
func marshalFrame(f mux.Frame) []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	copy(buf[0:4], frameMagic[:])
	buf[4] = frameVersion
	buf[5] = byte(f.Kind)
	copy(buf[6:22], f.Channel[:])
	binary.BigEndian.PutUint32(buf[22:26], uint32(len(f.Payload)))
	copy(buf[frameHeaderLen:], f.Payload)
	return buf
}

// parseHeader validates the fixed header and returns the frame with an
// empty payload plus the declared payload length.
func parseHeader(hdr []byte, lim Limits) (mux.Frame, uint32, error) {
	if [4]byte(hdr[0:4]) != frameMagic {
		return mux.Frame{}, 0, fmt.Errorf("bad frame magic %x", hdr[0:4])
	}
	if hdr[4] != frameVersion {
		return mux.Frame{}, 0, fmt.Errorf("unsupported frame version %d", hdr[4])
	}
	kind := mux.FrameKind(hdr[5])
	if kind < mux.FrameOpen || kind > mux.FrameGlobal {
		return mux.Frame{}, 0, fmt.Errorf("unknown frame kind %d", hdr[5])
	}
	length := binary.BigEndian.Uint32(hdr[22:26])
	if length > lim.maxPayload() {
		return mux.Frame{}, 0, fmt.Errorf("frame payload %d exceeds limit %d", length, lim.maxPayload())
	}
	f := mux.Frame{Kind: kind}
	copy(f.Channel[:], hdr[6:22])
	return f, length, nil
}

// readFrame decodes one frame from a byte stream, enforcing lim.
func readFrame(r io.Reader, lim Limits) (mux.Frame, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return mux.Frame{}, err
	}
	f, length, err := parseHeader(hdr[:], lim)
	if err != nil {
		return mux.Frame{}, err
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return mux.Frame{}, err
		}
	}
	return f, nil
}

// unmarshalFrame decodes a frame from one complete message buffer, for
// message-oriented carriers.
func unmarshalFrame(buf []byte, lim Limits) (mux.Frame, error) {
	if len(buf) < frameHeaderLen {
		return mux.Frame{}, fmt.Errorf("short frame: %d bytes", len(buf))
	}
	f, length, err := parseHeader(buf[:frameHeaderLen], lim)
	if err != nil {
		return mux.Frame{}, err
	}
	body := buf[frameHeaderLen:]
	if uint32(len(body)) != length {
		return mux.Frame{}, fmt.Errorf("frame length mismatch: header %d, body %d", length, len(body))
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		copy(f.Payload, body)
	}
	return f, nil
}
