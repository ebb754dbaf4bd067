package transport

import (
	"bufio"
	"io"
	"sync"

	"hostmux/mux"
)

// Conn carries frames over any connected byte stream: a TCP conn, an
// SSH channel, a yamux stream, a net.Pipe end in tests.  It implements
// mux.Transport.
//
// Send and Receive are each single-caller by the session's ownership
// rules; Conn adds no locking beyond guarding Close.
type Conn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	lim Limits

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps rwc with the frame codec using default limits.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return NewConnLimits(rwc, Limits{})
}

// NewConnLimits wraps rwc with explicit decoder limits.
func NewConnLimits(rwc io.ReadWriteCloser, lim Limits) *Conn {
	return &Conn{
		rwc: rwc,
		br:  bufio.NewReaderSize(rwc, 64*1024),
		lim: lim,
	}
}

func (c *Conn) Send(f mux.Frame) error {
	_, err := c.rwc.Write(marshalFrame(f))
	return err
}

func (c *Conn) Receive() (mux.Frame, error) {
	return readFrame(c.br, c.lim)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}
