package capability

import (
	"context"
	"net"
)

// Address names a dialable or bindable endpoint: a TCP host:port or a
// Unix socket path.
type Address struct {
	Network string // "tcp" or "unix"
	Addr    string // host:port for tcp, socket path for unix
}

// TCPAddr builds a TCP address.
func TCPAddr(hostPort string) Address { return Address{Network: "tcp", Addr: hostPort} }

// UnixAddr builds a Unix socket address.
func UnixAddr(path string) Address { return Address{Network: "unix", Addr: path} }

func (a Address) String() string { return a.Network + ":" + a.Addr }

// Listener yields connections accepted on a forwarded (or local) bind
// address.  Closing the listener stops new connections; connections
// already accepted keep relaying until they finish on their own.
type Listener interface {
	// Accept blocks until the next connection arrives.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the address the listener is actually bound to,
	// which may differ from the requested one (port 0, backend
	// rewrites).
	Addr() Address

	// Close cancels the bind.  In-flight connections are unaffected.
	Close() error
}

// Network is the connection-forwarding contract.
//
// A backend without forwarding support must reject both directions
// with ErrUnsupportedOperation at the call, never after partially
// acting.
type Network interface {
	// IsRemote reports whether forwards terminate on a remote host.
	IsRemote() bool

	// DirectForward opens a connection from the backend's side out to
	// target and returns the relaying conn.
	DirectForward(ctx context.Context, target Address) (net.Conn, error)

	// ReverseForward asks the backend's side to listen on bind and
	// relay accepted connections back to the caller.
	ReverseForward(ctx context.Context, bind Address) (Listener, error)
}
