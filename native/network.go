package native

import (
	"context"
	"net"

	"hostmux/capability"
)

// Network implements the forwarding contract with plain local sockets.
// "Forwarding" degenerates to dialing and listening on this host.
type Network struct {
	dialer net.Dialer
}

// NewNetwork returns a local network backend.
func NewNetwork() *Network { return &Network{} }

// IsRemote reports false: both forward directions terminate here.
func (n *Network) IsRemote() bool { return false }

func (n *Network) DirectForward(ctx context.Context, target capability.Address) (net.Conn, error) {
	return n.dialer.DialContext(ctx, target.Network, target.Addr)
}

func (n *Network) ReverseForward(ctx context.Context, bind capability.Address) (capability.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, bind.Network, bind.Addr)
	if err != nil {
		return nil, err
	}
	return &localListener{ln: ln}, nil
}

// localListener adapts net.Listener to the context-aware contract.
type localListener struct {
	ln net.Listener
}

func (l *localListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		// The blocked Accept drains into ch; close any conn it wins.
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close() //nolint:errcheck
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *localListener) Addr() capability.Address {
	addr := l.ln.Addr()
	return capability.Address{Network: addr.Network(), Addr: addr.String()}
}

func (l *localListener) Close() error { return l.ln.Close() }
