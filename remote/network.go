package remote

import (
	"context"
	"net"
	"time"

	"hostmux/capability"
	"hostmux/mux"
)

// cancelTimeout bounds how long Close waits for the peer to confirm a
// listener teardown.
const cancelTimeout = 5 * time.Second

// Network maps the forwarding contract onto the session's forward
// channels.
type Network struct {
	sess *mux.Session
}

// IsRemote reports true: forwards terminate on the peer.
func (n *Network) IsRemote() bool { return true }

func (n *Network) DirectForward(ctx context.Context, target capability.Address) (net.Conn, error) {
	c, err := n.sess.DirectForward(ctx, mux.Address{Network: target.Network, Addr: target.Addr})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (n *Network) ReverseForward(ctx context.Context, bind capability.Address) (capability.Listener, error) {
	fr, err := n.sess.ReverseForward(ctx, mux.Address{Network: bind.Network, Addr: bind.Addr})
	if err != nil {
		return nil, err
	}
	return &forwardListener{fr: fr}, nil
}

// forwardListener adapts a forward registration to the listener
// contract.  Close cancels the remote listener; accepted relays keep
// running.
type forwardListener struct {
	fr *mux.ForwardRegistration
}

func (l *forwardListener) Accept(ctx context.Context) (net.Conn, error) {
	c, err := l.fr.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l *forwardListener) Addr() capability.Address {
	a := l.fr.Addr()
	return capability.Address{Network: a.Network, Addr: a.Addr}
}

func (l *forwardListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	return l.fr.Cancel(ctx)
}
