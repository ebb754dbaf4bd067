// Package remote implements the capability contracts on top of a mux
// session.  Each backend maps its operations onto the session's
// channels; the session's failure semantics flow through unchanged,
// so a dead transport surfaces as ErrTransportLost on every pending
// call at once while a single refused request stays local.
package remote

import (
	"hostmux/capability"
	"hostmux/mux"
	"hostmux/util"
)

// Host bundles the three capability backends of one connected peer.
type Host struct {
	sess *mux.Session
	log  *util.Logger

	exec *Executor
	fs   *Filesystem
	net  *Network
}

// NewHost wraps an established session.  Closing the host closes the
// session and with it every backend.
func NewHost(sess *mux.Session, log *util.Logger) *Host {
	return &Host{
		sess: sess,
		log:  log,
		exec: &Executor{sess: sess, log: log},
		fs:   &Filesystem{sess: sess, log: log},
		net:  &Network{sess: sess},
	}
}

// Session exposes the underlying mux session.
func (h *Host) Session() *mux.Session { return h.sess }

// Executor returns the process-execution backend.
func (h *Host) Executor() capability.Executor { return h.exec }

// Filesystem returns the file-access backend.
func (h *Host) Filesystem() capability.Filesystem { return h.fs }

// Network returns the forwarding backend.
func (h *Host) Network() capability.Network { return h.net }

// Close shuts the session down; every backend operation in flight
// fails with the session's terminal error.
func (h *Host) Close() error { return h.sess.Close() }
