package mux

import (
	"sync"

	"github.com/google/uuid"
)

// chanHandler is the dispatch-facing side of a channel state machine.
// onFrame is called only from the dispatch loop; fail is called from
// session teardown with the session-fatal cause.
type chanHandler interface {
	onFrame(f Frame)
	fail(err error)
}

// registry maps channel ids to live channel state machines.  All three
// operations are safe from arbitrarily many callers plus the dispatch
// loop; none of them blocks on a channel's own state.
type registry struct {
	mu       sync.Mutex
	channels map[uuid.UUID]chanHandler
}

func newRegistry() *registry {
	return &registry{channels: make(map[uuid.UUID]chanHandler)}
}

// add registers h under id.  Ids come from uuid.New, so collisions are
// not a practical concern and ids are never reused within a session.
func (r *registry) add(id uuid.UUID, h chanHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[id] = h
}

// lookup returns the handler for id.  A miss is not an error: frames
// for recently closed channels are legal and dropped by the caller.
func (r *registry) lookup(id uuid.UUID) (chanHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.channels[id]
	return h, ok
}

// remove finalizes and drops id.  Removing an absent id is a no-op.
func (r *registry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
}

// drain empties the registry and returns every handler so the caller
// can fail them outside the lock.
func (r *registry) drain() []chanHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chanHandler, 0, len(r.channels))
	for _, h := range r.channels {
		out = append(out, h)
	}
	r.channels = make(map[uuid.UUID]chanHandler)
	return out
}

// size returns the number of registered channels.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
