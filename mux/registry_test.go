package mux

import (
	"testing"

	"github.com/google/uuid"
)

type stubHandler struct {
	frames int
	failed error
}

func (h *stubHandler) onFrame(Frame)  { h.frames++ }
func (h *stubHandler) fail(err error) { h.failed = err }

func TestRegistryLifecycle(t *testing.T) {
	r := newRegistry()
	a, b := uuid.New(), uuid.New()
	ha, hb := &stubHandler{}, &stubHandler{}

	r.add(a, ha)
	r.add(b, hb)
	if got := r.size(); got != 2 {
		t.Fatalf("size = %d, want 2", got)
	}
	if h, ok := r.lookup(a); !ok || h != chanHandler(ha) {
		t.Fatal("lookup returned the wrong handler")
	}

	r.remove(a)
	if _, ok := r.lookup(a); ok {
		t.Fatal("removed id still resolves")
	}
	r.remove(a) // absent ids are a no-op

	drained := r.drain()
	if len(drained) != 1 || drained[0] != chanHandler(hb) {
		t.Fatalf("drain = %d handlers, want just the remaining one", len(drained))
	}
	if got := r.size(); got != 0 {
		t.Fatalf("size after drain = %d, want 0", got)
	}
}

func TestFrameKindString(t *testing.T) {
	known := map[FrameKind]string{
		FrameOpen:   "open",
		FrameData:   "data",
		FrameGlobal: "global",
	}
	for k, want := range known {
		if got := k.String(); got != want {
			t.Errorf("FrameKind(%d).String() = %q, want %q", k, got, want)
		}
	}
	if got := FrameKind(200).String(); got == "" {
		t.Error("unknown kind produced an empty string")
	}
}
