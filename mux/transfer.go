package mux

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	errs "hostmux/internal/errors"
)

// Transfer is the caller side of a file-transfer channel.  Requests
// carry per-channel ids, so any number of goroutines can issue
// operations concurrently; replies are correlated back by id.
type Transfer struct {
	id     uuid.UUID
	sess   *Session
	openCh chan error

	mu      sync.Mutex
	closed  bool
	termErr error
	nextReq uint32
	pending map[uint32]chan transferResp

	removeOnce sync.Once
}

type transferResp struct {
	op   byte
	body []byte
}

// OpenTransfer opens a transfer channel and suspends until the peer
// confirms or rejects it.
func (s *Session) OpenTransfer(ctx context.Context) (*Transfer, error) {
	if s.closing.Load() {
		return nil, errs.ErrSessionClosed
	}
	t := &Transfer{
		id:      uuid.New(),
		sess:    s,
		openCh:  make(chan error, 1),
		pending: make(map[uint32]chan transferResp),
	}
	// The open request carries no body, just the discriminator.
	payload := []byte{openTransfer}
	if err := s.openChannel(ctx, t.id, t, payload, t.openCh); err != nil {
		return nil, err
	}
	s.log.Verbose("mux: transfer channel %s opened", t.id)
	return t, nil
}

// ── state machine (dispatch side) ────────────────────────────────────

func (t *Transfer) onFrame(f Frame) {
	switch f.Kind {
	case FrameOpenOK:
		t.deliverOpen(nil)

	case FrameOpenFail:
		m := parseStatus(f.Payload)
		err := statusToError("transfer", "", m.Code, m.Message)
		if err == nil {
			err = errs.Request("transfer", "", statusError, "open rejected")
		}
		t.terminate(err)

	case FrameData:
		if len(f.Payload) < 1 {
			t.sess.violation("empty transfer reply on %s", t.id)
			return
		}
		op, body := f.Payload[0], f.Payload[1:]
		id, ok := reqIDOf(body)
		if !ok {
			t.sess.violation("transfer reply without request id on %s", t.id)
			return
		}
		t.mu.Lock()
		ch, found := t.pending[id]
		if found {
			delete(t.pending, id)
		}
		t.mu.Unlock()
		if !found {
			// Cancelled requests leave orphaned replies behind.
			t.sess.log.Debug("mux: dropping transfer reply for request %d on %s", id, t.id)
			return
		}
		ch <- transferResp{op: op, body: body}

	case FrameEOF, FrameClose:
		t.terminate(errs.ErrChannelClosed)

	default:
		t.sess.violation("unexpected %s on transfer channel %s", f.Kind, t.id)
	}
}

func (t *Transfer) fail(err error) { t.terminate(err) }

// terminate fails every in-flight request and unregisters the channel.
// Idempotent.
func (t *Transfer) terminate(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if err == nil {
		err = errs.ErrChannelClosed
	}
	t.termErr = err
	waiters := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	t.deliverOpen(err)
	t.removeOnce.Do(func() {
		t.sess.reg.remove(t.id)
		t.sess.metrics.ChannelClosed()
	})
}

func (t *Transfer) deliverOpen(err error) {
	select {
	case t.openCh <- err:
	default:
	}
}

func (t *Transfer) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.termErr != nil {
		return t.termErr
	}
	return errs.ErrChannelClosed
}

// Close releases the channel.  In-flight requests fail with
// ErrChannelClosed.
func (t *Transfer) Close() error {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.mu.Unlock()
	if !alreadyClosed {
		t.sess.send(Frame{Channel: t.id, Kind: FrameClose}) //nolint:errcheck
	}
	t.terminate(errs.ErrChannelClosed)
	return nil
}

// ── request plumbing ─────────────────────────────────────────────────

// roundTrip issues one request and waits for its reply.  build
// receives the allocated request id and returns the message to send.
func (t *Transfer) roundTrip(ctx context.Context, op byte, build func(id uint32) interface{}) (transferResp, error) {
	t.mu.Lock()
	if t.closed {
		err := t.termErr
		t.mu.Unlock()
		return transferResp{}, err
	}
	t.nextReq++
	id := t.nextReq
	ch := make(chan transferResp, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	payload := packMsg(op, build(id))
	if err := t.sess.send(Frame{Channel: t.id, Kind: FrameData, Payload: payload}); err != nil {
		t.forget(id)
		return transferResp{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return transferResp{}, t.err()
		}
		return resp, nil
	case <-ctx.Done():
		t.forget(id)
		return transferResp{}, ctx.Err()
	}
}

func (t *Transfer) forget(id uint32) {
	t.mu.Lock()
	if t.pending != nil {
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

// expect verifies the reply op; replies of the wrong kind are a peer
// bug, not a transient failure.
func (t *Transfer) expect(resp transferResp, want byte, op string) error {
	if resp.op != want {
		t.sess.metrics.ProtocolViolation()
		return errs.Protocol("%s: reply op %d, want %d", op, resp.op, want)
	}
	return nil
}

// statusRoundTrip covers the ops whose reply is a bare status.
func (t *Transfer) statusRoundTrip(ctx context.Context, op byte, opName, path string, build func(id uint32) interface{}) error {
	resp, err := t.roundTrip(ctx, op, build)
	if err != nil {
		return err
	}
	if err := t.expect(resp, opStatusReply, opName); err != nil {
		return err
	}
	var m statusReplyMsg
	if err := unpackReply(resp.body, &m); err != nil {
		return err
	}
	return statusToError(opName, path, m.Status, m.Message)
}

// ── operations ───────────────────────────────────────────────────────

// OpenFile opens or creates a remote file and returns a handle.
func (t *Transfer) OpenFile(ctx context.Context, path string, flags uint32) (*FileHandle, error) {
	resp, err := t.roundTrip(ctx, opOpen, func(id uint32) interface{} {
		return openFileMsg{ID: id, Path: path, Flags: flags}
	})
	if err != nil {
		return nil, err
	}
	if err := t.expect(resp, opOpenReply, "open"); err != nil {
		return nil, err
	}
	var m openFileReplyMsg
	if err := unpackReply(resp.body, &m); err != nil {
		return nil, err
	}
	if err := statusToError("open", path, m.Status, m.Message); err != nil {
		return nil, err
	}
	return &FileHandle{t: t, path: path, remote: m.Handle}, nil
}

// Stat returns attributes for path, following symlinks when follow is
// set.
func (t *Transfer) Stat(ctx context.Context, path string, follow bool) (FileAttr, error) {
	resp, err := t.roundTrip(ctx, opStat, func(id uint32) interface{} {
		return statMsg{ID: id, Path: path, Follow: follow}
	})
	if err != nil {
		return FileAttr{}, err
	}
	return t.statReply(resp, "stat", path)
}

func (t *Transfer) statReply(resp transferResp, op, path string) (FileAttr, error) {
	if err := t.expect(resp, opStatReply, op); err != nil {
		return FileAttr{}, err
	}
	var m statReplyMsg
	if err := unpackReply(resp.body, &m); err != nil {
		return FileAttr{}, err
	}
	if err := statusToError(op, path, m.Status, m.Message); err != nil {
		return FileAttr{}, err
	}
	return decodeAttr(m.Attr)
}

// Remove deletes path; recursive removes a directory tree.
func (t *Transfer) Remove(ctx context.Context, path string, recursive bool) error {
	return t.statusRoundTrip(ctx, opRemove, "remove", path, func(id uint32) interface{} {
		return removeMsg{ID: id, Path: path, Recursive: recursive}
	})
}

// Rename moves oldPath to newPath.
func (t *Transfer) Rename(ctx context.Context, oldPath, newPath string) error {
	return t.statusRoundTrip(ctx, opRename, "rename", oldPath, func(id uint32) interface{} {
		return renameMsg{ID: id, OldPath: oldPath, NewPath: newPath}
	})
}

// Mkdir creates a directory; recursive creates missing parents too.
func (t *Transfer) Mkdir(ctx context.Context, path string, recursive bool) error {
	return t.statusRoundTrip(ctx, opMkdir, "mkdir", path, func(id uint32) interface{} {
		return mkdirMsg{ID: id, Path: path, Recursive: recursive}
	})
}

// ReadDir lists a directory.
func (t *Transfer) ReadDir(ctx context.Context, path string) ([]DirEnt, error) {
	resp, err := t.roundTrip(ctx, opReadDir, func(id uint32) interface{} {
		return readDirMsg{ID: id, Path: path}
	})
	if err != nil {
		return nil, err
	}
	if err := t.expect(resp, opReadDirReply, "readdir"); err != nil {
		return nil, err
	}
	var m readDirReplyMsg
	if err := unpackReply(resp.body, &m); err != nil {
		return nil, err
	}
	if err := statusToError("readdir", path, m.Status, m.Message); err != nil {
		return nil, err
	}
	return decodeEntries(m.Entries)
}

// ReadLink resolves a symlink's target.
func (t *Transfer) ReadLink(ctx context.Context, path string) (string, error) {
	resp, err := t.roundTrip(ctx, opReadLink, func(id uint32) interface{} {
		return readLinkMsg{ID: id, Path: path}
	})
	if err != nil {
		return "", err
	}
	if err := t.expect(resp, opPathReply, "readlink"); err != nil {
		return "", err
	}
	var m pathReplyMsg
	if err := unpackReply(resp.body, &m); err != nil {
		return "", err
	}
	if err := statusToError("readlink", path, m.Status, m.Message); err != nil {
		return "", err
	}
	return m.Path, nil
}

// Symlink creates link pointing at target.
func (t *Transfer) Symlink(ctx context.Context, target, link string) error {
	return t.statusRoundTrip(ctx, opSymlink, "symlink", link, func(id uint32) interface{} {
		return symlinkMsg{ID: id, Target: target, Link: link}
	})
}

// Chmod sets permission bits on path.
func (t *Transfer) Chmod(ctx context.Context, path string, perm uint32) error {
	return t.statusRoundTrip(ctx, opChmod, "chmod", path, func(id uint32) interface{} {
		return chmodMsg{ID: id, Path: path, Perm: perm}
	})
}

func (t *Transfer) readFile(ctx context.Context, handle uint32, off uint64, length uint32) ([]byte, error) {
	resp, err := t.roundTrip(ctx, opRead, func(id uint32) interface{} {
		return readFileMsg{ID: id, Handle: handle, Offset: off, Length: length}
	})
	if err != nil {
		return nil, err
	}
	if err := t.expect(resp, opReadReply, "read"); err != nil {
		return nil, err
	}
	var m readFileReplyMsg
	if err := unpackReply(resp.body, &m); err != nil {
		return nil, err
	}
	if m.Status == statusEOF {
		return m.Data, io.EOF
	}
	if err := statusToError("read", "", m.Status, m.Message); err != nil {
		return nil, err
	}
	return m.Data, nil
}

func (t *Transfer) writeFile(ctx context.Context, handle uint32, off uint64, data []byte) (int, error) {
	resp, err := t.roundTrip(ctx, opWrite, func(id uint32) interface{} {
		return writeFileMsg{ID: id, Handle: handle, Offset: off, Data: data}
	})
	if err != nil {
		return 0, err
	}
	if err := t.expect(resp, opWriteReply, "write"); err != nil {
		return 0, err
	}
	var m writeFileReplyMsg
	if err := unpackReply(resp.body, &m); err != nil {
		return 0, err
	}
	if err := statusToError("write", "", m.Status, m.Message); err != nil {
		return 0, err
	}
	return int(m.Written), nil
}

func (t *Transfer) fstat(ctx context.Context, handle uint32) (FileAttr, error) {
	resp, err := t.roundTrip(ctx, opFStat, func(id uint32) interface{} {
		return fstatMsg{ID: id, Handle: handle}
	})
	if err != nil {
		return FileAttr{}, err
	}
	return t.statReply(resp, "fstat", "")
}

func (t *Transfer) closeFile(ctx context.Context, handle uint32) error {
	return t.statusRoundTrip(ctx, opCloseFile, "close", "", func(id uint32) interface{} {
		return closeFileMsg{ID: id, Handle: handle}
	})
}

// ── file handles ─────────────────────────────────────────────────────

// FileHandle is one open remote file.  Operations on a single handle
// are serialized in issuance order; distinct handles proceed
// independently.
type FileHandle struct {
	t      *Transfer
	path   string
	remote uint32

	mu     sync.Mutex
	closed bool
}

// Path returns the path the handle was opened with.
func (h *FileHandle) Path() string { return h.path }

// ReadAt reads len(p) bytes at off, looping over chunk-sized requests.
// A short read at end of file returns the bytes read and io.EOF.
func (h *FileHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errs.ErrHandleClosed
	}
	n := 0
	for n < len(p) {
		want := min(len(p)-n, maxChunk)
		data, err := h.t.readFile(ctx, h.remote, uint64(off)+uint64(n), uint32(want))
		if len(data) > want {
			return n, errs.Protocol("read: reply longer than requested")
		}
		copy(p[n:], data)
		n += len(data)
		if err != nil {
			return n, err
		}
		if len(data) == 0 {
			return n, io.EOF
		}
	}
	return n, nil
}

// WriteAt writes p at off, looping over chunk-sized requests.
func (h *FileHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errs.ErrHandleClosed
	}
	n := 0
	for n < len(p) {
		end := min(n+maxChunk, len(p))
		written, err := h.t.writeFile(ctx, h.remote, uint64(off)+uint64(n), p[n:end])
		n += written
		if err != nil {
			return n, err
		}
		if written == 0 {
			return n, io.ErrShortWrite
		}
	}
	return n, nil
}

// Stat returns the file's current attributes.
func (h *FileHandle) Stat(ctx context.Context) (FileAttr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return FileAttr{}, errs.ErrHandleClosed
	}
	return h.t.fstat(ctx, h.remote)
}

// Close releases the remote handle.  Closing twice is an error on the
// second call only locally; nothing further hits the wire.
func (h *FileHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errs.ErrHandleClosed
	}
	h.closed = true
	h.mu.Unlock()
	return h.t.closeFile(ctx, h.remote)
}
