package mux

import (
	"bytes"
	"io"
	"path"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	errs "hostmux/internal/errors"
)

// transferServer is a scripted peer speaking the transfer protocol over
// an in-memory filesystem.  It runs single-threaded off its own
// transport end, so its state needs no locking.
type transferServer struct {
	tr Transport

	files   map[string][]byte
	dirs    map[string]bool
	links   map[string]string
	perms   map[string]uint32
	handles map[uint32]string
	next    uint32
}

func startTransferServer(t *testing.T, tr Transport) *transferServer {
	t.Helper()
	sv := &transferServer{
		tr:      tr,
		files:   make(map[string][]byte),
		dirs:    map[string]bool{"/": true},
		links:   make(map[string]string),
		perms:   make(map[string]uint32),
		handles: make(map[uint32]string),
	}
	go sv.loop()
	return sv
}

func (sv *transferServer) loop() {
	for {
		f, err := sv.tr.Receive()
		if err != nil {
			return
		}
		switch f.Kind {
		case FrameOpen:
			// The open request must be the bare discriminator byte.
			if len(f.Payload) == 1 && f.Payload[0] == openTransfer {
				sv.tr.Send(Frame{Channel: f.Channel, Kind: FrameOpenOK})
			} else {
				sv.tr.Send(Frame{
					Channel: f.Channel,
					Kind:    FrameOpenFail,
					Payload: ssh.Marshal(statusMsg{Code: statusUnsupported, Message: "transfer only"}),
				})
			}
		case FrameData:
			sv.handle(f.Channel, f.Payload)
		case FrameClose:
			return
		}
	}
}

func (sv *transferServer) reply(ch uuid.UUID, op byte, msg interface{}) {
	sv.tr.Send(Frame{Channel: ch, Kind: FrameData, Payload: packMsg(op, msg)})
}

func (sv *transferServer) exists(p string) bool {
	if _, ok := sv.files[p]; ok {
		return true
	}
	if sv.dirs[p] {
		return true
	}
	_, ok := sv.links[p]
	return ok
}

func (sv *transferServer) attrOf(p string) (FileAttr, bool) {
	switch {
	case sv.dirs[p]:
		return FileAttr{Type: TypeDir, Perm: 0o755, ModTime: time.Unix(1700000000, 0)}, true
	case sv.links[p] != "":
		return FileAttr{Type: TypeSymlink, Perm: 0o777, ModTime: time.Unix(1700000000, 0)}, true
	default:
		data, ok := sv.files[p]
		if !ok {
			return FileAttr{}, false
		}
		perm := sv.perms[p]
		if perm == 0 {
			perm = 0o644
		}
		return FileAttr{Type: TypeRegular, Size: uint64(len(data)), Perm: perm, ModTime: time.Unix(1700000000, 0)}, true
	}
}

func (sv *transferServer) handle(ch uuid.UUID, payload []byte) {
	if len(payload) < 1 {
		return
	}
	op, body := payload[0], payload[1:]
	switch op {
	case opOpen:
		var m openFileMsg
		ssh.Unmarshal(body, &m)
		_, exists := sv.files[m.Path]
		if !exists && m.Flags&FlagCreate == 0 {
			sv.reply(ch, opOpenReply, openFileReplyMsg{ID: m.ID, Status: statusNotFound, Message: "no such file"})
			return
		}
		if !exists || m.Flags&FlagTruncate != 0 {
			sv.files[m.Path] = nil
		}
		sv.next++
		sv.handles[sv.next] = m.Path
		sv.reply(ch, opOpenReply, openFileReplyMsg{ID: m.ID, Status: statusOK, Handle: sv.next})

	case opRead:
		var m readFileMsg
		ssh.Unmarshal(body, &m)
		data := sv.files[sv.handles[m.Handle]]
		if m.Offset >= uint64(len(data)) {
			sv.reply(ch, opReadReply, readFileReplyMsg{ID: m.ID, Status: statusEOF})
			return
		}
		end := m.Offset + uint64(m.Length)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		sv.reply(ch, opReadReply, readFileReplyMsg{ID: m.ID, Status: statusOK, Data: data[m.Offset:end]})

	case opWrite:
		var m writeFileMsg
		ssh.Unmarshal(body, &m)
		p := sv.handles[m.Handle]
		data := sv.files[p]
		end := m.Offset + uint64(len(m.Data))
		if uint64(len(data)) < end {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		copy(data[m.Offset:], m.Data)
		sv.files[p] = data
		sv.reply(ch, opWriteReply, writeFileReplyMsg{ID: m.ID, Status: statusOK, Written: uint32(len(m.Data))})

	case opCloseFile:
		var m closeFileMsg
		ssh.Unmarshal(body, &m)
		delete(sv.handles, m.Handle)
		sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusOK})

	case opStat:
		var m statMsg
		ssh.Unmarshal(body, &m)
		p := m.Path
		if m.Follow && sv.links[p] != "" {
			p = sv.links[p]
		}
		a, ok := sv.attrOf(p)
		if !ok {
			sv.reply(ch, opStatReply, statReplyMsg{ID: m.ID, Status: statusNotFound, Message: "no such file"})
			return
		}
		sv.reply(ch, opStatReply, statReplyMsg{ID: m.ID, Status: statusOK, Attr: encodeAttr(a)})

	case opFStat:
		var m fstatMsg
		ssh.Unmarshal(body, &m)
		a, ok := sv.attrOf(sv.handles[m.Handle])
		if !ok {
			sv.reply(ch, opStatReply, statReplyMsg{ID: m.ID, Status: statusError, Message: "stale handle"})
			return
		}
		sv.reply(ch, opStatReply, statReplyMsg{ID: m.ID, Status: statusOK, Attr: encodeAttr(a)})

	case opRemove:
		var m removeMsg
		ssh.Unmarshal(body, &m)
		if !sv.exists(m.Path) {
			sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusNotFound, Message: "no such file"})
			return
		}
		delete(sv.files, m.Path)
		delete(sv.dirs, m.Path)
		delete(sv.links, m.Path)
		sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusOK})

	case opRename:
		var m renameMsg
		ssh.Unmarshal(body, &m)
		data, ok := sv.files[m.OldPath]
		if !ok {
			sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusNotFound, Message: "no such file"})
			return
		}
		delete(sv.files, m.OldPath)
		sv.files[m.NewPath] = data
		sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusOK})

	case opMkdir:
		var m mkdirMsg
		ssh.Unmarshal(body, &m)
		parent := path.Dir(m.Path)
		if !sv.dirs[parent] && !m.Recursive {
			sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusNotFound, Message: "parent missing"})
			return
		}
		for p := m.Path; p != "/" && p != "."; p = path.Dir(p) {
			sv.dirs[p] = true
			if !m.Recursive {
				break
			}
		}
		sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusOK})

	case opReadDir:
		var m readDirMsg
		ssh.Unmarshal(body, &m)
		if !sv.dirs[m.Path] {
			sv.reply(ch, opReadDirReply, readDirReplyMsg{ID: m.ID, Status: statusNotFound, Message: "not a directory"})
			return
		}
		var ents []DirEnt
		add := func(p string, typ uint32) {
			if path.Dir(p) == m.Path {
				ents = append(ents, DirEnt{Name: path.Base(p), Path: p, Type: typ})
			}
		}
		for p := range sv.files {
			add(p, TypeRegular)
		}
		for p := range sv.dirs {
			add(p, TypeDir)
		}
		for p := range sv.links {
			add(p, TypeSymlink)
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].Name < ents[j].Name })
		sv.reply(ch, opReadDirReply, readDirReplyMsg{ID: m.ID, Status: statusOK, Entries: encodeEntries(ents)})

	case opReadLink:
		var m readLinkMsg
		ssh.Unmarshal(body, &m)
		target, ok := sv.links[m.Path]
		if !ok {
			sv.reply(ch, opPathReply, pathReplyMsg{ID: m.ID, Status: statusNotFound, Message: "not a symlink"})
			return
		}
		sv.reply(ch, opPathReply, pathReplyMsg{ID: m.ID, Status: statusOK, Path: target})

	case opSymlink:
		var m symlinkMsg
		ssh.Unmarshal(body, &m)
		sv.links[m.Link] = m.Target
		sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusOK})

	case opChmod:
		var m chmodMsg
		ssh.Unmarshal(body, &m)
		if _, ok := sv.files[m.Path]; !ok {
			sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusNotFound, Message: "no such file"})
			return
		}
		sv.perms[m.Path] = m.Perm
		sv.reply(ch, opStatusReply, statusReplyMsg{ID: m.ID, Status: statusOK})
	}
}

func newTransferFixture(t *testing.T) (*Transfer, *transferServer) {
	t.Helper()
	s, peer := newTestSession(t)
	sv := startTransferServer(t, peer)
	xfer, err := s.OpenTransfer(testCtx(t))
	if err != nil {
		t.Fatalf("OpenTransfer: %v", err)
	}
	return xfer, sv
}

func TestTransferFileRoundTrip(t *testing.T) {
	xfer, _ := newTransferFixture(t)
	ctx := testCtx(t)

	h, err := xfer.OpenFile(ctx, "/data.bin", FlagWrite|FlagCreate|FlagTruncate)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	content := bytes.Repeat([]byte("payload "), 9000) // crosses the chunk boundary
	if n, err := h.WriteAt(ctx, content, 0); err != nil || n != len(content) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	attr, err := h.Stat(ctx)
	if err != nil {
		t.Fatalf("handle Stat: %v", err)
	}
	if attr.Size != uint64(len(content)) || attr.Type != TypeRegular {
		t.Fatalf("attr = %+v, want regular file of %d bytes", attr, len(content))
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(ctx); !errs.Is(err, errs.ErrHandleClosed) {
		t.Fatalf("second Close = %v, want ErrHandleClosed", err)
	}

	h, err = xfer.OpenFile(ctx, "/data.bin", FlagRead)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	back := make([]byte, len(content))
	if n, err := h.ReadAt(ctx, back, 0); err != nil || n != len(content) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(back, content) {
		t.Fatal("read back different bytes")
	}
	// Reading past the end yields the short tail plus io.EOF.
	tail := make([]byte, 64)
	n, err := h.ReadAt(ctx, tail, int64(len(content)-10))
	if err != io.EOF {
		t.Fatalf("ReadAt at tail err = %v, want io.EOF", err)
	}
	if n != 10 {
		t.Fatalf("ReadAt at tail = %d bytes, want 10", n)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTransferPathOperations(t *testing.T) {
	xfer, sv := newTransferFixture(t)
	ctx := testCtx(t)

	if err := xfer.Mkdir(ctx, "/a/b/c", true); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	sv.files["/a/b/c/one.txt"] = []byte("1")
	sv.files["/a/b/c/two.txt"] = []byte("22")

	ents, err := xfer.ReadDir(ctx, "/a/b/c")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name)
	}
	want := []string{"one.txt", "two.txt"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Fatalf("ReadDir = %v, want %v", names, want)
	}

	if err := xfer.Rename(ctx, "/a/b/c/one.txt", "/a/b/c/uno.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := xfer.Chmod(ctx, "/a/b/c/uno.txt", 0o600); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	attr, err := xfer.Stat(ctx, "/a/b/c/uno.txt", true)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attr.Perm != 0o600 || attr.Size != 1 {
		t.Fatalf("attr = %+v, want perm 0600 size 1", attr)
	}

	if err := xfer.Symlink(ctx, "/a/b/c/uno.txt", "/link"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if target, err := xfer.ReadLink(ctx, "/link"); err != nil || target != "/a/b/c/uno.txt" {
		t.Fatalf("ReadLink = %q, %v", target, err)
	}
	// Lstat sees the link, Stat follows it.
	if attr, err := xfer.Stat(ctx, "/link", false); err != nil || attr.Type != TypeSymlink {
		t.Fatalf("Lstat = %+v, %v; want symlink", attr, err)
	}
	if attr, err := xfer.Stat(ctx, "/link", true); err != nil || attr.Type != TypeRegular {
		t.Fatalf("follow Stat = %+v, %v; want regular", attr, err)
	}

	if err := xfer.Remove(ctx, "/a/b/c/two.txt", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := xfer.Stat(ctx, "/a/b/c/two.txt", false); !IsNotFound(err) {
		t.Fatalf("Stat removed = %v, want not-found", err)
	}
}

func TestTransferRequestErrors(t *testing.T) {
	xfer, _ := newTransferFixture(t)
	ctx := testCtx(t)

	err := xfer.Remove(ctx, "/missing", false)
	if !IsNotFound(err) {
		t.Fatalf("Remove missing = %v, want not-found", err)
	}
	var re *errs.RequestError
	if !errs.As(err, &re) || re.Op != "remove" || re.Path != "/missing" {
		t.Fatalf("request error lacks op/path context: %+v", re)
	}
	// A per-request failure never disturbs the channel.
	if _, err := xfer.Stat(ctx, "/", false); err != nil {
		t.Fatalf("Stat after failed request: %v", err)
	}
}

func TestTransferRepliesCorrelatedOutOfOrder(t *testing.T) {
	s, peer := newTestSession(t)
	ctx := testCtx(t)

	xferDone := make(chan *Transfer, 1)
	go func() {
		x, err := s.OpenTransfer(ctx)
		if err != nil {
			xferDone <- nil
			return
		}
		xferDone <- x
	}()
	open := recvFrame(t, peer)
	peer.Send(Frame{Channel: open.Channel, Kind: FrameOpenOK})
	xfer := <-xferDone
	if xfer == nil {
		t.Fatal("OpenTransfer failed")
	}

	type statResult struct {
		path string
		attr FileAttr
		err  error
	}
	results := make(chan statResult, 2)
	stat := func(p string) {
		a, err := xfer.Stat(ctx, p, false)
		results <- statResult{p, a, err}
	}
	go stat("/first")
	go stat("/second")

	// Collect both requests, then answer them in reverse arrival
	// order with sizes derived from the requested path.
	reqs := make(map[string]uint32, 2)
	for len(reqs) < 2 {
		f := recvFrame(t, peer)
		if f.Kind != FrameData || f.Payload[0] != opStat {
			t.Fatalf("peer got %s op %d, want stat request", f.Kind, f.Payload[0])
		}
		var m statMsg
		if err := ssh.Unmarshal(f.Payload[1:], &m); err != nil {
			t.Fatalf("stat request: %v", err)
		}
		reqs[m.Path] = m.ID
	}
	answer := func(p string, size uint64) {
		peer.Send(Frame{Channel: open.Channel, Kind: FrameData, Payload: packMsg(opStatReply, statReplyMsg{
			ID:     reqs[p],
			Status: statusOK,
			Attr:   encodeAttr(FileAttr{Type: TypeRegular, Size: size, ModTime: time.Unix(0, 0)}),
		})})
	}
	answer("/second", 2)
	answer("/first", 1)

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("stat %s: %v", r.path, r.err)
		}
		want := uint64(1)
		if r.path == "/second" {
			want = 2
		}
		if r.attr.Size != want {
			t.Fatalf("stat %s routed wrong reply: size %d, want %d", r.path, r.attr.Size, want)
		}
	}
}

func TestTransferWrongReplyOpIsProtocolError(t *testing.T) {
	s, peer := newTestSession(t)
	ctx := testCtx(t)

	xferDone := make(chan *Transfer, 1)
	go func() {
		x, _ := s.OpenTransfer(ctx)
		xferDone <- x
	}()
	open := recvFrame(t, peer)
	peer.Send(Frame{Channel: open.Channel, Kind: FrameOpenOK})
	xfer := <-xferDone
	if xfer == nil {
		t.Fatal("OpenTransfer failed")
	}

	done := make(chan error, 1)
	go func() {
		_, err := xfer.Stat(ctx, "/x", false)
		done <- err
	}()
	f := recvFrame(t, peer)
	var m statMsg
	ssh.Unmarshal(f.Payload[1:], &m)
	peer.Send(Frame{Channel: open.Channel, Kind: FrameData, Payload: packMsg(opStatusReply, statusReplyMsg{ID: m.ID, Status: statusOK})})

	err := <-done
	var pe *errs.ProtocolError
	if !errs.As(err, &pe) {
		t.Fatalf("Stat = %v, want protocol error", err)
	}
	if s.Metrics().ProtocolViolations() == 0 {
		t.Fatal("violation not counted")
	}
}

func TestTransferRemoteCloseFailsInflight(t *testing.T) {
	s, peer := newTestSession(t)
	ctx := testCtx(t)

	xferDone := make(chan *Transfer, 1)
	go func() {
		x, _ := s.OpenTransfer(ctx)
		xferDone <- x
	}()
	open := recvFrame(t, peer)
	peer.Send(Frame{Channel: open.Channel, Kind: FrameOpenOK})
	xfer := <-xferDone
	if xfer == nil {
		t.Fatal("OpenTransfer failed")
	}

	done := make(chan error, 1)
	go func() {
		_, err := xfer.Stat(ctx, "/x", false)
		done <- err
	}()
	recvFrame(t, peer) // the stat request
	peer.Send(Frame{Channel: open.Channel, Kind: FrameClose})

	if err := <-done; !errs.Is(err, errs.ErrChannelClosed) {
		t.Fatalf("in-flight stat = %v, want ErrChannelClosed", err)
	}
	// New requests fail the same way.
	if _, err := xfer.Stat(ctx, "/y", false); !errs.Is(err, errs.ErrChannelClosed) {
		t.Fatalf("stat after close = %v, want ErrChannelClosed", err)
	}
}
