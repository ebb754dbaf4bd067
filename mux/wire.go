package mux

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/ssh"

	errs "hostmux/internal/errors"
)

// Control payloads are SSH-wire-encoded structs (ssh.Marshal) behind a
// single discriminating type byte.  Field types stick to what the SSH
// codec supports: bool, uint32, uint64, string, []byte.

// Open payload discriminators (first byte of a FrameOpen payload).
const (
	openExec      byte = 1
	openTransfer  byte = 2
	openDirect    byte = 3 // locally initiated direct forward
	openForwardIn byte = 4 // remotely initiated: accepted reverse-forward conn
)

// Channel control discriminators (first byte of a FrameControl payload).
const (
	ctrlExecStarted byte = 1
	ctrlExitStatus  byte = 2
	ctrlExitSignal  byte = 3
	ctrlResize      byte = 4
	ctrlResizeAck   byte = 5
	ctrlSignal      byte = 6
)

// Session-global discriminators (first byte of a FrameGlobal payload).
const (
	gblForwardReq      byte = 1
	gblForwardOK       byte = 2
	gblForwardFail     byte = 3
	gblForwardCancel   byte = 4
	gblForwardCancelOK byte = 5
)

// Remote status codes carried by statusMsg and transfer replies.
const (
	statusOK          uint32 = 0
	statusError       uint32 = 1
	statusNotFound    uint32 = 2
	statusPermission  uint32 = 3
	statusUnsupported uint32 = 4
	statusEOF         uint32 = 5
)

// ── open payloads ────────────────────────────────────────────────────

type execOpenMsg struct {
	Command string
	PTY     bool
	Term    string
	Cols    uint32
	Rows    uint32
}

type directOpenMsg struct {
	Network string
	Addr    string
}

type forwardInOpenMsg struct {
	RegID         string // registration uuid
	OriginNetwork string
	OriginAddr    string
}

// statusMsg is the payload of FrameOpenFail and of generic failures.
type statusMsg struct {
	Code    uint32
	Message string
}

// ── exec control payloads ────────────────────────────────────────────

type execStartedMsg struct {
	PID    uint32
	HasPID bool
}

type exitStatusMsg struct {
	Code uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Message    string
}

type resizeMsg struct {
	Cols uint32
	Rows uint32
}

type resizeAckMsg struct {
	OK bool
}

type signalMsg struct {
	Name string
}

// ── global payloads ──────────────────────────────────────────────────

type forwardReqMsg struct {
	RegID   string
	Network string
	Addr    string
}

type forwardOKMsg struct {
	RegID     string
	BoundAddr string
}

type forwardFailMsg struct {
	RegID   string
	Code    uint32
	Message string
}

type forwardCancelMsg struct {
	RegID string
}

// ── helpers ──────────────────────────────────────────────────────────

// packMsg prepends the discriminator byte to the SSH-marshalled body.
func packMsg(kind byte, msg interface{}) []byte {
	body := ssh.Marshal(msg)
	out := make([]byte, 1+len(body))
	out[0] = kind
	copy(out[1:], body)
	return out
}

// unpackMsg strips the discriminator and unmarshals the body into out.
func unpackMsg(payload []byte, out interface{}) error {
	if len(payload) < 1 {
		return errs.Protocol("empty control payload")
	}
	if err := ssh.Unmarshal(payload[1:], out); err != nil {
		return errs.Protocol("bad control payload: %v", err)
	}
	return nil
}

// statusToError maps a remote status code to the error taxonomy.
// statusOK maps to nil.
func statusToError(op, path string, code uint32, message string) error {
	switch code {
	case statusOK:
		return nil
	case statusUnsupported:
		return errs.ErrUnsupportedOperation
	default:
		return errs.Request(op, path, code, message)
	}
}

// IsNotFound reports whether err is a remote not-found reply.
func IsNotFound(err error) bool {
	var re *errs.RequestError
	return errs.As(err, &re) && re.Code == statusNotFound
}

// parseStatus decodes a bare statusMsg payload (no discriminator),
// degrading malformed input to a generic error status.
func parseStatus(b []byte) statusMsg {
	var m statusMsg
	if err := ssh.Unmarshal(b, &m); err != nil {
		return statusMsg{Code: statusError, Message: "malformed status"}
	}
	return m
}

// ── transfer wire ────────────────────────────────────────────────────
//
// Transfer requests and replies ride in FrameData payloads on the
// transfer channel: one op byte, then the SSH-marshalled body.  Every
// body starts with a uint32 request id, so replies can be routed to
// their pending request without parsing the rest.

const (
	opOpen         byte = 1
	opOpenReply    byte = 2
	opRead         byte = 3
	opReadReply    byte = 4
	opWrite        byte = 5
	opWriteReply   byte = 6
	opCloseFile    byte = 7
	opStat         byte = 8
	opFStat        byte = 9
	opStatReply    byte = 10
	opRemove       byte = 11
	opRename       byte = 12
	opMkdir        byte = 13
	opReadDir      byte = 14
	opReadDirReply byte = 15
	opReadLink     byte = 16
	opPathReply    byte = 17
	opSymlink      byte = 18
	opChmod        byte = 19
	opStatusReply  byte = 20
)

// Open flag bits for opOpen.
const (
	FlagRead     uint32 = 1 << 0
	FlagWrite    uint32 = 1 << 1
	FlagAppend   uint32 = 1 << 2
	FlagTruncate uint32 = 1 << 3
	FlagCreate   uint32 = 1 << 4
)

type openFileMsg struct {
	ID    uint32
	Path  string
	Flags uint32
}

type openFileReplyMsg struct {
	ID      uint32
	Status  uint32
	Message string
	Handle  uint32
}

type readFileMsg struct {
	ID     uint32
	Handle uint32
	Offset uint64
	Length uint32
}

type readFileReplyMsg struct {
	ID      uint32
	Status  uint32
	Message string
	Data    []byte
}

type writeFileMsg struct {
	ID     uint32
	Handle uint32
	Offset uint64
	Data   []byte
}

type writeFileReplyMsg struct {
	ID      uint32
	Status  uint32
	Message string
	Written uint32
}

type closeFileMsg struct {
	ID     uint32
	Handle uint32
}

type statMsg struct {
	ID     uint32
	Path   string
	Follow bool
}

type fstatMsg struct {
	ID     uint32
	Handle uint32
}

type statReplyMsg struct {
	ID      uint32
	Status  uint32
	Message string
	Attr    []byte // marshalled attrMsg
}

type removeMsg struct {
	ID        uint32
	Path      string
	Recursive bool
}

type renameMsg struct {
	ID      uint32
	OldPath string
	NewPath string
}

type mkdirMsg struct {
	ID        uint32
	Path      string
	Recursive bool
}

type readDirMsg struct {
	ID   uint32
	Path string
}

type readDirReplyMsg struct {
	ID      uint32
	Status  uint32
	Message string
	Entries []byte // length-prefixed marshalled entryMsg records
}

type readLinkMsg struct {
	ID   uint32
	Path string
}

type pathReplyMsg struct {
	ID      uint32
	Status  uint32
	Message string
	Path    string
}

type symlinkMsg struct {
	ID     uint32
	Target string
	Link   string
}

type chmodMsg struct {
	ID   uint32
	Path string
	Perm uint32
}

type statusReplyMsg struct {
	ID      uint32
	Status  uint32
	Message string
}

// File type codes on the wire, shared by attrMsg and entryMsg.
const (
	TypeRegular uint32 = 0
	TypeDir     uint32 = 1
	TypeSymlink uint32 = 2
	TypeOther   uint32 = 3
)

type attrMsg struct {
	Type    uint32
	Size    uint64
	Perm    uint32
	ModUnix uint64 // seconds since epoch
	UID     uint32
	GID     uint32
	User    string
	Group   string
}

type entryMsg struct {
	Name string
	Path string
	Type uint32
}

// FileAttr is the decoded form of attrMsg handed up to adapters.
type FileAttr struct {
	Type    uint32
	Size    uint64
	Perm    uint32
	ModTime time.Time
	UID     uint32
	GID     uint32
	User    string
	Group   string
}

// DirEnt is one decoded directory entry.
type DirEnt struct {
	Name string
	Path string
	Type uint32
}

func decodeAttr(b []byte) (FileAttr, error) {
	var m attrMsg
	if err := ssh.Unmarshal(b, &m); err != nil {
		return FileAttr{}, errs.Protocol("bad attr payload: %v", err)
	}
	return FileAttr{
		Type:    m.Type,
		Size:    m.Size,
		Perm:    m.Perm,
		ModTime: time.Unix(int64(m.ModUnix), 0),
		UID:     m.UID,
		GID:     m.GID,
		User:    m.User,
		Group:   m.Group,
	}, nil
}

// encodeAttr is the inverse of decodeAttr; used by test peers.
func encodeAttr(a FileAttr) []byte {
	return ssh.Marshal(attrMsg{
		Type:    a.Type,
		Size:    a.Size,
		Perm:    a.Perm,
		ModUnix: uint64(a.ModTime.Unix()),
		UID:     a.UID,
		GID:     a.GID,
		User:    a.User,
		Group:   a.Group,
	})
}

// encodeEntries concatenates length-prefixed entryMsg records.
func encodeEntries(entries []DirEnt) []byte {
	var out []byte
	for _, e := range entries {
		rec := ssh.Marshal(entryMsg{Name: e.Name, Path: e.Path, Type: e.Type})
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(rec)))
		out = append(out, l[:]...)
		out = append(out, rec...)
	}
	return out
}

func decodeEntries(b []byte) ([]DirEnt, error) {
	var out []DirEnt
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, errs.Protocol("truncated dir entry list")
		}
		l := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < l {
			return nil, errs.Protocol("truncated dir entry record")
		}
		var m entryMsg
		if err := ssh.Unmarshal(b[:l], &m); err != nil {
			return nil, errs.Protocol("bad dir entry: %v", err)
		}
		out = append(out, DirEnt{Name: m.Name, Path: m.Path, Type: m.Type})
		b = b[l:]
	}
	return out, nil
}

// unpackReply unmarshals a transfer reply body (already stripped of
// its op byte).
func unpackReply(body []byte, out interface{}) error {
	if err := ssh.Unmarshal(body, out); err != nil {
		return errs.Protocol("bad transfer reply: %v", err)
	}
	return nil
}

// reqIDOf extracts the leading request id of a transfer message body
// without a full parse.  The uint32 is the first marshalled field.
func reqIDOf(body []byte) (uint32, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(body[:4]), true
}
