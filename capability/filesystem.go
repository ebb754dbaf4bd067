package capability

import (
	"context"
	"time"
)

// FileType classifies a directory entry or stat result.
type FileType uint8

const (
	FileTypeRegular FileType = iota
	FileTypeDir
	FileTypeSymlink
	FileTypeOther
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "file"
	case FileTypeDir:
		return "dir"
	case FileTypeSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// OpenOptions selects how a file is opened.  The zero value opens
// nothing useful; set at least Read or Write.
type OpenOptions struct {
	Read     bool
	Write    bool
	Append   bool
	Truncate bool
	Create   bool
}

// ReadWrite is the common read+write open mode.
func ReadWrite() OpenOptions { return OpenOptions{Read: true, Write: true} }

// ReadOnly opens for reading only.
func ReadOnly() OpenOptions { return OpenOptions{Read: true} }

// WriteOnly opens for writing, creating and truncating as needed.
func WriteOnly() OpenOptions {
	return OpenOptions{Write: true, Create: true, Truncate: true}
}

// FileInfo describes a file.  Fields a backend cannot determine are
// left at their zero value; Size and ModTime are always populated for
// regular files.
type FileInfo struct {
	Type    FileType
	Size    int64
	Perm    uint32 // permission bits, lower 12 bits of st_mode
	ModTime time.Time
	UID     uint32
	GID     uint32
	User    string
	Group   string
}

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool { return fi.Type == FileTypeDir }

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name string // base name
	Path string // full path
	Type FileType
}

// File is an open file handle.  Offsets are explicit so concurrent
// readers never fight over a shared cursor; requests on the same
// handle are applied in issuance order.
type File interface {
	// ReadAt reads up to len(p) bytes at the given offset.  It returns
	// io.EOF (possibly with n > 0) at end of file.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// WriteAt writes p at the given offset.
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// Stat returns metadata for the open file.
	Stat(ctx context.Context) (FileInfo, error)

	// Close releases the handle.  Using the handle afterwards fails
	// with ErrHandleClosed.
	Close(ctx context.Context) error
}

// Filesystem is the file-access contract.  Paths are absolute or
// relative to the backend's notion of a working directory; they are
// never interpreted by this layer.
type Filesystem interface {
	Exists(ctx context.Context, path string) (bool, error)
	Open(ctx context.Context, path string, opts OpenOptions) (File, error)
	Create(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (FileInfo, error)
	Lstat(ctx context.Context, path string) (FileInfo, error)
	Rename(ctx context.Context, oldPath, newPath string) error
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
	ReadDir(ctx context.Context, path string) ([]DirEntry, error)
	ReadLink(ctx context.Context, path string) (string, error)
	Symlink(ctx context.Context, target, link string) error
	Chmod(ctx context.Context, path string, perm uint32) error
}
