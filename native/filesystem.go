package native

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"hostmux/capability"
	errs "hostmux/internal/errors"
)

// Filesystem implements the file-access contract against the local OS.
// The zero value is ready to use.
type Filesystem struct{}

// NewFilesystem returns a local filesystem backend.
func NewFilesystem() *Filesystem { return &Filesystem{} }

func (fsys *Filesystem) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (fsys *Filesystem) Open(ctx context.Context, path string, opts capability.OpenOptions) (capability.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, openFlags(opts), 0o644)
	if err != nil {
		return nil, err
	}
	return &localFile{f: f}, nil
}

func (fsys *Filesystem) Create(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func (fsys *Filesystem) Stat(ctx context.Context, path string) (capability.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return capability.FileInfo{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return capability.FileInfo{}, err
	}
	return infoOf(fi), nil
}

func (fsys *Filesystem) Lstat(ctx context.Context, path string) (capability.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return capability.FileInfo{}, err
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return capability.FileInfo{}, err
	}
	return infoOf(fi), nil
}

func (fsys *Filesystem) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(oldPath, newPath)
}

func (fsys *Filesystem) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Remove(path)
}

func (fsys *Filesystem) RemoveAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

func (fsys *Filesystem) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Mkdir(path, 0o755)
}

func (fsys *Filesystem) MkdirAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(path, 0o755)
}

func (fsys *Filesystem) ReadDir(ctx context.Context, path string) ([]capability.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]capability.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, capability.DirEntry{
			Name: e.Name(),
			Path: filepath.Join(path, e.Name()),
			Type: typeOf(e.Type()),
		})
	}
	return out, nil
}

func (fsys *Filesystem) ReadLink(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return os.Readlink(path)
}

func (fsys *Filesystem) Symlink(ctx context.Context, target, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Symlink(target, link)
}

func (fsys *Filesystem) Chmod(ctx context.Context, path string, perm uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Chmod(path, fs.FileMode(perm&0o7777))
}

// openFlags maps OpenOptions to os.OpenFile flag bits.
func openFlags(opts capability.OpenOptions) int {
	var flags int
	switch {
	case opts.Read && opts.Write:
		flags = os.O_RDWR
	case opts.Write:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if opts.Append {
		flags |= os.O_APPEND
	}
	if opts.Truncate {
		flags |= os.O_TRUNC
	}
	if opts.Create {
		flags |= os.O_CREATE
	}
	return flags
}

func typeOf(m fs.FileMode) capability.FileType {
	switch {
	case m.IsRegular():
		return capability.FileTypeRegular
	case m.IsDir():
		return capability.FileTypeDir
	case m&fs.ModeSymlink != 0:
		return capability.FileTypeSymlink
	default:
		return capability.FileTypeOther
	}
}

// infoOf converts an os.FileInfo, resolving ownership when the
// platform exposes it.
func infoOf(fi os.FileInfo) capability.FileInfo {
	out := capability.FileInfo{
		Type:    typeOf(fi.Mode()),
		Size:    fi.Size(),
		Perm:    uint32(fi.Mode().Perm()),
		ModTime: fi.ModTime(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		out.UID = st.Uid
		out.GID = st.Gid
		if u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10)); err == nil {
			out.User = u.Username
		}
		if g, err := user.LookupGroupId(strconv.FormatUint(uint64(st.Gid), 10)); err == nil {
			out.Group = g.Name
		}
	}
	return out
}

// localFile adapts *os.File to the contract's explicit-offset handle.
type localFile struct {
	f *os.File

	mu     sync.Mutex
	closed bool
}

func (l *localFile) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := l.check(ctx); err != nil {
		return 0, err
	}
	n, err := l.f.ReadAt(p, off)
	if err == io.EOF && n > 0 {
		return n, io.EOF
	}
	return n, err
}

func (l *localFile) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := l.check(ctx); err != nil {
		return 0, err
	}
	return l.f.WriteAt(p, off)
}

func (l *localFile) Stat(ctx context.Context) (capability.FileInfo, error) {
	if err := l.check(ctx); err != nil {
		return capability.FileInfo{}, err
	}
	fi, err := l.f.Stat()
	if err != nil {
		return capability.FileInfo{}, err
	}
	return infoOf(fi), nil
}

func (l *localFile) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errs.ErrHandleClosed
	}
	l.closed = true
	l.mu.Unlock()
	return l.f.Close()
}

func (l *localFile) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errs.ErrHandleClosed
	}
	return nil
}
