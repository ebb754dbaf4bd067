package remote

import (
	"context"
	"sync"

	"hostmux/capability"
	errs "hostmux/internal/errors"
	"hostmux/mux"
	"hostmux/util"
)

// Filesystem maps the file contract onto one lazily opened transfer
// channel.  All operations share the channel; the per-request ids
// inside it keep them independent.
type Filesystem struct {
	sess *mux.Session
	log  *util.Logger

	mu sync.Mutex
	t  *mux.Transfer
}

// transfer returns the shared channel, opening it on first use.
func (f *Filesystem) transfer(ctx context.Context) (*mux.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.t != nil {
		return f.t, nil
	}
	t, err := f.sess.OpenTransfer(ctx)
	if err != nil {
		return nil, err
	}
	f.t = t
	return t, nil
}

func (f *Filesystem) Exists(ctx context.Context, path string) (bool, error) {
	t, err := f.transfer(ctx)
	if err != nil {
		return false, err
	}
	_, err = t.Stat(ctx, path, false)
	if err == nil {
		return true, nil
	}
	if mux.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (f *Filesystem) Open(ctx context.Context, path string, opts capability.OpenOptions) (capability.File, error) {
	t, err := f.transfer(ctx)
	if err != nil {
		return nil, err
	}
	h, err := t.OpenFile(ctx, path, openFlags(opts))
	if err != nil {
		return nil, err
	}
	return &remoteFile{h: h}, nil
}

func (f *Filesystem) Create(ctx context.Context, path string) error {
	h, err := f.Open(ctx, path, capability.WriteOnly())
	if err != nil {
		return err
	}
	return h.Close(ctx)
}

func (f *Filesystem) Stat(ctx context.Context, path string) (capability.FileInfo, error) {
	return f.stat(ctx, path, true)
}

func (f *Filesystem) Lstat(ctx context.Context, path string) (capability.FileInfo, error) {
	return f.stat(ctx, path, false)
}

func (f *Filesystem) stat(ctx context.Context, path string, follow bool) (capability.FileInfo, error) {
	t, err := f.transfer(ctx)
	if err != nil {
		return capability.FileInfo{}, err
	}
	attr, err := t.Stat(ctx, path, follow)
	if err != nil {
		return capability.FileInfo{}, err
	}
	return infoOf(attr), nil
}

func (f *Filesystem) Rename(ctx context.Context, oldPath, newPath string) error {
	t, err := f.transfer(ctx)
	if err != nil {
		return err
	}
	return t.Rename(ctx, oldPath, newPath)
}

func (f *Filesystem) Remove(ctx context.Context, path string) error {
	t, err := f.transfer(ctx)
	if err != nil {
		return err
	}
	return t.Remove(ctx, path, false)
}

func (f *Filesystem) RemoveAll(ctx context.Context, path string) error {
	t, err := f.transfer(ctx)
	if err != nil {
		return err
	}
	return t.Remove(ctx, path, true)
}

func (f *Filesystem) Mkdir(ctx context.Context, path string) error {
	t, err := f.transfer(ctx)
	if err != nil {
		return err
	}
	return t.Mkdir(ctx, path, false)
}

func (f *Filesystem) MkdirAll(ctx context.Context, path string) error {
	t, err := f.transfer(ctx)
	if err != nil {
		return err
	}
	return t.Mkdir(ctx, path, true)
}

func (f *Filesystem) ReadDir(ctx context.Context, path string) ([]capability.DirEntry, error) {
	t, err := f.transfer(ctx)
	if err != nil {
		return nil, err
	}
	ents, err := t.ReadDir(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]capability.DirEntry, 0, len(ents))
	for _, e := range ents {
		out = append(out, capability.DirEntry{
			Name: e.Name,
			Path: e.Path,
			Type: typeOf(e.Type),
		})
	}
	return out, nil
}

func (f *Filesystem) ReadLink(ctx context.Context, path string) (string, error) {
	t, err := f.transfer(ctx)
	if err != nil {
		return "", err
	}
	return t.ReadLink(ctx, path)
}

func (f *Filesystem) Symlink(ctx context.Context, target, link string) error {
	t, err := f.transfer(ctx)
	if err != nil {
		return err
	}
	return t.Symlink(ctx, target, link)
}

func (f *Filesystem) Chmod(ctx context.Context, path string, perm uint32) error {
	t, err := f.transfer(ctx)
	if err != nil {
		return err
	}
	return t.Chmod(ctx, path, perm)
}

func openFlags(opts capability.OpenOptions) uint32 {
	var flags uint32
	if opts.Read {
		flags |= mux.FlagRead
	}
	if opts.Write {
		flags |= mux.FlagWrite
	}
	if opts.Append {
		flags |= mux.FlagAppend
	}
	if opts.Truncate {
		flags |= mux.FlagTruncate
	}
	if opts.Create {
		flags |= mux.FlagCreate
	}
	return flags
}

func typeOf(t uint32) capability.FileType {
	switch t {
	case mux.TypeRegular:
		return capability.FileTypeRegular
	case mux.TypeDir:
		return capability.FileTypeDir
	case mux.TypeSymlink:
		return capability.FileTypeSymlink
	default:
		return capability.FileTypeOther
	}
}

func infoOf(a mux.FileAttr) capability.FileInfo {
	return capability.FileInfo{
		Type:    typeOf(a.Type),
		Size:    int64(a.Size),
		Perm:    a.Perm,
		ModTime: a.ModTime,
		UID:     a.UID,
		GID:     a.GID,
		User:    a.User,
		Group:   a.Group,
	}
}

// remoteFile adapts a transfer handle to the capability contract.
type remoteFile struct {
	h *mux.FileHandle

	mu     sync.Mutex
	closed bool
}

func (r *remoteFile) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	return r.h.ReadAt(ctx, p, off)
}

func (r *remoteFile) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	return r.h.WriteAt(ctx, p, off)
}

func (r *remoteFile) Stat(ctx context.Context) (capability.FileInfo, error) {
	if err := r.check(); err != nil {
		return capability.FileInfo{}, err
	}
	attr, err := r.h.Stat(ctx)
	if err != nil {
		return capability.FileInfo{}, err
	}
	return infoOf(attr), nil
}

func (r *remoteFile) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs.ErrHandleClosed
	}
	r.closed = true
	r.mu.Unlock()
	return r.h.Close(ctx)
}

func (r *remoteFile) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errs.ErrHandleClosed
	}
	return nil
}
