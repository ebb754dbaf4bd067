package native

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"hostmux/capability"
	errs "hostmux/internal/errors"
)

func TestFilesystemFileRoundTrip(t *testing.T) {
	fsys := NewFilesystem()
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "data.bin")

	opts := capability.WriteOnly() // write + create + truncate
	f, err := fsys.Open(ctx, path, opts)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	content := []byte("some file content")
	if n, err := f.WriteAt(ctx, content, 0); err != nil || n != len(content) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	fi, err := f.Stat(ctx)
	if err != nil {
		t.Fatalf("handle Stat: %v", err)
	}
	if fi.Size != int64(len(content)) || fi.Type != capability.FileTypeRegular {
		t.Fatalf("info = %+v", fi)
	}
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(ctx); !errs.Is(err, errs.ErrHandleClosed) {
		t.Fatalf("second Close = %v, want ErrHandleClosed", err)
	}
	if _, err := f.WriteAt(ctx, content, 0); !errs.Is(err, errs.ErrHandleClosed) {
		t.Fatalf("WriteAt after Close = %v, want ErrHandleClosed", err)
	}

	f, err = fsys.Open(ctx, path, capability.ReadOnly())
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	defer f.Close(ctx)
	back := make([]byte, len(content))
	if n, err := f.ReadAt(ctx, back, 0); err != nil || n != len(content) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(back, content) {
		t.Fatalf("read back %q", back)
	}
}

func TestFilesystemPathOperations(t *testing.T) {
	fsys := NewFilesystem()
	ctx := testCtx(t)
	root := t.TempDir()

	nested := filepath.Join(root, "a", "b", "c")
	if err := fsys.MkdirAll(ctx, nested); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	file := filepath.Join(nested, "note.txt")
	if err := fsys.Create(ctx, file); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := fsys.Exists(ctx, file)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	ok, err = fsys.Exists(ctx, filepath.Join(root, "ghost"))
	if err != nil || ok {
		t.Fatalf("Exists(ghost) = %v, %v", ok, err)
	}

	if err := fsys.Chmod(ctx, file, 0o600); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	fi, err := fsys.Stat(ctx, file)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Perm != 0o600 {
		t.Errorf("perm = %o, want 600", fi.Perm)
	}
	if fi.UID == 0 && fi.User == "" {
		t.Log("ownership resolution unavailable on this platform")
	}

	renamed := filepath.Join(nested, "renamed.txt")
	if err := fsys.Rename(ctx, file, renamed); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	link := filepath.Join(root, "link")
	if err := fsys.Symlink(ctx, renamed, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if target, err := fsys.ReadLink(ctx, link); err != nil || target != renamed {
		t.Fatalf("ReadLink = %q, %v", target, err)
	}
	if fi, err := fsys.Lstat(ctx, link); err != nil || fi.Type != capability.FileTypeSymlink {
		t.Fatalf("Lstat = %+v, %v; want symlink", fi, err)
	}
	if fi, err := fsys.Stat(ctx, link); err != nil || fi.Type != capability.FileTypeRegular {
		t.Fatalf("Stat = %+v, %v; want followed regular file", fi, err)
	}

	entries, err := fsys.ReadDir(ctx, nested)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "renamed.txt" {
		t.Fatalf("ReadDir = %+v", entries)
	}
	if entries[0].Path != renamed {
		t.Errorf("entry path = %q, want %q", entries[0].Path, renamed)
	}

	if err := fsys.Remove(ctx, renamed); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := fsys.RemoveAll(ctx, filepath.Join(root, "a")); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if ok, _ := fsys.Exists(ctx, nested); ok {
		t.Fatal("tree still there after RemoveAll")
	}
}

func TestFilesystemHonorsContext(t *testing.T) {
	fsys := NewFilesystem()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := fsys.Stat(ctx, "/"); !errs.Is(err, context.Canceled) {
		t.Fatalf("Stat with cancelled ctx = %v, want context.Canceled", err)
	}
	if _, err := fsys.Open(ctx, "/etc/hosts", capability.ReadOnly()); !errs.Is(err, context.Canceled) {
		t.Fatalf("Open with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestOpenFlagsMapping(t *testing.T) {
	fsys := NewFilesystem()
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "appendix")

	if err := fsys.Create(ctx, path); err != nil {
		t.Fatalf("Create: %v", err)
	}
	write := func(opts capability.OpenOptions, data string, off int64) {
		t.Helper()
		f, err := fsys.Open(ctx, path, opts)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer f.Close(ctx)
		if _, err := f.WriteAt(ctx, []byte(data), off); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}
	write(capability.OpenOptions{Write: true}, "0123456789", 0)
	write(capability.OpenOptions{Write: true, Truncate: true}, "ab", 0)

	f, err := fsys.Open(ctx, path, capability.ReadOnly())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close(ctx)
	buf := make([]byte, 16)
	n, _ := f.ReadAt(ctx, buf, 0)
	if string(buf[:n]) != "ab" {
		t.Fatalf("content = %q, want truncation to %q", buf[:n], "ab")
	}
}
