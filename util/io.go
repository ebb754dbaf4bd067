package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultBufSize is the standard buffer size for relay I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// halfCloser is the optional write-side close offered by TCP conns and
// forwarded mux channels alike.
type halfCloser interface {
	CloseWrite() error
}

// BidirectionalCopy shuttles data between two connections until one
// side reaches EOF or the context is cancelled.  A finished send
// direction is propagated as a half-close when the peer supports it,
// so the other direction can keep draining.
func BidirectionalCopy(ctx context.Context, a, b net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	copyDir := func(dst, src net.Conn) {
		defer wg.Done()
		buf := GetBuf()
		defer PutBuf(buf)
		_, err := io.CopyBuffer(dst, src, *buf)
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite() //nolint:errcheck
		}
		errCh <- err
		if err != nil {
			cancel()
		}
	}

	wg.Add(2)
	go copyDir(a, b)
	go copyDir(b, a)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		// Unblock any pending reads/writes.
		a.Close()
		b.Close()
		<-done
	case <-done:
	}
	close(errCh)

	for err := range errCh {
		if err != nil && !isHarmless(err) {
			return err
		}
	}
	return nil
}

// isHarmless returns true for errors that are expected during shutdown.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
