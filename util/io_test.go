package util

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns two connected TCP endpoints over loopback.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	r := <-ch
	if r.err != nil {
		client.Close()
		t.Fatalf("accept: %v", r.err)
	}
	t.Cleanup(func() {
		client.Close()
		r.conn.Close()
	})
	return client, r.conn
}

func TestBidirectionalCopyRelay(t *testing.T) {
	// app <-> aOuter | aInner <-> bInner | bOuter <-> echo
	// BidirectionalCopy joins aInner and bInner; the test drives the
	// outer ends and checks bytes flow both ways before shutdown.
	aOuter, aInner := tcpPair(t)
	bInner, bOuter := tcpPair(t)

	done := make(chan error, 1)
	go func() {
		done <- BidirectionalCopy(context.Background(), aInner, bInner)
	}()

	if _, err := aOuter.Write([]byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(bOuter, buf); err != nil {
		t.Fatalf("read ping: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("forward relay got %q, want %q", buf, "ping")
	}

	if _, err := bOuter.Write([]byte("pong")); err != nil {
		t.Fatalf("write pong: %v", err)
	}
	if _, err := io.ReadFull(aOuter, buf); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("reverse relay got %q, want %q", buf, "pong")
	}

	// Closing one outer end EOFs the copy in one direction; CloseWrite
	// propagation lets the other side drain and finish cleanly.
	aOuter.Close()
	bOuter.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("BidirectionalCopy returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("BidirectionalCopy did not return after both ends closed")
	}
}

func TestBidirectionalCopyHalfClose(t *testing.T) {
	aOuter, aInner := tcpPair(t)
	bInner, bOuter := tcpPair(t)

	done := make(chan error, 1)
	go func() {
		done <- BidirectionalCopy(context.Background(), aInner, bInner)
	}()

	// Half-close the sending side after one payload; the receiver must
	// still see the data followed by EOF.
	if _, err := aOuter.Write([]byte("final")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := aOuter.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	data, err := io.ReadAll(bOuter)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if string(data) != "final" {
		t.Fatalf("drained %q, want %q", data, "final")
	}

	// The reverse direction is still open; close it to finish.
	bOuter.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("BidirectionalCopy returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("BidirectionalCopy did not return")
	}
}

func TestBufPoolRoundTrip(t *testing.T) {
	b := GetBuf()
	if b == nil || len(*b) != DefaultBufSize {
		t.Fatalf("GetBuf returned buffer of len %d, want %d", len(*b), DefaultBufSize)
	}
	PutBuf(b)
	// Reuse must hand back a full-size buffer.
	b2 := GetBuf()
	if len(*b2) != DefaultBufSize {
		t.Fatalf("pooled buffer len = %d, want %d", len(*b2), DefaultBufSize)
	}
	PutBuf(b2)
	PutBuf(nil)
}
