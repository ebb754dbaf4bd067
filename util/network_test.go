package util

import (
	"net"
	"strconv"
	"testing"
)

func TestFormatAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"localhost", 8080, "localhost:8080"},
		{"192.168.1.1", 22, "192.168.1.1:22"},
		{"::1", 9000, "[::1]:9000"},
		{"", 80, ":80"},
	}
	for _, tt := range tests {
		if got := FormatAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("FormatAddr(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"localhost:8080", "localhost", 8080, false},
		{"[::1]:9000", "::1", 9000, false},
		{":80", "", 80, false},
		{"host:0", "host", 0, false},
		{"host:65535", "host", 65535, false},
		{"host:65536", "", 0, true},
		{"host:-1", "", 0, true},
		{"host:abc", "", 0, true},
		{"no-port", "", 0, true},
		{"", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := SplitAddr(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitAddr(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("SplitAddr(%q) = (%q, %d), want (%q, %d)",
				tt.addr, host, port, tt.wantHost, tt.wantPort)
		}
	}
}

func TestSplitAddrRoundTrip(t *testing.T) {
	addr := FormatAddr("10.0.0.5", 4444)
	host, port, err := SplitAddr(addr)
	if err != nil {
		t.Fatalf("SplitAddr(%q): %v", addr, err)
	}
	if host != "10.0.0.5" || port != 4444 {
		t.Fatalf("round trip gave (%q, %d)", host, port)
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("FindFreePort: %v", err)
	}
	if port < 1 || port > 65535 {
		t.Fatalf("port %d out of range", port)
	}
	// The port should be bindable immediately after.
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("binding freshly found port %d: %v", port, err)
	}
	l.Close()
}
