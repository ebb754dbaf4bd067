// Package native implements the capability contracts against the
// local operating system: os and os/exec for files and processes,
// net for forwarding, creack/pty for terminals.  There is no
// multiplexing here; everything acts on this host directly.
package native
