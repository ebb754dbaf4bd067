// Package mux turns one serial, frame-multiplexed transport into a set
// of independently usable channels: concurrent command execution (with
// or without a PTY), concurrent file-transfer requests, and concurrent
// forwarded network connections, all over a single connection.
//
// Ownership boundary:
//   - the transport's read path belongs to the session's dispatch loop,
//     its write path to the session's writer gate — no other code
//     touches the transport
//   - channel state is mutated only by the dispatch loop (on receive)
//     and the owning caller's close/cancel call
//   - a channel failing never affects its siblings; a transport
//     failure fails every channel exactly once
package mux
