// Package capability defines the three contracts callers program
// against — Filesystem, Network, and Executor — independent of whether
// they run against the local host or a remote one.
//
// Backends are explicit values: a caller constructs a native backend or
// a session-backed remote backend and passes it into application code.
// There is no global registry and no hidden singleton, since one
// process may hold connections to several hosts at once.
//
// Every blocking operation takes a context.Context and suspends until
// it completes, fails, or the backend's transport dies.  Operations a
// backend cannot perform at all fail synchronously with
// errors.ErrUnsupportedOperation rather than silently no-opping.
package capability
