package capability

import (
	"context"
	"io"
)

// PTYConfig requests a pseudo-terminal for a process.
type PTYConfig struct {
	Term string // TERM value, e.g. "xterm-256color"
	Cols uint16
	Rows uint16
}

// ProcessConfig describes a process to run.  Program is the executable
// name or path; Args do not include the program itself.
type ProcessConfig struct {
	Program string
	Args    []string
	Env     map[string]string
	Dir     string // working directory; empty keeps the backend default

	// Stdio redirect toggles.  An unredirected stream is discarded
	// (stdout/stderr) or closed (stdin).
	Stdin  bool
	Stdout bool
	Stderr bool

	// PTY, when non-nil, allocates a pseudo-terminal.  With a PTY,
	// stdout and stderr arrive merged on the terminal stream, matching
	// what a terminal would show.
	PTY *PTYConfig
}

// NewProcessConfig starts a builder-style config for program.
func NewProcessConfig(program string) *ProcessConfig {
	return &ProcessConfig{Program: program, Env: make(map[string]string)}
}

// Arg appends one argument.
func (c *ProcessConfig) Arg(arg string) *ProcessConfig {
	c.Args = append(c.Args, arg)
	return c
}

// SetEnv sets one environment variable for the process.
func (c *ProcessConfig) SetEnv(key, value string) *ProcessConfig {
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	c.Env[key] = value
	return c
}

// WorkingDir sets the working directory.
func (c *ProcessConfig) WorkingDir(dir string) *ProcessConfig {
	c.Dir = dir
	return c
}

// RedirectStdio pipes stdin, stdout, and stderr.
func (c *ProcessConfig) RedirectStdio() *ProcessConfig {
	c.Stdin, c.Stdout, c.Stderr = true, true, true
	return c
}

// WithPTY requests an interactive pseudo-terminal.
func (c *ProcessConfig) WithPTY(term string, cols, rows uint16) *ProcessConfig {
	c.PTY = &PTYConfig{Term: term, Cols: cols, Rows: rows}
	return c
}

// ExitState is how a process ended.  Exactly one of the two shapes
// applies: a normal exit carries Code; death by signal carries Signal.
type ExitState struct {
	Code       int    // exit code; meaningful when Signal == ""
	Signal     string // signal name without SIG prefix, e.g. "KILL"
	CoreDumped bool
}

// Signaled reports whether the process was ended by a signal.
func (e ExitState) Signaled() bool { return e.Signal != "" }

// Output is the collected result of a finished process.
type Output struct {
	Stdout []byte
	Stderr []byte
	Exit   ExitState
}

// Process is a started process.  The exit state is fixed exactly once;
// every Wait caller observes the same value.  Writes after the process
// ends fail with ErrChannelClosed (remote) or an os error (native).
type Process interface {
	// PID returns the process id when the backend knows it.
	PID() (int, bool)

	// Write sends data to the process's stdin.
	Write(p []byte) (int, error)

	// CloseStdin signals end of input.
	CloseStdin() error

	// Stdout returns the standard output stream.  With a PTY it
	// carries the merged terminal output.
	Stdout() io.Reader

	// Stderr returns the standard error stream.  Empty with a PTY.
	Stderr() io.Reader

	// Resize changes the terminal size.  PTY-only: without a PTY it
	// fails with ErrUnsupportedOperation and leaves the process
	// untouched.
	Resize(cols, rows uint16) error

	// Signal delivers a named signal ("TERM", "KILL", ...).  Backends
	// that cannot deliver signals fail with ErrUnsupportedOperation.
	Signal(name string) error

	// Kill forcibly terminates the process.
	Kill() error

	// Wait blocks until the process exits and returns its exit state.
	// Safe to call from multiple goroutines.
	Wait(ctx context.Context) (ExitState, error)

	// ExitState returns the exit state if the process has ended.
	ExitState() (ExitState, bool)

	// Close releases the process's channel/handles.  The remote
	// process itself is not killed; use Kill for that.
	Close() error
}

// Executor is the process-execution contract.
type Executor interface {
	// Start launches the process and returns a handle immediately.
	Start(ctx context.Context, cfg *ProcessConfig) (Process, error)

	// Run launches the process with stdout/stderr collection, waits
	// for it to finish, and returns the gathered output.
	Run(ctx context.Context, cfg *ProcessConfig) (Output, error)
}
