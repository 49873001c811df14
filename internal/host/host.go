// Package host defines the capability boundary between the session tracking
// core and the environment it observes: terminal lifecycle events, process
// inspection, and the narrow command-line matching heuristic that identifies
// the tracked agent CLI. The core only ever talks to these interfaces; the
// tmux adapter in this package is one production implementation.
package host

import "context"

// Terminal is one open terminal as reported by the host.
type Terminal interface {
	// ID is stable for the terminal's lifetime and unique within the host.
	ID() string

	// Name is the display name shown to the user (pane title, tab label).
	Name() string

	// WorkspacePath is the terminal's current working directory.
	WorkspacePath() string

	// ShellPID is the terminal's root shell process.
	ShellPID() int

	// Exited reports whether the terminal has already terminated. Probes
	// consult this after completing so a terminal that closed mid-probe is
	// never admitted to the tracked set.
	Exited() bool
}

// EventKind distinguishes terminal lifecycle events.
type EventKind int

const (
	TerminalOpened EventKind = iota
	TerminalClosed
)

// Event is one terminal lifecycle notification.
type Event struct {
	Kind     EventKind
	Terminal Terminal
}

// Host is the editor/terminal-multiplexer surface the core observes.
type Host interface {
	// Terminals lists the currently open terminals.
	Terminals(ctx context.Context) ([]Terminal, error)

	// Events returns the bounded terminal lifecycle event channel. The
	// channel is closed when the host shuts down.
	Events() <-chan Event

	// OpenTerminal opens a new terminal in dir running the given command.
	OpenTerminal(ctx context.Context, dir string, command []string) error

	// Close releases the host's resources. Idempotent.
	Close() error
}

// Process is one entry in a process tree.
type Process struct {
	PID     int
	Command string
}

// ProcessProbe inspects the live process tree under a shell PID. Probe errors
// (process vanished, permission denied) are reported as errors and treated by
// callers as "not tracked", never propagated further.
type ProcessProbe interface {
	Descendants(ctx context.Context, pid int) ([]Process, error)
}
