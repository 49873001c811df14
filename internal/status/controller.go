// Package status projects the shared window state, the local tracked set and
// the transcript index into the user-visible session state machine, and
// issues resume commands for explicit user selections.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/tdimino/agent-watch/internal/host"
	"github.com/tdimino/agent-watch/internal/logging"
	"github.com/tdimino/agent-watch/internal/store"
	"github.com/tdimino/agent-watch/internal/transcript"
)

var statusLog = logging.ForComponent(logging.CompStatus)

// Kind is the surfaced state of the session indicator.
type Kind int

const (
	Idle Kind = iota
	Active
	Resumable
	Recoverable
)

func (k Kind) String() string {
	switch k {
	case Active:
		return "Active"
	case Resumable:
		return "Resumable"
	case Recoverable:
		return "Recoverable"
	default:
		return "Idle"
	}
}

// DisplayState is the computed indicator state. Kind/Count carry the surfaced
// category; the per-category counts let the indicator show secondary detail.
// Recoverable wins the surface even when Active sessions exist, because crash
// recovery is time-sensitive.
type DisplayState struct {
	Kind  Kind
	Count int

	ActiveTerminals    int
	ResumableSessions  int
	RecoverableWindows int
}

// Label renders the state for a status indicator.
func (d DisplayState) Label() string {
	if d.Kind == Idle {
		return "Idle"
	}
	return fmt.Sprintf("%s(%d)", d.Kind, d.Count)
}

// Emphasized reports whether the indicator should render with visual
// emphasis: crashed windows are present, whether or not live ones are too.
func (d DisplayState) Emphasized() bool {
	return d.Kind == Recoverable
}

// rescanInterval bounds how often the transcript tree is re-walked. Remote
// change storms otherwise trigger a full directory scan per event.
const rescanInterval = 5 * time.Second

// Options configures a Controller.
type Options struct {
	// TranscriptsRoot is the tracked CLI's per-project transcript tree.
	TranscriptsRoot string

	// ResumableWindow bounds how old a transcript may be and still be
	// offered for resume (default 12h).
	ResumableWindow time.Duration

	// CLIName is the tracked CLI's executable name, used to build resume
	// commands.
	CLIName string

	// Clock is injectable for tests.
	Clock clock.Clock

	// OnDisplay is invoked whenever the computed DisplayState changes.
	OnDisplay func(DisplayState)
}

// Controller drives the state machine. Recompute is invoked by the window
// wiring on local set changes, remote store changes, and the staleness tick.
type Controller struct {
	st    *store.Store
	local func() []store.TerminalRef
	h     host.Host
	opts  Options

	limiter *rate.Limiter

	mu       sync.Mutex
	sessions []transcript.SessionRecord
	current  DisplayState
}

// New wires a controller. local supplies this window's tracked terminals.
func New(st *store.Store, local func() []store.TerminalRef, h host.Host, opts Options) *Controller {
	if opts.ResumableWindow <= 0 {
		opts.ResumableWindow = 12 * time.Hour
	}
	if opts.CLIName == "" {
		opts.CLIName = "claude"
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Controller{
		st:      st,
		local:   local,
		h:       h,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(rescanInterval), 1),
	}
}

// Current returns the last computed state.
func (c *Controller) Current() DisplayState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Recompute re-derives the DisplayState from the shared file, the local
// tracked set and the (rate-limited) transcript index, firing OnDisplay when
// the surfaced state changed.
func (c *Controller) Recompute() DisplayState {
	state := c.st.Read()

	// Our own entry comes from the live tracked set rather than the file,
	// which can lag a heartbeat behind.
	ownID := c.st.WindowID()
	local := c.local()
	staleWindows := 0
	activeWorkspaces := make(map[string]bool)
	for _, ref := range local {
		activeWorkspaces[ref.WorkspacePath] = true
	}
	for id, rec := range state.Windows {
		if id == ownID {
			continue
		}
		if c.st.IsStale(rec) {
			staleWindows++
			continue
		}
		for _, ref := range rec.Terminals {
			activeWorkspaces[ref.WorkspacePath] = true
		}
	}
	activeTerminals := len(local) + state.TerminalCount(func(rec *store.WindowRecord) bool {
		return rec.WindowID != ownID && !c.st.IsStale(rec)
	})

	resumable := 0
	for _, rec := range c.sessionRecords() {
		if c.isResumable(rec, activeWorkspaces) {
			resumable++
		}
	}

	next := DisplayState{
		ActiveTerminals:    activeTerminals,
		ResumableSessions:  resumable,
		RecoverableWindows: staleWindows,
	}
	switch {
	case staleWindows > 0:
		next.Kind, next.Count = Recoverable, staleWindows
	case activeTerminals > 0:
		next.Kind, next.Count = Active, activeTerminals
	case resumable > 0:
		next.Kind, next.Count = Resumable, resumable
	default:
		next.Kind = Idle
	}

	c.mu.Lock()
	changed := next != c.current
	c.current = next
	c.mu.Unlock()

	if changed {
		statusLog.Info("display_state_changed",
			slog.String("state", next.Label()),
			slog.Int("active", next.ActiveTerminals),
			slog.Int("resumable", next.ResumableSessions),
			slog.Int("recoverable", next.RecoverableWindows))
		if c.opts.OnDisplay != nil {
			c.opts.OnDisplay(next)
		}
	}
	return next
}

// isResumable applies the recency window and excludes sessions whose
// workspace already has a live tracked terminal.
func (c *Controller) isResumable(rec transcript.SessionRecord, activeWorkspaces map[string]bool) bool {
	if !rec.Resumable {
		return false
	}
	if activeWorkspaces[rec.WorkspacePath] {
		return false
	}
	return c.opts.Clock.Now().Sub(rec.LastEventTime) <= c.opts.ResumableWindow
}

// sessionRecords returns the transcript index, re-scanning at most once per
// rescanInterval and serving the cached scan otherwise.
func (c *Controller) sessionRecords() []transcript.SessionRecord {
	c.mu.Lock()
	cached := c.sessions
	c.mu.Unlock()

	if c.opts.TranscriptsRoot == "" {
		return nil
	}
	if cached != nil && !c.limiter.Allow() {
		return cached
	}

	records, err := transcript.ListSessions(c.opts.TranscriptsRoot)
	if err != nil {
		statusLog.Warn("transcript_scan_failed", slog.String("error", err.Error()))
		return cached
	}
	if records == nil {
		records = []transcript.SessionRecord{}
	}

	c.mu.Lock()
	c.sessions = records
	c.mu.Unlock()
	return records
}

// ErrNoSession is returned when a resume is attempted without an explicit
// session identity.
var ErrNoSession = errors.New("resume requires an explicit session id")

// Resume opens a new terminal in the candidate's workspace and issues a
// resume-with-identifier command. It is the only code path that issues a
// resume action, and it always names the session: there is no
// "continue most recent" variant, because that is ambiguous across multiple
// candidates and can inject input into the wrong live process.
func (c *Controller) Resume(ctx context.Context, cand Candidate) error {
	if cand.SessionID == "" {
		return ErrNoSession
	}
	if cand.WorkspacePath == "" {
		return fmt.Errorf("session %s has no recorded workspace", cand.SessionID)
	}

	command := []string{c.opts.CLIName, "--resume", cand.SessionID}
	if err := c.h.OpenTerminal(ctx, cand.WorkspacePath, command); err != nil {
		return fmt.Errorf("open terminal for resume: %w", err)
	}
	statusLog.Info("session_resumed",
		slog.String("session", cand.SessionID),
		slog.String("workspace", cand.WorkspacePath))
	return nil
}
