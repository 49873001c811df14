// Package window assembles the per-window tracking stack: shared store,
// terminal watcher, and status controller, bound to one host surface. Each
// window process builds exactly one Session; there is no global state, so
// tests can run several side by side against the same shared file.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tdimino/agent-watch/internal/config"
	"github.com/tdimino/agent-watch/internal/host"
	"github.com/tdimino/agent-watch/internal/logging"
	"github.com/tdimino/agent-watch/internal/status"
	"github.com/tdimino/agent-watch/internal/store"
	"github.com/tdimino/agent-watch/internal/watcher"
)

var winLog = logging.ForComponent(logging.CompMain)

// Options configures a Session. Zero values give the production wiring: a
// tmux host, the exec-based process probe, and the wall clock.
type Options struct {
	Host      host.Host
	Probe     host.ProcessProbe
	Clock     clock.Clock
	OnDisplay func(status.DisplayState)
}

// Session is one window process's tracking stack.
type Session struct {
	cfg     *config.Config
	homeDir string
	opts    Options

	h        host.Host
	tmux     *host.TmuxHost // non-nil only when we own the host lifecycle
	st       *store.Store
	w        *watcher.Watcher
	ctrl     *status.Controller
	windowID string

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New prepares a session rooted at the agent-watch home directory. Nothing
// starts until Start.
func New(cfg *config.Config, opts Options) (*Session, error) {
	homeDir, err := config.HomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Probe == nil {
		opts.Probe = host.NewExecProbe()
	}

	s := &Session{
		cfg:     cfg,
		homeDir: homeDir,
		opts:    opts,
		h:       opts.Host,
	}
	if s.h == nil {
		s.tmux = host.NewTmuxHost()
		s.h = s.tmux
	}

	// Window identity survives nothing: a restarted process is a new window
	// and the old record ages out as stale.
	s.windowID = store.NewWindowID(os.Getpid(), opts.Clock.Now())

	s.st = store.New(filepath.Join(homeDir, store.FileName), s.windowID, os.Getpid(), store.Options{
		Clock:             opts.Clock,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		StaleMultiplier:   cfg.Heartbeat.StaleMultiplier,
		OnChange:          s.recompute,
		OnTick:            s.recompute,
	})

	matcher := host.NewMatcher(cfg.CLI.Name, cfg.CLISignatures())
	s.w = watcher.New(s.h, opts.Probe, matcher, s.st, watcher.Options{
		TranscriptsRoot: cfg.TranscriptsRoot(),
		OnUpdate:        s.recompute,
	})

	s.ctrl = status.New(s.st, s.w.TrackedRefs, s.h, status.Options{
		TranscriptsRoot: cfg.TranscriptsRoot(),
		ResumableWindow: cfg.ResumableWindow(),
		CLIName:         cfg.CLI.Name,
		Clock:           opts.Clock,
		OnDisplay:       opts.OnDisplay,
	})
	return s, nil
}

// recompute is safe to call from any of the store or watcher callbacks; the
// controller exists before any of them can fire.
func (s *Session) recompute() {
	if s.ctrl != nil {
		s.ctrl.Recompute()
	}
}

// Start brings the stack up: host polling, the shared store's heartbeat and
// file watch, then the initial terminal scan.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.tmux != nil {
		if err := s.tmux.Start(ctx); err != nil {
			return fmt.Errorf("start tmux host: %w", err)
		}
	}
	if err := s.st.Start(ctx); err != nil {
		return fmt.Errorf("start shared store: %w", err)
	}
	if err := s.w.Start(ctx); err != nil {
		return fmt.Errorf("start terminal watcher: %w", err)
	}
	s.ctrl.Recompute()

	winLog.Info("window_session_started",
		slog.String("window_id", s.windowID),
		slog.String("home_dir", s.homeDir),
		slog.Duration("heartbeat", s.st.HeartbeatInterval()))
	return nil
}

// Controller exposes the status state machine for the CLI surface.
func (s *Session) Controller() *status.Controller { return s.ctrl }

// Store exposes the shared store, primarily for diagnostics.
func (s *Session) Store() *store.Store { return s.st }

// WindowID returns this process's identity in the shared file.
func (s *Session) WindowID() string { return s.windowID }

// Shutdown tears the stack down in reverse order. The store's shutdown
// removes this window's record from the shared file, so a clean exit never
// leaves a ghost entry; a crash skips this path and the record ages into
// recoverable instead.
func (s *Session) Shutdown() error {
	s.closeOnce.Do(func() {
		start := time.Now()
		if s.cancel != nil {
			s.cancel()
		}
		s.w.Stop()
		if err := s.st.Shutdown(); err != nil {
			s.closeErr = fmt.Errorf("shutdown store: %w", err)
		}
		if err := s.h.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("close host: %w", err)
		}
		winLog.Info("window_session_stopped",
			slog.String("window_id", s.windowID),
			slog.Duration("took", time.Since(start)))
	})
	return s.closeErr
}
