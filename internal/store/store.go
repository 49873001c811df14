// Package store owns the on-disk state file shared by every window process on
// the machine. All access funnels through Store so the read-modify-write plus
// atomic-rename discipline cannot be bypassed: a concurrent reader in another
// process sees either the old complete document or the new one, never a mix.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/tdimino/agent-watch/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

// FileName is the shared state file under the agent-watch home directory.
const FileName = "windows.json"

// debounceDelay coalesces rapid successive file-change notifications into a
// single recompute.
const debounceDelay = 100 * time.Millisecond

// Options configures a Store. Zero values get sensible defaults.
type Options struct {
	// Clock is injectable for deterministic heartbeat/staleness tests.
	Clock clock.Clock

	// HeartbeatInterval is how often the liveness timestamp refreshes
	// (default 10s).
	HeartbeatInterval time.Duration

	// StaleMultiplier is how many intervals a heartbeat may age before the
	// window counts as crashed (default 3).
	StaleMultiplier int

	// OnChange is invoked (debounced) when a sibling process modifies the
	// shared file.
	OnChange func()

	// OnTick is invoked after each heartbeat write; the staleness recompute
	// piggybacks on it.
	OnTick func()
}

// Store mediates every read and write of the shared state file for one
// window process.
type Store struct {
	path     string
	windowID string
	pid      int

	clk       clock.Clock
	interval  time.Duration
	staleMult int
	onChange  func()
	onTick    func()

	mu       sync.Mutex // serializes read-modify-write cycles within this process
	wroteOwn bool       // this window's record has reached the file at least once

	watcher *fsnotify.Watcher

	cancel    context.CancelFunc
	loopDone  chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a store for the shared file at path, owned by the window with
// the given identity. Nothing is written until Start or Write is called.
func New(path, windowID string, pid int, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.StaleMultiplier <= 0 {
		opts.StaleMultiplier = 3
	}
	return &Store{
		path:      path,
		windowID:  windowID,
		pid:       pid,
		clk:       opts.Clock,
		interval:  opts.HeartbeatInterval,
		staleMult: opts.StaleMultiplier,
		onChange:  opts.OnChange,
		onTick:    opts.OnTick,
		loopDone:  make(chan struct{}),
		watchDone: make(chan struct{}),
	}
}

// WindowID returns this process's window identity.
func (s *Store) WindowID() string { return s.windowID }

// Path returns the shared file path.
func (s *Store) Path() string { return s.path }

// HeartbeatInterval returns the configured liveness refresh period.
func (s *Store) HeartbeatInterval() time.Duration { return s.interval }

// StaleThreshold returns the heartbeat age past which a window counts as
// crashed.
func (s *Store) StaleThreshold() time.Duration {
	return s.interval * time.Duration(s.staleMult)
}

// IsStale classifies a record against the staleness rule at the current
// instant.
func (s *Store) IsStale(rec *WindowRecord) bool {
	return rec.StaleAt(s.clk.Now(), s.StaleThreshold())
}

// Read parses the current shared file. A missing file is an empty document
// (fresh install); a corrupt file is treated the same and self-heals on the
// next successful write.
func (s *Store) Read() *SharedState {
	return readState(s.path)
}

func readState(path string) *SharedState {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			storeLog.Warn("state_read_failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return NewSharedState()
	}

	var state SharedState
	if err := json.Unmarshal(data, &state); err != nil {
		storeLog.Warn("state_corrupt", slog.String("path", path), slog.String("error", err.Error()))
		return NewSharedState()
	}
	if state.Windows == nil {
		state.Windows = make(map[string]*WindowRecord)
	}
	return &state
}

// Write runs one read-modify-write cycle: re-read the latest document, apply
// mutate to a scratch copy, serialize, write to a uniquely-named temp file in
// the same directory, and atomically rename it over the target. Entries
// belonging to other windows are copied through verbatim; a mutation that
// touches a foreign subtree is rejected and the pre-image restored.
func (s *Store) Write(mutate func(*SharedState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := readState(s.path)
	foreign := snapshotForeign(state, s.windowID)

	next := state.Clone()
	mutate(next)
	restoreForeignViolations(next, foreign, s.windowID)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal shared state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	// Unique suffix so two processes writing at once never share a temp file
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(s.path), uuid.NewString()))
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		os.Remove(tmpPath) // a failed write can still leave a partial file
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// snapshotForeign serializes every record not owned by windowID so mutations
// of foreign subtrees can be detected and undone.
func snapshotForeign(state *SharedState, windowID string) map[string][]byte {
	out := make(map[string][]byte, len(state.Windows))
	for id, rec := range state.Windows {
		if id == windowID {
			continue
		}
		if data, err := json.Marshal(rec); err == nil {
			out[id] = data
		}
	}
	return out
}

// restoreForeignViolations puts back any foreign record the mutation changed
// or deleted. This is the production-side defense for the structural
// invariant that a process only mutates its own windowId subtree.
func restoreForeignViolations(next *SharedState, foreign map[string][]byte, windowID string) {
	for id, before := range foreign {
		rec, present := next.Windows[id]
		if present {
			if after, err := json.Marshal(rec); err == nil && string(after) == string(before) {
				continue
			}
		}
		storeLog.Error("foreign_window_mutation_rejected",
			slog.String("owner", windowID),
			slog.String("foreign", id))
		restored := &WindowRecord{}
		if err := json.Unmarshal(before, restored); err == nil {
			next.Windows[id] = restored
		}
	}
}

// UpdateOwn mutates only this window's record, creating it on first use, and
// stamps the heartbeat timestamp.
func (s *Store) UpdateOwn(fn func(rec *WindowRecord)) error {
	now := s.clk.Now().UnixMilli()
	err := s.Write(func(state *SharedState) {
		rec, ok := state.Windows[s.windowID]
		if !ok {
			rec = &WindowRecord{WindowID: s.windowID, PID: s.pid, Terminals: []TerminalRef{}}
			state.Windows[s.windowID] = rec
		}
		if fn != nil {
			fn(rec)
		}
		rec.WindowID = s.windowID
		rec.PID = s.pid
		rec.LastUpdate = now
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.wroteOwn = true
	s.mu.Unlock()
	return nil
}

// SetTerminals replaces this window's terminal contribution.
func (s *Store) SetTerminals(refs []TerminalRef) error {
	return s.UpdateOwn(func(rec *WindowRecord) {
		rec.Terminals = refs
	})
}

// Heartbeat refreshes this window's liveness timestamp.
func (s *Store) Heartbeat() error {
	return s.UpdateOwn(nil)
}

// Start writes the initial heartbeat, then runs the heartbeat loop and the
// file-change watcher until Shutdown.
func (s *Store) Start(ctx context.Context) error {
	if err := s.Heartbeat(); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create state watcher: %w", err)
	}
	// Watch the directory: the rename-over pattern replaces the file inode,
	// so a watch on the file itself goes dead after the first sibling write.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch state directory: %w", err)
	}
	s.watcher = watcher

	ctx, s.cancel = context.WithCancel(ctx)
	go s.heartbeatLoop(ctx)
	go s.watchLoop(ctx)
	return nil
}

func (s *Store) heartbeatLoop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := s.clk.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Heartbeat(); err != nil {
				storeLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
			if s.onTick != nil {
				s.onTick()
			}
		}
	}
}

func (s *Store) watchLoop(ctx context.Context) {
	defer close(s.watchDone)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if s.onChange != nil {
					s.onChange()
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			storeLog.Warn("state_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Shutdown performs the graceful exit protocol: remove this window's record
// with one final write, stop the heartbeat timer, and release the file
// watcher. Idempotent. If this is never called (crash), the record stays put
// and ages into Recoverable via the staleness rule.
func (s *Store) Shutdown() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.loopDone
			<-s.watchDone
		}
		if s.watcher != nil {
			if err := s.watcher.Close(); err != nil {
				storeLog.Warn("watcher_close_failed", slog.String("error", err.Error()))
			}
			s.watcher = nil
		}
		// A window that never wrote its record has nothing to remove;
		// writing here would create the state file as a teardown side
		// effect of a window that failed to start.
		s.mu.Lock()
		wrote := s.wroteOwn
		s.mu.Unlock()
		if wrote {
			s.closeErr = s.Write(func(state *SharedState) {
				delete(state.Windows, s.windowID)
			})
		}
	})
	return s.closeErr
}
