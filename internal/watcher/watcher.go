// Package watcher maintains this window's authoritative set of terminals
// running the tracked agent CLI. It consumes host terminal lifecycle events,
// applies the hybrid detection policy (title fast path, process-tree slow
// path) and publishes the resulting terminal refs to the cross-window store.
package watcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tdimino/agent-watch/internal/host"
	"github.com/tdimino/agent-watch/internal/logging"
	"github.com/tdimino/agent-watch/internal/store"
	"github.com/tdimino/agent-watch/internal/transcript"
)

var watchLog = logging.ForComponent(logging.CompWatcher)

// maxConcurrentProbes bounds the startup probe fan-out.
const maxConcurrentProbes = 8

// Options configures a Watcher.
type Options struct {
	// TranscriptsRoot, when set, lets the watcher resolve the session ID for
	// a tracked terminal from the workspace's most recent transcript.
	TranscriptsRoot string

	// OnUpdate is invoked after every change to the tracked set, including
	// the completion of each asynchronous probe.
	OnUpdate func()
}

// Watcher tracks which of this window's terminals run the tracked CLI.
type Watcher struct {
	host    host.Host
	probe   host.ProcessProbe
	matcher *host.Matcher
	store   *store.Store
	opts    Options

	mu      sync.Mutex
	tracked map[string]store.TerminalRef // terminal ID -> persisted ref

	cancel   context.CancelFunc
	loopDone chan struct{}
	probes   sync.WaitGroup
	stopOnce sync.Once
}

// New wires a watcher. Call Start to scan existing terminals and begin
// consuming events.
func New(h host.Host, probe host.ProcessProbe, matcher *host.Matcher, st *store.Store, opts Options) *Watcher {
	return &Watcher{
		host:     h,
		probe:    probe,
		matcher:  matcher,
		store:    st,
		opts:     opts,
		tracked:  make(map[string]store.TerminalRef),
		loopDone: make(chan struct{}),
	}
}

// Start probes every terminal the host already has open, concurrently but
// joined before Start returns so no probe result can be silently lost, then
// starts the event loop. The returned error covers only the initial listing;
// individual probe failures degrade to "not tracked".
func (w *Watcher) Start(ctx context.Context) error {
	terminals, err := w.host.Terminals(ctx)
	if err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)

	// Slow-path probes are I/O bound: probing N terminals sequentially costs
	// N round trips, so fan out and wait for all of them.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, t := range terminals {
		t := t
		g.Go(func() error {
			if ref, ok := w.evaluate(gctx, t); ok {
				w.admit(t, ref)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	w.publish()

	go w.eventLoop(ctx)
	return nil
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.loopDone)

	events := w.host.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case host.TerminalOpened:
				t := ev.Terminal
				w.probes.Add(1)
				go func() {
					defer w.probes.Done()
					if ref, ok := w.evaluate(ctx, t); ok {
						w.admit(t, ref)
					}
					w.publish()
				}()
			case host.TerminalClosed:
				w.remove(ev.Terminal.ID())
			}
		}
	}
}

// evaluate applies the detection policy to one terminal. Any probe failure
// (process vanished mid-inspection, permission denied) means "not tracked";
// a terminal whose exit status turns non-empty before or during the probe is
// discarded no matter what the probe found.
func (w *Watcher) evaluate(ctx context.Context, t host.Terminal) (store.TerminalRef, bool) {
	if t.Exited() {
		return store.TerminalRef{}, false
	}

	matched := w.matcher.MatchesTitle(t.Name())
	if !matched {
		procs, err := w.probe.Descendants(ctx, t.ShellPID())
		if err != nil {
			watchLog.Debug("probe_failed",
				slog.String("terminal", t.ID()),
				slog.String("error", err.Error()))
			return store.TerminalRef{}, false
		}
		for _, p := range procs {
			if w.matcher.MatchesTrackedCLI(p.Command) {
				matched = true
				break
			}
		}
	}
	if !matched {
		return store.TerminalRef{}, false
	}

	// Close-during-probe check: the terminal may have exited while the
	// process tree was being walked
	if t.Exited() {
		watchLog.Debug("terminal_exited_during_probe", slog.String("terminal", t.ID()))
		return store.TerminalRef{}, false
	}

	return store.TerminalRef{
		Name:          t.Name(),
		WorkspacePath: t.WorkspacePath(),
		SessionID:     w.resolveSessionID(t.WorkspacePath()),
	}, true
}

// resolveSessionID finds the workspace's most recent resumable transcript.
// Best effort: an empty ID is filled in later once the transcript appears.
func (w *Watcher) resolveSessionID(workspacePath string) string {
	if w.opts.TranscriptsRoot == "" || workspacePath == "" {
		return ""
	}
	records := transcript.SessionsForWorkspace(w.opts.TranscriptsRoot, workspacePath)
	if len(records) == 0 {
		return ""
	}
	return records[0].SessionID
}

// admit inserts a terminal into the tracked set, re-checking liveness around
// the insert so a close event that won the race never leaves a ghost entry.
func (w *Watcher) admit(t host.Terminal, ref store.TerminalRef) {
	if t.Exited() {
		return
	}
	w.mu.Lock()
	w.tracked[t.ID()] = ref
	w.mu.Unlock()

	// A close event processed between the check above and the insert found
	// nothing to delete, so nothing else will evict this entry. The host
	// marks a terminal exited before emitting its close event, so one more
	// check after the insert catches that window; a close arriving later
	// takes the normal remove path.
	if t.Exited() {
		w.mu.Lock()
		delete(w.tracked, t.ID())
		w.mu.Unlock()
		return
	}
	watchLog.Info("terminal_tracked",
		slog.String("terminal", t.ID()),
		slog.String("workspace", ref.WorkspacePath))
}

func (w *Watcher) remove(id string) {
	w.mu.Lock()
	_, existed := w.tracked[id]
	delete(w.tracked, id)
	w.mu.Unlock()
	if existed {
		watchLog.Info("terminal_untracked", slog.String("terminal", id))
		w.publish()
	}
}

// publish pushes this window's contribution to the shared store and fires
// the update callback.
func (w *Watcher) publish() {
	refs := w.TrackedRefs()
	if err := w.store.SetTerminals(refs); err != nil {
		watchLog.Warn("publish_failed", slog.String("error", err.Error()))
	}
	if w.opts.OnUpdate != nil {
		w.opts.OnUpdate()
	}
}

// TrackedRefs returns this window's tracked terminals in stable order.
func (w *Watcher) TrackedRefs() []store.TerminalRef {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.tracked))
	for id := range w.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	refs := make([]store.TerminalRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, w.tracked[id])
	}
	return refs
}

// TrackedCount returns the size of the tracked set.
func (w *Watcher) TrackedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// Stop cancels the event loop and waits for it and every in-flight probe.
// Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.loopDone
		}
		w.probes.Wait()
	})
}
