package host

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tdimino/agent-watch/internal/logging"
)

var hostLog = logging.ForComponent(logging.CompHost)

// DefaultPollInterval is how often the tmux adapter re-lists panes to
// synthesize open/close events. tmux has no push notifications outside
// control mode, so the adapter polls and diffs.
const DefaultPollInterval = 2 * time.Second

// TmuxHost implements Host over a running tmux server: every pane is one
// terminal. Pane titles map to terminal names, pane PIDs to shell PIDs.
type TmuxHost struct {
	pollInterval time.Duration
	events       chan Event

	mu    sync.Mutex
	known map[string]*tmuxTerminal // pane id -> last observed state

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewTmuxHost creates the adapter. Call Start before reading Events.
func NewTmuxHost() *TmuxHost {
	return &TmuxHost{
		pollInterval: DefaultPollInterval,
		events:       make(chan Event, 64),
		known:        make(map[string]*tmuxTerminal),
		done:         make(chan struct{}),
	}
}

// Start takes an initial pane snapshot (no events for pre-existing panes;
// callers probe those themselves) and begins the poll loop.
func (h *TmuxHost) Start(ctx context.Context) error {
	terms, err := h.listPanes(ctx)
	if err != nil {
		return fmt.Errorf("initial tmux pane listing: %w", err)
	}

	h.mu.Lock()
	for _, t := range terms {
		h.known[t.id] = t
	}
	h.mu.Unlock()

	ctx, h.cancel = context.WithCancel(ctx)
	go h.pollLoop(ctx)
	return nil
}

func (h *TmuxHost) pollLoop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pollOnce(ctx)
		}
	}
}

// pollOnce diffs the current pane set against the last snapshot and emits
// opened/closed events. Sends block until consumed so close events are never
// dropped; shutdown unblocks them.
func (h *TmuxHost) pollOnce(ctx context.Context) {
	terms, err := h.listPanes(ctx)
	if err != nil {
		hostLog.Warn("pane_listing_failed", slog.String("error", err.Error()))
		return
	}

	current := make(map[string]*tmuxTerminal, len(terms))
	for _, t := range terms {
		current[t.id] = t
	}

	h.mu.Lock()
	var opened, closed []*tmuxTerminal
	for id, t := range current {
		if _, ok := h.known[id]; !ok {
			opened = append(opened, t)
		}
	}
	for id, t := range h.known {
		if _, ok := current[id]; !ok {
			t.markExited()
			closed = append(closed, t)
		}
	}
	h.known = current
	h.mu.Unlock()

	for _, t := range opened {
		h.emit(ctx, Event{Kind: TerminalOpened, Terminal: t})
	}
	for _, t := range closed {
		h.emit(ctx, Event{Kind: TerminalClosed, Terminal: t})
	}
}

func (h *TmuxHost) emit(ctx context.Context, ev Event) {
	select {
	case h.events <- ev:
	case <-ctx.Done():
	}
}

// Terminals lists the currently open panes.
func (h *TmuxHost) Terminals(ctx context.Context) ([]Terminal, error) {
	terms, err := h.listPanes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Terminal, len(terms))
	for i, t := range terms {
		out[i] = t
	}
	return out, nil
}

// Events returns the terminal lifecycle channel.
func (h *TmuxHost) Events() <-chan Event {
	return h.events
}

// OpenTerminal opens a new tmux window in dir running command.
func (h *TmuxHost) OpenTerminal(ctx context.Context, dir string, command []string) error {
	args := append([]string{"new-window", "-c", dir, "--"}, command...)
	if out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-window: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Close stops the poll loop and closes the event channel. Idempotent.
func (h *TmuxHost) Close() error {
	h.closeOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
			<-h.done
		}
		close(h.events)
	})
	return nil
}

func (h *TmuxHost) listPanes(ctx context.Context) ([]*tmuxTerminal, error) {
	out, err := exec.CommandContext(ctx, "tmux", "list-panes", "-a", "-F",
		"#{pane_id}\t#{pane_pid}\t#{pane_current_path}\t#{pane_title}").Output()
	if err != nil {
		return nil, err
	}
	return parsePaneList(string(out)), nil
}

// parsePaneList parses tmux list-panes output: one pane per line,
// tab-separated id, pid, path, title. Title is last because it may itself
// contain separator characters.
func parsePaneList(out string) []*tmuxTerminal {
	var terms []*tmuxTerminal
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 4 {
			continue
		}
		pid, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		terms = append(terms, &tmuxTerminal{
			id:   parts[0],
			pid:  pid,
			path: parts[2],
			name: parts[3],
		})
	}
	return terms
}

// tmuxTerminal is one pane observed by the adapter.
type tmuxTerminal struct {
	id   string
	pid  int
	path string
	name string

	mu     sync.Mutex
	exited bool
}

func (t *tmuxTerminal) ID() string            { return t.id }
func (t *tmuxTerminal) Name() string          { return t.name }
func (t *tmuxTerminal) WorkspacePath() string { return t.path }
func (t *tmuxTerminal) ShellPID() int         { return t.pid }

func (t *tmuxTerminal) markExited() {
	t.mu.Lock()
	t.exited = true
	t.mu.Unlock()
}

// Exited checks the pane's fate. The cached flag covers panes the poll loop
// already saw disappear; otherwise a one-shot tmux query catches a pane that
// died between polls, which is exactly the window a probe runs in.
func (t *tmuxTerminal) Exited() bool {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()

	out, err := exec.Command("tmux", "display-message", "-p", "-t", t.id, "#{pane_dead}").Output()
	if err != nil {
		t.markExited()
		return true
	}
	if strings.TrimSpace(string(out)) == "1" {
		t.markExited()
		return true
	}
	return false
}
