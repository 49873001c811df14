package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdimino/agent-watch/internal/host"
	"github.com/tdimino/agent-watch/internal/store"
	"github.com/tdimino/agent-watch/internal/transcript"
)

const (
	sessionA = "aaaaaaaa-1111-4111-8111-111111111111"
	sessionB = "bbbbbbbb-2222-4222-8222-222222222222"
)

type fakeOpener struct {
	mu      sync.Mutex
	dirs    []string
	cmds    [][]string
	openErr error
}

func (f *fakeOpener) Terminals(ctx context.Context) ([]host.Terminal, error) { return nil, nil }
func (f *fakeOpener) Events() <-chan host.Event                              { return nil }
func (f *fakeOpener) Close() error                                           { return nil }

func (f *fakeOpener) OpenTerminal(ctx context.Context, dir string, command []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.dirs = append(f.dirs, dir)
	f.cmds = append(f.cmds, command)
	return nil
}

func (f *fakeOpener) calls() ([]string, [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs, f.cmds
}

type fixture struct {
	mock   *clock.Mock
	base   time.Time
	path   string
	root   string
	st     *store.Store
	opener *fakeOpener
	local  []store.TerminalRef
	states []DisplayState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		mock: clock.NewMock(),
		base: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		path: filepath.Join(dir, store.FileName),
		root: filepath.Join(dir, "projects"),
	}
	f.mock.Set(f.base)
	f.opener = &fakeOpener{}
	f.st = store.New(f.path, "self-1000", 1000, store.Options{Clock: f.mock})
	return f
}

func (f *fixture) controller() *Controller {
	return New(f.st, func() []store.TerminalRef { return f.local }, f.opener, Options{
		TranscriptsRoot: f.root,
		CLIName:         "claude",
		Clock:           f.mock,
		OnDisplay:       func(d DisplayState) { f.states = append(f.states, d) },
	})
}

// remoteWindow stamps a sibling window record into the shared file with the
// clock's current time as its heartbeat.
func (f *fixture) remoteWindow(t *testing.T, windowID string, refs []store.TerminalRef) {
	t.Helper()
	remote := store.New(f.path, windowID, 2000, store.Options{Clock: f.mock})
	require.NoError(t, remote.SetTerminals(refs))
}

func (f *fixture) writeTranscript(t *testing.T, workspace, sessionID string, lastEvent time.Time, closed bool) {
	t.Helper()
	projectDir := filepath.Join(f.root, transcript.EncodeWorkspaceDir(workspace))
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	line := func(typ string, ts time.Time) string {
		return fmt.Sprintf(`{"type":%q,"sessionId":%q,"cwd":%q,"gitBranch":"main","timestamp":%q}`,
			typ, sessionID, workspace, ts.UTC().Format(time.RFC3339))
	}
	lines := []string{
		line("user", lastEvent.Add(-10*time.Minute)),
		line("assistant", lastEvent),
	}
	if closed {
		lines = append(lines, line("result", lastEvent))
	}
	path := filepath.Join(projectDir, sessionID+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestRecomputeIdle(t *testing.T) {
	f := newFixture(t)
	state := f.controller().Recompute()

	assert.Equal(t, Idle, state.Kind)
	assert.Equal(t, "Idle", state.Label())
	assert.False(t, state.Emphasized())
}

func TestRecomputeActiveCountsLocalAndSiblingTerminals(t *testing.T) {
	f := newFixture(t)
	f.local = []store.TerminalRef{{Name: "zsh", WorkspacePath: "/w/a", SessionID: sessionA}}
	f.remoteWindow(t, "sibling-2000", []store.TerminalRef{
		{Name: "zsh", WorkspacePath: "/w/b"},
		{Name: "bash", WorkspacePath: "/w/c"},
	})

	state := f.controller().Recompute()
	assert.Equal(t, Active, state.Kind)
	assert.Equal(t, 3, state.Count)
	assert.Equal(t, "Active(3)", state.Label())
}

func TestRecoverableWinsOverActive(t *testing.T) {
	f := newFixture(t)
	f.remoteWindow(t, "crashed-2000", []store.TerminalRef{{Name: "zsh", WorkspacePath: "/w/b", SessionID: sessionB}})

	// Age the sibling heartbeat past the staleness threshold (3x10s) while
	// this window stays live.
	f.mock.Add(31 * time.Second)
	f.local = []store.TerminalRef{{Name: "zsh", WorkspacePath: "/w/a", SessionID: sessionA}}

	state := f.controller().Recompute()
	assert.Equal(t, Recoverable, state.Kind)
	assert.Equal(t, 1, state.Count)
	assert.Equal(t, 1, state.ActiveTerminals)
	assert.True(t, state.Emphasized())
}

func TestRecomputeResumableWithinWindow(t *testing.T) {
	f := newFixture(t)
	f.writeTranscript(t, "/w/a", sessionA, f.base.Add(-2*time.Hour), false)

	state := f.controller().Recompute()
	assert.Equal(t, Resumable, state.Kind)
	assert.Equal(t, 1, state.Count)
}

func TestRecomputeResumableWindowExpires(t *testing.T) {
	f := newFixture(t)
	f.writeTranscript(t, "/w/a", sessionA, f.base.Add(-13*time.Hour), false)

	state := f.controller().Recompute()
	assert.Equal(t, Idle, state.Kind)
}

func TestClosedSessionNotResumable(t *testing.T) {
	f := newFixture(t)
	f.writeTranscript(t, "/w/a", sessionA, f.base.Add(-time.Hour), true)

	state := f.controller().Recompute()
	assert.Equal(t, Idle, state.Kind)
}

func TestActiveWorkspaceSuppressesResumable(t *testing.T) {
	f := newFixture(t)
	f.writeTranscript(t, "/w/a", sessionA, f.base.Add(-time.Hour), false)
	f.local = []store.TerminalRef{{Name: "zsh", WorkspacePath: "/w/a", SessionID: sessionA}}

	state := f.controller().Recompute()
	assert.Equal(t, Active, state.Kind)
	assert.Zero(t, state.ResumableSessions)
}

func TestOnDisplayFiresOnlyOnTransitions(t *testing.T) {
	f := newFixture(t)
	c := f.controller()

	c.Recompute() // Idle is the zero state, no transition
	f.local = []store.TerminalRef{{Name: "zsh", WorkspacePath: "/w/a"}}
	c.Recompute()
	c.Recompute() // unchanged

	require.Len(t, f.states, 1)
	assert.Equal(t, Active, f.states[0].Kind)
}

func TestCandidatesRecoverableFirstThenResumable(t *testing.T) {
	f := newFixture(t)
	f.writeTranscript(t, "/w/crashed", sessionB, f.base.Add(-10*time.Minute), false)
	f.writeTranscript(t, "/w/old", sessionA, f.base.Add(-time.Hour), false)
	f.remoteWindow(t, "crashed-2000", []store.TerminalRef{{Name: "zsh", WorkspacePath: "/w/crashed", SessionID: sessionB}})
	f.mock.Add(31 * time.Second)

	cands := f.controller().Candidates()
	require.Len(t, cands, 2)
	assert.Equal(t, Recoverable, cands[0].Source)
	assert.Equal(t, sessionB, cands[0].SessionID)
	assert.Equal(t, Resumable, cands[1].Source)
	assert.Equal(t, sessionA, cands[1].SessionID)
}

func TestCandidateWithoutBoundSessionFallsBackToTranscript(t *testing.T) {
	f := newFixture(t)
	f.writeTranscript(t, "/w/crashed", sessionB, f.base.Add(-10*time.Minute), false)
	f.remoteWindow(t, "crashed-2000", []store.TerminalRef{{Name: "zsh", WorkspacePath: "/w/crashed"}})
	f.mock.Add(31 * time.Second)

	cands := f.controller().Candidates()
	require.Len(t, cands, 1)
	assert.Equal(t, sessionB, cands[0].SessionID)
	assert.Equal(t, Recoverable, cands[0].Source)
}

func TestFilterCandidatesFuzzyQuery(t *testing.T) {
	f := newFixture(t)
	f.writeTranscript(t, "/home/me/payments-api", sessionA, f.base.Add(-time.Hour), false)
	f.writeTranscript(t, "/home/me/frontend", sessionB, f.base.Add(-2*time.Hour), false)
	c := f.controller()

	filtered := c.FilterCandidates("payapi")
	require.Len(t, filtered, 1)
	assert.Equal(t, sessionA, filtered[0].SessionID)

	assert.Len(t, c.FilterCandidates(""), 2)
	assert.Empty(t, c.FilterCandidates("zzzzzz"))
}

func TestResumeRequiresExplicitSessionID(t *testing.T) {
	f := newFixture(t)
	c := f.controller()

	err := c.Resume(context.Background(), Candidate{WorkspacePath: "/w/a"})
	require.ErrorIs(t, err, ErrNoSession)

	dirs, _ := f.opener.calls()
	assert.Empty(t, dirs, "no terminal may open without a session id")
}

func TestResumeIssuesResumeWithIdentifier(t *testing.T) {
	f := newFixture(t)
	c := f.controller()

	err := c.Resume(context.Background(), Candidate{
		SessionID:     sessionA,
		WorkspacePath: "/home/me/proj",
	})
	require.NoError(t, err)

	dirs, cmds := f.opener.calls()
	require.Len(t, dirs, 1)
	assert.Equal(t, "/home/me/proj", dirs[0])
	assert.Equal(t, []string{"claude", "--resume", sessionA}, cmds[0])
	assert.NotContains(t, cmds[0], "--continue")
}

func TestResumeSurfacesOpenFailure(t *testing.T) {
	f := newFixture(t)
	f.opener.openErr = os.ErrPermission
	c := f.controller()

	err := c.Resume(context.Background(), Candidate{SessionID: sessionA, WorkspacePath: "/w/a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
}
