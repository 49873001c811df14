package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, windowID string, opts Options) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), FileName), windowID, 100, opts)
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t, "w1-1", Options{})
	state := s.Read()
	require.NotNil(t, state.Windows)
	assert.Empty(t, state.Windows)
}

func TestFirstHeartbeatCreatesFileWithOneEntry(t *testing.T) {
	s := newTestStore(t, "w1-1", Options{})
	require.NoError(t, s.Heartbeat())

	state := s.Read()
	require.Len(t, state.Windows, 1)
	rec := state.Windows["w1-1"]
	require.NotNil(t, rec)
	assert.Equal(t, "w1-1", rec.WindowID)
	assert.Equal(t, 100, rec.PID)
	assert.NotZero(t, rec.LastUpdate)
	assert.NotNil(t, rec.Terminals)

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t, "w1-1", Options{})

	refs := []TerminalRef{
		{Name: "claude — api", WorkspacePath: "/home/me/api", SessionID: "sess-1"},
		{Name: "claude — web", WorkspacePath: "/home/me/web"},
	}
	require.NoError(t, s.SetTerminals(refs))

	state := s.Read()
	require.Len(t, state.Windows, 1)
	assert.Equal(t, refs, state.Windows["w1-1"].Terminals)
}

func TestCorruptFileSelfHeals(t *testing.T) {
	s := newTestStore(t, "w1-1", Options{})
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	// Corrupt reads as empty, not an error
	assert.Empty(t, s.Read().Windows)

	// Next successful write repairs the file
	require.NoError(t, s.Heartbeat())
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var parsed SharedState
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Len(t, parsed.Windows, 1)
}

func TestForeignSubtreeMutationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	other := New(path, "other-1", 200, Options{})
	require.NoError(t, other.SetTerminals([]TerminalRef{{Name: "x", WorkspacePath: "/x"}}))

	mine := New(path, "mine-1", 100, Options{})
	require.NoError(t, mine.Write(func(state *SharedState) {
		// Illegal: both deleting and rewriting a foreign record
		delete(state.Windows, "other-1")
		state.Windows["mine-1"] = &WindowRecord{WindowID: "mine-1", PID: 100}
	}))

	state := mine.Read()
	require.Len(t, state.Windows, 2)
	require.NotNil(t, state.Windows["other-1"])
	assert.Equal(t, "/x", state.Windows["other-1"].Terminals[0].WorkspacePath)
	assert.NotNil(t, state.Windows["mine-1"])
}

func TestInterleavedWritersNeverCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	a := New(path, "a-1", 1, Options{})
	b := New(path, "b-1", 2, Options{})

	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				assert.NoError(t, s.Heartbeat())
			}
		}(s)
	}

	// Concurrent reader: every observed document must parse
	stop := make(chan struct{})
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
				var parsed SharedState
				assert.NoError(t, json.Unmarshal(data, &parsed))
			}
		}
	}()

	wg.Wait()
	close(stop)
	readerWg.Wait()

	// Heartbeats settle: one beat each, sequentially, and both records exist
	require.NoError(t, a.Heartbeat())
	require.NoError(t, b.Heartbeat())
	state := a.Read()
	require.Len(t, state.Windows, 2)
	assert.NotNil(t, state.Windows["a-1"])
	assert.NotNil(t, state.Windows["b-1"])
}

func TestThreeWindowsSettle(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	stores := []*Store{
		New(path, "w1-1", 1, Options{}),
		New(path, "w2-1", 2, Options{}),
		New(path, "w3-1", 3, Options{}),
	}

	var wg sync.WaitGroup
	for _, s := range stores {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, s.Heartbeat())
			}
		}(s)
	}
	wg.Wait()

	for _, s := range stores {
		require.NoError(t, s.Heartbeat())
	}
	state := stores[0].Read()
	assert.Len(t, state.Windows, 3)
}

func TestStalenessClassification(t *testing.T) {
	mock := clock.NewMock()
	s := newTestStore(t, "w1-1", Options{
		Clock:             mock,
		HeartbeatInterval: 10 * time.Second,
		StaleMultiplier:   3,
	})
	require.NoError(t, s.Heartbeat())

	rec := s.Read().Windows["w1-1"]
	require.NotNil(t, rec)

	mock.Add(29 * time.Second)
	assert.False(t, s.IsStale(rec), "fresh heartbeat within threshold")

	mock.Add(2 * time.Second) // 31s total
	assert.True(t, s.IsStale(rec), "heartbeat older than 3 missed beats")
}

func TestCrashedWindowRecordPersistsAndGoesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	mock := clock.NewMock()

	crashed := New(path, "crashed-1", 1, Options{Clock: mock, HeartbeatInterval: 10 * time.Second})
	require.NoError(t, crashed.Heartbeat())
	// No Shutdown: process force-killed

	observer := New(path, "observer-1", 2, Options{Clock: mock, HeartbeatInterval: 10 * time.Second})
	require.NoError(t, observer.Heartbeat())

	mock.Add(31 * time.Second)
	require.NoError(t, observer.Heartbeat())

	state := observer.Read()
	rec := state.Windows["crashed-1"]
	require.NotNil(t, rec, "no process may remove the crashed record prematurely")
	assert.True(t, observer.IsStale(rec))
	assert.False(t, observer.IsStale(state.Windows["observer-1"]))
}

func TestShutdownRemovesOwnRecordOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	a := New(path, "a-1", 1, Options{})
	b := New(path, "b-1", 2, Options{})
	require.NoError(t, a.Heartbeat())
	require.NoError(t, b.Heartbeat())

	require.NoError(t, a.Shutdown())
	state := b.Read()
	assert.Nil(t, state.Windows["a-1"])
	assert.NotNil(t, state.Windows["b-1"])

	// Idempotent
	require.NoError(t, a.Shutdown())
}

func TestShutdownWithoutHeartbeatCreatesNoFile(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, FileName), "w1-1", 100, Options{})

	require.NoError(t, s.Shutdown())

	_, err := os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(err), "teardown of an unstarted window must not create the state file")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFailedTempWriteLeavesNoDebris(t *testing.T) {
	// A state file name this long is valid, but the temp name derived from
	// it (dot prefix, uuid, .tmp suffix) exceeds the filesystem limit, so
	// the temp write itself fails.
	dir := t.TempDir()
	name := strings.Repeat("w", 245) + ".json"
	s := New(filepath.Join(dir, name), "w1-1", 100, Options{})

	err := s.Heartbeat()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write temp state file")

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "a failed write must not leave partial temp files")
}

func TestHeartbeatLoopAndOnTick(t *testing.T) {
	mock := clock.NewMock()
	ticks := make(chan struct{}, 16)
	s := newTestStore(t, "w1-1", Options{
		Clock:             mock,
		HeartbeatInterval: 10 * time.Second,
		OnTick:            func() { ticks <- struct{}{} },
	})

	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	before := s.Read().Windows["w1-1"].LastUpdate

	time.Sleep(10 * time.Millisecond) // let the loop reach its ticker
	mock.Add(10 * time.Second)

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a heartbeat tick")
	}

	after := s.Read().Windows["w1-1"].LastUpdate
	assert.Greater(t, after, before)
}

func TestChangeNotificationOnSiblingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	changed := make(chan struct{}, 16)
	mine := New(path, "mine-1", 1, Options{OnChange: func() { changed <- struct{}{} }})
	require.NoError(t, mine.Start(context.Background()))
	defer mine.Shutdown()

	sibling := New(path, "sib-1", 2, Options{})
	require.NoError(t, sibling.Heartbeat())

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected change notification after sibling write")
	}
}

func TestShutdownStopsWatcherAndTimer(t *testing.T) {
	s := newTestStore(t, "w1-1", Options{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown())

	// Loops have exited; channels are closed
	select {
	case <-s.loopDone:
	default:
		t.Fatal("heartbeat loop still running after Shutdown")
	}
	select {
	case <-s.watchDone:
	default:
		t.Fatal("watch loop still running after Shutdown")
	}
	assert.Nil(t, s.watcher)
}

func TestNewWindowID(t *testing.T) {
	start := time.UnixMilli(1700000000000)
	assert.Equal(t, "42-1700000000000", NewWindowID(42, start))
}

func TestStaleAt(t *testing.T) {
	rec := &WindowRecord{LastUpdate: time.UnixMilli(0).UnixMilli()}
	now := time.UnixMilli(31_000)
	assert.True(t, rec.StaleAt(now, 30*time.Second))
	assert.False(t, rec.StaleAt(time.UnixMilli(29_000), 30*time.Second))
}
