package store

import (
	"fmt"
	"time"
)

// TerminalRef is the persisted form of one tracked terminal. Only strings
// survive to the shared file, never live terminal handles.
type TerminalRef struct {
	Name          string `json:"name"`
	WorkspacePath string `json:"workspacePath"`
	SessionID     string `json:"sessionId,omitempty"`
}

// WindowRecord is one live editor-window process's entry in the shared file.
type WindowRecord struct {
	WindowID string `json:"windowId"`
	PID      int    `json:"pid"`

	// LastUpdate is the heartbeat timestamp in epoch milliseconds.
	LastUpdate int64 `json:"lastUpdate"`

	Terminals []TerminalRef `json:"terminals"`
}

// StaleAt reports whether the record's heartbeat is older than threshold at
// the given instant, implying the owning process crashed.
func (r *WindowRecord) StaleAt(now time.Time, threshold time.Duration) bool {
	last := time.UnixMilli(r.LastUpdate)
	return now.Sub(last) > threshold
}

// clone returns a deep copy of the record.
func (r *WindowRecord) clone() *WindowRecord {
	out := &WindowRecord{
		WindowID:   r.WindowID,
		PID:        r.PID,
		LastUpdate: r.LastUpdate,
	}
	if r.Terminals != nil {
		out.Terminals = make([]TerminalRef, len(r.Terminals))
		copy(out.Terminals, r.Terminals)
	}
	return out
}

// SharedState is the whole shared document: one record per live window.
// It is the unit of atomicity for every write.
type SharedState struct {
	Windows map[string]*WindowRecord `json:"windows"`
}

// NewSharedState returns an empty document.
func NewSharedState() *SharedState {
	return &SharedState{Windows: make(map[string]*WindowRecord)}
}

// Clone returns a deep copy, so mutation functions can work on a scratch
// document without aliasing what a concurrent reader holds.
func (s *SharedState) Clone() *SharedState {
	out := NewSharedState()
	for id, rec := range s.Windows {
		out.Windows[id] = rec.clone()
	}
	return out
}

// TerminalCount sums tracked terminals across the given records.
func (s *SharedState) TerminalCount(include func(*WindowRecord) bool) int {
	n := 0
	for _, rec := range s.Windows {
		if include == nil || include(rec) {
			n += len(rec.Terminals)
		}
	}
	return n
}

// NewWindowID derives the stable per-process window identity: pid plus the
// process start instant, so a recycled pid never collides with a record left
// by a crashed predecessor.
func NewWindowID(pid int, start time.Time) string {
	return fmt.Sprintf("%d-%d", pid, start.UnixMilli())
}
