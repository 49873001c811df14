package status

import (
	"log/slog"
	"sort"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/tdimino/agent-watch/internal/transcript"
)

// Candidate is one entry in the resume picker.
type Candidate struct {
	SessionID     string
	WorkspacePath string
	GitBranch     string
	LastEventTime time.Time

	// Source is Recoverable for terminals inherited from a stale window
	// record, Resumable for closed sessions found in the transcript index.
	Source Kind
}

// Candidates builds the picker list: terminals from stale window records
// first (most urgent), then resumable transcript sessions, each group newest
// first. The caller presents the list; nothing here auto-selects an entry.
func (c *Controller) Candidates() []Candidate {
	state := c.st.Read()

	activeWorkspaces := make(map[string]bool)
	for _, ref := range c.local() {
		activeWorkspaces[ref.WorkspacePath] = true
	}

	var recoverable []Candidate
	for id, rec := range state.Windows {
		if id == c.st.WindowID() || !c.st.IsStale(rec) {
			for _, ref := range rec.Terminals {
				activeWorkspaces[ref.WorkspacePath] = true
			}
			continue
		}
		for _, ref := range rec.Terminals {
			cand := Candidate{
				SessionID:     ref.SessionID,
				WorkspacePath: ref.WorkspacePath,
				Source:        Recoverable,
			}
			// A crashed window may predate session binding. Fall back
			// to the workspace's most recent transcript so the entry
			// stays resumable by explicit id.
			if cand.SessionID == "" {
				cand.SessionID, cand.LastEventTime = c.latestSessionFor(ref.WorkspacePath)
			} else if rec := c.sessionByID(cand.SessionID); rec != nil {
				cand.GitBranch = rec.GitBranch
				cand.LastEventTime = rec.LastEventTime
			}
			if cand.SessionID == "" {
				statusLog.Warn("recoverable_terminal_without_session",
					slog.String("workspace", ref.WorkspacePath))
				continue
			}
			recoverable = append(recoverable, cand)
		}
	}

	var resumable []Candidate
	seen := make(map[string]bool, len(recoverable))
	for _, cand := range recoverable {
		seen[cand.SessionID] = true
	}
	for _, rec := range c.sessionRecords() {
		if seen[rec.SessionID] || !c.isResumable(rec, activeWorkspaces) {
			continue
		}
		resumable = append(resumable, Candidate{
			SessionID:     rec.SessionID,
			WorkspacePath: rec.WorkspacePath,
			GitBranch:     rec.GitBranch,
			LastEventTime: rec.LastEventTime,
			Source:        Resumable,
		})
	}

	sortNewestFirst(recoverable)
	sortNewestFirst(resumable)
	return append(recoverable, resumable...)
}

// FilterCandidates narrows the picker list by a fuzzy query over workspace
// path, branch and session id. An empty query returns the full list.
func (c *Controller) FilterCandidates(query string) []Candidate {
	all := c.Candidates()
	if query == "" {
		return all
	}

	haystack := make([]string, len(all))
	for i, cand := range all {
		haystack[i] = cand.WorkspacePath + " " + cand.GitBranch + " " + cand.SessionID
	}
	matches := fuzzy.Find(query, haystack)

	filtered := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		filtered = append(filtered, all[m.Index])
	}
	return filtered
}

func (c *Controller) latestSessionFor(workspacePath string) (string, time.Time) {
	for _, rec := range c.sessionRecords() {
		if rec.WorkspacePath == workspacePath {
			return rec.SessionID, rec.LastEventTime
		}
	}
	return "", time.Time{}
}

func (c *Controller) sessionByID(sessionID string) *transcript.SessionRecord {
	for _, rec := range c.sessionRecords() {
		if rec.SessionID == sessionID {
			return &rec
		}
	}
	return nil
}

func sortNewestFirst(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].LastEventTime.After(cands[j].LastEventTime)
	})
}
