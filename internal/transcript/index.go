// Package transcript indexes the tracked CLI's append-only session transcript
// files (.jsonl, one self-contained JSON event per line) into lightweight
// session records without ever loading a whole file into memory.
package transcript

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tdimino/agent-watch/internal/logging"
)

var indexLog = logging.ForComponent(logging.CompIndex)

// dirNameRegex matches any character that's not alphanumeric or hyphen.
// The tracked CLI replaces all such characters with hyphens when it derives
// a project directory name from a workspace path.
var dirNameRegex = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// sessionFileRegex matches UUID-named transcript files.
var sessionFileRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.jsonl$`)

// EncodeWorkspaceDir converts a workspace path to the CLI's project directory
// naming format. Example: /Users/me/Code cloud/!Proj -> -Users-me-Code-cloud--Proj
func EncodeWorkspaceDir(path string) string {
	return dirNameRegex.ReplaceAllString(path, "-")
}

// SessionRecord is the derived, read-only summary of one transcript file.
type SessionRecord struct {
	SessionID     string
	WorkspacePath string
	GitBranch     string
	LastEventTime time.Time

	// Resumable is true when the transcript ended without an explicit close
	// marker, meaning the session can be picked up where it left off.
	Resumable bool
}

// event is the subset of transcript line fields the index cares about.
type event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	GitBranch string `json:"gitBranch"`
	Timestamp string `json:"timestamp"`
}

// closeMarkers are event types that end a session explicitly. A transcript
// whose last event is one of these was closed gracefully and is not resumable.
var closeMarkers = map[string]bool{
	"result":      true,
	"session_end": true,
}

const (
	// maxLineBytes bounds a single transcript line; tool results can be large.
	maxLineBytes = 4 * 1024 * 1024

	// headScanLines bounds how far into a file the header scan looks for the
	// session id, workspace path and branch before giving up.
	headScanLines = 50

	// tailChunkBytes is how much of the file end is read to find the last
	// complete event line.
	tailChunkBytes = 256 * 1024
)

// ListSessions scans every project directory under rootDir and returns one
// record per parseable transcript, newest last-event first. A missing root
// yields an empty slice and nil error (fresh install). Malformed transcripts
// are skipped with a logged warning, never fatal to the scan.
func ListSessions(rootDir string) ([]SessionRecord, error) {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []SessionRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		records = append(records, scanProjectDir(filepath.Join(rootDir, entry.Name()))...)
	}

	sortByRecency(records)
	return records, nil
}

// SessionsForWorkspace returns the records for a single workspace path,
// reading only that workspace's project directory.
func SessionsForWorkspace(rootDir, workspacePath string) []SessionRecord {
	records := scanProjectDir(filepath.Join(rootDir, EncodeWorkspaceDir(workspacePath)))
	sortByRecency(records)
	return records
}

func sortByRecency(records []SessionRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastEventTime.After(records[j].LastEventTime)
	})
}

// scanProjectDir parses every session transcript in one project directory.
// Unreadable directories and malformed files yield warnings, not errors.
func scanProjectDir(projectDir string) []SessionRecord {
	files, err := os.ReadDir(projectDir)
	if err != nil {
		if !os.IsNotExist(err) {
			indexLog.Warn("project_dir_unreadable",
				slog.String("dir", projectDir),
				slog.String("error", err.Error()))
		}
		return nil
	}

	var records []SessionRecord
	for _, f := range files {
		name := f.Name()
		// Sub-agent transcripts (agent-*.jsonl) are not user sessions
		if strings.HasPrefix(name, "agent-") || !sessionFileRegex.MatchString(name) {
			continue
		}
		rec, err := ParseFile(filepath.Join(projectDir, name))
		if err != nil {
			indexLog.Warn("transcript_skipped",
				slog.String("file", name),
				slog.String("error", err.Error()))
			continue
		}
		records = append(records, rec)
	}
	return records
}

// ParseFile extracts a SessionRecord from one transcript file. It streams the
// head of the file for identity fields, then reads a bounded tail chunk for
// the last event. The file handle is released on every exit path.
func ParseFile(path string) (SessionRecord, error) {
	rec, err := scanHead(path)
	if err != nil {
		return SessionRecord{}, err
	}

	last, err := scanTail(path)
	if err != nil {
		return SessionRecord{}, err
	}
	if ts, tsErr := time.Parse(time.RFC3339, last.Timestamp); tsErr == nil {
		rec.LastEventTime = ts
	} else if info, statErr := os.Stat(path); statErr == nil {
		// Events without timestamps: fall back to file mtime
		rec.LastEventTime = info.ModTime()
	}
	rec.Resumable = !closeMarkers[last.Type]

	// Fill gaps from the tail event when the head didn't carry them
	if rec.SessionID == "" {
		rec.SessionID = last.SessionID
	}
	if rec.WorkspacePath == "" {
		rec.WorkspacePath = last.Cwd
	}
	if rec.GitBranch == "" {
		rec.GitBranch = last.GitBranch
	}

	if rec.SessionID == "" {
		// Transcript file names are the session UUID
		base := filepath.Base(path)
		rec.SessionID = strings.TrimSuffix(base, ".jsonl")
	}
	if rec.WorkspacePath == "" {
		return SessionRecord{}, &ParseError{Path: path, Reason: "no event carried a workspace path"}
	}
	return rec, nil
}

// ParseError reports an unusable transcript file.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return "transcript " + e.Path + ": " + e.Reason
}

// scanHead streams lines from the start until the identity fields are all
// found, a line budget is exhausted, or EOF.
func scanHead(path string) (SessionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return SessionRecord{}, err
	}
	defer f.Close()

	var rec SessionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for i := 0; i < headScanLines && scanner.Scan(); i++ {
		var ev event
		if json.Unmarshal(scanner.Bytes(), &ev) != nil {
			continue // malformed line, keep scanning
		}
		if rec.SessionID == "" {
			rec.SessionID = ev.SessionID
		}
		if rec.WorkspacePath == "" {
			rec.WorkspacePath = ev.Cwd
		}
		if rec.GitBranch == "" {
			rec.GitBranch = ev.GitBranch
		}
		if rec.SessionID != "" && rec.WorkspacePath != "" && rec.GitBranch != "" {
			break // everything found, stop reading
		}
	}
	if err := scanner.Err(); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

// scanTail reads a bounded chunk from the end of the file and returns the
// last line that parses as an event. A truncated final line (interrupted
// append) is skipped in favor of the previous complete one.
func scanTail(path string) (event, error) {
	f, err := os.Open(path)
	if err != nil {
		return event{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return event{}, err
	}

	size := info.Size()
	offset := size - tailChunkBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return event{}, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return event{}, err
	}

	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var ev event
		if json.Unmarshal([]byte(line), &ev) == nil {
			return ev, nil
		}
	}
	return event{}, &ParseError{Path: path, Reason: "no parseable event in tail"}
}
