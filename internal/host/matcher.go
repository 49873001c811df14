package host

import "strings"

// Matcher decides whether a terminal title or a process command line belongs
// to the tracked agent CLI. It is deliberately a small, standalone type so the
// matching heuristic stays swappable and testable in isolation.
type Matcher struct {
	name       string
	signatures []string
}

// NewMatcher builds a matcher for the CLI's name token and its command-line
// signatures. An empty signature list falls back to the name.
func NewMatcher(name string, signatures []string) *Matcher {
	if len(signatures) == 0 {
		signatures = []string{name}
	}
	lowered := make([]string, len(signatures))
	for i, s := range signatures {
		lowered[i] = strings.ToLower(s)
	}
	return &Matcher{name: strings.ToLower(name), signatures: lowered}
}

// MatchesTitle is the fast path: does the terminal display name contain the
// CLI's name token. No syscalls.
func (m *Matcher) MatchesTitle(title string) bool {
	return m.name != "" && strings.Contains(strings.ToLower(title), m.name)
}

// MatchesTrackedCLI is the slow-path heuristic applied to a process command
// line obtained from the probe.
func (m *Matcher) MatchesTrackedCLI(commandLine string) bool {
	lower := strings.ToLower(commandLine)
	for _, sig := range m.signatures {
		if sig != "" && strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
