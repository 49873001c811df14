package host

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ExecProbe inspects process trees with pgrep/ps. It is the production
// ProcessProbe on Unix-like systems.
type ExecProbe struct{}

// NewExecProbe returns a pgrep/ps backed probe.
func NewExecProbe() *ExecProbe {
	return &ExecProbe{}
}

// Descendants returns every process below pid (children, grandchildren, ...)
// with its full command line. A vanished process mid-walk just ends that
// branch; a pid that no longer exists yields an empty result, not an error.
func (p *ExecProbe) Descendants(ctx context.Context, pid int) ([]Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}

	// Breadth-first walk via pgrep -P, the same shape tmux pane teardown uses
	var pids []int
	queue := []int{pid}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		out, err := exec.CommandContext(ctx, "pgrep", "-P", strconv.Itoa(parent)).Output()
		if err != nil {
			// pgrep exits 1 for "no children"; any failure ends this branch
			continue
		}
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			child, err := strconv.Atoi(strings.TrimSpace(line))
			if err != nil || child <= 0 {
				continue
			}
			pids = append(pids, child)
			queue = append(queue, child)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if len(pids) == 0 {
		return nil, nil
	}

	procs := make([]Process, 0, len(pids))
	for _, child := range pids {
		out, err := exec.CommandContext(ctx, "ps", "-p", strconv.Itoa(child), "-o", "args=").Output()
		if err != nil {
			continue // exited between the walk and the ps call
		}
		cmdline := strings.TrimSpace(string(out))
		if cmdline == "" {
			continue
		}
		procs = append(procs, Process{PID: child, Command: cmdline})
	}
	return procs, nil
}
