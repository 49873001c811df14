package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tdimino/agent-watch/internal/config"
	"github.com/tdimino/agent-watch/internal/host"
	"github.com/tdimino/agent-watch/internal/logging"
	"github.com/tdimino/agent-watch/internal/status"
	"github.com/tdimino/agent-watch/internal/store"
	"github.com/tdimino/agent-watch/internal/window"
)

const Version = "0.3.1"

// Table column widths for sessions command output
const (
	tableColState     = 12
	tableColSession   = 12
	tableColWorkspace = 40
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("agent-watch v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(args[1:])
	case "status":
		handleStatus(args[1:])
	case "sessions", "ls":
		handleSessions(args[1:])
	case "resume":
		handleResume(args[1:])
	case "doctor":
		handleDoctor(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Print(`agent-watch - cross-window session tracking for agent CLIs

Usage:
  agent-watch run [--debug]          Track this window's terminals (long-running)
  agent-watch status [--json]        Show the current session state
  agent-watch sessions [--json] [-f query]
                                     List resumable and recoverable sessions
  agent-watch resume <session-id>    Reopen a session in a new terminal
  agent-watch doctor [--dump-logs]   Check the environment and state file
  agent-watch version                Print version

State lives under ~/.agent-watch (override with AGENT_WATCH_DIR).
`)
}

// initLogging wires file logging under the agent-watch home. Non-run
// commands pass logToFile=false and only keep the in-memory ring buffer.
func initLogging(cfg *config.Config, logToFile bool) {
	lc := logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Debug:  cfg.Log.Debug,
	}
	if logToFile {
		if home, err := config.HomeDir(); err == nil {
			lc.LogDir = filepath.Join(home, "logs")
		}
	}
	logging.Init(lc)
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	quiet := fs.Bool("quiet", false, "do not print state transitions to stdout")
	_ = fs.Parse(args)

	cfg := config.Load()
	if *debug {
		cfg.Log.Debug = true
		cfg.Log.Level = "debug"
	}
	initLogging(cfg, true)
	defer logging.Shutdown()

	onDisplay := func(d status.DisplayState) {
		if !*quiet {
			fmt.Println(d.Label())
		}
	}

	sess, err := window.New(cfg, window.Options{OnDisplay: onDisplay})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !*quiet {
		fmt.Println(sess.Controller().Current().Label())
	}

	<-ctx.Done()
	if err := sess.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		os.Exit(1)
	}
}

// oneShotController builds a read-only view of the shared state for the
// inspection commands. Its window id never appears in the file because
// nothing here writes.
func oneShotController(cfg *config.Config) (*status.Controller, *host.TmuxHost, error) {
	home, err := config.HomeDir()
	if err != nil {
		return nil, nil, err
	}
	st := store.New(filepath.Join(home, store.FileName), fmt.Sprintf("cli-%d", os.Getpid()), os.Getpid(), store.Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		StaleMultiplier:   cfg.Heartbeat.StaleMultiplier,
	})
	th := host.NewTmuxHost()
	ctrl := status.New(st, func() []store.TerminalRef { return nil }, th, status.Options{
		TranscriptsRoot: cfg.TranscriptsRoot(),
		ResumableWindow: cfg.ResumableWindow(),
		CLIName:         cfg.CLI.Name,
	})
	return ctrl, th, nil
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "output as JSON")
	_ = fs.Parse(args)

	cfg := config.Load()
	initLogging(cfg, false)

	ctrl, _, err := oneShotController(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	state := ctrl.Recompute()

	if *jsonOut {
		out, _ := json.MarshalIndent(map[string]any{
			"state":       state.Kind.String(),
			"label":       state.Label(),
			"emphasized":  state.Emphasized(),
			"active":      state.ActiveTerminals,
			"resumable":   state.ResumableSessions,
			"recoverable": state.RecoverableWindows,
		}, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Println(state.Label())
	if state.Kind == status.Recoverable && state.ActiveTerminals > 0 {
		fmt.Printf("  (%d terminals still active; run 'agent-watch sessions' to recover)\n",
			state.ActiveTerminals)
	}
}

func handleSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "output as JSON")
	filter := fs.String("f", "", "fuzzy filter query")
	_ = fs.Parse(args)

	cfg := config.Load()
	initLogging(cfg, false)

	ctrl, _, err := oneShotController(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cands := ctrl.FilterCandidates(*filter)
	if *jsonOut {
		type row struct {
			State     string    `json:"state"`
			SessionID string    `json:"sessionId"`
			Workspace string    `json:"workspace"`
			Branch    string    `json:"branch,omitempty"`
			LastEvent time.Time `json:"lastEvent"`
		}
		rows := make([]row, 0, len(cands))
		for _, c := range cands {
			rows = append(rows, row{
				State:     c.Source.String(),
				SessionID: c.SessionID,
				Workspace: c.WorkspacePath,
				Branch:    c.GitBranch,
				LastEvent: c.LastEventTime,
			})
		}
		out, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(out))
		return
	}

	if len(cands) == 0 {
		fmt.Println("No resumable sessions.")
		return
	}
	fmt.Printf("%-*s %-*s %-*s %s\n",
		tableColState, "STATE", tableColSession, "SESSION", tableColWorkspace, "WORKSPACE", "AGE")
	for _, c := range cands {
		fmt.Printf("%-*s %-*s %-*s %s\n",
			tableColState, c.Source.String(),
			tableColSession, shortID(c.SessionID),
			tableColWorkspace, truncatePath(c.WorkspacePath, tableColWorkspace),
			formatAge(c.LastEventTime))
	}
}

func handleResume(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: agent-watch resume <session-id>")
		os.Exit(1)
	}
	query := fs.Arg(0)

	cfg := config.Load()
	initLogging(cfg, false)

	ctrl, _, err := oneShotController(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Accept a unique session id prefix, but never pick between matches.
	var matches []status.Candidate
	for _, c := range ctrl.Candidates() {
		if strings.HasPrefix(c.SessionID, query) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		fmt.Fprintf(os.Stderr, "No resumable session matches %q. Run 'agent-watch sessions'.\n", query)
		os.Exit(1)
	case 1:
	default:
		fmt.Fprintf(os.Stderr, "%q matches %d sessions; give a longer prefix:\n", query, len(matches))
		for _, c := range matches {
			fmt.Fprintf(os.Stderr, "  %s  %s\n", c.SessionID, c.WorkspacePath)
		}
		os.Exit(1)
	}

	cand := matches[0]
	if err := ctrl.Resume(context.Background(), cand); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Resumed %s in %s\n", shortID(cand.SessionID), cand.WorkspacePath)
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	dumpLogs := fs.Bool("dump-logs", false, "write the in-memory log ring buffer to a file")
	_ = fs.Parse(args)

	cfg := config.Load()
	initLogging(cfg, false)

	ok := true
	check := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Printf("✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("✓ %s\n", name)
	}

	_, tmuxErr := exec.LookPath("tmux")
	check("tmux on PATH", tmuxErr)

	home, homeErr := config.HomeDir()
	check("home directory resolvable", homeErr)

	if homeErr == nil {
		check("home directory writable", checkWritable(home))

		statePath := filepath.Join(home, store.FileName)
		if _, err := os.Stat(statePath); os.IsNotExist(err) {
			fmt.Printf("- %s not created yet (no window has run)\n", store.FileName)
		} else {
			check("state file parseable", checkStateFile(statePath))
		}
	}

	root := cfg.TranscriptsRoot()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		fmt.Printf("- transcript root %s missing (no %s sessions yet)\n", root, cfg.CLI.Name)
	} else {
		check("transcript root readable", checkReadable(root))
	}

	if *dumpLogs && homeErr == nil {
		path := filepath.Join(home, fmt.Sprintf("agent-watch-logs-%s.txt",
			time.Now().Format("20060102-150405")))
		if err := logging.DumpRingBuffer(path); err != nil {
			fmt.Printf("✗ dump logs: %v\n", err)
			ok = false
		} else {
			fmt.Printf("✓ logs dumped to %s\n", path)
		}
	}

	if !ok {
		os.Exit(1)
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkReadable(dir string) error {
	_, err := os.ReadDir(dir)
	return err
}

func checkStateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc struct {
		Windows map[string]json.RawMessage `json:"windows"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncatePath(path string, max int) string {
	if len(path) <= max {
		return path
	}
	return "…" + path[len(path)-max+1:]
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
