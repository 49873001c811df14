// Package config loads user-facing configuration for agent-watch from a TOML
// file under the agent-watch home directory (~/.agent-watch by default).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tdimino/agent-watch/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

// FileName is the TOML config file for user preferences.
const FileName = "config.toml"

// EnvHomeDir overrides the agent-watch home directory when set.
const EnvHomeDir = "AGENT_WATCH_DIR"

// Config is the user-facing configuration in TOML format.
type Config struct {
	// Heartbeat controls the liveness signal written to the shared state file.
	Heartbeat HeartbeatSettings `toml:"heartbeat"`

	// Sessions controls transcript indexing and resume eligibility.
	Sessions SessionSettings `toml:"sessions"`

	// CLI identifies the tracked agent CLI among terminal processes.
	CLI CLISettings `toml:"cli"`

	// Log configures the structured debug log.
	Log LogSettings `toml:"log"`
}

// HeartbeatSettings tunes liveness and staleness timing.
// The stale threshold is IntervalSecs * StaleMultiplier; the default 3x
// tolerates a couple of missed beats under transient scheduler delay.
type HeartbeatSettings struct {
	// IntervalSecs is how often a window refreshes its heartbeat (default 10)
	IntervalSecs int `toml:"interval_secs"`

	// StaleMultiplier is how many missed beats mark a window crashed (default 3)
	StaleMultiplier int `toml:"stale_multiplier"`
}

// SessionSettings tunes transcript indexing.
type SessionSettings struct {
	// ResumableWindowHours bounds how old a transcript may be and still be
	// offered for resume (default 12)
	ResumableWindowHours int `toml:"resumable_window_hours"`

	// ConfigDir is the tracked CLI's config home holding transcripts
	// (default ~/.claude)
	ConfigDir string `toml:"config_dir"`
}

// CLISettings identifies the tracked agent CLI.
type CLISettings struct {
	// Name is the CLI's name token, used for fast-path terminal title
	// matching and for building resume commands (default "claude")
	Name string `toml:"name"`

	// Signatures are command-line substrings that identify the CLI on the
	// slow path. Defaults to the name itself.
	Signatures []string `toml:"signatures"`
}

// LogSettings configures the debug log.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Debug  bool   `toml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Heartbeat: HeartbeatSettings{
			IntervalSecs:    10,
			StaleMultiplier: 3,
		},
		Sessions: SessionSettings{
			ResumableWindowHours: 12,
			ConfigDir:            "~/.claude",
		},
		CLI: CLISettings{
			Name: "claude",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// HomeDir returns the agent-watch home directory, creating nothing.
// Priority: AGENT_WATCH_DIR env var, then ~/.agent-watch.
func HomeDir() (string, error) {
	if dir := os.Getenv(EnvHomeDir); dir != "" {
		return ExpandTilde(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agent-watch"), nil
}

// Load reads config.toml from the agent-watch home directory. A missing file
// yields the defaults; a malformed file yields the defaults plus a logged
// warning, never an error that would keep the window from starting.
func Load() *Config {
	dir, err := HomeDir()
	if err != nil {
		configLog.Warn("home_dir_unresolved", slog.String("error", err.Error()))
		return Default()
	}
	return LoadFrom(filepath.Join(dir, FileName))
}

// LoadFrom reads a specific config file path, applying defaults for any
// field left unset.
func LoadFrom(path string) *Config {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			configLog.Warn("config_read_failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return cfg
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		configLog.Warn("config_parse_failed", slog.String("path", path), slog.String("error", err.Error()))
		return Default()
	}

	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Heartbeat.IntervalSecs <= 0 {
		c.Heartbeat.IntervalSecs = d.Heartbeat.IntervalSecs
	}
	if c.Heartbeat.StaleMultiplier <= 0 {
		c.Heartbeat.StaleMultiplier = d.Heartbeat.StaleMultiplier
	}
	if c.Sessions.ResumableWindowHours <= 0 {
		c.Sessions.ResumableWindowHours = d.Sessions.ResumableWindowHours
	}
	if c.Sessions.ConfigDir == "" {
		c.Sessions.ConfigDir = d.Sessions.ConfigDir
	}
	if c.CLI.Name == "" {
		c.CLI.Name = d.CLI.Name
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSecs) * time.Second
}

// StaleThreshold returns the age past which a heartbeat marks its window
// as crashed.
func (c *Config) StaleThreshold() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.Heartbeat.StaleMultiplier)
}

// ResumableWindow returns how old a transcript may be and still be resumable.
func (c *Config) ResumableWindow() time.Duration {
	return time.Duration(c.Sessions.ResumableWindowHours) * time.Hour
}

// TranscriptsRoot returns the directory tree holding per-project transcript
// files for the tracked CLI.
func (c *Config) TranscriptsRoot() string {
	return filepath.Join(ExpandTilde(c.Sessions.ConfigDir), "projects")
}

// CLISignatures returns the command-line substrings identifying the tracked
// CLI, falling back to the CLI name.
func (c *Config) CLISignatures() []string {
	if len(c.CLI.Signatures) > 0 {
		return c.CLI.Signatures
	}
	return []string{c.CLI.Name}
}

// ExpandTilde expands a leading ~ to the user's home directory with path
// traversal protection.
func ExpandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded := filepath.Clean(filepath.Join(home, path[2:]))
			if strings.HasPrefix(expanded, home) {
				return expanded
			}
			configLog.Warn("path_traversal_detected", slog.String("path", path))
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
	}
	return path
}
