package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, cfg.StaleThreshold())
	assert.Equal(t, 12*time.Hour, cfg.ResumableWindow())
	assert.Equal(t, "claude", cfg.CLI.Name)
	assert.Equal(t, []string{"claude"}, cfg.CLISignatures())
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `
[heartbeat]
interval_secs = 5
stale_multiplier = 4

[sessions]
resumable_window_hours = 6

[cli]
name = "mycli"
signatures = ["mycli", "node mycli"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := LoadFrom(path)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 20*time.Second, cfg.StaleThreshold())
	assert.Equal(t, 6*time.Hour, cfg.ResumableWindow())
	assert.Equal(t, "mycli", cfg.CLI.Name)
	assert.Equal(t, []string{"mycli", "node mycli"}, cfg.CLISignatures())

	// Untouched sections keep defaults
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "~/.claude", cfg.Sessions.ConfigDir)
}

func TestLoadFromMalformedFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[heartbeat\ninterval ="), 0o644))

	cfg := LoadFrom(path)
	assert.Equal(t, Default(), cfg)
}

func TestPartialConfigBackfillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[heartbeat]\ninterval_secs = 2\n"), 0o644))

	cfg := LoadFrom(path)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 3, cfg.Heartbeat.StaleMultiplier)
	assert.Equal(t, "claude", cfg.CLI.Name)
}

func TestHomeDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHomeDir, dir)

	got, err := HomeDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandTilde("~/x"))
	assert.Equal(t, home, ExpandTilde("~"))
	assert.Equal(t, "/abs/path", ExpandTilde("/abs/path"))
	// Traversal out of home is rejected and left as-is
	assert.Equal(t, "~/../../etc", ExpandTilde("~/../../etc"))
}
