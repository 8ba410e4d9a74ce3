package configwatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func startWatcher(t *testing.T, path string) chan *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	reloads := make(chan *config.Config, 4)
	cw, err := NewConfigWatcher(path, cfg, api.NopLogger(), func(c *config.Config) { reloads <- c })
	require.NoError(t, err)
	cw.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return reloads
}

func TestReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.toml")
	writeFile(t, path, "[core]\nlog_level = \"info\"\n[database]\npath = \"x.db\"\n")
	reloads := startWatcher(t, path)

	writeFile(t, path, "[core]\nlog_level = \"debug\"\n[database]\npath = \"x.db\"\n")

	select {
	case cfg := <-reloads:
		assert.Equal(t, "debug", cfg.Core.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after change")
	}
}

func TestInvalidConfigKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.toml")
	writeFile(t, path, "[core]\nlog_level = \"info\"\n")
	reloads := startWatcher(t, path)

	writeFile(t, path, "[core\n")
	select {
	case <-reloads:
		t.Fatal("broken config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, path, "[core]\nlog_level = \"warn\"\n")
	select {
	case cfg := <-reloads:
		assert.Equal(t, "warn", cfg.Core.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after fix")
	}
}

func TestUntrackedFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.toml")
	writeFile(t, path, "[core]\nlog_level = \"info\"\n")
	reloads := startWatcher(t, path)

	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	select {
	case <-reloads:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(300 * time.Millisecond):
	}
}
