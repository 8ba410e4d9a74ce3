package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/config"
	"github.com/makeict/mcp/core/serial"
	"github.com/makeict/mcp/core/store"
	"github.com/makeict/mcp/plugins"
	"github.com/makeict/mcp/plugins/doorunlocker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const daemonConfig = `
[core]
log_level = "error"
socket_path = %q
pid_file = %q
plugin_dir = %q

[database]
path = %q

[plugins."Door Unlocker"]
enabled = true

[[client]]
id = 4
name = "Front door"
plugins = ["Door Unlocker"]

[client.options."Door Unlocker"]
"Authorization tag" = "04a1b2"
"Unlock duration" = 5
`

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()

	// unix socket paths must stay short
	sockDir, err := os.MkdirTemp("", "mcp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	path := filepath.Join(dir, "mcp.toml")
	body := fmt.Sprintf(daemonConfig,
		filepath.Join(sockDir, "mcp.sock"),
		filepath.Join(dir, "mcp.pid"),
		filepath.Join(dir, "plugins"),
		filepath.Join(dir, "db", "mcp.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	d, err := NewDaemon(path, plugins.Builtin())
	require.NoError(t, err)
	require.NoError(t, d.setup(context.Background()))
	t.Cleanup(d.teardown)
	return d
}

func scan(t *testing.T, d *Daemon, from byte, uid []byte) {
	t.Helper()
	frame := &serial.Frame{To: api.HubAddress, From: from, Function: api.FunctionNFC, Data: uid}
	require.NoError(t, d.eventBus.Broadcast(SerialSource, api.EventSerialDataReceived, frame.EventPayload()))
}

func TestSetupAppliesConfiguration(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	enabled, err := d.registry.IsEnabled(ctx, doorunlocker.Name)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Contains(t, d.eventBus.Subscribers(), doorunlocker.Name)

	c, err := d.GetClient(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "Front door", c.Name)

	has, err := d.store.HasTag(ctx, "04a1b2")
	require.NoError(t, err)
	assert.True(t, has, "configured client tag is indexed")

	infos, err := d.registry.ListPlugins(ctx)
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{doorunlocker.Name, "System Tools"}, names)
}

func TestScanFlowsThroughBus(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	scan(t, d, 4, []byte{0x04, 0xA1, 0xB2})
	scan(t, d, 4, []byte{0xFF})

	entries, err := d.store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// newest first
	assert.Equal(t, api.AuditDeny, entries[0].Type)
	assert.Equal(t, api.AuditUnlock, entries[1].Type)
	assert.Equal(t, 4, entries[1].ClientID)
	assert.Equal(t, "Front door", entries[1].ClientName)
}

func TestAuthorizeUsesUserDirectory(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	require.NoError(t, d.RegisterTag(ctx, "members", doorunlocker.Name))
	id, err := d.store.AddUser(ctx, store.User{Email: "ada@example.org", Credential: "04A1B3"})
	require.NoError(t, err)

	ok, err := d.Authorize(ctx, "04a1b3", "members")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.store.GrantTag(ctx, id, "members"))
	ok, err = d.Authorize(ctx, "04a1b3", "members")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReloadAppliesPluginState(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	off := false
	cfg.Core.LogLevel = "error"
	cfg.Plugins[doorunlocker.Name] = config.PluginConfig{Enabled: &off}
	d.reload(cfg)

	enabled, err := d.registry.IsEnabled(ctx, doorunlocker.Name)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.NotContains(t, d.eventBus.Subscribers(), doorunlocker.Name)

	scan(t, d, 4, []byte{0x04, 0xA1, 0xB2})
	entries, err := d.store.ListAudit(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "disabled plugin does not react to scans")
}

func TestPIDFile(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.createPIDFile())
	err := d.createPIDFile()
	assert.ErrorContains(t, err, "already running")

	d.removePIDFile()
	_, err = os.Stat(d.config.Core.PIDFile)
	assert.True(t, os.IsNotExist(err))
}
