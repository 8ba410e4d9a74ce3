package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type update struct {
	client         int
	option         string
	oldVal, newVal string
}

type doorPlugin struct {
	updates []update
	err     error
	panics  bool
}

func (p *doorPlugin) Name() string                      { return "Door" }
func (p *doorPlugin) Options() []api.OptionSpec         { return nil }
func (p *doorPlugin) Actions() []api.Action             { return nil }
func (p *doorPlugin) Initialize(api.CoreAPI) error      { return nil }
func (p *doorPlugin) Shutdown() error                   { return nil }
func (p *doorPlugin) ClientActions() []api.ClientAction { return nil }
func (p *doorPlugin) ClientOptions() []api.OptionSpec {
	return []api.OptionSpec{{Name: "Authorization tag", Type: api.OptionText}}
}

func (p *doorPlugin) OptionUpdated(_ context.Context, clientID int, option, oldValue, newValue string) error {
	if p.panics {
		panic("hook exploded")
	}
	p.updates = append(p.updates, update{clientID, option, oldValue, newValue})
	return p.err
}

type pluginSet map[string]api.Plugin

func (s pluginSet) Plugin(name string) (api.Plugin, bool) {
	p, ok := s[name]
	return p, ok
}

func setup(t *testing.T) (*Directory, *doorPlugin) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.CreatePlugin(ctx, "Door")
	require.NoError(t, err)
	require.NoError(t, st.AddOptions(ctx, store.ScopeClient, "Door", []api.OptionSpec{{Name: "Authorization tag", Type: api.OptionText}}))

	door := &doorPlugin{}
	return NewDirectory(st, pluginSet{"Door": door}, api.NopLogger()), door
}

func TestUpsertRejectsReservedIDs(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()
	assert.ErrorIs(t, dir.Upsert(ctx, 0, "hub"), api.ErrInvalidValue)
	assert.ErrorIs(t, dir.Upsert(ctx, 255, "everyone"), api.ErrInvalidValue)
	assert.NoError(t, dir.Upsert(ctx, 1, "Front"))
}

func TestSetOptionNotifiesPlugin(t *testing.T) {
	dir, door := setup(t)
	ctx := context.Background()
	require.NoError(t, dir.Upsert(ctx, 4, "Front"))
	require.NoError(t, dir.Associate(ctx, 4, "Door"))

	require.NoError(t, dir.SetOption(ctx, 4, "Door", "Authorization tag", "members"))
	require.NoError(t, dir.SetOption(ctx, 4, "Door", "Authorization tag", "staff"))

	assert.Equal(t, []update{
		{4, "Authorization tag", "", "members"},
		{4, "Authorization tag", "members", "staff"},
	}, door.updates)

	c, err := dir.Get(ctx, 4)
	require.NoError(t, err)
	opt, ok := c.Option("Door", "Authorization tag")
	require.True(t, ok)
	assert.Equal(t, "staff", opt.Value)
}

func TestSetOptionHookFailureKeepsValue(t *testing.T) {
	dir, door := setup(t)
	ctx := context.Background()
	require.NoError(t, dir.Upsert(ctx, 4, "Front"))
	require.NoError(t, dir.Associate(ctx, 4, "Door"))

	door.err = errors.New("index unavailable")
	require.NoError(t, dir.SetOption(ctx, 4, "Door", "Authorization tag", "members"))

	door.err = nil
	door.panics = true
	require.NoError(t, dir.SetOption(ctx, 4, "Door", "Authorization tag", "staff"))

	c, err := dir.Get(ctx, 4)
	require.NoError(t, err)
	opt, _ := c.Option("Door", "Authorization tag")
	assert.Equal(t, "staff", opt.Value)
}

func TestSetOptionRequiresAssociation(t *testing.T) {
	dir, door := setup(t)
	ctx := context.Background()
	require.NoError(t, dir.Upsert(ctx, 4, "Front"))

	err := dir.SetOption(ctx, 4, "Door", "Authorization tag", "members")
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.Empty(t, door.updates)
}

func TestUsingAndDisassociate(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()
	for _, id := range []int{2, 3} {
		require.NoError(t, dir.Upsert(ctx, id, ""))
	}
	require.NoError(t, dir.Associate(ctx, 3, "Door"))

	using, err := dir.Using(ctx, "Door")
	require.NoError(t, err)
	require.Len(t, using, 1)
	assert.Equal(t, 3, using[0].ID)

	require.NoError(t, dir.Disassociate(ctx, 3, "Door"))
	assert.ErrorIs(t, dir.Disassociate(ctx, 3, "Door"), api.ErrNotFound)

	all, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
