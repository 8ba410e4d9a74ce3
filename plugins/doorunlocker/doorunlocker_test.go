package doorunlocker

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/makeict/mcp/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type command struct {
	client   int
	function byte
	data     []byte
}

type fakeCore struct {
	clients    map[int]api.Client
	options    map[string]string
	commands   []command
	broadcasts []api.Event
	audits     []api.AuditEntry
	tags       map[string]bool
	authorized bool
	auditErr   error
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		clients: map[int]api.Client{},
		options: map[string]string{OptionCheckDirectory: ""},
		tags:    map[string]bool{},
	}
}

func (c *fakeCore) Broadcast(source, name string, payload map[string]interface{}) error {
	c.broadcasts = append(c.broadcasts, api.Event{Source: source, Name: name, Payload: payload})
	return nil
}

func (c *fakeCore) EmitEvent(e api.Event) error { return c.Broadcast(e.Source, e.Name, e.Payload) }

func (c *fakeCore) GetOptions(context.Context, string) (map[string]string, error) {
	return c.options, nil
}

func (c *fakeCore) SetOption(_ context.Context, _, option, value string) error {
	c.options[option] = value
	return nil
}

func (c *fakeCore) GetClient(_ context.Context, id int) (api.Client, error) {
	client, ok := c.clients[id]
	if !ok {
		return api.Client{}, api.ErrNotFound
	}
	return client, nil
}

func (c *fakeCore) ClientsUsing(_ context.Context, plugin string) ([]api.Client, error) {
	var out []api.Client
	for _, client := range c.clients {
		if client.UsesPlugin(plugin) {
			out = append(out, client)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *fakeCore) SendCommand(clientID int, function byte, data []byte) {
	c.commands = append(c.commands, command{clientID, function, data})
}

func (c *fakeCore) RegisterTag(_ context.Context, tag, _ string) error {
	c.tags[tag] = true
	return nil
}

func (c *fakeCore) DeleteTag(_ context.Context, tag string) error {
	delete(c.tags, tag)
	return nil
}

func (c *fakeCore) Authorize(context.Context, string, string) (bool, error) {
	return c.authorized, nil
}

func (c *fakeCore) Audit(_ context.Context, e api.AuditEntry) error {
	if c.auditErr != nil {
		return c.auditErr
	}
	c.audits = append(c.audits, e)
	return nil
}

func (c *fakeCore) GetLogger(string) api.Logger { return api.NopLogger() }

// setClient stores a door client with the given tag and duration ("" leaves them unset)
func (c *fakeCore) setClient(id int, tag, duration string) {
	opts := []api.Option{
		{Name: OptionUnlockDuration, Type: api.OptionNumber, Ordinal: 0, Value: duration, HasValue: duration != ""},
		{Name: OptionAuthorizationTag, Type: api.OptionText, Ordinal: 1, Value: tag, HasValue: tag != ""},
	}
	c.clients[id] = api.Client{ID: id, Name: "door", Plugins: map[string][]api.Option{Name: opts}}
}

func newPlugin(t *testing.T) (*Plugin, *fakeCore) {
	t.Helper()
	core := newFakeCore()
	p := New()
	require.NoError(t, p.Initialize(core))
	return p, core
}

func scanEvent(from int, credential string) api.Event {
	return api.Event{
		Source: "Super Serial",
		Name:   api.EventSerialDataReceived,
		Payload: map[string]interface{}{
			"to":       0,
			"from":     from,
			"function": int(api.FunctionNFC),
			"data":     credential,
		},
	}
}

func TestDecide(t *testing.T) {
	assert.Equal(t, Granted, Decide("04a1b2", "04a1b2"))
	assert.Equal(t, Granted, Decide(" 04A1B2 ", "04a1b2"))
	assert.Equal(t, Denied, Decide("04a1b3", "04a1b2"))
	assert.Equal(t, Denied, Decide("", ""), "absent configuration denies")
	assert.Equal(t, Denied, Decide("04a1b2", ""))
	assert.Equal(t, Denied, Decide("", "04a1b2"))
}

func TestGrantedScan(t *testing.T) {
	p, core := newPlugin(t)
	core.setClient(4, "04a1b2", "7")

	require.NoError(t, p.HandleEvent(scanEvent(4, "04a1b2")))

	require.Len(t, core.commands, 1)
	assert.Equal(t, command{4, api.FunctionUnlock, []byte{7}}, core.commands[0])

	require.Len(t, core.broadcasts, 1)
	assert.Equal(t, api.EventDoorUnlocked, core.broadcasts[0].Name)
	assert.Equal(t, 4, core.broadcasts[0].Payload["client"])

	require.Len(t, core.audits, 1)
	assert.Equal(t, api.AuditUnlock, core.audits[0].Type)
	assert.Equal(t, "04a1b2", core.audits[0].Credential)
}

func TestDeniedScan(t *testing.T) {
	p, core := newPlugin(t)
	core.setClient(4, "04a1b2", "7")

	outcome, err := p.HandleScan(context.Background(), 4, "ffffff")
	require.NoError(t, err)
	assert.Equal(t, Denied, outcome)

	assert.Empty(t, core.commands)
	assert.Empty(t, core.broadcasts)
	require.Len(t, core.audits, 1)
	assert.Equal(t, api.AuditDeny, core.audits[0].Type)
}

func TestDefaultDuration(t *testing.T) {
	for _, duration := range []string{"", "0", "900", "soon"} {
		p, core := newPlugin(t)
		core.setClient(4, "aa", duration)

		outcome, err := p.HandleScan(context.Background(), 4, "aa")
		require.NoError(t, err)
		require.Equal(t, Granted, outcome)
		assert.Equal(t, []byte{DefaultUnlockDuration}, core.commands[0].data, "duration %q", duration)
	}
}

func TestUnknownClientDenied(t *testing.T) {
	p, core := newPlugin(t)

	outcome, err := p.HandleScan(context.Background(), 9, "aa")
	require.NoError(t, err)
	assert.Equal(t, Denied, outcome)
	assert.Empty(t, core.commands)
	require.Len(t, core.audits, 1)
	assert.Equal(t, api.AuditDeny, core.audits[0].Type)
}

func TestClientWithoutPluginDenied(t *testing.T) {
	p, core := newPlugin(t)
	core.clients[4] = api.Client{ID: 4, Name: "side", Plugins: map[string][]api.Option{}}

	outcome, err := p.HandleScan(context.Background(), 4, "aa")
	require.NoError(t, err)
	assert.Equal(t, Denied, outcome)
}

func TestIgnoresOtherTraffic(t *testing.T) {
	p, core := newPlugin(t)
	core.setClient(4, "aa", "")

	notToHub := scanEvent(4, "aa")
	notToHub.Payload["to"] = 5
	notNFC := scanEvent(4, "aa")
	notNFC.Payload["function"] = int(api.FunctionLock)
	other := api.Event{Name: api.EventDoorUnlocked, Payload: map[string]interface{}{}}

	for _, e := range []api.Event{notToHub, notNFC, other} {
		require.NoError(t, p.HandleEvent(e))
	}
	assert.Empty(t, core.audits)
	assert.Empty(t, core.commands)
}

func TestSocketShapedPayload(t *testing.T) {
	p, core := newPlugin(t)
	core.setClient(4, "aa", "")

	e := scanEvent(4, "aa")
	e.Payload["to"] = float64(0)
	e.Payload["from"] = float64(4)
	e.Payload["function"] = float64(3)
	require.NoError(t, p.HandleEvent(e))
	require.Len(t, core.audits, 1)
	assert.Equal(t, api.AuditUnlock, core.audits[0].Type)
}

func TestUserDirectoryCheck(t *testing.T) {
	p, core := newPlugin(t)
	core.setClient(4, "members", "")
	core.authorized = true

	outcome, err := p.HandleScan(context.Background(), 4, "04a1b2")
	require.NoError(t, err)
	assert.Equal(t, Denied, outcome, "directory is not consulted unless enabled")

	core.options[OptionCheckDirectory] = "true"
	outcome, err = p.HandleScan(context.Background(), 4, "04a1b2")
	require.NoError(t, err)
	assert.Equal(t, Granted, outcome)
	assert.Len(t, core.commands, 1)
}

func TestAuditFailureSurfaces(t *testing.T) {
	p, core := newPlugin(t)
	core.setClient(4, "aa", "")
	core.auditErr = &api.PersistenceError{Op: "append audit", Err: errors.New("disk full")}

	outcome, err := p.HandleScan(context.Background(), 4, "aa")
	assert.Equal(t, Granted, outcome)
	var perr *api.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestTagBookkeepingRemovesUnusedTag(t *testing.T) {
	p, core := newPlugin(t)
	ctx := context.Background()
	core.tags["old"] = true
	core.setClient(4, "new", "")

	require.NoError(t, p.OptionUpdated(ctx, 4, OptionAuthorizationTag, "old", "new"))
	assert.Equal(t, map[string]bool{"new": true}, core.tags)
}

func TestTagBookkeepingKeepsSharedTag(t *testing.T) {
	p, core := newPlugin(t)
	ctx := context.Background()
	core.tags["old"] = true
	core.setClient(4, "new", "")
	core.setClient(5, "old", "")

	require.NoError(t, p.OptionUpdated(ctx, 4, OptionAuthorizationTag, "old", "new"))
	assert.Equal(t, map[string]bool{"old": true, "new": true}, core.tags)
}

func TestTagBookkeepingNormalizesTags(t *testing.T) {
	p, core := newPlugin(t)
	ctx := context.Background()
	core.setClient(4, "abc", "")
	core.setClient(5, " ABC ", "")

	require.NoError(t, p.OptionUpdated(ctx, 5, OptionAuthorizationTag, "", " ABC "))
	assert.Equal(t, map[string]bool{"abc": true}, core.tags)

	require.NoError(t, p.OptionUpdated(ctx, 4, OptionAuthorizationTag, "abc", "ABC"))
	assert.Equal(t, map[string]bool{"abc": true}, core.tags, "case-only change keeps the tag")

	core.setClient(4, "def", "")
	require.NoError(t, p.OptionUpdated(ctx, 4, OptionAuthorizationTag, "ABC", "def"))
	assert.Equal(t, map[string]bool{"abc": true, "def": true}, core.tags, "tag still used by client 5 in another case")
}

func TestTagBookkeepingIgnoresOtherOptions(t *testing.T) {
	p, core := newPlugin(t)
	core.tags["3"] = true

	require.NoError(t, p.OptionUpdated(context.Background(), 4, OptionUnlockDuration, "3", "5"))
	assert.Equal(t, map[string]bool{"3": true}, core.tags)
}

func TestClientActions(t *testing.T) {
	p, core := newPlugin(t)
	core.setClient(4, "aa", "9")
	core.setClient(5, "bb", "")

	var out bytes.Buffer
	actx := api.ActionContext{Context: context.Background(), Output: &out}

	actions := map[string]api.ClientAction{}
	for _, a := range p.ClientActions() {
		actions[a.Name] = a
	}
	require.NoError(t, actions["Unlock"].Run(actx, core.clients[4]))
	require.NoError(t, actions["Lock"].Run(actx, core.clients[4]))

	assert.Equal(t, []command{
		{4, api.FunctionUnlock, []byte{9}},
		{4, api.FunctionLock, nil},
	}, core.commands)
	assert.Len(t, core.broadcasts, 1)

	core.commands = nil
	for _, a := range p.Actions() {
		require.NoError(t, a.Run(actx))
	}
	assert.Equal(t, []command{
		{4, api.FunctionUnlock, []byte{9}},
		{5, api.FunctionUnlock, []byte{DefaultUnlockDuration}},
		{4, api.FunctionLock, nil},
		{5, api.FunctionLock, nil},
	}, core.commands)
}

func TestRepeatedDenialsResetOnGrant(t *testing.T) {
	p, core := newPlugin(t)
	core.setClient(4, "aa", "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.HandleScan(ctx, 4, "zz")
		require.NoError(t, err)
	}
	entry, ok := p.denials.Get("4")
	require.True(t, ok)
	assert.Equal(t, 3, entry.HitCount)

	_, err := p.HandleScan(ctx, 4, "aa")
	require.NoError(t, err)
	_, ok = p.denials.Get("4")
	assert.False(t, ok)
}
