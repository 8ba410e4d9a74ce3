// Package doorunlocker grants or denies door access when a controller
// reports a credential scan, and keeps the authorization tag index in step
// with the tags configured on clients.
package doorunlocker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/makeict/mcp/api"
)

// Plugin and option names
const (
	Name                   = "Door Unlocker"
	OptionCheckDirectory   = "Check user directory"
	OptionUnlockDuration   = "Unlock duration"
	OptionAuthorizationTag = "Authorization tag"
)

// DefaultUnlockDuration applies when a client has no usable duration configured
const DefaultUnlockDuration = 3

// Outcome is the terminal result of an access attempt
type Outcome int

const (
	Denied Outcome = iota
	Granted
)

func (o Outcome) String() string {
	if o == Granted {
		return "granted"
	}
	return "denied"
}

// Decide compares a presented credential with a configured tag.
// Either side being empty denies.
func Decide(credential, tag string) Outcome {
	credential = normalize(credential)
	tag = normalize(tag)
	if credential == "" || tag == "" {
		return Denied
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(tag)) == 1 {
		return Granted
	}
	return Denied
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Plugin is the door unlocker
type Plugin struct {
	core    api.CoreAPI
	logger  api.Logger
	tagMu   sync.Mutex
	denials *api.TimeWindowTracker[string]
	stop    context.CancelFunc
	now     func() time.Time
}

// New creates the door unlocker plugin
func New() *Plugin {
	return &Plugin{now: time.Now}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Options() []api.OptionSpec {
	return []api.OptionSpec{
		{Name: OptionCheckDirectory, Type: api.OptionBoolean},
	}
}

func (p *Plugin) ClientOptions() []api.OptionSpec {
	return []api.OptionSpec{
		{Name: OptionUnlockDuration, Type: api.OptionNumber},
		{Name: OptionAuthorizationTag, Type: api.OptionText},
	}
}

func (p *Plugin) Actions() []api.Action {
	return []api.Action{
		{Name: "Unlock all", Run: p.unlockAll},
		{Name: "Lock all", Run: p.lockAll},
	}
}

func (p *Plugin) ClientActions() []api.ClientAction {
	return []api.ClientAction{
		{Name: "Unlock", Run: p.unlockClient},
		{Name: "Lock", Run: p.lockClient},
	}
}

// Initialize stores the core handle and prepares the repeated-deny tracker
func (p *Plugin) Initialize(core api.CoreAPI) error {
	p.core = core
	p.logger = core.GetLogger("door-unlocker")
	p.denials = api.NewTimeWindowTracker[string](
		api.TimeWindowConfig{TimeWindow: 5 * time.Minute, MaxHits: 5},
		func(key string, entry api.TimeWindowEntry[string]) {
			p.logger.Warn("Repeated denied scans",
				"client", key,
				"denials", entry.HitCount,
				"since", entry.FirstSeen.Format(time.RFC3339),
				"last_credential", entry.Data)
		},
	)
	return nil
}

func (p *Plugin) OnEnable() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	go p.denials.Run(ctx)
	return nil
}

func (p *Plugin) OnDisable() error {
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	return nil
}

func (p *Plugin) Shutdown() error {
	return p.OnDisable()
}

// HandleEvent reacts to credential scans addressed to the hub
func (p *Plugin) HandleEvent(event api.Event) error {
	if event.Name != api.EventSerialDataReceived {
		return nil
	}

	to, ok := intValue(event.Payload["to"])
	if !ok || to != api.HubAddress {
		return nil
	}
	function, ok := intValue(event.Payload["function"])
	if !ok || function != int(api.FunctionNFC) {
		return nil
	}
	from, ok := intValue(event.Payload["from"])
	if !ok {
		return fmt.Errorf("credential scan without sender: %v", event.Payload["from"])
	}
	credential, _ := event.Payload["data"].(string)

	_, err := p.HandleScan(context.Background(), from, credential)
	return err
}

// HandleScan runs one access attempt for a credential presented at a client.
// Granted sends an unlock command, broadcasts door-unlocked and records an
// unlock entry. Denied only records a deny entry.
func (p *Plugin) HandleScan(ctx context.Context, clientID int, credential string) (Outcome, error) {
	credential = normalize(credential)
	logger := p.logger.With("client", clientID)

	var (
		clientName string
		tag        string
		duration   = DefaultUnlockDuration
	)
	client, err := p.core.GetClient(ctx, clientID)
	switch {
	case err == nil && client.UsesPlugin(Name):
		clientName = client.Name
		if opt, ok := client.Option(Name, OptionAuthorizationTag); ok {
			tag = normalize(opt.Value)
		}
		if opt, ok := client.Option(Name, OptionUnlockDuration); ok && opt.HasValue {
			duration = parseDuration(opt.Value)
		}
	case err == nil:
		clientName = client.Name
		logger.Warn("Scan from client not using this plugin")
	case errors.Is(err, api.ErrNotFound):
		logger.Warn("Scan from unknown client")
	default:
		logger.Error("Failed to resolve client", "error", err)
	}

	outcome := Decide(credential, tag)
	if outcome == Denied && tag != "" && p.checkDirectory(ctx) {
		ok, err := p.core.Authorize(ctx, credential, tag)
		if err != nil {
			logger.Error("User directory check failed", "error", err)
		} else if ok {
			outcome = Granted
		}
	}

	entry := api.AuditEntry{
		Timestamp:  p.now().UTC(),
		ClientID:   clientID,
		ClientName: clientName,
		Credential: credential,
	}
	key := strconv.Itoa(clientID)

	if outcome == Granted {
		p.core.SendCommand(clientID, api.FunctionUnlock, []byte{byte(duration)})
		if err := p.core.Broadcast(Name, api.EventDoorUnlocked, map[string]interface{}{
			"client":     clientID,
			"clientName": clientName,
			"duration":   duration,
		}); err != nil {
			logger.Error("Failed to broadcast unlock", "error", err)
		}
		p.denials.Reset(key)
		entry.Type = api.AuditUnlock
		logger.Info("Access granted", "duration", duration)
	} else {
		p.denials.Track(key, credential)
		entry.Type = api.AuditDeny
		logger.Info("Access denied", "credential", credential)
	}

	if err := p.core.Audit(ctx, entry); err != nil {
		return outcome, fmt.Errorf("failed to record %s: %w", entry.Type, err)
	}
	return outcome, nil
}

func (p *Plugin) checkDirectory(ctx context.Context) bool {
	opts, err := p.core.GetOptions(ctx, Name)
	if err != nil {
		p.logger.Error("Failed to read plugin options", "error", err)
		return false
	}
	enabled, _ := strconv.ParseBool(opts[OptionCheckDirectory])
	return enabled
}

// OptionUpdated keeps the authorization tag index in step with client tags.
// The old tag is dropped unless another client using this plugin still has it.
// The scan visits every option of every such client, so its cost grows with
// clients times options; tagMu serializes concurrent updates.
func (p *Plugin) OptionUpdated(ctx context.Context, clientID int, option, oldValue, newValue string) error {
	if option != OptionAuthorizationTag {
		return nil
	}
	oldValue, newValue = normalize(oldValue), normalize(newValue)
	if oldValue == newValue {
		return nil
	}

	p.tagMu.Lock()
	defer p.tagMu.Unlock()

	if oldValue != "" {
		inUse, err := p.tagInUse(ctx, clientID, oldValue)
		if err != nil {
			return err
		}
		if !inUse {
			if err := p.core.DeleteTag(ctx, oldValue); err != nil {
				return fmt.Errorf("failed to delete tag %q: %w", oldValue, err)
			}
			p.logger.Info("Authorization tag removed", "tag", oldValue)
		}
	}

	if newValue != "" {
		if err := p.core.RegisterTag(ctx, newValue, Name); err != nil {
			return fmt.Errorf("failed to register tag %q: %w", newValue, err)
		}
	}
	return nil
}

// tagInUse reports whether a client other than exclude is configured with tag.
// tag must already be normalized.
func (p *Plugin) tagInUse(ctx context.Context, exclude int, tag string) (bool, error) {
	clients, err := p.core.ClientsUsing(ctx, Name)
	if err != nil {
		return false, fmt.Errorf("failed to list clients: %w", err)
	}
	for _, c := range clients {
		if c.ID == exclude {
			continue
		}
		for _, opt := range c.Plugins[Name] {
			if opt.Name == OptionAuthorizationTag && normalize(opt.Value) == tag {
				return true, nil
			}
		}
	}
	return false, nil
}

func (p *Plugin) unlockClient(actx api.ActionContext, client api.Client) error {
	duration := DefaultUnlockDuration
	if opt, ok := client.Option(Name, OptionUnlockDuration); ok && opt.HasValue {
		duration = parseDuration(opt.Value)
	}
	p.core.SendCommand(client.ID, api.FunctionUnlock, []byte{byte(duration)})
	fmt.Fprintf(actx.Output, "unlock sent to %d for %d\n", client.ID, duration)

	return p.core.Broadcast(Name, api.EventDoorUnlocked, map[string]interface{}{
		"client":     client.ID,
		"clientName": client.Name,
		"duration":   duration,
	})
}

func (p *Plugin) lockClient(actx api.ActionContext, client api.Client) error {
	p.core.SendCommand(client.ID, api.FunctionLock, nil)
	fmt.Fprintf(actx.Output, "lock sent to %d\n", client.ID)
	return nil
}

func (p *Plugin) unlockAll(actx api.ActionContext) error {
	clients, err := p.core.ClientsUsing(actx.Context, Name)
	if err != nil {
		return err
	}
	for _, c := range clients {
		duration := DefaultUnlockDuration
		if opt, ok := c.Option(Name, OptionUnlockDuration); ok && opt.HasValue {
			duration = parseDuration(opt.Value)
		}
		p.core.SendCommand(c.ID, api.FunctionUnlock, []byte{byte(duration)})
	}
	fmt.Fprintf(actx.Output, "unlock sent to %d clients\n", len(clients))

	return p.core.Broadcast(Name, api.EventDoorUnlocked, map[string]interface{}{"client": "all"})
}

func (p *Plugin) lockAll(actx api.ActionContext) error {
	clients, err := p.core.ClientsUsing(actx.Context, Name)
	if err != nil {
		return err
	}
	for _, c := range clients {
		p.core.SendCommand(c.ID, api.FunctionLock, nil)
	}
	fmt.Fprintf(actx.Output, "lock sent to %d clients\n", len(clients))
	return nil
}

// parseDuration reads a configured duration, falling back to the default
// when it is not a number in 1..255
func parseDuration(s string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 1 || f > 255 {
		return DefaultUnlockDuration
	}
	return int(f)
}

// intValue accepts the numeric shapes a payload field arrives in
func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
