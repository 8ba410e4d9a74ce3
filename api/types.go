package api

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event represents a system event. Events are broadcast once and never stored.
type Event struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Well-known event names
const (
	EventSerialDataReceived = "serial-data-received"
	EventDoorUnlocked       = "door-unlocked"
	EventPluginEnabled      = "plugin-enabled"
	EventPluginDisabled     = "plugin-disabled"
)

// Command function codes understood by door controllers
const (
	FunctionUnlock byte = 0x01
	FunctionLock   byte = 0x02
	FunctionNFC    byte = 0x03
)

// HubAddress is the serial address of the control program itself.
const HubAddress = 0

// BroadcastAddress reaches every client on the serial link.
const BroadcastAddress = 0xFF

// OptionType is the declared type of an option value
type OptionType string

const (
	OptionNumber  OptionType = "number"
	OptionText    OptionType = "text"
	OptionBoolean OptionType = "boolean"
)

// ParseOptionType parses a declared option type name
func ParseOptionType(s string) (OptionType, error) {
	switch t := OptionType(strings.ToLower(strings.TrimSpace(s))); t {
	case OptionNumber, OptionText, OptionBoolean:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown option type %q", ErrInvalidValue, s)
}

// Validate checks that value can be read as the option type.
func (t OptionType) Validate(value string) error {
	switch t {
	case OptionText:
		return nil
	case OptionNumber:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrInvalidValue, value)
		}
		return nil
	case OptionBoolean:
		if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, value)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown option type %q", ErrInvalidValue, string(t))
}

// OptionSpec declares an option in a plugin or client option schema
type OptionSpec struct {
	Name string     `json:"name"`
	Type OptionType `json:"type"`
}

// Option is a declared option together with its current value, if any
type Option struct {
	Name     string     `json:"name"`
	Type     OptionType `json:"type"`
	Ordinal  int        `json:"ordinal"`
	Value    string     `json:"value"`
	HasValue bool       `json:"hasValue"`
}

// PluginInfo is the listing view of a registered plugin
type PluginInfo struct {
	Name          string   `json:"name"`
	Enabled       bool     `json:"enabled"`
	Options       []Option `json:"options"`
	ClientOptions []Option `json:"clientOptions"`
	Actions       []string `json:"actions"`
	ClientActions []string `json:"clientActions"`
}

// Client is a physical device together with the plugins it uses.
// Plugins maps a plugin name to that client's ordered option values.
type Client struct {
	ID      int                 `json:"id"`
	Name    string              `json:"name"`
	Plugins map[string][]Option `json:"plugins"`
}

// UsesPlugin reports whether the client is associated with the plugin
func (c Client) UsesPlugin(plugin string) bool {
	_, ok := c.Plugins[plugin]
	return ok
}

// Option returns the named option of one of the client's plugins.
func (c Client) Option(plugin, name string) (Option, bool) {
	for _, opt := range c.Plugins[plugin] {
		if opt.Name == name {
			return opt, true
		}
	}
	return Option{}, false
}

// ActionContext is handed to a running action
type ActionContext struct {
	Context context.Context
	Output  io.Writer
}

// Action is a named server-wide operation exposed by a plugin
type Action struct {
	Name string
	Run  func(actx ActionContext) error
}

// ClientAction is a named operation targeting a single client
type ClientAction struct {
	Name string
	Run  func(actx ActionContext, client Client) error
}

// Audit entry types
const (
	AuditUnlock  = "unlock"
	AuditDeny    = "deny"
	AuditMessage = "message"
	AuditError   = "error"
)

// AuditEntry is one row of the access log
type AuditEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	ClientID   int       `json:"clientId"`
	ClientName string    `json:"clientName"`
	Credential string    `json:"credential"`
	UserID     int64     `json:"userId,omitempty"`
	Message    string    `json:"message"`
}
