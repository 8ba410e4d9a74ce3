// Package plugins lists the plugins compiled into the hub
package plugins

import (
	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/plugins/doorunlocker"
	"github.com/makeict/mcp/plugins/systemtools"
)

// Builtin returns fresh instances of every compiled-in plugin
func Builtin() []api.Plugin {
	return []api.Plugin{
		doorunlocker.New(),
		systemtools.New(nil),
	}
}
