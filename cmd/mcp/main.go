package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/makeict/mcp/core"
	"github.com/makeict/mcp/plugins"
)

var version = "dev"

func main() {
	var configPath = flag.String("config", "/etc/mcp/config.toml", "Path to configuration file")
	var showVer = flag.Bool("version", false, "Show version information")
	var help = flag.Bool("help", false, "Show help information")

	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if *showVer {
		showVersion()
		return
	}

	// Create and start daemon
	daemon, err := core.NewDaemon(*configPath, plugins.Builtin())
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}

	if err := daemon.Start(); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
}

func showHelp() {
	fmt.Println("Master Control Program")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mcp [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config string    Path to configuration file (default \"/etc/mcp/config.toml\")")
	fmt.Println("  -version          Show version information")
	fmt.Println("  -help             Show this help message")
	fmt.Println()
	fmt.Println("Every [core], [database], [serial] and [http] setting can be overridden")
	fmt.Println("with an MCP_<SECTION>_<KEY> environment variable, e.g. MCP_SERIAL_DEVICE.")
}

func showVersion() {
	fmt.Println("Master Control Program")
	fmt.Println("Version:", version)
}
