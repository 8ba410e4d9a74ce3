// Package systemtools exposes host maintenance actions: reading the service
// journal, reporting host status, and restarting or powering off the machine.
package systemtools

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/makeict/mcp/api"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	Name                = "System Tools"
	OptionLogLineLimit  = "Log line limit"
	ServiceUnit         = "master-control-program"
	statusQueryDeadline = 5 * time.Second
)

// CommandRunner runs an external command, streaming its stdout to out
type CommandRunner interface {
	Run(ctx context.Context, out io.Writer, name string, args ...string) error
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, out io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

// Status is a point-in-time host summary
type Status struct {
	Hostname   string
	Platform   string
	Kernel     string
	Uptime     time.Duration
	MemTotal   uint64
	MemUsed    uint64
	MemPercent float64
	Load1      float64
	Load5      float64
	Load15     float64
}

// Plugin is the system tools plugin
type Plugin struct {
	core   api.CoreAPI
	logger api.Logger
	runner CommandRunner
	status func(ctx context.Context) (Status, error)
}

// New creates the plugin. A nil runner uses ExecRunner.
func New(runner CommandRunner) *Plugin {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Plugin{runner: runner, status: hostStatus}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Options() []api.OptionSpec {
	return []api.OptionSpec{{Name: OptionLogLineLimit, Type: api.OptionNumber}}
}

func (p *Plugin) Actions() []api.Action {
	return []api.Action{
		{Name: "Download log", Run: p.downloadLog},
		{Name: "System status", Run: p.systemStatus},
		{Name: "Restart MCP", Run: p.command("Server will now restart", "systemctl", "restart", ServiceUnit)},
		{Name: "Reboot server", Run: p.command("System will now reboot", "reboot")},
		{Name: "Shutdown server", Run: p.command("System will now power off", "poweroff")},
	}
}

func (p *Plugin) Initialize(core api.CoreAPI) error {
	p.core = core
	p.logger = core.GetLogger("system-tools")
	return nil
}

func (p *Plugin) Shutdown() error { return nil }

// journalArgs builds the journalctl arguments, honouring a positive line limit
func journalArgs(limit string) []string {
	args := []string{"-u", ServiceUnit, "--no-pager"}
	if n, err := strconv.Atoi(limit); err == nil && n > 0 {
		args = append(args, "-n", strconv.Itoa(n))
	}
	return args
}

func (p *Plugin) downloadLog(actx api.ActionContext) error {
	opts, err := p.core.GetOptions(actx.Context, Name)
	if err != nil {
		return err
	}
	if err := p.runner.Run(actx.Context, actx.Output, "journalctl", journalArgs(opts[OptionLogLineLimit])...); err != nil {
		return err
	}
	p.logger.Info("Systemd log generated")
	return nil
}

func (p *Plugin) systemStatus(actx api.ActionContext) error {
	ctx, cancel := context.WithTimeout(actx.Context, statusQueryDeadline)
	defer cancel()

	s, err := p.status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(actx.Output, "host: %s (%s, kernel %s)\n", s.Hostname, s.Platform, s.Kernel)
	fmt.Fprintf(actx.Output, "uptime: %s\n", s.Uptime)
	fmt.Fprintf(actx.Output, "memory: %d/%d MiB (%.1f%%)\n", s.MemUsed>>20, s.MemTotal>>20, s.MemPercent)
	fmt.Fprintf(actx.Output, "load: %.2f %.2f %.2f\n", s.Load1, s.Load5, s.Load15)
	return nil
}

func (p *Plugin) command(message, name string, args ...string) func(api.ActionContext) error {
	return func(actx api.ActionContext) error {
		p.logger.Warn(message)
		return p.runner.Run(actx.Context, actx.Output, name, args...)
	}
}

func hostStatus(ctx context.Context) (Status, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read memory stats: %w", err)
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read load average: %w", err)
	}

	return Status{
		Hostname:   info.Hostname,
		Platform:   info.Platform + " " + info.PlatformVersion,
		Kernel:     info.KernelVersion,
		Uptime:     time.Duration(info.Uptime) * time.Second,
		MemTotal:   vm.Total,
		MemUsed:    vm.Used,
		MemPercent: vm.UsedPercent,
		Load1:      avg.Load1,
		Load5:      avg.Load5,
		Load15:     avg.Load15,
	}, nil
}
