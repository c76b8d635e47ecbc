package health

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds one external health-check run.
const DefaultProbeTimeout = 10 * time.Second

// Prober reduces the application's health to a single boolean. The
// orchestrator never looks past that boolean.
type Prober interface {
	Probe(ctx context.Context) bool
}

// CommandProber runs an out-of-process health check and maps its exit code
// to healthy/unhealthy. A timeout or non-zero exit is unhealthy.
type CommandProber struct {
	Command string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewCommandProber(command string, timeout time.Duration, lg *slog.Logger) *CommandProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &CommandProber{Command: command, Timeout: timeout, Logger: lg}
}

// Probe implements Prober.
func (p *CommandProber) Probe(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := buildProbeCommand(cctx, p.Command)
	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		p.Logger.Error("health check timed out", "command", p.Command, "timeout", p.Timeout)
		return false
	}
	if err != nil {
		p.Logger.Error("health check failed", "command", p.Command, "err", err)
		return false
	}
	p.Logger.Info("health check passed")
	return true
}

func buildProbeCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/false")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], args...)
}
