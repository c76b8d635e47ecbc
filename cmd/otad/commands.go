package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/otad"
	"github.com/loykin/otad/internal/config"
	"github.com/loykin/otad/internal/health"
	"github.com/loykin/otad/internal/logger"
	"github.com/loykin/otad/internal/orchestrator"
)

// command carries the shared wiring used by every subcommand.
type command struct{}

func (command) setup(gf *GlobalFlags) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return cfg, nil, err
	}
	level := slog.LevelInfo
	if gf.Verbose {
		level = slog.LevelDebug
	}
	return cfg, logger.New(level), nil
}

func (c command) daemon(gf *GlobalFlags) (*otad.Daemon, config.Config, *slog.Logger, error) {
	cfg, lg, err := c.setup(gf)
	if err != nil {
		return nil, cfg, nil, err
	}
	d, err := otad.New(cfg, lg)
	return d, cfg, lg, err
}

// Run starts the daemon: REST API and metrics listeners when configured,
// then the continuous update loop until SIGINT/SIGTERM.
func (c command) Run(gf *GlobalFlags, rf RunFlags) error {
	d, cfg, lg, err := c.daemon(gf)
	if err != nil {
		return err
	}

	listen := cfg.Server.Listen
	if rf.Listen != "" {
		listen = rf.Listen
	}
	if listen != "" {
		srv, err := otad.NewHTTPServer(listen, "/api", d)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()
		lg.Info("api listening", "addr", listen)
	}

	metricsListen := cfg.Server.MetricsListen
	if rf.MetricsListen != "" {
		metricsListen = rf.MetricsListen
	}
	if metricsListen != "" {
		if err := otad.RegisterMetricsDefault(); err != nil {
			return err
		}
		go func() {
			if err := otad.ServeMetrics(metricsListen); err != nil {
				lg.Warn("metrics server stopped", "error", err)
			}
		}()
		lg.Info("metrics listening", "addr", metricsListen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	lg.Info("daemon starting", "interval", cfg.Interval().String())
	return d.Run(ctx)
}

// Update runs one update cycle and reports the outcome.
func (c command) Update(gf *GlobalFlags, uf UpdateFlags) error {
	d, _, lg, err := c.daemon(gf)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	ctx := context.Background()
	if uf.Bootstrap {
		if err := d.Bootstrap(ctx); err != nil {
			return err
		}
	}
	res := d.UpdateOnce(ctx)
	switch res.Outcome {
	case orchestrator.OutcomeNoOp:
		fmt.Println("no update available")
	case orchestrator.OutcomeCompleted:
		fmt.Printf("updated to %s\n", res.TargetVersion)
	default:
		lg.Error("update failed", "outcome", string(res.Outcome), "stage", string(res.FailedStage), "error", res.Err)
		return fmt.Errorf("update %s at stage %s: %w", res.Outcome, res.FailedStage, res.Err)
	}
	return nil
}

// Rollback restores a snapshot and restarts the application.
func (c command) Rollback(gf *GlobalFlags, rbf RollbackFlags) error {
	d, _, _, err := c.daemon(gf)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if err := d.Rollback(context.Background(), rbf.ID); err != nil {
		return err
	}
	if rbf.ID == "" {
		fmt.Println("restored latest backup")
	} else {
		fmt.Printf("restored backup %s\n", rbf.ID)
	}
	return nil
}

// Backups prints available snapshots, newest first.
func (c command) Backups(gf *GlobalFlags) error {
	d, _, _, err := c.daemon(gf)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	infos, err := d.Backups()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no backups")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%s\t%s\n", info.ID, info.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// Status prints the deployed version and orchestrator state.
func (c command) Status(gf *GlobalFlags) error {
	d, _, _, err := c.daemon(gf)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	fmt.Printf("state: %s\n", d.State())
	v, err := d.CurrentVersion()
	if err != nil {
		return err
	}
	if v == nil {
		fmt.Println("version: none deployed")
		return nil
	}
	fmt.Printf("version: %s\n", v.Version)
	if v.ReleaseNotes != "" {
		fmt.Printf("release notes: %s\n", v.ReleaseNotes)
	}
	return nil
}

// Healthcheck runs the standalone check suite and reports the verdict
// through the exit code (0 healthy, 1 unhealthy).
func (c command) Healthcheck(gf *GlobalFlags, hf HealthcheckFlags) bool {
	cfg, lg, err := c.setup(gf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return false
	}
	timeout := cfg.HealthTimeout()
	if hf.Timeout > 0 {
		timeout = time.Duration(hf.Timeout) * time.Second
	}
	results, healthy := health.Run(health.CheckConfig{
		AppDir:      cfg.AppPath,
		PIDFile:     cfg.App.PIDFile,
		EndpointURL: cfg.HealthURL(),
		Timeout:     timeout,
	}, lg)
	for _, r := range results {
		mark := "ok"
		if !r.OK {
			mark = "fail"
			if !r.Critical {
				mark = "warn"
			}
		}
		line := fmt.Sprintf("%-16s %s", r.Name, mark)
		if r.Detail != "" {
			line += "  " + r.Detail
		}
		fmt.Println(line)
	}
	return healthy
}
