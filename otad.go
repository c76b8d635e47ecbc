// Package otad keeps a locally supervised application current: it
// periodically checks a remote repository for a newer release, deploys
// it behind a backup, verifies the result is healthy, and rolls back to
// the last known-good snapshot on any failure.
package otad

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/otad/internal/artifact"
	"github.com/loykin/otad/internal/backup"
	"github.com/loykin/otad/internal/config"
	"github.com/loykin/otad/internal/health"
	"github.com/loykin/otad/internal/metrics"
	"github.com/loykin/otad/internal/orchestrator"
	"github.com/loykin/otad/internal/scheduler"
	iapi "github.com/loykin/otad/internal/server"
	"github.com/loykin/otad/internal/supervisor"
	"github.com/loykin/otad/internal/telemetry"
	"github.com/loykin/otad/internal/telemetry/factory"
	"github.com/loykin/otad/internal/version"
)

// Re-export core types for external consumers.
type (
	Config     = config.Config
	Descriptor = version.Descriptor
	Result     = orchestrator.Result
	BackupInfo = backup.Info
)

// LoadConfig reads the TOML configuration; a missing file yields the
// documented defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Daemon wires the update orchestration together: remote source, backup
// store, artifact fetcher, process supervisor, health prober, telemetry
// sink, and the continuous scheduler driving them.
type Daemon struct {
	cfg     config.Config
	logger  *slog.Logger
	source  *artifact.GitHubSource
	fetcher *artifact.Fetcher
	backups *backup.Manager
	sup     *supervisor.Supervisor
	prober  health.Prober
	sink    telemetry.Sink
	updater *orchestrator.Updater
	sched   *scheduler.Scheduler
}

// New builds a Daemon from a resolved configuration.
func New(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink, err := newSink(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	src := artifact.NewGitHubSource(cfg.RepoOwner, cfg.RepoName, cfg.AccessToken)
	staging := filepath.Join(filepath.Dir(filepath.Clean(cfg.AppPath)), ".staging")
	fetcher := artifact.NewFetcher(src, cfg.RemoteRoot, cfg.AppPath, staging, logger)
	backups := backup.NewManager(cfg.AppPath, cfg.BackupPath, logger)

	sup := supervisor.New(supervisor.Spec{
		Name:       "app",
		AppDir:     cfg.AppPath,
		Entrypoint: cfg.App.Entrypoint,
		Command:    cfg.App.Command,
		Manifest:   cfg.App.Manifest,
		Installer:  cfg.App.Installer,
		PIDFile:    cfg.App.PIDFile,
		StopGrace:  cfg.StopGrace(),
		Log:        cfg.Log,
	}, logger)

	var prober health.Prober
	if cfg.Health.Command != "" {
		prober = health.NewCommandProber(cfg.Health.Command, cfg.HealthTimeout(), logger)
	} else {
		prober = health.NewEndpointProber(cfg.HealthURL(), cfg.HealthTimeout(), logger)
	}

	versionSource := &remoteVersions{src: src, root: cfg.RemoteRoot}
	updater := orchestrator.New(cfg.AppPath, versionSource, backups, fetcher, sup, prober, sink, logger)
	sched := scheduler.New(cfg.Interval(), updater, sup, backups, prober, logger)

	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		source:  src,
		fetcher: fetcher,
		backups: backups,
		sup:     sup,
		prober:  prober,
		sink:    sink,
		updater: updater,
		sched:   sched,
	}, nil
}

// remoteVersions adapts the GitHub source to the orchestrator's
// VersionSource by pinning the remote root directory.
type remoteVersions struct {
	src  *artifact.GitHubSource
	root string
}

func (r *remoteVersions) LatestVersion(ctx context.Context) (*version.Descriptor, error) {
	return r.src.LatestVersion(ctx, r.root)
}

// newSink builds the telemetry sink from the DSN, injecting the
// configured bucket into blob DSNs that don't carry one in their path.
func newSink(tc config.TelemetryConfig) (telemetry.Sink, error) {
	dsn := tc.DSN
	if tc.Bucket != "" && strings.HasPrefix(strings.ToLower(dsn), "blob+") {
		if u, err := url.Parse(strings.TrimPrefix(dsn, "blob+")); err == nil && strings.Trim(u.Path, "/") == "" {
			u.Path = "/" + tc.Bucket
			dsn = "blob+" + u.String()
		}
	}
	return factory.NewSinkFromDSN(dsn)
}

// Run starts the supervised application and blocks inside the update
// loop until ctx is cancelled. A failed initial start is not fatal: the
// scheduler's self-heal pass keeps retrying.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Bootstrap(ctx); err != nil {
		d.logger.Warn("bootstrap download failed", "error", err)
	}
	if err := d.sup.Start(); err != nil {
		d.logger.Warn("initial start failed", "error", err)
	}
	d.sched.Run(ctx)
	return d.Close()
}

// Bootstrap performs an initial artifact download when the deployed
// entrypoint is absent (first boot of an empty device). It is a no-op
// when the application is already on disk or no entrypoint is declared.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	if d.cfg.App.Entrypoint == "" {
		return nil
	}
	entry := filepath.Join(d.cfg.AppPath, d.cfg.App.Entrypoint)
	if _, err := os.Stat(entry); err == nil {
		return nil
	}
	d.logger.Info("entrypoint absent, downloading initial artifact", "entrypoint", entry)
	return d.fetcher.Download(ctx)
}

// UpdateOnce runs a single update cycle to a terminal result.
func (d *Daemon) UpdateOnce(ctx context.Context) orchestrator.Result {
	return d.updater.Run(ctx)
}

// Rollback restores a snapshot (latest when id is empty) and restarts
// the application.
func (d *Daemon) Rollback(_ context.Context, id string) error {
	if err := d.sup.Stop(); err != nil {
		d.logger.Warn("stop before rollback failed", "error", err)
	}
	if err := d.backups.Restore(id); err != nil {
		return err
	}
	return d.sup.Start()
}

// State reports the orchestrator's position in the update state machine.
func (d *Daemon) State() orchestrator.State { return d.updater.State() }

// CurrentVersion reads the deployed version descriptor; nil when the
// application carries none.
func (d *Daemon) CurrentVersion() (*version.Descriptor, error) {
	return version.Load(d.cfg.AppPath)
}

// Backups lists available snapshots, newest first.
func (d *Daemon) Backups() ([]backup.Info, error) { return d.backups.List() }

// Healthy probes the supervised application once.
func (d *Daemon) Healthy(ctx context.Context) bool { return d.prober.Probe(ctx) }

// Close releases the telemetry sink if it holds resources.
func (d *Daemon) Close() error {
	if c, ok := d.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// NewHTTPServer starts the daemon's REST API on addr.
func NewHTTPServer(addr, basePath string, d *Daemon) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, d)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It blocks in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

// ErrNoBackups is returned by Rollback when no snapshot exists.
var ErrNoBackups = backup.ErrNoBackups

var _ iapi.Controller = (*Daemon)(nil)
