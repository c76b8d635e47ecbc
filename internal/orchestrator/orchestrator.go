package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/otad/internal/health"
	"github.com/loykin/otad/internal/metrics"
	"github.com/loykin/otad/internal/telemetry"
	"github.com/loykin/otad/internal/version"
)

// State is the orchestrator's position in the update state machine.
// It is exported through the status API so operators can see what a
// long-running cycle is doing.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingVersion State = "checking_version"
	StateBackingUp       State = "backing_up"
	StateStopping        State = "stopping"
	StateDownloading     State = "downloading"
	StateStarting        State = "starting"
	StateHealthVerifying State = "health_verifying"
	StateCompleted       State = "completed"
	StateRollingBack     State = "rolling_back"
)

// Outcome classifies one update cycle.
type Outcome string

const (
	// OutcomeNoOp means no update was available (or the remote check
	// failed, which is treated conservatively as no update).
	OutcomeNoOp Outcome = "no-op"
	// OutcomeCompleted means the new version is deployed and healthy.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRolledBack means a stage past the backup point failed and
	// the previous snapshot was restored.
	OutcomeRolledBack Outcome = "rolled-back"
	// OutcomeAborted means the cycle stopped before touching the running
	// app (backup failure).
	OutcomeAborted Outcome = "aborted"
)

var errHealthProbeFailed = errors.New("health probe reported unhealthy")

// Result describes what one Run did.
type Result struct {
	Outcome       Outcome
	TargetVersion string
	FailedStage   telemetry.Stage
	Err           error
}

// VersionSource yields the latest remotely published version descriptor.
// A nil descriptor with nil error means the remote has no version file.
type VersionSource interface {
	LatestVersion(ctx context.Context) (*version.Descriptor, error)
}

// Backups is the snapshot store the orchestrator compensates with.
type Backups interface {
	Create(version string) (string, error)
	// Restore with an empty id restores the most recent snapshot.
	Restore(id string) error
}

// Downloader mirrors the remote artifact tree into the app directory.
type Downloader interface {
	Download(ctx context.Context) error
}

// Process controls the supervised application child.
type Process interface {
	Start() error
	Stop() error
}

// Updater runs the multi-stage update transaction: check, backup, stop,
// download, start, verify, and roll back on failure. A single Updater
// serializes its cycles; concurrent Run calls queue behind one mutex.
type Updater struct {
	appDir string
	source VersionSource
	backup Backups
	fetch  Downloader
	proc   Process
	prober health.Prober
	sink   telemetry.Sink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	stMu  sync.Mutex
	state State
}

func New(appDir string, src VersionSource, backup Backups, fetch Downloader, proc Process, prober health.Prober, sink telemetry.Sink, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		appDir: appDir,
		source: src,
		backup: backup,
		fetch:  fetch,
		proc:   proc,
		prober: prober,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		state:  StateIdle,
	}
}

// State reports the current position in the state machine.
func (u *Updater) State() State {
	u.stMu.Lock()
	defer u.stMu.Unlock()
	return u.state
}

func (u *Updater) setState(s State) {
	u.stMu.Lock()
	u.state = s
	u.stMu.Unlock()
}

// Run executes one update cycle and always returns a terminal Result;
// it never leaves the app in a half-deployed state without attempting
// the compensating restore first. A cycle that finds no update emits no
// telemetry record.
func (u *Updater) Run(ctx context.Context) Result {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.setState(StateIdle)

	u.setState(StateCheckingVersion)
	current, err := version.Load(u.appDir)
	if err != nil {
		// Unreadable local descriptor is treated like the bootstrap
		// case: any published remote version wins.
		u.logger.Warn("local version descriptor unreadable", "error", err)
		current = nil
	}
	latest, err := u.source.LatestVersion(ctx)
	if err != nil {
		// Never deploy on incomplete information.
		u.logger.Warn("remote version check failed", "error", err)
		metrics.IncUpdateCheck("error")
		return Result{Outcome: OutcomeNoOp, Err: err}
	}
	if !version.UpdateAvailable(current, latest) {
		metrics.IncUpdateCheck("up_to_date")
		return Result{Outcome: OutcomeNoOp}
	}

	target := latest.Version
	metrics.IncUpdateCheck("update_available")
	u.logger.Info("update available", "current", versionString(current), "target", target)
	u.emit(ctx, telemetry.Record{
		Timestamp:     u.now().UTC(),
		TargetVersion: target,
		Status:        telemetry.StatusStarted,
	})

	u.setState(StateBackingUp)
	backupStart := u.now()
	id, err := u.backup.Create(versionString(current))
	if err != nil {
		// Nothing was touched yet: abort, do not roll back.
		u.logger.Error("backup failed, aborting update", "target", target, "error", err)
		u.emit(ctx, telemetry.Record{
			Timestamp:     u.now().UTC(),
			TargetVersion: target,
			Status:        telemetry.StatusFailed,
			Stage:         telemetry.StageBackup,
			Details:       err.Error(),
		})
		return Result{Outcome: OutcomeAborted, TargetVersion: target, FailedStage: telemetry.StageBackup, Err: err}
	}
	metrics.ObserveStageDuration(string(telemetry.StageBackup), u.now().Sub(backupStart).Seconds())
	u.logger.Debug("backup created", "id", id)

	// Best-effort: the app directory is about to be replaced either way.
	u.setState(StateStopping)
	if err := u.proc.Stop(); err != nil {
		u.logger.Warn("stop before deploy failed", "error", err)
	}

	u.setState(StateDownloading)
	dlStart := u.now()
	if err := u.fetch.Download(ctx); err != nil {
		return u.rollback(ctx, target, telemetry.StageDownload, err)
	}
	metrics.ObserveStageDuration(string(telemetry.StageDownload), u.now().Sub(dlStart).Seconds())

	u.setState(StateStarting)
	if err := u.proc.Start(); err != nil {
		return u.rollback(ctx, target, telemetry.StageStartup, err)
	}

	u.setState(StateHealthVerifying)
	healthy := u.prober.Probe(ctx)
	metrics.IncHealthProbe(healthy)
	if !healthy {
		if err := u.proc.Stop(); err != nil {
			u.logger.Warn("stop of unhealthy deployment failed", "error", err)
		}
		return u.rollback(ctx, target, telemetry.StageHealthCheck, errHealthProbeFailed)
	}

	u.setState(StateCompleted)
	metrics.IncUpdateApplied()
	u.logger.Info("update completed", "version", target)
	u.emit(ctx, telemetry.Record{
		Timestamp:     u.now().UTC(),
		TargetVersion: target,
		Status:        telemetry.StatusCompleted,
	})
	return Result{Outcome: OutcomeCompleted, TargetVersion: target}
}

// rollback restores the most recent snapshot and restarts the previous
// version. Failures inside the rollback path are logged, never retried:
// the cycle must reach Idle.
func (u *Updater) rollback(ctx context.Context, target string, stage telemetry.Stage, cause error) Result {
	u.setState(StateRollingBack)
	metrics.IncRollback(string(stage))
	u.logger.Error("update failed, rolling back", "target", target, "stage", string(stage), "error", cause)

	if err := u.backup.Restore(""); err != nil {
		u.logger.Error("rollback restore failed", "error", err)
	}
	if err := u.proc.Start(); err != nil {
		u.logger.Error("rollback restart failed", "error", err)
	}
	u.emit(ctx, telemetry.Record{
		Timestamp:     u.now().UTC(),
		TargetVersion: target,
		Status:        telemetry.StatusFailed,
		Stage:         stage,
		Action:        telemetry.ActionRolledBack,
		Details:       cause.Error(),
	})
	return Result{Outcome: OutcomeRolledBack, TargetVersion: target, FailedStage: stage, Err: cause}
}

// emit sends an update record to the telemetry sink. Sink loss is
// non-fatal to the transaction.
func (u *Updater) emit(ctx context.Context, rec telemetry.Record) {
	if u.sink == nil {
		return
	}
	if err := u.sink.Store(ctx, rec); err != nil {
		u.logger.Warn("telemetry record dropped", "status", string(rec.Status), "error", err)
	}
}

func versionString(d *version.Descriptor) string {
	if d == nil {
		return "unknown"
	}
	return d.Version
}
