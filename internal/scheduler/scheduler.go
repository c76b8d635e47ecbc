package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/otad/internal/health"
	"github.com/loykin/otad/internal/metrics"
	"github.com/loykin/otad/internal/orchestrator"
)

// Updater runs one update cycle to a terminal result.
type Updater interface {
	Run(ctx context.Context) orchestrator.Result
}

// Restorer restores the most recent snapshot when given an empty id.
type Restorer interface {
	Restore(id string) error
}

// Scheduler is the outer supervision loop: self-heal the running
// application, attempt an update cycle, sleep, repeat. It only observes
// cancellation at the top of an iteration; an in-flight cycle always
// runs to a terminal state first, and the interval sleep itself is not
// interruptible.
type Scheduler struct {
	interval time.Duration
	updater  Updater
	proc     orchestrator.Process
	backups  Restorer
	prober   health.Prober
	logger   *slog.Logger
	sleep    func(time.Duration)
}

func New(interval time.Duration, updater Updater, proc orchestrator.Process, backups Restorer, prober health.Prober, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		updater:  updater,
		proc:     proc,
		backups:  backups,
		prober:   prober,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Run loops until ctx is cancelled, then stops the supervised child
// before returning.
func (s *Scheduler) Run(ctx context.Context) {
	defer func() {
		if err := s.proc.Stop(); err != nil {
			s.logger.Warn("stop on shutdown failed", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler cancelled, shutting down")
			return
		default:
		}
		s.iterate(ctx)
		s.sleep(s.interval)
	}
}

// iterate runs one self-heal pass and one update cycle. A panic in
// either is confined to this iteration; the loop itself never dies.
func (s *Scheduler) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("iteration panicked", "panic", r)
		}
	}()
	s.selfHeal(ctx)
	res := s.updater.Run(ctx)
	switch res.Outcome {
	case orchestrator.OutcomeNoOp:
		s.logger.Debug("no update available")
	case orchestrator.OutcomeCompleted:
		s.logger.Info("update applied", "version", res.TargetVersion)
	default:
		s.logger.Warn("update cycle did not complete",
			"outcome", string(res.Outcome), "version", res.TargetVersion, "error", res.Err)
	}
}

// selfHeal probes the running application and escalates in two steps:
// a plain restart first, then a restore of the latest snapshot plus
// restart. The second step is accepted as best-effort and not re-probed.
func (s *Scheduler) selfHeal(ctx context.Context) {
	healthy := s.prober.Probe(ctx)
	metrics.IncHealthProbe(healthy)
	if healthy {
		return
	}
	s.logger.Warn("application unhealthy, restarting")
	if err := s.proc.Stop(); err != nil {
		s.logger.Warn("self-heal stop failed", "error", err)
	}
	if err := s.proc.Start(); err != nil {
		s.logger.Warn("self-heal start failed", "error", err)
	}
	metrics.IncAppRestart()

	if s.prober.Probe(ctx) {
		s.logger.Info("application recovered after restart")
		return
	}
	s.logger.Error("restart did not recover application, restoring latest snapshot")
	if err := s.backups.Restore(""); err != nil {
		s.logger.Error("self-heal restore failed", "error", err)
	}
	if err := s.proc.Start(); err != nil {
		s.logger.Error("restart after restore failed", "error", err)
	}
	metrics.IncAppRestart()
}
