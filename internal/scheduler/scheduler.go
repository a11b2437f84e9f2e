package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/peerpesa/settlement/internal/settlement"
)

// DefaultSchedule runs reconciliation once a minute.
const DefaultSchedule = "@every 1m"

// Reconciler is the part of the orchestrator the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (settlement.ReconcileReport, error)
}

// Config controls the reconciliation job.
type Config struct {
	Schedule  string
	BatchSize int
	Timeout   time.Duration
}

// Scheduler runs reconciliation passes on a cron schedule. A pass that is
// still running when the next one is due causes that tick to be skipped.
type Scheduler struct {
	cron       *cron.Cron
	entry      cron.EntryID
	reconciler Reconciler
	cfg        Config
	logger     *slog.Logger
}

// New validates the schedule and registers the reconciliation job.
func New(reconciler Reconciler, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	s := &Scheduler{cron: c, reconciler: reconciler, cfg: cfg, logger: logger}
	id, err := c.AddFunc(cfg.Schedule, s.tick)
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", cfg.Schedule, err)
	}
	s.entry = id
	return s, nil
}

// Start begins running the job in the background.
func (s *Scheduler) Start() {
	s.logger.Info("scheduled reconciliation", slog.String("schedule", s.cfg.Schedule), slog.Int("batch_size", s.cfg.BatchSize))
	s.cron.Start()
}

// Stop halts the schedule. The returned context is done once a running pass
// has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs a single pass outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) (settlement.ReconcileReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.reconciler.Reconcile(ctx, s.cfg.BatchSize)
}

func (s *Scheduler) tick() {
	started := time.Now()
	report, err := s.RunOnce(context.Background())
	if err != nil {
		s.logger.Error("scheduled reconciliation failed", slog.Any("error", err))
		return
	}
	if report.Scanned > 0 {
		s.logger.Info("scheduled reconciliation done",
			slog.Int("scanned", report.Scanned),
			slog.Int("resolved", report.Resolved),
			slog.Duration("took", time.Since(started)))
	}
}

// job returns the wrapped cron job, as the schedule would invoke it.
func (s *Scheduler) job() cron.Job {
	return s.cron.Entry(s.entry).WrappedJob
}
