// Package scheduler drives the periodic billing jobs: daily storage
// snapshots, registry retention cleanup, and monthly invoice runs.
package scheduler

import (
	"context"
	"time"

	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/config"
	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	invoicingdomain "github.com/opsboard/opsboard/internal/invoicing/domain"
	storagedomain "github.com/opsboard/opsboard/internal/storage/domain"
	"go.uber.org/zap"
)

// Config holds the scheduler cadence.
type Config struct {
	// TickInterval is how often due work is checked, not how often jobs
	// run; jobs track their own last-run markers.
	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	return c
}

// SnapshotSweeper runs the daily storage capture.
type SnapshotSweeper interface {
	CaptureAll(ctx context.Context) (storagedomain.SweepResult, error)
}

// RegistryCleaner prunes expired processed event records.
type RegistryCleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (idempotencydomain.CleanupResult, error)
}

// InvoiceRunner generates invoices for a month.
type InvoiceRunner interface {
	RunMonth(ctx context.Context, ref time.Time) (invoicingdomain.RunResult, error)
}

type Scheduler struct {
	cfg       Config
	log       *zap.Logger
	clock     clock.Clock
	holder    *config.MeteringConfigHolder
	snapshots SnapshotSweeper
	registry  RegistryCleaner
	invoices  InvoiceRunner

	lastDailyDate     string
	lastInvoicePeriod string
}

func New(cfg Config, log *zap.Logger, clk clock.Clock, holder *config.MeteringConfigHolder, snapshots SnapshotSweeper, registry RegistryCleaner, invoices InvoiceRunner) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		log:       log.Named("scheduler"),
		clock:     clk,
		holder:    holder,
		snapshots: snapshots,
		registry:  registry,
		invoices:  invoices,
	}
}

// RunForever ticks until ctx is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes whatever work is due at the current time. Job failures
// are logged, never fatal; an unfinished job retries on the next tick.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.clock.Now().UTC()
	s.runDaily(ctx, now)
	s.runMonthly(ctx, now)
}

func (s *Scheduler) runDaily(ctx context.Context, now time.Time) {
	today := now.Format("2006-01-02")
	if s.lastDailyDate == today {
		return
	}

	sweep, err := s.snapshots.CaptureAll(ctx)
	if err != nil {
		s.log.Error("storage snapshot sweep failed", zap.Error(err))
		return
	}
	s.log.Info("storage snapshot sweep finished",
		zap.String("date", today),
		zap.Int("captured", sweep.Captured),
		zap.Int("skipped", sweep.Skipped),
		zap.Int("failed", sweep.Failed))

	retention := s.holder.Current().RetentionDays
	cleanup, err := s.registry.Cleanup(ctx, retention)
	if err != nil {
		s.log.Error("registry cleanup failed", zap.Error(err))
		return
	}
	s.log.Info("registry cleanup finished",
		zap.Int("retention_days", retention),
		zap.Int("deleted", cleanup.Deleted))

	s.lastDailyDate = today
}

func (s *Scheduler) runMonthly(ctx context.Context, now time.Time) {
	// Invoice the previous month once the new one has started.
	period := now.AddDate(0, -1, -(now.Day() - 1))
	periodKey := period.Format(invoicingdomain.PeriodLayout)
	if s.lastInvoicePeriod == periodKey {
		return
	}

	result, err := s.invoices.RunMonth(ctx, period)
	if err != nil {
		s.log.Error("invoice run failed", zap.String("period", periodKey), zap.Error(err))
		return
	}
	s.log.Info("invoice run finished",
		zap.String("period", result.Period),
		zap.Int("generated", result.Generated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))

	s.lastInvoicePeriod = periodKey
}
