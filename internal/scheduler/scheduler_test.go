package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/config"
	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	invoicingdomain "github.com/opsboard/opsboard/internal/invoicing/domain"
	storagedomain "github.com/opsboard/opsboard/internal/storage/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeJobs struct {
	sweeps     int
	cleanups   int
	runs       []string
	sweepErr   error
	invoiceErr error
}

func (f *fakeJobs) CaptureAll(context.Context) (storagedomain.SweepResult, error) {
	f.sweeps++
	return storagedomain.SweepResult{}, f.sweepErr
}

func (f *fakeJobs) Cleanup(_ context.Context, _ int) (idempotencydomain.CleanupResult, error) {
	f.cleanups++
	return idempotencydomain.CleanupResult{}, nil
}

func (f *fakeJobs) RunMonth(_ context.Context, ref time.Time) (invoicingdomain.RunResult, error) {
	period := ref.UTC().Format(invoicingdomain.PeriodLayout)
	if f.invoiceErr != nil {
		return invoicingdomain.RunResult{}, f.invoiceErr
	}
	f.runs = append(f.runs, period)
	return invoicingdomain.RunResult{Period: period}, nil
}

func newTestScheduler(clk clock.Clock, jobs *fakeJobs) *Scheduler {
	holder := config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig())
	return New(Config{}, zap.NewNop(), clk, holder, jobs, jobs, jobs)
}

func TestRunOnce_DailyWorkRunsOncePerDay(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC))
	jobs := &fakeJobs{}
	s := newTestScheduler(clk, jobs)
	ctx := context.Background()

	s.RunOnce(ctx)
	s.RunOnce(ctx)
	assert.Equal(t, 1, jobs.sweeps)
	assert.Equal(t, 1, jobs.cleanups)

	clk.Advance(24 * time.Hour)
	s.RunOnce(ctx)
	assert.Equal(t, 2, jobs.sweeps)
	assert.Equal(t, 2, jobs.cleanups)
}

func TestRunOnce_InvoicesPreviousMonthOnce(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 7, 1, 0, 5, 0, 0, time.UTC))
	jobs := &fakeJobs{}
	s := newTestScheduler(clk, jobs)
	ctx := context.Background()

	s.RunOnce(ctx)
	s.RunOnce(ctx)
	assert.Equal(t, []string{"2024-06"}, jobs.runs)

	// The August turnover triggers the July run.
	clk.Set(time.Date(2024, 8, 1, 0, 5, 0, 0, time.UTC))
	s.RunOnce(ctx)
	assert.Equal(t, []string{"2024-06", "2024-07"}, jobs.runs)
}

func TestRunOnce_FailedDailyWorkRetriesNextTick(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC))
	jobs := &fakeJobs{sweepErr: errors.New("store down")}
	s := newTestScheduler(clk, jobs)
	ctx := context.Background()

	s.RunOnce(ctx)
	assert.Equal(t, 1, jobs.sweeps)
	assert.Zero(t, jobs.cleanups)

	// Same day, but the last failure left the marker unset.
	jobs.sweepErr = nil
	s.RunOnce(ctx)
	assert.Equal(t, 2, jobs.sweeps)
	assert.Equal(t, 1, jobs.cleanups)
}

func TestRunOnce_FailedInvoiceRunRetries(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 7, 1, 0, 5, 0, 0, time.UTC))
	jobs := &fakeJobs{invoiceErr: errors.New("store down")}
	s := newTestScheduler(clk, jobs)
	ctx := context.Background()

	s.RunOnce(ctx)
	assert.Empty(t, jobs.runs)

	jobs.invoiceErr = nil
	s.RunOnce(ctx)
	assert.Equal(t, []string{"2024-06"}, jobs.runs)
}
