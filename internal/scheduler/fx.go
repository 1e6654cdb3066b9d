package scheduler

import (
	"context"

	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/config"
	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	invoicingdomain "github.com/opsboard/opsboard/internal/invoicing/domain"
	storagedomain "github.com/opsboard/opsboard/internal/storage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(provideScheduler),
	fx.Invoke(runScheduler),
)

type Param struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Holder      *config.MeteringConfigHolder
	Snapshotter storagedomain.Snapshotter
	Registry    idempotencydomain.Registry
	Invoices    invoicingdomain.Runner
}

func provideScheduler(p Param) *Scheduler {
	return New(Config{}, p.Log, p.Clock, p.Holder, p.Snapshotter, p.Registry, p.Invoices)
}

func runScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
