package metering

import (
	"context"

	"github.com/opsboard/opsboard/internal/config"
	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	"github.com/opsboard/opsboard/internal/observability/metrics"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metering",
	fx.Provide(NewEmitter),
)

type EmitterParam struct {
	fx.In

	LC       fx.Lifecycle
	Usage    usagedomain.Service
	Registry idempotencydomain.Registry
	Holder   *config.MeteringConfigHolder
	Metrics  *metrics.MeteringMetrics
	Log      *zap.Logger
}

// NewEmitter picks the buffered or direct pipeline from config. The choice
// is made at startup; hot reloads adjust the buffered pipeline's tunables
// but do not swap pipelines.
func NewEmitter(p EmitterParam) Emitter {
	if !p.Holder.Current().Buffered {
		return NewDirectEmitter(p.Usage, p.Registry, p.Metrics, p.Log)
	}

	buffered := NewBufferedEmitter(p.Usage, p.Holder, p.Metrics, p.Log)
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			buffered.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			buffered.Stop(ctx)
			return nil
		},
	})
	return buffered
}
