// Package metering turns HTTP traffic into billable usage events.
package metering

import (
	"context"
	"fmt"

	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	"github.com/opsboard/opsboard/internal/observability/metrics"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	"go.uber.org/zap"
)

// Emitter accepts usage events from the request path. Implementations decide
// whether the event is written synchronously or queued.
type Emitter interface {
	Emit(ctx context.Context, req usagedomain.RecordRequest) error
}

type directEmitter struct {
	usage    usagedomain.Service
	registry idempotencydomain.Registry
	metrics  *metrics.MeteringMetrics
	log      *zap.Logger
}

// NewDirectEmitter writes each event immediately, guarded by the processed
// event registry so a retried request never double-bills.
func NewDirectEmitter(usage usagedomain.Service, registry idempotencydomain.Registry, m *metrics.MeteringMetrics, log *zap.Logger) Emitter {
	return &directEmitter{
		usage:    usage,
		registry: registry,
		metrics:  m,
		log:      log.Named("metering.direct"),
	}
}

func (e *directEmitter) Emit(ctx context.Context, req usagedomain.RecordRequest) error {
	acquired, err := e.registry.AcquireLock(ctx, req.IdempotencyKey, idempotencydomain.EventTypeUsage, nil)
	if err != nil {
		e.metrics.IncDropped(metrics.DropReasonRegistry)
		return fmt.Errorf("metering: acquire usage lock: %w", err)
	}
	if !acquired {
		e.metrics.IncDeduplicated()
		return nil
	}

	res, err := e.usage.Record(ctx, req)
	if err != nil {
		// Release so a retry of the same request can bill once the store
		// recovers.
		e.registry.ReleaseLock(ctx, req.IdempotencyKey, idempotencydomain.EventTypeUsage)
		e.metrics.IncDropped(metrics.DropReasonStore)
		return fmt.Errorf("metering: record event: %w", err)
	}

	if res.Deduplicated {
		e.metrics.IncDeduplicated()
		return nil
	}
	e.metrics.IncEmitted(req.ResourceType, req.Source)
	return nil
}
