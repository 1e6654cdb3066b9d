package metering

import (
	"context"
	"sync"
	"time"

	"github.com/opsboard/opsboard/internal/config"
	"github.com/opsboard/opsboard/internal/observability/metrics"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	"go.uber.org/zap"
)

const flushTimeout = 30 * time.Second

// BufferedEmitter batches usage events in memory and writes them on a timer,
// or immediately once the buffer reaches the configured size. Events buffered
// at crash time are lost; traffic metering tolerates that window in exchange
// for keeping writes off the request path.
//
// Duplicate suppression for buffered events relies on the unique index on
// usage_events.idempotency_key alone; the registry is not consulted.
type BufferedEmitter struct {
	usage   usagedomain.Service
	holder  *config.MeteringConfigHolder
	metrics *metrics.MeteringMetrics
	log     *zap.Logger

	mu     sync.Mutex
	buffer []usagedomain.RecordRequest

	// inflight bounds concurrent flush writers so a slow store does not
	// stack unbounded goroutines.
	inflight chan struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewBufferedEmitter(usage usagedomain.Service, holder *config.MeteringConfigHolder, m *metrics.MeteringMetrics, log *zap.Logger) *BufferedEmitter {
	cfg := holder.Current()
	return &BufferedEmitter{
		usage:    usage,
		holder:   holder,
		metrics:  m,
		log:      log.Named("metering.buffer"),
		buffer:   make([]usagedomain.RecordRequest, 0, cfg.MaxBufferSize),
		inflight: make(chan struct{}, cfg.MaxInFlightFlushes),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Emit queues the event. The write happens later; the returned error only
// ever reflects queueing, which cannot fail, so it is always nil.
func (e *BufferedEmitter) Emit(_ context.Context, req usagedomain.RecordRequest) error {
	e.mu.Lock()
	e.buffer = append(e.buffer, req)
	full := len(e.buffer) >= e.holder.Current().MaxBufferSize
	e.mu.Unlock()

	if full {
		go e.Flush(context.Background())
	}
	return nil
}

// Start launches the periodic flush loop.
func (e *BufferedEmitter) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.holder.Current().FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Flush(context.Background())
				// Re-arm with the current interval so config reloads take
				// effect without a restart.
				ticker.Reset(e.holder.Current().FlushInterval)
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop halts the flush loop and drains whatever is buffered.
func (e *BufferedEmitter) Stop(ctx context.Context) {
	e.once.Do(func() { close(e.stop) })
	select {
	case <-e.done:
	case <-ctx.Done():
	}
	e.Flush(ctx)
}

// Flush writes the current buffer contents. Safe to call concurrently; each
// call drains whatever is queued at that moment.
func (e *BufferedEmitter) Flush(ctx context.Context) {
	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.buffer
	e.buffer = make([]usagedomain.RecordRequest, 0, e.holder.Current().MaxBufferSize)
	e.mu.Unlock()

	e.inflight <- struct{}{}
	defer func() { <-e.inflight }()

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	written := 0
	for _, req := range batch {
		res, err := e.usage.Record(ctx, req)
		if err != nil {
			e.metrics.IncDropped(metrics.DropReasonStore)
			e.log.Error("flush write failed",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
			continue
		}
		if res.Deduplicated {
			e.metrics.IncDeduplicated()
			continue
		}
		written++
		e.metrics.IncEmitted(req.ResourceType, req.Source)
	}

	e.metrics.ObserveFlush(len(batch))
	e.log.Debug("flushed usage buffer", zap.Int("batch", len(batch)), zap.Int("written", written))
}

// Len reports how many events are currently buffered.
func (e *BufferedEmitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}
