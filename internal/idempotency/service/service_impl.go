package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsboard/opsboard/internal/cache"
	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/idempotency/domain"
	"github.com/opsboard/opsboard/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultRetentionDays = 90
	cacheMaxEntries      = 10000
	cacheTTL             = 10 * time.Minute
	cleanupBatchSize     = 500
	maxCleanupIterations = 200
)

type RegistryParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Registry struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	// Latency optimization only. The cache is process-local and bounded;
	// the durable unique constraint stays authoritative.
	seen cache.Cache[string, struct{}]
}

func NewRegistry(p RegistryParam) domain.Registry {
	return &Registry{
		db:    p.DB,
		log:   p.Log.Named("idempotency.registry"),
		genID: p.GenID,
		clock: p.Clock,
		seen:  cache.NewBoundedTTLCache[string, struct{}](cacheMaxEntries),
	}
}

func (r *Registry) IsProcessed(ctx context.Context, key, eventType string) bool {
	key, eventType = normalize(key, eventType)
	if key == "" || eventType == "" {
		return false
	}

	if _, ok := r.seen.Get(cacheKey(key, eventType)); ok {
		return true
	}

	var record domain.ProcessedEvent
	err := r.db.WithContext(ctx).
		Where("event_key = ? AND event_type = ?", key, eventType).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false
		}
		// Fail OPEN: a transient read fault must not block the billing
		// write path. Duplicates are tolerated downstream.
		r.log.Warn("processed-event lookup failed, assuming not processed",
			zap.String("event_key", key),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return false
	}

	r.seen.Set(cacheKey(key, eventType), struct{}{}, cacheTTL)
	return true
}

func (r *Registry) AcquireLock(ctx context.Context, key, eventType string, metadata map[string]any) (bool, error) {
	key, eventType = normalize(key, eventType)
	if key == "" {
		return false, domain.ErrInvalidKey
	}
	if eventType == "" {
		return false, domain.ErrInvalidEventType
	}

	record := domain.ProcessedEvent{
		ID:          r.genID.Generate(),
		EventKey:    key,
		EventType:   eventType,
		ProcessedAt: r.clock.Now(),
	}
	if metadata != nil {
		record.Metadata = datatypes.JSONMap(metadata)
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Expected outcome, not a fault: someone else holds this lock.
			return false, nil
		}
		// Fail CLOSED: the lock state is unknown, the caller must not
		// proceed as if it was acquired.
		return false, err
	}

	r.seen.Set(cacheKey(key, eventType), struct{}{}, cacheTTL)
	return true, nil
}

func (r *Registry) ReleaseLock(ctx context.Context, key, eventType string) {
	key, eventType = normalize(key, eventType)
	if key == "" || eventType == "" {
		return
	}

	r.seen.Delete(cacheKey(key, eventType))

	err := r.db.WithContext(ctx).
		Where("event_key = ? AND event_type = ?", key, eventType).
		Delete(&domain.ProcessedEvent{}).Error
	if err != nil {
		// A stuck lock degrades to "cannot retry until cleanup", which is
		// preferable to risking a duplicate charge.
		r.log.Warn("failed to release lock",
			zap.String("event_key", key),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (r *Registry) MarkProcessed(ctx context.Context, key, eventType string, metadata map[string]any) error {
	key, eventType = normalize(key, eventType)
	if key == "" {
		return domain.ErrInvalidKey
	}
	if eventType == "" {
		return domain.ErrInvalidEventType
	}

	r.seen.Set(cacheKey(key, eventType), struct{}{}, cacheTTL)

	record := domain.ProcessedEvent{
		ID:          r.genID.Generate(),
		EventKey:    key,
		EventType:   eventType,
		ProcessedAt: r.clock.Now(),
	}
	if metadata != nil {
		record.Metadata = datatypes.JSONMap(metadata)
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

func (r *Registry) Cleanup(ctx context.Context, retentionDays int) (domain.CleanupResult, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	cutoff := r.clock.Now().AddDate(0, 0, -retentionDays)

	result := domain.CleanupResult{}
	for i := 0; i < maxCleanupIterations; i++ {
		var ids []snowflake.ID
		err := r.db.WithContext(ctx).
			Model(&domain.ProcessedEvent{}).
			Where("processed_at < ?", cutoff).
			Limit(cleanupBatchSize).
			Pluck("id", &ids).Error
		if err != nil {
			result.Errors++
			return result, err
		}
		if len(ids) == 0 {
			break
		}

		res := r.db.WithContext(ctx).
			Where("id IN ?", ids).
			Delete(&domain.ProcessedEvent{})
		if res.Error != nil {
			result.Errors++
			return result, res.Error
		}
		result.Deleted += int(res.RowsAffected)

		if len(ids) < cleanupBatchSize {
			break
		}
	}

	r.log.Info("processed-event retention sweep complete",
		zap.Int("deleted", result.Deleted),
		zap.Int("retention_days", retentionDays),
	)
	return result, nil
}

func normalize(key, eventType string) (string, string) {
	return strings.TrimSpace(key), strings.TrimSpace(eventType)
}

func cacheKey(key, eventType string) string {
	return eventType + "|" + key
}
