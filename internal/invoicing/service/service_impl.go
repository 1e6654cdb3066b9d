// Package service implements monthly invoice generation.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/opsboard/opsboard/internal/billingentity/domain"
	"github.com/opsboard/opsboard/internal/clock"
	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	"github.com/opsboard/opsboard/internal/invoicing/domain"
	storagedomain "github.com/opsboard/opsboard/internal/storage/domain"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Rate card, in cents. Traffic bills per GiB transferred, compute per unit,
// storage per average GiB held over the month.
const (
	trafficCentsPerGB   = 9
	computeCentsPerUnit = 2
	storageCentsPerGB   = 23
)

type RunnerParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Usage       usagedomain.Service
	Snapshotter storagedomain.Snapshotter
	Registry    idempotencydomain.Registry
}

type Runner struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	usage       usagedomain.Service
	snapshotter storagedomain.Snapshotter
	registry    idempotencydomain.Registry
}

func NewRunner(p RunnerParam) domain.Runner {
	return &Runner{
		db:          p.DB,
		log:         p.Log.Named("invoicing"),
		genID:       p.GenID,
		clock:       p.Clock,
		usage:       p.Usage,
		snapshotter: p.Snapshotter,
		registry:    p.Registry,
	}
}

func (r *Runner) RunMonth(ctx context.Context, ref time.Time) (domain.RunResult, error) {
	from, to := monthBounds(ref)
	result := domain.RunResult{Period: from.Format(domain.PeriodLayout)}

	entities, err := r.listBilledEntities(ctx, from, to)
	if err != nil {
		return result, err
	}

	for _, entity := range entities {
		_, err := r.GenerateOne(ctx, entity, ref)
		switch {
		case errors.Is(err, domain.ErrAlreadyInvoiced):
			result.Skipped++
		case err != nil:
			result.Failed++
			r.log.Warn("invoice generation failed",
				zap.Int64("entity_id", int64(entity.ID)),
				zap.String("entity_type", string(entity.Type)),
				zap.String("period", result.Period),
				zap.Error(err))
		default:
			result.Generated++
		}
	}

	r.log.Info("invoice run finished",
		zap.String("period", result.Period),
		zap.Int("generated", result.Generated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (r *Runner) GenerateOne(ctx context.Context, entity billingdomain.BillingEntity, ref time.Time) (*domain.Invoice, error) {
	from, to := monthBounds(ref)
	period := from.Format(domain.PeriodLayout)
	lockKey := fmt.Sprintf("invoice:%s:%d:%s", entity.Type, entity.ID, period)

	// A lost lock means a concurrent or prior run owns this invoice. A lock
	// fault is a real error and stops this entity only.
	acquired, err := r.registry.AcquireLock(ctx, lockKey, idempotencydomain.EventTypeInvoice, nil)
	if err != nil {
		return nil, fmt.Errorf("invoicing: acquire run lock: %w", err)
	}
	if !acquired {
		return nil, domain.ErrAlreadyInvoiced
	}

	invoice, err := r.generate(ctx, entity, period, from, to)
	if err != nil {
		// Release so the next run can retry once the fault clears.
		r.registry.ReleaseLock(ctx, lockKey, idempotencydomain.EventTypeInvoice)
		return nil, err
	}

	if err := r.registry.MarkProcessed(ctx, lockKey, idempotencydomain.EventTypeInvoice, map[string]any{
		"invoice_number": invoice.Number,
	}); err != nil {
		r.log.Warn("mark invoice processed failed", zap.String("key", lockKey), zap.Error(err))
	}
	return invoice, nil
}

func (r *Runner) generate(ctx context.Context, entity billingdomain.BillingEntity, period string, from, to time.Time) (*domain.Invoice, error) {
	traffic, err := r.usage.SumUnits(ctx, usagedomain.SumRequest{
		BillingEntityID:   entity.ID,
		BillingEntityType: string(entity.Type),
		ResourceType:      usagedomain.ResourceTraffic,
		From:              from,
		To:                to,
	})
	if err != nil {
		return nil, err
	}

	compute, err := r.usage.SumUnits(ctx, usagedomain.SumRequest{
		BillingEntityID:   entity.ID,
		BillingEntityType: string(entity.Type),
		ResourceType:      usagedomain.ResourceCompute,
		From:              from,
		To:                to,
	})
	if err != nil {
		return nil, err
	}

	storageAvg, err := r.entityStorageAverage(ctx, entity, from)
	if err != nil {
		return nil, err
	}

	invoice := domain.Invoice{
		ID:                r.genID.Generate(),
		Number:            ulid.Make().String(),
		BillingEntityID:   entity.ID,
		BillingEntityType: string(entity.Type),
		Period:            period,
		TrafficUnits:      traffic,
		ComputeUnits:      compute,
		StorageGBAvg:      storageAvg,
		AmountCents:       amountCents(traffic, compute, storageAvg),
		Currency:          "USD",
		Status:            domain.StatusDraft,
		CreatedAt:         r.clock.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&invoice).Error; err != nil {
		return nil, fmt.Errorf("invoicing: write invoice: %w", err)
	}
	return &invoice, nil
}

// entityStorageAverage sums the monthly storage average across the entity's
// workspaces: the owner's personal workspaces for users, the org's
// workspaces for organizations.
func (r *Runner) entityStorageAverage(ctx context.Context, entity billingdomain.BillingEntity, ref time.Time) (float64, error) {
	stmt := r.db.WithContext(ctx).Model(&workspacedomain.Workspace{})
	if entity.Type == billingdomain.EntityTypeOrganization {
		stmt = stmt.Where("org_id = ?", entity.ID)
	} else {
		stmt = stmt.Where("owner_user_id = ? AND org_id IS NULL", entity.ID)
	}

	var ids []snowflake.ID
	if err := stmt.Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("invoicing: list entity workspaces: %w", err)
	}

	var total float64
	for _, id := range ids {
		avg, err := r.snapshotter.TimeWeightedAverage(ctx, id, ref)
		if err != nil {
			return 0, err
		}
		total += avg
	}
	return total, nil
}

func (r *Runner) listBilledEntities(ctx context.Context, from, to time.Time) ([]billingdomain.BillingEntity, error) {
	type row struct {
		BillingEntityID   snowflake.ID
		BillingEntityType string
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Distinct("billing_entity_id", "billing_entity_type").
		Where("recorded_at >= ? AND recorded_at < ?", from, to).
		Order("billing_entity_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("invoicing: list billed entities: %w", err)
	}

	entities := make([]billingdomain.BillingEntity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, billingdomain.BillingEntity{
			ID:   row.BillingEntityID,
			Type: billingdomain.EntityType(row.BillingEntityType),
		})
	}
	return entities, nil
}

func amountCents(trafficUnits, computeUnits int64, storageGBAvg float64) int64 {
	trafficGB := float64(trafficUnits) / float64(1<<30)
	cents := trafficGB*trafficCentsPerGB +
		float64(computeUnits)*computeCentsPerUnit +
		storageGBAvg*storageCentsPerGB
	return int64(math.Round(cents))
}

func monthBounds(ref time.Time) (time.Time, time.Time) {
	ref = ref.UTC()
	from := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}
