// Package service implements usage event recording and aggregation.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/usage/domain"
	"github.com/opsboard/opsboard/pkg/db/option"
	"github.com/opsboard/opsboard/pkg/db/pagination"
	"github.com/opsboard/opsboard/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const deleteBatchSize = 1000

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	events repository.Repository[domain.UsageEvent]
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("usage"),
		genID:  p.GenID,
		clock:  p.Clock,
		events: repository.ProvideStore[domain.UsageEvent](p.DB),
	}
}

func (s *Service) Record(ctx context.Context, req domain.RecordRequest) (*domain.RecordResult, error) {
	if err := validateRecord(req); err != nil {
		return nil, err
	}

	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.clock.Now()
	}

	event := domain.UsageEvent{
		ID:                s.genID.Generate(),
		WorkspaceID:       req.WorkspaceID,
		ProjectID:         req.ProjectID,
		BillingEntityID:   req.BillingEntityID,
		BillingEntityType: req.BillingEntityType,
		ResourceType:      req.ResourceType,
		Units:             req.Units,
		Source:            req.Source,
		RecordedAt:        recordedAt.UTC(),
		IdempotencyKey:    strings.TrimSpace(req.IdempotencyKey),
		Metadata:          req.Metadata,
		CreatedAt:         s.clock.Now(),
	}

	// The unique index on idempotency_key is the write-side dedup guard.
	// A concurrent duplicate insert loses the conflict and we return the
	// winner's row instead of an error.
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&event)
	if res.Error != nil {
		return nil, fmt.Errorf("usage: insert event: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		existing, err := s.events.FindOne(ctx, &domain.UsageEvent{IdempotencyKey: event.IdempotencyKey})
		if err != nil {
			return nil, fmt.Errorf("usage: load deduplicated event: %w", err)
		}
		if existing == nil {
			// The conflicting row was deleted between the insert and the
			// read. Treat it as deduplicated anyway; retention cleanup only
			// removes events old enough to be settled.
			s.log.Warn("deduplicated event vanished", zap.String("idempotency_key", event.IdempotencyKey))
			return &domain.RecordResult{Event: &event, Deduplicated: true}, nil
		}
		return &domain.RecordResult{Event: existing, Deduplicated: true}, nil
	}

	return &domain.RecordResult{Event: &event}, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (*domain.ListResponse, error) {
	filter := domain.UsageEvent{
		WorkspaceID:  req.WorkspaceID,
		ResourceType: req.ResourceType,
		Source:       req.Source,
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true}),
		option.ApplyPagination(req.Pagination),
	}
	if !req.From.IsZero() {
		opts = append(opts, option.WithWhere("recorded_at >= ?", req.From.UTC()))
	}
	if !req.To.IsZero() {
		opts = append(opts, option.WithWhere("recorded_at < ?", req.To.UTC()))
	}

	rows, err := s.events.Find(ctx, &filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("usage: list events: %w", err)
	}

	size := req.Pagination.PageSize
	if size <= 0 {
		size = 50
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(size), func(e *domain.UsageEvent) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        e.ID.String(),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})

	if len(rows) > size {
		rows = rows[:size]
	}

	events := make([]domain.UsageEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, *row)
	}

	return &domain.ListResponse{Events: events, PageInfo: *pageInfo}, nil
}

func (s *Service) SumUnits(ctx context.Context, req domain.SumRequest) (int64, error) {
	var total int64
	stmt := s.db.WithContext(ctx).
		Model(&domain.UsageEvent{}).
		Where("billing_entity_id = ? AND billing_entity_type = ?", req.BillingEntityID, req.BillingEntityType).
		Where("recorded_at >= ? AND recorded_at < ?", req.From.UTC(), req.To.UTC())
	if req.ResourceType != "" {
		stmt = stmt.Where("resource_type = ?", req.ResourceType)
	}
	if err := stmt.Select("COALESCE(SUM(units), 0)").Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("usage: sum units: %w", err)
	}
	return total, nil
}

func (s *Service) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	for {
		var ids []snowflake.ID
		err := s.db.WithContext(ctx).
			Model(&domain.UsageEvent{}).
			Where("recorded_at < ?", cutoff.UTC()).
			Limit(deleteBatchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return deleted, fmt.Errorf("usage: select expired events: %w", err)
		}
		if len(ids) == 0 {
			return deleted, nil
		}

		res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.UsageEvent{})
		if res.Error != nil {
			return deleted, fmt.Errorf("usage: delete expired events: %w", res.Error)
		}
		deleted += res.RowsAffected

		if len(ids) < deleteBatchSize {
			return deleted, nil
		}
	}
}

func validateRecord(req domain.RecordRequest) error {
	if !domain.ValidResourceType(req.ResourceType) {
		return domain.ErrInvalidResourceType
	}
	if !domain.ValidSource(req.Source) {
		return domain.ErrInvalidSource
	}
	if req.Units < 0 {
		return domain.ErrInvalidUnits
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.ErrMissingIdempotencyKey
	}
	return nil
}
