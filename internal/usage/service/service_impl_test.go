package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/opsboard/opsboard/internal/clock"
	billingdomain "github.com/opsboard/opsboard/internal/billingentity/domain"
	"github.com/opsboard/opsboard/internal/usage/domain"
	"github.com/opsboard/opsboard/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clk clock.Clock) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.UsageEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	return svc.(*Service), db
}

func trafficRequest(workspaceID snowflake.ID, key string) domain.RecordRequest {
	return domain.RecordRequest{
		WorkspaceID:       workspaceID,
		BillingEntityID:   snowflake.ID(42),
		BillingEntityType: string(billingdomain.EntityTypeUser),
		ResourceType:      domain.ResourceTraffic,
		Units:             512,
		Source:            domain.SourceAPI,
		IdempotencyKey:    key,
	}
}

func TestRecord_PersistsEvent(t *testing.T) {
	svc, db := newTestService(t, clock.NewSystemClock())
	ctx := context.Background()

	res, err := svc.Record(ctx, trafficRequest(1, "traffic:u1:/api/tasks:GET:1717236000"))
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.NotZero(t, res.Event.ID)
	assert.Equal(t, int64(512), res.Event.Units)

	var count int64
	require.NoError(t, db.Model(&domain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecord_DuplicateKeyReturnsPriorRow(t *testing.T) {
	svc, db := newTestService(t, clock.NewSystemClock())
	ctx := context.Background()

	first, err := svc.Record(ctx, trafficRequest(1, "traffic:u1:/api/tasks:GET:1717236000"))
	require.NoError(t, err)

	dup := trafficRequest(1, "traffic:u1:/api/tasks:GET:1717236000")
	dup.Units = 9999
	second, err := svc.Record(ctx, dup)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, int64(512), second.Event.Units)

	var count int64
	require.NoError(t, db.Model(&domain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecord_Validation(t *testing.T) {
	svc, _ := newTestService(t, clock.NewSystemClock())
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*domain.RecordRequest)
		wantErr error
	}{
		{
			name:    "unknown resource type",
			mutate:  func(r *domain.RecordRequest) { r.ResourceType = "BANDWIDTH" },
			wantErr: domain.ErrInvalidResourceType,
		},
		{
			name:    "unknown source",
			mutate:  func(r *domain.RecordRequest) { r.Source = "CRON" },
			wantErr: domain.ErrInvalidSource,
		},
		{
			name:    "negative units",
			mutate:  func(r *domain.RecordRequest) { r.Units = -1 },
			wantErr: domain.ErrInvalidUnits,
		},
		{
			name:    "missing idempotency key",
			mutate:  func(r *domain.RecordRequest) { r.IdempotencyKey = "  " },
			wantErr: domain.ErrMissingIdempotencyKey,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := trafficRequest(1, "traffic:u1:/api/tasks:GET:1717236000")
			tc.mutate(&req)
			_, err := svc.Record(ctx, req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestSumUnits_FiltersByEntityAndWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clk)
	ctx := context.Background()

	record := func(key string, entityID int64, units int64, recordedAt time.Time) {
		req := trafficRequest(1, key)
		req.BillingEntityID = snowflake.ID(entityID)
		req.Units = units
		req.RecordedAt = recordedAt
		_, err := svc.Record(ctx, req)
		require.NoError(t, err)
	}

	record("k1", 42, 100, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	record("k2", 42, 200, time.Date(2024, 6, 30, 23, 59, 59, 0, time.UTC))
	record("k3", 42, 400, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)) // outside window
	record("k4", 77, 800, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)) // other entity

	total, err := svc.SumUnits(ctx, domain.SumRequest{
		BillingEntityID:   snowflake.ID(42),
		BillingEntityType: string(billingdomain.EntityTypeUser),
		ResourceType:      domain.ResourceTraffic,
		From:              time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		To:                time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), total)
}

func TestList_PaginatesNewestFirst(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		req := trafficRequest(1, "key-"+string(rune('a'+i)))
		_, err := svc.Record(ctx, req)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	resp, err := svc.List(ctx, domain.ListRequest{
		WorkspaceID: 1,
		Pagination:  pagination.Pagination{PageSize: 3},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Events, 3)
	assert.True(t, resp.PageInfo.HasMore)
	assert.Equal(t, "key-e", resp.Events[0].IdempotencyKey)
}

func TestDeleteOlderThan_RemovesOnlyExpired(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC))
	svc, db := newTestService(t, clk)
	ctx := context.Background()

	old := trafficRequest(1, "old")
	old.RecordedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Record(ctx, old)
	require.NoError(t, err)

	fresh := trafficRequest(1, "fresh")
	fresh.RecordedAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.Record(ctx, fresh)
	require.NoError(t, err)

	deleted, err := svc.DeleteOlderThan(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []domain.UsageEvent
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].IdempotencyKey)
}
