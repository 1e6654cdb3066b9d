package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/opsboard/opsboard/internal/billingentity/domain"
	"github.com/opsboard/opsboard/internal/clock"
	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	idempotencyservice "github.com/opsboard/opsboard/internal/idempotency/service"
	"github.com/opsboard/opsboard/internal/invoicing/domain"
	"github.com/opsboard/opsboard/internal/storage"
	storagedomain "github.com/opsboard/opsboard/internal/storage/domain"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	usageservice "github.com/opsboard/opsboard/internal/usage/service"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestRunner(t *testing.T, clk clock.Clock) (*Runner, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&workspacedomain.Workspace{},
		&usagedomain.UsageEvent{},
		&idempotencydomain.ProcessedEvent{},
		&storagedomain.StorageObject{},
		&storagedomain.StorageDailySnapshot{},
		&domain.Invoice{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()

	usage := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	registry := idempotencyservice.NewRegistry(idempotencyservice.RegistryParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	snapshotter := storage.NewSnapshotter(storage.SnapshotterParam{
		DB: db, Log: log, GenID: node, Clock: clk, Blobs: storage.NewIndexBlobStore(db),
	})

	runner := NewRunner(RunnerParam{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Usage:       usage,
		Snapshotter: snapshotter,
		Registry:    registry,
	})
	return runner.(*Runner), db
}

func seedUsage(t *testing.T, db *gorm.DB, id int64, entity billingdomain.BillingEntity, resourceType string, units int64, recordedAt time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&usagedomain.UsageEvent{
		ID:                snowflake.ID(id),
		WorkspaceID:       1,
		BillingEntityID:   entity.ID,
		BillingEntityType: string(entity.Type),
		ResourceType:      resourceType,
		Units:             units,
		Source:            usagedomain.SourceAPI,
		RecordedAt:        recordedAt,
		IdempotencyKey:    fmt.Sprintf("test-%d", id),
	}).Error)
}

func TestRunMonth_GeneratesPerEntity(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC))
	runner, db := newTestRunner(t, clk)
	ctx := context.Background()

	userEntity := billingdomain.BillingEntity{ID: 42, Type: billingdomain.EntityTypeUser}
	orgEntity := billingdomain.BillingEntity{ID: 77, Type: billingdomain.EntityTypeOrganization}
	june := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	seedUsage(t, db, 1, userEntity, usagedomain.ResourceTraffic, 1<<30, june)
	seedUsage(t, db, 2, userEntity, usagedomain.ResourceCompute, 50, june)
	seedUsage(t, db, 3, orgEntity, usagedomain.ResourceTraffic, 2<<30, june)
	// July usage stays out of the June run.
	seedUsage(t, db, 4, userEntity, usagedomain.ResourceTraffic, 1<<30, june.AddDate(0, 1, 0))

	result, err := runner.RunMonth(ctx, june)
	require.NoError(t, err)
	assert.Equal(t, "2024-06", result.Period)
	assert.Equal(t, 2, result.Generated)
	assert.Zero(t, result.Failed)

	var invoices []domain.Invoice
	require.NoError(t, db.Order("billing_entity_id").Find(&invoices).Error)
	require.Len(t, invoices, 2)

	assert.Equal(t, int64(1<<30), invoices[0].TrafficUnits)
	assert.Equal(t, int64(50), invoices[0].ComputeUnits)
	// 1 GiB traffic at 9c + 50 compute units at 2c.
	assert.Equal(t, int64(109), invoices[0].AmountCents)
	assert.Len(t, invoices[0].Number, 26) // ULID
	assert.Equal(t, int64(2<<30), invoices[1].TrafficUnits)
}

func TestGenerateOne_SecondRunSkips(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC))
	runner, db := newTestRunner(t, clk)
	ctx := context.Background()

	entity := billingdomain.BillingEntity{ID: 42, Type: billingdomain.EntityTypeUser}
	june := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	seedUsage(t, db, 1, entity, usagedomain.ResourceTraffic, 100, june)

	first, err := runner.GenerateOne(ctx, entity, june)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = runner.GenerateOne(ctx, entity, june)
	assert.ErrorIs(t, err, domain.ErrAlreadyInvoiced)

	var count int64
	require.NoError(t, db.Model(&domain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// A rerun of the whole month counts it as skipped, not regenerated.
	result, err := runner.RunMonth(ctx, june)
	require.NoError(t, err)
	assert.Zero(t, result.Generated)
	assert.Equal(t, 1, result.Skipped)
}

func TestGenerateOne_ReleasesLockOnWriteFailure(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC))
	runner, db := newTestRunner(t, clk)
	ctx := context.Background()

	entity := billingdomain.BillingEntity{ID: 42, Type: billingdomain.EntityTypeUser}
	june := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	seedUsage(t, db, 1, entity, usagedomain.ResourceTraffic, 100, june)

	// Losing the invoices table makes the write fail after the lock is held.
	require.NoError(t, db.Migrator().DropTable(&domain.Invoice{}))
	_, err := runner.GenerateOne(ctx, entity, june)
	require.Error(t, err)

	// The failed run released its lock, so a retry succeeds.
	require.NoError(t, db.AutoMigrate(&domain.Invoice{}))
	invoice, err := runner.GenerateOne(ctx, entity, june)
	require.NoError(t, err)
	assert.Equal(t, int64(100), invoice.TrafficUnits)
}

func TestGenerateOne_IncludesStorageAverage(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC))
	runner, db := newTestRunner(t, clk)
	ctx := context.Background()

	entity := billingdomain.BillingEntity{ID: 42, Type: billingdomain.EntityTypeUser}
	june := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	seedUsage(t, db, 1, entity, usagedomain.ResourceTraffic, 0, june)

	require.NoError(t, db.Create(&workspacedomain.Workspace{
		ID:            1,
		OwnerUserID:   42,
		Name:          "personal",
		Slug:          "personal",
		BillingStatus: workspacedomain.BillingStatusActive,
		StorageBucket: "bucket-1",
	}).Error)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	for day := 1; day <= 30; day++ {
		require.NoError(t, db.Create(&storagedomain.StorageDailySnapshot{
			ID:           node.Generate(),
			WorkspaceID:  1,
			SnapshotDate: fmt.Sprintf("2024-06-%02d", day),
			StorageGB:    4,
		}).Error)
	}

	invoice, err := runner.GenerateOne(ctx, entity, june)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, invoice.StorageGBAvg, 1e-9)
	// 4 GB average at 23c.
	assert.Equal(t, int64(92), invoice.AmountCents)
}
