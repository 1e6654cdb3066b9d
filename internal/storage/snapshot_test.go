package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/storage/domain"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestSnapshotter(t *testing.T, clk clock.Clock, blobs domain.BlobStore) (*Snapshotter, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&workspacedomain.Workspace{},
		&domain.StorageObject{},
		&domain.StorageDailySnapshot{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	if blobs == nil {
		blobs = NewIndexBlobStore(db)
	}
	snap := NewSnapshotter(SnapshotterParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Blobs: blobs,
	})
	return snap.(*Snapshotter), db
}

func seedWorkspace(t *testing.T, db *gorm.DB, id snowflake.ID, status string) {
	t.Helper()
	require.NoError(t, db.Create(&workspacedomain.Workspace{
		ID:            id,
		OwnerUserID:   snowflake.ID(1000 + id),
		Name:          fmt.Sprintf("ws-%d", id),
		Slug:          fmt.Sprintf("ws-%d", id),
		BillingStatus: status,
		StorageBucket: fmt.Sprintf("bucket-%d", id),
	}).Error)
}

func seedObject(t *testing.T, db *gorm.DB, id, workspaceID snowflake.ID, key string, size int64) {
	t.Helper()
	require.NoError(t, db.Create(&domain.StorageObject{
		ID:          id,
		WorkspaceID: workspaceID,
		Bucket:      fmt.Sprintf("bucket-%d", workspaceID),
		ObjectKey:   key,
		SizeBytes:   size,
	}).Error)
}

func TestCaptureOne_WritesSnapshot(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC))
	snap, db := newTestSnapshotter(t, clk, nil)
	ctx := context.Background()

	seedWorkspace(t, db, 1, workspacedomain.BillingStatusActive)
	seedObject(t, db, 100, 1, "designs/a.fig", 3<<30)
	seedObject(t, db, 101, 1, "exports/b.zip", 1<<30)

	res, err := snap.CaptureOne(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4.0, res.StorageGB)

	var row domain.StorageDailySnapshot
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "2024-06-10", row.SnapshotDate)
	assert.Equal(t, int64(2), row.ObjectCount)
}

func TestCaptureOne_SuspendedWritesNothing(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC))
	snap, db := newTestSnapshotter(t, clk, nil)
	ctx := context.Background()

	seedWorkspace(t, db, 1, workspacedomain.BillingStatusSuspended)
	seedObject(t, db, 100, 1, "designs/a.fig", 3<<30)

	res, err := snap.CaptureOne(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, res.StorageGB)
	assert.Contains(t, res.Error, "suspended")

	var count int64
	require.NoError(t, db.Model(&domain.StorageDailySnapshot{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCaptureOne_SameDayIsIdempotent(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC))
	snap, db := newTestSnapshotter(t, clk, nil)
	ctx := context.Background()

	seedWorkspace(t, db, 1, workspacedomain.BillingStatusActive)
	seedObject(t, db, 100, 1, "designs/a.fig", 2<<30)

	first, err := snap.CaptureOne(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2.0, first.StorageGB)

	// More uploads land after the capture; today's measurement stands.
	seedObject(t, db, 101, 1, "exports/b.zip", 6<<30)
	second, err := snap.CaptureOne(ctx, 1)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 2.0, second.StorageGB)

	var count int64
	require.NoError(t, db.Model(&domain.StorageDailySnapshot{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// The next day measures fresh.
	clk.Advance(24 * time.Hour)
	third, err := snap.CaptureOne(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 8.0, third.StorageGB)
}

func TestCaptureOne_UnknownWorkspace(t *testing.T) {
	snap, _ := newTestSnapshotter(t, clock.NewSystemClock(), nil)
	_, err := snap.CaptureOne(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrWorkspaceNotFound)
}

type failingBlobStore struct {
	inner      domain.BlobStore
	failBucket string
}

func (s *failingBlobStore) ListBucket(ctx context.Context, bucket string) ([]domain.ObjectInfo, error) {
	if bucket == s.failBucket {
		return nil, errors.New("bucket unreachable")
	}
	return s.inner.ListBucket(ctx, bucket)
}

func TestCaptureAll_IsolatesFailures(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC))

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&workspacedomain.Workspace{},
		&domain.StorageObject{},
		&domain.StorageDailySnapshot{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	blobs := &failingBlobStore{inner: NewIndexBlobStore(db), failBucket: "bucket-2"}
	snap := NewSnapshotter(SnapshotterParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Blobs: blobs,
	}).(*Snapshotter)

	seedWorkspace(t, db, 1, workspacedomain.BillingStatusActive)
	seedWorkspace(t, db, 2, workspacedomain.BillingStatusActive) // blob store fails here
	seedWorkspace(t, db, 3, workspacedomain.BillingStatusSuspended)
	seedWorkspace(t, db, 4, workspacedomain.BillingStatusActive)

	sweep, err := snap.CaptureAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sweep.Captured)
	assert.Equal(t, 1, sweep.Skipped)
	assert.Equal(t, 1, sweep.Failed)

	var count int64
	require.NoError(t, db.Model(&domain.StorageDailySnapshot{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestTimeWeightedAverage(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC))
	snap, db := newTestSnapshotter(t, clk, nil)
	ctx := context.Background()

	seedWorkspace(t, db, 1, workspacedomain.BillingStatusActive)

	// 28 daily measurements of 10 GB in a 30-day month average to 10.
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	for day := 1; day <= 28; day++ {
		require.NoError(t, db.Create(&domain.StorageDailySnapshot{
			ID:           node.Generate(),
			WorkspaceID:  1,
			SnapshotDate: fmt.Sprintf("2024-06-%02d", day),
			StorageGB:    10,
			ObjectCount:  4,
		}).Error)
	}

	avg, err := snap.TimeWeightedAverage(ctx, 1, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, avg, 1e-9)
}

func TestTimeWeightedAverage_NoSnapshots(t *testing.T) {
	snap, db := newTestSnapshotter(t, clock.NewSystemClock(), nil)
	seedWorkspace(t, db, 1, workspacedomain.BillingStatusActive)

	avg, err := snap.TimeWeightedAverage(context.Background(), 1, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, avg)
}
