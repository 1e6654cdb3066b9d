package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/storage/domain"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"github.com/opsboard/opsboard/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const bytesPerGB = float64(1 << 30)

type SnapshotterParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Blobs domain.BlobStore
}

type Snapshotter struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	blobs domain.BlobStore
}

func NewSnapshotter(p SnapshotterParam) domain.Snapshotter {
	return &Snapshotter{
		db:    p.DB,
		log:   p.Log.Named("storage.snapshot"),
		genID: p.GenID,
		clock: p.Clock,
		blobs: p.Blobs,
	}
}

func (s *Snapshotter) CaptureOne(ctx context.Context, workspaceID snowflake.ID) (domain.SnapshotResult, error) {
	result := domain.SnapshotResult{WorkspaceID: workspaceID}

	var workspace workspacedomain.Workspace
	err := s.db.WithContext(ctx).First(&workspace, "id = ?", workspaceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return result, domain.ErrWorkspaceNotFound
		}
		return result, fmt.Errorf("storage: load workspace: %w", err)
	}

	if workspace.Suspended() {
		result.Error = "account suspended, snapshot skipped"
		return result, nil
	}

	today := s.clock.Now().UTC().Format(domain.SnapshotDateLayout)

	if existing, err := s.findSnapshot(ctx, workspaceID, today); err != nil {
		return result, err
	} else if existing != nil {
		result.Success = true
		result.StorageGB = existing.StorageGB
		return result, nil
	}

	objects, err := s.blobs.ListBucket(ctx, workspace.StorageBucket)
	if err != nil {
		return result, err
	}

	var totalBytes int64
	for _, obj := range objects {
		totalBytes += obj.SizeBytes
	}
	storageGB := float64(totalBytes) / bytesPerGB

	snapshot := domain.StorageDailySnapshot{
		ID:           s.genID.Generate(),
		WorkspaceID:  workspaceID,
		SnapshotDate: today,
		StorageGB:    storageGB,
		ObjectCount:  int64(len(objects)),
		CreatedAt:    s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Another capture of the same day won; report its measurement.
			existing, ferr := s.findSnapshot(ctx, workspaceID, today)
			if ferr == nil && existing != nil {
				result.Success = true
				result.StorageGB = existing.StorageGB
				return result, nil
			}
		}
		return result, fmt.Errorf("storage: write snapshot: %w", err)
	}

	s.log.Info("captured storage snapshot",
		zap.Int64("workspace_id", int64(workspaceID)),
		zap.String("date", today),
		zap.Float64("storage_gb", storageGB),
		zap.Int("objects", len(objects)))

	result.Success = true
	result.StorageGB = storageGB
	return result, nil
}

func (s *Snapshotter) CaptureAll(ctx context.Context) (domain.SweepResult, error) {
	var sweep domain.SweepResult

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&workspacedomain.Workspace{}).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return sweep, fmt.Errorf("storage: list workspaces: %w", err)
	}

	for _, id := range ids {
		res, err := s.CaptureOne(ctx, id)
		switch {
		case err != nil:
			sweep.Failed++
			s.log.Warn("snapshot capture failed", zap.Int64("workspace_id", int64(id)), zap.Error(err))
		case !res.Success:
			sweep.Skipped++
		default:
			sweep.Captured++
		}
	}
	return sweep, nil
}

func (s *Snapshotter) TimeWeightedAverage(ctx context.Context, workspaceID snowflake.ID, ref time.Time) (float64, error) {
	ref = ref.UTC()
	monthPrefix := ref.Format("2006-01") + "-%"
	daysInMonth := time.Date(ref.Year(), ref.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()

	type aggregate struct {
		Total float64
		Count int
	}
	var agg aggregate
	err := s.db.WithContext(ctx).
		Model(&domain.StorageDailySnapshot{}).
		Where("workspace_id = ? AND snapshot_date LIKE ?", workspaceID, monthPrefix).
		Select("COALESCE(SUM(storage_gb), 0) AS total, COUNT(*) AS count").
		Scan(&agg).Error
	if err != nil {
		return 0, fmt.Errorf("storage: aggregate snapshots: %w", err)
	}

	// A partial month averages over the days actually measured, capped at
	// the month length, never dividing by zero.
	divisor := agg.Count
	if divisor > daysInMonth {
		divisor = daysInMonth
	}
	if divisor == 0 {
		divisor = 1
	}
	return agg.Total / float64(divisor), nil
}

func (s *Snapshotter) findSnapshot(ctx context.Context, workspaceID snowflake.ID, date string) (*domain.StorageDailySnapshot, error) {
	var snapshot domain.StorageDailySnapshot
	err := s.db.WithContext(ctx).
		First(&snapshot, "workspace_id = ? AND snapshot_date = ?", workspaceID, date).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}
	return &snapshot, nil
}
