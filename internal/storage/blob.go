// Package storage implements the daily workspace storage snapshot job.
package storage

import (
	"context"
	"fmt"

	"github.com/opsboard/opsboard/internal/storage/domain"
	"gorm.io/gorm"
)

// indexBlobStore serves bucket listings from the storage_objects index
// table.
type indexBlobStore struct {
	db *gorm.DB
}

func NewIndexBlobStore(db *gorm.DB) domain.BlobStore {
	return &indexBlobStore{db: db}
}

func (s *indexBlobStore) ListBucket(ctx context.Context, bucket string) ([]domain.ObjectInfo, error) {
	var rows []domain.StorageObject
	err := s.db.WithContext(ctx).
		Where("bucket = ?", bucket).
		Order("object_key").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list bucket %s: %w", bucket, err)
	}

	objects := make([]domain.ObjectInfo, 0, len(rows))
	for _, row := range rows {
		objects = append(objects, domain.ObjectInfo{Key: row.ObjectKey, SizeBytes: row.SizeBytes})
	}
	return objects, nil
}
