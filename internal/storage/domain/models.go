// Package domain contains persistence models for workspace storage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SnapshotDateLayout formats SnapshotDate values. Dates are UTC calendar
// days.
const SnapshotDateLayout = "2006-01-02"

// StorageObject is one row of the blob index: a record per object uploaded
// to a workspace bucket, kept in sync by the upload path.
type StorageObject struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	WorkspaceID snowflake.ID `gorm:"not null;index" json:"workspace_id"`
	Bucket      string       `gorm:"type:text;not null;index" json:"bucket"`
	ObjectKey   string       `gorm:"type:text;not null" json:"object_key"`
	SizeBytes   int64        `gorm:"not null" json:"size_bytes"`
	ContentType string       `gorm:"type:text" json:"content_type,omitempty"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (StorageObject) TableName() string { return "storage_objects" }

// StorageDailySnapshot is one measurement of a workspace's total storage,
// taken once per UTC day. The unique index makes repeat captures of the same
// day harmless.
type StorageDailySnapshot struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	WorkspaceID  snowflake.ID `gorm:"not null;uniqueIndex:ux_storage_snapshots_day,priority:1" json:"workspace_id"`
	SnapshotDate string       `gorm:"type:text;not null;uniqueIndex:ux_storage_snapshots_day,priority:2" json:"snapshot_date"`
	StorageGB    float64      `gorm:"not null" json:"storage_gb"`
	ObjectCount  int64        `gorm:"not null" json:"object_count"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (StorageDailySnapshot) TableName() string { return "storage_daily_snapshots" }
