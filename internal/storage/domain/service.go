package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ErrWorkspaceNotFound is returned when a capture targets an unknown
// workspace.
var ErrWorkspaceNotFound = errors.New("workspace_not_found")

// ObjectInfo describes one blob as seen by the snapshot job.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
}

// BlobStore lists the contents of a workspace bucket. The shipped
// implementation reads the storage_objects index table; swapping in a real
// object store only requires another implementation of this interface.
type BlobStore interface {
	ListBucket(ctx context.Context, bucket string) ([]ObjectInfo, error)
}

// SnapshotResult reports one capture attempt.
type SnapshotResult struct {
	WorkspaceID snowflake.ID `json:"workspace_id"`
	Success     bool         `json:"success"`
	StorageGB   float64      `json:"storage_gb"`
	Error       string       `json:"error,omitempty"`
}

// SweepResult summarizes a CaptureAll run.
type SweepResult struct {
	Captured int `json:"captured"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Snapshotter captures daily storage measurements and aggregates them for
// billing.
type Snapshotter interface {
	// CaptureOne measures one workspace for the current UTC day. Suspended
	// workspaces are reported unsuccessful without writing anything; a
	// snapshot already taken today is returned unchanged.
	CaptureOne(ctx context.Context, workspaceID snowflake.ID) (SnapshotResult, error)

	// CaptureAll sweeps every workspace. Failures are isolated per
	// workspace and never abort the sweep.
	CaptureAll(ctx context.Context) (SweepResult, error)

	// TimeWeightedAverage returns the average GB held during the month
	// containing ref, computed over the snapshots actually taken.
	TimeWeightedAverage(ctx context.Context, workspaceID snowflake.ID, ref time.Time) (float64, error)
}
