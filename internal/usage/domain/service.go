package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsboard/opsboard/pkg/db/pagination"
	"gorm.io/datatypes"
)

var (
	// ErrInvalidResourceType is returned when the resource type is not one
	// of the known values.
	ErrInvalidResourceType = errors.New("usage: invalid resource type")

	// ErrInvalidSource is returned when the event source is not one of the
	// known values.
	ErrInvalidSource = errors.New("usage: invalid source")

	// ErrInvalidUnits is returned when units is negative.
	ErrInvalidUnits = errors.New("usage: units must be non-negative")

	// ErrMissingIdempotencyKey is returned when the idempotency key is empty.
	ErrMissingIdempotencyKey = errors.New("usage: idempotency key is required")
)

// RecordRequest describes one usage event to persist.
type RecordRequest struct {
	WorkspaceID       snowflake.ID
	ProjectID         *snowflake.ID
	BillingEntityID   snowflake.ID
	BillingEntityType string
	ResourceType      string
	Units             int64
	Source            string
	RecordedAt        time.Time
	IdempotencyKey    string
	Metadata          datatypes.JSONMap
}

// RecordResult reports what happened to a recorded event.
type RecordResult struct {
	Event *UsageEvent
	// Deduplicated is true when a row with the same idempotency key already
	// existed and Event is that prior row.
	Deduplicated bool
}

// ListRequest filters usage events for listing.
type ListRequest struct {
	WorkspaceID  snowflake.ID
	ResourceType string
	Source       string
	From         time.Time
	To           time.Time
	Pagination   pagination.Pagination
}

// ListResponse is a page of usage events.
type ListResponse struct {
	Events   []UsageEvent        `json:"usage_events"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

// SumRequest selects events to aggregate for a billing entity over a
// half-open interval [From, To).
type SumRequest struct {
	BillingEntityID   snowflake.ID
	BillingEntityType string
	ResourceType      string
	From              time.Time
	To                time.Time
}

// Service records and reads usage events.
type Service interface {
	// Record persists the event. A duplicate idempotency key is not an
	// error: the prior row is returned with Deduplicated set.
	Record(ctx context.Context, req RecordRequest) (*RecordResult, error)

	// List returns events for a workspace, newest first.
	List(ctx context.Context, req ListRequest) (*ListResponse, error)

	// SumUnits aggregates units for a billing entity.
	SumUnits(ctx context.Context, req SumRequest) (int64, error)

	// DeleteOlderThan removes events recorded before cutoff, in batches.
	// Used by retention cleanup.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
