// Package domain contains persistence models for usage events.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/opsboard/opsboard/internal/billingentity/domain"
	"gorm.io/datatypes"
)

// Resource types metered for billing.
const (
	ResourceTraffic = "TRAFFIC"
	ResourceStorage = "STORAGE"
	ResourceCompute = "COMPUTE"
)

// Event sources.
const (
	SourceAPI    = "API"
	SourceFile   = "FILE"
	SourceAI     = "AI"
	SourceJob    = "JOB"
	SourceSystem = "SYSTEM"
)

// Metadata keys read by the aggregation and invoicing jobs. This is an
// internal contract: renaming one breaks downstream consumers.
const (
	MetaMethod            = "method"
	MetaEndpoint          = "endpoint"
	MetaDurationMS        = "duration_ms"
	MetaStatusCode        = "status_code"
	MetaBillingEntityID   = "billing_entity_id"
	MetaBillingEntityType = "billing_entity_type"
	MetaIdempotencyKey    = "idempotency_key"
)

// UsageEvent stores one billable occurrence. Rows are append-only: created
// once, read by aggregation, eventually removed by retention cleanup, never
// updated. RecordedAt is the event occurrence time, not the write time.
type UsageEvent struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	WorkspaceID       snowflake.ID      `gorm:"not null;index" json:"workspace_id"`
	ProjectID         *snowflake.ID     `gorm:"index" json:"project_id,omitempty"`
	BillingEntityID   snowflake.ID      `gorm:"not null;index:ix_usage_events_entity" json:"billing_entity_id"`
	BillingEntityType string            `gorm:"type:text;not null;index:ix_usage_events_entity" json:"billing_entity_type"`
	ResourceType      string            `gorm:"type:text;not null" json:"resource_type"`
	Units             int64             `gorm:"not null" json:"units"`
	Source            string            `gorm:"type:text;not null" json:"source"`
	RecordedAt        time.Time         `gorm:"not null;index" json:"recorded_at"`
	IdempotencyKey    string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idempotency_key" json:"idempotency_key"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// ValidResourceType reports whether value is a known resource type.
func ValidResourceType(value string) bool {
	switch value {
	case ResourceTraffic, ResourceStorage, ResourceCompute:
		return true
	default:
		return false
	}
}

// ValidSource reports whether value is a known event source.
func ValidSource(value string) bool {
	switch value {
	case SourceAPI, SourceFile, SourceAI, SourceJob, SourceSystem:
		return true
	default:
		return false
	}
}

// Entity is re-exported so callers of the usage service do not need to import
// the resolver package for the common case.
type Entity = billingdomain.BillingEntity
