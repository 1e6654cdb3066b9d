// Package domain contains the persistence model and service contract of the
// idempotency registry.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event types recorded in the registry.
const (
	EventTypeUsage   = "usage"
	EventTypeInvoice = "invoice"
	EventTypeWebhook = "webhook"
	EventTypeWallet  = "wallet"
)

// ProcessedEvent marks one logical operation as handled. The composite unique
// index on (event_key, event_type) is the sole cross-process synchronization
// primitive of the metering subsystem: two workers creating the same pair race
// on the constraint and exactly one wins.
type ProcessedEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	EventKey    string            `gorm:"type:text;not null;uniqueIndex:ux_processed_events_key_type,priority:1" json:"event_key"`
	EventType   string            `gorm:"type:text;not null;uniqueIndex:ux_processed_events_key_type,priority:2" json:"event_type"`
	ProcessedAt time.Time         `gorm:"not null" json:"processed_at"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
}

// TableName sets the database table name.
func (ProcessedEvent) TableName() string { return "processed_events" }
