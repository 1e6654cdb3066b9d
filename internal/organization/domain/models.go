// Package domain contains persistence models for organizations.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Organization represents a tenant that can take over billing for its
// workspaces. BillingStartAt is the cutover: events recorded before it stay
// billed to the workspace's personal owner (onboarding grace period); a nil
// value means the organization has not activated billing at all.
type Organization struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name           string            `gorm:"type:text;not null" json:"name"`
	Slug           string            `gorm:"type:text;not null;uniqueIndex:ux_organizations_slug" json:"slug"`
	BillingStartAt *time.Time        `gorm:"column:billing_start_at" json:"billing_start_at,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }
