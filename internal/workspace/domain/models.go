// Package domain contains persistence models for workspaces and projects.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BillingStatus values for a workspace.
const (
	BillingStatusActive    = "active"
	BillingStatusSuspended = "suspended"
)

// Workspace is the unit every usage event is attributed to. OrgID is nil for
// personal workspaces owned by a single user.
type Workspace struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID         *snowflake.ID     `gorm:"index" json:"org_id,omitempty"`
	OwnerUserID   snowflake.ID      `gorm:"not null;index" json:"owner_user_id"`
	Name          string            `gorm:"type:text;not null" json:"name"`
	Slug          string            `gorm:"type:text;not null;uniqueIndex:ux_workspaces_slug" json:"slug"`
	BillingStatus string            `gorm:"type:text;not null;default:active" json:"billing_status"`
	StorageBucket string            `gorm:"type:text;not null" json:"storage_bucket"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Workspace) TableName() string { return "workspaces" }

// BeforeCreate derives the slug from the display name when none was given.
func (w *Workspace) BeforeCreate(_ *gorm.DB) error {
	if w.Slug == "" {
		w.Slug = Slugify(w.Name)
	}
	return nil
}

func (w Workspace) Suspended() bool { return w.BillingStatus == BillingStatusSuspended }

// Project groups work items inside a workspace.
type Project struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	WorkspaceID snowflake.ID `gorm:"not null;index" json:"workspace_id"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	Slug        string       `gorm:"type:text;not null" json:"slug"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Project) TableName() string { return "projects" }

// BeforeCreate derives the slug from the display name when none was given.
func (p *Project) BeforeCreate(_ *gorm.DB) error {
	if p.Slug == "" {
		p.Slug = Slugify(p.Name)
	}
	return nil
}

// Slugify normalizes a display name into a URL-safe slug.
func Slugify(name string) string { return slug.Make(name) }
