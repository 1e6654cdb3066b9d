// Package domain contains the invoice model and the monthly run contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/opsboard/opsboard/internal/billingentity/domain"
	"gorm.io/datatypes"
)

// PeriodLayout formats invoice periods as UTC calendar months.
const PeriodLayout = "2006-01"

// Invoice statuses.
const (
	StatusDraft  = "draft"
	StatusIssued = "issued"
)

// Invoice is one billing entity's charge for one month. At most one row per
// (entity, period); the processed event registry guards generation and the
// unique index backs it up.
type Invoice struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	Number            string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_number" json:"number"`
	BillingEntityID   snowflake.ID      `gorm:"not null;uniqueIndex:ux_invoices_entity_period,priority:1" json:"billing_entity_id"`
	BillingEntityType string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_entity_period,priority:2" json:"billing_entity_type"`
	Period            string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_entity_period,priority:3" json:"period"`
	TrafficUnits      int64             `gorm:"not null" json:"traffic_units"`
	ComputeUnits      int64             `gorm:"not null" json:"compute_units"`
	StorageGBAvg      float64           `gorm:"not null" json:"storage_gb_avg"`
	AmountCents       int64             `gorm:"not null" json:"amount_cents"`
	Currency          string            `gorm:"type:text;not null;default:USD" json:"currency"`
	Status            string            `gorm:"type:text;not null;default:draft" json:"status"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// RunResult summarizes one monthly invoice run.
type RunResult struct {
	Period    string `json:"period"`
	Generated int    `json:"generated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// ErrAlreadyInvoiced means another run already generated this invoice.
var ErrAlreadyInvoiced = errors.New("already_invoiced")

// Runner generates monthly invoices.
type Runner interface {
	// RunMonth invoices every billing entity that produced usage during the
	// month containing ref. Per-entity failures are isolated.
	RunMonth(ctx context.Context, ref time.Time) (RunResult, error)

	// GenerateOne invoices a single entity for the month containing ref.
	// Returns ErrAlreadyInvoiced when a prior run holds the generation lock.
	GenerateOne(ctx context.Context, entity billingdomain.BillingEntity, ref time.Time) (*Invoice, error)
}
