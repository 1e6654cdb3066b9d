// Package domain defines billing-entity attribution for usage events.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// EntityType identifies who pays for a usage event.
type EntityType string

const (
	EntityTypeUser         EntityType = "user"
	EntityTypeOrganization EntityType = "organization"
)

// BillingEntity is a computed value, never stored and never trusted from
// client input.
type BillingEntity struct {
	ID   snowflake.ID `json:"id"`
	Type EntityType   `json:"type"`
}

// ResolveInput names the scope of one usage event. Exactly one of WorkspaceID
// or OrgID may be zero; OccurredAt is the event timestamp the cutover rule is
// evaluated against.
type ResolveInput struct {
	WorkspaceID snowflake.ID
	OrgID       snowflake.ID
	OccurredAt  time.Time
}

// Attribution is the resolver output: who pays, and which workspace the event
// is recorded against (org-scoped events borrow one of the org's workspaces
// to satisfy the event schema).
type Attribution struct {
	Entity      BillingEntity
	WorkspaceID snowflake.ID
}

// Resolver computes the billing entity for a usage event, applying the
// organization billing cutover rule server-side.
type Resolver interface {
	Resolve(ctx context.Context, in ResolveInput) (Attribution, error)
}

// ErrUnattributable means the event has no valid billing target (unknown
// workspace/organization, or an organization with zero workspaces). Callers
// drop the event; this error never surfaces to a requester.
var ErrUnattributable = errors.New("unattributable_usage")
