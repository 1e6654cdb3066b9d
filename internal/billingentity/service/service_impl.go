package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsboard/opsboard/internal/billingentity/domain"
	"github.com/opsboard/opsboard/internal/cache"
	orgdomain "github.com/opsboard/opsboard/internal/organization/domain"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	workspaceTTL = 45 * time.Second
	orgTTL       = 10 * time.Minute
)

type ResolverParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Resolver struct {
	db  *gorm.DB
	log *zap.Logger

	workspaces cache.Cache[snowflake.ID, workspacedomain.Workspace]
	orgs       cache.Cache[snowflake.ID, orgdomain.Organization]
}

func NewResolver(p ResolverParam) domain.Resolver {
	return &Resolver{
		db:         p.DB,
		log:        p.Log.Named("billingentity.resolver"),
		workspaces: cache.NewTTLCache[snowflake.ID, workspacedomain.Workspace](),
		orgs:       cache.NewTTLCache[snowflake.ID, orgdomain.Organization](),
	}
}

func (r *Resolver) Resolve(ctx context.Context, in domain.ResolveInput) (domain.Attribution, error) {
	workspaceID := in.WorkspaceID
	if workspaceID == 0 {
		if in.OrgID == 0 {
			return domain.Attribution{}, domain.ErrUnattributable
		}
		// Org-scoped request with no workspace in the URL or body: borrow
		// any workspace of the org so the event stays workspace-attributed.
		picked, err := r.anyWorkspaceOfOrg(ctx, in.OrgID)
		if err != nil {
			return domain.Attribution{}, err
		}
		workspaceID = picked
	}

	workspace, err := r.loadWorkspace(ctx, workspaceID)
	if err != nil {
		return domain.Attribution{}, err
	}

	if workspace.OrgID == nil || *workspace.OrgID == 0 {
		return domain.Attribution{
			Entity:      domain.BillingEntity{ID: workspace.OwnerUserID, Type: domain.EntityTypeUser},
			WorkspaceID: workspace.ID,
		}, nil
	}

	org, err := r.loadOrganization(ctx, *workspace.OrgID)
	if err != nil {
		return domain.Attribution{}, err
	}

	// Cutover rule: until the org's billing start date the personal owner
	// keeps paying (onboarding grace period). A nil start date means the
	// org never activated billing.
	if org.BillingStartAt == nil || in.OccurredAt.Before(*org.BillingStartAt) {
		return domain.Attribution{
			Entity:      domain.BillingEntity{ID: workspace.OwnerUserID, Type: domain.EntityTypeUser},
			WorkspaceID: workspace.ID,
		}, nil
	}

	return domain.Attribution{
		Entity:      domain.BillingEntity{ID: org.ID, Type: domain.EntityTypeOrganization},
		WorkspaceID: workspace.ID,
	}, nil
}

func (r *Resolver) loadWorkspace(ctx context.Context, id snowflake.ID) (workspacedomain.Workspace, error) {
	if cached, ok := r.workspaces.Get(id); ok {
		return cached, nil
	}

	var workspace workspacedomain.Workspace
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&workspace).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted or never existed: the event cannot be attributed.
			return workspacedomain.Workspace{}, domain.ErrUnattributable
		}
		return workspacedomain.Workspace{}, err
	}

	r.workspaces.Set(id, workspace, workspaceTTL)
	return workspace, nil
}

func (r *Resolver) loadOrganization(ctx context.Context, id snowflake.ID) (orgdomain.Organization, error) {
	if cached, ok := r.orgs.Get(id); ok {
		return cached, nil
	}

	var org orgdomain.Organization
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orgdomain.Organization{}, domain.ErrUnattributable
		}
		return orgdomain.Organization{}, err
	}

	r.orgs.Set(id, org, orgTTL)
	return org, nil
}

func (r *Resolver) anyWorkspaceOfOrg(ctx context.Context, orgID snowflake.ID) (snowflake.ID, error) {
	var workspace workspacedomain.Workspace
	err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("id").
		First(&workspace).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.log.Debug("organization has no workspaces, dropping event",
				zap.String("org_id", orgID.String()),
			)
			return 0, domain.ErrUnattributable
		}
		return 0, err
	}
	return workspace.ID, nil
}
