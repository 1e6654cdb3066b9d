package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/opsboard/opsboard/internal/billingentity/domain"
	orgdomain "github.com/opsboard/opsboard/internal/organization/domain"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestResolver(t *testing.T) (domain.Resolver, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&workspacedomain.Workspace{}, &orgdomain.Organization{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	resolver := NewResolver(ResolverParam{DB: db, Log: zap.NewNop()})
	return resolver, db, node
}

func TestResolve_PersonalWorkspace(t *testing.T) {
	resolver, db, node := newTestResolver(t)

	owner := node.Generate()
	workspace := workspacedomain.Workspace{
		ID:            node.Generate(),
		OwnerUserID:   owner,
		Name:          "Personal",
		Slug:          "personal",
		BillingStatus: workspacedomain.BillingStatusActive,
		StorageBucket: "ws-personal",
	}
	require.NoError(t, db.Create(&workspace).Error)

	attribution, err := resolver.Resolve(context.Background(), domain.ResolveInput{
		WorkspaceID: workspace.ID,
		OccurredAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, owner, attribution.Entity.ID)
	assert.Equal(t, domain.EntityTypeUser, attribution.Entity.Type)
	assert.Equal(t, workspace.ID, attribution.WorkspaceID)
}

func TestResolve_BillingCutover(t *testing.T) {
	resolver, db, node := newTestResolver(t)

	cutover := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	org := orgdomain.Organization{
		ID:             node.Generate(),
		Name:           "Acme",
		Slug:           "acme",
		BillingStartAt: &cutover,
	}
	require.NoError(t, db.Create(&org).Error)

	owner := node.Generate()
	orgID := org.ID
	workspace := workspacedomain.Workspace{
		ID:            node.Generate(),
		OrgID:         &orgID,
		OwnerUserID:   owner,
		Name:          "Acme Eng",
		Slug:          "acme-eng",
		BillingStatus: workspacedomain.BillingStatusActive,
		StorageBucket: "ws-acme-eng",
	}
	require.NoError(t, db.Create(&workspace).Error)

	tests := []struct {
		name       string
		occurredAt time.Time
		wantID     snowflake.ID
		wantType   domain.EntityType
	}{
		{
			name:       "before cutover bills the owner",
			occurredAt: time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC),
			wantID:     owner,
			wantType:   domain.EntityTypeUser,
		},
		{
			name:       "after cutover bills the organization",
			occurredAt: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
			wantID:     org.ID,
			wantType:   domain.EntityTypeOrganization,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attribution, err := resolver.Resolve(context.Background(), domain.ResolveInput{
				WorkspaceID: workspace.ID,
				OccurredAt:  tt.occurredAt,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, attribution.Entity.ID)
			assert.Equal(t, tt.wantType, attribution.Entity.Type)
		})
	}
}

func TestResolve_NilBillingStart_BillsOwner(t *testing.T) {
	resolver, db, node := newTestResolver(t)

	org := orgdomain.Organization{ID: node.Generate(), Name: "Dormant", Slug: "dormant"}
	require.NoError(t, db.Create(&org).Error)

	owner := node.Generate()
	orgID := org.ID
	workspace := workspacedomain.Workspace{
		ID:            node.Generate(),
		OrgID:         &orgID,
		OwnerUserID:   owner,
		Name:          "Dormant WS",
		Slug:          "dormant-ws",
		BillingStatus: workspacedomain.BillingStatusActive,
		StorageBucket: "ws-dormant",
	}
	require.NoError(t, db.Create(&workspace).Error)

	attribution, err := resolver.Resolve(context.Background(), domain.ResolveInput{
		WorkspaceID: workspace.ID,
		OccurredAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EntityTypeUser, attribution.Entity.Type)
	assert.Equal(t, owner, attribution.Entity.ID)
}

func TestResolve_OrgScoped_PicksWorkspace(t *testing.T) {
	resolver, db, node := newTestResolver(t)

	cutover := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	org := orgdomain.Organization{
		ID:             node.Generate(),
		Name:           "Globex",
		Slug:           "globex",
		BillingStartAt: &cutover,
	}
	require.NoError(t, db.Create(&org).Error)

	orgID := org.ID
	workspace := workspacedomain.Workspace{
		ID:            node.Generate(),
		OrgID:         &orgID,
		OwnerUserID:   node.Generate(),
		Name:          "Globex Ops",
		Slug:          "globex-ops",
		BillingStatus: workspacedomain.BillingStatusActive,
		StorageBucket: "ws-globex",
	}
	require.NoError(t, db.Create(&workspace).Error)

	attribution, err := resolver.Resolve(context.Background(), domain.ResolveInput{
		OrgID:      org.ID,
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, workspace.ID, attribution.WorkspaceID)
	assert.Equal(t, domain.EntityTypeOrganization, attribution.Entity.Type)
}

func TestResolve_Unattributable(t *testing.T) {
	resolver, db, node := newTestResolver(t)

	emptyOrg := orgdomain.Organization{ID: node.Generate(), Name: "Empty", Slug: "empty"}
	require.NoError(t, db.Create(&emptyOrg).Error)

	tests := []struct {
		name string
		in   domain.ResolveInput
	}{
		{name: "unknown workspace", in: domain.ResolveInput{WorkspaceID: node.Generate()}},
		{name: "org with zero workspaces", in: domain.ResolveInput{OrgID: emptyOrg.ID}},
		{name: "neither workspace nor org", in: domain.ResolveInput{}},
		{name: "unknown org", in: domain.ResolveInput{OrgID: node.Generate()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.OccurredAt = time.Now().UTC()
			_, err := resolver.Resolve(context.Background(), tt.in)
			assert.ErrorIs(t, err, domain.ErrUnattributable)
		})
	}
}
