package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opsboard/opsboard/internal/authctx"
	billingdomain "github.com/opsboard/opsboard/internal/billingentity/domain"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	"github.com/opsboard/opsboard/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type ingestUsageRequest struct {
	WorkspaceID    string         `json:"workspace_id"`
	OrgID          string         `json:"org_id"`
	ProjectID      string         `json:"project_id"`
	ResourceType   string         `json:"resource_type" binding:"required"`
	Units          int64          `json:"units"`
	Source         string         `json:"source" binding:"required"`
	RecordedAt     time.Time      `json:"recorded_at"`
	IdempotencyKey string         `json:"idempotency_key" binding:"required"`
	Metadata       map[string]any `json:"metadata"`
}

type ingestUsageResponse struct {
	UsageEvent   *usagedomain.UsageEvent `json:"usage_event"`
	Deduplicated bool                    `json:"deduplicated"`
}

// ingestUsage lets jobs and compute producers report non-traffic usage.
func (s *Server) ingestUsage(c *gin.Context) {
	var req ingestUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	caller := authctx.UserIDFromContext(ctx)

	limit, err := s.limiter.AllowCaller(ctx, caller)
	if err != nil {
		s.log.Warn("ingest rate limit check failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}
	if !limit.Allowed {
		if limit.RetryAfter > 0 {
			c.Header("Retry-After", limit.RetryAfter.Round(time.Second).String())
		}
		AbortWithError(c, ErrRateLimited)
		return
	}

	attribution, err := s.resolver.Resolve(ctx, billingdomain.ResolveInput{
		WorkspaceID: parseSnowflake(req.WorkspaceID),
		OrgID:       parseSnowflake(req.OrgID),
		OccurredAt:  s.clock.Now(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Serialize writers against the same workspace counter while the write
	// is in flight.
	token, locked, err := s.limiter.TryLockCounter(ctx, attribution.WorkspaceID.String(), req.ResourceType)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !locked {
		AbortWithError(c, ErrConflict)
		return
	}
	defer func() {
		if err := s.limiter.ReleaseCounter(ctx, attribution.WorkspaceID.String(), req.ResourceType, token); err != nil {
			s.log.Warn("release ingest lock failed", zap.Error(err))
		}
	}()

	record := usagedomain.RecordRequest{
		WorkspaceID:       attribution.WorkspaceID,
		BillingEntityID:   attribution.Entity.ID,
		BillingEntityType: string(attribution.Entity.Type),
		ResourceType:      req.ResourceType,
		Units:             req.Units,
		Source:            req.Source,
		RecordedAt:        req.RecordedAt,
		IdempotencyKey:    req.IdempotencyKey,
		Metadata:          datatypes.JSONMap(req.Metadata),
	}
	if id := parseSnowflake(req.ProjectID); id != 0 {
		record.ProjectID = &id
	}

	result, err := s.usageSvc.Record(ctx, record)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ingestUsageResponse{
		UsageEvent:   result.Event,
		Deduplicated: result.Deduplicated,
	})
}

type listUsageQuery struct {
	WorkspaceID  string `form:"workspace_id" binding:"required"`
	ResourceType string `form:"resource_type"`
	Source       string `form:"source"`
	pagination.Pagination
}

func (s *Server) listUsage(c *gin.Context) {
	var query listUsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.usageSvc.List(c.Request.Context(), usagedomain.ListRequest{
		WorkspaceID:  parseSnowflake(query.WorkspaceID),
		ResourceType: query.ResourceType,
		Source:       query.Source,
		Pagination:   query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
