package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/opsboard/opsboard/internal/authctx"
	billingdomain "github.com/opsboard/opsboard/internal/billingentity/domain"
	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/observability/metrics"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	maxSniffBody = 1 << 20 // only read bodies up to 1 MiB for scope sniffing
	emitTimeout  = 10 * time.Second
)

// skipPaths are operational endpoints that never bill.
var skipPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Middleware meters HTTP traffic. Request handling never blocks or fails on
// metering: attribution and the event write happen on a detached goroutine
// after the response is sent.
func Middleware(emitter Emitter, resolver billingdomain.Resolver, m *metrics.MeteringMetrics, clk clock.Clock, log *zap.Logger) gin.HandlerFunc {
	log = log.Named("metering")

	return func(c *gin.Context) {
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		bytesIn, body := measureRequest(c)
		scope := extractScope(c, body)

		start := clk.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		method := c.Request.Method
		status := c.Writer.Status()
		bytesOut := int64(c.Writer.Size())
		if bytesOut < 0 {
			bytesOut = 0
		}

		userID := authctx.UserIDFromContext(c.Request.Context())
		occurredAt := clk.Now()
		durationMS := occurredAt.Sub(start).Milliseconds()
		key := trafficKey(userID, endpoint, method, occurredAt)

		// Values are captured above; the request context is gone by the time
		// this runs.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
			defer cancel()

			attribution, err := resolver.Resolve(ctx, billingdomain.ResolveInput{
				WorkspaceID: scope.workspaceID,
				OrgID:       scope.orgID,
				OccurredAt:  occurredAt,
			})
			if err != nil {
				if errors.Is(err, billingdomain.ErrUnattributable) {
					m.IncDropped(metrics.DropReasonUnattributable)
					log.Debug("dropped unattributable traffic",
						zap.String("endpoint", endpoint),
						zap.Int64("workspace_id", int64(scope.workspaceID)),
						zap.Int64("org_id", int64(scope.orgID)))
					return
				}
				m.IncDropped(metrics.DropReasonStore)
				log.Warn("attribution failed", zap.String("endpoint", endpoint), zap.Error(err))
				return
			}

			req := usagedomain.RecordRequest{
				WorkspaceID:       attribution.WorkspaceID,
				BillingEntityID:   attribution.Entity.ID,
				BillingEntityType: string(attribution.Entity.Type),
				ResourceType:      usagedomain.ResourceTraffic,
				Units:             bytesIn + bytesOut,
				Source:            usagedomain.SourceAPI,
				RecordedAt:        occurredAt,
				IdempotencyKey:    key,
				Metadata: datatypes.JSONMap{
					usagedomain.MetaMethod:            method,
					usagedomain.MetaEndpoint:          endpoint,
					usagedomain.MetaDurationMS:        durationMS,
					usagedomain.MetaStatusCode:        status,
					usagedomain.MetaIdempotencyKey:    key,
					usagedomain.MetaBillingEntityID:   attribution.Entity.ID.String(),
					usagedomain.MetaBillingEntityType: string(attribution.Entity.Type),
				},
			}

			if err := emitter.Emit(ctx, req); err != nil {
				log.Warn("traffic emit failed", zap.String("idempotency_key", key), zap.Error(err))
			}
		}()
	}
}

// trafficKey collapses retries of the same call within one second into a
// single billable event.
func trafficKey(userID, endpoint, method string, at time.Time) string {
	return fmt.Sprintf("traffic:%s:%s:%s:%d", userID, endpoint, method, at.Unix())
}

type requestScope struct {
	workspaceID snowflake.ID
	orgID       snowflake.ID
}

// measureRequest returns the billable request size. JSON bodies are read and
// counted directly, then restored for the downstream handler; everything else
// falls back to the declared Content-Length. A read fault means size 0.
func measureRequest(c *gin.Context) (int64, []byte) {
	declared := c.Request.ContentLength
	if declared < 0 {
		declared = 0
	}
	if c.Request.Body == nil || c.ContentType() != "application/json" {
		return declared, nil
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSniffBody))
	// The handler still needs the body, including any tail past the sniff cap.
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))
	if err != nil {
		return 0, nil
	}

	bytesIn := int64(len(body))
	// A declared length past the sniff cap is trusted over the truncated read.
	if declared > bytesIn {
		bytesIn = declared
	}
	return bytesIn, body
}

// extractScope finds the workspace or organization a request addresses,
// checking path params, then query params, then the JSON body read by
// measureRequest.
func extractScope(c *gin.Context, body []byte) requestScope {
	var scope requestScope

	scope.workspaceID = parseID(c.Param("workspace_id"))
	scope.orgID = parseID(c.Param("org_id"))
	if scope.workspaceID != 0 || scope.orgID != 0 {
		return scope
	}

	scope.workspaceID = parseID(c.Query("workspace_id"))
	scope.orgID = parseID(c.Query("org_id"))
	if scope.workspaceID != 0 || scope.orgID != 0 {
		return scope
	}

	if len(body) == 0 {
		return scope
	}
	var payload struct {
		WorkspaceID string `json:"workspace_id"`
		OrgID       string `json:"org_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return scope
	}
	scope.workspaceID = parseID(payload.WorkspaceID)
	scope.orgID = parseID(payload.OrgID)
	return scope
}

func parseID(raw string) snowflake.ID {
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0
	}
	return id
}
