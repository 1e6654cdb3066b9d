package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/opsboard/opsboard/internal/authctx"
)

// Identity propagates the caller identity from the X-User-Id header into the
// request context. Authentication itself is terminated upstream at the
// gateway; absent the header, requests run as anonymous.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader("X-User-Id")); uid != "" {
			c.Request = c.Request.WithContext(authctx.WithUserID(c.Request.Context(), uid))
		}
		c.Next()
	}
}
