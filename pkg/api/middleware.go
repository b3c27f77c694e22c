package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/tiller/pkg/services"
)

// TenantHeader names the header every /api/v1 request must carry.
const TenantHeader = "X-Tenant-ID"

const tenantKey = "tenant_id"

// tenantMiddleware extracts the tenant id and rejects requests without
// one. Every downstream read and write is scoped by it.
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{Error: errorBody{
				Code:    services.CodeInvalidRequest,
				Message: TenantHeader + " header is required",
			}})
			return
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

func tenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// requestLogger logs one line per request with latency and status.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", c.GetString(tenantKey))
	}
}
