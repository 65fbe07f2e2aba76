package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/shared/telemetry"
)

// Logging emits a structured log per request. Handlers enrich it by setting
// documentId, ingestionId and statusTransition on the gin context.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Request.Method, "OPTIONS") {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		documentID, _ := c.Get("documentId")
		ingestionID, _ := c.Get("ingestionId")
		statusTransition := c.GetString("statusTransition")

		telemetry.Info("request.complete", map[string]any{
			"request_id":        RequestIDFromContext(c),
			"method":            c.Request.Method,
			"path":              c.Request.URL.Path,
			"route":             c.FullPath(),
			"status":            c.Writer.Status(),
			"status_transition": statusTransition,
			"duration_ms":       float64(latency.Microseconds()) / 1000.0,
			"document_id":       documentID,
			"ingestion_id":      ingestionID,
			"client_ip":         c.ClientIP(),
			"user_agent":        c.Request.UserAgent(),
		})
	}
}
