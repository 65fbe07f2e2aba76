package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/ingestion"
	"docflow-backend/internal/services/health"
	"docflow-backend/internal/shared/config"
	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/server/middleware"
	"docflow-backend/internal/shared/server/respond"
)

const workerIDHeader = "X-Worker-Id"

const (
	rateGroupDefault = "DEFAULT"
	rateGroupPolling = "POLLING"
	rateGroupWebhook = "WEBHOOK"
	rateGroupProbe   = "PROBE"
)

// RouterDeps holds handlers and config for router wiring.
type RouterDeps struct {
	Config           config.Config
	IngestionHandler *ingestion.Handler
	Health           *health.Service
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: rateGroupDefault,
			GroupFor:     rateGroupFor,
			Rules: map[string]middleware.RateLimitRule{
				rateGroupDefault: {Rate: deps.Config.RateLimitDefaultRate, Burst: deps.Config.RateLimitDefaultBurst},
				rateGroupPolling: {Rate: deps.Config.RateLimitPollRate, Burst: deps.Config.RateLimitPollBurst},
				rateGroupWebhook: {Rate: deps.Config.RateLimitWebhookRate, Burst: deps.Config.RateLimitWebhookBurst},
			},
			KeyFor: rateKeyFor,
		}),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		report := deps.Health.Status(c.Request.Context())
		status := http.StatusOK
		if !report.OK {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, report)
	})
	if deps.IngestionHandler != nil {
		deps.IngestionHandler.RegisterRoutes(api)
	}

	return r
}

// rateKeyFor buckets webhook deliveries per worker, not per source IP.
func rateKeyFor(c *gin.Context, group string) string {
	if group != rateGroupWebhook {
		return ""
	}
	if id := strings.TrimSpace(c.GetHeader(workerIDHeader)); id != "" {
		return "worker:" + id
	}
	return "worker"
}

func rateGroupFor(c *gin.Context) string {
	path := c.FullPath()
	switch {
	case path == "/metrics" || path == "/api/v1/health":
		return rateGroupProbe
	case path == "/api/v1/ingestion/webhook":
		return rateGroupWebhook
	case c.Request.Method == http.MethodGet && strings.HasPrefix(path, "/api/v1/ingestion/"):
		return rateGroupPolling
	default:
		return rateGroupDefault
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
