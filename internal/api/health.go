package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/matching"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler is public so load balancers can reach it without a token.
type HealthHandler struct {
	checks  map[string]HealthCheck
	matches *matching.Store
	logger  *zap.Logger
}

func NewHealthHandler(checks map[string]HealthCheck, matches *matching.Store, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, matches: matches, logger: logger}
}

// Get handles GET /v1/health
//
// Any failing check turns the response into a 503. A degraded match store
// is reported but keeps the service healthy: matching still works, just
// without durability.
func (h *HealthHandler) Get(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	matchStore := "durable"
	if h.matches.Degraded() {
		matchStore = "degraded"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unavailable"
	}
	c.JSON(status, gin.H{
		"status":      overall,
		"checks":      results,
		"match_store": matchStore,
	})
}
