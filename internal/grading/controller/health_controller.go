package controller

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthController reports dependency liveness.
type HealthController struct {
	checks map[string]HealthCheck
}

// NewHealthController creates a controller over named checks.
func NewHealthController(checks map[string]HealthCheck) *HealthController {
	return &HealthController{checks: checks}
}

// Healthz pings every dependency and answers 503 when any is down.
func (h *HealthController) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	result := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			result[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": result})
}
