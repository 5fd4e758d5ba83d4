package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Probe checks one component; nil means healthy.
type Probe func(ctx context.Context) error

// HealthHandler reports liveness plus per-component state. The database is
// load-bearing: its failure makes the whole service unhealthy (503). Any
// other failing component degrades the status but keeps the probe at 200 so
// orchestrators do not restart a process that can still answer chats.
type HealthHandler struct {
	DB         *gorm.DB
	Components map[string]Probe
}

// Handle serves GET /health.
func (h *HealthHandler) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	database := "ok"
	if err := h.pingDB(ctx); err != nil {
		database = err.Error()
		status = "unhealthy"
	}

	components := gin.H{}
	for name, probe := range h.Components {
		if err := probe(ctx); err != nil {
			components[name] = err.Error()
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			components[name] = "ok"
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	ok(c, code, gin.H{
		"status":     status,
		"database":   database,
		"components": components,
	})
}

func (h *HealthHandler) pingDB(ctx context.Context) error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
