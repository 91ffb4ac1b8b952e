// Package admin mounts operator routes: registry-wide eviction and
// Prometheus-backed connection statistics.
package admin

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/docstore-registry/internal/config"
	"github.com/chirino/docstore-registry/internal/connections"
	registryroute "github.com/chirino/docstore-registry/internal/registry/route"
	"github.com/chirino/docstore-registry/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "admin",
		Order: 20,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			if deps.Registry == nil || deps.Auth == nil {
				return errors.New("admin routes need a registry and an auth middleware")
			}
			MountRoutes(r, deps.Registry, deps.Config, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts admin API routes. Every route requires the admin role.
func MountRoutes(r *gin.Engine, reg *connections.Registry, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1/admin", auth, security.RequireAdminRole())

	g.POST("/evict", func(c *gin.Context) {
		adminEvict(c, reg)
	})

	stats := newPrometheusStatsHandler(cfg)
	g.GET("/stats/request-rate", stats.rangeHandler(requestRateQuery, "request_rate", "requests/sec"))
	g.GET("/stats/error-rate", stats.rangeHandler(errorRateQuery, "error_rate", "percent"))
	g.GET("/stats/open-connections", stats.rangeHandler(openConnectionsQuery, "open_connections", "connections"))
	g.GET("/stats/create-rate", stats.multiSeriesHandler(createRateQuery, "create_rate", "connections/sec", "outcome"))
	g.GET("/stats/removal-rate", stats.multiSeriesHandler(removalRateQuery, "removal_rate", "connections/sec", "cause"))
	g.GET("/stats/driver-latency-p95", stats.multiSeriesHandler(driverLatencyP95Query, "driver_latency_p95", "seconds", "operation"))
}

// adminEvict closes every connection idle for at least maxIdle.
func adminEvict(c *gin.Context, reg *connections.Registry) {
	var req struct {
		MaxIdle string `json:"maxIdle" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	maxIdle, err := config.ParseDuration(req.MaxIdle)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": fmt.Sprintf("invalid maxIdle: %v", err)})
		return
	}

	evicted := reg.EvictIdle(c.Request.Context(), maxIdle)
	log.Info("Admin eviction", "user", security.GetIdentity(c).UserID, "maxIdle", maxIdle, "evicted", evicted)
	c.JSON(http.StatusOK, gin.H{"evicted": evicted, "remaining": reg.Len()})
}
