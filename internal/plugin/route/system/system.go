package system

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/docstore-registry/internal/registry/route"
)

const directoryCheckTimeout = 2 * time.Second

var ready atomic.Bool

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// MarkNotReady flips readiness off so load balancers drain the replica before shutdown.
func MarkNotReady() {
	ready.Store(false)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "system",
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			r.GET("/ready", func(c *gin.Context) {
				readiness(c, deps)
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}

// Readiness is the service state shared by /ready and the gRPC health service.
type Readiness struct {
	Status      string
	Connections int
	// Directory is "ok", a ping error, or empty when no directory is configured.
	Directory string
}

// Serving reports whether the replica should receive traffic.
func (r Readiness) Serving() bool { return r.Status == "ready" }

// Check reports not ready until MarkReady, and degraded while a configured
// replica directory does not answer.
func Check(ctx context.Context, deps registryroute.Deps) Readiness {
	if !ready.Load() {
		return Readiness{Status: "starting"}
	}
	r := Readiness{Status: "ready"}
	if deps.Registry != nil {
		r.Connections = deps.Registry.Len()
	}
	if deps.Directory != nil && deps.Directory.Available() {
		ctx, cancel := context.WithTimeout(ctx, directoryCheckTimeout)
		defer cancel()
		if err := deps.Directory.Ping(ctx); err != nil {
			r.Status = "degraded"
			r.Directory = err.Error()
			return r
		}
		r.Directory = "ok"
	}
	return r
}

func readiness(c *gin.Context, deps registryroute.Deps) {
	r := Check(c.Request.Context(), deps)
	switch r.Status {
	case "starting":
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": r.Status})
	case "degraded":
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": r.Status, "directory": r.Directory})
	default:
		body := gin.H{"status": r.Status}
		if deps.Registry != nil {
			body["connections"] = r.Connections
		}
		if r.Directory != "" {
			body["directory"] = r.Directory
		}
		c.JSON(http.StatusOK, body)
	}
}
