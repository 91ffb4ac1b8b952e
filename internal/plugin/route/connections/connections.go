package connections

import (
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/docstore-registry/internal/connections"
	registrydriver "github.com/chirino/docstore-registry/internal/registry/driver"
	registryroute "github.com/chirino/docstore-registry/internal/registry/route"
	"github.com/chirino/docstore-registry/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "connections",
		Order: 10,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			if deps.Registry == nil || deps.Authorizer == nil || deps.Auth == nil {
				return errors.New("connections routes need a registry, an authorizer and an auth middleware")
			}
			MountRoutes(r, deps.Registry, deps.Authorizer, deps.Auth)
			return nil
		},
	})
}

type createRequest struct {
	URL string `json:"url"`
}

// MountRoutes mounts connection registry routes.
func MountRoutes(r *gin.Engine, reg *connections.Registry, authz connections.Authorizer, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/connections", func(c *gin.Context) {
		createConnection(c, reg)
	})
	g.GET("/connections", security.RequireAdminRole(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": reg.List()})
	})

	byID := g.Group("/connections/:id", requireGate(authz))
	byID.GET("", func(c *gin.Context) {
		getConnection(c, reg)
	})
	byID.POST("/ping", func(c *gin.Context) {
		pingConnection(c, reg)
	})
	byID.GET("/databases", func(c *gin.Context) {
		listDatabases(c, reg)
	})
	byID.GET("/databases/:db/collections", func(c *gin.Context) {
		listCollections(c, reg)
	})
	byID.DELETE("", func(c *gin.Context) {
		deleteConnection(c, reg)
	})
}

// requireGate applies the connect gate to operations on existing connections.
func requireGate(authz connections.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := security.GetIdentity(c)
		if d := authz.Authorize(c.Request.Context(), caller); !d.Allowed {
			security.AuditDenial(c.Request.Method+" "+c.FullPath(), caller, d)
			handleError(c, registrydriver.Permission(d.Reason))
			c.Abort()
			return
		}
		c.Next()
	}
}

func createConnection(c *gin.Context, reg *connections.Registry) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "url is required"})
		return
	}

	id, err := reg.Create(c.Request.Context(), req.URL, security.GetIdentity(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// lookup resolves the :id path parameter. Connections owned by someone else
// are reported as not found unless the caller is an admin.
func lookup(c *gin.Context, reg *connections.Registry) (registrydriver.Handle, connections.Info, bool) {
	id := c.Param("id")
	caller := security.GetIdentity(c)
	h, info, err := reg.Get(id)
	if err != nil {
		if registrydriver.IsKind(err, registrydriver.KindNotFound) && misdirected(c, reg, id, caller) {
			return nil, connections.Info{}, false
		}
		handleError(c, err)
		return nil, connections.Info{}, false
	}
	if !caller.IsAdmin() && info.Owner != caller.UserID {
		handleError(c, registrydriver.NotFound(id))
		return nil, connections.Info{}, false
	}
	if info, err = reg.Touch(id); err != nil {
		handleError(c, err)
		return nil, connections.Info{}, false
	}
	return h, info, true
}

// misdirected answers 421 when the directory places id on another replica.
func misdirected(c *gin.Context, reg *connections.Registry, id string, caller security.Identity) bool {
	loc, err := reg.Locate(c.Request.Context(), id)
	if err != nil {
		log.Warn("Connection directory lookup failed", "id", id, "err", err)
		return false
	}
	if loc == nil || (!caller.IsAdmin() && loc.Owner != caller.UserID) {
		return false
	}
	c.JSON(http.StatusMisdirectedRequest, gin.H{
		"code":    "misdirected",
		"error":   "connection " + id + " is held by another replica",
		"replica": loc.Replica,
	})
	return true
}

func getConnection(c *gin.Context, reg *connections.Registry) {
	_, info, ok := lookup(c, reg)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, info)
}

func pingConnection(c *gin.Context, reg *connections.Registry) {
	h, _, ok := lookup(c, reg)
	if !ok {
		return
	}
	if err := h.Ping(c.Request.Context()); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func listDatabases(c *gin.Context, reg *connections.Registry) {
	h, _, ok := lookup(c, reg)
	if !ok {
		return
	}
	names, err := h.ListDatabaseNames(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": names})
}

func listCollections(c *gin.Context, reg *connections.Registry) {
	h, _, ok := lookup(c, reg)
	if !ok {
		return
	}
	names, err := h.ListCollectionNames(c.Request.Context(), c.Param("db"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": names})
}

func deleteConnection(c *gin.Context, reg *connections.Registry) {
	if _, _, ok := lookup(c, reg); !ok {
		return
	}
	if err := reg.Remove(c.Request.Context(), c.Param("id")); err != nil {
		// The entry is gone even when close failed; report the failure.
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func handleError(c *gin.Context, err error) {
	switch registrydriver.KindOf(err) {
	case registrydriver.KindPermission:
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case registrydriver.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case registrydriver.KindUnreachableHost:
		c.JSON(http.StatusBadGateway, gin.H{"code": "unreachable_host", "error": err.Error()})
	case registrydriver.KindProtocol:
		c.JSON(http.StatusBadRequest, gin.H{"code": "protocol_error", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "unknown_error", "error": err.Error()})
	}
}
