package route

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chirino/docstore-registry/internal/config"
	"github.com/chirino/docstore-registry/internal/connections"
	"github.com/gin-gonic/gin"
)

// Deps carries the subsystems route plugins mount against.
type Deps struct {
	Config     *config.Config
	Registry   *connections.Registry
	Directory  connections.Directory
	Authorizer connections.Authorizer
	// Auth resolves the caller identity; routes that need a caller mount it first.
	Auth gin.HandlerFunc
}

// RouterLoader mounts a plugin's routes on the gin engine.
type RouterLoader func(r *gin.Engine, deps Deps) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health, metrics).
	// When no dedicated management port is configured, these are mounted on the main server.
	RouteTypeManagement
)

// Plugin is a named route plugin. Lower Order mounts first.
type Plugin struct {
	Name   string
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

// Plugins returns the registered plugins of type t, sorted by order then name.
func Plugins(t RouteType) []Plugin {
	mu.Lock()
	defer mu.Unlock()
	var out []Plugin
	for _, p := range plugins {
		if p.Type == t {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order == out[j].Order {
			return out[i].Name < out[j].Name
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// Mount runs every plugin of type t against r.
func Mount(r *gin.Engine, t RouteType, deps Deps) ([]string, error) {
	var names []string
	for _, p := range Plugins(t) {
		if err := p.Loader(r, deps); err != nil {
			return names, fmt.Errorf("route plugin %q: %w", p.Name, err)
		}
		names = append(names, p.Name)
	}
	return names, nil
}
