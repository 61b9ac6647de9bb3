package route

import (
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/plannr/messaging-service/internal/config"
	"github.com/plannr/messaging-service/internal/service"
)

// Deps are the collaborators handed to route loaders once the service is wired.
type Deps struct {
	Config  *config.Config
	Service *service.MessagingService
}

// RouterLoader mounts routes on r.
type RouterLoader func(r gin.IRouter, deps Deps) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API server, behind the identity middleware.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health, metrics).
	// When no dedicated management port is configured, these are mounted on the main server.
	RouteTypeManagement
)

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Name   string
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	plugins  []Plugin
	sortOnce sync.Once
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func sorted() []Plugin {
	sortOnce.Do(func() {
		sort.SliceStable(plugins, func(i, j int) bool { return plugins[i].Order < plugins[j].Order })
	})
	return plugins
}

func loaders(t RouteType) []RouterLoader {
	var out []RouterLoader
	for _, p := range sorted() {
		if p.Type == t {
			out = append(out, p.Loader)
		}
	}
	return out
}

// MainRouteLoaders returns loaders for RouteTypeMain plugins, sorted by order.
func MainRouteLoaders() []RouterLoader {
	return loaders(RouteTypeMain)
}

// ManagementRouteLoaders returns loaders for RouteTypeManagement plugins, sorted by order.
func ManagementRouteLoaders() []RouterLoader {
	return loaders(RouteTypeManagement)
}
