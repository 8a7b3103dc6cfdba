// Package bridge holds the immutable registry of upstream chat bridges the
// manager fronts. The registry is built once from configuration at startup;
// after that it is read-only and safe for unsynchronised concurrent use.
package bridge

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mautrix/manager/pkg/manager/config"
)

// Shape describes how a bridge's provisioning API is laid out behind its
// mount point.
type Shape int

const (
	// ShapeGeneric forwards every sub-path verbatim (optionally below a
	// fixed sub-path prefix on the upstream side).
	ShapeGeneric Shape = iota
	// ShapeUserScoped exposes user/{id}, portal/... and bridge trees, with
	// the impersonation guard applied to the user tree.
	ShapeUserScoped
	// ShapeLoginStream is generic plus a websocket login relay at /login.
	ShapeLoginStream
)

type definition struct {
	name    string
	shape   Shape
	subPath string
}

// Per-bridge mount layout. The sub-path is the prefix the upstream
// provisioning API lives under; user-scoped bridges carry their prefixes in
// the forwarded path instead.
var definitions = []definition{
	{name: "mautrix-telegram", shape: ShapeUserScoped},
	{name: "mautrix-whatsapp", shape: ShapeLoginStream},
	{name: "mautrix-facebook", shape: ShapeGeneric, subPath: "api"},
	{name: "mautrix-hangouts", shape: ShapeGeneric, subPath: "api"},
	{name: "mx-puppet-slack", shape: ShapeGeneric},
	{name: "mx-puppet-twitter", shape: ShapeGeneric, subPath: "api"},
	{name: "mx-puppet-instagram", shape: ShapeGeneric, subPath: "api"},
}

// Route is one configured bridge target. Upstream is nil when the bridge is
// disabled.
type Route struct {
	Name     string
	Shape    Shape
	Upstream *url.URL
	Secret   string
	SubPath  string
	// Status carries bridge-specific metadata returned by the mount-root
	// status probe (e.g. facebook's domain, slack's OAuth client_id).
	Status map[string]string
}

// Enabled reports whether the route may be forwarded to. A bridge without a
// shared secret is configured off.
func (r Route) Enabled() bool {
	return r.Secret != ""
}

// Registry maps first path segments to routes.
type Registry struct {
	routes map[string]Route
	order  []string
}

// NewRegistry builds the registry from bridge configuration. Every known
// bridge gets a route so disabled bridges still answer with a
// bridge-disabled error instead of a bare 404.
func NewRegistry(bridges map[string]config.BridgeConfig) (*Registry, error) {
	reg := &Registry{routes: make(map[string]Route, len(definitions))}

	for _, def := range definitions {
		cfg := bridges[def.name]
		route := Route{
			Name:    def.name,
			Shape:   def.shape,
			SubPath: def.subPath,
			Secret:  cfg.Secret,
		}

		if cfg.Enabled() {
			upstream, err := url.Parse(cfg.URL)
			if err != nil {
				return nil, fmt.Errorf("bridge %s: parse url %q: %w", def.name, cfg.URL, err)
			}
			route.Upstream = upstream

			status := map[string]string{}
			if cfg.Domain != "" {
				status["domain"] = cfg.Domain
			}
			if cfg.ClientID != "" {
				status["client_id"] = cfg.ClientID
			}
			route.Status = status
		}

		reg.routes[def.name] = route
		reg.order = append(reg.order, def.name)
	}

	return reg, nil
}

// Match resolves a request path to a route and the remaining sub-path.
// Matching is a flat lookup on the first path segment; each bridge owns a
// distinct top-level mount.
func (reg *Registry) Match(path string) (Route, string, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	segment, rest, _ := strings.Cut(trimmed, "/")

	route, ok := reg.routes[segment]
	if !ok {
		return Route{}, "", false
	}
	return route, rest, true
}

// Get returns the route for a bridge name.
func (reg *Registry) Get(name string) (Route, bool) {
	route, ok := reg.routes[name]
	return route, ok
}

// Routes returns all routes in mount order.
func (reg *Registry) Routes() []Route {
	routes := make([]Route, 0, len(reg.order))
	for _, name := range reg.order {
		routes = append(routes, reg.routes[name])
	}
	return routes
}
