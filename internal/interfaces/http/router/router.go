package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIPrefix is the mount point of every route group
const APIPrefix = "/api/v1"

// Middleware is the global chain, installed in field order. Nil entries are
// skipped. Recovery must stay first so it sees panics raised by everything
// after it, the idempotency middleware included.
type Middleware struct {
	Recovery  gin.HandlerFunc
	Tracing   []gin.HandlerFunc
	Logging   gin.HandlerFunc
	Metrics   gin.HandlerFunc
	Secure    gin.HandlerFunc
	CORS      gin.HandlerFunc
	BodyLimit gin.HandlerFunc
}

func (m Middleware) chain() []gin.HandlerFunc {
	chain := make([]gin.HandlerFunc, 0, 6+len(m.Tracing))
	add := func(h gin.HandlerFunc) {
		if h != nil {
			chain = append(chain, h)
		}
	}
	add(m.Recovery)
	for _, h := range m.Tracing {
		add(h)
	}
	add(m.Logging)
	add(m.Metrics)
	add(m.Secure)
	add(m.CORS)
	add(m.BodyLimit)
	return chain
}

// Router mounts the probes and route groups on a gin engine
type Router struct {
	engine      *gin.Engine
	global      Middleware
	tenant      gin.HandlerFunc
	idempotency gin.HandlerFunc
	probes      []route
	groups      []*RouteGroup
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithMiddleware sets the global chain
func WithMiddleware(m Middleware) RouterOption {
	return func(r *Router) {
		r.global = m
	}
}

// WithTenant sets the middleware that scopes a request to its tenant. It
// runs for every route of a TenantScoped group.
func WithTenant(h gin.HandlerFunc) RouterOption {
	return func(r *Router) {
		r.tenant = h
	}
}

// WithIdempotency sets the middleware that guards the POST routes of an
// IdempotentWrites group
func WithIdempotency(h gin.HandlerFunc) RouterOption {
	return func(r *Router) {
		r.idempotency = h
	}
}

// NewRouter creates a Router for engine
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{engine: engine}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Probe adds a GET route at the engine root, outside APIPrefix
func (r *Router) Probe(path string, h gin.HandlerFunc) *Router {
	r.probes = append(r.probes, route{method: http.MethodGet, path: path, handler: h})
	return r
}

// Register adds a group to be mounted by Setup
func (r *Router) Register(g *RouteGroup) *Router {
	r.groups = append(r.groups, g)
	return r
}

// Setup installs the global chain and then every route. gin only applies
// middleware to routes added after it, so the order here matters.
func (r *Router) Setup() {
	r.engine.Use(r.global.chain()...)

	for _, p := range r.probes {
		r.engine.Handle(p.method, p.path, p.handler)
	}

	api := r.engine.Group(APIPrefix)
	for _, g := range r.groups {
		g.mount(api, r)
	}
}

type route struct {
	method  string
	path    string
	handler gin.HandlerFunc
}

// RouteGroup is a set of routes under one prefix
type RouteGroup struct {
	name             string
	prefix           string
	tenantScoped     bool
	idempotentWrites bool
	routes           []route
	subgroups        []*RouteGroup
}

// NewRouteGroup creates an empty group
func NewRouteGroup(name, prefix string) *RouteGroup {
	return &RouteGroup{name: name, prefix: prefix}
}

// TenantScoped requires a tenant on every route of the group and its subgroups
func (g *RouteGroup) TenantScoped() *RouteGroup {
	g.tenantScoped = true
	return g
}

// IdempotentWrites honours Idempotency-Key on the group's POST routes.
// Subgroups decide for themselves.
func (g *RouteGroup) IdempotentWrites() *RouteGroup {
	g.idempotentWrites = true
	return g
}

// GET adds a read route
func (g *RouteGroup) GET(path string, h gin.HandlerFunc) *RouteGroup {
	g.routes = append(g.routes, route{method: http.MethodGet, path: path, handler: h})
	return g
}

// POST adds a write route
func (g *RouteGroup) POST(path string, h gin.HandlerFunc) *RouteGroup {
	g.routes = append(g.routes, route{method: http.MethodPost, path: path, handler: h})
	return g
}

// DELETE adds a delete route
func (g *RouteGroup) DELETE(path string, h gin.HandlerFunc) *RouteGroup {
	g.routes = append(g.routes, route{method: http.MethodDelete, path: path, handler: h})
	return g
}

// Group creates a subgroup below this one
func (g *RouteGroup) Group(name, prefix string) *RouteGroup {
	sub := NewRouteGroup(name, prefix)
	g.subgroups = append(g.subgroups, sub)
	return sub
}

// Name returns the group name
func (g *RouteGroup) Name() string {
	return g.name
}

// Prefix returns the group prefix
func (g *RouteGroup) Prefix() string {
	return g.prefix
}

func (g *RouteGroup) mount(parent *gin.RouterGroup, r *Router) {
	group := parent.Group(g.prefix)
	if g.tenantScoped && r.tenant != nil {
		group.Use(r.tenant)
	}

	for _, rt := range g.routes {
		handlers := make([]gin.HandlerFunc, 0, 2)
		if g.idempotentWrites && rt.method == http.MethodPost && r.idempotency != nil {
			handlers = append(handlers, r.idempotency)
		}
		handlers = append(handlers, rt.handler)
		group.Handle(rt.method, rt.path, handlers...)
	}

	for _, sub := range g.subgroups {
		sub.mount(group, r)
	}
}
