// Package router mounts the service's handler groups onto the gin
// engine under a versioned API prefix.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Registrar mounts a set of routes under a shared router group
type Registrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router collects registrars and mounts them under /api/<version>
type Router struct {
	engine  *gin.Engine
	version string
	groups  []Registrar
}

// Option configures a Router
type Option func(*Router)

// WithAPIVersion overrides the default "v1" prefix segment
func WithAPIVersion(version string) Option {
	return func(r *Router) {
		r.version = version
	}
}

// NewRouter creates a router bound to the given engine
func NewRouter(engine *gin.Engine, opts ...Option) *Router {
	r := &Router{engine: engine, version: "v1"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register queues a registrar for Setup
func (r *Router) Register(reg Registrar) *Router {
	r.groups = append(r.groups, reg)
	return r
}

// Setup mounts every registered group on the engine
func (r *Router) Setup() {
	api := r.engine.Group("/api/" + r.version)
	for _, reg := range r.groups {
		reg.RegisterRoutes(api)
	}
}

// DomainGroup declares the routes of one API surface (sync entities,
// webhook ingress, system) before they are mounted. Declaration and
// mounting are separate so main can assemble groups without touching
// the engine.
type DomainGroup struct {
	name       string
	prefix     string
	middleware []gin.HandlerFunc
	routes     []route
}

type route struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// NewDomainGroup creates a named group mounted at prefix
func NewDomainGroup(name, prefix string) *DomainGroup {
	return &DomainGroup{name: name, prefix: prefix}
}

// Use attaches middleware that runs before every route of the group
func (g *DomainGroup) Use(mw ...gin.HandlerFunc) *DomainGroup {
	g.middleware = append(g.middleware, mw...)
	return g
}

func (g *DomainGroup) handle(method, path string, handlers []gin.HandlerFunc) *DomainGroup {
	g.routes = append(g.routes, route{method: method, path: path, handlers: handlers})
	return g
}

// GET declares a GET route
func (g *DomainGroup) GET(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return g.handle(http.MethodGet, path, handlers)
}

// POST declares a POST route
func (g *DomainGroup) POST(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return g.handle(http.MethodPost, path, handlers)
}

// PUT declares a PUT route
func (g *DomainGroup) PUT(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return g.handle(http.MethodPut, path, handlers)
}

// DELETE declares a DELETE route
func (g *DomainGroup) DELETE(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return g.handle(http.MethodDelete, path, handlers)
}

// RegisterRoutes implements Registrar
func (g *DomainGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(g.prefix)
	if len(g.middleware) > 0 {
		group.Use(g.middleware...)
	}
	for _, rt := range g.routes {
		group.Handle(rt.method, rt.path, rt.handlers...)
	}
}

// Name identifies the group in logs and tests
func (g *DomainGroup) Name() string {
	return g.name
}
