// router dispatches requests to handlers by path, the Router itself is an app.Application
package router

import (
	"github.com/s00inx/appserver/server/app"
)

// Param is a path segment captured by :name or *name
type Param struct {
	Key   string
	Value string
}

type Params []Param

// Get returns value of the first param with key
func (ps Params) Get(key string) string {
	for _, p := range ps {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Handler serves one route
type Handler func(env *app.Environ, ps Params, start app.StartResponse) (app.Body, error)

// Router is a path tree: "/users/:id" captures one segment, "/files/*path" the rest
type Router struct {
	root node

	// called when no route matches, plain 404 when nil
	NotFound app.Application
}

// init a new router
func New() *Router {
	return &Router{}
}

// Handle registers h for method and pattern, an empty method matches any
// routes must be registered before serving starts
func (r *Router) Handle(method, pattern string, h Handler) {
	n := r.root.insert(pattern)
	if n.handlers == nil {
		n.handlers = make(map[string]Handler)
	}
	n.handlers[method] = h
}

func (r *Router) Get(pattern string, h Handler)  { r.Handle("GET", pattern, h) }
func (r *Router) Post(pattern string, h Handler) { r.Handle("POST", pattern, h) }

// Mount serves pattern with a whole application for every method
func (r *Router) Mount(pattern string, a app.Application) {
	r.Handle("", pattern, func(env *app.Environ, _ Params, start app.StartResponse) (app.Body, error) {
		return a.Serve(env, start)
	})
}

var textPlain = []app.Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}}

func (r *Router) Serve(env *app.Environ, start app.StartResponse) (app.Body, error) {
	n, ps := r.root.match(env.Path, nil)
	if n == nil {
		if r.NotFound != nil {
			return r.NotFound.Serve(env, start)
		}
		if err := start("404 Not Found", textPlain, nil); err != nil {
			return nil, err
		}
		return app.String("not found\n"), nil
	}

	h := n.handlers[env.Method]
	if h == nil && env.Method == "HEAD" {
		h = n.handlers["GET"]
	}
	if h == nil {
		h = n.handlers[""]
	}
	if h == nil {
		hdr := append([]app.Header{{Name: "Allow", Value: n.allow()}}, textPlain...)
		if err := start("405 Method Not Allowed", hdr, nil); err != nil {
			return nil, err
		}
		return app.String("method not allowed\n"), nil
	}
	return h(env, ps, start)
}
