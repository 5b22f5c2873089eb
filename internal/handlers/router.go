package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// surface is one externally reachable area of the API. Checkout is public, webhooks are called
// by Stripe, and internal routes are called by operators with signed keys.
type surface struct {
	name        string
	mount       string
	placeholder string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	checkout surface
	webhooks surface
	internal surface
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router: health endpoints at the root and the checkout, webhook and
// internal surfaces under /api/v1. A surface without routes answers 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		checkout: surface{name: "checkout", placeholder: "/checkout"},
		webhooks: surface{name: "webhooks", mount: "/webhooks"},
		internal: surface{name: "internal", mount: "/internal"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(compact(cfg.middlewares)...)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, s := range []surface{cfg.checkout, cfg.webhooks, cfg.internal} {
			s.mountOn(api)
		}
	})
	return r
}

func (s surface) mountOn(api chi.Router) {
	register := func(group chi.Router) {
		group.Use(compact(s.middlewares)...)
		switch {
		case s.registrar != nil:
			s.registrar(group)
		case s.placeholder != "":
			group.HandleFunc(s.placeholder, s.notImplemented)
		default:
			group.HandleFunc("/*", s.notImplemented)
			group.NotFound(s.notImplemented)
			group.MethodNotAllowed(s.notImplemented)
		}
	}
	if s.mount == "" {
		api.Group(register)
		return
	}
	api.Route(s.mount, register)
}

func (s surface) notImplemented(w http.ResponseWriter, req *http.Request) {
	httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", s.name), http.StatusNotImplemented))
}

func compact(mws []func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, 0, len(mws))
	for _, mw := range mws {
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out
}

// WithMiddlewares appends global middleware after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithHealthHandlers sets the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithCheckoutRoutes registers the public checkout routes.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.checkout.registrar = reg }
}

// WithWebhookRoutes registers the payment provider webhooks under /webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.webhooks.registrar = reg }
}

// WithWebhookMiddlewares adds middleware to the /webhooks surface only.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.webhooks.middlewares = append(cfg.webhooks.middlewares, mw...) }
}

// WithInternalRoutes registers operator routes under /internal.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.internal.registrar = reg }
}

// WithInternalMiddlewares adds middleware to the /internal surface only, typically the signed-key guard.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.internal.middlewares = append(cfg.internal.middlewares, mw...) }
}
