package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/micro-ha/device-intake/internal/http/handlers"
	"github.com/micro-ha/device-intake/internal/metrics"
)

const requestTimeout = 20 * time.Second

// Options carries the optional pieces of the router.
type Options struct {
	Auth    *JWTAuth
	Metrics *metrics.Metrics
}

// NewRouter builds the operator API routing tree.
func NewRouter(api *handlers.API, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON)
	r.Use(RequestLogger(api, opts.Metrics))

	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.With(middleware.Timeout(requestTimeout)).Get("/healthz", api.Health)

	r.Route("/api", func(apiRouter chi.Router) {
		if opts.Auth != nil {
			apiRouter.Use(opts.Auth.Middleware())
		}
		// The event stream outlives the request timeout.
		apiRouter.Get("/events", api.Events)

		apiRouter.Group(func(timed chi.Router) {
			timed.Use(middleware.Timeout(requestTimeout))
			timed.Get("/runs", api.ListRuns)
			timed.Get("/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
				api.GetRun(w, r, chi.URLParam(r, "runId"))
			})
			timed.Get("/watcher", api.WatcherStatus)
			timed.Post("/refresh", api.Refresh)
		})
	})
	return r
}
