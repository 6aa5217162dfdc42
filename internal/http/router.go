package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jw6ventures/calcore/internal/dav"
	"github.com/jw6ventures/calcore/internal/http/ratelimit"
	"github.com/jw6ventures/calcore/internal/logging"
	"github.com/jw6ventures/calcore/internal/metrics"
)

var davMethods = []string{
	"PROPFIND",
	"PROPPATCH",
	"MKCOL",
	"MKCALENDAR",
	"REPORT",
	"ACL",
	"ITIP",
}

func init() {
	for _, method := range davMethods {
		chi.RegisterMethod(method)
	}
}

// HealthChecker reports whether the storage backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options wires the router's collaborators.
type Options struct {
	DAV     *dav.Handler
	Auth    func(http.Handler) http.Handler
	Health  HealthChecker
	Limiter *ratelimit.Limiter
	Metrics bool
	Logger  zerolog.Logger
}

// NewRouter wires the DAV surface, the JSON endpoints and the operational routes.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(overrideMethod)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if opts.Health != nil {
			if err := opts.Health.HealthCheck(ctx); err != nil {
				logging.FromRequest(r).Warn().Err(err).Msg("readiness check failed")
				http.Error(w, "unready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if opts.Metrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	// Service discovery for both protocols starts at the root.
	wellKnown := func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusMovedPermanently)
	}
	for _, path := range []string{"/.well-known/caldav", "/.well-known/carddav"} {
		r.Get(path, wellKnown)
		r.MethodFunc("PROPFIND", path, wellKnown)
	}

	h := opts.DAV
	// OPTIONS must stay reachable without credentials for client discovery.
	r.Options("/*", h.Options)
	r.Options("/", h.Options)

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Middleware())
		}

		r.Post("/calendars/freebusy", h.FreeBusy)

		for _, pattern := range []string{"/", "/*"} {
			r.MethodFunc(http.MethodHead, pattern, h.Head)
			r.MethodFunc(http.MethodGet, pattern, h.Get)
			r.MethodFunc(http.MethodPut, pattern, h.Put)
			r.MethodFunc(http.MethodDelete, pattern, h.Delete)
			r.MethodFunc(http.MethodPost, pattern, h.Post)
			r.MethodFunc("PROPFIND", pattern, h.Propfind)
			r.MethodFunc("PROPPATCH", pattern, h.Proppatch)
			r.MethodFunc("MKCOL", pattern, h.Mkcol)
			r.MethodFunc("MKCALENDAR", pattern, h.Mkcalendar)
			r.MethodFunc("REPORT", pattern, h.Report)
			r.MethodFunc("ACL", pattern, h.ACL)
			r.MethodFunc("ITIP", pattern, h.Itip)
		}
	})

	return r
}

// overrideMethod lets clients restricted to GET and POST tunnel the other
// verbs through X-Http-Method-Override.
func overrideMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if m := strings.ToUpper(strings.TrimSpace(r.Header.Get("X-Http-Method-Override"))); m != "" && overridable(m) {
				r.Method = m
			}
		}
		next.ServeHTTP(w, r)
	})
}

func overridable(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
		return true
	}
	for _, m := range davMethods {
		if m == method {
			return true
		}
	}
	return false
}
