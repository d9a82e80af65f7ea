package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)

	// Launch and OAuth endpoints, hit once per badge-check flow.
	r.Group(func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Launch))
		}

		r.Use(s.loadSession)

		r.Post("/badge_check", s.handle(s.handleLaunch))
		r.Get("/oauth_success", s.handle(s.handleOAuthSuccess))
		r.Post("/tool_redirect", s.handle(s.handleToolRedirect))
	})

	// Session bound pages.
	r.Route("/badge_check/{courseID}/{userID}", func(r chi.Router) {
		r.Use(s.loadSession)

		r.Get("/", s.handle(s.handleBadgeCheck))
		r.Post("/settings", s.handle(s.handleSettings))
	})

	// Public assertions, fetched by backpacks from any origin.
	r.Route("/badges", func(r chi.Router) {
		r.Use(s.corsMiddleware())

		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Public))
		}

		r.Get("/{courseID}/{userID}/{code}", s.handleAssertion)
	})

	// Everything else is a static asset.
	r.NotFound(s.handleAsset)

	return r
}

// corsMiddleware returns the CORS handler of the assertion endpoint. With
// no configured origins any origin may read assertions.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
