package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"stackyn/builder/internal/services"
)

// Dependencies are the collaborators the API serves requests with
type Dependencies struct {
	Logger         *zap.Logger
	Builds         BuildStore
	Enqueuer       BuildEnqueuer
	Logs           LogReader
	Hub            *services.Hub
	Tokens         TokenValidator
	AllowedOrigins []string
}

// Router sets up the HTTP router with all routes and middleware
func Router(deps Dependencies) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	builds := NewBuildHandlers(deps.Builds, deps.Enqueuer, deps.Logs, logger)
	events := NewWebSocketHandler(builds, deps.Hub, originChecker(deps.AllowedOrigins), logger)

	r.Route("/api/v1/builds", func(r chi.Router) {
		r.Use(AuthMiddleware(deps.Tokens, logger))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/", builds.CreateBuild)
			r.Get("/{id}", builds.GetBuild)
			r.Get("/{id}/logs", builds.GetBuildLogs)
		})

		// Long-lived stream, no request timeout
		r.Get("/{id}/events", events.HandleBuildEvents)
	})

	return r
}

// originChecker allows requests without an Origin header and those from
// one of the allowed origins
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}
