package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/discosat/satop-platform/internal/api/handlers"
	"github.com/discosat/satop-platform/internal/api/middleware"
	"github.com/discosat/satop-platform/internal/auth"
	"github.com/discosat/satop-platform/internal/plugin"
)

// Version is the platform release string reported by /version. Set at
// build time with -ldflags.
var Version = "dev"

// NewRouter creates the HTTP router with all API routes. Plugin
// sub-routers are mounted under /api/plugins/<name>.
func NewRouter(h *handlers.Handlers, a *auth.Authorization, engine *plugin.Engine) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	login := middleware.RequireLogin(a)
	scope := func(needed ...string) func(http.Handler) http.Handler {
		return middleware.RequireScope(a, needed...)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			// Refresh authenticates with the refresh token itself.
			r.Post("/refresh_token", h.RefreshToken)

			r.Group(func(r chi.Router) {
				r.Use(login)

				r.With(scope("satop.auth.tokens.create")).Post("/token", h.MintToken)

				r.Route("/entities", func(r chi.Router) {
					r.With(scope("satop.auth.entities.read")).Get("/", h.ListEntities)
					r.With(scope("satop.auth.entities.create")).Post("/", h.CreateEntity)
					r.Route("/{entityID}", func(r chi.Router) {
						r.With(scope("satop.auth.entities.read")).Get("/", h.GetEntity)
						r.With(scope("satop.auth.entities.update")).Put("/", h.UpdateEntity)
						r.With(scope("satop.auth.entities.delete")).Delete("/", h.DeleteEntity)
						r.With(scope("satop.auth.entities.update")).Post("/provider", h.ConnectIdentifier)
					})
				})

				r.Route("/roles", func(r chi.Router) {
					r.With(scope("satop.auth.roles.read")).Get("/", h.ListRoles)
					r.With(scope("satop.auth.roles.update")).Post("/", h.SetRole)
					r.With(scope("satop.auth.roles.read")).Get("/{role}", h.GetRole)
					r.With(scope("satop.auth.roles.delete")).Delete("/{role}", h.DeleteRole)
				})

				r.With(scope("satop.auth.providers.read")).Get("/providers", h.ListProviders)
				r.With(scope("satop.auth.providers.read")).Get("/providers/{provider}", h.GetProvider)
				r.With(scope("satop.auth.scopes.read")).Get("/scopes", h.UsedScopes)
			})
		})

		r.Route("/gs", func(r chi.Router) {
			// Websocket endpoints authenticate inside their handshakes.
			r.Get("/ws", h.StationWS)
			r.Get("/terminal/{stationID}/{terminalID}", h.TerminalWS)

			// Station operations require a valid login only; the ground
			// station attributes actions via the proxy header.
			r.Group(func(r chi.Router) {
				r.Use(login)
				r.Get("/stations", h.ListStations)
				r.Get("/terminals", h.ListTerminals)
				r.Route("/stations/{stationID}", func(r chi.Router) {
					r.Post("/control", h.SendControl)
					r.Post("/control_framed", h.SendControlFramed)
					r.Get("/methods", h.StationMethods)
				})
			})
		})

		r.Route("/log", func(r chi.Router) {
			r.Use(login)
			r.With(scope("satop.log.write")).Post("/events", h.LogEvent)
			r.Route("/artifacts", func(r chi.Router) {
				r.With(scope("satop.log.read")).Get("/", h.ListArtifacts)
				r.With(scope("satop.log.write")).Post("/", h.UploadArtifact)
				r.With(scope("satop.log.read")).Get("/{sha1}", h.GetArtifact)
			})
		})

		if engine != nil {
			r.Route("/plugins", func(r chi.Router) {
				r.Use(login)
				for name, sub := range engine.Routers() {
					r.Mount("/"+name, sub)
				}
			})
		}
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "satop-platform",
	})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"version": Version,
		"service": "satop-platform",
	})
}
