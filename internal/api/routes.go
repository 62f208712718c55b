package api

import (
	"net/http"
	"time"

	"pair.drop/config"
	"pair.drop/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(svc *session.Service, cfg *config.Config) *chi.Mux {
	h := NewHandler(svc, cfg)

	r := chi.NewRouter()

	// Global middleware. No request timeout: uploads and conversions can
	// legitimately take minutes.
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(middleware.Recoverer)

	// Health
	r.Get("/health", h.Health)

	// Pairing routes
	r.Group(func(r chi.Router) {
		generate := []func(http.Handler) http.Handler{}
		if cfg.RateLimit.Enabled {
			r.Use(NewRateLimiter(cfg.RateLimit.RequestsPerMin, time.Minute).Middleware)
			generate = append(generate, NewRateLimiter(cfg.RateLimit.GeneratePerMin, time.Minute).Middleware)
		}

		r.With(generate...).Post("/generate", h.Generate)
		r.Post("/upload", h.Upload)
		r.Get("/download/{key}", h.Download)
		r.Delete("/file/{key}", h.Release)
		r.Get("/status/{key}", h.Status)
	})

	// Frontend
	r.Get("/", h.Index)
	r.Get("/receive", h.ReceivePage)
	r.Get("/style.css", h.Style)

	return r
}
