package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

func Routes(h *Handler, globalLimiter *rate.Limiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)
	r.Use(GlobalThrottle(globalLimiter))

	r.Post("/convert", h.Convert)
	r.Get("/status/{taskID}", h.Status)
	r.Get("/download/{taskID}", h.Download)
	r.Delete("/jobs/{taskID}", h.Delete)
	r.Get("/health", h.Health)

	return r
}
