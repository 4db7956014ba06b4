package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// newRouter mounts the API. The webhook endpoint deliberately sits outside
// the client routes: no CORS, no body-size middleware surprises, so that a
// saturated pipeline never makes the merchant service mark us unreachable.
func newRouter(deps *Dependencies) http.Handler {
	h := &apiHandlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Get("/health/live", h.handleHealthLive)
	r.Get("/health/ready", h.handleHealthReady)

	r.Post("/webhooks/mastercard", h.handleWebhook)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	})

	r.Group(func(r chi.Router) {
		r.Use(corsMiddleware.Handler)

		r.Post("/classify-single", h.handleClassifySingle)
		r.Get("/classify-status/{jobID}", h.handleClassifyStatus)

		r.Route("/upload", func(r chi.Router) {
			r.Post("/preview", h.handleUploadPreview)
			r.Post("/process", h.handleUploadProcess)
			r.Get("/batches", h.handleListBatches)
			r.Get("/batches/{batchID}", h.handleGetBatch)
			r.Post("/batches/{batchID}/cancel", h.handleCancelBatch)
		})

		r.Get("/classifications/{batchID}", h.handleClassifications)
		r.Get("/download/{batchID}", h.handleDownload)
	})

	return r
}

// newMetricsRouter serves the scrape endpoint on its own listener.
func newMetricsRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	return r
}
