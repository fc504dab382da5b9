package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the handler into the HTTP surface: job submission and
// polling, queue administration, health and metrics.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-jobqueue"}`))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", h.HandleEnqueue)
		r.Get("/jobs/{id}", h.HandleGetJob)

		r.Route("/queues", func(r chi.Router) {
			r.Get("/stats", h.HandleStats)
			r.Post("/{provider}/pause", h.HandlePause)
			r.Post("/{provider}/resume", h.HandleResume)
		})
	})

	return r
}
