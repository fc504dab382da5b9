package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-jobqueue/internal/dispatch"
	"github.com/vnmchuo/llm-jobqueue/internal/job"
	"github.com/vnmchuo/llm-jobqueue/internal/queue"
)

// Service is the dispatcher surface the HTTP layer needs; tests
// substitute mocks.
type Service interface {
	Enqueue(ctx context.Context, req dispatch.EnqueueRequest) (*job.Record, error)
	GetJob(ctx context.Context, provider, id string) (*job.Record, error)
	Stats() map[string]queue.Stats
	Pause(provider string) error
	Resume(provider string) error
}

type Handler struct {
	svc    Service
	tracer trace.Tracer
}

func NewHandler(svc Service, tracer trace.Tracer) *Handler {
	return &Handler{svc: svc, tracer: tracer}
}

type enqueueBody struct {
	Provider string          `json:"provider"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority"`
	DelayMs  int64           `json:"delay_ms"`
}

// HandleEnqueue accepts a job and returns 202 immediately; callers poll
// HandleGetJob for progress. Tenant identity comes from the payload, so
// anyone holding a job id may read it back; deployments that need
// isolation put an authenticating proxy in front.
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind, err := job.ParseKind(body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := job.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	_, span := h.tracer.Start(ctx, "api.enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", body.Provider),
		attribute.String("job_kind", body.Type),
	)

	rec, err := h.svc.Enqueue(ctx, dispatch.EnqueueRequest{
		Provider: body.Provider,
		Kind:     kind,
		Payload:  body.Payload,
		Priority: priority,
		Delay:    time.Duration(body.DelayMs) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

// HandleGetJob returns the current record for one job. Records evicted
// from memory by retention are served from the archive when one is
// configured.
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	providerName := r.URL.Query().Get("provider")
	if providerName == "" {
		writeError(w, http.StatusBadRequest, "provider query parameter is required")
		return
	}

	rec, err := h.svc.GetJob(r.Context(), providerName, id)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownProvider):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, job.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queues": h.svc.Stats(),
	})
}

func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if err := h.svc.Pause(providerName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": providerName, "status": "paused"})
}

func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if err := h.svc.Resume(providerName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": providerName, "status": "running"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
