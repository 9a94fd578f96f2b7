package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/api/middleware"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/infrastructure/postgres"
)

// RequestReader reads submitted MedicationRequests.
type RequestReader interface {
	GetMedicationRequest(ctx context.Context, id string) (*r4.MedicationRequest, error)
}

// MedicationRequestHandler serves submitted MedicationRequests as FHIR resources.
type MedicationRequestHandler struct {
	store  RequestReader
	logger *zap.Logger
	tracer trace.Tracer
}

// NewMedicationRequestHandler creates a new handler
func NewMedicationRequestHandler(store RequestReader, logger *zap.Logger) *MedicationRequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationRequestHandler{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("medication-request-handler"),
	}
}

// Routes returns the handler routes
func (h *MedicationRequestHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	return r
}

// Get handles GET /MedicationRequest/{id}
func (h *MedicationRequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "get_medication_request",
		trace.WithAttributes(attribute.String("medication_request.id", id)))
	defer span.End()

	mr, err := h.store.GetMedicationRequest(ctx, id)
	if errors.Is(err, postgres.ErrNotFound) {
		h.outcome(w, http.StatusNotFound, "not-found", "MedicationRequest/"+id+" not found")
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("failed to get medication request",
			zap.String("id", id),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		h.outcome(w, http.StatusInternalServerError, "exception", "internal error")
		return
	}

	if mr.Meta != nil && mr.Meta.VersionID != "" {
		w.Header().Set("ETag", `W/"`+mr.Meta.VersionID+`"`)
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	_ = json.NewEncoder(w).Encode(mr)
}

func (h *MedicationRequestHandler) outcome(w http.ResponseWriter, status int, code, diagnostics string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(r4.NewErrorOutcome(code, diagnostics))
}
