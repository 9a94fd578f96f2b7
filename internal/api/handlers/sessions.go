// Package handlers provides the HTTP handlers of form-api.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/api/middleware"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cdshelp"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cqleditor"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/lookupcache"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/mvi"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/session"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// Config holds handler configuration
type Config struct {
	// MaxWait caps the long-poll duration a client may ask for
	MaxWait time.Duration
	// DispatchTimeout bounds ?wait=true intent dispatches
	DispatchTimeout time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxWait:         30 * time.Second,
		DispatchTimeout: 10 * time.Second,
	}
}

// SessionHandler exposes authoring sessions.
type SessionHandler struct {
	registry *session.Registry
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewSessionHandler creates a handler
func NewSessionHandler(registry *session.Registry, cfg Config, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultConfig().MaxWait
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}
	return &SessionHandler{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("session-handler"),
	}
}

// Routes returns the handler routes
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Get("/state", h.FormState)
		r.Post("/intents", h.FormIntent)
		r.Post("/submit", h.Submit)
		r.Get("/cql/state", h.EditorState)
		r.Post("/cql/intents", h.EditorIntent)
		r.Get("/cds-help", h.HelpState)
		r.Post("/cds-help", h.Help)
	})
	return r
}

// Create handles POST /sessions with a session.Launch body.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var launch session.Launch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&launch); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.registry.Create(launch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+s.ID)
	h.writeJSON(w, http.StatusCreated, s.Info())
}

// List handles GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return s, true
}

// Get handles GET /sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		h.writeJSON(w, http.StatusOK, s.Info())
	}
}

// Delete handles DELETE /sessions/{id}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Close(chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FormView is the rendered form: the state plus every candidate list.
type FormView struct {
	State *medform.State       `json:"state"`
	Lists lookupcache.Snapshot `json:"lists"`
}

func newFormView(s *medform.State) FormView {
	v := FormView{State: s}
	if s.Lists != nil {
		v.Lists = s.Lists.Snapshot()
	}
	return v
}

// ETag hashes the encoded body.
func ETag(body []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
}

// FormState handles GET /sessions/{id}/state. With ?wait=<duration> and an
// If-None-Match header it long-polls until the rendered state changes.
func (h *SessionHandler) FormState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	wait, err := h.waitParam(r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	serveState(h, w, r, wait, s.Form.Store(), func(st *medform.State) ([]byte, error) {
		return json.Marshal(newFormView(st))
	})
}

// EditorState handles GET /sessions/{id}/cql/state, long-polling like FormState.
func (h *SessionHandler) EditorState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if s.Editor == nil {
		h.jsonError(w, "cql editor is not configured", http.StatusNotImplemented)
		return
	}
	wait, err := h.waitParam(r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	serveState(h, w, r, wait, s.Editor.Store(), func(st *cqleditor.State) ([]byte, error) {
		return json.Marshal(st)
	})
}

func (h *SessionHandler) waitParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New("wait must be a positive duration")
	}
	return min(d, h.cfg.MaxWait), nil
}

// serveState writes the current state, or with wait > 0 the first one whose
// ETag differs from If-None-Match. A wait that runs out answers 304.
func serveState[S any](h *SessionHandler, w http.ResponseWriter, r *http.Request, wait time.Duration,
	store *mvi.Store[S], render func(S) ([]byte, error)) {

	known := r.Header.Get("If-None-Match")
	body, err := render(store.Value())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if known != "" && wait > 0 && ETag(body) == known {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		_, err := store.Wait(ctx, func(st S) bool {
			b, err := render(st)
			if err != nil || ETag(b) == known {
				return false
			}
			body = b
			return true
		})
		switch {
		case err == nil, errors.Is(err, context.DeadlineExceeded):
		case errors.Is(err, mvi.ErrMachineClosed):
			h.writeError(w, r, session.ErrSessionNotFound)
			return
		default:
			// client went away
			return
		}
	}

	etag := ETag(body)
	w.Header().Set("ETag", etag)
	if known == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// FormIntent handles POST /sessions/{id}/intents. By default the intent is queued
// and 202 returned; with ?wait=true the resulting state is returned.
func (h *SessionHandler) FormIntent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := DecodeFormIntent(body)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "dispatch_form_intent",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("intent", fmt.Sprintf("%T", in)),
		))
	defer span.End()

	if r.URL.Query().Get("wait") != "true" {
		if err := s.Form.DispatchIntent(ctx, in); err != nil {
			h.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.DispatchTimeout)
	defer cancel()
	st, err := s.Form.DispatchIntentWait(ctx, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newFormView(st))
}

// EditorIntent handles POST /sessions/{id}/cql/intents and returns the resulting state.
func (h *SessionHandler) EditorIntent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if s.Editor == nil {
		h.jsonError(w, "cql editor is not configured", http.StatusNotImplemented)
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := DecodeEditorIntent(body)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.DispatchTimeout)
	defer cancel()
	st, err := s.Editor.DispatchIntentWait(ctx, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// HelpRequest is the body of POST /sessions/{id}/cds-help.
type HelpRequest struct {
	Hook string `json:"hook,omitempty"`
}

// Help handles POST /sessions/{id}/cds-help: the current MedicationRequest of the
// form is sent to the CDS service and the cards are returned.
func (h *SessionHandler) Help(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if s.Help == nil {
		h.jsonError(w, "cds help is not configured", http.StatusNotImplemented)
		return
	}
	var req HelpRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.DispatchTimeout)
	defer cancel()
	st, err := s.Help.Help(ctx, cdshelp.CdsHelp{
		Hook:              req.Hook,
		MedicationRequest: s.Form.State().MedicationRequest,
		PatientID:         s.Launch.PatientID,
		UserID:            practitionerRef(s.Launch),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// HelpState handles GET /sessions/{id}/cds-help
func (h *SessionHandler) HelpState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if s.Help == nil {
		h.jsonError(w, "cds help is not configured", http.StatusNotImplemented)
		return
	}
	h.writeJSON(w, http.StatusOK, s.Help.State())
}

func practitionerRef(l session.Launch) string {
	if l.PractitionerID == "" {
		return ""
	}
	return "Practitioner/" + l.PractitionerID
}

// Submit handles POST /sessions/{id}/submit. Retries carrying the same
// Idempotency-Key replay the first result.
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Submit(r.Context(), chi.URLParam(r, "sessionID"), r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if sub.Replayed {
		status = http.StatusOK
	}
	h.logger.Info("medication request submitted",
		zap.String("session_id", chi.URLParam(r, "sessionID")),
		zap.String("id", sub.MedicationRequest.ID),
		zap.Bool("replayed", sub.Replayed),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	h.writeJSON(w, status, sub)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidLaunch), errors.Is(err, ErrUnknownIntent):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrRegistryClosed), errors.Is(err, mvi.ErrMachineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotSubmittable), errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrSubmissionDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, idempotency.ErrInProgress), errors.Is(err, idempotency.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *SessionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	h.jsonError(w, msg, code)
}

func (h *SessionHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *SessionHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
