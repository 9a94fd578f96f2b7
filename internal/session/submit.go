package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/idempotency"
)

// ErrNotSubmittable is returned when the form holds no medication or is still loading.
var ErrNotSubmittable = errors.New("medication request is not ready to submit")

// ErrSubmissionDisabled is returned when no RequestStore is configured.
var ErrSubmissionDisabled = errors.New("submission is not configured")

// RequestStore persists submitted MedicationRequests. *postgres.DocumentStore satisfies it.
type RequestStore interface {
	SubmitMedicationRequest(ctx context.Context, sessionID string, mr *r4.MedicationRequest) (*r4.MedicationRequest, error)
}

// Deduplicator runs a submission at most once per key. *idempotency.Inbox satisfies it.
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.Result, error)
}

// Submission is the outcome of Submit.
type Submission struct {
	MedicationRequest *r4.MedicationRequest `json:"medicationRequest"`
	IdempotencyKey    string                `json:"idempotencyKey,omitempty"`
	Replayed          bool                  `json:"replayed"`
}

// Submit stores the current MedicationRequest of session id. key deduplicates
// retries; when empty one is derived from the launch and the document.
func (r *Registry) Submit(ctx context.Context, id, key string) (*Submission, error) {
	if r.deps.Requests == nil {
		return nil, ErrSubmissionDisabled
	}
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	state := s.Form.State()
	mr := state.MedicationRequest
	if mr == nil || len(mr.Contained) == 0 || state.IsLoadingCIOList {
		return nil, ErrNotSubmittable
	}
	body, err := mr.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode medication request: %w", err)
	}

	if r.deps.Inbox == nil {
		stored, err := r.deps.Requests.SubmitMedicationRequest(ctx, id, mr)
		if err != nil {
			return nil, err
		}
		return &Submission{MedicationRequest: stored}, nil
	}

	if key == "" {
		key = idempotency.SubmissionKey(s.Launch.PractitionerID, s.Launch.PatientID, body, r.now())
	}
	res, err := r.deps.Inbox.Process(ctx, key, "submit-medication-request", body, func(ctx context.Context) (json.RawMessage, error) {
		stored, err := r.deps.Requests.SubmitMedicationRequest(ctx, id, mr)
		if err != nil {
			return nil, err
		}
		return stored.ToJSON()
	})
	if err != nil {
		return nil, err
	}

	out := &r4.MedicationRequest{}
	if err := out.FromJSON(res.Result); err != nil {
		return nil, fmt.Errorf("decode stored request: %w", err)
	}
	if res.Replayed {
		r.logger.Info("submission replayed", zap.String("session_id", id), zap.String("id", out.ID))
	}
	return &Submission{MedicationRequest: out, IdempotencyKey: key, Replayed: res.Replayed}, nil
}
