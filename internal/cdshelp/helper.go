// Package cdshelp drives the CDS Hooks help panel of the prescribing form: the draft
// MedicationRequest is sent to a decision support service and the returned cards become
// the panel state.
package cdshelp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/mvi"
)

// Type names the last transition applied to a State.
type Type string

const (
	TypeInit    Type = "init"
	TypeCdsHelp Type = "CdsHelp"
	TypeError   Type = "Error"
)

// State is one snapshot of the help panel.
type State struct {
	Type         Type   `json:"type"`
	Hook         string `json:"hook,omitempty"`
	HookInstance string `json:"hookInstance,omitempty"`
	Cards        []Card `json:"cards"`
	Err          string `json:"error,omitempty"`
}

// CdsHelp asks for advice on a draft order.
type CdsHelp struct {
	Hook              string                `json:"hook"`
	MedicationRequest *r4.MedicationRequest `json:"medicationRequest"`
	PatientID         string                `json:"patientId"`
	UserID            string                `json:"userId,omitempty"`
}

// Service invokes a CDS Hooks service.
type Service interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

type cardsPartial struct {
	hook, instance string
	cards          []Card
}

type errorPartial struct{ err string }

// Helper owns the help panel state of one session.
type Helper struct {
	service Service
	logger  *zap.Logger
	machine *mvi.Machine[*State, CdsHelp, any]
	cancel  context.CancelFunc
}

// NewHelper creates and starts a helper.
func NewHelper(ctx context.Context, service Service, logger *zap.Logger) (*Helper, error) {
	if service == nil {
		return nil, errors.New("cds service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Helper{service: service, logger: logger}

	machine, err := mvi.NewMachine(mvi.Config[*State, CdsHelp, any]{
		Name:      "cdshelp",
		Initial:   &State{Type: TypeInit},
		Translate: h.translate,
		Reduce:    reduce,
		OnError: func(_ CdsHelp, err error) any {
			return errorPartial{err: err.Error()}
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state machine: %w", err)
	}
	h.machine = machine
	ctx, h.cancel = context.WithCancel(ctx)
	machine.Start(ctx)
	return h, nil
}

func (h *Helper) State() *State { return h.machine.State() }

func (h *Helper) Store() *mvi.Store[*State] { return h.machine.Store() }

// Help requests advice and returns the state once the cards have been received.
func (h *Helper) Help(ctx context.Context, in CdsHelp) (*State, error) {
	return h.machine.DispatchWait(ctx, in)
}

func (h *Helper) Close() error {
	h.cancel()
	return h.machine.Close()
}

func (h *Helper) translate(_ *State, in CdsHelp) (mvi.Action[any], bool) {
	return mvi.ActionFunc[any](func(ctx context.Context) (any, error) {
		req, err := NewRequest(in)
		if err != nil {
			return nil, err
		}
		resp, err := h.service.Invoke(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("invoke %s: %w", req.Hook, err)
		}
		cards := slices.Clone(resp.Cards)
		slices.SortStableFunc(cards, func(a, b Card) int {
			return cmp.Compare(severity(a.Indicator), severity(b.Indicator))
		})
		h.logger.Debug("cds cards received",
			zap.String("hook", req.Hook),
			zap.String("hook_instance", req.HookInstance),
			zap.Int("cards", len(cards)))
		return cardsPartial{hook: req.Hook, instance: req.HookInstance, cards: cards}, nil
	}), true
}

// NewRequest builds the hook request for a draft order.
func NewRequest(in CdsHelp) (*Request, error) {
	if in.MedicationRequest == nil {
		return nil, errors.New("cds help: medication request is required")
	}
	if in.PatientID == "" {
		return nil, errors.New("cds help: patient id is required")
	}
	hook := in.Hook
	if hook == "" {
		hook = HookOrderSign
	}
	draft, err := r4.NewCollection(in.MedicationRequest)
	if err != nil {
		return nil, fmt.Errorf("cds help: encode draft order: %w", err)
	}
	req := &Request{
		Hook:         hook,
		HookInstance: uuid.NewString(),
		Context: HookContext{
			UserID:      in.UserID,
			PatientID:   in.PatientID,
			DraftOrders: draft,
		},
	}
	if hook == HookOrderSelect && in.MedicationRequest.ID != "" {
		req.Context.Selections = []string{"MedicationRequest/" + in.MedicationRequest.ID}
	}
	return req, nil
}

func reduce(prev *State, ps any) *State {
	next := *prev
	switch p := ps.(type) {
	case cardsPartial:
		next.Type = TypeCdsHelp
		next.Hook = p.hook
		next.HookInstance = p.instance
		next.Cards = p.cards
		next.Err = ""
	case errorPartial:
		next.Type = TypeError
		next.Err = p.err
	default:
		return prev
	}
	return &next
}
