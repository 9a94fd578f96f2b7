package clients

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/builder"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/circuitbreaker"
)

// LookupOperation is the knowledge lookup operation, relative to the base URL.
const LookupOperation = "MedicationKnowledge/$lookup"

// Knowledge calls the clinical knowledge lookup service.
type Knowledge struct {
	*base
}

var _ medform.KnowledgeLookup = (*Knowledge)(nil)

// NewKnowledge creates a knowledge lookup client
func NewKnowledge(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*Knowledge, error) {
	b, err := newBase("knowledge", cfg, breaker, logger)
	if err != nil {
		return nil, err
	}
	return &Knowledge{base: b}, nil
}

// LookupByRouteFormIngredient posts the current choices and returns the candidate
// routes, forms, strengths, units and amounts.
func (k *Knowledge) LookupByRouteFormIngredient(ctx context.Context, req medform.LookupRequest) (*r4.Parameters, error) {
	var out r4.Parameters
	if err := k.do(ctx, http.MethodPost, k.endpoint(LookupOperation, nil), LookupParameters(req), &out); err != nil {
		return nil, fmt.Errorf("lookup %s: %w", req.KnowledgeID, err)
	}
	return &out, nil
}

// LookupParameters encodes a lookup request.
func LookupParameters(req medform.LookupRequest) *r4.Parameters {
	b := builder.NewParameters().
		AddString("medicationKnowledge", req.KnowledgeID).
		AddString("code", req.KnowledgeCode).
		AddCodeableConcept("doseForm", req.Form).
		AddCodeableConcept("intendedRoute", req.Route).
		AddQuantity("doseQuantity", req.DoseQuantity).
		AddRatio("amount", req.Amount)
	for _, ing := range req.Ingredients {
		if ing.ItemCodeableConcept == nil {
			continue
		}
		part := builder.NewParameters().
			AddCodeableConcept("item", ing.ItemCodeableConcept).
			AddRatio("strength", ing.Strength).
			Build()
		b.Add(&r4.Parameter{Name: "ingredient", Part: part.Parameter})
	}
	return b.Build()
}
