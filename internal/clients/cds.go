package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cdshelp"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cqleditor"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/circuitbreaker"
)

// CDSHooks invokes one CDS Hooks service.
type CDSHooks struct {
	*base
	serviceID string
	// fhirServer is advertised to the service in every request
	fhirServer string
}

var _ cdshelp.Service = (*CDSHooks)(nil)

// NewCDSHooks creates a client for the service serviceID of a CDS Hooks server.
func NewCDSHooks(cfg Config, serviceID, fhirServer string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*CDSHooks, error) {
	if serviceID == "" {
		return nil, fmt.Errorf("cds hooks: service id is required")
	}
	b, err := newBase("cds-hooks", cfg, breaker, logger)
	if err != nil {
		return nil, err
	}
	return &CDSHooks{base: b, serviceID: serviceID, fhirServer: fhirServer}, nil
}

// Invoke posts the hook request and returns the cards.
func (c *CDSHooks) Invoke(ctx context.Context, req *cdshelp.Request) (*cdshelp.Response, error) {
	if req.FHIRServer == "" {
		req.FHIRServer = c.fhirServer
	}
	var out cdshelp.Response
	if err := c.do(ctx, http.MethodPost, c.endpoint("cds-services/"+c.serviceID, nil), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CQLEngine evaluates libraries with Library/$evaluate.
type CQLEngine struct {
	*base
}

var _ cqleditor.Engine = (*CQLEngine)(nil)

func NewCQLEngine(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*CQLEngine, error) {
	b, err := newBase("cql-engine", cfg, breaker, logger)
	if err != nil {
		return nil, err
	}
	return &CQLEngine{base: b}, nil
}

// Evaluate runs every expression of lib for a patient.
func (e *CQLEngine) Evaluate(ctx context.Context, lib *r4.Library, patientID string) (*r4.Parameters, error) {
	raw, err := json.Marshal(lib)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	params := &r4.Parameters{ResourceType: "Parameters", Parameter: []r4.Parameter{
		{Name: "library", Resource: raw},
	}}
	if patientID != "" {
		params.Parameter = append(params.Parameter, r4.Parameter{Name: "subject", ValueString: "Patient/" + patientID})
	}

	var out r4.Parameters
	if err := e.do(ctx, http.MethodPost, e.endpoint("Library/$evaluate", nil), params, &out); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", lib.Name, err)
	}
	return &out, nil
}
