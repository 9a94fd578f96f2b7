package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/circuitbreaker"
)

// Terminology expands ValueSets on a FHIR terminology server.
type Terminology struct {
	*base
}

var _ medform.Terminology = (*Terminology)(nil)

func NewTerminology(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*Terminology, error) {
	b, err := newBase("terminology", cfg, breaker, logger)
	if err != nil {
		return nil, err
	}
	return &Terminology{base: b}, nil
}

// ExpandValueSet calls ValueSet/$expand for a canonical URL.
func (t *Terminology) ExpandValueSet(ctx context.Context, canonical string) (*r4.ValueSet, error) {
	var vs r4.ValueSet
	endpoint := t.endpoint("ValueSet/$expand", url.Values{"url": {canonical}})
	if err := t.do(ctx, http.MethodGet, endpoint, nil, &vs); err != nil {
		return nil, fmt.Errorf("expand %s: %w", canonical, err)
	}
	if vs.ResourceType != "ValueSet" {
		return nil, fmt.Errorf("expand %s: unexpected resource %q", canonical, vs.ResourceType)
	}
	return &vs, nil
}
