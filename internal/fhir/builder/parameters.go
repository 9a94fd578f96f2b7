package builder

import (
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

// ParametersBuilder builds an r4.Parameters payload.
type ParametersBuilder struct {
	v r4.Parameters
}

func NewParameters() *ParametersBuilder {
	return &ParametersBuilder{v: r4.Parameters{ResourceType: "Parameters"}}
}

// Add appends a parameter as is.
func (b *ParametersBuilder) Add(p *r4.Parameter) *ParametersBuilder {
	if p != nil && p.Name != "" {
		b.v.Parameter = append(b.v.Parameter, *p)
	}
	return b
}

func (b *ParametersBuilder) AddString(name, value string) *ParametersBuilder {
	if value == "" {
		return b
	}
	return b.Add(&r4.Parameter{Name: name, ValueString: value})
}

func (b *ParametersBuilder) AddCodeableConcept(name string, c *r4.CodeableConcept) *ParametersBuilder {
	if c == nil {
		return b
	}
	return b.Add(&r4.Parameter{Name: name, ValueCodeableConcept: c.Clone()})
}

func (b *ParametersBuilder) AddCoding(name string, c *r4.Coding) *ParametersBuilder {
	if c == nil {
		return b
	}
	cc := *c
	return b.Add(&r4.Parameter{Name: name, ValueCoding: &cc})
}

func (b *ParametersBuilder) AddQuantity(name string, q *r4.Quantity) *ParametersBuilder {
	if q == nil {
		return b
	}
	qc := *q
	return b.Add(&r4.Parameter{Name: name, ValueQuantity: &qc})
}

func (b *ParametersBuilder) AddRatio(name string, r *r4.Ratio) *ParametersBuilder {
	if r == nil {
		return b
	}
	return b.Add(&r4.Parameter{Name: name, ValueRatio: r.Clone()})
}

func (b *ParametersBuilder) Build() *r4.Parameters {
	v := b.v
	v.Parameter = append([]r4.Parameter(nil), b.v.Parameter...)
	return &v
}
