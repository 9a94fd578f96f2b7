// Package builder assembles FHIR R4 fragments declaratively.
//
// Each builder is created with the mandatory fields of its target. Setters are chained and
// leave the previous value in place when passed a nil or zero argument. Build never fails.
package builder

import (
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

// CodeableConceptBuilder builds an r4.CodeableConcept.
type CodeableConceptBuilder struct {
	v r4.CodeableConcept
}

// NewCodeableConcept starts a concept with its display text.
func NewCodeableConcept(text string) *CodeableConceptBuilder {
	return &CodeableConceptBuilder{v: r4.CodeableConcept{Text: text}}
}

// AddCoding appends a coding.
func (b *CodeableConceptBuilder) AddCoding(c *r4.Coding) *CodeableConceptBuilder {
	if c != nil {
		b.v.Coding = append(b.v.Coding, *c)
	}
	return b
}

func (b *CodeableConceptBuilder) Build() *r4.CodeableConcept {
	v := b.v
	return &v
}

// QuantityBuilder builds an r4.Quantity.
type QuantityBuilder struct {
	v r4.Quantity
}

// NewQuantity starts a quantity with its value.
func NewQuantity(value float64) *QuantityBuilder {
	return &QuantityBuilder{v: r4.Quantity{Value: value}}
}

func (b *QuantityBuilder) SetUnit(unit string) *QuantityBuilder {
	if unit != "" {
		b.v.Unit = unit
	}
	return b
}

func (b *QuantityBuilder) SetSystem(system string) *QuantityBuilder {
	if system != "" {
		b.v.System = system
	}
	return b
}

func (b *QuantityBuilder) SetCode(code string) *QuantityBuilder {
	if code != "" {
		b.v.Code = code
	}
	return b
}

// SetCoding copies unit, system and code from a unit coding.
func (b *QuantityBuilder) SetCoding(c *r4.Coding) *QuantityBuilder {
	if c == nil {
		return b
	}
	return b.SetUnit(c.Display).SetSystem(c.System).SetCode(c.Code)
}

func (b *QuantityBuilder) Build() *r4.Quantity {
	v := b.v
	return &v
}

// RatioBuilder builds an r4.Ratio.
type RatioBuilder struct {
	v r4.Ratio
}

// NewRatio starts a ratio; either side may be nil.
func NewRatio(numerator, denominator *r4.Quantity) *RatioBuilder {
	b := &RatioBuilder{}
	return b.SetNumerator(numerator).SetDenominator(denominator)
}

func (b *RatioBuilder) SetNumerator(q *r4.Quantity) *RatioBuilder {
	if q != nil {
		n := *q
		b.v.Numerator = &n
	}
	return b
}

func (b *RatioBuilder) SetDenominator(q *r4.Quantity) *RatioBuilder {
	if q != nil {
		d := *q
		b.v.Denominator = &d
	}
	return b
}

func (b *RatioBuilder) Build() *r4.Ratio {
	v := b.v
	return &v
}

// ReferenceBuilder builds an r4.Reference.
type ReferenceBuilder struct {
	v r4.Reference
}

// NewReference starts a reference with its literal target.
func NewReference(ref string) *ReferenceBuilder {
	return &ReferenceBuilder{v: r4.Reference{Reference: ref}}
}

func (b *ReferenceBuilder) SetType(t string) *ReferenceBuilder {
	if t != "" {
		b.v.Type = t
	}
	return b
}

func (b *ReferenceBuilder) SetDisplay(display string) *ReferenceBuilder {
	if display != "" {
		b.v.Display = display
	}
	return b
}

func (b *ReferenceBuilder) Build() *r4.Reference {
	v := b.v
	return &v
}
