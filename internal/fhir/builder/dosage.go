package builder

import (
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

// DosageBuilder builds an r4.Dosage line.
type DosageBuilder struct {
	v r4.Dosage
}

// NewDosage starts a dosage line with its element id.
func NewDosage(id string) *DosageBuilder {
	return &DosageBuilder{v: r4.Dosage{ID: id}}
}

func (b *DosageBuilder) SetSequence(seq int) *DosageBuilder {
	if seq != 0 {
		b.v.Sequence = seq
	}
	return b
}

func (b *DosageBuilder) SetText(text string) *DosageBuilder {
	if text != "" {
		b.v.Text = text
	}
	return b
}

func (b *DosageBuilder) SetRoute(route *r4.CodeableConcept) *DosageBuilder {
	if route != nil {
		b.v.Route = route.Clone()
	}
	return b
}

func (b *DosageBuilder) SetTiming(timing *r4.Timing) *DosageBuilder {
	if timing != nil {
		t := *timing
		b.v.Timing = &t
	}
	return b
}

func (b *DosageBuilder) AddDoseAndRate(dr *r4.DoseAndRate) *DosageBuilder {
	if dr != nil {
		b.v.DoseAndRate = append(b.v.DoseAndRate, *dr)
	}
	return b
}

func (b *DosageBuilder) Build() *r4.Dosage {
	v := b.v
	v.DoseAndRate = append([]r4.DoseAndRate(nil), b.v.DoseAndRate...)
	return &v
}

// DoseAndRateBuilder builds an r4.DoseAndRate entry.
type DoseAndRateBuilder struct {
	v r4.DoseAndRate
}

func NewDoseAndRate() *DoseAndRateBuilder {
	return &DoseAndRateBuilder{}
}

func (b *DoseAndRateBuilder) SetType(t *r4.CodeableConcept) *DoseAndRateBuilder {
	if t != nil {
		b.v.Type = t.Clone()
	}
	return b
}

func (b *DoseAndRateBuilder) SetDoseQuantity(q *r4.Quantity) *DoseAndRateBuilder {
	if q != nil {
		c := *q
		b.v.DoseQuantity = &c
	}
	return b
}

func (b *DoseAndRateBuilder) SetRateRatio(r *r4.Ratio) *DoseAndRateBuilder {
	if r != nil {
		b.v.RateRatio = r.Clone()
	}
	return b
}

func (b *DoseAndRateBuilder) Build() *r4.DoseAndRate {
	v := b.v
	return &v
}

// TimingBuilder builds an r4.Timing with a repeat element.
type TimingBuilder struct {
	v r4.TimingRepeat
}

func NewTiming() *TimingBuilder {
	return &TimingBuilder{}
}

func (b *TimingBuilder) SetDuration(value float64, unit string) *TimingBuilder {
	if value != 0 {
		b.v.Duration = value
	}
	if unit != "" {
		b.v.DurationUnit = unit
	}
	return b
}

func (b *TimingBuilder) SetFrequency(n int) *TimingBuilder {
	if n != 0 {
		b.v.Frequency = n
	}
	return b
}

func (b *TimingBuilder) SetPeriod(value float64, unit string) *TimingBuilder {
	if value != 0 {
		b.v.Period = value
	}
	if unit != "" {
		b.v.PeriodUnit = unit
	}
	return b
}

func (b *TimingBuilder) SetBoundsDuration(d *r4.Duration) *TimingBuilder {
	if d != nil {
		c := *d
		b.v.BoundsDuration = &c
	}
	return b
}

func (b *TimingBuilder) SetBoundsPeriod(p *r4.Period) *TimingBuilder {
	if p != nil {
		c := *p
		b.v.BoundsPeriod = &c
	}
	return b
}

func (b *TimingBuilder) AddTimeOfDay(t string) *TimingBuilder {
	if t != "" {
		b.v.TimeOfDay = append(b.v.TimeOfDay, t)
	}
	return b
}

func (b *TimingBuilder) AddWhen(code string) *TimingBuilder {
	if code != "" {
		b.v.When = append(b.v.When, code)
	}
	return b
}

func (b *TimingBuilder) Build() *r4.Timing {
	r := b.v
	r.TimeOfDay = append([]string(nil), b.v.TimeOfDay...)
	r.When = append([]string(nil), b.v.When...)
	return &r4.Timing{Repeat: &r}
}
