package r4

import "slices"

// Clone returns a copy of the request whose top-level slices are private. Elements are
// copied by value and nested pointers stay shared: edits must replace a nested value,
// never write through a pointer reached from the original.
func (m *MedicationRequest) Clone() *MedicationRequest {
	if m == nil {
		return nil
	}
	c := *m
	c.Extension = slices.Clone(m.Extension)
	c.Contained = slices.Clone(m.Contained)
	c.Identifier = slices.Clone(m.Identifier)
	c.DosageInstruction = slices.Clone(m.DosageInstruction)
	if m.DispenseRequest != nil {
		dr := *m.DispenseRequest
		c.DispenseRequest = &dr
	}
	return &c
}

// MutableRepeat gives the dosage private copies of its Timing and TimingRepeat and
// returns the repeat, ready to be edited.
func (d *Dosage) MutableRepeat() *TimingRepeat {
	var t Timing
	if d.Timing != nil {
		t = *d.Timing
	}
	var r TimingRepeat
	if t.Repeat != nil {
		r = *t.Repeat
	}
	r.DayOfWeek = slices.Clone(r.DayOfWeek)
	r.TimeOfDay = slices.Clone(r.TimeOfDay)
	r.When = slices.Clone(r.When)
	t.Repeat = &r
	d.Timing = &t
	return &r
}

// MutableDoseAndRate gives the dosage a private DoseAndRate slice and returns it.
func (d *Dosage) MutableDoseAndRate() []DoseAndRate {
	d.DoseAndRate = slices.Clone(d.DoseAndRate)
	return d.DoseAndRate
}

// MutableIngredients gives the medication a private Ingredient slice and returns it.
func (m *Medication) MutableIngredients() []MedicationIngredient {
	m.Ingredient = slices.Clone(m.Ingredient)
	return m.Ingredient
}

// Clone returns a deep copy of the concept.
func (c *CodeableConcept) Clone() *CodeableConcept {
	if c == nil {
		return nil
	}
	cc := *c
	cc.Coding = slices.Clone(c.Coding)
	return &cc
}

// Clone returns a deep copy of the ratio.
func (r *Ratio) Clone() *Ratio {
	if r == nil {
		return nil
	}
	out := &Ratio{}
	if r.Numerator != nil {
		n := *r.Numerator
		out.Numerator = &n
	}
	if r.Denominator != nil {
		d := *r.Denominator
		out.Denominator = &d
	}
	return out
}

// Clone returns a copy of the library with a private Content slice.
func (l *Library) Clone() *Library {
	if l == nil {
		return nil
	}
	c := *l
	c.Content = slices.Clone(l.Content)
	return &c
}
