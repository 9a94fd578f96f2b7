package builder

import (
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

// MedicationBuilder builds a contained r4.Medication.
type MedicationBuilder struct {
	v r4.Medication
}

// NewMedication starts a medication with its contained id.
func NewMedication(id string) *MedicationBuilder {
	return &MedicationBuilder{v: r4.Medication{ResourceType: "Medication", ID: id}}
}

func (b *MedicationBuilder) SetCode(code *r4.CodeableConcept) *MedicationBuilder {
	if code != nil {
		b.v.Code = code.Clone()
	}
	return b
}

func (b *MedicationBuilder) SetForm(form *r4.CodeableConcept) *MedicationBuilder {
	if form != nil {
		b.v.Form = form.Clone()
	}
	return b
}

func (b *MedicationBuilder) SetAmount(amount *r4.Ratio) *MedicationBuilder {
	if amount != nil {
		b.v.Amount = amount.Clone()
	}
	return b
}

func (b *MedicationBuilder) SetStatus(status string) *MedicationBuilder {
	if status != "" {
		b.v.Status = status
	}
	return b
}

func (b *MedicationBuilder) AddIngredient(ing *r4.MedicationIngredient) *MedicationBuilder {
	if ing != nil {
		b.v.Ingredient = append(b.v.Ingredient, *ing)
	}
	return b
}

func (b *MedicationBuilder) Build() *r4.Medication {
	v := b.v
	v.Ingredient = append([]r4.MedicationIngredient(nil), b.v.Ingredient...)
	return &v
}

// IngredientBuilder builds an r4.MedicationIngredient.
type IngredientBuilder struct {
	v r4.MedicationIngredient
}

// NewIngredientConcept starts an ingredient identified by a concept.
func NewIngredientConcept(item *r4.CodeableConcept) *IngredientBuilder {
	b := &IngredientBuilder{}
	if item != nil {
		b.v.ItemCodeableConcept = item.Clone()
	}
	return b
}

// NewIngredientReference starts an ingredient that refers to another resource.
func NewIngredientReference(ref *r4.Reference) *IngredientBuilder {
	b := &IngredientBuilder{}
	if ref != nil {
		r := *ref
		b.v.ItemReference = &r
	}
	return b
}

func (b *IngredientBuilder) SetStrength(strength *r4.Ratio) *IngredientBuilder {
	if strength != nil {
		b.v.Strength = strength.Clone()
	}
	return b
}

func (b *IngredientBuilder) SetActive(active *bool) *IngredientBuilder {
	if active != nil {
		a := *active
		b.v.IsActive = &a
	}
	return b
}

func (b *IngredientBuilder) Build() *r4.MedicationIngredient {
	v := b.v
	return &v
}
