package medform

import "github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"

// Intent is a user request to change the form. The set of intents is closed.
type Intent interface {
	intent()
}

// Positions: NMedication indexes the leaf medications (the synthetic root is never
// addressed), NDosage indexes dosageInstruction, Index the element inside a dosage line.

type AddMedicationRequest struct{}

type AddMedication struct {
	Knowledge *r4.MedicationKnowledge `json:"knowledge"`
}

type RemoveMedication struct {
	NMedication int `json:"nMedication"`
}

type ValueChangesMedication struct {
	NMedication int              `json:"nMedication"`
	Change      MedicationChange `json:"-"`
}

type AddDosageInstruction struct{}

type RemoveDosageInstruction struct {
	NDosage int `json:"nDosage"`
}

type ValueChangesDosageInstruction struct {
	NDosage int          `json:"nDosage"`
	Change  DosageChange `json:"-"`
}

type AddTimeOfDay struct {
	NDosage int    `json:"nDosage"`
	Time    string `json:"time"`
}

type RemoveTimeOfDay struct {
	NDosage int `json:"nDosage"`
	Index   int `json:"index"`
}

type AddWhen struct {
	NDosage int    `json:"nDosage"`
	Code    string `json:"code"`
}

type RemoveWhen struct {
	NDosage int `json:"nDosage"`
	Index   int `json:"index"`
}

type AddDoseAndRate struct {
	NDosage int `json:"nDosage"`
}

type RemoveDoseAndRate struct {
	NDosage int `json:"nDosage"`
	Index   int `json:"index"`
}

type ValueChangesDispenseRequest struct {
	Change DispenseChange `json:"-"`
}

// ValueChangesTreatmentIntent sets the treatment intent; a nil Intent removes it.
type ValueChangesTreatmentIntent struct {
	Intent *r4.Coding `json:"intent"`
}

func (AddMedicationRequest) intent()          {}
func (AddMedication) intent()                 {}
func (RemoveMedication) intent()              {}
func (ValueChangesMedication) intent()        {}
func (AddDosageInstruction) intent()          {}
func (RemoveDosageInstruction) intent()       {}
func (ValueChangesDosageInstruction) intent() {}
func (AddTimeOfDay) intent()                  {}
func (RemoveTimeOfDay) intent()               {}
func (AddWhen) intent()                       {}
func (RemoveWhen) intent()                    {}
func (AddDoseAndRate) intent()                {}
func (RemoveDoseAndRate) intent()             {}
func (ValueChangesDispenseRequest) intent()   {}
func (ValueChangesTreatmentIntent) intent()   {}

// MedicationChange edits one field of a leaf medication. Every medication change
// invalidates the candidate lists.
type MedicationChange interface {
	medicationChange()
}

// SetForm sets the dose form; nil clears it.
type SetForm struct {
	Form *r4.CodeableConcept `json:"form"`
}

// SetIngredientStrength sets the strength of the ingredient at Ingredient.
type SetIngredientStrength struct {
	Ingredient int       `json:"ingredient"`
	Strength   *r4.Ratio `json:"strength"`
}

// SetAmount sets the package amount.
type SetAmount struct {
	Amount *r4.Ratio `json:"amount"`
}

func (SetForm) medicationChange()               {}
func (SetIngredientStrength) medicationChange() {}
func (SetAmount) medicationChange()             {}

// DosageChange edits one field of a dosage line.
type DosageChange interface {
	// refreshesCandidates reports whether the change invalidates the candidate lists
	refreshesCandidates() bool
}

type SetRoute struct {
	Route *r4.CodeableConcept `json:"route"`
}

// SetDoseQuantity sets the dose of the dose-and-rate entry at Index. Index 0 is created
// when the line has none.
type SetDoseQuantity struct {
	Index    int          `json:"index"`
	Quantity *r4.Quantity `json:"quantity"`
}

type SetDuration struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type SetFrequency struct {
	Frequency int `json:"frequency"`
}

type SetPeriod struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// SetBoundsDuration replaces any bounds with a duration.
type SetBoundsDuration struct {
	Duration *r4.Duration `json:"duration"`
}

// SetBoundsPeriod replaces any bounds with a period.
type SetBoundsPeriod struct {
	Period *r4.Period `json:"period"`
}

type SetDayOfWeek struct {
	Days []string `json:"days"`
}

type SetTimeOfDay struct {
	Index int    `json:"index"`
	Time  string `json:"time"`
}

type SetWhen struct {
	Index int    `json:"index"`
	Code  string `json:"code"`
}

type SetRateRatio struct {
	Index int       `json:"index"`
	Ratio *r4.Ratio `json:"ratio"`
}

func (SetRoute) refreshesCandidates() bool          { return true }
func (SetDoseQuantity) refreshesCandidates() bool   { return true }
func (SetDuration) refreshesCandidates() bool       { return false }
func (SetFrequency) refreshesCandidates() bool      { return false }
func (SetPeriod) refreshesCandidates() bool         { return false }
func (SetBoundsDuration) refreshesCandidates() bool { return false }
func (SetBoundsPeriod) refreshesCandidates() bool   { return false }
func (SetDayOfWeek) refreshesCandidates() bool      { return false }
func (SetTimeOfDay) refreshesCandidates() bool      { return false }
func (SetWhen) refreshesCandidates() bool           { return false }
func (SetRateRatio) refreshesCandidates() bool      { return false }

// DispenseChange edits one field of the dispense request.
type DispenseChange interface {
	dispenseChange()
}

type SetValidityPeriod struct {
	Period *r4.Period `json:"period"`
}

type SetExpectedSupplyDuration struct {
	Duration *r4.Duration `json:"duration"`
}

type SetNumberOfRepeatsAllowed struct {
	Repeats int `json:"repeats"`
}

type SetDispenseQuantity struct {
	Quantity *r4.Quantity `json:"quantity"`
}

func (SetValidityPeriod) dispenseChange()         {}
func (SetExpectedSupplyDuration) dispenseChange() {}
func (SetNumberOfRepeatsAllowed) dispenseChange() {}
func (SetDispenseQuantity) dispenseChange()       {}
