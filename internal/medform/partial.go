package medform

import (
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/lookupcache"
)

// PartialState is the delta an action hands to the Reducer. The set is closed.
type PartialState interface {
	Type() Type
	partial()
}

// edit carries the document produced by an action and the element it touched.
type edit struct {
	Request     *r4.MedicationRequest
	NMedication int
	NDosage     int
	Index       int
}

type AddMedicationRequestPartial struct{ edit }

type AddMedicationPartial struct {
	edit
	MedicationID   string
	Knowledge      *r4.MedicationKnowledge
	AutoIncrement  int
	DosageSequence int
}

type RemoveMedicationPartial struct {
	edit
	// Removed is nil when the position did not exist
	Removed *lookupcache.Target
}

type ValueChangesMedicationPartial struct{ edit }

type AddDosageInstructionPartial struct {
	edit
	DosageKey      string
	DosageSequence int
}

type RemoveDosageInstructionPartial struct {
	edit
	// DosageKey is empty when the position did not exist
	DosageKey string
}

type ValueChangesDosageInstructionPartial struct {
	edit
	DosageKey string
	Refresh   bool
}

type AddTimeOfDayPartial struct{ edit }
type RemoveTimeOfDayPartial struct{ edit }
type AddWhenPartial struct{ edit }
type RemoveWhenPartial struct{ edit }
type AddDoseAndRatePartial struct{ edit }
type RemoveDoseAndRatePartial struct{ edit }
type ValueChangesDispenseRequestPartial struct{ edit }
type ValueChangesTreatmentIntentPartial struct{ edit }

// LookupResult is the outcome of one knowledge lookup.
type LookupResult struct {
	Ticket     lookupcache.Ticket
	Parameters *r4.Parameters
	Err        error
}

// UpdateCIOListPartial folds a batch of lookup results into the cache.
type UpdateCIOListPartial struct {
	Results []LookupResult
}

// UpdateTIOListPartial installs terminology options. Empty lists leave the current ones.
type UpdateTIOListPartial struct {
	Options Options
}

// ErrorPartial records a failed action.
type ErrorPartial struct {
	Err string
}

func (edit) partial()                 {}
func (UpdateCIOListPartial) partial() {}
func (UpdateTIOListPartial) partial() {}
func (ErrorPartial) partial()         {}

func (AddMedicationRequestPartial) Type() Type          { return TypeAddMedicationRequest }
func (AddMedicationPartial) Type() Type                 { return TypeAddMedication }
func (RemoveMedicationPartial) Type() Type              { return TypeRemoveMedication }
func (ValueChangesMedicationPartial) Type() Type        { return TypeValueChangesMedication }
func (AddDosageInstructionPartial) Type() Type          { return TypeAddDosageInstruction }
func (RemoveDosageInstructionPartial) Type() Type       { return TypeRemoveDosageInstruction }
func (ValueChangesDosageInstructionPartial) Type() Type { return TypeValueChangesDosageInstruction }
func (AddTimeOfDayPartial) Type() Type                  { return TypeAddTimeOfDay }
func (RemoveTimeOfDayPartial) Type() Type               { return TypeRemoveTimeOfDay }
func (AddWhenPartial) Type() Type                       { return TypeAddWhen }
func (RemoveWhenPartial) Type() Type                    { return TypeRemoveWhen }
func (AddDoseAndRatePartial) Type() Type                { return TypeAddDoseAndRate }
func (RemoveDoseAndRatePartial) Type() Type             { return TypeRemoveDoseAndRate }
func (ValueChangesDispenseRequestPartial) Type() Type   { return TypeValueChangesDispenseRequest }
func (ValueChangesTreatmentIntentPartial) Type() Type   { return TypeValueChangesTreatmentIntent }
func (UpdateCIOListPartial) Type() Type                 { return TypeUpdateCIOList }
func (UpdateTIOListPartial) Type() Type                 { return TypeUpdateTIOList }
func (ErrorPartial) Type() Type                         { return TypeError }
