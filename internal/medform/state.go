// Package medform is the state machine behind the MedicationRequest authoring form.
//
// A client dispatches an Intent; the ViewModel translates it into an action that edits a
// copy of the document and returns a PartialState; the Reducer folds the partial state
// into a new State, keeping the lookup cache in step with the document, and the new State
// is published to every subscriber.
package medform

import (
	"fmt"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/lookupcache"
)

// Type names the last transition applied to a State.
type Type string

const (
	TypeInit                          Type = "init"
	TypeAddMedicationRequest          Type = "AddMedicationRequest"
	TypeAddMedication                 Type = "AddMedication"
	TypeRemoveMedication              Type = "RemoveMedication"
	TypeValueChangesMedication        Type = "ValueChangesMedication"
	TypeAddDosageInstruction          Type = "AddDosageInstruction"
	TypeRemoveDosageInstruction       Type = "RemoveDosageInstruction"
	TypeValueChangesDosageInstruction Type = "ValueChangesDosageInstruction"
	TypeAddTimeOfDay                  Type = "AddTimeOfDay"
	TypeRemoveTimeOfDay               Type = "RemoveTimeOfDay"
	TypeAddWhen                       Type = "AddWhen"
	TypeRemoveWhen                    Type = "RemoveWhen"
	TypeAddDoseAndRate                Type = "AddDoseAndRate"
	TypeRemoveDoseAndRate             Type = "RemoveDoseAndRate"
	TypeValueChangesDispenseRequest   Type = "ValueChangesDispenseRequest"
	TypeValueChangesTreatmentIntent   Type = "ValueChangesTreatmentIntent"
	TypeUpdateCIOList                 Type = "UpdateCIOList"
	TypeUpdateTIOList                 Type = "UpdateTIOList"
	TypeError                         Type = "Error"
)

// TreatmentIntentURL identifies the extension carrying the treatment intent.
const TreatmentIntentURL = "http://phast.fr/fhir/StructureDefinition/phast-treatment-intent"

// Options are the session-wide choice lists filled from terminology expansions.
type Options struct {
	DurationUnits    []r4.Coding `json:"durationUnits,omitempty"`
	TreatmentIntents []r4.Coding `json:"treatmentIntents,omitempty"`
	EventTimings     []r4.Coding `json:"eventTimings,omitempty"`
}

// Complete reports whether every list has been populated.
func (o Options) Complete() bool {
	return len(o.DurationUnits) > 0 && len(o.TreatmentIntents) > 0 && len(o.EventTimings) > 0
}

// State is one snapshot of the form. Snapshots are never mutated after publication,
// with the exception of Lists: the lookup cache is shared by every snapshot of a session
// and versions its lists instead.
type State struct {
	Type              Type                               `json:"type"`
	MedicationRequest *r4.MedicationRequest              `json:"medicationRequest"`
	Knowledge         map[string]*r4.MedicationKnowledge `json:"knowledge,omitempty"`
	Lists             *lookupcache.Cache                 `json:"-"`
	Options           Options                            `json:"options"`

	IsLoadingCIOList bool `json:"isLoadingCIOList"`
	IsLoadingTIOList bool `json:"isLoadingTIOList"`

	// Counters for medication ids ("med-N") and dosage element ids ("dosage-N")
	AutoIncrement  int `json:"autoIncrement"`
	DosageSequence int `json:"dosageSequence"`

	// Element last touched
	NMedication int `json:"nMedication"`
	NDosage     int `json:"nDosage"`
	Index       int `json:"index"`

	Err string `json:"error,omitempty"`
}

// NewState returns the initial state of a session.
func NewState() *State {
	return &State{
		Type:              TypeInit,
		MedicationRequest: newMedicationRequest(),
		Knowledge:         map[string]*r4.MedicationKnowledge{},
		Lists:             lookupcache.New(),
	}
}

func (s *State) clone() *State {
	c := *s
	return &c
}

// MedicationID formats the contained id of the n-th generated medication.
func MedicationID(n int) string {
	return fmt.Sprintf("med-%d", n)
}

// DosageKey formats the element id of the n-th generated dosage line.
func DosageKey(n int) string {
	return fmt.Sprintf("dosage-%d", n)
}

// Targets describes the leaf medications of the document for the lookup cache.
func (s *State) Targets() []lookupcache.Target {
	if s.MedicationRequest == nil {
		return nil
	}
	leaves := s.MedicationRequest.LeafMedications()
	targets := make([]lookupcache.Target, 0, len(leaves))
	for i := range leaves {
		targets = append(targets, targetOf(&leaves[i]))
	}
	return targets
}

func targetOf(m *r4.Medication) lookupcache.Target {
	return lookupcache.Target{MedicationID: m.ID, Ingredients: m.IngredientTexts()}
}

// DosageKeyAt returns the element id of the dosage line at a position, or "" when the
// position does not exist.
func (s *State) DosageKeyAt(nDosage int) string {
	if s.MedicationRequest == nil || nDosage < 0 || nDosage >= len(s.MedicationRequest.DosageInstruction) {
		return ""
	}
	return s.MedicationRequest.DosageInstruction[nDosage].ID
}

// FormsAt returns the dose form candidates for a medication and a dosage position.
func (s *State) FormsAt(medID string, nDosage int) lookupcache.List[r4.CodeableConcept] {
	return s.Lists.Forms(medID, s.DosageKeyAt(nDosage))
}

// RoutesAt returns the route candidates for a dosage position.
func (s *State) RoutesAt(nDosage int) lookupcache.List[r4.CodeableConcept] {
	return s.Lists.Routes(s.DosageKeyAt(nDosage))
}

// StrengthsAt returns the strength candidates of an ingredient for a dosage position.
func (s *State) StrengthsAt(ingredient string, nDosage int) lookupcache.List[r4.Ratio] {
	return s.Lists.Strengths(ingredient, s.DosageKeyAt(nDosage))
}

// UnitsAt returns the dose unit candidates for a medication and a dosage position.
func (s *State) UnitsAt(medID string, nDosage int) lookupcache.List[r4.Coding] {
	return s.Lists.Units(medID, s.DosageKeyAt(nDosage))
}

// AmountsAt returns the package amount candidates for a medication and a dosage position.
func (s *State) AmountsAt(medID string, nDosage int) lookupcache.List[r4.Quantity] {
	return s.Lists.Amounts(medID, s.DosageKeyAt(nDosage))
}

func newMedicationRequest() *r4.MedicationRequest {
	return &r4.MedicationRequest{
		ResourceType: "MedicationRequest",
		Status:       r4.StatusDraft,
		Intent:       r4.IntentOrder,
	}
}
