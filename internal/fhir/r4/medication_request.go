package r4

import "encoding/json"

// MedicationRequest represents a FHIR R4 MedicationRequest resource.
// This is the clinical order authored by the prescribing form.
type MedicationRequest struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Meta         *Meta       `json:"meta,omitempty"`
	Extension    []Extension `json:"extension,omitempty"`

	// Medications defined inline; see RootMedication for the compound layout
	Contained []Medication `json:"contained,omitempty"`

	Identifier []Identifier      `json:"identifier,omitempty"`
	Status     string            `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent     string            `json:"intent"` // proposal | plan | order | original-order | reflex-order | filler-order | instance-order | option
	Category   []CodeableConcept `json:"category,omitempty"`
	Priority   string            `json:"priority,omitempty"`

	// Medication being requested (R4 choice type)
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`

	Subject    Reference         `json:"subject"`
	AuthoredOn string            `json:"authoredOn,omitempty"`
	Requester  *Reference        `json:"requester,omitempty"`
	ReasonCode []CodeableConcept `json:"reasonCode,omitempty"`
	Note       []Annotation      `json:"note,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	ValidityPeriod         *Period   `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
// ID is the element id; the form uses it as the stable identity of a dosage line.
type Dosage struct {
	ID                    string            `json:"id,omitempty"`
	Sequence              int               `json:"sequence,omitempty"`
	Text                  string            `json:"text,omitempty"`
	AdditionalInstruction []CodeableConcept `json:"additionalInstruction,omitempty"`
	PatientInstruction    string            `json:"patientInstruction,omitempty"`
	Timing                *Timing           `json:"timing,omitempty"`
	AsNeededBoolean       bool              `json:"asNeededBoolean,omitempty"`
	Route                 *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate           []DoseAndRate     `json:"doseAndRate,omitempty"`
	MaxDosePerPeriod      *Ratio            `json:"maxDosePerPeriod,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseRange    *Range           `json:"doseRange,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
	RateRatio    *Ratio           `json:"rateRatio,omitempty"`
	RateQuantity *Quantity        `json:"rateQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Event  []string         `json:"event,omitempty"`
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	BoundsPeriod   *Period   `json:"boundsPeriod,omitempty"`
	Count          int       `json:"count,omitempty"`
	Duration       float64   `json:"duration,omitempty"`
	DurationUnit   string    `json:"durationUnit,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	Period         float64   `json:"period,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"`
	DayOfWeek      []string  `json:"dayOfWeek,omitempty"`
	TimeOfDay      []string  `json:"timeOfDay,omitempty"`
	When           []string  `json:"when,omitempty"`
	Offset         int       `json:"offset,omitempty"`
}

// Medication represents a FHIR R4 Medication resource, usually contained in a MedicationRequest.
type Medication struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id,omitempty"`
	Code         *CodeableConcept       `json:"code,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Form         *CodeableConcept       `json:"form,omitempty"`
	Amount       *Ratio                 `json:"amount,omitempty"`
	Ingredient   []MedicationIngredient `json:"ingredient,omitempty"`
}

// MedicationIngredient identifies an active or inactive ingredient of a medication.
type MedicationIngredient struct {
	ItemCodeableConcept *CodeableConcept `json:"itemCodeableConcept,omitempty"`
	ItemReference       *Reference       `json:"itemReference,omitempty"`
	IsActive            *bool            `json:"isActive,omitempty"`
	Strength            *Ratio           `json:"strength,omitempty"`
}

// RootMedication returns the synthetic compound medication, if the request holds one.
func (m *MedicationRequest) RootMedication() *Medication {
	if len(m.Contained) > 1 {
		return &m.Contained[0]
	}
	return nil
}

// LeafMedications returns the medications a prescriber actually selected:
// every contained medication except the synthetic root.
func (m *MedicationRequest) LeafMedications() []Medication {
	if len(m.Contained) > 1 {
		return m.Contained[1:]
	}
	return m.Contained
}

// LeafMedicationIDs returns the ids of LeafMedications.
func (m *MedicationRequest) LeafMedicationIDs() []string {
	leaves := m.LeafMedications()
	ids := make([]string, 0, len(leaves))
	for _, med := range leaves {
		ids = append(ids, med.ID)
	}
	return ids
}

// MedicationByID returns the contained medication with the given id.
func (m *MedicationRequest) MedicationByID(id string) (*Medication, int) {
	for i := range m.Contained {
		if m.Contained[i].ID == id {
			return &m.Contained[i], i
		}
	}
	return nil, -1
}

// DosageIndex returns the position of the dosage line with the given element id.
func (m *MedicationRequest) DosageIndex(id string) int {
	for i := range m.DosageInstruction {
		if m.DosageInstruction[i].ID == id {
			return i
		}
	}
	return -1
}

// DosageIDs returns the element ids of every dosage line, in order.
func (m *MedicationRequest) DosageIDs() []string {
	ids := make([]string, 0, len(m.DosageInstruction))
	for _, d := range m.DosageInstruction {
		ids = append(ids, d.ID)
	}
	return ids
}

// ExtensionByURL returns the first extension with the given url.
func (m *MedicationRequest) ExtensionByURL(url string) *Extension {
	for i := range m.Extension {
		if m.Extension[i].URL == url {
			return &m.Extension[i]
		}
	}
	return nil
}

// IngredientTexts returns the display text of each ingredient of the medication.
func (m *Medication) IngredientTexts() []string {
	texts := make([]string, 0, len(m.Ingredient))
	for _, ing := range m.Ingredient {
		if ing.ItemCodeableConcept != nil {
			texts = append(texts, ing.ItemCodeableConcept.Display())
		}
	}
	return texts
}

// FirstDoseQuantity returns the dose quantity of the first dose-and-rate entry.
func (d *Dosage) FirstDoseQuantity() *Quantity {
	for _, dr := range d.DoseAndRate {
		if dr.DoseQuantity != nil {
			return dr.DoseQuantity
		}
	}
	return nil
}

// ToJSON serializes the MedicationRequest to JSON.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a MedicationRequest from JSON.
func (m *MedicationRequest) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}
