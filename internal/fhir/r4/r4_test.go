package r4

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceID(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"#med-1", "med-1"},
		{"Patient/123", "123"},
		{"urn:uuid:abc", "abc"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, ReferenceID(tt.ref))
		})
	}
	assert.Equal(t, "#med-2", ContainedReference("med-2"))
}

func TestCodeableConceptDisplay(t *testing.T) {
	var nilConcept *CodeableConcept
	assert.Equal(t, "", nilConcept.Display())
	assert.Equal(t, "Paracetamol", (&CodeableConcept{Text: "Paracetamol"}).Display())
	assert.Equal(t, "oral", (&CodeableConcept{Coding: []Coding{{Code: "26643006"}, {Display: "oral"}}}).Display())
}

func TestLeafMedications(t *testing.T) {
	mr := &MedicationRequest{}
	assert.Empty(t, mr.LeafMedications())
	assert.Nil(t, mr.RootMedication())

	mr.Contained = []Medication{{ID: "med-1"}}
	assert.Equal(t, []string{"med-1"}, mr.LeafMedicationIDs())
	assert.Nil(t, mr.RootMedication())

	mr.Contained = []Medication{{ID: "med-3"}, {ID: "med-1"}, {ID: "med-2"}}
	assert.Equal(t, []string{"med-1", "med-2"}, mr.LeafMedicationIDs())
	require.NotNil(t, mr.RootMedication())
	assert.Equal(t, "med-3", mr.RootMedication().ID)

	med, idx := mr.MedicationByID("med-2")
	require.NotNil(t, med)
	assert.Equal(t, 2, idx)
	_, idx = mr.MedicationByID("missing")
	assert.Equal(t, -1, idx)
}

func TestCloneIsolatesTopLevelSlices(t *testing.T) {
	orig := &MedicationRequest{
		ResourceType:      "MedicationRequest",
		Contained:         []Medication{{ID: "med-1"}},
		DosageInstruction: []Dosage{{ID: "dosage-1"}},
		DispenseRequest:   &DispenseRequest{NumberOfRepeatsAllowed: 1},
	}
	c := orig.Clone()
	c.Contained[0].ID = "changed"
	c.DosageInstruction = append(c.DosageInstruction, Dosage{ID: "dosage-2"})
	c.DispenseRequest.NumberOfRepeatsAllowed = 5

	assert.Equal(t, "med-1", orig.Contained[0].ID)
	assert.Len(t, orig.DosageInstruction, 1)
	assert.Equal(t, 1, orig.DispenseRequest.NumberOfRepeatsAllowed)

	var nilReq *MedicationRequest
	assert.Nil(t, nilReq.Clone())
}

func TestMutableRepeatCopiesOnWrite(t *testing.T) {
	shared := &Timing{Repeat: &TimingRepeat{TimeOfDay: []string{"08:00:00"}}}
	a := Dosage{Timing: shared}
	b := Dosage{Timing: shared}

	r := a.MutableRepeat()
	r.TimeOfDay = append(r.TimeOfDay, "20:00:00")
	r.TimeOfDay[0] = "09:00:00"

	assert.Equal(t, []string{"08:00:00"}, b.Timing.Repeat.TimeOfDay)
	assert.Equal(t, []string{"09:00:00", "20:00:00"}, a.Timing.Repeat.TimeOfDay)

	var empty Dosage
	assert.NotNil(t, empty.MutableRepeat())
	assert.NotNil(t, empty.Timing)
}

func TestValueSetCodings(t *testing.T) {
	var vs ValueSet
	require.NoError(t, json.Unmarshal([]byte(`{
		"resourceType": "ValueSet",
		"name": "EventTiming",
		"expansion": {"contains": [
			{"system": "http://hl7.org/fhir/event-timing", "code": "MORN", "display": "Morning",
			 "contains": [{"system": "http://hl7.org/fhir/event-timing", "code": "MORN.early"}]},
			{"display": "abstract"},
			{"system": "http://hl7.org/fhir/event-timing", "code": "NIGHT"}
		]}
	}`), &vs))

	codes := vs.Codings()
	require.Len(t, codes, 3)
	assert.Equal(t, "MORN", codes[0].Code)
	assert.Equal(t, "MORN.early", codes[1].Code)
	assert.Equal(t, "NIGHT", codes[2].Code)

	var nilVS *ValueSet
	assert.Nil(t, nilVS.Codings())
}

func TestLibraryCQL(t *testing.T) {
	lib := &Library{ResourceType: "Library", Status: StatusDraft}
	assert.Equal(t, "", lib.CQL())

	lib.SetCQL("library Demo version '1'")
	lib.SetCQL("library Demo version '2'")
	require.Len(t, lib.Content, 1)
	assert.Equal(t, "library Demo version '2'", lib.CQL())

	data, err := json.Marshal(lib)
	require.NoError(t, err)
	var decoded Library
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, lib.CQL(), decoded.CQL())
}

func TestParameterPartsNamed(t *testing.T) {
	p := Parameter{Name: "composition", Part: []Parameter{
		{Name: "item", ValueCodeableConcept: &CodeableConcept{Text: "Paracetamol"}},
		{Name: "strength", ValueRatio: &Ratio{}},
		{Name: "item", ValueCodeableConcept: &CodeableConcept{Text: "Codeine"}},
	}}
	assert.Len(t, p.PartsNamed("item"), 2)
	assert.Len(t, p.PartsNamed("strength"), 1)
	assert.Empty(t, p.PartsNamed("missing"))
}
