package lookupcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

var paracetamol = Target{MedicationID: "med-1", Ingredients: []string{"Paracetamol"}}

func oral() *r4.CodeableConcept {
	return &r4.CodeableConcept{Coding: []r4.Coding{{System: r4.SystemEDQM, Code: "20053000", Display: "Oral use"}}, Text: "Oral use"}
}

func tablet() *r4.CodeableConcept {
	return &r4.CodeableConcept{Coding: []r4.Coding{{System: r4.SystemEDQM, Code: "10219000", Display: "Tablet"}}, Text: "Tablet"}
}

func capsule() *r4.CodeableConcept {
	return &r4.CodeableConcept{Coding: []r4.Coding{{System: r4.SystemEDQM, Code: "10210000", Display: "Capsule"}}, Text: "Capsule"}
}

func response(params ...r4.Parameter) *r4.Parameters {
	return &r4.Parameters{ResourceType: "Parameters", Parameter: params}
}

func ticketFor(t *testing.T, c *Cache, target Target, dosageKey string) Ticket {
	t.Helper()
	tickets := c.ClearList([]Target{target}, dosageKey)
	require.Len(t, tickets, 1)
	return tickets[0]
}

func TestDedupIdempotence(t *testing.T) {
	c := New()
	c.AddList([]Target{paracetamol}, "dosage-1")
	tk := ticketFor(t, c, paracetamol, "dosage-1")

	_, err := c.BuildList(tk, response(
		r4.Parameter{Name: ParamDoseForm, ValueCodeableConcept: tablet()},
		r4.Parameter{Name: ParamDoseForm, ValueCodeableConcept: capsule()},
		r4.Parameter{Name: ParamDoseForm, ValueCodeableConcept: tablet()},
	))
	require.NoError(t, err)
	added, err := c.BuildList(tk, response(r4.Parameter{Name: ParamDoseForm, ValueCodeableConcept: capsule()}))
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	forms := c.Forms("med-1", "dosage-1")
	require.Equal(t, 2, forms.Len())
	assert.Equal(t, "Tablet", forms.Values[0].Text)
	assert.Equal(t, "Capsule", forms.Values[1].Text)
}

func TestDedupIsStructural(t *testing.T) {
	c := New()
	tk := ticketFor(t, c, paracetamol, "dosage-1")

	// Same value delivered once as a Coding and once as the equivalent concept.
	coding := r4.Coding{System: r4.SystemEDQM, Code: "20053000", Display: "Oral use"}
	_, err := c.BuildList(tk, response(
		r4.Parameter{Name: ParamIntendedRoute, ValueCoding: &coding},
		r4.Parameter{Name: ParamIntendedRoute, ValueCodeableConcept: oral()},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Routes("dosage-1").Len())
}

func TestClearThenRebuild(t *testing.T) {
	c := New()
	tk := ticketFor(t, c, paracetamol, "dosage-1")
	_, err := c.BuildList(tk, response(
		r4.Parameter{Name: ParamDoseForm, ValueCodeableConcept: capsule()},
		r4.Parameter{Name: ParamIntendedRoute, ValueCodeableConcept: oral()},
	))
	require.NoError(t, err)
	before := c.Forms("med-1", "dosage-1")

	tk = ticketFor(t, c, paracetamol, "dosage-1")
	cleared := c.Forms("med-1", "dosage-1")
	assert.Equal(t, 0, cleared.Len())
	assert.Equal(t, 0, c.Routes("dosage-1").Len())
	assert.Greater(t, cleared.Version, before.Version)

	_, err = c.BuildList(tk, response(r4.Parameter{Name: ParamDoseForm, ValueCodeableConcept: tablet()}))
	require.NoError(t, err)
	forms := c.Forms("med-1", "dosage-1")
	require.Equal(t, 1, forms.Len())
	assert.Equal(t, "Tablet", forms.Values[0].Text)
}

func TestStaleTicketIsRejected(t *testing.T) {
	c := New()
	old := ticketFor(t, c, paracetamol, "dosage-1")
	fresh := ticketFor(t, c, paracetamol, "dosage-1")

	_, err := c.BuildList(old, response(r4.Parameter{Name: ParamDoseForm, ValueCodeableConcept: capsule()}))
	assert.ErrorIs(t, err, ErrStaleTicket)
	assert.False(t, c.current(old))
	assert.True(t, c.current(fresh))
	assert.Equal(t, 0, c.Forms("med-1", "dosage-1").Len())

	c.RemoveList("dosage-1")
	_, err = c.BuildList(fresh, response())
	assert.ErrorIs(t, err, ErrStaleTicket)

	tk := ticketFor(t, c, paracetamol, "dosage-2")
	c.Reset()
	_, err = c.BuildList(tk, response())
	assert.ErrorIs(t, err, ErrStaleTicket)
}

func TestPerDosageIsolation(t *testing.T) {
	c := New()
	c.AddList([]Target{paracetamol}, "dosage-1")
	c.AddList([]Target{paracetamol}, "dosage-2")
	tickets := c.ClearList([]Target{paracetamol})
	require.Len(t, tickets, 2)
	assert.Equal(t, "dosage-1", tickets[0].DosageKey)
	assert.Equal(t, "dosage-2", tickets[1].DosageKey)

	before := c.Snapshot()
	_, err := c.BuildList(tickets[0], response(
		r4.Parameter{Name: ParamDoseForm, ValueCodeableConcept: tablet()},
		r4.Parameter{Name: ParamIntendedRoute, ValueCodeableConcept: oral()},
		r4.Parameter{Name: ParamUnit, ValueCoding: &r4.Coding{System: r4.SystemUCUM, Code: "mg"}},
		r4.Parameter{Name: ParamAmount, ValueQuantity: &r4.Quantity{Value: 16, Unit: "tablet"}},
	))
	require.NoError(t, err)
	after := c.Snapshot()

	assert.Equal(t, before.Forms["med-1"]["dosage-2"], after.Forms["med-1"]["dosage-2"])
	assert.Equal(t, before.Routes["dosage-2"], after.Routes["dosage-2"])
	assert.Equal(t, before.Units["med-1"]["dosage-2"], after.Units["med-1"]["dosage-2"])
	assert.Equal(t, before.Amounts["med-1"]["dosage-2"], after.Amounts["med-1"]["dosage-2"])
	assert.Equal(t, 1, after.Forms["med-1"]["dosage-1"].Len())
	assert.Equal(t, 1, after.Units["med-1"]["dosage-1"].Len())
	assert.Equal(t, 1, after.Amounts["med-1"]["dosage-1"].Len())
}

func TestCompositionAndUnknownParameters(t *testing.T) {
	c := New()
	tk := ticketFor(t, c, paracetamol, "dosage-1")
	strength := r4.Ratio{
		Numerator:   &r4.Quantity{Value: 500, Unit: "mg", System: r4.SystemUCUM, Code: "mg"},
		Denominator: &r4.Quantity{Value: 1, Unit: "tablet"},
	}
	added, err := c.BuildList(tk, response(
		r4.Parameter{Name: ParamComposition, Part: []r4.Parameter{
			{Name: "item", ValueCodeableConcept: &r4.CodeableConcept{Text: "Paracetamol"}},
			{Name: "strength", ValueRatio: &strength},
		}},
		r4.Parameter{Name: "relatedMedicationKnowledge", ValueString: "ignored"},
		r4.Parameter{Name: ParamComposition, Part: []r4.Parameter{{Name: "strength", ValueRatio: &strength}}},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	strengths := c.Strengths("Paracetamol", "dosage-1")
	require.Equal(t, 1, strengths.Len())
	assert.Equal(t, 500.0, strengths.Values[0].Numerator.Value)
}

func TestCompositionOfForeignIngredientIsIgnored(t *testing.T) {
	c := New()
	tk := ticketFor(t, c, paracetamol, "dosage-1")
	strength := r4.Ratio{Numerator: &r4.Quantity{Value: 30, Unit: "mg"}}

	added, err := c.BuildList(tk, response(
		r4.Parameter{Name: ParamComposition, Part: []r4.Parameter{
			{Name: "item", ValueCodeableConcept: &r4.CodeableConcept{Text: "Codeine"}},
			{Name: "strength", ValueRatio: &strength},
		}},
	))
	require.NoError(t, err)
	assert.Zero(t, added)
	_, ok := c.Snapshot().Strengths["Codeine"]
	assert.False(t, ok)
}

func hasLists(c *Cache, medID, dosageKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.forms, medID, dosageKey) != nil
}

func hasRoutes(c *Cache, dosageKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.routes[dosageKey]
	return ok
}

func TestRemoveListAndMedication(t *testing.T) {
	c := New()
	codeine := Target{MedicationID: "med-2", Ingredients: []string{"Codeine"}}
	c.AddList([]Target{paracetamol, codeine}, "dosage-1")
	c.AddList([]Target{paracetamol, codeine}, "dosage-2")
	assert.True(t, hasLists(c, "med-1", "dosage-2"))
	assert.True(t, hasRoutes(c, "dosage-2"))

	c.RemoveList("dosage-2")
	assert.False(t, hasLists(c, "med-1", "dosage-2"))
	assert.False(t, hasRoutes(c, "dosage-2"))
	assert.True(t, hasRoutes(c, "dosage-1"))

	c.RemoveMedication(codeine)
	assert.False(t, hasLists(c, "med-2", "dosage-1"))
	assert.True(t, hasLists(c, "med-1", "dosage-1"))
	_, ok := c.Snapshot().Strengths["Codeine"]
	assert.False(t, ok)

	// Missing entries are nothing to remove.
	c.RemoveList("dosage-9")
	c.RemoveMedication(Target{MedicationID: "med-9"})
	assert.Empty(t, c.ClearList([]Target{{MedicationID: "med-9"}}))
}

func TestResetDropsEverything(t *testing.T) {
	c := New()
	c.AddList([]Target{paracetamol}, "dosage-1")
	c.Reset()
	s := c.Snapshot()
	assert.Empty(t, s.Forms)
	assert.Empty(t, s.Routes)
	assert.Empty(t, s.Strengths)
}
