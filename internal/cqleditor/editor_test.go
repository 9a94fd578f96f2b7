package cqleditor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

const source = `library Interactions version '1.2'
using FHIR version '4.0.1'
context Patient
define "Adult": AgeInYears() >= 18`

type memoryDocuments struct {
	saved []*r4.Library
	err   error
}

func (d *memoryDocuments) SaveLibrary(_ context.Context, lib *r4.Library) (*r4.Library, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := lib.Clone()
	if out.ID == "" {
		out.ID = "lib-1"
	}
	d.saved = append(d.saved, out)
	return out, nil
}

func (d *memoryDocuments) SearchLibraries(_ context.Context, name string) ([]r4.Library, error) {
	var out []r4.Library
	for _, lib := range d.saved {
		if lib.Name == name {
			out = append(out, *lib)
		}
	}
	return out, nil
}

type engineFunc func(ctx context.Context, lib *r4.Library, patientID string) (*r4.Parameters, error)

func (f engineFunc) Evaluate(ctx context.Context, lib *r4.Library, patientID string) (*r4.Parameters, error) {
	return f(ctx, lib, patientID)
}

func newEditor(t *testing.T, deps Deps) *Editor {
	t.Helper()
	e, err := NewEditor(context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestChangeSaveAndSearch(t *testing.T) {
	docs := &memoryDocuments{}
	e := newEditor(t, Deps{Documents: docs})
	ctx := context.Background()

	s, err := e.DispatchIntentWait(ctx, OnChangeLibrary{Text: source})
	require.NoError(t, err)
	assert.Equal(t, TypeOnChangeLibrary, s.Type)
	assert.True(t, s.Dirty)
	assert.Nil(t, s.Library)

	s, err = e.DispatchIntentWait(ctx, OnSaveLibrary{})
	require.NoError(t, err)
	assert.Equal(t, TypeOnSaveLibrary, s.Type)
	require.NotNil(t, s.Library)
	assert.Equal(t, "Interactions", s.Library.Name)
	assert.Equal(t, "1.2", s.Library.Version)
	assert.Equal(t, source, s.Library.CQL())
	assert.False(t, s.Dirty)
	assert.Equal(t, []string{"Saved Library/lib-1"}, s.Output)

	s, err = e.DispatchIntentWait(ctx, OnSearchLibrary{Name: "Interactions"})
	require.NoError(t, err)
	assert.Equal(t, TypeOnSearchLibrary, s.Type)
	require.Len(t, s.Libraries, 1)
	assert.Equal(t, "lib-1", s.Libraries[0].ID)
}

func TestChangeLibrarySwitchesAndLoadsSource(t *testing.T) {
	e := newEditor(t, Deps{})
	lib := &r4.Library{ResourceType: "Library", ID: "lib-9", Status: r4.StatusActive}
	lib.SetCQL(source)

	s, err := e.DispatchIntentWait(context.Background(), OnChangeLibrary{Library: lib})
	require.NoError(t, err)
	assert.Equal(t, "lib-9", s.Library.ID)
	assert.Equal(t, source, s.Text)
	assert.False(t, s.Dirty)

	// The editor holds its own copy.
	lib.SetCQL("library Other")
	assert.Equal(t, source, e.State().Library.CQL())
}

func TestRunLibraryFormatsResults(t *testing.T) {
	var gotPatient string
	engine := engineFunc(func(_ context.Context, lib *r4.Library, patientID string) (*r4.Parameters, error) {
		gotPatient = patientID
		assert.Equal(t, source, lib.CQL())
		return &r4.Parameters{Parameter: []r4.Parameter{
			{Name: "Adult", ValueString: "true"},
			{Name: "evaluation result", Part: []r4.Parameter{
				{Name: "name", ValueString: "Weight"},
				{Name: "value", ValueQuantity: &r4.Quantity{Value: 72.5, Unit: "kg"}},
			}},
			{Name: "Patient", Resource: json.RawMessage(`{ "resourceType": "Patient", "id": "p-1" }`)},
		}}, nil
	})
	e := newEditor(t, Deps{Engine: engine})
	ctx := context.Background()

	_, err := e.DispatchIntentWait(ctx, OnChangeLibrary{Text: source})
	require.NoError(t, err)
	s, err := e.DispatchIntentWait(ctx, OnRunLibrary{PatientID: "p-1"})
	require.NoError(t, err)

	assert.Equal(t, "p-1", gotPatient)
	assert.Equal(t, TypeOnRunLibrary, s.Type)
	assert.Equal(t, []string{
		"Adult = true",
		"Weight = 72.5 kg",
		`Patient = {"resourceType":"Patient","id":"p-1"}`,
	}, s.Output)
}

func TestRunFailureKeepsStoreEmitting(t *testing.T) {
	calls := 0
	engine := engineFunc(func(context.Context, *r4.Library, string) (*r4.Parameters, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("engine unavailable")
		}
		return &r4.Parameters{}, nil
	})
	e := newEditor(t, Deps{Engine: engine})
	ctx := context.Background()

	ch, cancel := e.Store().Subscribe()
	defer cancel()
	<-ch

	_, err := e.DispatchIntentWait(ctx, OnChangeLibrary{Text: source})
	require.NoError(t, err)
	s, err := e.DispatchIntentWait(ctx, OnRunLibrary{PatientID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, TypeError, s.Type)
	assert.Contains(t, s.Err, "engine unavailable")
	assert.Equal(t, []string{"Error: run library: engine unavailable"}, s.Output)

	s, err = e.DispatchIntentWait(ctx, OnRunLibrary{PatientID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, TypeOnRunLibrary, s.Type)
	assert.Empty(t, s.Err)
	assert.Equal(t, "(no results)", s.Output[len(s.Output)-1])

	latest := <-ch
	assert.Equal(t, TypeOnRunLibrary, latest.Type)
}

func TestSaveWithoutSourceFails(t *testing.T) {
	e := newEditor(t, Deps{Documents: &memoryDocuments{}})
	s, err := e.DispatchIntentWait(context.Background(), OnSaveLibrary{})
	require.NoError(t, err)
	assert.Equal(t, TypeError, s.Type)
	assert.Contains(t, s.Err, ErrNoLibrary.Error())
}
