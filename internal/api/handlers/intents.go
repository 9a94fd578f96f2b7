package handlers

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cqleditor"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
)

// ErrUnknownIntent is returned for an intent or change type the API does not know.
var ErrUnknownIntent = errors.New("unknown intent type")

// Intents and changes are sent as flat JSON objects tagged by "type":
//
//	{"type": "AddMedication", "knowledge": {...}}
//	{"type": "ValueChangesDosageInstruction", "nDosage": 0,
//	 "change": {"type": "SetRoute", "route": {...}}}

type envelope struct {
	Type   string          `json:"type"`
	Change json.RawMessage `json:"change,omitempty"`
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

var formIntents = map[string]func([]byte) (medform.Intent, error){
	"AddMedicationRequest": decoder[medform.AddMedicationRequest],
	"AddMedication":        decoder[medform.AddMedication],
	"RemoveMedication":     decoder[medform.RemoveMedication],
	"ValueChangesMedication": func(data []byte) (medform.Intent, error) {
		in, err := decodeAs[medform.ValueChangesMedication](data)
		if err != nil {
			return nil, err
		}
		in.Change, err = decodeChange(data, medicationChanges)
		return in, err
	},
	"AddDosageInstruction":    decoder[medform.AddDosageInstruction],
	"RemoveDosageInstruction": decoder[medform.RemoveDosageInstruction],
	"ValueChangesDosageInstruction": func(data []byte) (medform.Intent, error) {
		in, err := decodeAs[medform.ValueChangesDosageInstruction](data)
		if err != nil {
			return nil, err
		}
		in.Change, err = decodeChange(data, dosageChanges)
		return in, err
	},
	"AddTimeOfDay":      decoder[medform.AddTimeOfDay],
	"RemoveTimeOfDay":   decoder[medform.RemoveTimeOfDay],
	"AddWhen":           decoder[medform.AddWhen],
	"RemoveWhen":        decoder[medform.RemoveWhen],
	"AddDoseAndRate":    decoder[medform.AddDoseAndRate],
	"RemoveDoseAndRate": decoder[medform.RemoveDoseAndRate],
	"ValueChangesDispenseRequest": func(data []byte) (medform.Intent, error) {
		change, err := decodeChange(data, dispenseChanges)
		return medform.ValueChangesDispenseRequest{Change: change}, err
	},
	"ValueChangesTreatmentIntent": decoder[medform.ValueChangesTreatmentIntent],
}

func decoder[T medform.Intent](data []byte) (medform.Intent, error) {
	return decodeAs[T](data)
}

var medicationChanges = map[string]func([]byte) (medform.MedicationChange, error){
	"SetForm":               changeDecoder[medform.MedicationChange, medform.SetForm],
	"SetIngredientStrength": changeDecoder[medform.MedicationChange, medform.SetIngredientStrength],
	"SetAmount":             changeDecoder[medform.MedicationChange, medform.SetAmount],
}

var dosageChanges = map[string]func([]byte) (medform.DosageChange, error){
	"SetRoute":          changeDecoder[medform.DosageChange, medform.SetRoute],
	"SetDoseQuantity":   changeDecoder[medform.DosageChange, medform.SetDoseQuantity],
	"SetDuration":       changeDecoder[medform.DosageChange, medform.SetDuration],
	"SetFrequency":      changeDecoder[medform.DosageChange, medform.SetFrequency],
	"SetPeriod":         changeDecoder[medform.DosageChange, medform.SetPeriod],
	"SetBoundsDuration": changeDecoder[medform.DosageChange, medform.SetBoundsDuration],
	"SetBoundsPeriod":   changeDecoder[medform.DosageChange, medform.SetBoundsPeriod],
	"SetDayOfWeek":      changeDecoder[medform.DosageChange, medform.SetDayOfWeek],
	"SetTimeOfDay":      changeDecoder[medform.DosageChange, medform.SetTimeOfDay],
	"SetWhen":           changeDecoder[medform.DosageChange, medform.SetWhen],
	"SetRateRatio":      changeDecoder[medform.DosageChange, medform.SetRateRatio],
}

var dispenseChanges = map[string]func([]byte) (medform.DispenseChange, error){
	"SetValidityPeriod":         changeDecoder[medform.DispenseChange, medform.SetValidityPeriod],
	"SetExpectedSupplyDuration": changeDecoder[medform.DispenseChange, medform.SetExpectedSupplyDuration],
	"SetNumberOfRepeatsAllowed": changeDecoder[medform.DispenseChange, medform.SetNumberOfRepeatsAllowed],
	"SetDispenseQuantity":       changeDecoder[medform.DispenseChange, medform.SetDispenseQuantity],
}

func changeDecoder[C any, T any](data []byte) (C, error) {
	v, err := decodeAs[T](data)
	if err != nil {
		var zero C
		return zero, err
	}
	c, ok := any(v).(C)
	if !ok {
		var zero C
		return zero, fmt.Errorf("%T is not a change", v)
	}
	return c, nil
}

func decodeChange[C any](data []byte, table map[string]func([]byte) (C, error)) (C, error) {
	var zero C
	env, err := decodeAs[envelope](data)
	if err != nil {
		return zero, err
	}
	if len(env.Change) == 0 {
		return zero, errors.New("change is required")
	}
	inner, err := decodeAs[envelope](env.Change)
	if err != nil {
		return zero, fmt.Errorf("change: %w", err)
	}
	decode, ok := table[inner.Type]
	if !ok {
		return zero, fmt.Errorf("change %q: %w", inner.Type, ErrUnknownIntent)
	}
	c, err := decode(env.Change)
	if err != nil {
		return zero, fmt.Errorf("change %s: %w", inner.Type, err)
	}
	return c, nil
}

// DecodeFormIntent decodes one MedicationRequest form intent.
func DecodeFormIntent(data []byte) (medform.Intent, error) {
	env, err := decodeAs[envelope](data)
	if err != nil {
		return nil, fmt.Errorf("invalid intent: %w", err)
	}
	decode, ok := formIntents[env.Type]
	if !ok {
		return nil, fmt.Errorf("%q: %w", env.Type, ErrUnknownIntent)
	}
	in, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
	}
	return in, nil
}

var editorIntents = map[string]func([]byte) (cqleditor.Intent, error){
	"OnChangeLibrary": editorDecoder[cqleditor.OnChangeLibrary],
	"OnSaveLibrary":   editorDecoder[cqleditor.OnSaveLibrary],
	"OnRunLibrary":    editorDecoder[cqleditor.OnRunLibrary],
	"OnSearchLibrary": editorDecoder[cqleditor.OnSearchLibrary],
}

func editorDecoder[T cqleditor.Intent](data []byte) (cqleditor.Intent, error) {
	return decodeAs[T](data)
}

// DecodeEditorIntent decodes one CQL editor intent.
func DecodeEditorIntent(data []byte) (cqleditor.Intent, error) {
	env, err := decodeAs[envelope](data)
	if err != nil {
		return nil, fmt.Errorf("invalid intent: %w", err)
	}
	decode, ok := editorIntents[env.Type]
	if !ok {
		return nil, fmt.Errorf("%q: %w", env.Type, ErrUnknownIntent)
	}
	in, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
	}
	return in, nil
}
