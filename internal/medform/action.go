package medform

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/builder"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/mvi"
)

// Identity supplies the patient and practitioner of the SMART launch.
type Identity interface {
	Patient(ctx context.Context) (*r4.Reference, error)
	Practitioner(ctx context.Context) (*r4.Reference, error)
}

// Actions close over the state snapshot current when their intent was translated. They
// edit a copy of the document and never touch the snapshot.

type actionFunc = mvi.ActionFunc[PartialState]

func addMedicationRequestAction(identity Identity) mvi.Action[PartialState] {
	return actionFunc(func(ctx context.Context) (PartialState, error) {
		doc := newMedicationRequest()
		if identity != nil {
			patient, err := identity.Patient(ctx)
			if err != nil {
				return nil, fmt.Errorf("resolve patient: %w", err)
			}
			practitioner, err := identity.Practitioner(ctx)
			if err != nil {
				return nil, fmt.Errorf("resolve practitioner: %w", err)
			}
			if patient != nil {
				doc.Subject = *patient
			}
			doc.Requester = practitioner
		}
		return AddMedicationRequestPartial{edit{Request: doc}}, nil
	})
}

func addMedicationAction(s *State, in AddMedication) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		if in.Knowledge == nil {
			return nil, fmt.Errorf("add medication: knowledge is required")
		}
		doc := s.MedicationRequest.Clone()
		auto := s.AutoIncrement + 1
		medID := MedicationID(auto)
		med := medicationFromKnowledge(medID, in.Knowledge)

		switch len(doc.Contained) {
		case 0:
			doc.Contained = []r4.Medication{*med}
			doc.MedicationReference = builder.NewReference(r4.ContainedReference(medID)).Build()
		case 1:
			auto++
			doc.Contained = []r4.Medication{{}, doc.Contained[0], *med}
			rebuildRoot(doc, MedicationID(auto))
		default:
			doc.Contained = append(doc.Contained, *med)
			rebuildRoot(doc, doc.Contained[0].ID)
		}

		seq := s.DosageSequence
		if len(doc.DosageInstruction) == 0 {
			seq++
			doc.DosageInstruction = []r4.Dosage{*builder.NewDosage(DosageKey(seq)).SetSequence(1).Build()}
		}

		return AddMedicationPartial{
			edit:           edit{Request: doc, NMedication: len(doc.LeafMedications()) - 1},
			MedicationID:   medID,
			Knowledge:      in.Knowledge,
			AutoIncrement:  auto,
			DosageSequence: seq,
		}, nil
	})
}

// medicationFromKnowledge builds the contained medication a prescriber selected.
func medicationFromKnowledge(id string, k *r4.MedicationKnowledge) *r4.Medication {
	b := builder.NewMedication(id).
		SetCode(k.Code).
		SetForm(k.DoseForm)
	if k.Amount != nil {
		b.SetAmount(builder.NewRatio(k.Amount, nil).Build())
	}
	for _, ing := range k.Ingredient {
		b.AddIngredient(builder.NewIngredientConcept(ing.ItemCodeableConcept).
			SetStrength(ing.Strength).
			SetActive(ing.IsActive).
			Build())
	}
	return b.Build()
}

// rebuildRoot derives Contained[0] from the children at Contained[1:] and points the
// request at it.
func rebuildRoot(doc *r4.MedicationRequest, rootID string) {
	children := doc.Contained[1:]
	texts := make([]string, 0, len(children))
	root := builder.NewMedication(rootID)
	for _, child := range children {
		texts = append(texts, child.Code.Display())
		root.AddIngredient(builder.NewIngredientReference(
			builder.NewReference(r4.ContainedReference(child.ID)).Build()).Build())
	}
	root.SetCode(builder.NewCodeableConcept(strings.Join(texts, " + ")).Build())
	doc.Contained[0] = *root.Build()
	doc.MedicationReference = builder.NewReference(r4.ContainedReference(rootID)).Build()
}

// leafPosition converts a leaf medication index to its position in Contained.
func leafPosition(doc *r4.MedicationRequest, nMedication int) (int, bool) {
	leaves := len(doc.LeafMedications())
	if nMedication < 0 || nMedication >= leaves {
		return 0, false
	}
	if len(doc.Contained) > 1 {
		return nMedication + 1, true
	}
	return nMedication, true
}

func removeMedicationAction(s *State, in RemoveMedication) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc := s.MedicationRequest.Clone()
		pos, ok := leafPosition(doc, in.NMedication)
		if !ok {
			return RemoveMedicationPartial{edit: edit{Request: s.MedicationRequest, NMedication: in.NMedication}}, nil
		}
		removed := targetOf(&doc.Contained[pos])

		switch {
		case len(doc.Contained) == 1:
			doc.Contained = nil
			doc.MedicationReference = nil
		default:
			doc.Contained = slices.Delete(doc.Contained, pos, pos+1)
			if len(doc.Contained) == 2 {
				// One child left: the root no longer has a reason to exist.
				doc.Contained = doc.Contained[1:]
				doc.MedicationReference = builder.NewReference(r4.ContainedReference(doc.Contained[0].ID)).Build()
			} else {
				rebuildRoot(doc, doc.Contained[0].ID)
			}
		}

		return RemoveMedicationPartial{
			edit:    edit{Request: doc, NMedication: in.NMedication},
			Removed: &removed,
		}, nil
	})
}

func valueChangesMedicationAction(s *State, in ValueChangesMedication) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc := s.MedicationRequest.Clone()
		pos, ok := leafPosition(doc, in.NMedication)
		if !ok {
			return nil, fmt.Errorf("value changes medication: no medication at %d", in.NMedication)
		}
		med := &doc.Contained[pos]
		index := 0

		switch c := in.Change.(type) {
		case SetForm:
			med.Form = c.Form.Clone()
		case SetIngredientStrength:
			if c.Ingredient < 0 || c.Ingredient >= len(med.Ingredient) {
				return nil, fmt.Errorf("value changes medication: no ingredient at %d", c.Ingredient)
			}
			ings := med.MutableIngredients()
			ings[c.Ingredient].Strength = c.Strength.Clone()
			index = c.Ingredient
		case SetAmount:
			med.Amount = c.Amount.Clone()
		default:
			return nil, fmt.Errorf("value changes medication: unsupported change %T", in.Change)
		}

		return ValueChangesMedicationPartial{edit{Request: doc, NMedication: in.NMedication, Index: index}}, nil
	})
}

func addDosageInstructionAction(s *State) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc := s.MedicationRequest.Clone()
		seq := s.DosageSequence + 1
		key := DosageKey(seq)
		doc.DosageInstruction = append(doc.DosageInstruction,
			*builder.NewDosage(key).SetSequence(len(doc.DosageInstruction) + 1).Build())

		return AddDosageInstructionPartial{
			edit:           edit{Request: doc, NDosage: len(doc.DosageInstruction) - 1},
			DosageKey:      key,
			DosageSequence: seq,
		}, nil
	})
}

func removeDosageInstructionAction(s *State, in RemoveDosageInstruction) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		key := s.DosageKeyAt(in.NDosage)
		if key == "" {
			return RemoveDosageInstructionPartial{edit: edit{Request: s.MedicationRequest, NDosage: in.NDosage}}, nil
		}
		doc := s.MedicationRequest.Clone()
		doc.DosageInstruction = slices.Delete(doc.DosageInstruction, in.NDosage, in.NDosage+1)
		for i := range doc.DosageInstruction {
			doc.DosageInstruction[i].Sequence = i + 1
		}
		if len(doc.DosageInstruction) == 0 {
			doc.DosageInstruction = nil
		}
		return RemoveDosageInstructionPartial{
			edit:      edit{Request: doc, NDosage: in.NDosage},
			DosageKey: key,
		}, nil
	})
}

// dosageEdit runs fn against a private copy of the dosage line at nDosage.
func dosageEdit(s *State, nDosage int, fn func(d *r4.Dosage) (int, error)) (*r4.MedicationRequest, int, error) {
	if s.DosageKeyAt(nDosage) == "" {
		return nil, 0, fmt.Errorf("no dosage instruction at %d", nDosage)
	}
	doc := s.MedicationRequest.Clone()
	index, err := fn(&doc.DosageInstruction[nDosage])
	if err != nil {
		return nil, 0, err
	}
	return doc, index, nil
}

func checkIndex(what string, i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("no %s at %d", what, i)
	}
	return nil
}

func valueChangesDosageAction(s *State, in ValueChangesDosageInstruction) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		if in.Change == nil {
			return nil, fmt.Errorf("value changes dosage instruction: change is required")
		}
		doc, index, err := dosageEdit(s, in.NDosage, func(d *r4.Dosage) (int, error) {
			return applyDosageChange(d, in.Change)
		})
		if err != nil {
			return nil, fmt.Errorf("value changes dosage instruction: %w", err)
		}
		return ValueChangesDosageInstructionPartial{
			edit:      edit{Request: doc, NDosage: in.NDosage, Index: index},
			DosageKey: doc.DosageInstruction[in.NDosage].ID,
			Refresh:   in.Change.refreshesCandidates(),
		}, nil
	})
}

func applyDosageChange(d *r4.Dosage, change DosageChange) (int, error) {
	switch c := change.(type) {
	case SetRoute:
		d.Route = c.Route.Clone()
	case SetDoseQuantity:
		drs := d.MutableDoseAndRate()
		if len(drs) == 0 && c.Index == 0 {
			drs = append(drs, r4.DoseAndRate{})
			d.DoseAndRate = drs
		}
		if err := checkIndex("dose and rate", c.Index, len(drs)); err != nil {
			return 0, err
		}
		drs[c.Index].DoseQuantity = copyQuantity(c.Quantity)
		return c.Index, nil
	case SetRateRatio:
		drs := d.MutableDoseAndRate()
		if err := checkIndex("dose and rate", c.Index, len(drs)); err != nil {
			return 0, err
		}
		drs[c.Index].RateRatio = c.Ratio.Clone()
		return c.Index, nil
	case SetDuration:
		r := d.MutableRepeat()
		r.Duration, r.DurationUnit = c.Value, c.Unit
	case SetFrequency:
		d.MutableRepeat().Frequency = c.Frequency
	case SetPeriod:
		r := d.MutableRepeat()
		r.Period, r.PeriodUnit = c.Value, c.Unit
	case SetBoundsDuration:
		r := d.MutableRepeat()
		r.BoundsDuration, r.BoundsPeriod = copyDuration(c.Duration), nil
	case SetBoundsPeriod:
		r := d.MutableRepeat()
		r.BoundsPeriod, r.BoundsDuration = copyPeriod(c.Period), nil
	case SetDayOfWeek:
		d.MutableRepeat().DayOfWeek = slices.Clone(c.Days)
	case SetTimeOfDay:
		r := d.MutableRepeat()
		if err := checkIndex("time of day", c.Index, len(r.TimeOfDay)); err != nil {
			return 0, err
		}
		r.TimeOfDay[c.Index] = c.Time
		return c.Index, nil
	case SetWhen:
		r := d.MutableRepeat()
		if err := checkIndex("when", c.Index, len(r.When)); err != nil {
			return 0, err
		}
		r.When[c.Index] = c.Code
		return c.Index, nil
	default:
		return 0, fmt.Errorf("unsupported change %T", change)
	}
	return 0, nil
}

func addTimeOfDayAction(s *State, in AddTimeOfDay) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc, index, err := dosageEdit(s, in.NDosage, func(d *r4.Dosage) (int, error) {
			r := d.MutableRepeat()
			r.TimeOfDay = append(r.TimeOfDay, in.Time)
			return len(r.TimeOfDay) - 1, nil
		})
		if err != nil {
			return nil, fmt.Errorf("add time of day: %w", err)
		}
		return AddTimeOfDayPartial{edit{Request: doc, NDosage: in.NDosage, Index: index}}, nil
	})
}

func removeTimeOfDayAction(s *State, in RemoveTimeOfDay) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc, _, err := dosageEdit(s, in.NDosage, func(d *r4.Dosage) (int, error) {
			r := d.MutableRepeat()
			if err := checkIndex("time of day", in.Index, len(r.TimeOfDay)); err != nil {
				return 0, err
			}
			r.TimeOfDay = slices.Delete(r.TimeOfDay, in.Index, in.Index+1)
			return in.Index, nil
		})
		if err != nil {
			return nil, fmt.Errorf("remove time of day: %w", err)
		}
		return RemoveTimeOfDayPartial{edit{Request: doc, NDosage: in.NDosage, Index: in.Index}}, nil
	})
}

func addWhenAction(s *State, in AddWhen) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc, index, err := dosageEdit(s, in.NDosage, func(d *r4.Dosage) (int, error) {
			r := d.MutableRepeat()
			r.When = append(r.When, in.Code)
			return len(r.When) - 1, nil
		})
		if err != nil {
			return nil, fmt.Errorf("add when: %w", err)
		}
		return AddWhenPartial{edit{Request: doc, NDosage: in.NDosage, Index: index}}, nil
	})
}

func removeWhenAction(s *State, in RemoveWhen) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc, _, err := dosageEdit(s, in.NDosage, func(d *r4.Dosage) (int, error) {
			r := d.MutableRepeat()
			if err := checkIndex("when", in.Index, len(r.When)); err != nil {
				return 0, err
			}
			r.When = slices.Delete(r.When, in.Index, in.Index+1)
			return in.Index, nil
		})
		if err != nil {
			return nil, fmt.Errorf("remove when: %w", err)
		}
		return RemoveWhenPartial{edit{Request: doc, NDosage: in.NDosage, Index: in.Index}}, nil
	})
}

func addDoseAndRateAction(s *State, in AddDoseAndRate) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc, index, err := dosageEdit(s, in.NDosage, func(d *r4.Dosage) (int, error) {
			d.DoseAndRate = append(d.MutableDoseAndRate(), *builder.NewDoseAndRate().Build())
			return len(d.DoseAndRate) - 1, nil
		})
		if err != nil {
			return nil, fmt.Errorf("add dose and rate: %w", err)
		}
		return AddDoseAndRatePartial{edit{Request: doc, NDosage: in.NDosage, Index: index}}, nil
	})
}

func removeDoseAndRateAction(s *State, in RemoveDoseAndRate) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc, _, err := dosageEdit(s, in.NDosage, func(d *r4.Dosage) (int, error) {
			drs := d.MutableDoseAndRate()
			if err := checkIndex("dose and rate", in.Index, len(drs)); err != nil {
				return 0, err
			}
			d.DoseAndRate = slices.Delete(drs, in.Index, in.Index+1)
			return in.Index, nil
		})
		if err != nil {
			return nil, fmt.Errorf("remove dose and rate: %w", err)
		}
		return RemoveDoseAndRatePartial{edit{Request: doc, NDosage: in.NDosage, Index: in.Index}}, nil
	})
}

func valueChangesDispenseAction(s *State, in ValueChangesDispenseRequest) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc := s.MedicationRequest.Clone()
		if doc.DispenseRequest == nil {
			doc.DispenseRequest = &r4.DispenseRequest{}
		}
		dr := doc.DispenseRequest

		switch c := in.Change.(type) {
		case SetValidityPeriod:
			dr.ValidityPeriod = copyPeriod(c.Period)
		case SetExpectedSupplyDuration:
			dr.ExpectedSupplyDuration = copyDuration(c.Duration)
		case SetNumberOfRepeatsAllowed:
			if c.Repeats < 0 {
				return nil, fmt.Errorf("value changes dispense request: negative repeats %d", c.Repeats)
			}
			dr.NumberOfRepeatsAllowed = c.Repeats
		case SetDispenseQuantity:
			dr.Quantity = copyQuantity(c.Quantity)
		default:
			return nil, fmt.Errorf("value changes dispense request: unsupported change %T", in.Change)
		}
		return ValueChangesDispenseRequestPartial{edit{Request: doc}}, nil
	})
}

func valueChangesTreatmentIntentAction(s *State, in ValueChangesTreatmentIntent) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		doc := s.MedicationRequest.Clone()
		doc.Extension = slices.DeleteFunc(doc.Extension, func(e r4.Extension) bool {
			return e.URL == TreatmentIntentURL
		})
		if in.Intent != nil {
			c := *in.Intent
			doc.Extension = append(doc.Extension, r4.Extension{URL: TreatmentIntentURL, ValueCoding: &c})
		}
		if len(doc.Extension) == 0 {
			doc.Extension = nil
		}
		return ValueChangesTreatmentIntentPartial{edit{Request: doc}}, nil
	})
}

func copyQuantity(q *r4.Quantity) *r4.Quantity {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}

func copyDuration(d *r4.Duration) *r4.Duration {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func copyPeriod(p *r4.Period) *r4.Period {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
