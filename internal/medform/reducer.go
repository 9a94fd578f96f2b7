package medform

import (
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/lookupcache"
)

// ListOrchestrator refreshes the candidate lists after the Reducer has cleared them.
// UpdateList must not block: it starts the lookups for the tickets, and the terminology
// expansions if they are still missing, and reports which of the two it started.
type ListOrchestrator interface {
	UpdateList(s *State, tickets []lookupcache.Ticket) (lookups, terminology bool)
	// PendingLookups is the number of lookup batches whose results have not been folded yet
	PendingLookups() int
}

// StaleObserver is told about lookup responses dropped because they were superseded.
type StaleObserver interface {
	StaleResponse()
}

// Reducer folds partial states into states. It never performs I/O itself; refreshing
// candidate lists is delegated to the orchestrator, which may be nil.
type Reducer struct {
	orchestrator ListOrchestrator
	stale        StaleObserver
	logger       *zap.Logger
}

// NewReducer creates a reducer
func NewReducer(orchestrator ListOrchestrator, logger *zap.Logger) *Reducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reducer{orchestrator: orchestrator, logger: logger}
}

// Reduce returns the state following prev once ps is applied. prev is never modified.
func (r *Reducer) Reduce(prev *State, ps PartialState) *State {
	if ps == nil {
		return prev
	}
	if prev == nil {
		s := NewState()
		s.Type = ps.Type()
		return s
	}

	next := prev.clone()
	next.Type = ps.Type()

	switch p := ps.(type) {
	case AddMedicationRequestPartial:
		r.applyEdit(next, p.edit)
		next.Knowledge = map[string]*r4.MedicationKnowledge{}
		next.NMedication, next.NDosage, next.Index = 0, 0, 0
		next.Lists.Reset()
		next.IsLoadingCIOList = r.pending()

	case AddMedicationPartial:
		r.applyEdit(next, p.edit)
		next.Knowledge = maps.Clone(prev.Knowledge)
		if next.Knowledge == nil {
			next.Knowledge = map[string]*r4.MedicationKnowledge{}
		}
		next.Knowledge[p.MedicationID] = p.Knowledge
		next.AutoIncrement = p.AutoIncrement
		next.DosageSequence = p.DosageSequence
		if med, _ := next.MedicationRequest.MedicationByID(p.MedicationID); med != nil {
			target := targetOf(med)
			for _, key := range next.MedicationRequest.DosageIDs() {
				next.Lists.AddList([]lookupcache.Target{target}, key)
			}
		}
		r.refresh(next)

	case RemoveMedicationPartial:
		r.applyEdit(next, p.edit)
		if p.Removed != nil {
			next.Knowledge = maps.Clone(prev.Knowledge)
			delete(next.Knowledge, p.Removed.MedicationID)
			next.Lists.RemoveMedication(*p.Removed)
			r.refresh(next)
		}

	case ValueChangesMedicationPartial:
		r.applyEdit(next, p.edit)
		r.refresh(next)

	case AddDosageInstructionPartial:
		r.applyEdit(next, p.edit)
		next.DosageSequence = p.DosageSequence
		next.Lists.AddList(next.Targets(), p.DosageKey)
		r.refresh(next, p.DosageKey)

	case RemoveDosageInstructionPartial:
		r.applyEdit(next, p.edit)
		if p.DosageKey != "" {
			next.Lists.RemoveList(p.DosageKey)
		}

	case ValueChangesDosageInstructionPartial:
		r.applyEdit(next, p.edit)
		if p.Refresh {
			r.refresh(next, p.DosageKey)
		}

	case AddTimeOfDayPartial:
		r.applyEdit(next, p.edit)
	case RemoveTimeOfDayPartial:
		r.applyEdit(next, p.edit)
	case AddWhenPartial:
		r.applyEdit(next, p.edit)
	case RemoveWhenPartial:
		r.applyEdit(next, p.edit)
	case AddDoseAndRatePartial:
		r.applyEdit(next, p.edit)
	case RemoveDoseAndRatePartial:
		r.applyEdit(next, p.edit)
	case ValueChangesDispenseRequestPartial:
		r.applyEdit(next, p.edit)
	case ValueChangesTreatmentIntentPartial:
		r.applyEdit(next, p.edit)

	case UpdateCIOListPartial:
		r.buildLists(next, p.Results)
		next.IsLoadingCIOList = r.pending()

	case UpdateTIOListPartial:
		if len(p.Options.DurationUnits) > 0 {
			next.Options.DurationUnits = p.Options.DurationUnits
		}
		if len(p.Options.TreatmentIntents) > 0 {
			next.Options.TreatmentIntents = p.Options.TreatmentIntents
		}
		if len(p.Options.EventTimings) > 0 {
			next.Options.EventTimings = p.Options.EventTimings
		}
		next.IsLoadingTIOList = false

	case ErrorPartial:
		next.Err = p.Err

	default:
		r.logger.Error("unreachable partial state", zap.String("type", fmt.Sprintf("%T", ps)))
		return prev
	}

	return next
}

// applyEdit installs the edited document and the element it touched.
func (r *Reducer) applyEdit(next *State, e edit) {
	if e.Request != nil {
		next.MedicationRequest = e.Request
	}
	next.NMedication = e.NMedication
	next.NDosage = e.NDosage
	next.Index = e.Index
	next.Err = ""
}

// refresh clears the candidate lists of every leaf medication for the given dosages (all
// dosages when none are given) and asks the orchestrator to rebuild them.
func (r *Reducer) refresh(next *State, dosageKeys ...string) {
	if len(dosageKeys) == 0 {
		dosageKeys = next.MedicationRequest.DosageIDs()
	}
	if len(dosageKeys) == 0 {
		return
	}
	tickets := next.Lists.ClearList(next.Targets(), dosageKeys...)
	if r.orchestrator == nil || len(tickets) == 0 {
		return
	}
	lookups, terminology := r.orchestrator.UpdateList(next, tickets)
	if lookups {
		next.IsLoadingCIOList = true
	}
	if terminology {
		next.IsLoadingTIOList = true
	}
}

func (r *Reducer) pending() bool {
	return r.orchestrator != nil && r.orchestrator.PendingLookups() > 0
}

func (r *Reducer) buildLists(next *State, results []LookupResult) {
	for _, res := range results {
		if res.Err != nil {
			r.logger.Warn("lookup failed, keeping current candidates",
				zap.String("medication_id", res.Ticket.MedicationID),
				zap.String("dosage_key", res.Ticket.DosageKey),
				zap.Error(res.Err))
			continue
		}
		added, err := next.Lists.BuildList(res.Ticket, res.Parameters)
		if errors.Is(err, lookupcache.ErrStaleTicket) {
			r.logger.Debug("dropping superseded lookup response",
				zap.String("medication_id", res.Ticket.MedicationID),
				zap.String("dosage_key", res.Ticket.DosageKey),
				zap.Uint64("generation", res.Ticket.Generation))
			if r.stale != nil {
				r.stale.StaleResponse()
			}
			continue
		}
		r.logger.Debug("candidate lists built",
			zap.String("medication_id", res.Ticket.MedicationID),
			zap.String("dosage_key", res.Ticket.DosageKey),
			zap.Int("added", added))
	}
}
