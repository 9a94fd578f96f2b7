package medform

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/lookupcache"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/mvi"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/workerpool"
)

// LookupRequest describes the current choices for one (medication, dosage) pair.
type LookupRequest struct {
	KnowledgeID   string                    `json:"knowledgeId"`
	KnowledgeCode string                    `json:"knowledgeCode,omitempty"`
	Form          *r4.CodeableConcept       `json:"form,omitempty"`
	Amount        *r4.Ratio                 `json:"amount,omitempty"`
	Ingredients   []r4.MedicationIngredient `json:"ingredients,omitempty"`
	Route         *r4.CodeableConcept       `json:"route,omitempty"`
	DoseQuantity  *r4.Quantity              `json:"doseQuantity,omitempty"`
}

// KnowledgeLookup returns the candidate routes, forms, strengths, units and amounts
// compatible with a request.
type KnowledgeLookup interface {
	LookupByRouteFormIngredient(ctx context.Context, req LookupRequest) (*r4.Parameters, error)
}

// Terminology expands a ValueSet by canonical URL.
type Terminology interface {
	ExpandValueSet(ctx context.Context, url string) (*r4.ValueSet, error)
}

// Recorder receives the view model's operational events. *metrics.Metrics satisfies it.
type Recorder interface {
	IntentProcessed(stateType string)
	IntentUnmatched()
	LookupFinished(outcome string, elapsed time.Duration)
	StaleResponse()
	TerminologyExpanded(outcome string)
}

// Journal receives every published state.
type Journal interface {
	Record(ctx context.Context, sessionID string, s *State) error
}

// ValueSet names routed into Options.
const (
	ValueSetUnitsOfTime     = "UnitsOfTime"
	ValueSetTreatmentIntent = "TreatmentIntent"
	ValueSetEventTiming     = "EventTiming"
)

// Config holds view model configuration
type Config struct {
	UnitsOfTimeURL     string
	TreatmentIntentURL string
	EventTimingURL     string
	// QueueSize bounds pending intents per session
	QueueSize int
	// LookupTimeout bounds one lookup attempt
	LookupTimeout time.Duration
}

// DefaultConfig returns the canonical FHIR ValueSet URLs
func DefaultConfig() Config {
	return Config{
		UnitsOfTimeURL:     "http://hl7.org/fhir/ValueSet/units-of-time",
		TreatmentIntentURL: "http://phast.fr/fhir/ValueSet/PhastTreatmentIntent",
		EventTimingURL:     "http://hl7.org/fhir/ValueSet/event-timing",
		QueueSize:          64,
		LookupTimeout:      5 * time.Second,
	}
}

// Deps are the collaborators of a view model. Only Pool and Lookup are needed for
// candidate lists; a nil Terminology disables option lists.
type Deps struct {
	Lookup      KnowledgeLookup
	Terminology Terminology
	Identity    Identity
	Pool        *workerpool.Pool
	Recorder    Recorder
	Journal     Journal
	Logger      *zap.Logger
}

// ViewModel owns the state of one authoring session.
type ViewModel struct {
	id      string
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	tracer  trace.Tracer
	reducer *Reducer
	machine *mvi.Machine[*State, Intent, PartialState]

	ctx    context.Context
	cancel context.CancelFunc

	inflight   atomic.Int64
	tioStarted atomic.Bool
	background sync.WaitGroup
}

// NewViewModel creates and starts the view model of session id.
func NewViewModel(ctx context.Context, id string, cfg Config, deps Deps) (*ViewModel, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}

	vm := &ViewModel{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("session_id", id)),
		tracer: otel.Tracer("medform"),
	}
	vm.ctx, vm.cancel = context.WithCancel(ctx)
	vm.reducer = NewReducer(vm, vm.logger)
	if deps.Recorder != nil {
		vm.reducer.stale = deps.Recorder
	}

	machine, err := mvi.NewMachine(mvi.Config[*State, Intent, PartialState]{
		Name:      "medform",
		Initial:   NewState(),
		Translate: vm.translate,
		Reduce:    vm.reducer.Reduce,
		OnError: func(_ Intent, err error) PartialState {
			return ErrorPartial{Err: err.Error()}
		},
		OnUnmatched: func(Intent) {
			if deps.Recorder != nil {
				deps.Recorder.IntentUnmatched()
			}
		},
		OnTransition: vm.onTransition,
		Describe:     describe,
		QueueSize:    cfg.QueueSize,
		Logger:       vm.logger,
	})
	if err != nil {
		vm.cancel()
		return nil, fmt.Errorf("failed to create state machine: %w", err)
	}
	vm.machine = machine
	machine.Start(vm.ctx)

	return vm, nil
}

// ID returns the session id.
func (vm *ViewModel) ID() string { return vm.id }

// State returns the current state.
func (vm *ViewModel) State() *State { return vm.machine.State() }

// Store exposes the state broadcast.
func (vm *ViewModel) Store() *mvi.Store[*State] { return vm.machine.Store() }

// DispatchIntent enqueues an intent. Intents are processed in dispatch order.
func (vm *ViewModel) DispatchIntent(ctx context.Context, in Intent) error {
	return vm.machine.Dispatch(ctx, in)
}

// DispatchIntentWait enqueues an intent and returns the state once it has been processed.
func (vm *ViewModel) DispatchIntentWait(ctx context.Context, in Intent) (*State, error) {
	return vm.machine.DispatchWait(ctx, in)
}

// Close stops the session: the machine exits, subscribers are released and results of
// lookups still running are discarded.
func (vm *ViewModel) Close() error {
	vm.cancel()
	err := vm.machine.Close()
	vm.background.Wait()
	return err
}

func (vm *ViewModel) translate(s *State, in Intent) (mvi.Action[PartialState], bool) {
	switch in := in.(type) {
	case AddMedicationRequest:
		return addMedicationRequestAction(vm.deps.Identity), true
	case AddMedication:
		return addMedicationAction(s, in), true
	case RemoveMedication:
		return removeMedicationAction(s, in), true
	case ValueChangesMedication:
		return valueChangesMedicationAction(s, in), true
	case AddDosageInstruction:
		return addDosageInstructionAction(s), true
	case RemoveDosageInstruction:
		return removeDosageInstructionAction(s, in), true
	case ValueChangesDosageInstruction:
		return valueChangesDosageAction(s, in), true
	case AddTimeOfDay:
		return addTimeOfDayAction(s, in), true
	case RemoveTimeOfDay:
		return removeTimeOfDayAction(s, in), true
	case AddWhen:
		return addWhenAction(s, in), true
	case RemoveWhen:
		return removeWhenAction(s, in), true
	case AddDoseAndRate:
		return addDoseAndRateAction(s, in), true
	case RemoveDoseAndRate:
		return removeDoseAndRateAction(s, in), true
	case ValueChangesDispenseRequest:
		return valueChangesDispenseAction(s, in), true
	case ValueChangesTreatmentIntent:
		return valueChangesTreatmentIntentAction(s, in), true
	default:
		// Only reachable with a nil intent.
		return nil, false
	}
}

func (vm *ViewModel) onTransition(ctx context.Context, _ PartialState, next *State) {
	if vm.deps.Recorder != nil {
		vm.deps.Recorder.IntentProcessed(string(next.Type))
	}
	if vm.deps.Journal != nil {
		if err := vm.deps.Journal.Record(ctx, vm.id, next); err != nil {
			vm.logger.Warn("failed to journal transition", zap.String("type", string(next.Type)), zap.Error(err))
		}
	}
}

func describe(v any) string {
	switch v := v.(type) {
	case PartialState:
		return string(v.Type())
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// PendingLookups implements ListOrchestrator.
func (vm *ViewModel) PendingLookups() int {
	return int(vm.inflight.Load())
}

// UpdateList implements ListOrchestrator. It runs on the machine goroutine: requests
// are built from s synchronously, the lookups themselves run on the worker pool and
// come back as one UpdateCIOListPartial once every lookup of the batch has finished.
func (vm *ViewModel) UpdateList(s *State, tickets []lookupcache.Ticket) (bool, bool) {
	lookups := false
	if vm.deps.Lookup != nil && vm.deps.Pool != nil && len(tickets) > 0 {
		reqs := make([]LookupRequest, len(tickets))
		for i, t := range tickets {
			reqs[i] = buildLookupRequest(s, t)
		}
		vm.inflight.Add(1)
		vm.background.Add(1)
		go vm.runLookups(tickets, reqs)
		lookups = true
	}
	return lookups, vm.startTerminology(s)
}

func buildLookupRequest(s *State, t lookupcache.Ticket) LookupRequest {
	var req LookupRequest
	doc := s.MedicationRequest
	if med, _ := doc.MedicationByID(t.MedicationID); med != nil {
		req.Form = med.Form
		req.Amount = med.Amount
		req.Ingredients = med.Ingredient
	}
	if k := s.Knowledge[t.MedicationID]; k != nil {
		req.KnowledgeID = k.ID
		if k.Code != nil {
			if len(k.Code.Coding) > 0 {
				req.KnowledgeCode = k.Code.Coding[0].Code
			}
		}
	}
	if i := doc.DosageIndex(t.DosageKey); i >= 0 {
		d := &doc.DosageInstruction[i]
		req.Route = d.Route
		req.DoseQuantity = d.FirstDoseQuantity()
	}
	return req
}

func (vm *ViewModel) runLookups(tickets []lookupcache.Ticket, reqs []LookupRequest) {
	defer vm.background.Done()

	ctx, span := vm.tracer.Start(vm.ctx, "medform.UpdateList",
		trace.WithAttributes(
			attribute.String("session.id", vm.id),
			attribute.Int("lookup.count", len(reqs)),
		))
	defer span.End()

	results := make([]LookupResult, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		results[i].Ticket = tickets[i]
		wg.Add(1)
		task := &workerpool.Task{
			ID:      fmt.Sprintf("%s/%s/%s", vm.id, tickets[i].MedicationID, tickets[i].DosageKey),
			Context: ctx,
			Run: func(ctx context.Context) (interface{}, error) {
				ctx, cancel := context.WithTimeout(ctx, vm.cfg.LookupTimeout)
				defer cancel()
				return vm.deps.Lookup.LookupByRouteFormIngredient(ctx, reqs[i])
			},
			Done: func(res *workerpool.Result) {
				defer wg.Done()
				vm.recordLookup(res)
				if !res.Success {
					results[i].Err = res.Error
					return
				}
				params, _ := res.Data.(*r4.Parameters)
				results[i].Parameters = params
			},
		}
		if err := vm.deps.Pool.Submit(task); err != nil {
			results[i].Err = fmt.Errorf("submit lookup: %w", err)
			wg.Done()
		}
	}
	wg.Wait()

	// Decrement before folding so the reducer sees whether other batches are pending.
	vm.inflight.Add(-1)
	if err := vm.machine.Apply(ctx, UpdateCIOListPartial{Results: results}); err != nil {
		vm.logger.Debug("lookup results discarded", zap.Error(err))
	}
}

func (vm *ViewModel) recordLookup(res *workerpool.Result) {
	if vm.deps.Recorder == nil {
		return
	}
	outcome := "ok"
	if !res.Success {
		outcome = "error"
	}
	vm.deps.Recorder.LookupFinished(outcome, res.Elapsed)
}

// startTerminology launches the three ValueSet expansions unless the options are already
// complete or an expansion is running or has succeeded.
func (vm *ViewModel) startTerminology(s *State) bool {
	if vm.deps.Terminology == nil || s.Options.Complete() {
		return false
	}
	if !vm.tioStarted.CompareAndSwap(false, true) {
		return false
	}
	vm.background.Add(1)
	go vm.fetchTerminology()
	return true
}

func (vm *ViewModel) fetchTerminology() {
	defer vm.background.Done()

	ctx, span := vm.tracer.Start(vm.ctx, "medform.ExpandValueSets")
	defer span.End()

	urls := []string{vm.cfg.UnitsOfTimeURL, vm.cfg.TreatmentIntentURL, vm.cfg.EventTimingURL}
	sets := make([]*r4.ValueSet, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		g.Go(func() error {
			vs, err := vm.deps.Terminology.ExpandValueSet(gctx, url)
			if err != nil {
				return fmt.Errorf("expand %s: %w", url, err)
			}
			sets[i] = vs
			return nil
		})
	}
	err := g.Wait()

	var opts Options
	for _, vs := range sets {
		if vs == nil {
			continue
		}
		switch vs.Name {
		case ValueSetUnitsOfTime:
			opts.DurationUnits = vs.Codings()
		case ValueSetTreatmentIntent:
			opts.TreatmentIntents = vs.Codings()
		case ValueSetEventTiming:
			opts.EventTimings = vs.Codings()
		default:
			vm.logger.Warn("ignoring unexpected value set", zap.String("name", vs.Name), zap.String("url", vs.URL))
		}
	}

	if err != nil {
		// Allow a later refresh to try again.
		vm.tioStarted.Store(false)
		span.RecordError(err)
		vm.logger.Warn("terminology expansion failed", zap.Error(err))
		vm.recordTerminology("error")
	} else {
		vm.recordTerminology("ok")
	}

	if err := vm.machine.Apply(ctx, UpdateTIOListPartial{Options: opts}); err != nil {
		vm.logger.Debug("terminology results discarded", zap.Error(err))
	}
}

func (vm *ViewModel) recordTerminology(outcome string) {
	if vm.deps.Recorder != nil {
		vm.deps.Recorder.TerminologyExpanded(outcome)
	}
}
