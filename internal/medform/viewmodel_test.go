package medform

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/mvi"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/workerpool"
)

type fakeLookup struct {
	calls   atomic.Int32
	respond func(ctx context.Context, req LookupRequest) (*r4.Parameters, error)
}

func (f *fakeLookup) LookupByRouteFormIngredient(ctx context.Context, req LookupRequest) (*r4.Parameters, error) {
	f.calls.Add(1)
	return f.respond(ctx, req)
}

type fakeTerminology struct {
	mu    sync.Mutex
	calls map[string]int
	sets  map[string]*r4.ValueSet
	// fail makes the first expansion of a URL fail
	fail map[string]bool
}

func newFakeTerminology(cfg Config) *fakeTerminology {
	vs := func(name string, codes ...string) *r4.ValueSet {
		v := &r4.ValueSet{ResourceType: "ValueSet", Name: name, Expansion: &r4.ValueSetExpansion{}}
		for _, c := range codes {
			v.Expansion.Contains = append(v.Expansion.Contains, r4.ValueSetContains{Code: c})
		}
		return v
	}
	return &fakeTerminology{
		calls: map[string]int{},
		fail:  map[string]bool{},
		sets: map[string]*r4.ValueSet{
			cfg.UnitsOfTimeURL:     vs(ValueSetUnitsOfTime, "h", "d", "wk"),
			cfg.TreatmentIntentURL: vs(ValueSetTreatmentIntent, "curative", "preventive"),
			cfg.EventTimingURL:     vs(ValueSetEventTiming, "MORN", "NIGHT"),
		},
	}
}

func (f *fakeTerminology) ExpandValueSet(_ context.Context, url string) (*r4.ValueSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if f.fail[url] {
		f.fail[url] = false
		return nil, errors.New("terminology server unavailable")
	}
	return f.sets[url], nil
}

func (f *fakeTerminology) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeRecorder struct {
	processed atomic.Int32
	unmatched atomic.Int32
	lookups   atomic.Int32
	stale     atomic.Int32
}

func (r *fakeRecorder) IntentProcessed(string)               { r.processed.Add(1) }
func (r *fakeRecorder) IntentUnmatched()                     { r.unmatched.Add(1) }
func (r *fakeRecorder) LookupFinished(string, time.Duration) { r.lookups.Add(1) }
func (r *fakeRecorder) StaleResponse()                       { r.stale.Add(1) }
func (r *fakeRecorder) TerminologyExpanded(string)           {}

func newTestPool(t *testing.T) *workerpool.Pool {
	t.Helper()
	pool, err := workerpool.New(workerpool.Config{
		Workers:    4,
		QueueSize:  32,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, workerpool.RunFunc, nil)
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func newTestViewModel(t *testing.T, deps Deps) *ViewModel {
	t.Helper()
	if deps.Pool == nil {
		deps.Pool = newTestPool(t)
	}
	vm, err := NewViewModel(context.Background(), "session-1", DefaultConfig(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vm.Close() })
	return vm
}

func waitFor(t *testing.T, vm *ViewModel, pred func(*State) bool) *State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := vm.Store().Wait(ctx, pred)
	require.NoError(t, err)
	return s
}

func formParams(text string) *r4.Parameters {
	return &r4.Parameters{ResourceType: "Parameters", Parameter: []r4.Parameter{
		{Name: "doseForm", ValueCodeableConcept: &r4.CodeableConcept{Text: text}},
		{Name: "intendedRoute", ValueCodeableConcept: &r4.CodeableConcept{Text: "Oral use"}},
	}}
}

func TestCandidateListsLoadAfterAddMedication(t *testing.T) {
	release := make(chan struct{})
	lookup := &fakeLookup{respond: func(ctx context.Context, req LookupRequest) (*r4.Parameters, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		assert.Equal(t, "mk-1", req.KnowledgeID)
		return formParams("Tablet"), nil
	}}
	vm := newTestViewModel(t, Deps{Lookup: lookup})

	s, err := vm.DispatchIntentWait(context.Background(), AddMedication{Knowledge: knowledge("mk-1", "Paracetamol", "Paracetamol")})
	require.NoError(t, err)
	assert.Equal(t, TypeAddMedication, s.Type)
	assert.Equal(t, "Paracetamol", s.MedicationRequest.Contained[0].Code.Text)
	assert.True(t, s.IsLoadingCIOList)
	assert.True(t, hasLists(s, "med-1", "dosage-1"))
	assert.Equal(t, 0, s.FormsAt("med-1", 0).Len())

	close(release)
	s = waitFor(t, vm, func(s *State) bool { return !s.IsLoadingCIOList })
	forms := s.FormsAt("med-1", 0)
	require.Equal(t, 1, forms.Len())
	assert.Equal(t, "Tablet", forms.Values[0].Text)
	assert.Equal(t, 1, s.RoutesAt(0).Len())
	assert.Equal(t, int32(1), lookup.calls.Load())
}

func TestLookupFailureClearsLoadingFlag(t *testing.T) {
	lookup := &fakeLookup{respond: func(context.Context, LookupRequest) (*r4.Parameters, error) {
		return nil, errors.New("connection refused")
	}}
	rec := &fakeRecorder{}
	vm := newTestViewModel(t, Deps{Lookup: lookup, Recorder: rec})

	_, err := vm.DispatchIntentWait(context.Background(), AddMedication{Knowledge: knowledge("mk-1", "Paracetamol", "Paracetamol")})
	require.NoError(t, err)

	s := waitFor(t, vm, func(s *State) bool { return !s.IsLoadingCIOList })
	assert.Empty(t, s.Err)
	assert.Equal(t, 0, s.FormsAt("med-1", 0).Len())
	// One attempt plus two retries.
	assert.Equal(t, int32(3), lookup.calls.Load())
	assert.Equal(t, int32(1), rec.lookups.Load())
}

func TestSupersededLookupIsDropped(t *testing.T) {
	gateA, gateB := make(chan struct{}), make(chan struct{})
	lookup := &fakeLookup{respond: func(ctx context.Context, req LookupRequest) (*r4.Parameters, error) {
		var gate chan struct{}
		switch req.Route.Display() {
		case "A":
			gate = gateA
		case "B":
			gate = gateB
		default:
			return &r4.Parameters{}, nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return formParams("form-" + req.Route.Display()), nil
	}}
	rec := &fakeRecorder{}
	vm := newTestViewModel(t, Deps{Lookup: lookup, Recorder: rec})
	ctx := context.Background()

	_, err := vm.DispatchIntentWait(ctx, AddMedication{Knowledge: knowledge("mk-1", "Paracetamol", "Paracetamol")})
	require.NoError(t, err)
	waitFor(t, vm, func(s *State) bool { return !s.IsLoadingCIOList })

	for _, route := range []string{"A", "B"} {
		_, err := vm.DispatchIntentWait(ctx, ValueChangesDosageInstruction{
			NDosage: 0,
			Change:  SetRoute{Route: &r4.CodeableConcept{Text: route}},
		})
		require.NoError(t, err)
	}

	close(gateB)
	s := waitFor(t, vm, func(s *State) bool { return s.FormsAt("med-1", 0).Len() == 1 })
	assert.True(t, s.IsLoadingCIOList)

	close(gateA)
	s = waitFor(t, vm, func(s *State) bool { return !s.IsLoadingCIOList })

	forms := s.FormsAt("med-1", 0)
	require.Equal(t, 1, forms.Len())
	assert.Equal(t, "form-B", forms.Values[0].Text)
	assert.Equal(t, "B", s.MedicationRequest.DosageInstruction[0].Route.Text)
	assert.Equal(t, int32(1), rec.stale.Load())
}

func TestTerminologyIsFetchedOnce(t *testing.T) {
	cfg := DefaultConfig()
	term := newFakeTerminology(cfg)
	lookup := &fakeLookup{respond: func(context.Context, LookupRequest) (*r4.Parameters, error) {
		return &r4.Parameters{}, nil
	}}
	vm := newTestViewModel(t, Deps{Lookup: lookup, Terminology: term})
	ctx := context.Background()

	s, err := vm.DispatchIntentWait(ctx, AddMedication{Knowledge: knowledge("mk-1", "Paracetamol", "Paracetamol")})
	require.NoError(t, err)
	assert.True(t, s.IsLoadingTIOList)
	_, err = vm.DispatchIntentWait(ctx, AddDosageInstruction{})
	require.NoError(t, err)

	s = waitFor(t, vm, func(s *State) bool { return s.Options.Complete() && !s.IsLoadingTIOList })
	assert.Len(t, s.Options.DurationUnits, 3)
	assert.Len(t, s.Options.TreatmentIntents, 2)
	assert.Len(t, s.Options.EventTimings, 2)

	_, err = vm.DispatchIntentWait(ctx, AddDosageInstruction{})
	require.NoError(t, err)
	waitFor(t, vm, func(s *State) bool { return !s.IsLoadingCIOList && !s.IsLoadingTIOList })

	for _, url := range []string{cfg.UnitsOfTimeURL, cfg.TreatmentIntentURL, cfg.EventTimingURL} {
		assert.Equal(t, 1, term.count(url), url)
	}
}

func TestTerminologyFailureIsRetried(t *testing.T) {
	cfg := DefaultConfig()
	term := newFakeTerminology(cfg)
	term.fail[cfg.EventTimingURL] = true
	lookup := &fakeLookup{respond: func(context.Context, LookupRequest) (*r4.Parameters, error) {
		return &r4.Parameters{}, nil
	}}
	vm := newTestViewModel(t, Deps{Lookup: lookup, Terminology: term})
	ctx := context.Background()

	_, err := vm.DispatchIntentWait(ctx, AddMedication{Knowledge: knowledge("mk-1", "Paracetamol", "Paracetamol")})
	require.NoError(t, err)
	s := waitFor(t, vm, func(s *State) bool { return !s.IsLoadingTIOList })
	assert.Empty(t, s.Options.EventTimings)

	_, err = vm.DispatchIntentWait(ctx, AddDosageInstruction{})
	require.NoError(t, err)
	s = waitFor(t, vm, func(s *State) bool { return s.Options.Complete() })
	assert.Len(t, s.Options.EventTimings, 2)
	assert.Equal(t, 2, term.count(cfg.EventTimingURL))
}

func TestUnmatchedIntentLeavesStateUnchanged(t *testing.T) {
	rec := &fakeRecorder{}
	vm := newTestViewModel(t, Deps{Recorder: rec})

	before := vm.State()
	s, err := vm.DispatchIntentWait(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, before, s)
	assert.Equal(t, TypeInit, s.Type)
	assert.Equal(t, int32(1), rec.unmatched.Load())
	assert.Equal(t, int32(0), rec.processed.Load())
}

func TestFailedIntentPublishesErrorState(t *testing.T) {
	vm := newTestViewModel(t, Deps{})
	ctx := context.Background()

	s, err := vm.DispatchIntentWait(ctx, ValueChangesDosageInstruction{NDosage: 3, Change: SetFrequency{Frequency: 2}})
	require.NoError(t, err)
	assert.Equal(t, TypeError, s.Type)
	assert.Contains(t, s.Err, "no dosage instruction at 3")

	s, err = vm.DispatchIntentWait(ctx, AddMedication{Knowledge: knowledge("mk-1", "Paracetamol", "Paracetamol")})
	require.NoError(t, err)
	assert.Equal(t, TypeAddMedication, s.Type)
	assert.Empty(t, s.Err)
}

func TestRapidEditsApplyInDispatchOrder(t *testing.T) {
	vm := newTestViewModel(t, Deps{})
	ctx := context.Background()

	_, err := vm.DispatchIntentWait(ctx, AddMedication{Knowledge: knowledge("mk-1", "Paracetamol", "Paracetamol")})
	require.NoError(t, err)

	for _, f := range []int{1, 2, 3, 4} {
		require.NoError(t, vm.DispatchIntent(ctx, ValueChangesDosageInstruction{NDosage: 0, Change: SetFrequency{Frequency: f}}))
	}
	s, err := vm.DispatchIntentWait(ctx, AddTimeOfDay{NDosage: 0, Time: "08:00:00"})
	require.NoError(t, err)

	rep := s.MedicationRequest.DosageInstruction[0].Timing.Repeat
	assert.Equal(t, 4, rep.Frequency)
	assert.Equal(t, []string{"08:00:00"}, rep.TimeOfDay)
}

func TestAddMedicationRequestUsesIdentity(t *testing.T) {
	vm := newTestViewModel(t, Deps{Identity: staticIdentity{}})

	s, err := vm.DispatchIntentWait(context.Background(), AddMedicationRequest{})
	require.NoError(t, err)
	assert.Equal(t, TypeAddMedicationRequest, s.Type)
	assert.Equal(t, "Patient/p-1", s.MedicationRequest.Subject.Reference)
	assert.Equal(t, r4.StatusDraft, s.MedicationRequest.Status)
}

type recordingJournal struct {
	mu    sync.Mutex
	types []Type
}

func (j *recordingJournal) Record(_ context.Context, sessionID string, s *State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if sessionID != "session-1" {
		return errors.New("unexpected session")
	}
	j.types = append(j.types, s.Type)
	return nil
}

func TestTransitionsAreJournaled(t *testing.T) {
	journal := &recordingJournal{}
	vm := newTestViewModel(t, Deps{Journal: journal})
	ctx := context.Background()

	_, err := vm.DispatchIntentWait(ctx, AddMedication{Knowledge: knowledge("mk-1", "Paracetamol", "Paracetamol")})
	require.NoError(t, err)
	_, err = vm.DispatchIntentWait(ctx, AddWhen{NDosage: 0, Code: "MORN"})
	require.NoError(t, err)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, []Type{TypeAddMedication, TypeAddWhen}, journal.types)
}

func TestCloseReleasesSubscribers(t *testing.T) {
	vm, err := NewViewModel(context.Background(), "session-1", DefaultConfig(), Deps{})
	require.NoError(t, err)

	ch, cancel := vm.Store().Subscribe()
	defer cancel()
	<-ch

	require.NoError(t, vm.Close())
	_, open := <-ch
	assert.False(t, open)

	err = vm.DispatchIntent(context.Background(), AddDosageInstruction{})
	assert.ErrorIs(t, err, mvi.ErrMachineClosed)
}
