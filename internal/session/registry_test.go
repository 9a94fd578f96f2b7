package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cdshelp"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/idempotency"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/workerpool"
)

type lookupFunc func(ctx context.Context, req medform.LookupRequest) (*r4.Parameters, error)

func (f lookupFunc) LookupByRouteFormIngredient(ctx context.Context, req medform.LookupRequest) (*r4.Parameters, error) {
	return f(ctx, req)
}

func tabletLookup(context.Context, medform.LookupRequest) (*r4.Parameters, error) {
	return &r4.Parameters{ResourceType: "Parameters", Parameter: []r4.Parameter{
		{Name: "doseForm", ValueCodeableConcept: &r4.CodeableConcept{Text: "Tablet"}},
	}}, nil
}

type counter struct{ opened, closed atomic.Int32 }

func (c *counter) SessionOpened() { c.opened.Add(1) }
func (c *counter) SessionClosed() { c.closed.Add(1) }

type memoryRequests struct {
	mu    sync.Mutex
	calls int
}

func (m *memoryRequests) SubmitMedicationRequest(_ context.Context, sessionID string, mr *r4.MedicationRequest) (*r4.MedicationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := mr.Clone()
	out.ID = "mr-" + sessionID[:8]
	out.Status = r4.StatusActive
	return out, nil
}

type memoryInbox struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, _ json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[key]; ok {
		return &idempotency.Result{Replayed: true, Result: r}, nil
	}
	r, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if m.results == nil {
		m.results = map[string]json.RawMessage{}
	}
	m.results[key] = r
	return &idempotency.Result{Result: r}, nil
}

type cdsFunc func(ctx context.Context, req *cdshelp.Request) (*cdshelp.Response, error)

func (f cdsFunc) Invoke(ctx context.Context, req *cdshelp.Request) (*cdshelp.Response, error) {
	return f(ctx, req)
}

func newTestRegistry(t *testing.T, cfg Config, deps Deps) *Registry {
	t.Helper()
	if deps.Pool == nil {
		pool, err := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 16, MaxRetries: 1, RetryDelay: time.Millisecond}, workerpool.RunFunc, nil)
		require.NoError(t, err)
		pool.Start()
		t.Cleanup(func() { _ = pool.Stop() })
		deps.Pool = pool
	}
	if deps.Lookup == nil {
		deps.Lookup = lookupFunc(tabletLookup)
	}
	r := NewRegistry(context.Background(), cfg, deps)
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func addParacetamol(t *testing.T, s *Session) *medform.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Form.DispatchIntentWait(ctx, medform.AddMedication{Knowledge: &r4.MedicationKnowledge{
		ResourceType: "MedicationKnowledge",
		ID:           "mk-1",
		Code:         &r4.CodeableConcept{Text: "Paracetamol"},
	}})
	require.NoError(t, err)
	st, err := s.Form.Store().Wait(ctx, func(st *medform.State) bool {
		return len(st.MedicationRequest.Contained) == 1 && !st.IsLoadingCIOList
	})
	require.NoError(t, err)
	return st
}

func TestCreateGetClose(t *testing.T) {
	rec := &counter{}
	r := newTestRegistry(t, DefaultConfig(), Deps{Recorder: rec})

	_, err := r.Create(Launch{})
	require.ErrorIs(t, err, ErrInvalidLaunch)

	s, err := r.Create(Launch{PatientID: "p-1", PractitionerID: "pr-1"})
	require.NoError(t, err)
	assert.Nil(t, s.Editor)
	assert.Nil(t, s.Help)
	assert.Equal(t, 1, r.Len())

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.Form.DispatchIntentWait(ctx, medform.AddMedicationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Patient/p-1", st.MedicationRequest.Subject.Reference)
	assert.Equal(t, "Practitioner/pr-1", st.MedicationRequest.Requester.Reference)

	require.NoError(t, r.Close(s.ID))
	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, r.Close(s.ID), ErrSessionNotFound)
	assert.Equal(t, int32(1), rec.opened.Load())
	assert.Equal(t, int32(1), rec.closed.Load())

	assert.Error(t, s.Form.DispatchIntent(ctx, medform.AddDosageInstruction{}))
}

func TestMaxSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	r := newTestRegistry(t, cfg, Deps{})

	_, err := r.Create(Launch{PatientID: "p-1"})
	require.NoError(t, err)
	_, err = r.Create(Launch{PatientID: "p-2"})
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestMaxSessionsUnderConcurrentCreates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	r := newTestRegistry(t, cfg, Deps{})

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		refused atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.Create(Launch{PatientID: "p-1"})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrTooManySessions):
				refused.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(63), refused.Load())
	assert.Equal(t, 1, r.Len())
}

func TestSweepClosesIdleSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * time.Minute
	r := newTestRegistry(t, cfg, Deps{})

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	idle, err := r.Create(Launch{PatientID: "p-1"})
	require.NoError(t, err)
	now = now.Add(8 * time.Minute)
	active, err := r.Create(Launch{PatientID: "p-2"})
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 1, r.Sweep())

	_, err = r.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get(active.ID)
	assert.NoError(t, err)

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, active.ID, infos[0].ID)
}

func TestShutdownRejectsNewSessions(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), Deps{})
	_, err := r.Create(Launch{PatientID: "p-1"})
	require.NoError(t, err)

	require.NoError(t, r.Shutdown())
	assert.Zero(t, r.Len())
	_, err = r.Create(Launch{PatientID: "p-1"})
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestOptionalPanels(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), Deps{
		CDS: cdsFunc(func(context.Context, *cdshelp.Request) (*cdshelp.Response, error) {
			return &cdshelp.Response{}, nil
		}),
	})
	s, err := r.Create(Launch{PatientID: "p-1"})
	require.NoError(t, err)
	assert.NotNil(t, s.Help)
	assert.Nil(t, s.Editor)
	assert.True(t, s.Info().Help)
}

func TestSubmit(t *testing.T) {
	requests := &memoryRequests{}
	r := newTestRegistry(t, DefaultConfig(), Deps{Requests: requests, Inbox: &memoryInbox{}})
	s, err := r.Create(Launch{PatientID: "p-1", PractitionerID: "pr-1"})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Submit(ctx, s.ID, "")
	assert.ErrorIs(t, err, ErrNotSubmittable)

	addParacetamol(t, s)

	first, err := r.Submit(ctx, s.ID, "key-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, r4.StatusActive, first.MedicationRequest.Status)
	assert.Equal(t, "key-1", first.IdempotencyKey)

	again, err := r.Submit(ctx, s.ID, "key-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.MedicationRequest.ID, again.MedicationRequest.ID)
	assert.Equal(t, 1, requests.calls)

	derived, err := r.Submit(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Len(t, derived.IdempotencyKey, 64)
	assert.Equal(t, 2, requests.calls)

	_, err = r.Submit(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubmitDisabled(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), Deps{})
	s, err := r.Create(Launch{PatientID: "p-1"})
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), s.ID, "")
	assert.ErrorIs(t, err, ErrSubmissionDisabled)
}
