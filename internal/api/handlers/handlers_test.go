package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cqleditor"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/infrastructure/postgres"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/session"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/circuitbreaker"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/idempotency"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/workerpool"
)

type lookupFunc func(ctx context.Context, req medform.LookupRequest) (*r4.Parameters, error)

func (f lookupFunc) LookupByRouteFormIngredient(ctx context.Context, req medform.LookupRequest) (*r4.Parameters, error) {
	return f(ctx, req)
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	pool, err := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 16, MaxRetries: 1, RetryDelay: time.Millisecond}, workerpool.RunFunc, nil)
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })

	registry := session.NewRegistry(context.Background(), session.DefaultConfig(), session.Deps{
		Pool: pool,
		Lookup: lookupFunc(func(context.Context, medform.LookupRequest) (*r4.Parameters, error) {
			return &r4.Parameters{ResourceType: "Parameters"}, nil
		}),
	})
	t.Cleanup(func() { _ = registry.Shutdown() })

	r := chi.NewRouter()
	r.Mount("/sessions", NewSessionHandler(registry, Config{MaxWait: 5 * time.Second}, nil).Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry
}

func do(t *testing.T, method, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func createSession(t *testing.T, srv *httptest.Server) session.Info {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/sessions", `{"patientId":"p-1","practitionerId":"pr-1"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info session.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "/api/v1/sessions/"+info.ID, resp.Header.Get("Location"))
	return info
}

func TestSessionLifecycle(t *testing.T) {
	srv, registry := newTestServer(t)
	info := createSession(t, srv)
	assert.Equal(t, 1, registry.Len())

	resp := do(t, http.MethodGet, srv.URL+"/sessions/"+info.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/sessions", "", nil)
	var list []session.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)

	resp = do(t, http.MethodDelete, srv.URL+"/sessions/"+info.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/sessions/"+info.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsInvalidLaunch(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/sessions", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/sessions", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFormIntentWait(t *testing.T) {
	srv, _ := newTestServer(t)
	info := createSession(t, srv)

	resp := do(t, http.MethodPost, srv.URL+"/sessions/"+info.ID+"/intents?wait=true", `{"type":"AddMedicationRequest"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		State struct {
			Type              medform.Type          `json:"type"`
			MedicationRequest *r4.MedicationRequest `json:"medicationRequest"`
		} `json:"state"`
		Lists json.RawMessage `json:"lists"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.NotNil(t, view.State.MedicationRequest.Subject)
	assert.Equal(t, "Patient/p-1", view.State.MedicationRequest.Subject.Reference)
	assert.NotEmpty(t, view.Lists)

	resp = do(t, http.MethodPost, srv.URL+"/sessions/"+info.ID+"/intents", `{"type":"AddDosageInstruction"}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestFormIntentRejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	info := createSession(t, srv)

	resp := do(t, http.MethodPost, srv.URL+"/sessions/"+info.ID+"/intents", `{"type":"Teleport"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/sessions/missing/intents", `{"type":"AddDosageInstruction"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStateLongPoll(t *testing.T) {
	srv, registry := newTestServer(t)
	info := createSession(t, srv)
	url := srv.URL + "/sessions/" + info.ID + "/state"

	resp := do(t, http.MethodGet, url, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp = do(t, http.MethodGet, url, "", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp = do(t, http.MethodGet, url+"?wait=20ms", "", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	s, err := registry.Get(info.ID)
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Form.DispatchIntent(context.Background(), medform.AddDosageInstruction{})
	}()
	resp = do(t, http.MethodGet, url+"?wait=5s", "", http.Header{"If-None-Match": {etag}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, etag, resp.Header.Get("ETag"))

	resp = do(t, http.MethodGet, url+"?wait=soon", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOptionalEndpointsNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t)
	info := createSession(t, srv)
	base := srv.URL + "/sessions/" + info.ID

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/cql/state"},
		{http.MethodPost, "/cql/intents"},
		{http.MethodGet, "/cds-help"},
		{http.MethodPost, "/cds-help"},
		{http.MethodPost, "/submit"},
	} {
		resp := do(t, tc.method, base+tc.path, `{}`, nil)
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode, tc.path)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrSessionNotFound, http.StatusNotFound},
		{session.ErrTooManySessions, http.StatusTooManyRequests},
		{session.ErrNotSubmittable, http.StatusUnprocessableEntity},
		{idempotency.ErrInProgress, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func TestDecodeFormIntent(t *testing.T) {
	in, err := DecodeFormIntent([]byte(`{"type":"ValueChangesDosageInstruction","nDosage":1,
		"change":{"type":"SetRoute","route":{"text":"Oral"}}}`))
	require.NoError(t, err)
	vc, ok := in.(medform.ValueChangesDosageInstruction)
	require.True(t, ok)
	assert.Equal(t, 1, vc.NDosage)
	route, ok := vc.Change.(medform.SetRoute)
	require.True(t, ok)
	assert.Equal(t, "Oral", route.Route.Text)

	in, err = DecodeFormIntent([]byte(`{"type":"AddTimeOfDay","nDosage":0,"time":"08:00:00"}`))
	require.NoError(t, err)
	assert.Equal(t, medform.AddTimeOfDay{Time: "08:00:00"}, in)

	_, err = DecodeFormIntent([]byte(`{"type":"ValueChangesMedication","nMedication":0}`))
	assert.Error(t, err)

	_, err = DecodeFormIntent([]byte(`{"type":"ValueChangesDispenseRequest","change":{"type":"SetRoute"}}`))
	assert.ErrorIs(t, err, ErrUnknownIntent)

	_, err = DecodeFormIntent([]byte(`{"type":"Nope"}`))
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestDecodeEditorIntent(t *testing.T) {
	in, err := DecodeEditorIntent([]byte(`{"type":"OnRunLibrary","patientId":"p-1"}`))
	require.NoError(t, err)
	assert.Equal(t, cqleditor.OnRunLibrary{PatientID: "p-1"}, in)

	_, err = DecodeEditorIntent([]byte(`{"type":"AddMedication"}`))
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestReadiness(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(""), nil)
	_, err := breakers.GetOrCreate("lookup")
	require.NoError(t, err)

	h := NewHealthHandler("form-api", "test", breakers, func() int { return 3 }, nil)
	h.AddCheck("postgres", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report ReadinessReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "ok", report.Checks["postgres"])
	assert.Equal(t, 3, report.Sessions)
	require.Len(t, report.Breakers, 1)
	assert.Equal(t, circuitbreaker.StateClosed, report.Breakers[0].State)

	h.AddCheck("redpanda", func(context.Context) error { return errors.New("no brokers") })
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no brokers")
}

func TestReadinessReportsLookupPool(t *testing.T) {
	pool, err := workerpool.New(workerpool.Config{Workers: 1, QueueSize: 10}, workerpool.RunFunc, nil)
	require.NoError(t, err)
	// Not started, so submitted tasks stay queued.
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(&workerpool.Task{ID: "queued"}))
	}

	h := NewHealthHandler("form-api", "test", nil, nil, nil)
	h.WatchPool(pool)

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report ReadinessReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "ok", report.Checks["lookup_pool"])
	require.NotNil(t, report.Pool)
	assert.Equal(t, int64(5), report.Pool.QueueDepth)
	assert.Equal(t, 10, report.Pool.QueueCapacity)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(&workerpool.Task{ID: "queued"}))
	}
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "lookup queue saturated: 10/10")
}

type requestsByID map[string]*r4.MedicationRequest

func (m requestsByID) GetMedicationRequest(_ context.Context, id string) (*r4.MedicationRequest, error) {
	if mr, ok := m[id]; ok {
		return mr, nil
	}
	if id == "broken" {
		return nil, errors.New("connection reset")
	}
	return nil, postgres.ErrNotFound
}

func TestMedicationRequestHandler(t *testing.T) {
	store := requestsByID{"mr-1": {
		ResourceType: "MedicationRequest",
		ID:           "mr-1",
		Meta:         &r4.Meta{VersionID: "2"},
		Status:       r4.StatusActive,
	}}
	srv := httptest.NewServer(NewMedicationRequestHandler(store, nil).Routes())
	t.Cleanup(srv.Close)

	resp := do(t, http.MethodGet, srv.URL+"/mr-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `W/"2"`, resp.Header.Get("ETag"))
	assert.Equal(t, "application/fhir+json", resp.Header.Get("Content-Type"))

	resp = do(t, http.MethodGet, srv.URL+"/mr-2", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var outcome r4.OperationOutcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, "not-found", outcome.Issue[0].Code)

	resp = do(t, http.MethodGet, srv.URL+"/broken", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
