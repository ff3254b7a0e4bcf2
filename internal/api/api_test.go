package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"codeberg.org/mutker/pvctl/internal/api"
	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/experiment"
	"codeberg.org/mutker/pvctl/internal/model"
	"codeberg.org/mutker/pvctl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T) http.Handler {
	t.Helper()

	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "pvctl.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return api.NewServer(experiment.NewManager(s), s, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func createExperiment(t *testing.T, h http.Handler, name string) model.Experiment {
	t.Helper()

	w := do(t, h, http.MethodPost, "/api/experiments", fmt.Sprintf(`{"name":%q,"tags":["iv"]}`, name))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.Experiment](t, w)
}

func TestExperimentLifecycle(t *testing.T) {
	h := newHandler(t)

	e := createExperiment(t, h, "Panel A")
	assert.Equal(t, model.StatusPending, e.Status)
	assert.NotEmpty(t, e.ID)

	w := do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decode[struct {
		Experiment model.Experiment `json:"experiment"`
		Alerts     []model.Alert    `json:"alerts"`
	}](t, w)
	assert.Equal(t, model.StatusRunning, started.Experiment.Status)
	assert.NotNil(t, started.Alerts)
	assert.Contains(t, w.Body.String(), `"alerts":[]`)

	w = do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/data",
		`{"voltage":40,"current":5,"temperature":90,"irradiance":1000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	recorded := decode[struct {
		DataPoint model.DataPoint `json:"data_point"`
		Alerts    []model.Alert   `json:"alerts"`
	}](t, w)
	require.NotNil(t, recorded.DataPoint.Power)
	assert.InDelta(t, 200.0, *recorded.DataPoint.Power, 1e-9)
	require.Len(t, recorded.Alerts, 1)
	assert.Equal(t, model.AlertCritical, recorded.Alerts[0].Type)

	w = do(t, h, http.MethodGet, "/api/experiments/"+e.ID+"/data", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.DataPoint](t, w), 1)

	w = do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/stop", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stopped := decode[model.Experiment](t, w)
	assert.Equal(t, model.StatusCompleted, stopped.Status)
	assert.NotNil(t, stopped.Results)

	w = do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/stop", `{"status":"failed"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(errors.ErrInvalidTransition), decode[errorResponse](t, w).Code)

	w = do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/data", `{"voltage":1}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStopWithStatus(t *testing.T) {
	h := newHandler(t)
	e := createExperiment(t, h, "Panel B")

	w := do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/stop", `{"status":"cancelled"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/stop", `{"status":"paused"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/start", "").Code)

	w = do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/stop", `{"status":"cancelled"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StatusCancelled, decode[model.Experiment](t, w).Status)
}

func TestErrorMapping(t *testing.T) {
	h := newHandler(t)
	e := createExperiment(t, h, "Panel C")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"blank name", http.MethodPost, "/api/experiments", `{"name":"  "}`, http.StatusBadRequest, string(errors.ErrValidation)},
		{"malformed body", http.MethodPost, "/api/experiments", `{"name":`, http.StatusBadRequest, string(errors.ErrValidation)},
		{"unknown experiment", http.MethodGet, "/api/experiments/missing", "", http.StatusNotFound, string(errors.ErrNotFound)},
		{"bad status filter", http.MethodGet, "/api/experiments?status=paused", "", http.StatusBadRequest, string(errors.ErrValidation)},
		{"bad limit", http.MethodGet, "/api/experiments?limit=-1", "", http.StatusBadRequest, string(errors.ErrValidation)},
		{"bad unresolved", http.MethodGet, "/api/alerts?unresolved=maybe", "", http.StatusBadRequest, string(errors.ErrValidation)},
		{"pause", http.MethodPost, "/api/experiments/" + e.ID + "/pause", "", http.StatusNotImplemented, string(errors.ErrNotImplemented)},
		{"resume", http.MethodPost, "/api/experiments/" + e.ID + "/resume", "", http.StatusNotImplemented, string(errors.ErrNotImplemented)},
		{"pause unknown", http.MethodPost, "/api/experiments/missing/pause", "", http.StatusNotFound, string(errors.ErrNotFound)},
		{"record on pending", http.MethodPost, "/api/experiments/" + e.ID + "/data", `{"voltage":1}`, http.StatusConflict, string(errors.ErrInvalidTransition)},
		{"empty delete", http.MethodDelete, "/api/experiments", `{"ids":[]}`, http.StatusBadRequest, string(errors.ErrValidation)},
		{"unknown route", http.MethodGet, "/api/nothing", "", http.StatusNotFound, "route_not_found"},
		{"wrong method", http.MethodPut, "/api/devices", "", http.StatusMethodNotAllowed, "method_not_allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, tt.code, decode[errorResponse](t, w).Code)
		})
	}
}

func TestListAndDelete(t *testing.T) {
	h := newHandler(t)
	a := createExperiment(t, h, "Alpha")
	b := createExperiment(t, h, "Beta")

	w := do(t, h, http.MethodGet, "/api/experiments", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Experiment](t, w), 2)

	w = do(t, h, http.MethodGet, "/api/experiments?q=alp", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]model.Experiment](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	w = do(t, h, http.MethodDelete, "/api/experiments", fmt.Sprintf(`{"ids":[%q,%q,"missing"]}`, a.ID, b.ID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]int64{"deleted": 2}, decode[map[string]int64](t, w))

	w = do(t, h, http.MethodGet, "/api/experiments", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestAlertActions(t *testing.T) {
	h := newHandler(t)
	e := createExperiment(t, h, "Hot panel")

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/start", "").Code)
	require.Equal(t, http.StatusCreated,
		do(t, h, http.MethodPost, "/api/experiments/"+e.ID+"/data", `{"temperature":80}`).Code)

	w := do(t, h, http.MethodGet, "/api/alerts?experiment_id="+e.ID+"&unresolved=true&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[[]model.Alert](t, w)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	w = do(t, h, http.MethodPost, "/api/alerts/"+id+"/acknowledge", `{"by":"operator"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "operator", decode[model.Alert](t, w).AcknowledgedBy)

	w = do(t, h, http.MethodPost, "/api/alerts/"+id+"/resolve", `{"by":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/alerts/"+id+"/resolve", `{"by":"operator"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotNil(t, decode[model.Alert](t, w).ResolvedAt)

	w = do(t, h, http.MethodGet, "/api/alerts?unresolved=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]model.Alert](t, w))

	w = do(t, h, http.MethodPost, "/api/alerts/missing/acknowledge", `{"by":"operator"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTemplatesAndDevices(t *testing.T) {
	h := newHandler(t)

	w := do(t, h, http.MethodPost, "/api/templates",
		`{"name":"STC sweep","category":"iv","parameters":{"area":1.6}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tpl := decode[model.Template](t, w)
	assert.NotEmpty(t, tpl.ID)

	w = do(t, h, http.MethodPost, "/api/templates", `{"name":"no category"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Template](t, w), 1)

	w = do(t, h, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHandler(t)

	w := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, w))

	down := api.NewServer(failingService{}, pinger{err: fmt.Errorf("database is closed")}, nil).Handler()
	w = do(t, down, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInternalErrorHidesDetail(t *testing.T) {
	h := api.NewServer(failingService{}, pinger{}, nil).Handler()

	w := do(t, h, http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[errorResponse](t, w)
	assert.Equal(t, string(errors.ErrInternal), body.Code)
	assert.NotContains(t, body.Error, "disk")
}

func TestRecoversFromPanic(t *testing.T) {
	h := api.NewServer(failingService{}, pinger{}, nil).Handler()

	w := do(t, h, http.MethodGet, "/api/templates", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStatusFor(t *testing.T) {
	f := errors.New()

	status, code := api.StatusFor(f.Wrap(errors.ErrInvalidTransition, f.New(errors.ErrConflict)))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.ErrInvalidTransition, code)

	status, code = api.StatusFor(fmt.Errorf("plain"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, errors.ErrInternal, code)
}

type pinger struct {
	err error
}

func (p pinger) Ping(context.Context) error { return p.err }

// failingService fails Devices with an internal error and panics on
// Templates. Other methods are not called.
type failingService struct {
	api.Service
}

func (failingService) Devices(context.Context) ([]model.Device, error) {
	return nil, fmt.Errorf("disk I/O error")
}

func (failingService) Templates(context.Context) ([]model.Template, error) {
	panic("templates unavailable")
}

