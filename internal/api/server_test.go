package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/dispatcher"
)

type fakeStatus struct {
	summary dispatcher.Summary
}

func (f fakeStatus) Snapshot() dispatcher.Summary { return f.summary }

type fakeResume []string

func (f fakeResume) Keys() []string { return f }

func serve(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, zap.NewNop()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	idle := NewServer(fakeStatus{summary: dispatcher.Summary{State: dispatcher.StateIdle}}, nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, idle, "/readyz").Code)

	running := NewServer(fakeStatus{summary: dispatcher.Summary{State: dispatcher.StateScheduling}}, nil, nil)
	rec := serve(t, running, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"scheduling"}`, rec.Body.String())

	require.Equal(t, http.StatusServiceUnavailable, serve(t, NewServer(nil, nil, nil), "/readyz").Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	status := fakeStatus{summary: dispatcher.Summary{
		RunID:     "run-1",
		State:     dispatcher.StateScheduling,
		Project:   "DEMO",
		Projects:  2,
		Scheduled: 10,
		Completed: 4,
		Empty:     1,
		Rows:      17,
	}}
	rec := serve(t, NewServer(status, nil, zap.NewNop()), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-1", body["run_id"])
	require.Equal(t, "DEMO", body["current_project"])
	require.InDelta(t, 10, body["repos_scheduled"], 0)
	require.InDelta(t, 5, body["repos_in_flight"], 0)
	require.InDelta(t, 17, body["rows"], 0)
}

func TestStatusWithoutRun(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, nil), "/v1/status")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResume(t *testing.T) {
	t.Parallel()

	keys := fakeResume{"ABC/a", "ABC/b", "DEF/x", "ZED/q"}
	s := NewServer(nil, keys, zap.NewNop())

	rec := serve(t, s, "/v1/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"repos": 4,
		"projects_total": 3,
		"projects": [
			{"project_key": "ABC", "repos": 2},
			{"project_key": "DEF", "repos": 1},
			{"project_key": "ZED", "repos": 1}
		]
	}`, rec.Body.String())

	rec = serve(t, s, "/v1/resume?limit=1&offset=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"repos":4,"projects_total":3,"projects":[{"project_key":"DEF","repos":1}]}`, rec.Body.String())

	rec = serve(t, s, "/v1/resume?offset=10")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"repos":4,"projects_total":3,"projects":[]}`, rec.Body.String())
}

func TestResumeRejectsBadPaging(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, fakeResume{}, nil)
	require.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/resume?limit=0").Code)
	require.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/resume?offset=-1").Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, NewServer(nil, nil, nil), "/v1/resume").Code)
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, zap.NewNop())
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	rec := serve(t, NewServer(nil, nil, zap.New(core)), "/healthz")

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, rec.Header().Get("X-Request-ID"), fields["request_id"])
	require.Equal(t, "/healthz", fields["path"])
}
