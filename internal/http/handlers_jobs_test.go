package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/data"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
	"github.com/parleyhq/dispatch-api/internal/service"
)

// fakeCompletions is an in-memory CompletionRepository with the guarded
// delete used by cleanup.
type fakeCompletions struct {
	mu      sync.Mutex
	records map[string]*model.CompletionRecord
}

func newFakeCompletions() *fakeCompletions {
	return &fakeCompletions{records: make(map[string]*model.CompletionRecord)}
}

func (f *fakeCompletions) CreateIfAbsent(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[key]; ok {
		return false, nil
	}
	f.records[key] = &model.CompletionRecord{LogicalKey: key, CreatedAt: time.Now()}
	return true, nil
}

func (f *fakeCompletions) Get(_ context.Context, key string) (*model.CompletionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeCompletions) MarkNotified(_ context.Context, params core.MarkNotifiedParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[params.LogicalKey]
	if !ok || rec.Notified {
		return false, nil
	}
	rec.Notified = true
	rec.ResultRef = params.ResultRef
	rec.LastError = params.FailureMsg
	return true, nil
}

func (f *fakeCompletions) Delete(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[key]; !ok {
		return false, nil
	}
	delete(f.records, key)
	return true, nil
}

func (f *fakeCompletions) DeleteNotified(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return false, nil
	}
	if !rec.Notified {
		return false, data.ErrCompletionInFlight
	}
	delete(f.records, key)
	return true, nil
}

// enqueueOnlyJobRepo supports Create and Stats; everything else is unused by
// the HTTP surface.
type enqueueOnlyJobRepo struct {
	mu      sync.Mutex
	created []core.CreateJobParams
	err     error
}

func (r *enqueueOnlyJobRepo) Create(_ context.Context, params core.CreateJobParams) (*model.Job, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.mu.Lock()
	r.created = append(r.created, params)
	r.mu.Unlock()
	return &model.Job{
		ID:         "00000000-0000-0000-0000-000000000001",
		LogicalKey: params.LogicalKey,
		Kind:       params.Kind,
		Status:     model.JobStatusPending,
		Payload:    params.Payload,
	}, nil
}

func (r *enqueueOnlyJobRepo) GetByID(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}

func (r *enqueueOnlyJobRepo) ReserveNext(context.Context, model.JobKind, int) (*model.Job, error) {
	return nil, model.ErrNoJobsAvailable
}

func (r *enqueueOnlyJobRepo) WaitForNotification(ctx context.Context, _ model.JobKind) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *enqueueOnlyJobRepo) Heartbeat(context.Context, string, int) (bool, error) {
	return false, nil
}

func (r *enqueueOnlyJobRepo) Complete(context.Context, string) (bool, error) { return false, nil }

func (r *enqueueOnlyJobRepo) Fail(context.Context, string, string) (bool, error) {
	return false, nil
}

func (r *enqueueOnlyJobRepo) Stats(context.Context, model.JobKind) (*model.JobStats, error) {
	return &model.JobStats{Pending: 2, Running: 1}, nil
}

func (r *enqueueOnlyJobRepo) Delete(context.Context, string) error { return nil }

type testServer struct {
	srv         *httptest.Server
	completions *fakeCompletions
	jobs        *enqueueOnlyJobRepo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	completions := newFakeCompletions()
	jobRepo := &enqueueOnlyJobRepo{}

	jobSvc := service.MustNewJobService(service.JobServiceOptions{
		Repo:         jobRepo,
		DefaultLease: 30 * time.Second,
	})
	t.Cleanup(jobSvc.StopAllListeners)

	dispatchSvc := service.MustNewDispatchService(service.DispatchServiceOptions{
		Completions: completions,
		Jobs:        jobSvc,
	})

	srv := httptest.NewServer(NewRouter(RouterServices{
		Dispatch: dispatchSvc,
		Jobs:     jobSvc,
	}))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, completions: completions, jobs: jobRepo}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, jsonDecode(resp, &out))
	return out
}

func TestSubmitAccepted(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/jobs",
		`{"logical_key":"tenant-a/export/1","kind":"export","payload":{"records":[{"id":1}]}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["job_id"])

	require.Len(t, ts.jobs.created, 1)
	assert.Equal(t, "tenant-a/export/1", ts.jobs.created[0].LogicalKey)
	assert.Equal(t, model.JobKindExport, ts.jobs.created[0].Kind)
}

func TestSubmitDuplicateAnswersAlreadyInFlight(t *testing.T) {
	ts := newTestServer(t)
	payload := `{"logical_key":"tenant-a/export/1","kind":"export","payload":{"a":1}}`

	first := ts.do(t, http.MethodPost, "/api/jobs", payload)
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second := ts.do(t, http.MethodPost, "/api/jobs", payload)
	require.Equal(t, http.StatusOK, second.StatusCode)
	body := decodeBody(t, second)
	assert.Equal(t, "already_in_flight", body["status"])

	// Only the first submission enqueued anything.
	assert.Len(t, ts.jobs.created, 1)
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing key", `{"kind":"export","payload":{"a":1}}`},
		{"bad kind", `{"logical_key":"k","kind":"resize","payload":{"a":1}}`},
		{"empty payload", `{"logical_key":"k","kind":"export"}`},
		{"malformed json", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestStatusPoll(t *testing.T) {
	ts := newTestServer(t)

	t.Run("unknown key", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/jobs/nope/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, false, body["exists"])
	})

	t.Run("in flight", func(t *testing.T) {
		_, err := ts.completions.CreateIfAbsent(context.Background(), "key-1")
		require.NoError(t, err)

		resp := ts.do(t, http.MethodGet, "/api/jobs/key-1/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, true, body["exists"])
		assert.Equal(t, false, body["notified"])
	})

	t.Run("notified with result", func(t *testing.T) {
		_, err := ts.completions.CreateIfAbsent(context.Background(), "key-2")
		require.NoError(t, err)
		ref := "exports/abc.ndjson"
		_, err = ts.completions.MarkNotified(context.Background(), core.MarkNotifiedParams{
			LogicalKey: "key-2",
			ResultRef:  &ref,
		})
		require.NoError(t, err)

		resp := ts.do(t, http.MethodGet, "/api/jobs/key-2/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, true, body["notified"])
		assert.Equal(t, "exports/abc.ndjson", body["result_ref"])
	})
}

func TestCleanup(t *testing.T) {
	ts := newTestServer(t)

	t.Run("absent key", func(t *testing.T) {
		resp := ts.do(t, http.MethodDelete, "/api/jobs/ghost", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("in flight refused", func(t *testing.T) {
		_, err := ts.completions.CreateIfAbsent(context.Background(), "busy")
		require.NoError(t, err)

		resp := ts.do(t, http.MethodDelete, "/api/jobs/busy", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("notified removed", func(t *testing.T) {
		_, err := ts.completions.CreateIfAbsent(context.Background(), "done")
		require.NoError(t, err)
		ref := "r"
		_, err = ts.completions.MarkNotified(context.Background(), core.MarkNotifiedParams{
			LogicalKey: "done",
			ResultRef:  &ref,
		})
		require.NoError(t, err)

		resp := ts.do(t, http.MethodDelete, "/api/jobs/done", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		rec, err := ts.completions.Get(context.Background(), "done")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/jobs/export/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["pending"])
	assert.Equal(t, float64(1), body["running"])

	bad := ts.do(t, http.MethodGet, "/api/jobs/unknown-kind/stats", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}
