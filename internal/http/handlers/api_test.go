package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micro-ha/device-intake/internal/logging"
	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/storage"
	"github.com/micro-ha/device-intake/internal/watcher"
)

type fakeRuns struct {
	runs    []model.ImportLogEntry
	limit   int
	pingErr error
}

func (f *fakeRuns) ListRuns(ctx context.Context, limit int) ([]model.ImportLogEntry, error) {
	f.limit = limit
	return f.runs, nil
}

func (f *fakeRuns) GetRun(ctx context.Context, runID int64) (model.ImportLogEntry, error) {
	for _, run := range f.runs {
		if run.RunID == runID {
			return run, nil
		}
	}
	return model.ImportLogEntry{}, storage.ErrNotFound
}

func (f *fakeRuns) Ping(ctx context.Context) error {
	return f.pingErr
}

type fakeWatcher struct {
	refreshes int
}

func (f *fakeWatcher) TriggerRefresh() { f.refreshes++ }

func (f *fakeWatcher) Status() watcher.Status {
	return watcher.Status{State: watcher.StateSleeping, Delivered: 4}
}

func newAPI(runs *fakeRuns, w *fakeWatcher) *API {
	return New(runs, w, nil, logging.Discard())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	runs := &fakeRuns{}
	api := newAPI(runs, &fakeWatcher{})

	rec := httptest.NewRecorder()
	api.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["watcher"] != "sleeping" {
		t.Fatalf("unexpected body: %v", body)
	}

	runs.pingErr = errors.New("database is locked")
	rec = httptest.NewRecorder()
	api.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "degraded" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestListRuns(t *testing.T) {
	runs := &fakeRuns{runs: []model.ImportLogEntry{{RunID: 2}, {RunID: 1}}}
	api := newAPI(runs, &fakeWatcher{})

	rec := httptest.NewRecorder()
	api.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if runs.limit != 10 {
		t.Fatalf("expected limit 10, got %d", runs.limit)
	}
	items, _ := decode(t, rec)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %v", items)
	}

	rec = httptest.NewRecorder()
	api.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	api := newAPI(&fakeRuns{runs: []model.ImportLogEntry{{RunID: 7, Outcome: model.OutcomePartial}}}, &fakeWatcher{})

	tests := []struct {
		raw    string
		status int
		code   string
	}{
		{raw: "7", status: http.StatusOK},
		{raw: "8", status: http.StatusNotFound, code: "not_found"},
		{raw: "x", status: http.StatusBadRequest, code: "invalid_run_id"},
		{raw: "-1", status: http.StatusBadRequest, code: "invalid_run_id"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		api.GetRun(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+tt.raw, nil), tt.raw)
		if rec.Code != tt.status {
			t.Fatalf("%s: expected %d, got %d", tt.raw, tt.status, rec.Code)
		}
		if tt.code != "" && !strings.Contains(rec.Body.String(), `"code":"`+tt.code+`"`) {
			t.Fatalf("%s: unexpected body %s", tt.raw, rec.Body.String())
		}
	}
}

func TestRefreshTriggersWatcher(t *testing.T) {
	w := &fakeWatcher{}
	api := newAPI(&fakeRuns{}, w)

	rec := httptest.NewRecorder()
	api.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	if rec.Code != http.StatusAccepted || w.refreshes != 1 {
		t.Fatalf("expected accepted refresh, got %d (%d refreshes)", rec.Code, w.refreshes)
	}
}

func TestEventsWithoutHub(t *testing.T) {
	api := newAPI(&fakeRuns{}, &fakeWatcher{})
	rec := httptest.NewRecorder()
	api.Events(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
