package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/micro-ha/device-intake/internal/events"
	"github.com/micro-ha/device-intake/internal/http/handlers"
	"github.com/micro-ha/device-intake/internal/logging"
	"github.com/micro-ha/device-intake/internal/metrics"
	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/storage"
	"github.com/micro-ha/device-intake/internal/watcher"
)

type stubRuns struct{}

func (stubRuns) ListRuns(ctx context.Context, limit int) ([]model.ImportLogEntry, error) {
	return []model.ImportLogEntry{{RunID: 1, Outcome: model.OutcomeSuccess}}, nil
}

func (stubRuns) GetRun(ctx context.Context, runID int64) (model.ImportLogEntry, error) {
	if runID == 1 {
		return model.ImportLogEntry{RunID: 1}, nil
	}
	return model.ImportLogEntry{}, storage.ErrNotFound
}

func (stubRuns) Ping(ctx context.Context) error { return nil }

type stubWatcher struct{ refreshed chan struct{} }

func (s *stubWatcher) TriggerRefresh() {
	select {
	case s.refreshed <- struct{}{}:
	default:
	}
}

func (s *stubWatcher) Status() watcher.Status { return watcher.Status{State: watcher.StateIdle} }

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *events.Hub, *stubWatcher) {
	t.Helper()
	hub := events.NewHub(8)
	w := &stubWatcher{refreshed: make(chan struct{}, 1)}
	api := handlers.New(stubRuns{}, w, hub, logging.Discard())
	srv := httptest.NewServer(NewRouter(api, opts))
	t.Cleanup(srv.Close)
	return srv, hub, w
}

func TestRouterRoutes(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	srv, _, w := newTestServer(t, Options{Metrics: m})

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/api/runs", http.StatusOK},
		{http.MethodGet, "/api/runs/1", http.StatusOK},
		{http.MethodGet, "/api/runs/2", http.StatusNotFound},
		{http.MethodGet, "/api/watcher", http.StatusOK},
		{http.MethodPost, "/api/refresh", http.StatusAccepted},
		{http.MethodGet, "/api/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Fatalf("%s %s: expected %d, got %d", tt.method, tt.path, tt.status, resp.StatusCode)
		}
	}
	select {
	case <-w.refreshed:
	default:
		t.Fatal("refresh did not reach the watcher")
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `device_intake_http_requests_total{method="GET",route="/api/runs/{runId}",status="4xx"} 1`) {
		t.Fatalf("expected route-labelled request metric, got:\n%s", body)
	}
}

func TestEventStream(t *testing.T) {
	srv, hub, _ := newTestServer(t, Options{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(events.Event{Type: events.TypeBatchCompleted, BatchID: "b-42", Outcome: model.OutcomeSuccess})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.BatchID != "b-42" || ev.Type != events.TypeBatchCompleted {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "internal_error") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
