package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/micro-ha/device-intake/internal/events"
	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/storage"
	"github.com/micro-ha/device-intake/internal/watcher"
)

// RunStore reads the audit log.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]model.ImportLogEntry, error)
	GetRun(ctx context.Context, runID int64) (model.ImportLogEntry, error)
	Ping(ctx context.Context) error
}

// Watcher exposes the polling loop to operators.
type Watcher interface {
	TriggerRefresh()
	Status() watcher.Status
}

// API groups HTTP handlers and dependencies.
type API struct {
	runs    RunStore
	watcher Watcher
	hub     *events.Hub
	logger  *slog.Logger
}

// New creates HTTP handlers with explicit dependencies.
func New(runs RunStore, w Watcher, hub *events.Hub, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{runs: runs, watcher: w, hub: hub, logger: logger}
}

// Logger returns request logger used by HTTP middleware.
func (a *API) Logger() *slog.Logger {
	return a.logger
}

// Health reports liveness, store reachability and the watcher state.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	status := a.watcher.Status()
	if err := a.runs.Ping(r.Context()); err != nil {
		a.logger.Warn("health check: store unreachable", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"store":   err.Error(),
			"watcher": status.State,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "watcher": status.State})
}

func (a *API) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = value
	}
	items, err := a.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) GetRun(w http.ResponseWriter, r *http.Request, rawID string) {
	runID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || runID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_run_id", "runId must be a positive integer")
		return
	}
	run, err := a.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) WatcherStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.watcher.Status())
}

// Refresh wakes the watcher for an immediate poll cycle.
func (a *API) Refresh(w http.ResponseWriter, _ *http.Request) {
	a.watcher.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
