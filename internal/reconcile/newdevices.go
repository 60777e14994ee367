package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/micro-ha/device-intake/internal/batch"
	"github.com/micro-ha/device-intake/internal/registry"
)

const (
	actionAddDevices = "add devices from file"
	actionPerform    = "perform build list action"

	maxFailedPages = 1000
)

// submitNewDevices creates one build list per staging group, devices first
// then smart cards. Groups run one at a time.
func (r *batchRun) submitNewDevices(ctx context.Context) error {
	for _, g := range r.cls.sortedGroups() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.submitGroup(ctx, g)
	}
	return nil
}

func (r *batchRun) submitGroup(ctx context.Context, g *stagingGroup) {
	logger := r.logger.With("location", g.key.LocationID, "model", g.key.ModelName, "status", g.key.StatusCode, "smart_card", g.smartCard)

	toHandler := r.cat.StockHandlerID(g.key.LocationID)
	if toHandler == 0 {
		r.failGroup(g, coded(batch.CodeInvalidLocation, "LocationID %s is not a valid StockHandler", g.key.LocationID))
		return
	}
	modelID := r.cat.ModelID(g.key.ModelName)
	if modelID == 0 {
		r.failGroup(g, coded(batch.CodeInvalidLocation, "Model %s is not a valid hardware model", g.key.ModelName))
		return
	}

	buildListID, err := r.runBuildList(ctx, g, toHandler, modelID)
	if err != nil {
		logger.Warn("build list failed", "build_list_id", buildListID, "err", err)
		r.failGroup(g, coded(batch.CodeBuildList, "An unexpected error occurred while creating devices: %v", err))
		return
	}

	failures, err := r.failedItems(ctx, buildListID)
	if err != nil {
		logger.Warn("fetch failed build list items", "build_list_id", buildListID, "err", err)
		r.failGroup(g, coded(batch.CodeBuildList, "An unexpected error occurred while reading build list %d results: %v", buildListID, err))
		return
	}
	for _, entry := range g.entries {
		if reason, ok := failures[entry.serial]; ok {
			r.sink.Fail(entry.rec, coded(batch.CodeBuildList, "Device %s could not be created: %s", entry.serial, reason))
		}
	}
	logger.Info("build list performed", "build_list_id", buildListID, "devices", len(g.entries), "failed", len(failures))
}

func (r *batchRun) runBuildList(ctx context.Context, g *stagingGroup, toHandler, modelID int64) (int64, error) {
	reasonID := r.cat.ReasonID(registry.NewStockReceiveReasons, g.key.StatusCode)
	if reasonID == 0 {
		return 0, fmt.Errorf("reason %s/%s not defined", registry.NewStockReceiveReasons, g.key.StatusCode)
	}

	content := g.content()
	if err := os.WriteFile(g.path, content, 0o644); err != nil {
		return 0, fmt.Errorf("write staging file: %w", err)
	}
	r.staged = append(r.staged, g.path)

	receive, err := r.engine.reg.CreateStockReceive(ctx, registry.StockReceive{
		FromStockHandlerID: r.engine.cfg.ManufacturerStockHandlerID,
		ToStockHandlerID:   toHandler,
		ReasonID:           reasonID,
	})
	if err != nil {
		return 0, fmt.Errorf("create stock receive: %w", err)
	}
	list, err := r.engine.reg.CreateBuildList(ctx, registry.BuildList{StockReceiveID: receive.ID, ModelID: modelID})
	if err != nil {
		return 0, fmt.Errorf("create build list: %w", err)
	}

	addID, err := r.engine.reg.ScheduleAddDevicesFromFile(ctx, list.ID, filepath.Base(g.path), content)
	if err != nil {
		return list.ID, fmt.Errorf("schedule %s: %w", actionAddDevices, err)
	}
	if err := registry.WaitForSchedule(ctx, r.engine.reg, addID, r.waitOptions(actionAddDevices, list.ID, r.engine.cfg.AddTimeout)); err != nil {
		return list.ID, err
	}

	performID, err := r.engine.reg.SchedulePerformBuildList(ctx, list.ID)
	if err != nil {
		return list.ID, fmt.Errorf("schedule %s: %w", actionPerform, err)
	}
	if err := registry.WaitForSchedule(ctx, r.engine.reg, performID, r.waitOptions(actionPerform, list.ID, r.engine.cfg.PerformTimeout)); err != nil {
		return list.ID, err
	}
	return list.ID, nil
}

func (r *batchRun) waitOptions(action string, buildListID int64, timeout time.Duration) registry.WaitOptions {
	return registry.WaitOptions{
		Action:       action,
		BuildListID:  buildListID,
		PollInterval: r.engine.cfg.SchedulePollInterval,
		Timeout:      timeout,
		Logger:       r.logger,
	}
}

// failedItems pages through the build list's failed items keyed by serial.
func (r *batchRun) failedItems(ctx context.Context, buildListID int64) (map[string]string, error) {
	out := map[string]string{}
	for page := 1; page <= maxFailedPages; page++ {
		items, err := r.engine.reg.FailedBuildListItems(ctx, buildListID, page)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			out[item.SerialNumber] = item.Error
		}
	}
	return out, nil
}

func (r *batchRun) failGroup(g *stagingGroup, reason string) {
	for _, entry := range g.entries {
		r.sink.Fail(entry.rec, reason)
	}
}
