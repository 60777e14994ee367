package reconcile

import (
	"context"

	"github.com/micro-ha/device-intake/internal/batch"
	"github.com/micro-ha/device-intake/internal/registry"
)

// updateExisting walks known serials in file order. A device already at its
// target stock handler gets a status change; anything else is moved.
func (r *batchRun) updateExisting(ctx context.Context) error {
	for _, item := range r.cls.sortedUpdates() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.updateOne(ctx, item)
	}
	return nil
}

func (r *batchRun) updateOne(ctx context.Context, item existing) {
	rec := item.rec
	target := r.cat.StockHandlerID(rec.LocationID)
	if target == 0 {
		r.sink.Fail(rec, coded(batch.CodeInvalidLocation, "LocationID %s is not a valid StockHandler", rec.LocationID))
		return
	}

	if item.device.StockHandlerID == target {
		reasonID := r.cat.ReasonID(registry.ChangeDeviceStatusReasons, rec.StatusCode)
		if reasonID == 0 {
			r.sink.Fail(rec, coded(batch.CodeUnexpectedRecord, "Reason %s/%s not defined", registry.ChangeDeviceStatusReasons, rec.StatusCode))
			return
		}
		if err := r.engine.reg.UpdateDeviceStatus(ctx, item.device.ID, reasonID); err != nil {
			r.sink.Fail(rec, coded(batch.CodeUnexpectedRecord, "An unexpected error occurred while updating status of device %s: %v", item.serial, err))
		}
		return
	}

	reasonID := r.cat.ReasonID(registry.TransferDeviceAtStockHandler, rec.StatusCode)
	if reasonID == 0 {
		r.sink.Fail(rec, coded(batch.CodeUnexpectedRecord, "Reason %s/%s not defined", registry.TransferDeviceAtStockHandler, rec.StatusCode))
		return
	}
	if err := r.engine.reg.MoveDevice(ctx, item.device.ID, target, reasonID); err != nil {
		r.sink.Fail(rec, coded(batch.CodeUnexpectedRecord, "An unexpected error occurred while moving device %s: %v", item.serial, err))
	}
}
