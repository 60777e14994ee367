package reconcile

import (
	"context"

	"github.com/micro-ha/device-intake/internal/batch"
	"github.com/micro-ha/device-intake/internal/model"
)

func (r *batchRun) updateCustomFields(ctx context.Context) error {
	var records []model.ImportRecord
	for _, rec := range r.pending(r.records) {
		if len(rec.CustomFields) > 0 {
			records = append(records, rec)
		}
	}
	return r.runPooled(ctx, "custom-fields", len(records), func(ctx context.Context, i int) {
		rec := records[i]
		r.pushCustomFields(ctx, rec, rec.SerialNumber)
		if rec.HasPairedSerial() {
			r.pushCustomFields(ctx, rec, rec.PairedSerial)
		}
	})
}

func (r *batchRun) pushCustomFields(ctx context.Context, rec model.ImportRecord, serial string) {
	device, err := r.engine.reg.DeviceBySerial(ctx, serial)
	if err != nil {
		r.sink.Fail(rec, coded(batch.CodeUnexpectedRecord, "An unexpected error occurred while updating custom fields of %s: %v", serial, err))
		return
	}
	if device == nil {
		r.sink.Fail(rec, coded(batch.CodeDeviceNotFound, "Device not found by serial number %s", serial))
		return
	}
	if err := r.engine.reg.UpdateCustomFields(ctx, device.ID, rec.CustomFields); err != nil {
		r.sink.Fail(rec, coded(batch.CodeUnexpectedRecord, "An unexpected error occurred while updating custom fields of %s: %v", serial, err))
	}
}
