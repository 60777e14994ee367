package reconcile

import (
	"context"
	"fmt"

	"github.com/micro-ha/device-intake/internal/batch"
	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/registry"
)

// pair links every pairing record that survived the earlier phases.
func (r *batchRun) pair(ctx context.Context) error {
	records := r.pending(r.cls.sortedPairings())
	return r.runPooled(ctx, "pairing", len(records), func(ctx context.Context, i int) {
		if err := r.pairOne(ctx, records[i]); err != nil {
			r.sink.Fail(records[i], coded(batch.CodePairing, "An unexpected error occurred while pairing %s with %s: %v",
				records[i].SerialNumber, records[i].PairedSerial, err))
		}
	})
}

// pairOne reports expected business failures to the sink itself and returns
// only unexpected errors.
func (r *batchRun) pairOne(ctx context.Context, rec model.ImportRecord) error {
	reasonID := r.cat.ReasonID(registry.PairDevicesReasons, rec.StatusCode)
	if reasonID == 0 {
		r.sink.Fail(rec, coded(batch.CodePairing, "Reason %s/%s not defined", registry.PairDevicesReasons, rec.StatusCode))
		return nil
	}

	from, err := r.engine.reg.DeviceBySerial(ctx, rec.SerialNumber)
	if err != nil {
		return err
	}
	if from == nil {
		r.sink.Fail(rec, coded(batch.CodeDeviceNotFound, "Device not found by serial number %s", rec.SerialNumber))
		return nil
	}
	to, err := r.engine.reg.DeviceBySerial(ctx, rec.PairedSerial)
	if err != nil {
		return err
	}
	if to == nil {
		r.sink.Fail(rec, coded(batch.CodeDeviceNotFound, "Device not found by serial number %s", rec.PairedSerial))
		return nil
	}

	alreadyPaired, err := r.checkPartner(ctx, rec, from, to)
	if err != nil || alreadyPaired {
		return err
	}
	if _, err := r.checkPartner(ctx, rec, to, from); err != nil {
		return err
	}
	if r.sink.HasFailed(rec) {
		return nil
	}
	return r.engine.reg.PairDevices(ctx, from.ID, to.ID, reasonID)
}

// checkPartner reports whether device is already paired with want. A pairing
// with any other device is recorded as a conflict.
func (r *batchRun) checkPartner(ctx context.Context, rec model.ImportRecord, device, want *registry.Device) (bool, error) {
	pairings, err := r.engine.reg.Pairings(ctx, device.ID)
	if err != nil {
		return false, fmt.Errorf("get pairings of %s: %w", device.SerialNumber, err)
	}
	for _, p := range pairings {
		if p.PairedDeviceID == want.ID {
			return true, nil
		}
	}
	for _, p := range pairings {
		if p.PairedDeviceID != 0 {
			r.sink.Fail(rec, fmt.Sprintf("%s|Device %s is currently paired with device %s and cannot be repaired",
				batch.CodePairingConflict, device.SerialNumber, p.PairedSerial))
			return false, nil
		}
	}
	return false, nil
}

// pending drops records that already failed.
func (r *batchRun) pending(records []model.ImportRecord) []model.ImportRecord {
	out := make([]model.ImportRecord, 0, len(records))
	for _, rec := range records {
		if !r.sink.HasFailed(rec) {
			out = append(out, rec)
		}
	}
	return out
}
