package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/micro-ha/device-intake/internal/batch"
	"github.com/micro-ha/device-intake/internal/logging"
	"github.com/micro-ha/device-intake/internal/registry"
	"github.com/micro-ha/device-intake/internal/registry/mock"
)

const (
	pairedType = "STB-P"
	locField   = "LocationId"
)

var mutatingCalls = []string{
	"UpdateDeviceStatus", "MoveDevice", "PairDevices", "UpdateCustomFields",
	"CreateStockReceive", "CreateBuildList", "ScheduleAddDevicesFromFile", "SchedulePerformBuildList",
}

func newRegistry() *mock.Registry {
	reg := mock.New(locField)
	reg.AddStockHandler(1, "MFR")
	reg.AddStockHandler(10, "LOC1")
	reg.AddStockHandler(20, "LOC2")
	reg.AddModel(100, "ModelA")
	reg.AddModel(200, "CardModel")
	reg.AddCustomFieldDef(7, "Warranty")
	for i, list := range []registry.LookupList{
		registry.NewStockReceiveReasons,
		registry.PairDevicesReasons,
		registry.TransferDeviceAtStockHandler,
		registry.ChangeDeviceStatusReasons,
		registry.UpdateDeviceReasons,
	} {
		reg.AddLookup(list, int64(30+i), "NEW")
	}
	return reg
}

func newEngine(t *testing.T, reg registry.Registry, workers int) *Engine {
	t.Helper()
	e := New(reg, Config{
		Delimiter:                  "|",
		DefaultSmartCardModel:      "CardModel",
		ManufacturerStockHandlerID: 1,
		LocationField:              locField,
		BuildListDir:               t.TempDir(),
		MaxWorkers:                 workers,
		DrainTimeout:               5 * time.Second,
		SchedulePollInterval:       time.Millisecond,
		AddTimeout:                 time.Second,
		PerformTimeout:             time.Second,
	}, logging.Discard())
	seq := 0
	e.newID = func() string {
		seq++
		return fmt.Sprintf("id%d", seq)
	}
	return e
}

func parse(t *testing.T, lines ...string) *batch.Batch {
	t.Helper()
	input := "\xEF\xBB\xBF" + strings.Join(lines, "\n") + "\n"
	b, err := batch.Parse(strings.NewReader(input), batch.Options{Delimiter: "|", DeviceTypePaired: pairedType})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return b
}

func newErrorFile(t *testing.T) *batch.ErrorFile {
	t.Helper()
	f, err := batch.NewErrorFile(filepath.Join(t.TempDir(), "batch.error"))
	if err != nil {
		t.Fatalf("NewErrorFile: %v", err)
	}
	return f
}

func TestRunCreatesNewDevicesGroupedByKey(t *testing.T) {
	reg := newRegistry()
	e := newEngine(t, reg, 5)
	b := parse(t,
		"2|0",
		"SN1|STB|ModelA|MFR|LOC1|NEW|CHIP1||",
		"SN2|STB|ModelA|MFR|LOC1|NEW|CHIP2||",
	)

	out, err := e.Run(context.Background(), b, newErrorFile(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Failed != 0 || out.Succeeded != 2 {
		t.Fatalf("expected 2 successes, got %+v", out)
	}
	if len(out.StagingFiles) != 1 {
		t.Fatalf("expected one staging group, got %v", out.StagingFiles)
	}
	if base := filepath.Base(out.StagingFiles[0]); base != "BuildList_LOC1_ModelA.id1.txt" {
		t.Fatalf("unexpected staging name %q", base)
	}
	content, err := os.ReadFile(out.StagingFiles[0])
	if err != nil {
		t.Fatalf("read staging file: %v", err)
	}
	if string(content) != "SN1 CHIP1\nSN2 CHIP2\n" {
		t.Fatalf("unexpected staging content %q", content)
	}

	for _, serial := range []string{"SN1", "SN2"} {
		d, ok := reg.Device(serial)
		if !ok || d.StockHandlerID != 10 || d.ModelID != 100 {
			t.Fatalf("expected %s created at LOC1 with ModelA, got %+v %v", serial, d, ok)
		}
	}
	if got := reg.CallCount("CreateBuildList"); got != 1 {
		t.Fatalf("expected one build list, got %d", got)
	}
}

func TestRunReportsPairingConflict(t *testing.T) {
	reg := newRegistry()
	reg.AddDevice("SN1", 10)
	reg.AddDevice("SC1", 10)
	reg.AddDevice("SC-OTHER", 10)
	reg.Pair("SC1", "SC-OTHER")

	e := newEngine(t, reg, 5)
	b := parse(t,
		"2|1",
		"SN1|STB-P|ModelA|MFR|LOC1|NEW|CHIP1|SC1|CardModel",
		"SN2|STB|ModelA|MFR|LOC1|NEW|CHIP2||",
	)
	errs := newErrorFile(t)

	out, err := e.Run(context.Background(), b, errs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Failed != 1 || out.Succeeded != 1 {
		t.Fatalf("expected one failure and one success, got %+v", out)
	}
	want := "EC_15|Device SC1 is currently paired with device SC-OTHER and cannot be repaired"
	if len(out.Lines) != 1 || !strings.HasSuffix(out.Lines[0], "---"+want) {
		t.Fatalf("unexpected failure lines: %v", out.Lines)
	}
	if errs.Lines() != 1 {
		t.Fatalf("expected one error file line, got %d", errs.Lines())
	}
	if got := reg.CallCount("PairDevices"); got != 0 {
		t.Fatalf("expected no pair request, got %d", got)
	}
	if reg.PairedWith("SC1") != "SC-OTHER" {
		t.Fatalf("existing pairing must be untouched")
	}
}

func TestRunPairsNewDeviceAndSmartCard(t *testing.T) {
	reg := newRegistry()
	e := newEngine(t, reg, 5)
	b := parse(t,
		"1|1",
		"SN1|STB-P|ModelA|MFR|LOC1|NEW|CHIP1|SC1||Warranty|24",
	)

	out, err := e.Run(context.Background(), b, newErrorFile(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Failed != 0 {
		t.Fatalf("unexpected failures: %v", out.Lines)
	}
	if len(out.StagingFiles) != 2 {
		t.Fatalf("expected device and smart card groups, got %v", out.StagingFiles)
	}
	if !strings.Contains(filepath.Base(out.StagingFiles[1]), "BuildList_LOC1_CardModel.") {
		t.Fatalf("expected default smart card model group, got %v", out.StagingFiles)
	}
	if reg.PairedWith("SN1") != "SC1" {
		t.Fatalf("expected SN1 paired with SC1")
	}
	for _, serial := range []string{"SN1", "SC1"} {
		fields := reg.CustomFieldsOf(serial)
		if len(fields) != 1 || fields[0].ID != 7 || fields[0].Value != "24" {
			t.Fatalf("unexpected custom fields on %s: %+v", serial, fields)
		}
	}
}

func TestRunUpdatesExistingDevices(t *testing.T) {
	reg := newRegistry()
	stayID := reg.AddDevice("STAY", 10)
	moveID := reg.AddDevice("MOVE", 10)
	e := newEngine(t, reg, 2)
	b := parse(t,
		"2|0",
		"STAY|STB|ModelA|MFR|LOC1|NEW|C1||",
		"MOVE|STB|ModelA|MFR|LOC2|NEW|C2||",
	)

	out, err := e.Run(context.Background(), b, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Failed != 0 {
		t.Fatalf("unexpected failures: %v", out.Lines)
	}

	var statusCalls, moveCalls []mock.Call
	for _, call := range reg.CallsSnapshot() {
		switch call.Method {
		case "UpdateDeviceStatus":
			statusCalls = append(statusCalls, call)
		case "MoveDevice":
			moveCalls = append(moveCalls, call)
		}
	}
	if len(statusCalls) != 1 || statusCalls[0].Args[0] != stayID {
		t.Fatalf("expected status update for STAY, got %+v", statusCalls)
	}
	if len(moveCalls) != 1 || moveCalls[0].Args[0] != moveID || moveCalls[0].Args[1] != int64(20) {
		t.Fatalf("expected move of MOVE to 20, got %+v", moveCalls)
	}
	if got := reg.CallCount("CreateStockReceive"); got != 0 {
		t.Fatalf("expected no build lists for known devices, got %d", got)
	}
}

func TestRunNeverExceedsWorkerCap(t *testing.T) {
	reg := newRegistry()
	reg.LookupDelay = 5 * time.Millisecond
	e := newEngine(t, reg, 3)

	lines := []string{"20|0"}
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf("SN%02d|STB|ModelA|MFR|LOC1|NEW|C%d||", i, i))
	}
	out, err := e.Run(context.Background(), parse(t, lines...), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Succeeded != 20 {
		t.Fatalf("expected 20 successes, got %+v", out)
	}
	if peak := reg.PeakLookups(); peak > 3 || peak < 2 {
		t.Fatalf("expected concurrent lookups capped at 3, got %d", peak)
	}
	if peak := e.Peak("classify"); peak > 3 {
		t.Fatalf("classify pool exceeded cap: %d", peak)
	}
}

func TestRunUnknownCustomFieldMakesNoMutatingCalls(t *testing.T) {
	reg := newRegistry()
	e := newEngine(t, reg, 5)
	b := parse(t,
		"1|0",
		"SN1|STB|ModelA|MFR|LOC1|NEW|C1|||Colour|red",
	)

	_, err := e.Run(context.Background(), b, nil)
	verr, ok := batch.AsValidationError(err)
	if !ok || verr.Code != batch.CodeCustomField {
		t.Fatalf("expected EC_13 validation error, got %v", err)
	}
	for _, method := range append([]string{"DeviceBySerial"}, mutatingCalls...) {
		if got := reg.CallCount(method); got != 0 {
			t.Fatalf("expected no %s calls, got %d", method, got)
		}
	}
}

func TestRunCatalogFailureIsFatal(t *testing.T) {
	reg := newRegistry()
	reg.Errors["Lookups"] = errors.New("registry unavailable")
	e := newEngine(t, reg, 5)

	_, err := e.Run(context.Background(), parse(t, "1|0", "SN1|STB|ModelA|MFR|LOC1|NEW|C1||"), nil)
	var catErr *registry.CatalogError
	if !errors.As(err, &catErr) {
		t.Fatalf("expected CatalogError, got %v", err)
	}
	if got := reg.CallCount("DeviceBySerial"); got != 0 {
		t.Fatalf("expected no classification after catalog failure, got %d", got)
	}
}

func TestRunRecordsBuildListFailures(t *testing.T) {
	reg := newRegistry()
	reg.FailSerials["SN2"] = "serial already retired"
	e := newEngine(t, reg, 5)
	b := parse(t,
		"3|0",
		"SN1|STB|ModelA|MFR|LOC1|NEW|C1||",
		"SN2|STB|ModelA|MFR|LOC1|NEW|C2||",
		"SN3|STB|ModelA|MFR|NOWHERE|NEW|C3||",
	)

	out, err := e.Run(context.Background(), b, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Failed != 2 || out.Succeeded != 1 {
		t.Fatalf("expected 2 failures, got %+v", out)
	}
	joined := strings.Join(out.Lines, "\n")
	if !strings.Contains(joined, "EC_16d Device SN2 could not be created: serial already retired") {
		t.Fatalf("missing build list failure: %s", joined)
	}
	if !strings.Contains(joined, "EC_8 LocationID NOWHERE is not a valid StockHandler") {
		t.Fatalf("missing location failure: %s", joined)
	}
}

func TestRunFailsGroupWhenScheduleFails(t *testing.T) {
	reg := newRegistry()
	reg.ScheduleScript = []registry.ScheduleStatus{registry.StatusPending, registry.StatusFailed}
	e := newEngine(t, reg, 5)
	b := parse(t,
		"2|0",
		"SN1|STB|ModelA|MFR|LOC1|NEW|C1||",
		"SN2|STB|ModelA|MFR|LOC1|NEW|C2||",
	)

	out, err := e.Run(context.Background(), b, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Failed != 2 {
		t.Fatalf("expected whole group to fail, got %+v", out)
	}
	for _, line := range out.Lines {
		if !strings.Contains(line, "---EC_16d ") {
			t.Fatalf("expected EC_16d failure, got %q", line)
		}
	}
	if got := reg.CallCount("SchedulePerformBuildList"); got != 0 {
		t.Fatalf("perform must not run after a failed add, got %d", got)
	}
}

func TestRunClassificationErrorIsPerRecord(t *testing.T) {
	reg := newRegistry()
	reg.Errors["DeviceBySerial"] = errors.New("lookup timed out")
	e := newEngine(t, reg, 5)

	out, err := e.Run(context.Background(), parse(t, "1|0", "SN1|STB|ModelA|MFR|LOC1|NEW|C1||"), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Failed != 1 || !strings.Contains(out.Lines[0], "EC_16f An unexpected error occurred while classifying record: SN1") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}
