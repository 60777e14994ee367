package mock

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/registry"
)

// Call stores one registry invocation.
type Call struct {
	Method string
	Args   []any
}

// Registry is a programmable in-memory registry.Registry.
type Registry struct {
	mu    sync.Mutex
	Calls []Call

	// Errors forces the named method to fail.
	Errors map[string]error
	// LookupDelay slows DeviceBySerial so tests can observe concurrency.
	LookupDelay time.Duration
	// ScheduleScript is the status sequence every new schedule reports
	// before it completes. Empty means completed on the first poll.
	ScheduleScript []registry.ScheduleStatus
	// FailSerials makes perform report these serials as failed items.
	FailSerials map[string]string

	nextID        int64
	devices       map[string]*registry.Device
	pairs         map[int64]int64
	handlers      []registry.StockHandler
	fieldDefs     []registry.CustomFieldDef
	lookups       map[registry.LookupList][]registry.Lookup
	models        []registry.HardwareModel
	receives      map[int64]registry.StockReceive
	buildLists    map[int64]registry.BuildList
	staged        map[int64][]byte
	failed        map[int64][]registry.BuildListItem
	schedules     map[int64][]registry.ScheduleStatus
	customFields  map[int64][]model.CustomField
	inFlight      atomic.Int64
	peakInFlight  atomic.Int64
	locationField string
}

var _ registry.Registry = (*Registry)(nil)

// New returns an empty registry whose stock handlers expose their external
// location id under locationField.
func New(locationField string) *Registry {
	return &Registry{
		Errors:        map[string]error{},
		FailSerials:   map[string]string{},
		nextID:        1000,
		devices:       map[string]*registry.Device{},
		pairs:         map[int64]int64{},
		lookups:       map[registry.LookupList][]registry.Lookup{},
		receives:      map[int64]registry.StockReceive{},
		buildLists:    map[int64]registry.BuildList{},
		staged:        map[int64][]byte{},
		failed:        map[int64][]registry.BuildListItem{},
		schedules:     map[int64][]registry.ScheduleStatus{},
		customFields:  map[int64][]model.CustomField{},
		locationField: locationField,
	}
}

// AddStockHandler registers a stock handler for an external location id.
func (r *Registry) AddStockHandler(id int64, location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sh := registry.StockHandler{ID: id, Name: "sh-" + location}
	if location != "" {
		sh.CustomFields = map[string]string{r.locationField: location}
	}
	r.handlers = append(r.handlers, sh)
}

func (r *Registry) AddModel(id int64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models, registry.HardwareModel{ID: id, Description: name})
}

func (r *Registry) AddLookup(list registry.LookupList, id int64, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[list] = append(r.lookups[list], registry.Lookup{ID: id, Description: description})
}

func (r *Registry) AddCustomFieldDef(id int64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fieldDefs = append(r.fieldDefs, registry.CustomFieldDef{ID: id, Name: name})
}

// AddDevice stores a device and returns its id.
func (r *Registry) AddDevice(serial string, stockHandlerID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addDeviceLocked(serial, stockHandlerID)
}

// Pair links two existing devices.
func (r *Registry) Pair(serialA, serialB string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, b := r.devices[serialA], r.devices[serialB]
	if a == nil || b == nil {
		return
	}
	r.pairs[a.ID] = b.ID
	r.pairs[b.ID] = a.ID
}

// Device returns a copy of the stored device.
func (r *Registry) Device(serial string) (registry.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[serial]
	if !ok {
		return registry.Device{}, false
	}
	return *d, true
}

// PairedWith returns the serial paired with serial, if any.
func (r *Registry) PairedWith(serial string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devices[serial]
	if d == nil {
		return ""
	}
	other, ok := r.pairs[d.ID]
	if !ok {
		return ""
	}
	return r.serialLocked(other)
}

// CustomFieldsOf returns the last fields pushed for serial.
func (r *Registry) CustomFieldsOf(serial string) []model.CustomField {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devices[serial]
	if d == nil {
		return nil
	}
	return append([]model.CustomField(nil), r.customFields[d.ID]...)
}

// StagedContent returns what was uploaded for a build list.
func (r *Registry) StagedContent(buildListID int64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.staged[buildListID]...)
}

// CallsSnapshot returns copy of accumulated calls.
func (r *Registry) CallsSnapshot() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.Calls))
	copy(out, r.Calls)
	return out
}

// CallCount returns how many times method was called. Empty method counts all.
func (r *Registry) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if method == "" {
		return len(r.Calls)
	}
	n := 0
	for _, call := range r.Calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

// PeakLookups is the highest number of concurrent DeviceBySerial calls.
func (r *Registry) PeakLookups() int {
	return int(r.peakInFlight.Load())
}

func (r *Registry) record(method string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, Call{Method: method, Args: args})
	return r.Errors[method]
}

func (r *Registry) DeviceBySerial(ctx context.Context, serial string) (*registry.Device, error) {
	if err := r.record("DeviceBySerial", serial); err != nil {
		return nil, err
	}

	current := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		seen := r.peakInFlight.Load()
		if current <= seen || r.peakInFlight.CompareAndSwap(seen, current) {
			break
		}
	}
	if r.LookupDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.LookupDelay):
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[serial]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *Registry) UpdateDeviceStatus(ctx context.Context, deviceID, reasonID int64) error {
	if err := r.record("UpdateDeviceStatus", deviceID, reasonID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.deviceByIDLocked(deviceID)
	if d == nil {
		return errors.New("device not found")
	}
	d.StatusCode = r.lookupDescriptionLocked(registry.ChangeDeviceStatusReasons, reasonID)
	return nil
}

func (r *Registry) MoveDevice(ctx context.Context, deviceID, toStockHandlerID, reasonID int64) error {
	if err := r.record("MoveDevice", deviceID, toStockHandlerID, reasonID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.deviceByIDLocked(deviceID)
	if d == nil {
		return errors.New("device not found")
	}
	d.StockHandlerID = toStockHandlerID
	d.StatusCode = r.lookupDescriptionLocked(registry.TransferDeviceAtStockHandler, reasonID)
	return nil
}

func (r *Registry) Pairings(ctx context.Context, deviceID int64) ([]registry.Pairing, error) {
	if err := r.record("Pairings", deviceID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	other, ok := r.pairs[deviceID]
	if !ok {
		return nil, nil
	}
	return []registry.Pairing{{DeviceID: deviceID, PairedDeviceID: other, PairedSerial: r.serialLocked(other)}}, nil
}

func (r *Registry) PairDevices(ctx context.Context, fromDeviceID, toDeviceID, reasonID int64) error {
	if err := r.record("PairDevices", fromDeviceID, toDeviceID, reasonID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[fromDeviceID] = toDeviceID
	r.pairs[toDeviceID] = fromDeviceID
	return nil
}

func (r *Registry) UpdateCustomFields(ctx context.Context, deviceID int64, fields []model.CustomField) error {
	if err := r.record("UpdateCustomFields", deviceID, fields); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customFields[deviceID] = append([]model.CustomField(nil), fields...)
	return nil
}

func (r *Registry) StockHandlers(ctx context.Context, page int) ([]registry.StockHandler, error) {
	if err := r.record("StockHandlers", page); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if page != 1 {
		return nil, nil
	}
	return append([]registry.StockHandler(nil), r.handlers...), nil
}

func (r *Registry) DeviceCustomFields(ctx context.Context) ([]registry.CustomFieldDef, error) {
	if err := r.record("DeviceCustomFields"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.CustomFieldDef(nil), r.fieldDefs...), nil
}

func (r *Registry) Lookups(ctx context.Context, list registry.LookupList) ([]registry.Lookup, error) {
	if err := r.record("Lookups", list); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.Lookup(nil), r.lookups[list]...), nil
}

func (r *Registry) HardwareModels(ctx context.Context, page int) ([]registry.HardwareModel, error) {
	if err := r.record("HardwareModels", page); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if page != 1 {
		return nil, nil
	}
	return append([]registry.HardwareModel(nil), r.models...), nil
}

func (r *Registry) CreateStockReceive(ctx context.Context, in registry.StockReceive) (registry.StockReceive, error) {
	if err := r.record("CreateStockReceive", in); err != nil {
		return registry.StockReceive{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	in.ID = r.newIDLocked()
	r.receives[in.ID] = in
	return in, nil
}

func (r *Registry) CreateBuildList(ctx context.Context, in registry.BuildList) (registry.BuildList, error) {
	if err := r.record("CreateBuildList", in); err != nil {
		return registry.BuildList{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.receives[in.StockReceiveID]; !ok {
		return registry.BuildList{}, errors.New("stock receive not found")
	}
	in.ID = r.newIDLocked()
	r.buildLists[in.ID] = in
	return in, nil
}

func (r *Registry) ScheduleAddDevicesFromFile(ctx context.Context, buildListID int64, fileName string, content []byte) (int64, error) {
	if err := r.record("ScheduleAddDevicesFromFile", buildListID, fileName); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buildLists[buildListID]; !ok {
		return 0, errors.New("build list not found")
	}
	r.staged[buildListID] = append([]byte(nil), content...)
	return r.newScheduleLocked(), nil
}

// SchedulePerformBuildList creates every staged serial at the receiving
// stock handler, except those listed in FailSerials.
func (r *Registry) SchedulePerformBuildList(ctx context.Context, buildListID int64) (int64, error) {
	if err := r.record("SchedulePerformBuildList", buildListID); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bl, ok := r.buildLists[buildListID]
	if !ok {
		return 0, errors.New("build list not found")
	}
	target := r.receives[bl.StockReceiveID].ToStockHandlerID

	scanner := bufio.NewScanner(bytes.NewReader(r.staged[buildListID]))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		serial := fields[0]
		if reason, failed := r.FailSerials[serial]; failed {
			r.failed[buildListID] = append(r.failed[buildListID], registry.BuildListItem{SerialNumber: serial, Error: reason})
			continue
		}
		r.addDeviceLocked(serial, target)
		r.devices[serial].ModelID = bl.ModelID
	}
	return r.newScheduleLocked(), nil
}

func (r *Registry) FailedBuildListItems(ctx context.Context, buildListID int64, page int) ([]registry.BuildListItem, error) {
	if err := r.record("FailedBuildListItems", buildListID, page); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if page != 1 {
		return nil, nil
	}
	return append([]registry.BuildListItem(nil), r.failed[buildListID]...), nil
}

func (r *Registry) Schedule(ctx context.Context, scheduleID int64) (registry.ScheduleHeader, error) {
	if err := r.record("Schedule", scheduleID); err != nil {
		return registry.ScheduleHeader{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	script, ok := r.schedules[scheduleID]
	if !ok {
		return registry.ScheduleHeader{}, errors.New("schedule not found")
	}
	if len(script) == 0 {
		return registry.ScheduleHeader{ID: scheduleID, Status: registry.StatusCompleted}, nil
	}
	status := script[0]
	r.schedules[scheduleID] = script[1:]
	return registry.ScheduleHeader{ID: scheduleID, Status: status}, nil
}

func (r *Registry) newIDLocked() int64 {
	r.nextID++
	return r.nextID
}

func (r *Registry) newScheduleLocked() int64 {
	id := r.newIDLocked()
	r.schedules[id] = append([]registry.ScheduleStatus(nil), r.ScheduleScript...)
	return id
}

func (r *Registry) addDeviceLocked(serial string, stockHandlerID int64) int64 {
	if d, ok := r.devices[serial]; ok {
		d.StockHandlerID = stockHandlerID
		return d.ID
	}
	id := r.newIDLocked()
	r.devices[serial] = &registry.Device{ID: id, SerialNumber: serial, StockHandlerID: stockHandlerID}
	return id
}

func (r *Registry) deviceByIDLocked(id int64) *registry.Device {
	for _, d := range r.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (r *Registry) serialLocked(id int64) string {
	if d := r.deviceByIDLocked(id); d != nil {
		return d.SerialNumber
	}
	return ""
}

func (r *Registry) lookupDescriptionLocked(list registry.LookupList, id int64) string {
	for _, l := range r.lookups[list] {
		if l.ID == id {
			return l.Description
		}
	}
	return ""
}
