package registry

import (
	"context"

	"github.com/micro-ha/device-intake/internal/model"
)

// LookupList names a reason list on the registry side.
type LookupList string

const (
	NewStockReceiveReasons       LookupList = "NewStockReceiveReasons"
	PairDevicesReasons           LookupList = "PairDevicesReasons"
	TransferDeviceAtStockHandler LookupList = "TransferDeviceAtStockHandlerReasons"
	ChangeDeviceStatusReasons    LookupList = "ChangeDeviceStatusReasons"
	UpdateDeviceReasons          LookupList = "UpdateDeviceReasons"
)

type Device struct {
	ID             int64  `json:"id"`
	SerialNumber   string `json:"serialNumber"`
	StockHandlerID int64  `json:"stockHandlerId"`
	StatusCode     string `json:"statusCode,omitempty"`
	ModelID        int64  `json:"modelId,omitempty"`
}

type Pairing struct {
	DeviceID       int64  `json:"deviceId"`
	PairedDeviceID int64  `json:"pairedDeviceId"`
	PairedSerial   string `json:"pairedSerialNumber"`
}

type StockHandler struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type Lookup struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
}

type HardwareModel struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
}

type CustomFieldDef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type StockReceive struct {
	ID                 int64 `json:"id,omitempty"`
	FromStockHandlerID int64 `json:"fromStockHandlerId"`
	ToStockHandlerID   int64 `json:"toStockHandlerId"`
	ReasonID           int64 `json:"reasonId"`
}

type BuildList struct {
	ID             int64 `json:"id,omitempty"`
	StockReceiveID int64 `json:"stockReceiveId"`
	ModelID        int64 `json:"modelId"`
}

type BuildListItem struct {
	SerialNumber string `json:"serialNumber"`
	Error        string `json:"error"`
}

// Registry is the device registry as the reconciliation engine sees it.
// Paged calls return an empty slice past the last page. DeviceBySerial
// returns nil, nil for unknown serials.
type Registry interface {
	DeviceBySerial(ctx context.Context, serial string) (*Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID, reasonID int64) error
	MoveDevice(ctx context.Context, deviceID, toStockHandlerID, reasonID int64) error
	Pairings(ctx context.Context, deviceID int64) ([]Pairing, error)
	PairDevices(ctx context.Context, fromDeviceID, toDeviceID, reasonID int64) error
	UpdateCustomFields(ctx context.Context, deviceID int64, fields []model.CustomField) error

	StockHandlers(ctx context.Context, page int) ([]StockHandler, error)
	DeviceCustomFields(ctx context.Context) ([]CustomFieldDef, error)
	Lookups(ctx context.Context, list LookupList) ([]Lookup, error)
	HardwareModels(ctx context.Context, page int) ([]HardwareModel, error)

	CreateStockReceive(ctx context.Context, in StockReceive) (StockReceive, error)
	CreateBuildList(ctx context.Context, in BuildList) (BuildList, error)
	ScheduleAddDevicesFromFile(ctx context.Context, buildListID int64, fileName string, content []byte) (int64, error)
	SchedulePerformBuildList(ctx context.Context, buildListID int64) (int64, error)
	FailedBuildListItems(ctx context.Context, buildListID int64, page int) ([]BuildListItem, error)
	Schedule(ctx context.Context, scheduleID int64) (ScheduleHeader, error)
}
