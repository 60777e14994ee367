package model

import "strings"

// DeviceKind classifies a record once, at parse time.
type DeviceKind int

const (
	KindStandalone DeviceKind = iota
	KindPairing
)

func (k DeviceKind) String() string {
	switch k {
	case KindPairing:
		return "pairing"
	default:
		return "standalone"
	}
}

// CustomField is one name/value pair from the record tail. ID is filled in
// once names are resolved against the registry catalog.
type CustomField struct {
	ID    int64  `json:"id,omitempty"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ImportRecord is one data line of an exchange file.
type ImportRecord struct {
	Line             int           `json:"line"`
	SerialNumber     string        `json:"serial_number"`
	DeviceType       string        `json:"device_type"`
	ModelName        string        `json:"model_name"`
	StockHandlerType string        `json:"stock_handler_type"`
	LocationID       string        `json:"location_id"`
	StatusCode       string        `json:"status_code"`
	ChipsetID        string        `json:"chipset_id"`
	PairedSerial     string        `json:"paired_serial,omitempty"`
	PairedModelName  string        `json:"paired_model_name,omitempty"`
	CustomFields     []CustomField `json:"custom_fields,omitempty"`
	Kind             DeviceKind    `json:"kind"`
}

// IsPairing reports whether the record links a second serial.
func (r ImportRecord) IsPairing() bool {
	return r.Kind == KindPairing
}

// HasPairedSerial reports whether a paired serial was supplied.
func (r ImportRecord) HasPairedSerial() bool {
	return strings.TrimSpace(r.PairedSerial) != ""
}

// BatchHeader is the first line of an exchange file.
type BatchHeader struct {
	ExpectedRecords int `json:"expected_records"`
	ExpectedPairs   int `json:"expected_pairs"`
}

// LocationModelKey groups new devices submitted in one build list.
type LocationModelKey struct {
	LocationID string
	ModelName  string
	StatusCode string
}
