package batch

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/micro-ha/device-intake/internal/model"
)

const reasonSeparator = "---"

// FormatErrorRecord projects rec back into exchange-file field order and
// appends the failure reason.
func FormatErrorRecord(rec model.ImportRecord, delim, reason string) string {
	if delim == "" {
		delim = defaultDelim
	}
	var b strings.Builder
	b.WriteString(strings.Join([]string{
		rec.SerialNumber,
		rec.DeviceType,
		rec.ModelName,
		rec.StockHandlerType,
		rec.LocationID,
		rec.StatusCode,
		rec.ChipsetID,
		rec.PairedSerial,
		rec.PairedModelName,
	}, delim))
	for _, cf := range rec.CustomFields {
		b.WriteString(delim)
		b.WriteString(cf.Name)
		b.WriteString(delim)
		b.WriteString(cf.Value)
	}
	b.WriteString(reasonSeparator)
	b.WriteString(reason)
	return b.String()
}

// ParseErrorRecord reverses FormatErrorRecord. Line numbers and kind are not
// part of the projection and come back zero. The reason starts after the
// last separator, so field values may contain "---" but a reason must not.
func ParseErrorRecord(line, delim string) (model.ImportRecord, string, error) {
	if delim == "" {
		delim = defaultDelim
	}
	idx := strings.LastIndex(line, reasonSeparator)
	if idx < 0 {
		return model.ImportRecord{}, "", errors.New("error record has no reason separator")
	}
	fieldsPart, reason := line[:idx], line[idx+len(reasonSeparator):]
	fields := strings.Split(fieldsPart, delim)
	if len(fields) < fixedFields || (len(fields)-fixedFields)%2 != 0 {
		return model.ImportRecord{}, "", fmt.Errorf("error record has %d fields", len(fields))
	}
	rec := model.ImportRecord{
		SerialNumber:     fields[0],
		DeviceType:       fields[1],
		ModelName:        fields[2],
		StockHandlerType: fields[3],
		LocationID:       fields[4],
		StatusCode:       fields[5],
		ChipsetID:        fields[6],
		PairedSerial:     fields[7],
		PairedModelName:  fields[8],
	}
	for i := fixedFields; i < len(fields); i += 2 {
		rec.CustomFields = append(rec.CustomFields, model.CustomField{Name: fields[i], Value: fields[i+1]})
	}
	return rec, reason, nil
}

// ErrorFile is the local .error artifact for one batch. Appends are
// serialized so concurrent workers never interleave lines.
type ErrorFile struct {
	mu    sync.Mutex
	path  string
	lines int
}

// NewErrorFile removes any stale file at path and returns an empty ErrorFile.
func NewErrorFile(path string) (*ErrorFile, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return &ErrorFile{path: path}, nil
}

func (f *ErrorFile) Path() string {
	return f.path
}

// Lines returns how many lines were appended.
func (f *ErrorFile) Lines() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines
}

// Append writes one line to the file, creating it on first use.
func (f *ErrorFile) Append(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.WriteString(strings.TrimRight(line, "\r\n") + "\n"); err != nil {
		_ = out.Close()
		return err
	}
	f.lines++
	return out.Close()
}
