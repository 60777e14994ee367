package batch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/micro-ha/device-intake/internal/model"
)

const (
	fixedFields    = 9
	defaultDelim   = "|"
	maxLineBytes   = 1 << 20
	reservedChars  = `<>:"/\|?*`
	missingBOMText = "Input file MUST be created using UTF-8 encoding"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options controls how exchange files are split and classified.
type Options struct {
	Delimiter        string
	DeviceTypePaired string
}

func (o Options) delimiter() string {
	if o.Delimiter == "" {
		return defaultDelim
	}
	return o.Delimiter
}

// Batch is a fully validated exchange file.
type Batch struct {
	Header    model.BatchHeader
	Records   []model.ImportRecord
	PairCount int
}

// PairingRecords returns the records that link a second serial.
func (b *Batch) PairingRecords() []model.ImportRecord {
	out := make([]model.ImportRecord, 0, b.PairCount)
	for _, rec := range b.Records {
		if rec.IsPairing() {
			out = append(out, rec)
		}
	}
	return out
}

// FieldCatalog resolves custom-field names to registry ids.
type FieldCatalog interface {
	CustomFieldID(name string) (int64, bool)
}

// ResolveCustomFields fills in custom-field ids and rejects the batch on the
// first unknown name.
func (b *Batch) ResolveCustomFields(catalog FieldCatalog) error {
	for i := range b.Records {
		rec := &b.Records[i]
		for j := range rec.CustomFields {
			id, ok := catalog.CustomFieldID(rec.CustomFields[j].Name)
			if !ok {
				return newValidationError(CodeCustomField, rec.Line,
					"Custom field name %s not configured at record number: %d.", rec.CustomFields[j].Name, rec.Line)
			}
			rec.CustomFields[j].ID = id
		}
	}
	return nil
}

// ParseFile opens path and parses it.
func ParseFile(path string, opts Options) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, opts)
}

// Parse reads an exchange file in one forward pass and fails on the first
// structural violation.
func Parse(r io.Reader, opts Options) (*Batch, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(utf8BOM))
	if !bytes.Equal(head, utf8BOM) {
		return nil, &ValidationError{Message: missingBOMText}
	}

	scanner := bufio.NewScanner(unicode.UTF8BOM.NewDecoder().Reader(br))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	p := &parser{
		opts:    opts,
		delim:   opts.delimiter(),
		serials: make(map[string]int),
		batch:   &Batch{},
	}

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, headerFieldsError("")
	}
	header, err := p.parseHeader(strings.TrimRight(scanner.Text(), "\r"))
	if err != nil {
		return nil, err
	}
	p.batch.Header = header

	lineNo := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		lineNo++
		rec, err := p.parseRecord(line, lineNo)
		if err != nil {
			return nil, err
		}
		p.batch.Records = append(p.batch.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, newValidationError(CodeUnexpectedValidate, lineNo, "An unexpected error occurred. %v", err)
	}

	if header.ExpectedRecords != len(p.batch.Records) {
		return nil, newValidationError(CodeRecordCount, 0,
			"Headerfield NumberOfRecords does not match the number of records in the file. Expected: %d actual: %d. ",
			header.ExpectedRecords, len(p.batch.Records))
	}
	if header.ExpectedPairs != p.batch.PairCount {
		return nil, newValidationError(CodePairCount, 0,
			"Headerfield NumberOfPairs %d does not match the number of pairing records in the file %d. ",
			header.ExpectedPairs, p.batch.PairCount)
	}
	return p.batch, nil
}

type parser struct {
	opts    Options
	delim   string
	serials map[string]int
	batch   *Batch
}

func (p *parser) parseHeader(line string) (model.BatchHeader, error) {
	fields := strings.Split(line, p.delim)
	if len(fields) != 2 {
		return model.BatchHeader{}, headerFieldsError(line)
	}
	records, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return model.BatchHeader{}, &ValidationError{Message: fmt.Sprintf(
			"Error: The Header Record value for Expected Number of Records is NOT an integer value. The value read was '%s'. Please correct your data file.",
			fields[0])}
	}
	pairs, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return model.BatchHeader{}, &ValidationError{Message: fmt.Sprintf(
			"Error: The Header Record value for Expected Number of Pairings is NOT an integer value. The value read was '%s'. Please correct your data file.",
			fields[1])}
	}
	return model.BatchHeader{ExpectedRecords: records, ExpectedPairs: pairs}, nil
}

func headerFieldsError(line string) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(
		"Error: The Header Record should contain exactly two fields. The Header Record found was '%s'. Please correct your data file.", line)}
}

func (p *parser) parseRecord(line string, lineNo int) (model.ImportRecord, error) {
	fields := strings.Split(line, p.delim)
	if len(fields) < fixedFields {
		return model.ImportRecord{}, newValidationError(CodeUnexpectedRecord, lineNo,
			"An unexpected error occurred. Record number %d contains %d fields; at least %d are required.",
			lineNo, len(fields), fixedFields)
	}

	rec := model.ImportRecord{
		Line:             lineNo,
		SerialNumber:     fields[0],
		DeviceType:       fields[1],
		ModelName:        strings.TrimSpace(fields[2]),
		StockHandlerType: fields[3],
		LocationID:       strings.TrimSpace(fields[4]),
		StatusCode:       fields[5],
		ChipsetID:        fields[6],
	}
	if p.opts.DeviceTypePaired != "" && rec.DeviceType == p.opts.DeviceTypePaired {
		rec.Kind = model.KindPairing
	}

	if _, dup := p.serials[rec.SerialNumber]; dup {
		return model.ImportRecord{}, newValidationError(CodeDuplicateSerial, lineNo,
			"Duplicate serial number found in file %s. ", rec.SerialNumber)
	}
	if hasReservedChar(rec.ModelName) {
		return model.ImportRecord{}, newValidationError(CodeInvalidCharacter, lineNo,
			"The 'Model Name', field 3, contains an invalid character")
	}
	if hasReservedChar(rec.LocationID) {
		return model.ImportRecord{}, newValidationError(CodeInvalidCharacter, lineNo,
			"The 'Location ID', field 5, contains an invalid character")
	}
	p.serials[rec.SerialNumber] = lineNo

	paired := fields[7]
	switch {
	case paired != "" && !rec.IsPairing():
		return model.ImportRecord{}, newValidationError(CodeWrongDeviceType, lineNo,
			"Pairing record (%d) does not have the correct DeviceType %s. ", lineNo, p.opts.DeviceTypePaired)
	case paired == "" && rec.IsPairing():
		return model.ImportRecord{}, newValidationError(CodeMissingPairedSerial, lineNo,
			"Pairing record (%d) does not have content in the field SmartCardSerialNumberToPair.", lineNo)
	case paired != "":
		if _, dup := p.serials[paired]; dup {
			return model.ImportRecord{}, newValidationError(CodeDuplicateSerial, lineNo,
				"Duplicate serial number found in file %s. ", paired)
		}
		rec.PairedSerial = paired
		rec.PairedModelName = strings.TrimSpace(fields[8])
		if hasReservedChar(rec.PairedModelName) {
			return model.ImportRecord{}, newValidationError(CodeInvalidCharacter, lineNo,
				"The 'Smart Card To Pair Model Name', field 9, contains an invalid character")
		}
		p.serials[paired] = lineNo
	}
	if rec.IsPairing() {
		p.batch.PairCount++
	}

	if extra := fields[fixedFields:]; len(extra) > 0 {
		if len(extra)%2 != 0 {
			return model.ImportRecord{}, newValidationError(CodeCustomField, lineNo,
				"An odd number of fields supplied at record number: %d", lineNo)
		}
		for i := 0; i < len(extra); i += 2 {
			name, value := extra[i], extra[i+1]
			if value == "" {
				return model.ImportRecord{}, newValidationError(CodeCustomField, lineNo,
					"Value not provided for Custom Field %s at record number: %d.", name, lineNo)
			}
			rec.CustomFields = append(rec.CustomFields, model.CustomField{Name: name, Value: value})
		}
	}

	if rec.LocationID == "" {
		return model.ImportRecord{}, newValidationError(CodeInvalidLocation, lineNo,
			"LocationID is blank for record number: %d.", lineNo)
	}
	return rec, nil
}

func hasReservedChar(value string) bool {
	if strings.ContainsAny(value, reservedChars) {
		return true
	}
	for _, r := range value {
		if r < 0x20 {
			return true
		}
	}
	return false
}
