package batch

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes reported back to the uploading partner.
const (
	CodeDuplicateRunID      = "EC_1"
	CodeRecordCount         = "EC_2"
	CodePairCount           = "EC_3"
	CodeMissingPairedSerial = "EC_4"
	CodeWrongDeviceType     = "EC_5"
	CodeDuplicateSerial     = "EC_6"
	CodeInvalidLocation     = "EC_8"
	CodeCustomField         = "EC_13"
	CodeDeviceNotFound      = "EC_14"
	CodePairingConflict     = "EC_15"
	CodeRunLog              = "EC_16"
	CodeUnexpectedValidate  = "EC_16a"
	CodeUnexpectedProcess   = "EC_16b"
	CodeUnexpectedRecord    = "EC_16c"
	CodeBuildList           = "EC_16d"
	CodePairing             = "EC_16e"
	CodeClassify            = "EC_16f"
	CodeInvalidCharacter    = "EC_16g"
)

// ValidationError rejects a whole batch. Message is the text written to the
// error file and already carries the code prefix when there is one.
type ValidationError struct {
	Code    string
	Line    int
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "batch validation failed"
	}
	return e.Message
}

func newValidationError(code string, line int, format string, args ...any) *ValidationError {
	msg := fmt.Sprintf(format, args...)
	if code != "" && !strings.HasPrefix(msg, code) {
		msg = code + " " + msg
	}
	return &ValidationError{Code: code, Line: line, Message: msg}
}

// AsValidationError unwraps err into a ValidationError when it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
