package license

import "fmt"

// Code classifies a validation or admin failure so front doors can map it
// to a transport-level response.
type Code string

const (
	CodeUserNotFound      Code = "USER_NOT_FOUND"
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"
	CodeLicenseExpired    Code = "LICENSE_EXPIRED"
	CodeDeviceLimit       Code = "DEVICE_LIMIT_REACHED"
	CodeUserExists        Code = "USER_EXISTS"
	CodeMalformedDate     Code = "MALFORMED_DATE"
	CodeCorruptCredential Code = "CORRUPT_CREDENTIAL"
	CodeStoreIO           Code = "STORE_IO"
)

// Error is the caller-visible failure for login and admin operations.
// MaxDevices and Devices are populated for CodeDeviceLimit only.
type Error struct {
	Code       Code
	Message    string
	MaxDevices int
	Devices    []string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// StoreError wraps a persistence failure. Never retried here; the caller
// may retry the whole request.
func StoreError(err error) *Error {
	return &Error{Code: CodeStoreIO, Message: "storage failure", Err: err}
}
