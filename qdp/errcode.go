package qdp

import "fmt"

// ErrorCode is the code carried by a CERR reply.
type ErrorCode uint16

const (
	ErrCodePermission      ErrorCode = iota // No permission
	ErrCodeTooManyServers                   // Port in use
	ErrCodeNotRegistered                    // You are not registered
	ErrCodeInvalidRegister                  // Invalid registration request
	ErrCodeParameter                        // Parameter error
	ErrCodeStructNotValid                   // Structure not valid
	ErrCodeControlOnly                      // Control port only
	ErrCodeSpecialOnly                      // Special port only
	ErrCodeMemoryBusy                       // Memory operation already in progress
	ErrCodeCalibrating                      // Calibration in progress
	ErrCodeDataNotAvail                     // Data not available
	ErrCodeConsoleOnly                      // Console port only
	ErrCodeMemoryErase                      // Flash memory erase or write error
)

var errorCodeText = [...]string{
	ErrCodePermission:      "no permission",
	ErrCodeTooManyServers:  "port in use",
	ErrCodeNotRegistered:   "not registered",
	ErrCodeInvalidRegister: "invalid registration request",
	ErrCodeParameter:       "parameter error",
	ErrCodeStructNotValid:  "structure not valid",
	ErrCodeControlOnly:     "control port only",
	ErrCodeSpecialOnly:     "special port only",
	ErrCodeMemoryBusy:      "memory operation already in progress",
	ErrCodeCalibrating:     "calibration in progress",
	ErrCodeDataNotAvail:    "data not available",
	ErrCodeConsoleOnly:     "console port only",
	ErrCodeMemoryErase:     "memory erase or write error",
}

// Error implements error.
func (c ErrorCode) Error() string {
	if int(c) < len(errorCodeText) {
		return "qdp: device error: " + errorCodeText[c]
	}

	return fmt.Sprintf("qdp: device error %d", uint16(c))
}

// String returns the short description of the code.
func (c ErrorCode) String() string {
	if int(c) < len(errorCodeText) {
		return errorCodeText[c]
	}

	return fmt.Sprintf("error %d", uint16(c))
}
