package session

import "errors"

// Error is a stable, named failure of a public engine operation. Callers
// branch on the code, which never changes between releases; the message is
// explanatory only.
type Error struct {
	Code    string
	message string
}

func (e *Error) Error() string { return e.message }

var (
	ErrMissingPermission = &Error{Code: "MISSING_PERMISSION", message: "microphone permission has not been granted"}
	ErrCannotRecord      = &Error{Code: "DEVICE_CANNOT_RECORD", message: "this device cannot record audio"}
	ErrMicrophoneBusy    = &Error{Code: "MICROPHONE_BUSY", message: "the microphone is in use by another application"}
	ErrAlreadyRecording  = &Error{Code: "ALREADY_RECORDING", message: "a recording session is already active"}
	ErrFailedToRecord    = &Error{Code: "FAILED_TO_RECORD", message: "recording could not be started"}
	ErrNotStarted        = &Error{Code: "RECORDING_HAS_NOT_STARTED", message: "no recording session has been started"}
	ErrEmptyRecording    = &Error{Code: "EMPTY_RECORDING", message: "the recording contains no audio"}
	ErrFailedToFetch     = &Error{Code: "FAILED_TO_FETCH_RECORDING", message: "the recording could not be read back"}
	ErrNotSupportedOS    = &Error{Code: "NOT_SUPPORTED_OS_VERSION", message: "pause and resume are not supported on this platform"}
	ErrPermissionQuery   = &Error{Code: "COULD_NOT_QUERY_PERMISSION_STATUS", message: "permission status could not be determined"}
)

// CodeOf returns the stable code carried by err, or the empty string when
// err is not an engine error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
