package client

import "errors"

// Error codes reported in Result.Code for failures produced locally.
const (
	CodeInvalidAction      = "invalid_action"
	CodeInvalidLicenseData = "invalid_license_data"
	CodeRequestFailed      = "http_request_failed"
	CodeInvalidResponse    = "invalid_response"
	CodeUnknown            = "UNKNOWN_ERROR"
)

// Messages used when the server does not supply one.
const (
	MessageSuccess            = "Operation successful."
	MessageUnknownError       = "Unknown error."
	MessageInvalidAction      = "Invalid Request Action."
	MessageInvalidLicenseData = "Invalid/Empty License Data."
	MessageInvalidResponse    = "Invalid response from license server."
)

var (
	// ErrInvalidAction is returned for a license action outside the fixed set.
	ErrInvalidAction = errors.New("invalid request action")
	// ErrInvalidLicenseData is returned when a record lacks required identity fields.
	ErrInvalidLicenseData = errors.New("invalid or empty license data")
	// ErrNetwork indicates the request never produced an HTTP response.
	ErrNetwork = errors.New("license server unreachable")
	// ErrRemote indicates the server answered with an error.
	ErrRemote = errors.New("license server error")
	// ErrMalformedResponse indicates a 2xx reply whose body could not be decoded.
	ErrMalformedResponse = errors.New("malformed license server response")
)

// Result is the normalized outcome of a license server call. Exactly one of
// Message (on success) or Error (on failure) is meaningful.
type Result struct {
	Success bool
	Message string
	Error   string
	Code    string
	Data    map[string]any
	// Err carries the sentinel classifying a failure; nil on success.
	Err error
}

// Failure builds a failed Result.
func Failure(err error, code, message string, data map[string]any) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{
		Success: false,
		Error:   message,
		Code:    code,
		Data:    data,
		Err:     err,
	}
}

// InvalidAction is the Result for an unknown license action.
func InvalidAction() Result {
	return Failure(ErrInvalidAction, CodeInvalidAction, MessageInvalidAction, nil)
}

// InvalidLicenseData is the Result for a record missing required fields.
func InvalidLicenseData() Result {
	return Failure(ErrInvalidLicenseData, CodeInvalidLicenseData, MessageInvalidLicenseData, nil)
}

// Bool reads a loosely typed flag from Data.
func (r Result) Bool(key string) bool {
	switch v := r.Data[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != "" && v != "0" && v != "false"
	default:
		return false
	}
}

// String reads a string field from Data.
func (r Result) String(key string) string {
	if s, ok := r.Data[key].(string); ok {
		return s
	}
	return ""
}
