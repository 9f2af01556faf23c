package session

type ErrorCode string

const (
	ErrorCodeValidation    ErrorCode = "validation_error"
	ErrorCodeStage         ErrorCode = "invalid_stage"
	ErrorCodeOffline       ErrorCode = "transport_offline"
	ErrorCodeSessionCreate ErrorCode = "session_create_failed"
	ErrorCodeTransport     ErrorCode = "transport_error"
)

// Error is the controller's error surface. Fields carries per-field intake
// errors; Retryable marks failures the UI should offer a retry banner for.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Fields    map[string]string
	Err       error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
