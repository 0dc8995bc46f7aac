package metrics

// ErrorType classifies misuse of the metric API. Errors are counted, not
// returned to the caller.
type ErrorType string

const (
	ErrorInvalidValue    ErrorType = "invalid_value"
	ErrorInvalidLabel    ErrorType = "invalid_label"
	ErrorInvalidState    ErrorType = "invalid_state"
	ErrorInvalidOverflow ErrorType = "invalid_overflow"
	ErrorInvalidType     ErrorType = "invalid_type"
)

// ErrorTypes lists every error type.
var ErrorTypes = []ErrorType{
	ErrorInvalidValue,
	ErrorInvalidLabel,
	ErrorInvalidState,
	ErrorInvalidOverflow,
	ErrorInvalidType,
}

// ErrorCategory is the category of the counters errors are recorded in.
const ErrorCategory = "glean.error"
