package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrValidation                = errors.New("validation failed")
	ErrNotFound                  = errors.New("not found")
	ErrConcurrentModification    = errors.New("concurrent modification")
	ErrStorageVerificationFailed = errors.New("storage verification failed")
	ErrStorageUnavailable        = errors.New("storage unavailable")
	ErrFetchFailed               = errors.New("fetch failed")
	ErrExternalUploadFailed      = errors.New("external upload failed")
	ErrExternalService           = errors.New("external service error")
	ErrTimeout                   = errors.New("timed out waiting for run")
	ErrRunFailed                 = errors.New("run failed")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every field problem found in one request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Add appends a field problem.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field was rejected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid is shorthand for a single-field validation error.
func Invalid(field, message string) error {
	v := &ValidationError{}
	v.Add(field, message)
	return v
}

// RunFailedError reports a run that reached a terminal status other than completed.
type RunFailedError struct {
	RunID  string
	Status string
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s ended with status %q", e.RunID, e.Status)
}

func (e *RunFailedError) Unwrap() error { return ErrRunFailed }

// TransportError wraps a non-success response from storage or the AI service.
// Kind is one of the sentinels above so callers can use errors.Is.
type TransportError struct {
	Op         string
	Kind       error
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil && e.Body == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Transport builds a TransportError of the given kind around cause.
func Transport(op string, kind error, statusCode int, body string, cause error) error {
	return &TransportError{Op: op, Kind: kind, StatusCode: statusCode, Body: body, Err: cause}
}

// HTTPStatus maps pipeline errors to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, ErrStorageVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrRunFailed),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrFetchFailed),
		errors.Is(err, ErrExternalUploadFailed),
		errors.Is(err, ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConcurrentModification):
		return "CONCURRENT_MODIFICATION"
	case errors.Is(err, ErrStorageVerificationFailed):
		return "STORAGE_VERIFICATION_FAILED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrRunFailed):
		return "RUN_FAILED"
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, ErrFetchFailed):
		return "FETCH_FAILED"
	case errors.Is(err, ErrExternalUploadFailed):
		return "EXTERNAL_UPLOAD_FAILED"
	case errors.Is(err, ErrExternalService):
		return "EXTERNAL_SERVICE_ERROR"
	default:
		return "INTERNAL"
	}
}

// IsPermanent reports errors that retrying the same task cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConcurrentModification)
}
