package invocation

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptrunner/internal/schema"
)

// Error kinds. Anything else returned by the pipeline is unclassified.
var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrCompilation         = errors.New("template compilation failed")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrOutputValidation    = errors.New("output validation failed")
	ErrPatch               = errors.New("transformation patch failed")
)

// Error describes which stage of an invocation failed. It matches its Kind
// and its cause with errors.Is.
type Error struct {
	Op           string
	Kind         error
	InvocationID uuid.UUID
	Details      []schema.ErrorDetail
	Err          error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Kind != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of err, or nil when err is unclassified.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, kind := range []error{ErrNotFound, ErrValidation, ErrCompilation, ErrUnsupportedProvider, ErrOutputValidation, ErrPatch} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func stageError(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
