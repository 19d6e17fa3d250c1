package quote

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError rejects a request before any carrier is called.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// AllFailedError means no carrier produced an answer. Causes keeps each
// carrier's error; Unwrap exposes them to errors.Is.
type AllFailedError struct {
	Causes map[string]error
}

func (e *AllFailedError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Causes[name].Error())
	}
	return "every carrier failed: " + strings.Join(parts, "; ")
}

func (e *AllFailedError) Unwrap() error {
	errs := make([]error, 0, len(e.Causes))
	for _, err := range e.Causes {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "cep":
		reason = "must be an 8-digit postal code"
	case "gt":
		reason = "must be greater than " + fe.Param()
	case "gte":
		reason = "must be at least " + fe.Param()
	case "min":
		reason = "needs at least " + fe.Param() + " entries"
	default:
		reason = "failed " + fe.Tag() + " check"
	}
	return &ValidationError{Field: field, Reason: reason}
}
