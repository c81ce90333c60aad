package errors

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Errors combines multiple errors into one, i.e. every problem found while validating a request
type Errors []error

// ErrIf appends an error with failureMessage if the condition is true
// Returns the condition to allow for further conditional checks
func (e *Errors) ErrIf(condition bool, failureMessage string, formatArgs ...interface{}) bool {
	if condition {
		*e = append(*e, errors.Errorf(failureMessage, formatArgs...))
	}
	return condition
}

// AddErr appends err if it is not nil. Nested Errors are flattened
func (e *Errors) AddErr(err error) bool {
	if err == nil {
		return true
	}
	if errs, ok := err.(Errors); ok {
		*e = append(*e, errs...)
	} else {
		*e = append(*e, err)
	}
	return false
}

// ErrOrNil returns e if an error is present, otherwise returns nil
func (e Errors) ErrOrNil() error {
	switch len(e) {
	case 0:
		return nil
	case 1:
		return e[0]
	default:
		return e
	}
}

// Strings returns each error's message
func (e Errors) Strings() []string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return messages
}

func (e Errors) Error() string {
	return strings.Join(e.Strings(), "\n")
}

// MarshalJSON renders each error as {"Description": "..."} unless it can marshal itself
func (e Errors) MarshalJSON() ([]byte, error) {
	errs := make([]interface{}, 0, len(e))
	for _, err := range e {
		switch err := err.(type) {
		case json.Marshaler:
			errs = append(errs, err)
		default:
			errs = append(errs, map[string]interface{}{"Description": err.Error()})
		}
	}
	return json.Marshal(errs)
}

// Retryable marks an error as transient. The same request may succeed if the user tries again
type Retryable struct {
	cause error
}

// NewRetryable wraps err as a Retryable error. Returns nil if err is nil
func NewRetryable(err error) error {
	if err == nil {
		return nil
	}
	return Retryable{cause: err}
}

func (r Retryable) Error() string {
	return r.cause.Error()
}

// Cause implements the pkg/errors causer interface
func (r Retryable) Cause() error {
	return r.cause
}

// IsRetryable returns true if err, or any error it wraps, is Retryable
func IsRetryable(err error) bool {
	for err != nil {
		if _, ok := err.(Retryable); ok {
			return true
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = causer.Cause()
	}
	return false
}
