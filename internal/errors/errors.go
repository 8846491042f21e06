// Package errors provides the structured error type returned by the
// HTTP layer and used to carry a status through the service.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/calfeed/calfeed/internal/calfeed"
)

// Error is the universal error shape between the service layers.
type Error struct {
	Status  int
	Err     error // The error this wraps
	Details []Detail
}

type Detail struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s, details: %v", e.Status, e.message(), e.Details)
}

// message never dereferences a nil Err: an Error built from only a
// status and details still has to render.
func (e *Error) message() string {
	if e.Err == nil {
		return http.StatusText(e.Status)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type transport struct {
	Message string   `json:"message"`
	Details []Detail `json:"details"`
	Status  int      `json:"status"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(transport{
		Message: e.message(),
		Details: e.Details,
		Status:  e.Status,
	})
}

func (e *Error) UnmarshalJSON(byts []byte) error {
	t := transport{}
	if err := json.Unmarshal(byts, &t); err != nil {
		return err
	}

	e.Err = errors.New(t.Message)
	e.Details = t.Details
	e.Status = t.Status
	return nil
}

// E builds an Error out of whatever it's given: a string or error
// becomes the wrapped error, an int the status, and Details are
// appended.
func E(args ...any) *Error {
	ret := &Error{
		Status:  http.StatusInternalServerError,
		Err:     nil,
		Details: nil,
	}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case int:
			ret.Status = arg
		case Detail:
			ret.Details = append(ret.Details, arg)
		case []Detail:
			ret.Details = append(ret.Details, arg...)
		}
	}

	return ret
}

// FromDomain coerces a domain error into an Error with the right
// status, defaulting to 500 for anything unrecognized.
func FromDomain(err error) *Error {
	switch {
	case errors.Is(err, calfeed.ErrNotFound):
		return E(err, http.StatusNotFound)
	case errors.Is(err, calfeed.ErrConflict):
		return E(err, http.StatusConflict)
	default:
		return E(err, http.StatusInternalServerError)
	}
}
