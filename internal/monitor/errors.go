package monitor

import (
	"errors"
	"fmt"
)

// Error kinds a task can fail with. The CLI maps them to exit codes.
var (
	ErrInputNotFound = errors.New("input file not found")
	ErrCheckpointDir = errors.New("cannot create checkpoint directory")
	ErrSinkInit      = errors.New("sink initialization failed")
)

// Error is a task failure tied to a monitored file
type Error struct {
	Kind error
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}
