package sffs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is the error type returned by every fallible filesystem and
// flash driver operation. Sentinel values below can be matched with
// errors.Is even after WithMessage or Wrap added context.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type baseError string

const rootError = baseError("")

var ErrNotFound = rootError.WithMessage("No such file or block")
var ErrNoSpace = rootError.WithMessage("No space left on device")
var ErrCorrupted = rootError.WithMessage("Filesystem structure corrupted")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrNotPermitted = rootError.WithMessage("Operation not permitted")
var ErrNotMounted = rootError.WithMessage("Filesystem not mounted")
var ErrAlreadyMounted = rootError.WithMessage("Filesystem already mounted")

func (e baseError) Error() string {
	return string(e)
}

func (e baseError) WithMessage(message string) DriverError {
	return customError{
		message:       message,
		originalError: e,
	}
}

func (e baseError) Wrap(err error) DriverError {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e customError) Error() string {
	return e.message
}

func (e customError) WithMessage(message string) DriverError {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customError) Wrap(err error) DriverError {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customError) Unwrap() error {
	return e.originalError
}
