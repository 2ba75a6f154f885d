package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel classes for errors.Is checks. Constructors below wrap these so a
// caller can both match the class and read the specific message.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrAuthorization = errors.New("authorization error")
	ErrConflict      = errors.New("conflict")
	ErrIntegrity     = errors.New("integrity error")
	ErrUpstream      = errors.New("upstream error")
)

func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Authorizationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Integrityf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

func Upstreamf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUpstream, fmt.Sprintf(format, args...))
}

func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAuthorization(err error) bool { return errors.Is(err, ErrAuthorization) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsIntegrity(err error) bool     { return errors.Is(err, ErrIntegrity) }
func IsUpstream(err error) bool      { return errors.Is(err, ErrUpstream) }
