package errors

import (
	"errors"
	"fmt"
)

// Basic error check functions from standard library
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// appError implements the Error interface
type appError struct {
	code    ErrorCode
	message string
	err     error
	data    any
}

func (e *appError) Error() string {
	msg := e.Reason()

	if e.data != nil {
		return fmt.Sprintf("%s: %v", msg, e.data)
	}

	if e.err != nil {
		return fmt.Sprintf("%s: %v", msg, e.err)
	}

	return msg
}

func (e *appError) Code() ErrorCode {
	return e.code
}

// Reason returns the human-readable part of the error without wrapped causes.
func (e *appError) Reason() string {
	if e.message == "" {
		return GetErrorMessage(e.code)
	}

	return e.message
}

func (e *appError) WithMessage(msg string) Error {
	return &appError{
		code:    e.code,
		message: msg,
		err:     e.err,
		data:    e.data,
	}
}

func (e *appError) WithData(data any) Error {
	return &appError{
		code:    e.code,
		message: e.message,
		err:     e.err,
		data:    data,
	}
}

func (e *appError) GetData() any {
	return e.data
}

func (e *appError) Unwrap() error {
	return e.err
}

// Is matches another coded error by code, so sentinel-style comparisons work
// against errors built by the factory.
func (e *appError) Is(target error) bool {
	t, ok := target.(*appError)
	if !ok {
		return false
	}

	return t.code == e.code
}

type defaultFactory struct{}

func (*defaultFactory) New(code ErrorCode) Error {
	return &appError{
		code: code,
	}
}

func (*defaultFactory) Wrap(code ErrorCode, err error) Error {
	return &appError{
		code: code,
		err:  err,
	}
}

func (*defaultFactory) WithMessage(code ErrorCode, msg string) Error {
	return &appError{
		code:    code,
		message: msg,
	}
}

func (*defaultFactory) WithData(code ErrorCode, data any) Error {
	return &appError{
		code: code,
		data: data,
	}
}

// New creates a Factory instance for error creation
func New() Factory {
	return &defaultFactory{}
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// ErrInternal when none is present.
func CodeOf(err error) ErrorCode {
	var e Error
	if As(err, &e) {
		return e.Code()
	}

	return ErrInternal
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(Error); ok && e.Code() == code {
			return true
		}
		err = Unwrap(err)
	}

	return false
}

// ReasonOf returns the human-readable reason of the outermost coded error.
func ReasonOf(err error) string {
	var e Error
	if As(err, &e) {
		return e.Reason()
	}
	if err == nil {
		return ""
	}

	return err.Error()
}
