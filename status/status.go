// Package status carries a gRPC status code and message across the codec,
// deadline, and pipeline boundaries.
package status

import (
	"errors"
	"fmt"

	"github.com/varavelio/grpcstack/codes"
)

// Status is a terminal (code, detail) pair. The zero value is OK.
type Status struct {
	code    codes.Code
	message string
}

// New returns a Status with the given code and message.
func New(code codes.Code, message string) *Status {
	return &Status{code: code, message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code codes.Code, format string, a ...any) *Status {
	return New(code, fmt.Sprintf(format, a...))
}

// Code returns s's code, or codes.OK if s is nil.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Message returns s's message, or "" if s is nil.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Err returns nil if s is nil or codes.OK, otherwise an error wrapping s.
func (s *Status) Err() error {
	if s == nil || s.code == codes.OK {
		return nil
	}
	return &statusError{s}
}

// Error implements error directly on *Status so a Status can be returned
// from a handler without an extra Err() call.
func (s *Status) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.Code(), s.Message())
}

type statusError struct {
	s *Status
}

func (e *statusError) Error() string { return e.s.Error() }

// Unwrap lets errors.Is/errors.As see through a status error.
func (e *statusError) Unwrap() error { return e.s }

// Error constructs a status error directly, the common case for handlers.
func Error(code codes.Code, message string) error {
	return New(code, message).Err()
}

// Errorf is Error with fmt.Sprintf-style formatting.
func Errorf(code codes.Code, format string, a ...any) error {
	return Newf(code, format, a...).Err()
}

// FromError unwraps err into a *Status. Any error that is not itself a
// Status (or doesn't wrap one) becomes {codes.Unknown, err.Error()}; a nil
// error yields a nil *Status (which reports codes.OK and "") and ok=true.
func FromError(err error) (s *Status, ok bool) {
	if err == nil {
		return nil, true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.s, true
	}
	var sp *Status
	if errors.As(err, &sp) {
		return sp, true
	}
	return New(codes.Unknown, err.Error()), false
}

// Convert is FromError without the ok flag, for callers that don't care
// whether the error already carried a status.
func Convert(err error) *Status {
	s, _ := FromError(err)
	return s
}

// Code is a convenience wrapper equivalent to Convert(err).Code().
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return Convert(err).Code()
}
