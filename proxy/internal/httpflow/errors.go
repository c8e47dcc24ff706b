package httpflow

import (
	"errors"
	"fmt"
)

// ParseError is returned for malformed HTTP messages.
type ParseError struct {
	// Op is the part being parsed: "start line", "header" or "body".
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	ErrHeaderTooLarge  = errors.New("header block exceeds limit")
	ErrUnterminated    = errors.New("unterminated header block")
	ErrBodyTooShort    = errors.New("body shorter than Content-Length")
	ErrBadContentLen   = errors.New("invalid Content-Length")
	ErrMalformedHeader = errors.New("malformed header line")
)

func startLineError(format string, args ...any) error {
	return &ParseError{Op: "start line", Err: fmt.Errorf(format, args...)}
}
