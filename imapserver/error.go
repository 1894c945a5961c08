package imapserver

import (
	"errors"
	"fmt"
)

// Command handlers panic with these error types. The command loop recovers
// and writes the corresponding tagged response. Other panics propagate.

// userError is a failure of the client's making, written as tagged NO.
type userError struct {
	code string // Optional response code in brackets.
	err  error
}

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

// serverError is an internal failure, written as tagged NO and logged with
// more detail.
type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

// syntaxError is a protocol violation by the client, written as tagged BAD.
type syntaxError struct {
	line   string // Optional line to write before the BAD result, e.g. an untagged BYE. CRLF is added.
	code   string // Optional result code (between []) to write in the BAD result.
	errmsg string // BAD response message.
	err    error  // Typically with same info as errmsg, but sometimes more.
}

func (e syntaxError) Error() string {
	s := "bad syntax: " + e.errmsg
	if e.code != "" {
		s += " [" + e.code + "]"
	}
	return s
}
func (e syntaxError) Unwrap() error { return e.err }

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xserverErrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

func xuserErrorf(format string, args ...any) {
	panic(userError{err: fmt.Errorf(format, args...)})
}

func xusercodeErrorf(code, format string, args ...any) {
	panic(userError{code: code, err: fmt.Errorf(format, args...)})
}

func xserverErrorf(format string, args ...any) {
	panic(serverError{fmt.Errorf(format, args...)})
}

func xsyntaxErrorf(format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	err := errors.New(errmsg)
	panic(syntaxError{"", "", errmsg, err})
}

func xsyntaxCodeErrorf(code, format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	err := errors.New(errmsg)
	panic(syntaxError{"", code, errmsg, err})
}
