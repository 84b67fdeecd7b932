/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"fmt"
)

// Command handlers abort by panicking with one of the error types below. The
// command loop recovers them and turns them into a tagged NO or BAD, leaving
// the connection open.

// userError is answered with NO.
type userError struct {
	code string // Optional response code, written in brackets.
	err  error
}

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

func xuserErrorf(format string, args ...interface{}) {
	panic(userError{err: fmt.Errorf(format, args...)})
}

func xusercodeErrorf(code, format string, args ...interface{}) {
	panic(userError{code: code, err: fmt.Errorf(format, args...)})
}

// syntaxError is answered with BAD.
type syntaxError struct {
	errmsg string
}

func (e syntaxError) Error() string { return "bad syntax: " + e.errmsg }

func xsyntaxErrorf(format string, args ...interface{}) {
	panic(syntaxError{errmsg: fmt.Sprintf(format, args...)})
}

// serverError is logged and answered with a generic NO.
type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

func xcheckf(err error, format string, args ...interface{}) {
	if err != nil {
		panic(serverError{fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)})
	}
}

// ioError ends the connection.
type ioError struct{ err error }

func (e ioError) Error() string { return e.err.Error() }
