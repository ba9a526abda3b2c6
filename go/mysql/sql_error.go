/*
Copyright 2024 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mysql

import "fmt"

// ErrorCode is a MySQL server error number, as published in the MySQL
// error catalog.
type ErrorCode uint16

// Error codes used by this package. Values match the published MySQL
// error catalog; see
// https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	ERConCountError         ErrorCode = 1040
	ERHandshakeError        ErrorCode = 1043
	ERAccessDeniedError     ErrorCode = 1045
	ERNoDBError             ErrorCode = 1046
	ERUnknownComError       ErrorCode = 1047
	ERParseError            ErrorCode = 1064
	EREmptyQuery            ErrorCode = 1065
	ERAbortingConnection    ErrorCode = 1152
	ERUnknownError          ErrorCode = 1105
	ERUnknownProcedure      ErrorCode = 1106
	ERUnknownSystemVariable ErrorCode = 1193
	ERWrongValueForVar      ErrorCode = 1231
	ERUnsupportedPS         ErrorCode = 1243
	ERNotSupportedYet       ErrorCode = 1235
	ERNetPacketTooLarge     ErrorCode = 1153
	ERMalformedPacket       ErrorCode = 1835
	ERUserDoesNotExist      ErrorCode = 3162
	ERSessionWasKilled      ErrorCode = 3169
	ERNotSupportedAuthMode  ErrorCode = 1251
)

// SQLState is a 5-character error classification code, as defined by the
// ANSI SQL standard and reused by MySQL's error protocol.
type SQLState string

// SQLState values for the error codes above. Codes with no explicit entry
// in sqlStateByCode map to SSUnknownSQLState, matching MySQL's own
// fallback behavior.
const (
	SSUnknownSQLState SQLState = "HY000"
	SSAccessDeniedError        = "28000"
	SSConnCountError           = "08004"
	SSHandshakeError           = "08S01"
	SSNoDBError                = "3D000"
	SSClientError              = "42000"
	SSNetError                 = "08S01"
)

var sqlStateByCode = map[ErrorCode]SQLState{
	ERConCountError:     SSConnCountError,
	ERAccessDeniedError: SSAccessDeniedError,
	ERHandshakeError:    SSHandshakeError,
	ERNoDBError:         SSNoDBError,
	ERUnknownComError:   SSUnknownSQLState,
	ERParseError:        SSClientError,
	EREmptyQuery:        SSClientError,
	ERUnknownProcedure:  SSClientError,
	ERWrongValueForVar:  SSClientError,
	ERNotSupportedYet:   SSClientError,
	ERNetPacketTooLarge: SSNetError,
	ERUnsupportedPS:     SSClientError,
	ERUserDoesNotExist:  SSClientError,
}

// sqlState returns the canonical SQLSTATE for a given error code, falling
// back to the generic "HY000" when the code has no specific classification.
func sqlState(code ErrorCode) SQLState {
	if s, ok := sqlStateByCode[code]; ok {
		return s
	}
	return SSUnknownSQLState
}

// SQLError is the structured error returned to the wire whenever the
// connection can produce a well-formed ERR packet for a failure. It is the
// common currency between the command dispatcher and the packet encoder.
type SQLError struct {
	Num     ErrorCode
	State   SQLState
	Message string
}

// NewSQLError builds a SQLError, defaulting the SQLSTATE from the error
// code's published classification when state is empty.
func NewSQLError(code ErrorCode, state SQLState, format string, args ...any) *SQLError {
	if state == "" {
		state = sqlState(code)
	}
	return &SQLError{
		Num:     code,
		State:   state,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *SQLError) Error() string {
	return fmt.Sprintf("%s (errno %d) (sqlstate %s)", e.Message, e.Num, e.State)
}

// Number returns the MySQL error number.
func (e *SQLError) Number() ErrorCode { return e.Num }

// SQLState returns the SQLSTATE classification.
func (e *SQLError) SQLState() SQLState { return e.State }

// ProtocolError indicates the byte stream itself violated framing or
// sequencing rules. Per spec, these are fatal: if encountered before
// authentication completes, the connection is closed silently; afterward,
// ERAbortingConnection is sent first.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// AuthError indicates credential rejection during the handshake or
// COM_CHANGE_USER. Always fatal: the connection is closed after the ERR
// packet is sent.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// UnsupportedError indicates an opcode or capability the dispatcher does
// not implement. Recoverable: the connection remains in the command loop.
type UnsupportedError struct {
	Code    ErrorCode
	Message string
}

func (e *UnsupportedError) Error() string { return e.Message }

// InternalError wraps an unstructured failure surfaced by a Session
// callback. Recoverable, but reported to the client with a generic
// message so internal details are not leaked over the wire.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string { return e.Cause.Error() }
func (e *InternalError) Unwrap() error { return e.Cause }

// CommandError is an application-level error returned by a Session
// callback with an explicit wire code/state/message. It is always
// recoverable: the connection remains in the command loop.
type CommandError struct {
	Num     ErrorCode
	State   SQLState
	Message string
}

func (e *CommandError) Error() string { return e.Message }

// toWireError normalizes any error produced inside the command loop into
// the (code, state, message) triple the result-set encoder writes as an
// ERR packet. This is the single conversion chokepoint, mirroring
// go/mysql/sql_error.go's NewSQLErrorFromError.
func toWireError(err error) (ErrorCode, SQLState, string) {
	switch e := err.(type) {
	case *SQLError:
		return e.Num, e.State, e.Message
	case *CommandError:
		state := e.State
		if state == "" {
			state = sqlState(e.Num)
		}
		return e.Num, state, e.Message
	case *UnsupportedError:
		return e.Code, sqlState(e.Code), e.Message
	case *AuthError:
		return ERAccessDeniedError, sqlState(ERAccessDeniedError), e.Message
	case *ProtocolError:
		return ERAbortingConnection, sqlState(ERAbortingConnection), e.Message
	case *InternalError:
		return ERUnknownError, sqlState(ERUnknownError), "internal error"
	default:
		return ERUnknownError, sqlState(ERUnknownError), err.Error()
	}
}
