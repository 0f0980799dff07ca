// Package errors provides structured error handling for fhirsql.
//
// Errors carry a numeric code for programmatic handling, a severity, and
// optional context fields. Codes follow a hierarchical scheme:
//   - 1xxx: expression parsing errors
//   - 2xxx: resource model errors
//   - 3xxx: translation errors
//   - 4xxx: dialect/assembly errors
//   - 5xxx: backend execution errors
//   - 9xxx: internal errors
//
// Translation codes 3001-3004 are the contract of the translator: callers
// are expected to switch on CodeOf(err) rather than matching message text.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is a numeric error code for programmatic handling.
type Code int

const (
	// Expression parsing errors (1xxx)
	ErrCodeParseSyntax       Code = 1001
	ErrCodeParseUnexpected   Code = 1002
	ErrCodeParseUnterminated Code = 1003

	// Resource model errors (2xxx)
	ErrCodeModelLoad            Code = 2001
	ErrCodeModelParse           Code = 2002
	ErrCodeModelUnknownResource Code = 2003
	ErrCodeModelWatch           Code = 2004

	// Translation errors (3xxx)
	ErrCodeUnsupportedFunction Code = 3001
	ErrCodeArityMismatch       Code = 3002
	ErrCodeUnknownType         Code = 3003
	ErrCodeInvalidCardinality  Code = 3004
	ErrCodeUnsupportedOperator Code = 3005
	ErrCodeUnsupportedNode     Code = 3006

	// Dialect/assembly errors (4xxx)
	ErrCodeUnknownDependency Code = 4001
	ErrCodeAssembleEmpty     Code = 4002

	// Backend errors (5xxx)
	ErrCodeBackendConnect Code = 5001
	ErrCodeBackendQuery   Code = 5002
	ErrCodeBackendLoad    Code = 5003

	// Internal errors (9xxx)
	ErrCodeInternal Code = 9001
)

// String returns the error code as a string.
func (c Code) String() string {
	return fmt.Sprintf("E%04d", c)
}

// Category returns the category for this code.
func (c Code) Category() string {
	switch {
	case c >= 1000 && c < 2000:
		return "parse"
	case c >= 2000 && c < 3000:
		return "model"
	case c >= 3000 && c < 4000:
		return "translate"
	case c >= 4000 && c < 5000:
		return "assemble"
	case c >= 5000 && c < 6000:
		return "backend"
	case c >= 9000:
		return "internal"
	default:
		return "unknown"
	}
}

// Severity indicates error severity.
type Severity int

const (
	SeverityWarning  Severity = iota // Recoverable, operation may continue
	SeverityError                    // Operation failed, but system is healthy
	SeverityCritical                 // System may be in degraded state
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a structured error with code, context, and optional cause.
type Error struct {
	Code     Code
	Message  string
	Severity Severity

	// Context fields for debugging (function name, arity, type tag, ...)
	Fields map[string]interface{}

	// Error chain
	Cause error

	Time   time.Time
	OpName string // Operation that failed (e.g. "Translate.dispatch")
}

// Error implements the error interface.
func (e *Error) Error() string {
	var buf strings.Builder

	buf.WriteString(e.Code.String())
	buf.WriteString(": ")
	buf.WriteString(e.Message)

	if e.Cause != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Cause.Error())
	}

	return buf.String()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithField adds a context field to the error.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithOp sets the operation name.
func (e *Error) WithOp(op string) *Error {
	e.OpName = op
	return e
}

// Builder helps construct errors fluently.
type Builder struct {
	code     Code
	message  string
	severity Severity
	cause    error
	fields   map[string]interface{}
	op       string
}

// New starts building a new error with the given code.
func New(code Code, message string) *Builder {
	return &Builder{
		code:     code,
		message:  message,
		severity: SeverityError,
	}
}

// Newf starts building a new error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Builder {
	return &Builder{
		code:     code,
		message:  fmt.Sprintf(format, args...),
		severity: SeverityError,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(cause error, code Code, message string) *Builder {
	return &Builder{
		code:     code,
		message:  message,
		severity: SeverityError,
		cause:    cause,
	}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(cause error, code Code, format string, args ...interface{}) *Builder {
	return &Builder{
		code:     code,
		message:  fmt.Sprintf(format, args...),
		severity: SeverityError,
		cause:    cause,
	}
}

// Severity sets the error severity.
func (b *Builder) Severity(s Severity) *Builder {
	b.severity = s
	return b
}

// Warning sets severity to warning.
func (b *Builder) Warning() *Builder {
	b.severity = SeverityWarning
	return b
}

// WithCause adds a cause to the error.
func (b *Builder) WithCause(err error) *Builder {
	b.cause = err
	return b
}

// WithField adds a context field.
func (b *Builder) WithField(key string, value interface{}) *Builder {
	if b.fields == nil {
		b.fields = make(map[string]interface{})
	}
	b.fields[key] = value
	return b
}

// WithOp sets the operation name.
func (b *Builder) WithOp(op string) *Builder {
	b.op = op
	return b
}

// Build creates the Error.
func (b *Builder) Build() *Error {
	return &Error{
		Code:     b.code,
		Message:  b.message,
		Severity: b.severity,
		Cause:    b.cause,
		Fields:   b.fields,
		OpName:   b.op,
		Time:     time.Now(),
	}
}

// Err is a shorthand for Build() that returns the error interface.
func (b *Builder) Err() error {
	return b.Build()
}

// CodeOf extracts the code from an error chain. It returns 0 if no
// *Error is present in the chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Is, As and Unwrap re-export the stdlib helpers so callers need only
// one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func Unwrap(err error) error { return errors.Unwrap(err) }
