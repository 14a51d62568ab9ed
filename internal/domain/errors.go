package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category is the machine-distinguishable error class surfaced to callers.
type Category string

const (
	CategoryUser     Category = "UserError"
	CategoryConflict Category = "ConflictError"
	CategorySystem   Category = "SystemError"
	CategoryTimeout  Category = "TimeoutError"
)

// Code narrows a Category to the condition that produced it.
type Code string

const (
	CodeNotFound               Code = "NotFound"
	CodeInvalidInput           Code = "InvalidInput"
	CodeConflict               Code = "Conflict"
	CodeInvalidTransition      Code = "InvalidTransition"
	CodePreconditionFailed     Code = "PreconditionFailed"
	CodeGraphCycle             Code = "GraphCycle"
	CodeDuplicateEdge          Code = "DuplicateEdge"
	CodeGraphLocked            Code = "GraphLocked"
	CodeNotReady               Code = "NotReady"
	CodeMergeDiverged          Code = "MergeDiverged"
	CodeMergeConflict          Code = "MergeConflict"
	CodeDirtyTarget            Code = "DirtyTarget"
	CodeStaleOverride          Code = "StaleOverride"
	CodeScopeViolation         Code = "ScopeViolation"
	CodeAdapterMissing         Code = "AdapterMissing"
	CodeAdapterTimeout         Code = "AdapterTimeout"
	CodeAdapterNonZeroExit     Code = "AdapterNonZeroExit"
	CodeAdapterMalformedOutput Code = "AdapterMalformedOutput"
	CodeAdapterCanceled        Code = "AdapterCanceled"
	CodeVCSFailure             Code = "VCSFailure"
	CodeVCSMissing             Code = "VCSMissing"
	CodeCheckTimeout           Code = "CheckTimeout"
	CodeStorage                Code = "Storage"
	CodeInternal               Code = "Internal"
)

// Error is the structured failure returned by every state-mutating operation.
type Error struct {
	Category      Category       `json:"category"`
	Code          Code           `json:"code"`
	Message       string         `json:"message"`
	AggregateKind string         `json:"aggregate_kind,omitempty"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	Expected      string         `json:"expected,omitempty"`
	Actual        string         `json:"actual,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Err           error          `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.AggregateID != "" {
		fmt.Fprintf(&b, " (%s %s", e.AggregateKind, e.AggregateID)
		if e.Expected != "" || e.Actual != "" {
			fmt.Fprintf(&b, ", expected %s, actual %s", e.Expected, e.Actual)
		}
		b.WriteString(")")
	} else if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, actual %s)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// On attaches the aggregate the error refers to.
func (e *Error) On(kind AggregateKind, id string) *Error {
	e.AggregateKind = string(kind)
	e.AggregateID = id
	return e
}

// State records the expected and actual state for a failed precondition.
func (e *Error) State(expected, actual any) *Error {
	e.Expected = fmt.Sprint(expected)
	e.Actual = fmt.Sprint(actual)
	return e
}

// With adds a detail field.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Wrap keeps the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func newError(cat Category, code Code, format string, args ...any) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, args...)}
}

func UserErr(code Code, format string, args ...any) *Error {
	return newError(CategoryUser, code, format, args...)
}

func ConflictErr(code Code, format string, args ...any) *Error {
	return newError(CategoryConflict, code, format, args...)
}

func SystemErr(code Code, format string, args ...any) *Error {
	return newError(CategorySystem, code, format, args...)
}

func TimeoutErr(code Code, format string, args ...any) *Error {
	return newError(CategoryTimeout, code, format, args...)
}

func NotFound(kind AggregateKind, id string) *Error {
	return UserErr(CodeNotFound, "%s not found", kind).On(kind, id)
}

func InvalidInput(format string, args ...any) *Error {
	return UserErr(CodeInvalidInput, format, args...)
}

// InvalidTransition reports a state-machine violation.
func InvalidTransition(kind AggregateKind, id string, from, to any) *Error {
	return ConflictErr(CodeInvalidTransition, "invalid %s transition %v -> %v", kind, from, to).On(kind, id).State(to, from)
}

// System classifies an unstructured error as a SystemError, leaving structured errors untouched.
func System(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutErr(CodeInternal, "operation timed out").Wrap(err)
	}
	return SystemErr(CodeStorage, "storage failure").Wrap(err)
}

// AsError extracts a structured error.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// CategoryOf returns the category of err; unclassified errors are SystemErrors.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	if de, ok := AsError(err); ok {
		return de.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategorySystem
}

// CodeOf returns the code of err or CodeInternal when unclassified.
func CodeOf(err error) Code {
	if de, ok := AsError(err); ok {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	de, ok := AsError(err)
	return ok && de.Code == code
}
