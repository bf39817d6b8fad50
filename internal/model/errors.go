package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no stored version satisfies a lookup.
var ErrNotFound = errors.New("object not found")

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Path   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed for %q: %s: %s", e.Path, e.Field, e.Reason)
}

// StoreUnavailableError reports that a repository backend could not be reached
// or did not acknowledge a write in time. Callers may retry it.
type StoreUnavailableError struct {
	Backend string
	Op      string
	Path    string
	Err     error
}

func (e *StoreUnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store %s unavailable during %s", e.Backend, e.Op)
	if e.Path != "" {
		fmt.Fprintf(&b, " of %q", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IncompleteInputError is reported when a check's inputs did not all resolve
// before the completeness timeout.
type IncompleteInputError struct {
	Check   string
	Trigger string
	Missing []string
}

func (e *IncompleteInputError) Error() string {
	return fmt.Sprintf("check %q triggered by %q: missing inputs %s",
		e.Check, e.Trigger, strings.Join(e.Missing, ","))
}

// CheckExecutionError wraps a failure (error or panic) of a check plug-in.
type CheckExecutionError struct {
	Check string
	Err   error
}

func (e *CheckExecutionError) Error() string {
	return fmt.Sprintf("check %q failed: %v", e.Check, e.Err)
}

func (e *CheckExecutionError) Unwrap() error { return e.Err }

// IncompatibleMergeError is returned when two objects cannot be merged.
type IncompatibleMergeError struct {
	Path   string
	Left   string
	Right  string
	Reason string
}

func (e *IncompatibleMergeError) Error() string {
	return fmt.Sprintf("cannot merge %q (%s with %s): %s", e.Path, e.Left, e.Right, e.Reason)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsStoreUnavailable(err error) bool {
	var u *StoreUnavailableError
	return errors.As(err, &u)
}

func IsIncompatibleMerge(err error) bool {
	var m *IncompatibleMergeError
	return errors.As(err, &m)
}
