// Package merrors defines the error categories distinguished by the core:
// fingerprinting failures, session lifecycle failures, scheduling failures,
// and the ways a task's execution can fail. Every error the core returns is
// tagged with one of these categories via go-errcat, so callers can switch
// on Category(err) instead of parsing messages.
package merrors

import (
	errcat "github.com/polydawn/go-errcat"
)

// Category is the set of error kinds the core distinguishes (spec §7).
type Category string

const (
	UnsupportedValue Category = "unsupported-value"
	CycleInValue     Category = "cycle-in-value"
	NestedSession    Category = "nested-session"
	Deadlock         Category = "deadlock"
	RuleFailure      Category = "rule-failure"
	CacheConflict    Category = "cache-conflict"
	Timeout          Category = "timeout"
	Cancelled        Category = "cancelled"
	PluginError      Category = "plugin-error"
	DependencyFailed Category = "dependency-failed"

	// CompositeFailure and FutureFailure subdivide UnsupportedValue/RuleFailure
	// for the cases original_source/mona/errors.py calls out separately:
	// a value that could not be canonicalised (CompositeFailure) versus a
	// future that was read in a state that makes no sense for the read
	// attempted (FutureFailure), e.g. awaiting a future that was never
	// registered in any graph.
	CompositeFailure Category = "composite-error"
	FutureFailure    Category = "future-error"

	unknown Category = "unknown"
)

// Errorf builds a new categorized error, formatting msg like fmt.Sprintf.
func Errorf(cat Category, format string, args ...interface{}) error {
	return errcat.Errorf(cat, format, args...)
}

// Wrap attaches cat to cause, preserving cause's message as the new error's
// message. Returns nil if cause is nil.
func Wrap(cat Category, cause error) error {
	return errcat.Errorw(cat, cause)
}

// Recategorize returns a copy of err tagged with a new category, keeping its
// message and details. Used when an error crosses a layer boundary and the
// caller wants to report it under a category meaningful to its own callers.
func Recategorize(err error, cat Category) error {
	if err == nil {
		return nil
	}
	return errcat.Recategorize(err, cat)
}

// CategoryOf returns the category attached to err, or "" if err is nil, or
// unknown if err was not produced through this package.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	switch c := errcat.Category(err).(type) {
	case Category:
		return c
	default:
		return unknown
	}
}

// Is reports whether err carries category cat.
func Is(err error, cat Category) bool {
	return CategoryOf(err) == cat
}
