// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package zbrew

import "fmt"

// Kind identifies the category of a pipeline failure (§7). Callers type-switch
// or compare on Kind rather than parsing error strings.
type Kind string

const (
	UnknownFormula      Kind = "UnknownFormula"
	NoBottle            Kind = "NoBottle"
	FetchFailed         Kind = "FetchFailed"
	DigestMismatch      Kind = "DigestMismatch"
	UnsafePath          Kind = "UnsafePath"
	UnsupportedEntry    Kind = "UnsupportedEntry"
	ExtractFailed       Kind = "ExtractFailed"
	CloneUnsupported    Kind = "CloneUnsupported"
	RelocationFailed    Kind = "RelocationFailed"
	MaterializeConflict Kind = "MaterializeConflict"
	LinkConflict        Kind = "LinkConflict"
	DbError             Kind = "DbError"
	LockTimeout         Kind = "LockTimeout"
	Required            Kind = "Required"
	Cancelled           Kind = "Cancelled"
)

// FetchReason refines a FetchFailed error, per §7.
type FetchReason string

const (
	FetchTransport FetchReason = "transport"
	FetchTimeout   FetchReason = "timeout"
	FetchStatus    FetchReason = "status"
)

// Error is the typed error carried through the install pipeline. Components
// construct these for the failure kinds above; the Planner does not wrap
// errors further, and reports each failed node's error keyed by node name.
type Error struct {
	Kind   Kind
	Node   string // formula/package name the error pertains to, if any
	Reason FetchReason
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Node != "" && e.Reason != "":
		return fmt.Sprintf("%s[%s] (%s): %v", e.Kind, e.Node, e.Reason, e.Err)
	case e.Node != "":
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Node, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an Error of the given kind, wrapping cause.
func NewError(kind Kind, node string, cause error) *Error {
	return &Error{Kind: kind, Node: node, Err: cause}
}

// NewFetchError constructs a FetchFailed error with a reason.
func NewFetchError(node string, reason FetchReason, cause error) *Error {
	return &Error{Kind: FetchFailed, Node: node, Reason: reason, Err: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else "".
func KindOf(err error) Kind {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(unwrapper)
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Is reports whether err is (or wraps) an Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
