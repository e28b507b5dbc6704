// Package apperr classifies failures into the few kinds the command line
// distinguishes. Packages wrap their own errors into an *Error before the
// error leaves the core, so the CLI never has to inspect transport errors.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the coarse failure class surfaced to callers.
type Kind string

const (
	KindConfig    Kind = "config_error"
	KindBuild     Kind = "build_failure"
	KindChainRead Kind = "chain_read_error"
	KindRemote    Kind = "remote_error"
	KindInternal  Kind = "internal_error"
)

// Details refine a Kind.
const (
	DetailUnsupportedVersion = "unsupported_version"
	DetailMalformedFlags     = "malformed_build_flags"
	DetailInvalidInput       = "invalid_input"
	DetailAccountNotFound    = "account_not_found"
	DetailNotExecutable      = "not_executable"
	DetailMalformedAccount   = "malformed_account"
	DetailRPC                = "rpc_error"
	DetailSubmission         = "submission_error"
	DetailTimedOut           = "timed_out"
	DetailUnknownJob         = "unknown_job"
	DetailNotAttestable      = "not_attestable"
)

// Process exit codes. Mismatch is not an error and is chosen by the caller.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitMismatch    = 2
	ExitSubmission  = 3
	ExitTimedOut    = 4
	ExitUnknownJob  = 5
	ExitInterrupted = 130
)

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Detail string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += "(" + e.Detail + ")"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error wrapping err, which may be nil.
func New(kind Kind, detail, op string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, detail, op, format string, args ...any) *Error {
	return New(kind, detail, op, fmt.Errorf(format, args...))
}

// Wrap classifies err under kind unless it is already classified, in which
// case the original classification wins.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return New(kind, "", op, err)
}

// KindOf reports the kind of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// DetailOf reports the detail of err, or "" when unclassified.
func DetailOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Detail
	}
	return ""
}

// Is reports whether err carries the given kind and detail.
func Is(err error, kind Kind, detail string) bool {
	var classified *Error
	if !errors.As(err, &classified) {
		return false
	}
	return classified.Kind == kind && (detail == "" || classified.Detail == detail)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if KindOf(err) == KindRemote {
		switch DetailOf(err) {
		case DetailSubmission:
			return ExitSubmission
		case DetailTimedOut:
			return ExitTimedOut
		case DetailUnknownJob:
			return ExitUnknownJob
		}
	}
	return ExitFailure
}
