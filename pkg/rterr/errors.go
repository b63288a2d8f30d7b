// Package rterr defines the typed error kinds raised by the runtime outside
// of the verifier's own decision values. The verifier never raises for a
// policy outcome — it returns a VerificationDecision — but every other
// subsystem (routing, manifest loading, sandbox, offline triggers,
// validation) raises one of these.
package rterr

import "fmt"

// Code is a closed set of error kinds surfaced by the runtime.
type Code string

const (
	// CodeTypedBoundary marks an untrusted source attempting to write a
	// trusted-store payload type.
	CodeTypedBoundary Code = "typed_boundary_violation"
	// CodeSandboxViolation marks a path escape or non-whitelisted command.
	CodeSandboxViolation Code = "sandbox_violation"
	// CodeOfflineTrigger marks an offline consolidation call from an
	// untrusted trigger source.
	CodeOfflineTrigger Code = "offline_trigger_violation"
	// CodeInvalidArgument marks an out-of-range signal/weight/threshold,
	// an empty command, an unknown role, or similar caller error.
	CodeInvalidArgument Code = "invalid_argument"
	// CodeSubprocessTimeout marks a sandboxed command that exceeded its
	// timeout.
	CodeSubprocessTimeout Code = "subprocess_timeout"
	// CodeLedgerFault marks a ledger append failure. Since the action has
	// already executed by the time the ledger is appended, this is a
	// critical fault — the cycle aborts with the effect already applied.
	CodeLedgerFault Code = "ledger_fault"
	// CodeTrustedStore marks a disallowed write to a trusted store.
	CodeTrustedStore Code = "trusted_store_violation"
)

// RuntimeError is the concrete error value for every typed error kind
// above. It wraps an optional underlying cause without hiding the code
// callers need to branch on.
type RuntimeError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// New builds a RuntimeError with no underlying cause.
func New(code Code, message string) *RuntimeError {
	return &RuntimeError{Code: code, Message: message}
}

// Wrap builds a RuntimeError around an underlying cause.
func Wrap(code Code, message string, cause error) *RuntimeError {
	return &RuntimeError{Code: code, Message: message, Cause: cause}
}

// Is reports whether err is a *RuntimeError carrying the given code.
func Is(err error, code Code) bool {
	re, ok := err.(*RuntimeError)
	return ok && re.Code == code
}
