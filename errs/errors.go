package errs

import "errors"

// Kind is a stable category for programmatic error handling.
//
// Every failure that ends a notarization iteration carries exactly one Kind.
// Callers should branch on Kind/Code rather than matching error strings.
type Kind string

const (
	// KindConfig is fatal at startup: bad environment, bad file, mismatched bounds.
	KindConfig Kind = "Config"
	// KindConnection means the notary could not be reached.
	KindConnection Kind = "Connection"
	// KindRejection means the notary answered but declined the session.
	KindRejection Kind = "Rejection"
	// KindSetup covers the prover's MPC-TLS setup handshake.
	KindSetup Kind = "Setup"
	// KindConnect covers binding the prover to the server transport.
	KindConnect Kind = "Connect"
	// KindBackgroundTask means the protocol driver or the HTTP connection task failed.
	KindBackgroundTask Kind = "BackgroundTask"
	// KindUnexpectedStatus means the server answered with a non-success status.
	KindUnexpectedStatus Kind = "UnexpectedStatus"
	// KindTranscript means the recorded transcript could not be parsed.
	KindTranscript Kind = "Transcript"
	// KindCommit means the commitment config referenced data outside the transcript.
	KindCommit Kind = "Commit"
	// KindFinalize covers attestation requests refused or broken mid-flight.
	KindFinalize Kind = "Finalize"
	// KindPersist means at least one of the two artifacts could not be written.
	KindPersist Kind = "Persist"
)

// Fatal reports whether errors of this kind abort startup rather than a
// single iteration.
func (k Kind) Fatal() bool { return k == KindConfig }

// Error is the structured error type shared by every package in the module.
//
// Code is a stable identifier (e.g. NTZ-NOTARY-002) naming the failing check.
// Message is for humans; do not match on it.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns a structured error without a cause.
func New(kind Kind, code, msg string) error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap returns a structured error around cause. A nil cause yields the same
// value New would.
func Wrap(kind Kind, code, msg string, cause error) error {
	if cause == nil {
		return New(kind, code, msg)
	}
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// Code returns the stable Code for a structured error, or "" if unknown.
func Code(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}
