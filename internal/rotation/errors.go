package rotation

import "errors"

// Kind classifies rotation failures so callers can pattern-match instead of
// walking an inheritance tree.
type Kind int

const (
	// KindInternal is an operational fault surfaced to the caller. No peer
	// message is sent; the caller decides retry or abort.
	KindInternal Kind = iota
	// KindReportable maps 1:1 to a problem report sent to the peer.
	KindReportable
	// KindMisuse indicates a bug in the invoking code, never a wire
	// condition.
	KindMisuse
)

// Error is the tagged error type for rotation protocol failures.
type Error struct {
	Kind    Kind
	Message string
	// Report is the ready-made problem report for KindReportable errors.
	Report *ProblemReport
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

func reportableError(report *ProblemReport, message string) *Error {
	return &Error{Kind: KindReportable, Message: message, Report: report}
}

func internalError(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

func misuseError(message string) *Error {
	return &Error{Kind: KindMisuse, Message: message}
}

// NewMisuseError builds the error the manager returns for an invalid call by
// the local application, so callers can produce the same shape.
func NewMisuseError(message string) error {
	return misuseError(message)
}

// AsReportable returns the problem report carried by err when err is a
// reportable rotation error.
func AsReportable(err error) (*ProblemReport, bool) {
	var rotErr *Error
	if errors.As(err, &rotErr) && rotErr.Kind == KindReportable && rotErr.Report != nil {
		return rotErr.Report, true
	}
	return nil, false
}

// IsMisuse reports whether err indicates caller misuse.
func IsMisuse(err error) bool {
	var rotErr *Error
	return errors.As(err, &rotErr) && rotErr.Kind == KindMisuse
}
