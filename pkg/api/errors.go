package api

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure reported by the client or the orchestrator.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotAuthenticated
	KindAuth
	KindTransport
	KindHTTPStatus
	KindEnvelope
	KindRejected
	KindQuotaExceeded
	KindTransferAborted
	KindTransferFailed
	KindFinalizeFailed
	KindBuildFailed
	KindBuildCancelled
	KindBuildDeleted
	KindPrecondition
	KindBusy
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindNotAuthenticated: "not_authenticated",
	KindAuth:             "auth",
	KindTransport:        "transport",
	KindHTTPStatus:       "http_status",
	KindEnvelope:         "envelope",
	KindRejected:         "rejected",
	KindQuotaExceeded:    "quota_exceeded",
	KindTransferAborted:  "transfer_aborted",
	KindTransferFailed:   "transfer_failed",
	KindFinalizeFailed:   "finalize_failed",
	KindBuildFailed:      "build_failed",
	KindBuildCancelled:   "build_cancelled",
	KindBuildDeleted:     "build_deleted",
	KindPrecondition:     "precondition",
	KindBusy:             "busy",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type returned by every Client operation. Message is a
// short sentence suitable for showing to a user; Err keeps the underlying
// cause, if any.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated, Message: "Not authenticated"}
	ErrAuth             = &Error{Kind: KindAuth, Message: "Login failed"}
	ErrTransport        = &Error{Kind: KindTransport, Message: "Connection error"}
	ErrHTTPStatus       = &Error{Kind: KindHTTPStatus, Message: "Unexpected HTTP status"}
	ErrEnvelope         = &Error{Kind: KindEnvelope, Message: "Invalid JSON response"}
	ErrRejected         = &Error{Kind: KindRejected, Message: "Request failed"}
	ErrQuotaExceeded    = &Error{Kind: KindQuotaExceeded, Message: "Upload quota exceeded"}
	ErrTransferAborted  = &Error{Kind: KindTransferAborted, Message: "Upload cancelled"}
	ErrTransferFailed   = &Error{Kind: KindTransferFailed, Message: "Upload failed"}
	ErrFinalizeFailed   = &Error{Kind: KindFinalizeFailed, Message: "Finalize failed"}
	ErrBuildFailed      = &Error{Kind: KindBuildFailed, Message: "Build processing failed"}
	ErrBuildCancelled   = &Error{Kind: KindBuildCancelled, Message: "Build was cancelled"}
	ErrBuildDeleted     = &Error{Kind: KindBuildDeleted, Message: "Build was deleted"}
	ErrPrecondition     = &Error{Kind: KindPrecondition, Message: "Precondition failed"}
	ErrBusy             = &Error{Kind: KindBusy, Message: "An upload is already in progress"}
)

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	return KindUnknown
}

// StatusCodeOf returns the HTTP status code carried by err, or 0.
func StatusCodeOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}

	return 0
}

var remediation = map[Kind]string{
	KindNotAuthenticated: "run `glc login` first",
	KindAuth:             "check your API key",
	KindTransport:        "check your connection and retry",
	KindQuotaExceeded:    "check your plan limits",
	KindFinalizeFailed:   "the file is uploaded; retry with `glc finalize`",
}

// UserMessage renders err as one short human-readable sentence, with a
// remediation hint where the cause is known to be fixable by the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return err.Error()
	}

	msg := strings.TrimRight(apiErr.Message, ". ")
	if msg == "" {
		msg = apiErr.Kind.String()
	}

	if hint, ok := remediation[apiErr.Kind]; ok {
		return msg + " (" + hint + ")."
	}

	return msg + "."
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
