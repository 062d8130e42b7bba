package quote

import (
	"errors"
)

// Kind is the stable, machine readable class of an Error.
type Kind string

const (
	KindInvalidInput       Kind = "InvalidInput"
	KindUnknownBackend     Kind = "UnknownBackend"
	KindBackendExists      Kind = "BackendExists"
	KindQuoteNotFound      Kind = "QuoteNotFound"
	KindMissingParameters  Kind = "MissingParameters"
	KindStaleNonce         Kind = "StaleNonce"
	KindInvalidSignature   Kind = "InvalidSignature"
	KindQuoteExpired       Kind = "QuoteExpired"
	KindAlreadyUploaded    Kind = "AlreadyUploaded"
	KindBackendUnreachable Kind = "BackendUnreachable"
	KindBackendHTTPError   Kind = "BackendHTTPError"
	KindBackendBadResponse Kind = "BackendBadResponse"
	KindStagingUnavailable Kind = "StagingUnavailable"
	KindStagingBadResponse Kind = "StagingBadResponse"
	KindInternal           Kind = "Internal"
)

var defaultMessages = map[Kind]string{
	KindInvalidInput:       "Invalid input data.",
	KindUnknownBackend:     "Chosen storage type does not exist.",
	KindBackendExists:      "Chosen storage type already exists.",
	KindQuoteNotFound:      "No quote associated with the request found.",
	KindMissingParameters:  "Missing query parameters.",
	KindStaleNonce:         "Nonce value invalid.",
	KindInvalidSignature:   "Signature invalid.",
	KindQuoteExpired:       "Quote already expired, please create a new one.",
	KindAlreadyUploaded:    "Files already uploaded.",
	KindBackendUnreachable: "Storage service unreachable.",
	KindBackendHTTPError:   "Storage service rejected the request.",
	KindBackendBadResponse: "Storage service response badly formatted.",
	KindStagingUnavailable: "Staging service unavailable.",
	KindStagingBadResponse: "Staging service response badly formatted.",
	KindInternal:           "Internal server error.",
}

var (
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrUnknownBackend     = &Error{Kind: KindUnknownBackend}
	ErrBackendExists      = &Error{Kind: KindBackendExists}
	ErrQuoteNotFound      = &Error{Kind: KindQuoteNotFound}
	ErrMissingParameters  = &Error{Kind: KindMissingParameters}
	ErrStaleNonce         = &Error{Kind: KindStaleNonce}
	ErrInvalidSignature   = &Error{Kind: KindInvalidSignature}
	ErrQuoteExpired       = &Error{Kind: KindQuoteExpired}
	ErrAlreadyUploaded    = &Error{Kind: KindAlreadyUploaded}
	ErrBackendUnreachable = &Error{Kind: KindBackendUnreachable}
	ErrBackendHTTPError   = &Error{Kind: KindBackendHTTPError}
	ErrBackendBadResponse = &Error{Kind: KindBackendBadResponse}
	ErrStagingUnavailable = &Error{Kind: KindStagingUnavailable}
	ErrStagingBadResponse = &Error{Kind: KindStagingBadResponse}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is a classified failure. Msg is safe to show to clients, Err is the
// underlying cause and is only meant for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// NewError returns an Error of the given kind. An empty msg selects the
// default message of the kind.
func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message() + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message()
}

// Message is the client facing description.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return defaultMessages[e.Kind]
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any Error of the same kind, so the package level Err values can
// be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
