package authz

import (
	"fmt"
	"net/http"
)

// Kind classifies hard failures of the verification pipeline. Soft declines
// are not errors; they produce a signed response carrying a decline member.
type Kind string

const (
	// KindProtocol is a malformed or internally inconsistent request.
	KindProtocol Kind = "protocol"
	// KindTrust is a trust-chain or signature failure.
	KindTrust Kind = "trust"
	// KindAuthentication is a payer authentication failure; the public
	// message stays generic so callers cannot probe account state.
	KindAuthentication Kind = "authentication"
	// KindInternal is an infrastructure failure on our side.
	KindInternal Kind = "internal"
)

// Error is a hard pipeline failure. Detail is server-side only; Public is
// what goes on the wire.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Public returns the client-facing message for this failure.
func (e *Error) Public() string {
	switch e.Kind {
	case KindProtocol:
		return e.Detail
	case KindTrust:
		return "trust chain validation failed"
	case KindAuthentication:
		return "request did not validate"
	default:
		return "internal error"
	}
}

// HTTPStatus maps the failure class to a response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindProtocol:
		return http.StatusBadRequest
	case KindTrust, KindAuthentication:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func protocolErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Detail: fmt.Sprintf(format, args...)}
}

func trustErr(detail string, err error) *Error {
	return &Error{Kind: KindTrust, Detail: detail, Err: err}
}

func authErr(detail string) *Error {
	return &Error{Kind: KindAuthentication, Detail: detail}
}

func internalErr(detail string, err error) *Error {
	return &Error{Kind: KindInternal, Detail: detail, Err: err}
}
