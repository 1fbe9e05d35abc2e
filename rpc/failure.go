package rpc

import (
	"fmt"
)

// Failure states. Every failed request is normalized to one of these.
const (
	StateError     = "error"
	StateException = "srException"
)

// Code classifies a failure so callers can tell, for example, an
// unreachable server from a rejected request.
type Code string

const (
	// CodeApplication is an error reported by the server in the body.
	CodeApplication Code = "application"
	// CodeException is a structured exception (redirect, session, upgrade).
	CodeException Code = "srException"
	// CodeHTTPStatus is a status outside 2xx without a structured body.
	CodeHTTPStatus Code = "httpStatus"
	// CodeMalformed is an HTML or undecodable body.
	CodeMalformed Code = "malformed"
	// CodeProtocol is a frame the transport rejected.
	CodeProtocol Code = "protocol"
	// CodeTimeout is a request that got no reply in time.
	CodeTimeout Code = "timeout"
	// CodeTransport is a connection-level failure.
	CodeTransport Code = "transport"
	// CodeCanceled is a request abandoned by its caller. It never alerts.
	CodeCanceled Code = "canceled"
)

// Exception is a structured, server-signaled condition. RouteName names
// the client-side route the server wants the user sent to.
type Exception struct {
	RouteName string         `json:"routeName"`
	Params    map[string]any `json:"params,omitempty"`
}

// Failure is the single shape every request error is normalized to.
type Failure struct {
	State     string     `json:"state"`
	Message   string     `json:"error"`
	Code      Code       `json:"code"`
	Status    int        `json:"status,omitempty"`
	Route     string     `json:"route,omitempty"`
	Exception *Exception `json:"srException,omitempty"`

	cause error
}

func (f *Failure) Error() string {
	if f.Route != "" {
		return fmt.Sprintf("simqueue/rpc: %s: %s", f.Route, f.Message)
	}
	return "simqueue/rpc: " + f.Message
}

// Unwrap returns the underlying transport error, if any.
func (f *Failure) Unwrap() error { return f.cause }

// IsException reports whether f carries a structured exception.
func (f *Failure) IsException() bool { return f.State == StateException && f.Exception != nil }

// exceptionMessages holds the user-facing text for known exception routes.
var exceptionMessages = map[string]string{
	"login":          "Your session has expired, please sign in again.",
	"loginFail":      "Sign-in failed, please sign in again.",
	"sessionExpired": "Your session has expired, please sign in again.",
	"serverUpgraded": "The server was upgraded, please reload.",
}

func exceptionFailure(route string, exc *Exception, status int) *Failure {
	msg, ok := exceptionMessages[exc.RouteName]
	if !ok {
		msg = "server exception: " + exc.RouteName
	}
	return &Failure{
		State:     StateException,
		Message:   msg,
		Code:      CodeException,
		Status:    status,
		Route:     route,
		Exception: exc,
	}
}

func errorFailure(route string, code Code, status int, msg string, cause error) *Failure {
	return &Failure{
		State:   StateError,
		Message: msg,
		Code:    code,
		Status:  status,
		Route:   route,
		cause:   cause,
	}
}
