package proxyrouter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/antoniostano/sessiond/internal/reliability"
)

// Kind is the machine-readable classification of an upstream router failure.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindAuthentication Kind = "authentication_error"
	KindAuthorization  Kind = "authorization_error"
	KindNotFound       Kind = "not_found_error"
	KindClient         Kind = "client_error"
	KindServer         Kind = "server_error"
	KindNetwork        Kind = "network_error"
	KindTimeout        Kind = "timeout_error"
	KindEmptyResponse  Kind = "empty_response"
	KindUnknown        Kind = "unknown"
)

// DefaultStatus maps a kind to the status surfaced to callers when the
// upstream did not supply one.
func (k Kind) DefaultStatus() int {
	switch k {
	case KindValidation, KindClient:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindServer, KindNetwork:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindEmptyResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified upstream router failure. Status is the upstream HTTP
// status when known (0 for transport-level failures).
type Error struct {
	Op      string
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("router %s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("router %s: %s: %s", e.Op, e.Kind, e.Message)
}

// HTTPStatus is the status to surface to the public caller. The upstream
// status, when known, overrides the taxonomy default.
func (e *Error) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	return e.Kind.DefaultStatus()
}

// Retryable reports whether the local retry loop may re-issue the call.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindValidation, KindAuthentication, KindAuthorization, KindNotFound, KindEmptyResponse:
		return false
	}
	if e.Status > 0 {
		return reliability.IsRetryableHTTPStatus(e.Status)
	}
	return e.Kind == KindNetwork || e.Kind == KindTimeout || e.Kind == KindServer
}

func classifyStatus(op string, status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	var kind Kind
	switch {
	case status == http.StatusBadRequest:
		kind = KindClient
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "validation") || strings.Contains(lower, "invalid") {
			kind = KindValidation
		}
	case status == http.StatusUnauthorized:
		kind = KindAuthentication
	case status == http.StatusForbidden:
		kind = KindAuthorization
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServer
	case status >= 400:
		kind = KindClient
	default:
		kind = KindUnknown
	}
	return &Error{Op: op, Kind: kind, Status: status, Message: msg}
}

func classifyTransport(op string, err error) *Error {
	kind := KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Message: err.Error()}
}

func emptyResponseError(op string) *Error {
	return &Error{Op: op, Kind: KindEmptyResponse, Status: http.StatusBadGateway, Message: "upstream returned an empty body"}
}

// IsSessionExpired reports whether err is an upstream rejection caused by the
// session being expired or no longer known. Both mean the same thing to a
// caller holding a session id: the session is unusable and a fresh one fixes
// it. The router signals expiry only through the error body text, so part of
// the match is textual; a 404 on a session-scoped call is the
// closed-between-check-and-use case.
func IsSessionExpired(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	if re.Status == 0 || re.Status == http.StatusOK {
		return false
	}
	if re.Kind == KindNotFound {
		return true
	}
	msg := strings.ToLower(re.Message)
	return strings.Contains(msg, "session expired") || strings.Contains(msg, "session not found")
}

// KindOf extracts the taxonomy kind from err, or KindUnknown for errors that
// did not originate from the router client.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}
