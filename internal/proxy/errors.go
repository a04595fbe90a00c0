// Package proxy implements the admission gate and the forwarding data plane
// between CodeTime clients and the upstream API.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
)

// ErrorHeader carries the machine-readable code of a proxy-generated response.
const ErrorHeader = "X-CodeTime-Proxy-Error"

// StatusClientClosedRequest marks exchanges abandoned by the client before
// the upstream answered. It is recorded but never written to the wire.
const StatusClientClosedRequest = 499

// ProxyError represents a structured proxy error response.
type ProxyError struct {
	HTTPCode int
	Code     string // ErrorHeader value
	Message  string // plain-text body
}

func (e *ProxyError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrUnsupportedClient = &ProxyError{
		HTTPCode: http.StatusForbidden,
		Code:     "UNSUPPORTED_CLIENT",
		Message:  "Unsupported client",
	}
	ErrUpstreamTimeout = &ProxyError{
		HTTPCode: http.StatusGatewayTimeout,
		Code:     "UPSTREAM_TIMEOUT",
		Message:  "Upstream connection or response timed out",
	}
	ErrUpstreamRequestFailed = &ProxyError{
		HTTPCode: http.StatusBadGateway,
		Code:     "UPSTREAM_REQUEST_FAILED",
		Message:  "Upstream request failed",
	}
	ErrClientClosedRequest = &ProxyError{
		HTTPCode: StatusClientClosedRequest,
		Code:     "CLIENT_CLOSED_REQUEST",
		Message:  "Client closed request",
	}
)

// writeProxyError writes a proxy-generated plain-text response.
func writeProxyError(w http.ResponseWriter, pe *ProxyError) {
	w.Header().Set(ErrorHeader, pe.Code)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(pe.HTTPCode)
	_, _ = w.Write([]byte(pe.Message))
}

// classifyUpstreamError maps a round-trip failure to the response the client
// sees. Client cancellation maps to ErrClientClosedRequest, which is recorded
// but not written.
func classifyUpstreamError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrClientClosedRequest
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrUpstreamTimeout
	}
	return ErrUpstreamRequestFailed
}
