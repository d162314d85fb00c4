package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"go.uber.org/zap"
)

// ErrorResponse is the standard format for gateway-synthesized errors.
// Provider error responses are never wrapped in this shape; they pass
// through verbatim.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// Stable machine-readable error codes for the client-visible contract.
const (
	CodeBadGateway      = "bad_gateway"
	CodeUpstreamTimeout = "upstream_timeout"
	CodeCanceled        = "canceled"
	CodeBackendNotFound = "backend_not_found"
	CodeBackendNoCred   = "backend_not_configured"
	CodeRequestTooLarge = "request_too_large"
	CodeInvalidRequest  = "invalid_request"
)

// WriteError writes a gateway ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, logger *zap.Logger, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil && logger != nil {
		logger.Error("failed to encode error response", zap.Error(err))
	}
}

// isTransient reports whether a transport error is worth retrying:
// connection-level failures (refused, reset, DNS) and timeouts. Anything
// the upstream actually answered is not a transport error and never
// reaches this function.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		return errors.As(urlErr.Err, &opErr)
	}
	return false
}

// isTimeout reports whether the error is a deadline-style failure, for
// mapping to 504 instead of 502.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
