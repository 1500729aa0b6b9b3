package reliability

import "strings"

// IsRetryableHTTPStatus classifies retryable HTTP status codes returned by a
// failed upstream websocket handshake.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeErrorType classifies upstream realtime error events by
// their error.type / error.code field. A retryable error means the client may
// resend the same request once the session is healthy again.
func IsRetryableRealtimeErrorType(errorType string) bool {
	switch strings.ToLower(strings.TrimSpace(errorType)) {
	case "rate_limit_exceeded", "server_error", "timeout", "overloaded", "resource_exhausted":
		return true
	default:
		return false
	}
}
