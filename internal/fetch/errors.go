package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork indicates a transport-level failure: DNS resolution,
	// connection refused, TLS handshake. Retryable.
	ErrNetwork = errors.New("network error")

	// ErrTimeout indicates the fetch exceeded its deadline with no
	// response. Retryable.
	ErrTimeout = errors.New("fetch timeout")

	// ErrBodyTooLarge indicates the response body exceeded the configured
	// size cap. Not retryable; a bigger response will not get smaller.
	ErrBodyTooLarge = errors.New("response body too large")
)

// UpstreamError reports a non-2xx HTTP response from the origin server.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// Retryable reports whether the operation may succeed on retry: transport
// failures, timeouts, and upstream 5xx. Client errors (4xx) are the
// caller's problem and are never retried.
func Retryable(err error) bool {
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) {
		return true
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status >= 500
	}
	return false
}
