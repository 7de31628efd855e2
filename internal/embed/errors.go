package embed

import (
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrMissingCredentials indicates the provider API key is absent. Fatal for
// the whole operation; retrying cannot help a missing key.
var ErrMissingCredentials = errors.New("missing provider credentials")

// ChunkTooLargeError reports a single chunk exceeding the provider's input
// limit. It fails only that chunk; the rest of the batch still succeeds.
type ChunkTooLargeError struct {
	Index int // ordinal of the chunk within its source document
	Size  int
	Limit int
}

func (e *ChunkTooLargeError) Error() string {
	return fmt.Sprintf("chunk %d is %d bytes, exceeds provider limit of %d", e.Index, e.Size, e.Limit)
}

// RateLimitedError reports a 429 from the provider, carrying its suggested
// delay. Implements retry.Delayer so the backoff policy honors the hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by provider, retry after %s", e.RetryAfter)
}

// Delay returns the provider-suggested wait.
func (e *RateLimitedError) Delay() time.Duration { return e.RetryAfter }

// retryable reports whether an embedding call may succeed on retry:
// rate limits and provider 5xx. Auth and other 4xx failures propagate
// immediately.
func retryable(err error) bool {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500
	}
	return false
}
