// Package llm defines the injected language-model capability that turns a
// text blob into audio-ready candidate sentences.
//
// The concrete provider, its prompts, and its own network retries are
// deliberately opaque to the pipeline. What the pipeline does need is the
// error classification: implementations mark retryable conditions
// (timeouts, 5xx, rate limits) so the chunk worker can distinguish
// transient from permanent failures without inspecting provider error
// types.
package llm

import (
	"context"
	"errors"
	"fmt"

	"lirevox.dev/common"
)

// Result is a successful normalization: the candidate sentences in
// document order and the billable token count of the call.
type Result struct {
	Sentences []string
	Tokens    int
}

// Client is the normalization capability.
type Client interface {
	// Normalize rewrites the text into short sentences under the given
	// settings. The context carries the per-call deadline.
	Normalize(ctx context.Context, text string, settings common.ProcessingSettings) (Result, error)
}

// TransientError wraps a retryable provider failure. Unwrap-compatible so
// callers can still reach the cause.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient llm failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether the error chain carries a retryable marker
// or a context deadline, both of which warrant backoff and retry.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
