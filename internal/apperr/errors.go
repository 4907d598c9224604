// Package apperr defines the shared error taxonomy for the LLM and vector
// store layers.
//
// LLM-side failures are typed so callers can branch on the failure class with
// errors.As: credential problems (AuthError), bad model ids
// (ModelNotFoundError), sustained throttling (RateLimitError), transport or
// unclassified HTTP failures (ConnectionError), and unsatisfiable JSON
// contracts (OutputParseError). Every type carries enough context (provider,
// model, counts) to log and alert on without re-deriving it at the call site.
package apperr

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument indicates caller misuse (e.g. a missing embed model).
// Wrap it with context: fmt.Errorf("%w: embed model required", ErrInvalidArgument).
var ErrInvalidArgument = errors.New("invalid argument")

// AuthError indicates the credential was rejected (HTTP 401). Terminal, never
// retried.
type AuthError struct {
	Provider string
	Model    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("invalid API key for provider %s (model %s)", e.Provider, e.Model)
}

// ModelNotFoundError indicates the requested model id does not exist at the
// endpoint (HTTP 404). Terminal, never retried.
type ModelNotFoundError struct {
	Provider string
	Model    string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %s not found at provider %s", e.Model, e.Provider)
}

// RateLimitError indicates the endpoint was still throttling (429/503) after
// all retry attempts were spent. RetryCount is the number of retries
// performed, not counting the initial attempt.
type RateLimitError struct {
	Provider   string
	RetryCount int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by provider %s after %d retries", e.Provider, e.RetryCount)
}

// ConnectionError covers transport failures, timeouts, and HTTP statuses with
// no more specific classification. Reason distinguishes the paths that
// produced it ("timeout", "retries exhausted", "status 500", ...).
type ConnectionError struct {
	Provider string
	BaseURL  string
	Reason   string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to provider %s (%s) failed: %s", e.Provider, e.BaseURL, e.Reason)
}

// OutputParseError indicates the model output never satisfied the JSON
// contract, even after repair attempts. Reason is "json_invalid" or
// "schema_mismatch". RawOutput holds at most the first 500 characters of the
// offending output.
type OutputParseError struct {
	Reason    string
	Provider  string
	Model     string
	RawOutput string
}

func (e *OutputParseError) Error() string {
	return fmt.Sprintf("unparseable output from %s/%s: %s", e.Provider, e.Model, e.Reason)
}
