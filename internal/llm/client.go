package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lanternlabs/docmind/internal/apperr"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("docmind.llm")

// Retry policy constants.
const (
	// maxRetries is the retry budget after the initial attempt (3 attempts total).
	maxRetries = 2

	// deadlineFloor stops retrying when less budget than this remains.
	deadlineFloor = 5 * time.Second

	// backoffCap bounds the throttling backoff.
	backoffCap = 3 * time.Second

	// transportBackoff is the flat delay before the single transport-failure retry.
	transportBackoff = 1 * time.Second

	// requestTimeout bounds one non-streaming HTTP attempt.
	requestTimeout = 60 * time.Second

	// rawOutputLimit caps the raw output captured in parse errors.
	rawOutputLimit = 500
)

// Repair instructions appended when a structured reply misses its contract.
const (
	jsonRepairPrompt   = "The previous output was not valid JSON. Output only valid JSON, with no explanation."
	schemaRepairFormat = "The output is missing required fields. It must include: %v. Output the complete JSON again."
	schemaHintFormat   = "Respond strictly following this JSON structure: %s"
)

// Client delivers chat completions.
type Client interface {
	// Chat returns a single complete reply for the conversation.
	Chat(ctx context.Context, messages []Message, opts Options) (*Result, error)

	// ChatStream returns a lazy, finite, non-restartable event sequence.
	// The stream always terminates with exactly one done event, even when the
	// underlying call fails; failures surface as an error event, never as a
	// panic or a hung channel.
	ChatStream(ctx context.Context, messages []Message, opts Options) <-chan StreamEvent
}

// openAIClient is the shared implementation for all OpenAI-compatible
// providers.
type openAIClient struct {
	provider string
	model    string
	handle   *Handle
	logger   *zap.Logger

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Chat performs a single-shot completion with retry and, for FormatJSON,
// contract enforcement.
func (c *openAIClient) Chat(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "llm.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.provider),
		attribute.String("model", c.model),
	)

	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: messages cannot be empty", apperr.ErrInvalidArgument)
	}

	if err := c.handle.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	if opts.ResponseFormat == FormatJSON {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
		if opts.Schema != nil {
			hint, err := json.Marshal(opts.Schema)
			if err != nil {
				return nil, fmt.Errorf("marshaling schema hint: %w", err)
			}
			req.Messages = append([]Message{
				{Role: RoleSystem, Content: fmt.Sprintf(schemaHintFormat, hint)},
			}, req.Messages...)
		}
	}

	start := time.Now()
	raw, usage, err := c.callWithRetry(ctx, req, opts.Deadline)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		chatRequestsTotal.WithLabelValues(c.provider, "error").Inc()
		return nil, err
	}

	if opts.ResponseFormat == FormatJSON {
		raw, err = c.ensureJSON(ctx, raw, req, opts.Schema, opts.Deadline)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			chatRequestsTotal.WithLabelValues(c.provider, "error").Inc()
			return nil, err
		}
	}

	chatRequestsTotal.WithLabelValues(c.provider, "success").Inc()
	chatDuration.Observe(time.Since(start).Seconds())

	promptChars := 0
	for _, m := range messages {
		promptChars += len(m.Content)
	}
	c.logger.Info("llm chat",
		zap.String("provider", c.provider),
		zap.String("model", c.model),
		zap.Int("prompt_chars", promptChars),
		zap.Int("output_chars", len(raw)),
	)

	span.SetStatus(codes.Ok, "success")
	return &Result{Content: raw, FinishReason: "stop", Usage: usage}, nil
}

// callWithRetry issues the request with at most three total attempts,
// classifying each failure.
//
// Classification per attempt:
//   - 401: terminal AuthError, never retried
//   - 404: terminal ModelNotFoundError, never retried
//   - 429/503: retried with capped exponential backoff plus jitter while
//     attempts remain, then RateLimitError
//   - other statuses: terminal ConnectionError
//   - transport failures: retried once with a flat backoff, then ConnectionError
//
// Before any retry attempt, a set deadline with under deadlineFloor of budget
// left stops the loop. The deadline is cooperative: it is never checked while
// a request is in flight.
func (c *openAIClient) callWithRetry(ctx context.Context, req chatRequest, deadline time.Time) (string, *Usage, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 && !deadline.IsZero() && time.Until(deadline) < deadlineFloor {
			break
		}

		content, usage, status, err := c.doRequest(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			if attempt < 1 {
				chatRetriesTotal.WithLabelValues(c.provider).Inc()
				if serr := c.sleep(ctx, transportBackoff); serr != nil {
					return "", nil, serr
				}
				continue
			}
			return "", nil, &apperr.ConnectionError{
				Provider: c.provider,
				BaseURL:  c.handle.baseURL,
				Reason:   fmt.Sprintf("transport failure: %v", err),
			}
		}

		switch {
		case status == http.StatusOK:
			return content, usage, nil
		case status == http.StatusUnauthorized:
			return "", nil, &apperr.AuthError{Provider: c.provider, Model: c.model}
		case status == http.StatusNotFound:
			return "", nil, &apperr.ModelNotFoundError{Provider: c.provider, Model: c.model}
		case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
			if attempt < maxRetries {
				secs := float64(int(1)<<attempt) + rand.Float64()
				backoff := time.Duration(secs * float64(time.Second))
				if backoff > backoffCap {
					backoff = backoffCap
				}
				chatRetriesTotal.WithLabelValues(c.provider).Inc()
				if serr := c.sleep(ctx, backoff); serr != nil {
					return "", nil, serr
				}
				continue
			}
			return "", nil, &apperr.RateLimitError{Provider: c.provider, RetryCount: attempt}
		default:
			return "", nil, &apperr.ConnectionError{
				Provider: c.provider,
				BaseURL:  c.handle.baseURL,
				Reason:   fmt.Sprintf("status %d", status),
			}
		}
	}

	return "", nil, &apperr.ConnectionError{
		Provider: c.provider,
		BaseURL:  c.handle.baseURL,
		Reason:   "retries exhausted",
	}
}

// doRequest performs one HTTP attempt. A non-nil error means a transport
// failure; HTTP-level failures are reported through the status code.
func (c *openAIClient) doRequest(ctx context.Context, req chatRequest) (string, *Usage, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, 0, fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.handle.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, 0, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.handle.apiKey)

	resp, err := c.handle.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, 0, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", nil, resp.StatusCode, nil
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", nil, 0, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", parsed.Usage, resp.StatusCode, nil
	}
	return parsed.Choices[0].Message.Content, parsed.Usage, resp.StatusCode, nil
}

// ensureJSON enforces the JSON contract: parse, then optionally check the
// schema's field-name set, with one replay-and-repair round for each stage.
// The returned text is the original or repaired raw output verbatim, never a
// re-serialization.
func (c *openAIClient) ensureJSON(ctx context.Context, raw string, req chatRequest, schema *SchemaHint, deadline time.Time) (string, error) {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		retryReq := req
		retryReq.Messages = append(append([]Message{}, req.Messages...),
			Message{Role: RoleAssistant, Content: raw},
			Message{Role: RoleUser, Content: jsonRepairPrompt},
		)
		retryRaw, _, rerr := c.callWithRetry(ctx, retryReq, deadline)
		if rerr != nil {
			return "", rerr
		}
		if err := json.Unmarshal([]byte(retryRaw), &parsed); err != nil {
			return "", &apperr.OutputParseError{
				Reason:    "json_invalid",
				Provider:  c.provider,
				Model:     c.model,
				RawOutput: truncate(retryRaw, rawOutputLimit),
			}
		}
		raw = retryRaw
	}

	obj, isObject := parsed.(map[string]any)
	if schema == nil || !isObject {
		return raw, nil
	}

	expected := schema.ExpectedFields()
	if len(expected) == 0 || fieldsPresent(obj, expected) {
		return raw, nil
	}

	retryReq := req
	retryReq.Messages = append(append([]Message{}, req.Messages...),
		Message{Role: RoleAssistant, Content: raw},
		Message{Role: RoleUser, Content: fmt.Sprintf(schemaRepairFormat, expected)},
	)
	retryRaw, _, rerr := c.callWithRetry(ctx, retryReq, deadline)
	if rerr != nil {
		return "", rerr
	}

	var retryParsed map[string]any
	if err := json.Unmarshal([]byte(retryRaw), &retryParsed); err == nil && fieldsPresent(retryParsed, expected) {
		return retryRaw, nil
	}
	return "", &apperr.OutputParseError{
		Reason:    "schema_mismatch",
		Provider:  c.provider,
		Model:     c.model,
		RawOutput: truncate(retryRaw, rawOutputLimit),
	}
}

// fieldsPresent reports whether every expected field name is a key of obj.
func fieldsPresent(obj map[string]any, expected []string) bool {
	for _, name := range expected {
		if _, ok := obj[name]; !ok {
			return false
		}
	}
	return true
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
