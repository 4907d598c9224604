package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// streamBufferSize is the event channel capacity. A small buffer decouples
// network reads from a momentarily slow consumer without hiding backpressure.
const streamBufferSize = 16

// maxStreamLine bounds one SSE line; chunks carry small deltas, so 1MB is
// generous headroom.
const maxStreamLine = 1 << 20

// ChatStream performs a single streaming call. One network attempt, no retry:
// retrying is undefined once part of a reply has been emitted.
//
// Every failure mode funnels into the event sequence itself. The channel
// always delivers exactly one terminal done event (finish reason "error" when
// none was reported), preceded by at most one error event, and is then
// closed. Cancelling ctx abandons the underlying call.
func (c *openAIClient) ChatStream(ctx context.Context, messages []Message, opts Options) <-chan StreamEvent {
	events := make(chan StreamEvent, streamBufferSize)

	go func() {
		defer close(events)

		_, span := tracer.Start(ctx, "llm.ChatStream")
		defer span.End()
		span.SetAttributes(
			attribute.String("provider", c.provider),
			attribute.String("model", c.model),
		)

		finishReason := "error"
		defer func() {
			c.emit(ctx, events, StreamEvent{Type: StreamDone, FinishReason: finishReason})
		}()

		if len(messages) == 0 {
			c.emit(ctx, events, StreamEvent{Type: StreamError, ErrorMessage: "messages cannot be empty"})
			return
		}

		req := chatRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Stream:      true,
		}
		if opts.ResponseFormat == FormatJSON {
			req.ResponseFormat = &responseFormat{Type: "json_object"}
		}

		resp, err := c.openStream(ctx, req)
		if err != nil {
			streamErrorsTotal.WithLabelValues(c.provider).Inc()
			c.emit(ctx, events, StreamEvent{Type: StreamError, ErrorMessage: err.Error()})
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				streamErrorsTotal.WithLabelValues(c.provider).Inc()
				c.emit(ctx, events, StreamEvent{Type: StreamError, ErrorMessage: fmt.Sprintf("decoding chunk: %v", err)})
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !c.emit(ctx, events, StreamEvent{Type: StreamDelta, Delta: delta}) {
					return
				}
			}
			if reason := chunk.Choices[0].FinishReason; reason != "" {
				finishReason = reason
			}
		}
		if err := scanner.Err(); err != nil {
			streamErrorsTotal.WithLabelValues(c.provider).Inc()
			c.emit(ctx, events, StreamEvent{Type: StreamError, ErrorMessage: err.Error()})
		}
	}()

	return events
}

// openStream issues the streaming request and verifies the response is
// streamable. Non-200 statuses are reported as errors carrying the endpoint's
// error message when one is decodable.
func (c *openAIClient) openStream(ctx context.Context, req chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.handle.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.handle.apiKey)

	resp, err := c.handle.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var envelope apiError
		if jerr := json.Unmarshal(respBody, &envelope); jerr == nil && envelope.Error.Message != "" {
			return nil, fmt.Errorf("stream rejected (%d): %s", resp.StatusCode, envelope.Error.Message)
		}
		return nil, fmt.Errorf("stream rejected (%d)", resp.StatusCode)
	}

	return resp, nil
}

// emit sends an event unless the consumer has gone away. Reports false when
// the send was abandoned.
func (c *openAIClient) emit(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
