package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

// assertTerminalDone checks the stream contract: the done event exists,
// is unique, and closes the sequence.
func assertTerminalDone(t *testing.T, events []StreamEvent) StreamEvent {
	t.Helper()
	require.NotEmpty(t, events)
	doneCount := 0
	for _, ev := range events {
		if ev.Type == StreamDone {
			doneCount++
		}
	}
	require.Equal(t, 1, doneCount)
	last := events[len(events)-1]
	require.Equal(t, StreamDone, last.Type)
	return last
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatStreamDeltas(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	client, _ := newTestClient(srv.URL)

	events := collectEvents(t, client.ChatStream(context.Background(), userMessages, Options{}))

	done := assertTerminalDone(t, events)
	assert.Equal(t, "stop", done.FinishReason)

	var text strings.Builder
	for _, ev := range events {
		assert.NotEqual(t, StreamError, ev.Type)
		if ev.Type == StreamDelta {
			text.WriteString(ev.Delta)
		}
	}
	assert.Equal(t, "Hello", text.String())
}

func TestChatStreamIgnoresKeepalivesAndEmptyChoices(t *testing.T) {
	srv := sseServer(t,
		`: keepalive`,
		``,
		`data: {"choices":[]}`,
		`data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	client, _ := newTestClient(srv.URL)

	events := collectEvents(t, client.ChatStream(context.Background(), userMessages, Options{}))

	done := assertTerminalDone(t, events)
	assert.Equal(t, "stop", done.FinishReason)
	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Delta)
}

func TestChatStreamRejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	t.Cleanup(srv.Close)
	client, _ := newTestClient(srv.URL)

	events := collectEvents(t, client.ChatStream(context.Background(), userMessages, Options{}))

	done := assertTerminalDone(t, events)
	assert.Equal(t, "error", done.FinishReason)

	require.Len(t, events, 2)
	assert.Equal(t, StreamError, events[0].Type)
	assert.Contains(t, events[0].ErrorMessage, "bad key")
	assert.Contains(t, events[0].ErrorMessage, "401")
}

func TestChatStreamEmptyMessages(t *testing.T) {
	client, _ := newTestClient("http://unused")

	events := collectEvents(t, client.ChatStream(context.Background(), nil, Options{}))

	done := assertTerminalDone(t, events)
	assert.Equal(t, "error", done.FinishReason)
	require.Len(t, events, 2)
	assert.Equal(t, StreamError, events[0].Type)
}

func TestChatStreamTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client, _ := newTestClient(url)

	events := collectEvents(t, client.ChatStream(context.Background(), userMessages, Options{}))

	done := assertTerminalDone(t, events)
	assert.Equal(t, "error", done.FinishReason)
	assert.Equal(t, StreamError, events[0].Type)
}

func TestChatStreamMalformedChunk(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"par"}}]}`,
		`data: {not json`,
	)
	client, _ := newTestClient(srv.URL)

	events := collectEvents(t, client.ChatStream(context.Background(), userMessages, Options{}))

	done := assertTerminalDone(t, events)
	assert.Equal(t, "error", done.FinishReason)

	require.Len(t, events, 3)
	assert.Equal(t, StreamDelta, events[0].Type)
	assert.Equal(t, StreamError, events[1].Type)
}

func TestChatStreamNoDoneMarker(t *testing.T) {
	// Server ends the body without [DONE]; the stream still terminates.
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
	)
	client, _ := newTestClient(srv.URL)

	events := collectEvents(t, client.ChatStream(context.Background(), userMessages, Options{}))

	done := assertTerminalDone(t, events)
	assert.Equal(t, "error", done.FinishReason)
}

func TestChatStreamJSONFormat(t *testing.T) {
	var gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat != nil {
			gotFormat = req.ResponseFormat.Type
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	client, _ := newTestClient(srv.URL)

	collectEvents(t, client.ChatStream(context.Background(), userMessages, Options{ResponseFormat: FormatJSON}))

	assert.Equal(t, "json_object", gotFormat)
}
