package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lanternlabs/docmind/internal/apperr"
)

// sleepRecorder replaces real backoff waits and keeps the requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return nil
}

func (r *sleepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sleeps)
}

func newTestClient(baseURL string) (*openAIClient, *sleepRecorder) {
	rec := &sleepRecorder{}
	return &openAIClient{
		provider: "deepseek",
		model:    "deepseek-chat",
		handle:   newHandle(baseURL, "test-key"),
		logger:   zap.NewNop(),
		sleep:    rec.sleep,
	}, rec
}

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{
			"message":       Message{Role: RoleAssistant, Content: content},
			"finish_reason": "stop",
		}},
		"usage": Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
	return string(body)
}

// scriptedServer replies with each scripted response in turn, repeating the
// last one, and records the decoded request bodies.
type scriptedServer struct {
	mu       sync.Mutex
	requests []chatRequest
	statuses []int
	bodies   []string
	server   *httptest.Server
}

func newScriptedServer(t *testing.T, statuses []int, bodies []string) *scriptedServer {
	t.Helper()
	s := &scriptedServer{statuses: statuses, bodies: bodies}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		s.mu.Lock()
		i := len(s.requests)
		s.requests = append(s.requests, req)
		if i >= len(s.statuses) {
			i = len(s.statuses) - 1
		}
		status, body := s.statuses[i], s.bodies[i]
		s.mu.Unlock()

		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *scriptedServer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedServer) request(i int) chatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

var userMessages = []Message{{Role: RoleUser, Content: "hello"}}

func TestChatSuccess(t *testing.T) {
	srv := newScriptedServer(t, []int{200}, []string{completionBody("hi there")})
	client, rec := newTestClient(srv.server.URL)

	result, err := client.Chat(context.Background(), userMessages, Options{})
	require.NoError(t, err)

	assert.Equal(t, "hi there", result.Content)
	assert.Equal(t, "stop", result.FinishReason)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.Equal(t, 1, srv.calls())
	assert.Equal(t, 0, rec.count())
}

func TestChatEmptyMessages(t *testing.T) {
	client, _ := newTestClient("http://unused")

	_, err := client.Chat(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestChatAuthErrorNotRetried(t *testing.T) {
	srv := newScriptedServer(t, []int{401}, []string{`{"error":{"message":"bad key"}}`})
	client, rec := newTestClient(srv.server.URL)

	_, err := client.Chat(context.Background(), userMessages, Options{})

	var authErr *apperr.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "deepseek", authErr.Provider)
	assert.Equal(t, 1, srv.calls())
	assert.Equal(t, 0, rec.count())
}

func TestChatModelNotFoundNotRetried(t *testing.T) {
	srv := newScriptedServer(t, []int{404}, []string{`{"error":{"message":"no such model"}}`})
	client, _ := newTestClient(srv.server.URL)

	_, err := client.Chat(context.Background(), userMessages, Options{})

	var nfErr *apperr.ModelNotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "deepseek-chat", nfErr.Model)
	assert.Equal(t, 1, srv.calls())
}

func TestChatRateLimitExhausted(t *testing.T) {
	srv := newScriptedServer(t, []int{429}, []string{`{"error":{"message":"slow down"}}`})
	client, rec := newTestClient(srv.server.URL)

	_, err := client.Chat(context.Background(), userMessages, Options{})

	var rlErr *apperr.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 2, rlErr.RetryCount)
	assert.Equal(t, 3, srv.calls())
	assert.Equal(t, 2, rec.count())
	for _, d := range rec.sleeps {
		assert.LessOrEqual(t, d, backoffCap)
		assert.Positive(t, d)
	}
}

func TestChatRateLimitRecovers(t *testing.T) {
	srv := newScriptedServer(t,
		[]int{429, 200},
		[]string{`{"error":{"message":"slow down"}}`, completionBody("ok")})
	client, rec := newTestClient(srv.server.URL)

	result, err := client.Chat(context.Background(), userMessages, Options{})
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 2, srv.calls())
	assert.Equal(t, 1, rec.count())
}

func TestChatServiceUnavailableRetried(t *testing.T) {
	srv := newScriptedServer(t,
		[]int{503, 200},
		[]string{`{"error":{"message":"overloaded"}}`, completionBody("ok")})
	client, _ := newTestClient(srv.server.URL)

	result, err := client.Chat(context.Background(), userMessages, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 2, srv.calls())
}

func TestChatOtherStatusTerminal(t *testing.T) {
	srv := newScriptedServer(t, []int{500}, []string{`{"error":{"message":"boom"}}`})
	client, rec := newTestClient(srv.server.URL)

	_, err := client.Chat(context.Background(), userMessages, Options{})

	var connErr *apperr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, connErr.Reason, "500")
	assert.Equal(t, 1, srv.calls())
	assert.Equal(t, 0, rec.count())
}

func TestChatTransportFailureRetriedOnce(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, rec := newTestClient(url)

	_, err := client.Chat(context.Background(), userMessages, Options{})

	var connErr *apperr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, connErr.Reason, "transport failure")
	require.Equal(t, 1, rec.count())
	assert.Equal(t, transportBackoff, rec.sleeps[0])
}

func TestChatDeadlineStopsRetries(t *testing.T) {
	srv := newScriptedServer(t, []int{429}, []string{`{"error":{"message":"slow down"}}`})
	client, rec := newTestClient(srv.server.URL)

	// Remaining budget is under the floor, so no second attempt starts.
	_, err := client.Chat(context.Background(), userMessages, Options{
		Deadline: time.Now().Add(1 * time.Second),
	})

	var connErr *apperr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "retries exhausted", connErr.Reason)
	assert.Equal(t, 1, srv.calls())
	assert.Equal(t, 1, rec.count())
}

func TestChatJSONFormatSetsResponseFormat(t *testing.T) {
	srv := newScriptedServer(t, []int{200}, []string{completionBody(`{"answer":42}`)})
	client, _ := newTestClient(srv.server.URL)

	result, err := client.Chat(context.Background(), userMessages, Options{ResponseFormat: FormatJSON})
	require.NoError(t, err)

	assert.Equal(t, `{"answer":42}`, result.Content)
	req := srv.request(0)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
}

func TestChatJSONRepairReturnsSecondOutputVerbatim(t *testing.T) {
	repaired := `{"answer": 42}`
	srv := newScriptedServer(t,
		[]int{200, 200},
		[]string{completionBody("Sure! Here you go: {broken"), completionBody(repaired)})
	client, _ := newTestClient(srv.server.URL)

	result, err := client.Chat(context.Background(), userMessages, Options{ResponseFormat: FormatJSON})
	require.NoError(t, err)

	assert.Equal(t, repaired, result.Content)
	require.Equal(t, 2, srv.calls())

	// The repair replay carries the bad output and the repair instruction.
	retry := srv.request(1)
	require.Len(t, retry.Messages, 3)
	assert.Equal(t, RoleAssistant, retry.Messages[1].Role)
	assert.Contains(t, retry.Messages[1].Content, "{broken")
	assert.Equal(t, jsonRepairPrompt, retry.Messages[2].Content)
}

func TestChatJSONRepairExhausted(t *testing.T) {
	srv := newScriptedServer(t,
		[]int{200, 200},
		[]string{completionBody("nope"), completionBody("still not json")})
	client, _ := newTestClient(srv.server.URL)

	_, err := client.Chat(context.Background(), userMessages, Options{ResponseFormat: FormatJSON})

	var parseErr *apperr.OutputParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "json_invalid", parseErr.Reason)
	assert.Equal(t, "still not json", parseErr.RawOutput)
	assert.Equal(t, 2, srv.calls())
}

func TestChatSchemaHintPrepended(t *testing.T) {
	srv := newScriptedServer(t, []int{200}, []string{completionBody(`{"a":1,"b":2}`)})
	client, _ := newTestClient(srv.server.URL)

	schema := &SchemaHint{Required: []string{"a", "b"}}
	_, err := client.Chat(context.Background(), userMessages, Options{
		ResponseFormat: FormatJSON,
		Schema:         schema,
	})
	require.NoError(t, err)

	req := srv.request(0)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "JSON structure")
}

func TestChatSchemaRepair(t *testing.T) {
	repaired := `{"a":1,"b":2}`
	srv := newScriptedServer(t,
		[]int{200, 200},
		[]string{completionBody(`{"a":1}`), completionBody(repaired)})
	client, _ := newTestClient(srv.server.URL)

	result, err := client.Chat(context.Background(), userMessages, Options{
		ResponseFormat: FormatJSON,
		Schema:         &SchemaHint{Required: []string{"a", "b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, repaired, result.Content)
	require.Equal(t, 2, srv.calls())

	retry := srv.request(1)
	last := retry.Messages[len(retry.Messages)-1]
	assert.Contains(t, last.Content, "missing required fields")
	assert.Contains(t, last.Content, "b")
}

func TestChatSchemaRepairExhausted(t *testing.T) {
	srv := newScriptedServer(t,
		[]int{200, 200},
		[]string{completionBody(`{"a":1}`), completionBody(`{"a":1}`)})
	client, _ := newTestClient(srv.server.URL)

	_, err := client.Chat(context.Background(), userMessages, Options{
		ResponseFormat: FormatJSON,
		Schema:         &SchemaHint{Required: []string{"a", "b"}},
	})

	var parseErr *apperr.OutputParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "schema_mismatch", parseErr.Reason)
	assert.Equal(t, 2, srv.calls())
}

func TestChatSchemaSkippedForNonObject(t *testing.T) {
	srv := newScriptedServer(t, []int{200}, []string{completionBody(`[1,2,3]`)})
	client, _ := newTestClient(srv.server.URL)

	result, err := client.Chat(context.Background(), userMessages, Options{
		ResponseFormat: FormatJSON,
		Schema:         &SchemaHint{Required: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, result.Content)
	assert.Equal(t, 1, srv.calls())
}

func TestSchemaHintExpectedFields(t *testing.T) {
	required := SchemaHint{Required: []string{"b", "a"}, Properties: map[string]any{"c": nil}}
	assert.Equal(t, []string{"a", "b"}, required.ExpectedFields())

	propsOnly := SchemaHint{Properties: map[string]any{"z": nil, "x": nil}}
	assert.Equal(t, []string{"x", "z"}, propsOnly.ExpectedFields())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 500))
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, truncate(string(long), rawOutputLimit), rawOutputLimit)
}
