// Package llm implements the chat completion client for OpenAI-compatible
// endpoints.
//
// One shared implementation serves every provider family; provider-specific
// construction (base URL, credential shape) is confined to the config
// resolver and the factory. The client turns partial, throttled, or malformed
// endpoint behavior into typed outcomes from the apperr taxonomy.
package llm

import (
	"sort"
	"time"
)

// Message roles accepted by the chat endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting reported by the endpoint, when present.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a single complete reply. Produced once per successful call and
// never mutated afterwards.
type Result struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// StreamEventType tags stream events.
type StreamEventType string

const (
	// StreamDelta carries an incremental text fragment.
	StreamDelta StreamEventType = "delta"
	// StreamDone terminates the stream. Every stream ends with exactly one.
	StreamDone StreamEventType = "done"
	// StreamError reports an unrecoverable failure. Always followed by a
	// StreamDone with finish reason "error".
	StreamError StreamEventType = "error"
)

// StreamEvent is one element of a streaming reply.
type StreamEvent struct {
	Type         StreamEventType
	Delta        string
	FinishReason string
	ErrorMessage string
}

// Response formats.
const (
	FormatPlain = ""
	FormatJSON  = "json"
)

// SchemaHint describes the JSON contract a structured reply must satisfy.
// The hint is serialized into the system prompt and its field-name set is
// checked against the parsed reply.
type SchemaHint struct {
	Required   []string       `json:"required,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ExpectedFields returns the field names a reply must contain: the explicit
// required list, or else the declared property names. Sorted for stable
// prompts and messages.
func (s *SchemaHint) ExpectedFields() []string {
	var fields []string
	if len(s.Required) > 0 {
		fields = append(fields, s.Required...)
	} else {
		for name := range s.Properties {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// Options tune a single chat call.
type Options struct {
	// Temperature overrides the endpoint default when non-nil.
	Temperature *float64

	// MaxTokens caps the reply length when positive.
	MaxTokens int

	// ResponseFormat is FormatPlain or FormatJSON.
	ResponseFormat string

	// Schema is the JSON contract, only honored with FormatJSON.
	Schema *SchemaHint

	// Deadline is the absolute point after which retrying stops. The zero
	// value means no deadline. Checked only between attempts; an in-flight
	// request may overrun it by up to one request latency.
	Deadline time.Time
}
