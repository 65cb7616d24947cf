// Package llm wraps the Anthropic Messages API behind a small interface:
// a single stateless Complete call and a Stream call that emits chunks to
// a bounded sink while still returning the same aggregate response. Loop
// iterations never carry conversation state across calls — every request
// is built fresh from the loop's current context per the Ralph-loop model.
package llm

import (
	"encoding/json"
	"context"
	"fmt"
)

// Client is the interface loopengine calls against. The only production
// implementation is anthropicClient; the interface exists so tests can
// substitute a fake without touching the SDK.
type Client interface {
	// Complete issues a single stateless request and returns the model's
	// full response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream issues the same request but emits incremental Chunks to sink
	// as they arrive, returning the same aggregate Response once done.
	// Stream never closes sink; the caller owns it.
	Stream(ctx context.Context, req *Request, sink chan<- Chunk) (*Response, error)

	// ModelInfo describes the model this client is bound to.
	ModelInfo() ModelInfo

	Close() error
}

// Request is the input to Complete/Stream.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Message is one turn of conversation. Blocks holds structured content
// (text, tool_use, tool_result); Text is a convenience for the common
// plain-text-only case and is ignored when Blocks is non-empty.
type Message struct {
	Role   string // "user" or "assistant"
	Text   string
	Blocks []ContentBlock
}

// ContentBlock is one piece of a message.
type ContentBlock struct {
	Type string // "text", "tool_use", "tool_result"

	Text string // Type == "text"

	ToolUseID string          // Type == "tool_use" / "tool_result"
	ToolName  string          // Type == "tool_use"
	ToolInput json.RawMessage // Type == "tool_use"

	ToolResult  string // Type == "tool_result"
	ToolIsError bool   // Type == "tool_result"
}

// ToolDef declares one tool available to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// StopReason enumerates why the model stopped generating.
type StopReason string

const (
	StopEndTurn     StopReason = "end_turn"
	StopToolUse     StopReason = "tool_use"
	StopMaxTokens   StopReason = "max_tokens"
	StopSequence    StopReason = "stop_sequence"
	StopReasonUnset StopReason = ""
)

// Usage records token accounting, including Anthropic's prompt-caching
// fields.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Response is the model's aggregate response to a Complete or Stream call.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// ChunkType enumerates the kinds of streaming events per spec.md §4.2.
type ChunkType string

const (
	ChunkTextDelta    ChunkType = "text_delta"
	ChunkToolUseStart ChunkType = "tool_use_start"
	ChunkToolUseDelta ChunkType = "tool_use_delta"
	ChunkToolUseEnd   ChunkType = "tool_use_end"
	ChunkMessageDone  ChunkType = "message_done"
	ChunkError        ChunkType = "error"
)

// Chunk is one streamed event.
type Chunk struct {
	Type     ChunkType
	Text     string    // ChunkTextDelta
	ToolCall *ToolCall // ChunkToolUseStart / ChunkToolUseEnd
	Err      error     // ChunkError
}

// ModelInfo describes the model a Client talks to.
type ModelInfo struct {
	ID            string
	ContextWindow int
}

// RateLimitedError means the API asked the caller to back off.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("llm: rate limited, retry after %ds", e.RetryAfterSeconds)
}

// APIError wraps a non-2xx HTTP response from the Anthropic API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: api error %d: %s", e.Status, e.Message)
}

// NetworkError wraps a transport-level failure (DNS, connection refused,
// timeout before any response was received).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("llm: network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidResponseError means the API returned a 2xx response this client
// could not parse into a Response.
type InvalidResponseError struct {
	Reason string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("llm: invalid response: %s", e.Reason)
}

// Retryable reports whether err should be retried by the retry middleware:
// rate limits, network errors, and 5xx API errors are; 4xx API errors and
// invalid-response errors are not.
func Retryable(err error) bool {
	switch e := err.(type) {
	case *RateLimitedError:
		return true
	case *NetworkError:
		return true
	case *APIError:
		return e.Status >= 500
	case *InvalidResponseError:
		return false
	default:
		return false
	}
}
