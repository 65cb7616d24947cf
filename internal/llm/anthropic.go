package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// messagesClient captures the subset of the Anthropic SDK client this
// package calls, so tests can substitute a fake instead of the real SDK.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) interface {
		Next() bool
		Current() sdk.MessageStreamEventUnion
		Err() error
		Close() error
	}
}

// sdkStreamAdapter narrows *ssestream.Stream[sdk.MessageStreamEventUnion]
// down to the interface messagesClient.NewStreaming declares, so this
// package does not need to name the ssestream generic type directly.
type sdkStreamAdapter struct {
	stream *sdkStream
}

// anthropicClient implements Client on top of the real Anthropic Messages
// API. It replaces the teacher's hand-rolled net/http request building
// with the official SDK, adapted the way goa-ai's model/anthropic package
// does it.
type anthropicClient struct {
	msg       messagesClient
	model     string
	maxTokens int
	info      ModelInfo

	// limiter smooths request bursts within this process as a defensive
	// ceiling; it is independent of the scheduler's sliding-window admission
	// control, which governs whether a request is admitted at all.
	limiter *rate.Limiter
}

// AnthropicConfig configures NewAnthropicClient.
type AnthropicConfig struct {
	APIKey        string
	Model         string
	MaxTokens     int
	ContextWindow int
	// RequestsPerSecond bounds this process's Anthropic call rate as a
	// token-bucket ceiling. Zero disables the limiter.
	RequestsPerSecond float64
}

// NewAnthropicClient builds a Client backed by the real Anthropic SDK.
func NewAnthropicClient(cfg AnthropicConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	sdkClient := sdk.NewClient(option.WithAPIKey(cfg.APIKey))

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &anthropicClient{
		msg:       &sdkMessagesAdapter{svc: &sdkClient.Messages},
		model:     cfg.Model,
		maxTokens: maxTokens,
		info:      ModelInfo{ID: cfg.Model, ContextWindow: cfg.ContextWindow},
		limiter:   limiter,
	}, nil
}

func (c *anthropicClient) ModelInfo() ModelInfo { return c.info }

func (c *anthropicClient) Close() error { return nil }

func (c *anthropicClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *anthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, &NetworkError{Err: err}
	}
	params, err := c.buildParams(req)
	if err != nil {
		return nil, &InvalidResponseError{Reason: err.Error()}
	}

	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classifyAnthropicErr(err)
	}
	return translateMessage(msg)
}

func (c *anthropicClient) Stream(ctx context.Context, req *Request, sink chan<- Chunk) (*Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, &NetworkError{Err: err}
	}
	params, err := c.buildParams(req)
	if err != nil {
		return nil, &InvalidResponseError{Reason: err.Error()}
	}

	stream := c.msg.NewStreaming(ctx, *params)
	defer stream.Close()

	var (
		text       string
		toolCalls  []ToolCall
		stopReason StopReason
		usage      Usage
		open       = map[int64]*ToolCall{}
		openJSON   = map[int64][]byte{}
	)

	for stream.Next() {
		ev := stream.Current()
		switch kind := ev.Type; kind {
		case "content_block_start":
			block := ev.ContentBlock
			if block.Type == "tool_use" {
				tc := &ToolCall{ID: block.ID, Name: block.Name}
				open[ev.Index] = tc
				sink <- Chunk{Type: ChunkToolUseStart, ToolCall: tc}
			}
		case "content_block_delta":
			delta := ev.Delta
			switch delta.Type {
			case "text_delta":
				text += delta.Text
				sink <- Chunk{Type: ChunkTextDelta, Text: delta.Text}
			case "input_json_delta":
				openJSON[ev.Index] = append(openJSON[ev.Index], []byte(delta.PartialJSON)...)
				sink <- Chunk{Type: ChunkToolUseDelta}
			}
		case "content_block_stop":
			if tc, ok := open[ev.Index]; ok {
				raw := openJSON[ev.Index]
				if len(raw) == 0 {
					raw = []byte("{}")
				}
				tc.Args = json.RawMessage(raw)
				toolCalls = append(toolCalls, *tc)
				delete(open, ev.Index)
				delete(openJSON, ev.Index)
				sink <- Chunk{Type: ChunkToolUseEnd, ToolCall: tc}
			}
		case "message_delta":
			stopReason = StopReason(ev.Delta.StopReason)
			usage = Usage{
				InputTokens:      ev.Usage.InputTokens,
				OutputTokens:     ev.Usage.OutputTokens,
				CacheReadTokens:  ev.Usage.CacheReadInputTokens,
				CacheWriteTokens: ev.Usage.CacheCreationInputTokens,
			}
		case "message_stop":
			sink <- Chunk{Type: ChunkMessageDone}
		}
	}
	if err := stream.Err(); err != nil {
		classified := classifyAnthropicErr(err)
		sink <- Chunk{Type: ChunkError, Err: classified}
		return nil, classified
	}

	return &Response{Text: text, ToolCalls: toolCalls, StopReason: stopReason, Usage: usage}, nil
}

func (c *anthropicClient) buildParams(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("at least one message is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := encodeBlocks(m)
		switch m.Role {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		default:
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		}
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeBlocks(m Message) []sdk.ContentBlockParamUnion {
	if len(m.Blocks) == 0 {
		if m.Text == "" {
			return nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Text)}
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			blocks = append(blocks, sdk.NewTextBlock(b.Text))
		case "tool_use":
			var input any
			if err := json.Unmarshal(b.ToolInput, &input); err != nil {
				input = map[string]any{}
			}
			blocks = append(blocks, sdk.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
		case "tool_result":
			blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.ToolResult, b.ToolIsError))
		}
	}
	return blocks
}

func encodeTools(defs []ToolDef) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schemaFields map[string]any
		if len(d.Parameters) > 0 {
			if err := json.Unmarshal(d.Parameters, &schemaFields); err != nil {
				return nil, fmt.Errorf("tool %q: decoding parameters: %w", d.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, d.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(d.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func translateMessage(msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, &InvalidResponseError{Reason: "nil message"}
	}
	resp := &Response{StopReason: StopReason(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			argsJSON, err := json.Marshal(block.Input)
			if err != nil {
				argsJSON = []byte("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: argsJSON,
			})
		}
	}
	resp.Usage = Usage{
		InputTokens:      msg.Usage.InputTokens,
		OutputTokens:     msg.Usage.OutputTokens,
		CacheReadTokens:  msg.Usage.CacheReadInputTokens,
		CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
	}
	return resp, nil
}

// classifyAnthropicErr maps an error returned by the SDK into the llm
// package's rate_limited/api_error/network taxonomy.
func classifyAnthropicErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			retryAfter := 0
			if ra := apiErr.Response.Header.Get("retry-after"); ra != "" {
				if d, parseErr := time.ParseDuration(ra + "s"); parseErr == nil {
					retryAfter = int(d.Seconds())
				}
			}
			return &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
		return &APIError{Status: apiErr.StatusCode, Message: apiErr.Message}
	}
	return &NetworkError{Err: err}
}

// sdkStream is a narrowing alias kept local so the exported interface
// above does not need to spell out the generic ssestream type.
type sdkStream = interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

// sdkMessagesAdapter adapts *sdk.MessageService to messagesClient.
type sdkMessagesAdapter struct {
	svc *sdk.MessageService
}

func (a *sdkMessagesAdapter) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	return a.svc.New(ctx, body, opts...)
}

func (a *sdkMessagesAdapter) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) sdkStream {
	return a.svc.NewStreaming(ctx, body, opts...)
}
