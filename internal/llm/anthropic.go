package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
	defaultMaxRetries     = 3
	defaultRetryDelay     = 1 * time.Second

	// maxEmptyStreamEvents bounds consecutive unrecognized events before
	// the stream is declared malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicClient drives Claude models over the streaming messages API,
// accumulating each stream into a whole-turn Response.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicClient validates the config and builds a client.
func NewAnthropicClient(config AnthropicConfig) (*AnthropicClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

// Name identifies the provider.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Complete runs one completion turn. Transient failures retry with
// exponential backoff up to the configured attempt cap; timeouts get
// exactly one extra attempt before surfacing.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	timeoutRetried := false
	for attempt := 1; ; attempt++ {
		resp, err := c.stream(ctx, params)
		if err == nil {
			resp.Model = model
			return resp, nil
		}

		werr := c.wrapError(err, model)
		if ctx.Err() != nil {
			return nil, werr
		}

		kind := KindOf(werr)
		switch {
		case kind == KindTimeout:
			if timeoutRetried {
				return nil, werr
			}
			timeoutRetried = true
		case kind.Retryable():
			if attempt >= c.maxRetries {
				return nil, werr
			}
		default:
			return nil, werr
		}

		backoff := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt-1)))
		select {
		case <-ctx.Done():
			return nil, werr
		case <-time.After(backoff):
		}
	}
}

func (c *AnthropicClient) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// stream consumes one SSE stream and folds it into a Response.
func (c *AnthropicClient) stream(ctx context.Context, params anthropic.MessageNewParams) (*Response, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)

	resp := &Response{}
	var text strings.Builder
	var toolCall *ToolCall
	var toolArgs strings.Builder
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				resp.Usage.InputTokens = start.Message.Usage.InputTokens
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &ToolCall{ID: use.ID, Name: use.Name}
				toolArgs.Reset()
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolArgs.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if toolCall != nil {
				args := toolArgs.String()
				if args == "" {
					args = "{}"
				}
				toolCall.Args = json.RawMessage(args)
				resp.ToolCalls = append(resp.ToolCalls, *toolCall)
				toolCall = nil
			}
			processed = true

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = delta.Usage.OutputTokens
			}
			processed = true

		case "message_stop":
			resp.Text = text.String()
			if len(resp.ToolCalls) > 0 {
				resp.StopReason = StopToolUse
			} else {
				resp.StopReason = StopEndTurn
			}
			return resp, nil

		case "error":
			return nil, errors.New("anthropic: stream error event")
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, fmt.Errorf("anthropic: malformed stream, %d consecutive unrecognized events", emptyEvents)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("anthropic: stream ended before message_stop")
}

func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		// System text travels in the request params, not the transcript.
		if msg.Role == RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Args, &args); err != nil {
				return nil, fmt.Errorf("anthropic: tool call %s has invalid args: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %s has invalid schema: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool %s did not produce a valid definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *AnthropicClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsError(err) {
		return err
	}

	// The SDK error's Error() formats from the embedded HTTP exchange, so
	// the message is mined from the raw payload instead.
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		werr := &Error{
			Kind:     KindRetryable,
			Provider: "anthropic",
			Model:    model,
			Message:  "anthropic request failed",
			Cause:    err,
		}
		werr = werr.WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				werr = werr.WithMessage(payload.Error.Message).WithCode(payload.Error.Type)
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		return werr.WithRequestID(requestID)
	}

	return NewError("anthropic", model, err)
}
