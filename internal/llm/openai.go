package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIClient drives chat models through the OpenAI-compatible API. One
// non-streaming request per completion turn.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIClient validates the config and builds a client.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

// Name identifies the provider.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Complete runs one completion turn with the same retry policy as the
// Anthropic client.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertOpenAIMessages(req.System, req.Messages),
		MaxTokens: maxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	timeoutRetried := false
	for attempt := 1; ; attempt++ {
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			return convertOpenAIResponse(resp), nil
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

func convertOpenAIResponse(resp openai.ChatCompletionResponse) *Response {
	out := &Response{
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		out.StopReason = StopEndTurn
		return out
	}

	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: []byte(tc.Function.Arguments),
		})
	}

	switch {
	case len(out.ToolCalls) > 0:
		out.StopReason = StopToolUse
	case choice.FinishReason == openai.FinishReasonLength:
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopEndTurn
	}
	return out
}

// convertOpenAIMessages flattens the transcript into OpenAI chat form:
// the system prompt becomes the first message and tool results become
// standalone tool-role messages.
func convertOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue
		}

		for _, tr := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.CallID,
			})
		}

		converted := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == RoleAssistant {
			for _, tc := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
		}
		if converted.Content == "" && len(converted.ToolCalls) == 0 {
			continue
		}
		result = append(result, converted)
	}
	return result
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Schema, &params); err != nil || params == nil {
			// A broken schema degrades to "no declared parameters" rather
			// than sinking the whole request.
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func (c *OpenAIClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		werr := NewError("openai", model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if apiErr.Type != "" {
			werr = werr.WithCode(apiErr.Type)
		}
		return werr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewError("openai", model, err)
}
