// Package openai adapts the OpenAI chat completions API to the llm.Client
// interface, including structured outputs and advisory tool calling.
package openai

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/tombee/flightplan/pkg/errors"
	"github.com/tombee/flightplan/pkg/llm"
)

const providerName = "openai"

// DefaultModel is used when a request does not name a model.
const DefaultModel = "gpt-4o"

// Config configures the adapter.
type Config struct {
	// APIKey authenticates requests. Falls back to OPENAI_API_KEY.
	APIKey string

	// BaseURL overrides the API endpoint (for compatible gateways).
	BaseURL string

	// Model is the default model when a request does not specify one.
	Model string

	// Timeout bounds each HTTP request. Zero means the client default.
	Timeout time.Duration
}

// Client implements llm.Client over the OpenAI API.
type Client struct {
	api   openai.Client
	model string
}

// New creates an OpenAI-backed client.
func New(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "llm.api_key",
			Reason: "OpenAI API key is not set (config api_key or OPENAI_API_KEY)",
		}
	}

	opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, openaiopt.WithRequestTimeout(cfg.Timeout))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{api: openai.NewClient(opts...), model: model}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return providerName
}

// Complete sends a chat completion request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.resolveModel(req.Model),
		Messages: convertMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.ResponseSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.ResponseSchema.Name,
					Description: openai.String(req.ResponseSchema.Description),
					Schema:      req.ResponseSchema.Schema,
					Strict:      openai.Bool(req.ResponseSchema.Strict),
				},
			},
		}
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, convertError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &errors.ProviderError{
			Provider: providerName,
			Message:  "completion returned no choices",
		}
	}

	choice := completion.Choices[0]
	resp := &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: convertFinishReason(choice.FinishReason),
		Model:        completion.Model,
		RequestID:    completion.ID,
		Created:      time.Unix(completion.Created, 0),
		Usage: llm.TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}
	for _, call := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return resp, nil
}

// resolveModel picks the request model or falls back to the configured one.
func (c *Client) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		case llm.MessageRoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case llm.MessageRoleTool:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
					ToolCallID: msg.ToolCallID,
				},
			})
		default:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		}
	}
	return out
}

func convertTools(tools []llm.Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  tool.InputSchema,
			},
		})
	}
	return out
}

func convertFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "tool_calls":
		return llm.FinishReasonToolCalls
	case "content_filter":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReason(reason)
	}
}

// convertError maps transport failures to typed errors so the retry layer
// can tell a 429 from a malformed request.
func convertError(err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return &errors.TimeoutError{
			Operation: "openai completion",
			Cause:     err,
		}
	}
	var apiErr *openai.Error
	if stderrors.As(err, &apiErr) {
		return &errors.ProviderError{
			Provider:   providerName,
			StatusCode: apiErr.StatusCode,
			Message:    fmt.Sprintf("completion request failed: %v", apiErr),
			Cause:      err,
		}
	}
	return &errors.ProviderError{
		Provider: providerName,
		Message:  err.Error(),
		Cause:    err,
	}
}
