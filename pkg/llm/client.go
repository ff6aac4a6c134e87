// Package llm provides the reasoning-model client abstraction used by the
// synthesis pipeline and the execution governor. It is provider-agnostic:
// concrete adapters live under providers/.
package llm

import (
	"context"
	"time"
)

// Client is the interface every reasoning-model adapter implements.
type Client interface {
	// Name returns the unique identifier for this provider (e.g., "openai").
	Name() string

	// Complete sends a synchronous completion request and returns the full
	// response. This method blocks until the model response is complete.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request contains all parameters for a completion request.
type Request struct {
	// Messages is the conversation history including the current prompt.
	Messages []Message

	// Model specifies which model to use.
	Model string

	// Temperature controls randomness (0.0 = deterministic, 1.0 = creative).
	Temperature *float64

	// MaxTokens limits the response length. If nil, uses provider default.
	MaxTokens *int

	// Tools defines available functions the model can call. Tool choice is
	// always advisory ("auto"); the caller never forces an invocation.
	Tools []Tool

	// ResponseSchema, when set, requests structured JSON output conforming
	// to the schema. Used by the synthesis stages; never combined with Tools.
	ResponseSchema *ResponseSchema

	// Metadata contains request tracking information (correlation IDs, etc).
	Metadata map[string]string
}

// ResponseSchema describes a structured-output contract.
type ResponseSchema struct {
	// Name identifies the schema to the provider.
	Name string

	// Description explains the expected output.
	Description string

	// Schema is the JSON Schema the response must conform to.
	Schema map[string]any

	// Strict requests provider-side schema enforcement.
	Strict bool
}

// Message represents a single message in a conversation.
type Message struct {
	// Role indicates who sent this message (user, assistant, system, tool).
	Role MessageRole

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations made by the assistant.
	// Only valid when Role is "assistant".
	ToolCalls []ToolCall

	// ToolCallID links this message to a specific tool call.
	// Only valid when Role is "tool".
	ToolCallID string

	// Name identifies the tool that produced this result.
	// Only valid when Role is "tool".
	Name string
}

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	// MessageRoleSystem indicates a system message (context, instructions).
	MessageRoleSystem MessageRole = "system"

	// MessageRoleUser indicates a message from the user.
	MessageRoleUser MessageRole = "user"

	// MessageRoleAssistant indicates a message from the model.
	MessageRoleAssistant MessageRole = "assistant"

	// MessageRoleTool indicates a tool execution result.
	MessageRoleTool MessageRole = "tool"
)

// ToolCall represents a function invocation by the model.
type ToolCall struct {
	// ID uniquely identifies this tool call within a completion.
	ID string

	// Name is the function name to invoke.
	Name string

	// Arguments contains the JSON-encoded function parameters.
	Arguments string
}

// Tool defines a function the model can invoke.
type Tool struct {
	// Name is the function identifier.
	Name string

	// Description explains what this function does.
	Description string

	// InputSchema is a JSON Schema describing the function parameters.
	InputSchema map[string]any
}

// Response contains the full response from a completion.
type Response struct {
	// Content is the generated text response.
	Content string

	// ToolCalls contains any tool invocations made by the model.
	ToolCalls []ToolCall

	// FinishReason explains why generation stopped.
	FinishReason FinishReason

	// Usage contains token consumption information.
	Usage TokenUsage

	// Model is the actual model ID that handled this request.
	Model string

	// RequestID is the unique identifier for this request (for tracing).
	RequestID string

	// Created is the timestamp when this response was generated.
	Created time.Time
}

// FinishReason indicates why completion generation stopped.
type FinishReason string

const (
	// FinishReasonStop indicates natural completion.
	FinishReasonStop FinishReason = "stop"

	// FinishReasonLength indicates max_tokens limit reached.
	FinishReasonLength FinishReason = "length"

	// FinishReasonToolCalls indicates the model wants to call functions.
	FinishReasonToolCalls FinishReason = "tool_calls"

	// FinishReasonContentFilter indicates content policy violation.
	FinishReasonContentFilter FinishReason = "content_filter"

	// FinishReasonError indicates an error occurred.
	FinishReasonError FinishReason = "error"
)

// TokenUsage tracks token consumption for budget enforcement.
type TokenUsage struct {
	// InputTokens is the number of tokens in the input (prompt).
	InputTokens int

	// OutputTokens is the number of tokens in the output (completion).
	OutputTokens int

	// TotalTokens is the sum of input and output tokens.
	TotalTokens int
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
