// Package providers defines the LLM provider contract the IPC llm_call
// handler dispatches through, plus the Anthropic implementation this
// host ships. The contract is deliberately narrow: the sandboxed agent
// only ever reaches a model through llm_call, so the surface here is
// exactly what that action carries: messages in, text/tool-use chunks
// out. Providers are a compile-time registry keyed by name; names never
// flow into file-path or module resolution.
package providers

import "context"

// Provider is one LLM vendor the host can route llm_call to.
type Provider interface {
	// Chat runs a single non-streaming completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream runs a completion, invoking onChunk for each piece as
	// it arrives, and returns the assembled final response.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// Name is the registry key ("anthropic").
	Name() string

	// DefaultModel is used when a request names no model.
	DefaultModel() string
}

// ChatRequest is one completion request as the llm_call action carries
// it: an ordered transcript, optional tool definitions, an optional
// model override and token cap.
type ChatRequest struct {
	Model     string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// Message is one transcript turn. Role is "system", "user" or
// "assistant"; system turns are hoisted out of the transcript by
// providers whose APIs take a separate system field.
type Message struct {
	Role    string
	Content string
}

// Tool describes one tool the model may call. InputSchema is a JSON
// Schema object for the tool's arguments.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolCall is a tool invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is the assembled result of a Chat/ChatStream call.
// FinishReason is "stop", "tool_calls" or "length".
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// StreamChunk is one piece of a streaming response: text as it arrives,
// then a final chunk with Done set.
type StreamChunk struct {
	Text string
	Done bool
}
