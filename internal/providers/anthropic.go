package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultMaxTokens      = 4096
)

// AnthropicProvider talks to the Anthropic Messages API over net/http.
type AnthropicProvider struct {
	apiKey string
	base   string
	model  string
	client *http.Client
	retry  RetryConfig
}

// AnthropicOption configures an AnthropicProvider at construction.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicModel sets the model used when a request names none.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithAnthropicBaseURL points the provider at an alternate API base,
// e.g. a credential-injecting proxy in front of the real endpoint.
func WithAnthropicBaseURL(base string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if base != "" {
			p.base = strings.TrimRight(base, "/")
		}
	}
}

// NewAnthropicProvider builds a provider for the given API key.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey: apiKey,
		base:   anthropicAPIBase,
		model:  defaultAnthropicModel,
		client: &http.Client{Timeout: 120 * time.Second},
		retry:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.model }

// Wire shapes for the Messages API. The transcript is passed as plain
// strings; system turns move into the top-level system field.

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicBody struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

func (p *AnthropicProvider) buildBody(req ChatRequest, stream bool) anthropicBody {
	body := anthropicBody{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if body.Model == "" {
		body.Model = p.model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	body.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: CleanSchemaForProvider("anthropic", t.InputSchema),
		})
	}
	return body
}

// post sends one Messages request and returns the response body stream.
// Non-2xx responses become *HTTPError so RetryDo can distinguish rate
// limits and server errors from permanent failures.
func (p *AnthropicProvider) post(ctx context.Context, body anthropicBody) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(msg),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// Non-streaming response shapes.

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResult struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// Chat runs one non-streaming completion, retrying transient failures.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildBody(req, false)
	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		stream, err := p.post(ctx, body)
		if err != nil {
			return nil, err
		}
		defer stream.Close()

		var result anthropicResult
		if err := json.NewDecoder(stream).Decode(&result); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}

		out := &ChatResponse{
			FinishReason: finishReason(result.StopReason),
			Usage:        Usage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens},
		}
		for _, c := range result.Content {
			switch c.Type {
			case "text":
				out.Content += c.Text
			case "tool_use":
				args := map[string]interface{}{}
				_ = json.Unmarshal(c.Input, &args)
				out.ToolCalls = append(out.ToolCalls, ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
			}
		}
		return out, nil
	})
}

// Server-sent event payloads the stream decoder cares about. Everything
// else on the wire (pings, content_block_stop) is skipped.

type sseMessageStart struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type sseBlockStart struct {
	ContentBlock anthropicContent `json:"content_block"`
}

type sseBlockDelta struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type sseMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type sseError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ChatStream runs one streaming completion. Only the connection attempt
// is retried; once bytes are flowing a failure surfaces to the caller.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildBody(req, true)
	stream, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	out := &ChatResponse{FinishReason: "stop"}
	toolArgs := map[int]*strings.Builder{} // accumulated input_json_delta per tool call

	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	event := ""
	for sc.Scan() {
		line := sc.Text()
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			event = after
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		switch event {
		case "message_start":
			var ev sseMessageStart
			if json.Unmarshal([]byte(data), &ev) == nil {
				out.Usage.InputTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			var ev sseBlockStart
			if json.Unmarshal([]byte(data), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        ev.ContentBlock.ID,
					Name:      ev.ContentBlock.Name,
					Arguments: map[string]interface{}{},
				})
				toolArgs[len(out.ToolCalls)-1] = &strings.Builder{}
			}

		case "content_block_delta":
			var ev sseBlockDelta
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				out.Content += ev.Delta.Text
				if onChunk != nil {
					onChunk(StreamChunk{Text: ev.Delta.Text})
				}
			case "input_json_delta":
				if b, ok := toolArgs[len(out.ToolCalls)-1]; ok {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "message_delta":
			var ev sseMessageDelta
			if json.Unmarshal([]byte(data), &ev) == nil {
				if ev.Delta.StopReason != "" {
					out.FinishReason = finishReason(ev.Delta.StopReason)
				}
				if ev.Usage.OutputTokens > 0 {
					out.Usage.OutputTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev sseError
			if json.Unmarshal([]byte(data), &ev) == nil {
				return nil, fmt.Errorf("anthropic: stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	for i, b := range toolArgs {
		if b.Len() == 0 {
			continue
		}
		args := map[string]interface{}{}
		if json.Unmarshal([]byte(b.String()), &args) == nil {
			out.ToolCalls[i].Arguments = args
		}
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return out, nil
}
