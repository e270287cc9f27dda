package handlers

import (
	"context"
	"fmt"

	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/internal/providers"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// LLMHandler closes over a registry of named providers for the llm_call
// action. The sandboxed agent never holds provider credentials directly;
// every model call passes through this handler.
type LLMHandler struct {
	Providers map[string]providers.Provider
	Default   string
}

// Call handles llm_call: {model, messages, tools?, maxTokens?} -> {chunks}.
func (h *LLMHandler) Call(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	providerName, _ := payload["provider"].(string)
	if providerName == "" {
		providerName = h.Default
	}
	p, ok := h.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}

	req, err := buildChatRequest(payload)
	if err != nil {
		return nil, err
	}

	var chunks []map[string]interface{}
	resp, err := p.ChatStream(ctx, req, func(c providers.StreamChunk) {
		if c.Text != "" {
			chunks = append(chunks, map[string]interface{}{"type": "text", "text": c.Text})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("provider error: %w", err)
	}
	for _, tc := range resp.ToolCalls {
		chunks = append(chunks, map[string]interface{}{"type": "tool_use", "name": tc.Name, "arguments": tc.Arguments, "id": tc.ID})
	}
	chunks = append(chunks, map[string]interface{}{"type": "done", "finish_reason": resp.FinishReason})

	return ipcproto.Result{"chunks": chunks}, nil
}

func buildChatRequest(payload map[string]interface{}) (providers.ChatRequest, error) {
	rawMessages, ok := payload["messages"].([]interface{})
	if !ok || len(rawMessages) == 0 {
		return providers.ChatRequest{}, fmt.Errorf("messages is required")
	}

	req := providers.ChatRequest{}
	req.Model, _ = payload["model"].(string)
	if mt, ok := payload["maxTokens"].(float64); ok && mt > 0 {
		req.MaxTokens = int(mt)
	}

	for _, raw := range rawMessages {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		req.Messages = append(req.Messages, providers.Message{Role: role, Content: content})
	}

	if rawTools, ok := payload["tools"].([]interface{}); ok {
		for _, raw := range rawTools {
			t, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			tool := providers.Tool{}
			tool.Name, _ = t["name"].(string)
			tool.Description, _ = t["description"].(string)
			tool.InputSchema, _ = t["input_schema"].(map[string]interface{})
			if tool.Name != "" {
				req.Tools = append(req.Tools, tool)
			}
		}
	}

	return req, nil
}
