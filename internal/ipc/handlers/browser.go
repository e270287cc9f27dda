package handlers

import (
	"context"
	"fmt"

	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// BrowserProvider abstracts a browser-automation backend. ax ships no
// concrete implementation; BrowserHandlers delegates to whatever
// Provider is wired in, and with none configured the actions fail
// cleanly rather than silently no-opping.
type BrowserProvider interface {
	Open(ctx context.Context, sessionID, url string) error
	Click(ctx context.Context, sessionID, ref string) error
	Type(ctx context.Context, sessionID, ref, text string) error
	Close(ctx context.Context, sessionID string) error
}

// BrowserHandlers closes over an optional BrowserProvider.
type BrowserHandlers struct {
	Provider BrowserProvider
}

func (h *BrowserHandlers) require() error {
	if h.Provider == nil {
		return fmt.Errorf("browser automation is not configured on this host")
	}
	return nil
}

// Open handles browser_open: {session, url} -> {ok:true}.
func (h *BrowserHandlers) Open(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	if err := h.require(); err != nil {
		return nil, err
	}
	url, _ := payload["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	if err := h.Provider.Open(ctx, reqCtx.SessionID, url); err != nil {
		return nil, err
	}
	return ipcproto.Result{}, nil
}

// Click handles browser_click: {session, ref} -> {ok:true}.
func (h *BrowserHandlers) Click(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	if err := h.require(); err != nil {
		return nil, err
	}
	ref, _ := payload["ref"].(string)
	if ref == "" {
		return nil, fmt.Errorf("ref is required")
	}
	if err := h.Provider.Click(ctx, reqCtx.SessionID, ref); err != nil {
		return nil, err
	}
	return ipcproto.Result{}, nil
}

// Type handles browser_type: {session, ref, text} -> {ok:true}.
func (h *BrowserHandlers) Type(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	if err := h.require(); err != nil {
		return nil, err
	}
	ref, _ := payload["ref"].(string)
	text, _ := payload["text"].(string)
	if ref == "" {
		return nil, fmt.Errorf("ref is required")
	}
	if err := h.Provider.Type(ctx, reqCtx.SessionID, ref, text); err != nil {
		return nil, err
	}
	return ipcproto.Result{}, nil
}

// Close handles browser_close: {session} -> {ok:true}.
func (h *BrowserHandlers) Close(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	if err := h.require(); err != nil {
		return nil, err
	}
	if err := h.Provider.Close(ctx, reqCtx.SessionID); err != nil {
		return nil, err
	}
	return ipcproto.Result{}, nil
}
