package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/axrunhq/ax/internal/taint"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

func newTestServer(profile taint.Profile) *Server {
	return New("", taint.NewBudget(profile), nil)
}

func dispatchJSON(t *testing.T, s *Server, req map[string]interface{}) ipcproto.Result {
	t.Helper()
	frame, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return s.dispatch(context.Background(), frame)
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	s := newTestServer(taint.ProfileBalanced)
	resp := dispatchJSON(t, s, map[string]interface{}{"action": "delete_everything"})
	if resp["ok"] != false {
		t.Fatalf("resp = %+v, want ok=false", resp)
	}
}

func TestDispatchRejectsInvalidJSON(t *testing.T) {
	s := newTestServer(taint.ProfileBalanced)
	resp := s.dispatch(context.Background(), []byte("not json"))
	if resp["ok"] != false {
		t.Fatalf("resp = %+v, want ok=false", resp)
	}
}

func TestDispatchRunsSchemaValidationBeforeHandler(t *testing.T) {
	s := newTestServer(taint.ProfileBalanced)
	handlerCalled := false
	s.Register(ipcproto.ActionWebFetch,
		func(payload map[string]interface{}) error {
			if _, ok := payload["url"]; !ok {
				return errors.New("url required")
			}
			return nil
		},
		func(ctx context.Context, reqCtx Context, payload map[string]interface{}) (ipcproto.Result, error) {
			handlerCalled = true
			return ipcproto.Result{"status": 200}, nil
		},
	)

	resp := dispatchJSON(t, s, map[string]interface{}{"action": ipcproto.ActionWebFetch, "sessionId": "s1"})
	if resp["ok"] != false {
		t.Fatalf("resp = %+v, want ok=false on missing url", resp)
	}
	if handlerCalled {
		t.Fatal("handler must not run when schema validation fails")
	}
}

func TestDispatchGatesSensitiveActionOnTaint(t *testing.T) {
	budget := taint.NewBudget(taint.ProfileBalanced)
	budget.RecordContent("s1", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true)
	s := New("", budget, nil)

	called := false
	s.Register(ipcproto.ActionWebFetch, nil,
		func(ctx context.Context, reqCtx Context, payload map[string]interface{}) (ipcproto.Result, error) {
			called = true
			return ipcproto.Result{}, nil
		},
	)

	resp := dispatchJSON(t, s, map[string]interface{}{"action": ipcproto.ActionWebFetch, "sessionId": "s1", "url": "http://example.com"})
	if resp["ok"] != false || resp["taintBlocked"] != true {
		t.Fatalf("resp = %+v, want taint-blocked refusal", resp)
	}
	if called {
		t.Fatal("handler must not run once the taint gate refuses the action")
	}
}

func TestDispatchIdentityMutationActionsBypassGenericTaintGate(t *testing.T) {
	budget := taint.NewBudget(taint.ProfileBalanced)
	budget.RecordContent("s1", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true)
	s := New("", budget, nil)

	called := false
	s.Register(ipcproto.ActionIdentityWrite, nil,
		func(ctx context.Context, reqCtx Context, payload map[string]interface{}) (ipcproto.Result, error) {
			called = true
			return ipcproto.Result{"outcome": "queued"}, nil
		},
	)

	resp := dispatchJSON(t, s, map[string]interface{}{"action": ipcproto.ActionIdentityWrite, "sessionId": "s1"})
	if !called {
		t.Fatal("identity_write has its own bespoke queuing, the generic gate must not short-circuit it")
	}
	if resp["ok"] != true {
		t.Fatalf("resp = %+v, want ok=true", resp)
	}
}

func TestDispatchSuccessFlattensResultAlongsideOk(t *testing.T) {
	s := newTestServer(taint.ProfileBalanced)
	s.Register(ipcproto.ActionAuditQuery, nil,
		func(ctx context.Context, reqCtx Context, payload map[string]interface{}) (ipcproto.Result, error) {
			return ipcproto.Result{"entries": []string{"a", "b"}}, nil
		},
	)

	resp := dispatchJSON(t, s, map[string]interface{}{"action": ipcproto.ActionAuditQuery, "sessionId": "s1"})
	if resp["ok"] != true {
		t.Fatalf("resp = %+v, want ok=true", resp)
	}
	if _, ok := resp["entries"]; !ok {
		t.Fatalf("resp = %+v, want handler result flattened in", resp)
	}
}

func TestDispatchHandlerErrorReturnsOkFalse(t *testing.T) {
	s := newTestServer(taint.ProfileBalanced)
	s.Register(ipcproto.ActionAuditQuery, nil,
		func(ctx context.Context, reqCtx Context, payload map[string]interface{}) (ipcproto.Result, error) {
			return nil, errors.New("boom")
		},
	)

	resp := dispatchJSON(t, s, map[string]interface{}{"action": ipcproto.ActionAuditQuery, "sessionId": "s1"})
	if resp["ok"] != false {
		t.Fatalf("resp = %+v, want ok=false on handler error", resp)
	}
}

func TestDispatchMissingActionIsRejected(t *testing.T) {
	s := newTestServer(taint.ProfileBalanced)
	resp := dispatchJSON(t, s, map[string]interface{}{"sessionId": "s1"})
	if resp["ok"] != false {
		t.Fatalf("resp = %+v, want ok=false when action is absent", resp)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, ipcproto.Result{"ok": true, "x": float64(1)}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["ok"] != true {
		t.Fatalf("decoded = %+v, want ok=true", decoded)
	}
}
