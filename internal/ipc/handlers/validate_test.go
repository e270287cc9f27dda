package handlers

import (
	"testing"

	"github.com/axrunhq/ax/pkg/ipcproto"
)

func TestEveryValidActionHasASchema(t *testing.T) {
	for action := range ipcproto.ValidActions {
		if _, ok := actionSchemas[action]; !ok {
			t.Errorf("action %s has no declared schema", action)
		}
	}
}

func TestValidatorRejectsUnknownField(t *testing.T) {
	v := Validator(ipcproto.ActionWebFetch)
	if v == nil {
		t.Fatal("expected a validator for web_fetch")
	}
	err := v(map[string]interface{}{
		"action":    ipcproto.ActionWebFetch,
		"sessionId": "s1",
		"url":       "https://example.com",
		"sneaky":    "extra",
	})
	if err == nil {
		t.Fatal("an unknown field must fail strict validation")
	}
}

func TestValidatorRejectsMissingRequiredField(t *testing.T) {
	v := Validator(ipcproto.ActionIdentityWrite)
	err := v(map[string]interface{}{
		"action":  ipcproto.ActionIdentityWrite,
		"file":    "SOUL.md",
		"reason":  "setup",
		// content absent
	})
	if err == nil {
		t.Fatal("missing required field must fail validation")
	}
}

func TestValidatorRejectsWrongType(t *testing.T) {
	v := Validator(ipcproto.ActionWebSearch)
	err := v(map[string]interface{}{
		"action": ipcproto.ActionWebSearch,
		"query":  "golang",
		"count":  "five", // must be a number
	})
	if err == nil {
		t.Fatal("a mistyped optional field must fail validation")
	}
}

func TestValidatorAcceptsEnvelopeAndDeclaredFields(t *testing.T) {
	cases := []struct {
		action  string
		payload map[string]interface{}
	}{
		{ipcproto.ActionWebFetch, map[string]interface{}{
			"action": ipcproto.ActionWebFetch, "sessionId": "s1", "url": "https://example.com", "maxChars": float64(500),
		}},
		{ipcproto.ActionLLMCall, map[string]interface{}{
			"action": ipcproto.ActionLLMCall, "sessionId": "s1",
			"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
		}},
		{ipcproto.ActionAgentDelegate, map[string]interface{}{
			"action": ipcproto.ActionAgentDelegate, "sessionId": "s1", "delegationDepth": float64(1), "task": "summarize",
		}},
		{ipcproto.ActionSchedulerListJobs, map[string]interface{}{
			"action": ipcproto.ActionSchedulerListJobs, "sessionId": "s1", "agentId": "default",
		}},
		{ipcproto.ActionAuditQuery, map[string]interface{}{
			"action": ipcproto.ActionAuditQuery, "filter": map[string]interface{}{"limit": float64(5)},
		}},
	}
	for _, tc := range cases {
		v := Validator(tc.action)
		if v == nil {
			t.Fatalf("no validator for %s", tc.action)
		}
		if err := v(tc.payload); err != nil {
			t.Errorf("%s: valid payload rejected: %v", tc.action, err)
		}
	}
}
