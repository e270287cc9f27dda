package handlers

import (
	"fmt"

	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// Strict per-action schemas: every field a request carries must be either
// an envelope field or declared by its action, and required fields must
// be present with the right JSON type. Unknown variant and unknown field
// both fail before the handler runs.

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindBool
	kindArray
	kindObject
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindNumber:
		return "number"
	case kindBool:
		return "boolean"
	case kindArray:
		return "array"
	default:
		return "object"
	}
}

func matchKind(v interface{}, k fieldKind) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindNumber:
		_, ok := v.(float64)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindArray:
		_, ok := v.([]interface{})
		return ok
	default:
		_, ok := v.(map[string]interface{})
		return ok
	}
}

type schema struct {
	required map[string]fieldKind
	optional map[string]fieldKind
}

// envelopeFields ride on every request regardless of action: the action
// tag itself and the routing context the gateway folds into ipc.Context.
var envelopeFields = map[string]fieldKind{
	"action":          kindString,
	"sessionId":       kindString,
	"agentId":         kindString,
	"delegationDepth": kindNumber,
}

var actionSchemas = map[string]schema{
	ipcproto.ActionLLMCall: {
		required: map[string]fieldKind{"messages": kindArray},
		optional: map[string]fieldKind{"model": kindString, "provider": kindString, "tools": kindArray, "maxTokens": kindNumber},
	},
	ipcproto.ActionMemoryWrite: {
		required: map[string]fieldKind{"content": kindString},
		optional: map[string]fieldKind{"scope": kindString, "tags": kindArray},
	},
	ipcproto.ActionMemoryQuery: {
		optional: map[string]fieldKind{"scope": kindString, "limit": kindNumber},
	},
	ipcproto.ActionMemoryRead: {
		required: map[string]fieldKind{"id": kindString},
	},
	ipcproto.ActionMemoryDelete: {
		required: map[string]fieldKind{"id": kindString},
	},
	ipcproto.ActionMemoryList: {
		optional: map[string]fieldKind{"scope": kindString, "limit": kindNumber},
	},
	ipcproto.ActionWebFetch: {
		required: map[string]fieldKind{"url": kindString},
		optional: map[string]fieldKind{"extractMode": kindString, "maxChars": kindNumber},
	},
	ipcproto.ActionWebSearch: {
		required: map[string]fieldKind{"query": kindString},
		optional: map[string]fieldKind{"count": kindNumber},
	},
	ipcproto.ActionBrowserOpen: {
		required: map[string]fieldKind{"url": kindString},
		optional: map[string]fieldKind{"session": kindString},
	},
	ipcproto.ActionBrowserClick: {
		required: map[string]fieldKind{"ref": kindString},
		optional: map[string]fieldKind{"session": kindString},
	},
	ipcproto.ActionBrowserType: {
		required: map[string]fieldKind{"ref": kindString, "text": kindString},
		optional: map[string]fieldKind{"session": kindString},
	},
	ipcproto.ActionBrowserClose: {
		optional: map[string]fieldKind{"session": kindString},
	},
	ipcproto.ActionSkillPropose: {
		required: map[string]fieldKind{"skill": kindString, "content": kindString},
		optional: map[string]fieldKind{"reason": kindString},
	},
	ipcproto.ActionIdentityWrite: {
		required: map[string]fieldKind{"file": kindString, "content": kindString},
		optional: map[string]fieldKind{"reason": kindString, "origin": kindString},
	},
	ipcproto.ActionUserWrite: {
		required: map[string]fieldKind{"userId": kindString, "content": kindString},
		optional: map[string]fieldKind{"reason": kindString, "origin": kindString},
	},
	ipcproto.ActionAgentDelegate: {
		required: map[string]fieldKind{"task": kindString},
		optional: map[string]fieldKind{"context": kindString},
	},
	ipcproto.ActionSchedulerAddCron: {
		required: map[string]fieldKind{"schedule": kindString, "prompt": kindString},
		optional: map[string]fieldKind{"target": kindString, "chatId": kindString},
	},
	ipcproto.ActionSchedulerRunAt: {
		required: map[string]fieldKind{"datetime": kindString, "prompt": kindString},
		optional: map[string]fieldKind{"target": kindString, "chatId": kindString},
	},
	ipcproto.ActionSchedulerRemoveCron: {
		required: map[string]fieldKind{"jobId": kindString},
	},
	ipcproto.ActionSchedulerListJobs: {},
	ipcproto.ActionAuditQuery: {
		optional: map[string]fieldKind{"filter": kindObject},
	},
}

func (sc schema) validate(payload map[string]interface{}) error {
	for name, kind := range sc.required {
		v, ok := payload[name]
		if !ok {
			return fmt.Errorf("missing required field %q", name)
		}
		if !matchKind(v, kind) {
			return fmt.Errorf("field %q must be a %s", name, kind)
		}
	}
	for name, v := range payload {
		if kind, ok := envelopeFields[name]; ok {
			if !matchKind(v, kind) {
				return fmt.Errorf("field %q must be a %s", name, kind)
			}
			continue
		}
		if _, ok := sc.required[name]; ok {
			continue
		}
		if kind, ok := sc.optional[name]; ok {
			if !matchKind(v, kind) {
				return fmt.Errorf("field %q must be a %s", name, kind)
			}
			continue
		}
		return fmt.Errorf("unknown field %q", name)
	}
	return nil
}

// Validator returns the strict schema validator for action, or nil if
// the action declares no schema here (it will still be envelope-checked
// by the gateway).
func Validator(action string) ipc.Validator {
	sc, ok := actionSchemas[action]
	if !ok {
		return nil
	}
	return sc.validate
}
