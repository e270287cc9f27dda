package sandbox

import (
	"path/filepath"
	"testing"

	"github.com/axrunhq/ax/internal/conversation"
)

func openTestConversationStore(t *testing.T) *conversation.Store {
	t.Helper()
	s, err := conversation.Open(filepath.Join(t.TempDir(), "conversation.db"), 0)
	if err != nil {
		t.Fatalf("conversation.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPrependParentThreadContextMergesParentTail(t *testing.T) {
	conv := openTestConversationStore(t)
	parentID := "default:slack:channel"
	threadID := "default:slack:channel:T1"

	for _, c := range []string{"a", "b", "c"} {
		if err := conv.Append(parentID, conversation.RoleUser, c, "alice"); err != nil {
			t.Fatalf("append parent: %v", err)
		}
	}
	if err := conv.Append(threadID, conversation.RoleUser, "c", "alice"); err != nil {
		t.Fatalf("append thread boundary turn: %v", err)
	}
	if err := conv.Append(threadID, conversation.RoleAssistant, "reply", ""); err != nil {
		t.Fatalf("append thread turn: %v", err)
	}

	o := &Orchestrator{Conversation: conv, ThreadContextN: 20}
	threadHistory, err := conv.Load(threadID, 0)
	if err != nil {
		t.Fatalf("load thread history: %v", err)
	}

	merged, err := o.prependParentThreadContext(threadID, threadHistory)
	if err != nil {
		t.Fatalf("prependParentThreadContext: %v", err)
	}

	want := []string{"a", "b", "c", "reply"}
	if len(merged) != len(want) {
		t.Fatalf("merged = %+v, want %d turns matching %v", merged, len(want), want)
	}
	for i, c := range want {
		if merged[i].Content != c {
			t.Fatalf("merged[%d].Content = %q, want %q (full: %+v)", i, merged[i].Content, c, merged)
		}
	}
}

func TestPrependParentThreadContextSkipsNonThreadSessions(t *testing.T) {
	conv := openTestConversationStore(t)
	o := &Orchestrator{Conversation: conv, ThreadContextN: 20}

	history := []conversation.Turn{{Content: "only"}}
	merged, err := o.prependParentThreadContext("default:slack:channel", history)
	if err != nil {
		t.Fatalf("prependParentThreadContext: %v", err)
	}
	if len(merged) != 1 || merged[0].Content != "only" {
		t.Fatalf("merged = %+v, want history unchanged for a non-thread session", merged)
	}
}

func TestPrependParentThreadContextDisabledWhenZero(t *testing.T) {
	conv := openTestConversationStore(t)
	o := &Orchestrator{Conversation: conv, ThreadContextN: 0}

	history := []conversation.Turn{{Content: "only"}}
	merged, err := o.prependParentThreadContext("default:slack:channel:T1", history)
	if err != nil {
		t.Fatalf("prependParentThreadContext: %v", err)
	}
	if len(merged) != 1 || merged[0].Content != "only" {
		t.Fatalf("merged = %+v, want history unchanged when ThreadContextN is 0", merged)
	}
}
