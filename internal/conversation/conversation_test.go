package conversation

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, maxTurns int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "conversation.db"), maxTurns)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendLoadChronologicalOrder(t *testing.T) {
	s := openTestStore(t, 0)
	if err := s.Append("s1", RoleUser, "hi", "alice"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("s1", RoleAssistant, "hello", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("s1", RoleUser, "how are you", "alice"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turns, err := s.Load("s1", 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(turns))
	}
	want := []string{"hi", "hello", "how are you"}
	for i, w := range want {
		if turns[i].Content != w {
			t.Errorf("turns[%d].Content = %q, want %q", i, turns[i].Content, w)
		}
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Seq <= turns[i-1].Seq {
			t.Fatalf("seq not monotonically increasing: %+v", turns)
		}
	}
}

func TestAppendPrunesBeyondMaxTurns(t *testing.T) {
	s := openTestStore(t, 2)
	for i := 0; i < 5; i++ {
		if err := s.Append("s1", RoleUser, "turn", ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	count, err := s.Count("s1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want exactly max_turns=2 after auto-prune", count)
	}
}

func TestPruneKeepsOnlyTail(t *testing.T) {
	s := openTestStore(t, 0)
	for i := 0; i < 5; i++ {
		if err := s.Append("s1", RoleUser, "turn", ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Prune("s1", 3); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	count, err := s.Count("s1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestPrependWithDedupRemovesBoundaryDuplicate(t *testing.T) {
	parent := []Turn{
		{Content: "a", Sender: "alice"},
		{Content: "b", Sender: "alice"},
	}
	thread := []Turn{
		{Content: "b", Sender: "alice"}, // duplicate of parent's last turn
		{Content: "c", Sender: "alice"},
	}
	merged := PrependWithDedup(parent, thread)
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3, got %+v", len(merged), merged)
	}
	contents := []string{merged[0].Content, merged[1].Content, merged[2].Content}
	want := []string{"a", "b", "c"}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("merged = %v, want %v", contents, want)
		}
	}
}

func TestPrependWithDedupNoParentReturnsThreadUnchanged(t *testing.T) {
	thread := []Turn{{Content: "only"}}
	merged := PrependWithDedup(nil, thread)
	if len(merged) != 1 || merged[0].Content != "only" {
		t.Fatalf("merged = %+v, want unchanged thread", merged)
	}
}
