package sessionstore

import "testing"

func TestRecordAndLast(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, ok := s.Last("bot"); ok {
		t.Fatal("unknown agent must report no last session")
	}

	want := Address{Channel: "slack", ChatID: "C1", Scope: "channel"}
	if err := s.Record("bot", want); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, ok := s.Last("bot")
	if !ok || got != want {
		t.Fatalf("Last = %+v ok=%v, want %+v", got, ok, want)
	}

	// The newest record wins.
	want2 := Address{Channel: "slack", ChatID: "D9", Scope: "dm"}
	if err := s.Record("bot", want2); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got, _ := s.Last("bot"); got != want2 {
		t.Fatalf("Last = %+v, want newest %+v", got, want2)
	}
}

func TestLastSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := Address{Channel: "slack", ChatID: "C1", Scope: "thread"}
	if err := s.Record("bot", want); err != nil {
		t.Fatalf("Record: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Last("bot")
	if !ok || got != want {
		t.Fatalf("Last after reopen = %+v ok=%v, want %+v", got, ok, want)
	}
}
