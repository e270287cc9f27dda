package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/axrunhq/ax/internal/ipc"
)

func TestDelegateRejectsAtDepthLimit(t *testing.T) {
	d := &DelegateHandler{
		MaxConcurrent: 4,
		MaxDepth:      2,
		Run: func(ctx context.Context, parentSessionID, task, extraContext string, depth int) (string, error) {
			return "done", nil
		},
	}
	_, err := d.Delegate(context.Background(), ipc.Context{SessionID: "s1", DelegationDepth: 2},
		map[string]interface{}{"task": "go deeper"})
	if err == nil {
		t.Fatal("delegation at max depth must be rejected")
	}
}

func TestDelegatePassesIncrementedDepthToChild(t *testing.T) {
	var childDepth int
	d := &DelegateHandler{
		MaxConcurrent: 4,
		MaxDepth:      3,
		Run: func(ctx context.Context, parentSessionID, task, extraContext string, depth int) (string, error) {
			childDepth = depth
			return "done", nil
		},
	}
	res, err := d.Delegate(context.Background(), ipc.Context{SessionID: "s1", DelegationDepth: 1},
		map[string]interface{}{"task": "summarize"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if childDepth != 2 {
		t.Fatalf("child depth = %d, want 2", childDepth)
	}
	if res["response"] != "done" {
		t.Fatalf("response = %v, want done", res["response"])
	}
}

func TestDelegateRejectsAtConcurrencyLimit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	d := &DelegateHandler{
		MaxConcurrent: 1,
		MaxDepth:      3,
		Run: func(ctx context.Context, parentSessionID, task, extraContext string, depth int) (string, error) {
			close(started)
			<-release
			return "done", nil
		},
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Delegate(context.Background(), ipc.Context{SessionID: "s1"},
			map[string]interface{}{"task": "slow"})
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first delegation never started")
	}

	if _, err := d.Delegate(context.Background(), ipc.Context{SessionID: "s2"},
		map[string]interface{}{"task": "second"}); err == nil {
		t.Fatal("second concurrent delegation must be rejected at MaxConcurrent=1")
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first delegation failed: %v", err)
	}
	if got := d.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount = %d after completion, want 0", got)
	}
}

func TestDelegateRequiresTask(t *testing.T) {
	d := &DelegateHandler{MaxConcurrent: 1, MaxDepth: 1}
	if _, err := d.Delegate(context.Background(), ipc.Context{}, map[string]interface{}{}); err == nil {
		t.Fatal("a delegation without a task must be rejected")
	}
}
