package channels

import (
	"fmt"
	"testing"
)

func TestInboundLimiterCapsPerConversation(t *testing.T) {
	l := newInboundLimiter()
	for i := 0; i < rateMaxPerWindow; i++ {
		if !l.allow("slack:C1") {
			t.Fatalf("message %d should be within the window budget", i)
		}
	}
	if l.allow("slack:C1") {
		t.Fatal("message beyond the window budget must be dropped")
	}
	// Another conversation is unaffected.
	if !l.allow("slack:C2") {
		t.Fatal("a different conversation must have its own budget")
	}
}

func TestInboundLimiterBoundsTrackedKeys(t *testing.T) {
	l := newInboundLimiter()
	for i := 0; i < rateMaxTracked+100; i++ {
		l.allow(fmt.Sprintf("slack:C%d", i))
	}
	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n > rateMaxTracked {
		t.Fatalf("tracked keys = %d, must never exceed %d", n, rateMaxTracked)
	}
}
