package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Loopback is a stdio-backed Channel: every line read from in is an
// inbound DM, every reply is written to out. It exists so the host can
// run and be exercised (CLI smoke tests, local development) without any
// external channel provider configured.
type Loopback struct {
	in  *bufio.Scanner
	out io.Writer

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewLoopback builds a Loopback channel reading lines from in and
// writing replies to out.
func NewLoopback(in io.Reader, out io.Writer) *Loopback {
	return &Loopback{in: bufio.NewScanner(in), out: out, done: make(chan struct{})}
}

func (l *Loopback) Name() string { return "loopback" }

// Start reads lines until in is exhausted or ctx is cancelled, treating
// every non-empty line as an inbound DM mention from "local-user".
func (l *Loopback) Start(ctx context.Context, handler func(InboundMessage)) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("loopback: already running")
	}
	l.running = true
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		for l.in.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := strings.TrimSpace(l.in.Text())
			if line == "" {
				continue
			}
			handler(InboundMessage{
				ID:        uuid.NewString(),
				Sender:    "local-user",
				ChatID:    "local",
				Scope:     "dm",
				Content:   line,
				IsMention: true,
			})
		}
	}()
	return nil
}

func (l *Loopback) Stop(ctx context.Context) error {
	select {
	case <-l.done:
	case <-ctx.Done():
	}
	return nil
}

// ShouldRespond accepts every message; a DM channel has no allowlist.
func (l *Loopback) ShouldRespond(msg InboundMessage) bool { return true }

func (l *Loopback) Send(ctx context.Context, msg OutboundMessage) error {
	_, err := fmt.Fprintln(l.out, msg.Content)
	return err
}
