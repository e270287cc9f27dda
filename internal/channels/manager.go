package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axrunhq/ax/internal/conversation"
	"github.com/axrunhq/ax/internal/identity"
	"github.com/axrunhq/ax/internal/router"
	"github.com/axrunhq/ax/internal/session"
	"github.com/axrunhq/ax/internal/sessionstore"
)

const (
	// Repeats of (channel, messageId) within dedupWindow are dropped;
	// the map is capped at dedupMaxEntries with lazy pruning so a noisy
	// channel can't grow it unbounded.
	dedupWindow     = 60 * time.Second
	dedupMaxEntries = 1000

	// defaultThreadHistoryLimit bounds thread backfill.
	defaultThreadHistoryLimit = 20

	eyesReaction = "eyes"
)

// SpawnFunc invokes the full sandbox-orchestrator pipeline for one queued
// message and returns the agent's reply. Injected from the cmd layer to
// avoid an import cycle between internal/channels and internal/sandbox.
type SpawnFunc func(ctx context.Context, sessionID, queueID string, msg InboundMessage) (reply string, err error)

// Ingestor runs the channel ingestion pipeline (dedup, thread gate,
// backfill, bootstrap gate, optional reply) for one agent, registering
// a handler with every channel it is wired to.
type Ingestor struct {
	AgentID    string
	AgentsRoot string

	Router       *router.Router
	Conversation *conversation.Store
	Sessions     *sessionstore.Store
	Spawn        SpawnFunc

	mu       sync.RWMutex
	channels map[string]Channel

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	limiter *inboundLimiter
}

// NewIngestor builds an Ingestor for one agent.
func NewIngestor(agentID, agentsRoot string, r *router.Router, conv *conversation.Store, sessions *sessionstore.Store, spawn SpawnFunc) *Ingestor {
	return &Ingestor{
		AgentID:      agentID,
		AgentsRoot:   agentsRoot,
		Router:       r,
		Conversation: conv,
		Sessions:     sessions,
		Spawn:        spawn,
		channels:     make(map[string]Channel),
		dedup:        make(map[string]time.Time),
		limiter:      newInboundLimiter(),
	}
}

// Register wires a channel into the ingestor and starts listening.
func (ig *Ingestor) Register(ctx context.Context, ch Channel) error {
	ig.mu.Lock()
	ig.channels[ch.Name()] = ch
	ig.mu.Unlock()

	return ch.Start(ctx, func(msg InboundMessage) {
		if err := ig.handle(ctx, ch, msg); err != nil {
			slog.Error("channels.handle_failed", "channel", ch.Name(), "error", err)
		}
	})
}

// StopAll stops every registered channel.
func (ig *Ingestor) StopAll(ctx context.Context) {
	ig.mu.RLock()
	defer ig.mu.RUnlock()
	for name, ch := range ig.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channels.stop_failed", "channel", name, "error", err)
		}
	}
}

// handle runs one inbound message through the full ingestion pipeline.
func (ig *Ingestor) handle(ctx context.Context, ch Channel, msg InboundMessage) error {
	// Step 1: filter.
	if !ch.ShouldRespond(msg) {
		return nil
	}

	// Step 2: dedup, then per-conversation rate limit.
	if ig.seen(ch.Name(), msg.ID) {
		return nil
	}
	if !ig.limiter.allow(ch.Name() + ":" + msg.ChatID) {
		slog.Warn("channels.rate_limited", "channel", ch.Name(), "chat", msg.ChatID)
		return nil
	}

	sessionID, err := ig.sessionIDFor(ch.Name(), msg)
	if err != nil {
		return fmt.Errorf("channels: session id: %w", err)
	}

	// Step 3: thread gate. A thread without an explicit mention only
	// proceeds if the conversation store already has history for it.
	if msg.Scope == "thread" && !msg.IsMention {
		count, err := ig.Conversation.Count(sessionID)
		if err != nil {
			return fmt.Errorf("channels: thread gate: %w", err)
		}
		if count == 0 {
			return nil
		}
	}

	// Step 4: thread backfill on first mention.
	if msg.Scope == "thread" && msg.IsMention {
		if hc, ok := ch.(HistoryChannel); ok {
			count, _ := ig.Conversation.Count(sessionID)
			if count == 0 {
				prior, err := hc.FetchThreadHistory(ctx, msg.ThreadID, defaultThreadHistoryLimit)
				if err != nil {
					slog.Warn("channels.backfill_failed", "channel", ch.Name(), "error", err)
				}
				for _, p := range prior {
					if p.ID == msg.ID {
						continue
					}
					if err := ig.Conversation.Append(sessionID, conversation.RoleUser, p.Content, p.Sender); err != nil {
						slog.Warn("channels.backfill_append_failed", "error", err)
					}
				}
			}
		}
	}

	// Step 5: bootstrap gate.
	agentDir := identity.Dir(ig.AgentsRoot, ig.AgentID)
	if identity.InBootstrapMode(agentDir) && !identity.IsAdmin(agentDir, msg.Sender) {
		return ch.Send(ctx, OutboundMessage{ChatID: msg.ChatID, Content: "This agent is still being set up."})
	}

	// Step 6: acknowledge, always removed in a finally block.
	if rc, ok := ch.(ReactionChannel); ok {
		_ = rc.AddReaction(ctx, msg, eyesReaction)
		defer func() { _ = rc.RemoveReaction(ctx, msg, eyesReaction) }()
	}

	// Step 7: process through inbound routing, then spawn + outbound.
	dec, err := ig.Router.ProcessInbound(ctx, router.Inbound{
		SessionID: sessionID,
		Sender:    msg.Sender,
		Channel:   ch.Name(),
		Content:   msg.Content,
		External:  msg.Scope == "thread" && !msg.IsMention, // backfilled/third-party turns only; direct sends are user-origin
	})
	if err != nil {
		return fmt.Errorf("channels: process inbound: %w", err)
	}
	if !dec.Allow {
		return ch.Send(ctx, OutboundMessage{ChatID: msg.ChatID, Content: "Message blocked: " + fallbackReason(dec.Reason)})
	}

	if err := ig.Conversation.Append(sessionID, conversation.RoleUser, msg.Content, msg.Sender); err != nil {
		slog.Warn("channels.append_user_turn_failed", "error", err)
	}

	reply, err := ig.Spawn(ctx, sessionID, dec.QueueID, msg)
	if err != nil {
		return ch.Send(ctx, OutboundMessage{ChatID: msg.ChatID, Content: "Agent processing failed: " + err.Error()})
	}

	// An empty reply from a non-mention message is a deliberate
	// abstention; send nothing.
	if reply == "" {
		return nil
	}

	outDec, err := ig.Router.ProcessOutbound(ctx, router.Outbound{SessionID: sessionID, Content: reply})
	if err != nil {
		return fmt.Errorf("channels: process outbound: %w", err)
	}
	finalContent := reply
	if !outDec.Allow {
		finalContent = "Response blocked by content scan."
	}

	if err := ig.Conversation.Append(sessionID, conversation.RoleAssistant, finalContent, ""); err != nil {
		slog.Warn("channels.append_assistant_turn_failed", "error", err)
	}

	// Step 8: track the last-seen channel session for scheduled delivery.
	if ig.Sessions != nil {
		_ = ig.Sessions.Record(ig.AgentID, sessionstore.Address{Channel: ch.Name(), ChatID: msg.ChatID, Scope: msg.Scope})
	}

	return ch.Send(ctx, OutboundMessage{ChatID: msg.ChatID, Content: finalContent})
}

func fallbackReason(reason string) string {
	if reason == "" {
		return "content policy violation"
	}
	return reason
}

// seen implements the bounded TTL dedup map.
func (ig *Ingestor) seen(channel, messageID string) bool {
	key := channel + ":" + messageID
	now := time.Now()

	ig.dedupMu.Lock()
	defer ig.dedupMu.Unlock()

	if until, ok := ig.dedup[key]; ok && now.Before(until) {
		return true
	}

	if len(ig.dedup) >= dedupMaxEntries {
		for k, until := range ig.dedup {
			if now.After(until) {
				delete(ig.dedup, k)
			}
		}
		for len(ig.dedup) >= dedupMaxEntries {
			for k := range ig.dedup {
				delete(ig.dedup, k)
				break
			}
		}
	}

	ig.dedup[key] = now.Add(dedupWindow)
	return false
}

// sessionIDFor composes the canonical persistent session ID for a
// channel message.
func (ig *Ingestor) sessionIDFor(channelName string, msg InboundMessage) (string, error) {
	thread := msg.ThreadID
	if msg.Scope != "thread" {
		thread = ""
	}
	return session.ComposeSessionID(ig.AgentID, channelName, msg.ChatID, thread)
}
