// Package channels implements the channel ingestion path: dedup, thread
// gating and backfill, the bootstrap-admin gate, and optional-reply
// semantics, composed around a small Channel callback interface so
// concrete platforms plug in without the host knowing anything about
// their wire formats.
package channels

import "context"

// InboundMessage is what a Channel hands the Ingestor for one incoming
// message.
type InboundMessage struct {
	ID          string
	Sender      string
	ChatID      string
	Scope       string // "dm", "channel", "thread"
	ThreadID    string // non-empty when Scope == "thread"
	Content     string
	Attachments []string
	IsMention   bool
}

// OutboundMessage is what the Ingestor hands back to a Channel's Send.
type OutboundMessage struct {
	ChatID  string
	Content string
}

// Channel is a platform adapter the host treats as opaque beyond this
// contract.
type Channel interface {
	// Name returns the channel identifier (e.g. "slack", "loopback").
	Name() string

	// Start begins listening for messages, calling handler for each one
	// that survives ShouldRespond. Non-blocking after setup.
	Start(ctx context.Context, handler func(InboundMessage)) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// ShouldRespond is the channel-specific policy gate: allowlists,
	// mention requirements, and so on.
	ShouldRespond(msg InboundMessage) bool

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg OutboundMessage) error
}

// ReactionChannel is implemented by channels that can attach a status
// reaction to the source message.
type ReactionChannel interface {
	Channel
	AddReaction(ctx context.Context, msg InboundMessage, reaction string) error
	RemoveReaction(ctx context.Context, msg InboundMessage, reaction string) error
}

// HistoryChannel is implemented by channels that can backfill prior
// thread messages.
type HistoryChannel interface {
	Channel
	FetchThreadHistory(ctx context.Context, threadID string, limit int) ([]InboundMessage, error)
}
