package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// Slack is the Slack Channel adapter, run over Socket Mode (bot token +
// app-level token from SLACK_BOT_TOKEN/SLACK_APP_TOKEN) so no public
// webhook endpoint is required. One struct implements the full Channel +
// ReactionChannel + HistoryChannel surface.
type Slack struct {
	api       *slack.Client
	socket    *socketmode.Client
	botUserID string

	cancel context.CancelFunc
}

// NewSlack builds a Slack channel from a bot token (xoxb-...) and an
// app-level token (xapp-...) with the connections:write scope required
// for Socket Mode.
func NewSlack(botToken, appToken string) *Slack {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Slack{
		api:    api,
		socket: socketmode.New(api),
	}
}

func (s *Slack) Name() string { return "slack" }

// Start resolves the bot's own user ID (so its own messages and @-mention
// markers can be filtered/stripped), then runs the Socket Mode client
// and its event loop in the background.
func (s *Slack) Start(ctx context.Context, handler func(InboundMessage)) error {
	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	s.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		if err := s.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack.socket_run_failed", "error", err)
		}
	}()
	go s.eventLoop(runCtx, handler)
	return nil
}

func (s *Slack) eventLoop(ctx context.Context, handler func(InboundMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				s.socket.Ack(*evt.Request)
			}
			s.handleEvent(apiEvent, handler)
		}
	}
}

func (s *Slack) handleEvent(evt slackevents.EventsAPIEvent, handler func(InboundMessage)) {
	if evt.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := evt.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.SubType != "" { // edits, joins, etc. are not user turns
			return
		}
		s.dispatch(handler, ev.User, ev.Channel, ev.ChannelType, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	case *slackevents.AppMentionEvent:
		s.dispatch(handler, ev.User, ev.Channel, "channel", ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	}
}

func (s *Slack) dispatch(handler func(InboundMessage), user, channel, channelType, text, ts, threadTS string) {
	if user == "" || user == s.botUserID {
		return
	}

	isMention := strings.Contains(text, "<@"+s.botUserID+">")
	scope := "channel"
	threadID := ""
	switch {
	case channelType == "im":
		scope = "dm"
	case threadTS != "" && threadTS != ts:
		scope = "thread"
		threadID = encodeThreadID(channel, threadTS)
	}

	handler(InboundMessage{
		ID:        encodeThreadID(channel, ts),
		Sender:    user,
		ChatID:    channel,
		Scope:     scope,
		ThreadID:  threadID,
		Content:   stripMention(text, s.botUserID),
		IsMention: isMention || scope != "thread",
	})
}

func (s *Slack) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// ShouldRespond defers entirely to the ingestor's dedup/thread-gate/
// bootstrap pipeline; Slack has no separate allowlist concept here.
func (s *Slack) ShouldRespond(msg InboundMessage) bool { return true }

func (s *Slack) Send(ctx context.Context, msg OutboundMessage) error {
	_, _, err := s.api.PostMessageContext(ctx, msg.ChatID, slack.MsgOptionText(msg.Content, false))
	return err
}

func (s *Slack) AddReaction(ctx context.Context, msg InboundMessage, reaction string) error {
	_, ts, err := decodeThreadID(msg.ID)
	if err != nil {
		return err
	}
	return s.api.AddReactionContext(ctx, reaction, slack.NewRefToMessage(msg.ChatID, ts))
}

func (s *Slack) RemoveReaction(ctx context.Context, msg InboundMessage, reaction string) error {
	_, ts, err := decodeThreadID(msg.ID)
	if err != nil {
		return err
	}
	return s.api.RemoveReactionContext(ctx, reaction, slack.NewRefToMessage(msg.ChatID, ts))
}

// FetchThreadHistory returns up to limit prior messages in the thread,
// oldest first.
func (s *Slack) FetchThreadHistory(ctx context.Context, threadID string, limit int) ([]InboundMessage, error) {
	channel, ts, err := decodeThreadID(threadID)
	if err != nil {
		return nil, err
	}

	msgs, _, _, err := s.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: ts,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack: fetch thread history: %w", err)
	}

	out := make([]InboundMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.User == "" || m.User == s.botUserID {
			continue
		}
		out = append(out, InboundMessage{
			ID:       encodeThreadID(channel, m.Timestamp),
			Sender:   m.User,
			ChatID:   channel,
			Scope:    "thread",
			ThreadID: threadID,
			Content:  stripMention(m.Text, s.botUserID),
		})
	}
	return out, nil
}

// encodeThreadID/decodeThreadID pack a Slack channel ID and message
// timestamp into the single string the Channel interface's ThreadID and
// InboundMessage.ID fields carry. Channel IDs are alphanumeric and
// timestamps are "<unix>.<micros>", so a single "-" separator round-trips
// unambiguously.
func encodeThreadID(channel, ts string) string {
	return channel + "-" + ts
}

func decodeThreadID(id string) (channel, ts string, err error) {
	idx := strings.Index(id, "-")
	if idx < 0 {
		return "", "", fmt.Errorf("slack: malformed thread/message id %q", id)
	}
	channel, ts = id[:idx], id[idx+1:]
	if _, err := strconv.ParseFloat(ts, 64); err != nil {
		return "", "", fmt.Errorf("slack: malformed timestamp in id %q", id)
	}
	return channel, ts, nil
}

func stripMention(text, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botUserID+">", ""))
}
