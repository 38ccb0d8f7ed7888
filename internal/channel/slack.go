package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	slackMaxMsgLen = 4000

	// Slack rejects empty message bodies, so a fresh live message starts
	// with a placeholder that the first append replaces.
	slackStreamPlaceholder = "…"
)

// Slack implements domain.Channel for Slack using Socket Mode. Live streaming
// is built on message edits: the adapter posts a placeholder, accumulates
// appended deltas in the handle and rewrites the message on every append.
type Slack struct {
	botToken string
	appToken string
	ackEmoji string
	client   *slack.Client
	socket   *socketmode.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	AckEmoji string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.AckEmoji == "" {
		cfg.AckEmoji = "eyes"
	}
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		ackEmoji: cfg.AckEmoji,
		client: slack.New(
			cfg.BotToken,
			slack.OptionAppLevelToken(cfg.AppToken),
		),
		logger: cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	// Get bot user ID.
	authResp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(s.client)
	s.socket = socketClient

	// Event handling goroutine.
	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	// Run Socket Mode client (blocks until context is done).
	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		innerEvent := event.InnerEvent
		switch ev := innerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// Ignore bot's own messages and message_changed subtypes.
			if ev.User == s.botUID || ev.User == "" || ev.BotID != "" {
				return
			}
			if ev.SubType != "" {
				return
			}
			s.publishInbound(ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp)

		case *slackevents.AppMentionEvent:
			if ev.User == s.botUID || ev.User == "" {
				return
			}

			// Strip the mention prefix.
			content := ev.Text
			if idx := strings.Index(content, ">"); idx >= 0 {
				content = strings.TrimSpace(content[idx+1:])
			}
			s.publishInbound(ev.Channel, ev.User, content, ev.ThreadTimeStamp, ev.TimeStamp)
		}
	}
}

func (s *Slack) publishInbound(channelID, userID, content, threadTS, messageTS string) {
	s.logger.Info("slack message received",
		"user", userID,
		"channel", channelID,
		"thread_ts", threadTS,
		"content_len", len(content),
	)

	// Mark the message as seen. The marker comes off once a reply lands.
	marker := ""
	ref := slack.NewRefToMessage(channelID, messageTS)
	if err := s.client.AddReaction(s.ackEmoji, ref); err != nil {
		s.logger.Warn("slack ack reaction failed", "channel", channelID, "err", err)
	} else {
		marker = s.ackEmoji
	}

	s.bus.Publish(domain.InboundMessage{
		Channel:   "slack",
		ChatID:    channelID,
		SenderID:  userID,
		Content:   content,
		ThreadTS:  threadTS,
		MessageTS: messageTS,
		AckMarker: marker,
		Timestamp: time.Now(),
	})
}

// SendMessage posts a standalone message, splitting long content into chunks.
// Returns the timestamp of the first posted chunk.
func (s *Slack) SendMessage(ctx context.Context, chatID string, payload domain.ReplyPayload, threadTS string) (string, error) {
	chunks := splitMessage(payload.Text, slackMaxMsgLen)

	firstTS := ""
	for i, chunk := range chunks {
		opts := []slack.MsgOption{
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionAsUser(true),
		}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		// Media goes out with the first chunk only.
		if i == 0 && payload.HasMedia() {
			atts := make([]slack.Attachment, 0, len(payload.MediaURLs))
			for _, u := range payload.MediaURLs {
				atts = append(atts, slack.Attachment{ImageURL: u})
			}
			opts = append(opts, slack.MsgOptionAttachments(atts...))
		}

		_, ts, err := s.client.PostMessageContext(ctx, chatID, opts...)
		if err != nil {
			return firstTS, fmt.Errorf("slack post: %w", err)
		}
		if firstTS == "" {
			firstTS = ts
		}
	}
	return firstTS, nil
}

// slackStream is a live message being built up by appended deltas.
type slackStream struct {
	channel string
	ts      string
	buf     strings.Builder
	dirty   bool // true once real content replaced the placeholder
}

func (h *slackStream) MessageRef() string { return h.ts }

// StartStream posts a placeholder message the appends will rewrite.
func (s *Slack) StartStream(ctx context.Context, chatID, threadTS string) (domain.StreamHandle, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(slackStreamPlaceholder, false),
		slack.MsgOptionAsUser(true),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, ts, err := s.client.PostMessageContext(ctx, chatID, opts...)
	if err != nil {
		return nil, fmt.Errorf("slack stream start: %w", err)
	}
	return &slackStream{channel: chatID, ts: ts}, nil
}

// AppendStream rewrites the live message with the accumulated text.
func (s *Slack) AppendStream(ctx context.Context, h domain.StreamHandle, delta string) error {
	st, ok := h.(*slackStream)
	if !ok {
		return fmt.Errorf("slack: foreign stream handle %T", h)
	}

	st.buf.WriteString(delta)
	st.dirty = true

	_, _, _, err := s.client.UpdateMessageContext(ctx, st.channel, st.ts,
		slack.MsgOptionText(st.buf.String(), false),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		return fmt.Errorf("slack stream append: %w", err)
	}
	return nil
}

// StopStream finalizes the live message. A stream that never received content
// deletes its placeholder instead of leaving it behind.
func (s *Slack) StopStream(ctx context.Context, h domain.StreamHandle, finalText string) error {
	st, ok := h.(*slackStream)
	if !ok {
		return fmt.Errorf("slack: foreign stream handle %T", h)
	}

	if finalText != "" {
		st.buf.WriteString(finalText)
		st.dirty = true
	}

	if !st.dirty {
		if _, _, err := s.client.DeleteMessageContext(ctx, st.channel, st.ts); err != nil {
			return fmt.Errorf("slack stream cleanup: %w", err)
		}
		return nil
	}

	if finalText == "" {
		// Content is already on screen from the last append.
		return nil
	}

	_, _, _, err := s.client.UpdateMessageContext(ctx, st.channel, st.ts,
		slack.MsgOptionText(st.buf.String(), false),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		return fmt.Errorf("slack stream stop: %w", err)
	}
	return nil
}

// SetTyping toggles the assistant thread status. Slack only surfaces it
// inside assistant threads; elsewhere the call fails and the caller logs it.
func (s *Slack) SetTyping(ctx context.Context, chatID, threadTS string, on bool) error {
	status := ""
	if on {
		status = "is typing..."
	}
	return s.client.SetAssistantThreadsStatusContext(ctx, slack.AssistantThreadsSetStatusParameters{
		ChannelID: chatID,
		ThreadTS:  threadTS,
		Status:    status,
	})
}

// RemoveAckMarker removes the ack reaction placed on the triggering message.
func (s *Slack) RemoveAckMarker(ctx context.Context, chatID, messageTS, marker string) error {
	ref := slack.NewRefToMessage(chatID, messageTS)
	if err := s.client.RemoveReactionContext(ctx, marker, ref); err != nil {
		return fmt.Errorf("slack remove reaction: %w", err)
	}
	return nil
}
