package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen         = 2000
	discordStreamPlaceholder = "…"
)

// Discord implements domain.Channel for Discord. Threading maps onto message
// references (replies); streaming rewrites one message via edits.
type Discord struct {
	token    string
	guildID  string
	ackEmoji string
	session  *discordgo.Session
	bus      domain.MessageBus
	logger   *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token    string
	GuildID  string
	AckEmoji string
	Logger   *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.AckEmoji == "" {
		cfg.AckEmoji = "👀"
	}
	return &Discord{
		token:    cfg.Token,
		guildID:  cfg.GuildID,
		ackEmoji: cfg.AckEmoji,
		logger:   cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session = session

	// Register message handler.
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		// Ignore bot's own messages.
		if m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}

		// If guildID is set, filter messages.
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}

		content := strings.TrimSpace(m.Content)
		if content == "" {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(content),
		)

		marker := ""
		if err := s.MessageReactionAdd(m.ChannelID, m.ID, d.ackEmoji); err != nil {
			d.logger.Warn("discord ack reaction failed", "channel_id", m.ChannelID, "err", err)
		} else {
			marker = d.ackEmoji
		}

		bus.Publish(domain.InboundMessage{
			Channel:   "discord",
			ChatID:    m.ChannelID,
			SenderID:  m.Author.ID,
			Content:   content,
			MessageTS: m.ID,
			AckMarker: marker,
			Timestamp: time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	// Wait for context cancellation.
	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error { return nil }

// SendMessage posts a standalone message, replying to threadTS when set.
// Returns the ID of the first posted chunk.
func (d *Discord) SendMessage(ctx context.Context, chatID string, payload domain.ReplyPayload, threadTS string) (string, error) {
	text := payload.Text
	// Discord renders bare URLs inline, so media travels as extra lines.
	for _, u := range payload.MediaURLs {
		if text != "" {
			text += "\n"
		}
		text += u
	}

	firstID := ""
	for i, chunk := range splitMessage(text, discordMaxMsgLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && threadTS != "" {
			send.Reference = &discordgo.MessageReference{
				MessageID: threadTS,
				ChannelID: chatID,
			}
		}
		sent, err := d.session.ChannelMessageSendComplex(chatID, send)
		if err != nil {
			return firstID, fmt.Errorf("discord send: %w", err)
		}
		if firstID == "" {
			firstID = sent.ID
		}
	}
	return firstID, nil
}

// discordStream is a live message rewritten on every append.
type discordStream struct {
	channelID string
	messageID string
	buf       strings.Builder
	dirty     bool
}

func (h *discordStream) MessageRef() string { return h.messageID }

// StartStream posts a placeholder message the appends will rewrite.
func (d *Discord) StartStream(ctx context.Context, chatID, threadTS string) (domain.StreamHandle, error) {
	send := &discordgo.MessageSend{Content: discordStreamPlaceholder}
	if threadTS != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: threadTS,
			ChannelID: chatID,
		}
	}

	sent, err := d.session.ChannelMessageSendComplex(chatID, send)
	if err != nil {
		return nil, fmt.Errorf("discord stream start: %w", err)
	}
	return &discordStream{channelID: chatID, messageID: sent.ID}, nil
}

// AppendStream rewrites the live message with the accumulated text.
func (d *Discord) AppendStream(ctx context.Context, h domain.StreamHandle, delta string) error {
	st, ok := h.(*discordStream)
	if !ok {
		return fmt.Errorf("discord: foreign stream handle %T", h)
	}

	st.buf.WriteString(delta)
	st.dirty = true

	if _, err := d.session.ChannelMessageEdit(st.channelID, st.messageID, st.buf.String()); err != nil {
		return fmt.Errorf("discord stream append: %w", err)
	}
	return nil
}

// StopStream finalizes the live message. A stream that never received content
// deletes its placeholder.
func (d *Discord) StopStream(ctx context.Context, h domain.StreamHandle, finalText string) error {
	st, ok := h.(*discordStream)
	if !ok {
		return fmt.Errorf("discord: foreign stream handle %T", h)
	}

	if finalText != "" {
		st.buf.WriteString(finalText)
		st.dirty = true
	}

	if !st.dirty {
		if err := d.session.ChannelMessageDelete(st.channelID, st.messageID); err != nil {
			return fmt.Errorf("discord stream cleanup: %w", err)
		}
		return nil
	}

	if finalText == "" {
		return nil
	}

	if _, err := d.session.ChannelMessageEdit(st.channelID, st.messageID, st.buf.String()); err != nil {
		return fmt.Errorf("discord stream stop: %w", err)
	}
	return nil
}

// SetTyping triggers the channel typing indicator. Discord expires it on its
// own, so turning it off is a no-op.
func (d *Discord) SetTyping(ctx context.Context, chatID, threadTS string, on bool) error {
	if !on {
		return nil
	}
	if err := d.session.ChannelTyping(chatID); err != nil {
		return fmt.Errorf("discord typing: %w", err)
	}
	return nil
}

// RemoveAckMarker removes the bot's ack reaction from the triggering message.
func (d *Discord) RemoveAckMarker(ctx context.Context, chatID, messageTS, marker string) error {
	if err := d.session.MessageReactionRemove(chatID, messageTS, marker, "@me"); err != nil {
		return fmt.Errorf("discord remove reaction: %w", err)
	}
	return nil
}
