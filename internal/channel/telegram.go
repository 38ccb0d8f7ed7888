package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3

	telegramAckText           = "👀"
	telegramStreamPlaceholder = "…"
)

// Telegram implements domain.Channel for Telegram bots. Threading maps onto
// Telegram replies: a thread identifier is the decimal ID of the message the
// reply attaches to. Streaming rewrites one message via editMessageText.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	// Telegram has no reactions in the Bot API we use, so the ack marker is a
	// small reply message that gets deleted once the response lands.
	marker := ""
	ack := tgbotapi.NewMessage(chatID, telegramAckText)
	ack.ReplyToMessageID = update.Message.MessageID
	if sent, err := t.bot.Send(ack); err != nil {
		t.logger.Warn("telegram ack failed", "chat_id", chatID, "err", err)
	} else {
		marker = strconv.Itoa(sent.MessageID)
	}

	t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		MessageTS: strconv.Itoa(update.Message.MessageID),
		AckMarker: marker,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// SendMessage posts a standalone message, replying to threadTS when set.
// Returns the ID of the first posted chunk.
func (t *Telegram) SendMessage(ctx context.Context, chatID string, payload domain.ReplyPayload, threadTS string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID: %w", err)
	}

	replyTo := 0
	if threadTS != "" {
		if n, err := strconv.Atoi(threadTS); err == nil {
			replyTo = n
		}
	}

	firstID := ""
	for i, chunk := range splitMessage(payload.Text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(id, chunk)
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		sent, err := t.sendWithRetry(msg)
		if err != nil {
			return firstID, err
		}
		if firstID == "" {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}

	for _, u := range payload.MediaURLs {
		photo := tgbotapi.NewPhoto(id, tgbotapi.FileURL(u))
		if _, err := t.bot.Send(photo); err != nil {
			t.logger.Error("telegram media send failed", "chat_id", id, "url", u, "err", err)
		}
	}

	return firstID, nil
}

// sendWithRetry sends a single message with rate limit handling.
func (t *Telegram) sendWithRetry(msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		sent, err := t.bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err

		// Handle Telegram rate limiting (HTTP 429).
		if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("telegram send: %w", lastErr)
}

// telegramStream is a live message rewritten on every append.
type telegramStream struct {
	chatID    int64
	messageID int
	buf       strings.Builder
	dirty     bool
}

func (h *telegramStream) MessageRef() string { return strconv.Itoa(h.messageID) }

// StartStream posts a placeholder message the appends will rewrite.
func (t *Telegram) StartStream(ctx context.Context, chatID, threadTS string) (domain.StreamHandle, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	msg := tgbotapi.NewMessage(id, telegramStreamPlaceholder)
	if threadTS != "" {
		if n, err := strconv.Atoi(threadTS); err == nil {
			msg.ReplyToMessageID = n
		}
	}

	sent, err := t.bot.Send(msg)
	if err != nil {
		return nil, fmt.Errorf("telegram stream start: %w", err)
	}
	return &telegramStream{chatID: id, messageID: sent.MessageID}, nil
}

// AppendStream rewrites the live message with the accumulated text.
func (t *Telegram) AppendStream(ctx context.Context, h domain.StreamHandle, delta string) error {
	st, ok := h.(*telegramStream)
	if !ok {
		return fmt.Errorf("telegram: foreign stream handle %T", h)
	}

	st.buf.WriteString(delta)
	st.dirty = true

	edit := tgbotapi.NewEditMessageText(st.chatID, st.messageID, st.buf.String())
	if _, err := t.bot.Request(edit); err != nil {
		return fmt.Errorf("telegram stream append: %w", err)
	}
	return nil
}

// StopStream finalizes the live message. A stream that never received content
// deletes its placeholder.
func (t *Telegram) StopStream(ctx context.Context, h domain.StreamHandle, finalText string) error {
	st, ok := h.(*telegramStream)
	if !ok {
		return fmt.Errorf("telegram: foreign stream handle %T", h)
	}

	if finalText != "" {
		st.buf.WriteString(finalText)
		st.dirty = true
	}

	if !st.dirty {
		del := tgbotapi.NewDeleteMessage(st.chatID, st.messageID)
		if _, err := t.bot.Request(del); err != nil {
			return fmt.Errorf("telegram stream cleanup: %w", err)
		}
		return nil
	}

	if finalText == "" {
		return nil
	}

	edit := tgbotapi.NewEditMessageText(st.chatID, st.messageID, st.buf.String())
	if _, err := t.bot.Request(edit); err != nil {
		return fmt.Errorf("telegram stream stop: %w", err)
	}
	return nil
}

// SetTyping sends the typing chat action. Telegram expires the indicator on
// its own, so turning it off is a no-op.
func (t *Telegram) SetTyping(ctx context.Context, chatID, threadTS string, on bool) error {
	if !on {
		return nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram chat action: %w", err)
	}
	return nil
}

// RemoveAckMarker deletes the ack reply message recorded on receipt.
func (t *Telegram) RemoveAckMarker(ctx context.Context, chatID, messageTS, marker string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	ackID, err := strconv.Atoi(marker)
	if err != nil {
		return fmt.Errorf("invalid ack marker %q: %w", marker, err)
	}
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(id, ackID)); err != nil {
		return fmt.Errorf("telegram ack cleanup: %w", err)
	}
	return nil
}
