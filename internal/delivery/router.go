package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

// Router decides, per reply event, between streamed and discrete delivery.
// It owns the single active stream session of a response, falls back to
// discrete sends on any streaming failure, and guarantees the session is torn
// down exactly once. One Router lives exactly as long as one response and is
// never shared.
type Router struct {
	transport domain.Transport
	plan      *ReplyPlan
	chatID    string
	streaming bool
	silent    string
	events    *bus.Events
	logger    *slog.Logger

	session      *Session
	streamFailed bool // sticky for the remainder of the response
	delivered    int
}

// RouterConfig wires one Router. Events is optional.
type RouterConfig struct {
	Transport        domain.Transport
	Plan             *ReplyPlan
	ChatID           string
	StreamingEnabled bool
	SilentToken      string
	Events           *bus.Events
	Logger           *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		transport: cfg.Transport,
		plan:      cfg.Plan,
		chatID:    cfg.ChatID,
		streaming: cfg.StreamingEnabled,
		silent:    cfg.SilentToken,
		events:    cfg.Events,
		logger:    cfg.Logger,
	}
}

// Delivered returns how many reply payloads were actually delivered.
func (r *Router) Delivered() int { return r.delivered }

// Deliver routes one reply event. Streaming failures degrade silently to a
// discrete send of the same payload; only a failed discrete send returns an
// error, and the caller decides whether to continue with later events.
func (r *Router) Deliver(ctx context.Context, ev domain.ReplyEvent) error {
	payload := ev.Payload
	threadTS := r.plan.NextThreadTS()

	// The silent sentinel means "no visible output": nothing is sent at all.
	if !payload.HasMedia() && (payload.Text == "" || (r.silent != "" && payload.Text == r.silent)) {
		r.logger.Debug("suppressing silent reply", "chat", r.chatID)
		r.emit(bus.EventReplyDropped, map[string]any{"chat": r.chatID, "reason": "silent"})
		return nil
	}

	if !r.eligibleToStream(ev, threadTS) {
		r.stopSession(ctx)
		return r.sendDiscrete(ctx, payload, threadTS)
	}

	text := payload.Text

	// A session is bound to one thread; a thread change forces a new one.
	if r.session == nil || r.session.ThreadTS() != threadTS {
		r.stopSession(ctx)

		sess := NewSession(r.transport, r.chatID, threadTS, r.logger)
		if err := sess.Start(ctx, text); err != nil {
			return r.fallback(ctx, sess, payload, threadTS, err)
		}
		r.session = sess
		r.markDelivered("stream", threadTS)
		r.emit(bus.EventStreamStarted, map[string]any{"chat": r.chatID, "thread": threadTS})
		return nil
	}

	if err := r.session.AppendSnapshot(ctx, text); err != nil {
		sess := r.session
		r.session = nil
		return r.fallback(ctx, sess, payload, threadTS, err)
	}
	r.markDelivered("stream", threadTS)
	return nil
}

// Close idempotently stops any still-active session and clears its tracked
// text. It must run even when the generator failed mid-response, so a
// half-built stream is never left open.
func (r *Router) Close(ctx context.Context) {
	r.stopSession(ctx)
}

func (r *Router) eligibleToStream(ev domain.ReplyEvent, threadTS string) bool {
	return r.streaming &&
		!r.streamFailed &&
		ev.Kind == domain.KindText &&
		!ev.Payload.HasMedia() &&
		ev.Payload.Text != "" &&
		threadTS != ""
}

// fallback handles any failure during stream start or append: the failure is
// sticky for the rest of the response, the session is stopped defensively,
// and the current payload is re-delivered discretely so it is not lost.
func (r *Router) fallback(ctx context.Context, sess *Session, payload domain.ReplyPayload, threadTS string, cause error) error {
	r.streamFailed = true
	r.logger.Debug("streaming failed, falling back to discrete delivery",
		"chat", r.chatID, "err", cause,
	)
	if err := sess.Stop(ctx, ""); err != nil {
		r.logger.Warn("stream stop after failure", "chat", r.chatID, "err", err)
	}
	r.emit(bus.EventStreamFallback, map[string]any{"chat": r.chatID, "err": cause.Error()})
	return r.sendDiscrete(ctx, payload, threadTS)
}

func (r *Router) sendDiscrete(ctx context.Context, payload domain.ReplyPayload, threadTS string) error {
	if _, err := r.transport.SendMessage(ctx, r.chatID, payload, threadTS); err != nil {
		r.logger.Error("discrete send failed", "chat", r.chatID, "err", err)
		return fmt.Errorf("send message: %w", err)
	}
	r.markDelivered("discrete", threadTS)
	return nil
}

func (r *Router) markDelivered(mode, threadTS string) {
	r.plan.MarkSent()
	r.delivered++
	r.emit(bus.EventReplyDelivered, map[string]any{
		"chat": r.chatID, "thread": threadTS, "mode": mode,
	})
}

func (r *Router) stopSession(ctx context.Context) {
	if r.session == nil {
		return
	}
	if err := r.session.Stop(ctx, ""); err != nil {
		r.logger.Warn("stream stop failed", "chat", r.chatID, "err", err)
	}
	r.session = nil
}

func (r *Router) emit(eventType string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(bus.Event{Type: eventType, Source: "router", Payload: payload})
}
