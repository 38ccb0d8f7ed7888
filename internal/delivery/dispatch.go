package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

// Dispatcher drives the delivery of one response: it pulls the reply events
// for one inbound message from the generator, manages the typing indicator,
// routes every event through a Router, and performs the completion
// bookkeeping. A Dispatcher is built fresh per inbound message and holds no
// cross-response state.
type Dispatcher struct {
	transport domain.Transport
	generator domain.ResponseGenerator
	history   domain.HistoryStore
	events    *bus.Events
	logger    *slog.Logger

	mode         ThreadMode
	streaming    bool
	silentToken  string
	historyLimit int
}

// DispatcherConfig wires one Dispatcher. History and Events are optional.
type DispatcherConfig struct {
	Transport        domain.Transport
	Generator        domain.ResponseGenerator
	History          domain.HistoryStore
	Events           *bus.Events
	Logger           *slog.Logger
	Mode             ThreadMode
	StreamingEnabled bool
	SilentToken      string
	HistoryLimit     int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		transport:    cfg.Transport,
		generator:    cfg.Generator,
		history:      cfg.History,
		events:       cfg.Events,
		logger:       cfg.Logger,
		mode:         cfg.Mode,
		streaming:    cfg.StreamingEnabled,
		silentToken:  cfg.SilentToken,
		historyLimit: cfg.HistoryLimit,
	}
}

// Process handles one inbound message end to end. A generator error
// propagates to the caller, but only after the stream teardown has run; a
// delivery error on a single event is logged and the remaining events are
// still processed.
func (d *Dispatcher) Process(ctx context.Context, msg domain.InboundMessage) error {
	plan := NewReplyPlan(d.mode, msg.ThreadTS, msg.MessageTS)
	router := NewRouter(RouterConfig{
		Transport:        d.transport,
		Plan:             plan,
		ChatID:           msg.ChatID,
		StreamingEnabled: d.streaming,
		SilentToken:      d.silentToken,
		Events:           d.events,
		Logger:           d.logger,
	})

	// Guaranteed teardown: a half-built stream must be stopped even when the
	// generator fails mid-response. Close is idempotent.
	defer router.Close(ctx)

	typing := false
	defer func() {
		if typing {
			d.setTyping(ctx, msg, false)
		}
	}()

	var finalText string
	summary, genErr := d.generator.Generate(ctx, msg, func(ev domain.ReplyEvent) error {
		if !typing {
			typing = true
			d.setTyping(ctx, msg, true)
		}
		if ev.Final && ev.Payload.Text != "" {
			finalText = ev.Payload.Text
		}
		if err := router.Deliver(ctx, ev); err != nil {
			d.logger.Error("reply delivery failed",
				"channel", msg.Channel, "chat", msg.ChatID, "err", err,
			)
		}
		return nil
	})
	if genErr != nil {
		return fmt.Errorf("generate response: %w", genErr)
	}

	// Stop the live message before the post-delivery bookkeeping runs.
	router.Close(ctx)
	d.finish(ctx, msg, router.Delivered(), finalText, summary)
	return nil
}

// finish performs the completion bookkeeping. History is trimmed in both the
// delivered and the implicit no-answer case; the ack marker only comes off
// when something was actually delivered.
func (d *Dispatcher) finish(ctx context.Context, msg domain.InboundMessage, delivered int, finalText string, summary domain.ReplySummary) {
	if delivered > 0 {
		if msg.AckMarker != "" {
			if err := d.transport.RemoveAckMarker(ctx, msg.ChatID, msg.MessageTS, msg.AckMarker); err != nil {
				d.logger.Warn("ack marker removal failed",
					"channel", msg.Channel, "chat", msg.ChatID, "err", err,
				)
			}
		}
		if d.history != nil && finalText != "" && finalText != d.silentToken {
			if err := d.history.SaveMessage(ctx, convKey(msg), "assistant", finalText); err != nil {
				d.logger.Warn("saving reply to history failed", "err", err)
			}
		}
	}

	if d.history != nil && d.historyLimit > 0 {
		if n, err := d.history.TrimHistory(ctx, convKey(msg), d.historyLimit); err != nil {
			d.logger.Warn("history trim failed", "err", err)
		} else if n > 0 {
			d.logger.Debug("history trimmed", "conversation", convKey(msg), "removed", n)
		}
	}

	if d.events != nil {
		d.events.Emit(bus.Event{
			Type:   bus.EventResponseDone,
			Source: "dispatcher",
			Payload: map[string]any{
				"channel":   msg.Channel,
				"chat":      msg.ChatID,
				"delivered": delivered,
				"blocks":    summary.Blocks,
				"finals":    summary.Finals,
			},
		})
	}
}

func (d *Dispatcher) setTyping(ctx context.Context, msg domain.InboundMessage, on bool) {
	if err := d.transport.SetTyping(ctx, msg.ChatID, msg.ThreadTS, on); err != nil {
		d.logger.Warn("typing indicator failed",
			"channel", msg.Channel, "chat", msg.ChatID, "on", on, "err", err,
		)
	}
}

func convKey(msg domain.InboundMessage) string {
	return msg.Channel + ":" + msg.ChatID
}
