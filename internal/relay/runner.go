// Package relay consumes inbound chat messages from the bus and runs one
// delivery dispatch per message with bounded concurrency.
package relay

import (
	"context"
	"log/slog"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/delivery"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"

	"github.com/google/uuid"
)

const defaultConcurrency = 5

// Runner is the core engine: receive message → generate reply events →
// deliver them through the message's channel adapter.
type Runner struct {
	bus        domain.MessageBus
	transports map[string]domain.Transport
	generator  domain.ResponseGenerator
	history    domain.HistoryStore
	events     *bus.Events
	logger     *slog.Logger

	mode         delivery.ThreadMode
	streaming    bool
	silentToken  string
	historyLimit int
	concurrency  int
}

// RunnerConfig holds all dependencies and tuning parameters for the runner.
// History and Events are optional.
type RunnerConfig struct {
	Bus              domain.MessageBus
	Transports       []domain.Transport
	Generator        domain.ResponseGenerator
	History          domain.HistoryStore
	Events           *bus.Events
	Logger           *slog.Logger
	Mode             delivery.ThreadMode
	StreamingEnabled bool
	SilentToken      string
	HistoryLimit     int
	Concurrency      int // max parallel messages (default 5)
}

// NewRunner creates a new runner with the given configuration.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	byName := make(map[string]domain.Transport, len(cfg.Transports))
	for _, tr := range cfg.Transports {
		byName[tr.Name()] = tr
	}

	if cfg.Events != nil {
		wireMetrics(cfg.Events)
	}

	return &Runner{
		bus:          cfg.Bus,
		transports:   byName,
		generator:    cfg.Generator,
		history:      cfg.History,
		events:       cfg.Events,
		logger:       cfg.Logger,
		mode:         cfg.Mode,
		streaming:    cfg.StreamingEnabled,
		silentToken:  cfg.SilentToken,
		historyLimit: cfg.HistoryLimit,
		concurrency:  cfg.Concurrency,
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
// It returns when the context is cancelled or the bus is closed.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("relay started", "concurrency", r.concurrency)

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, relay stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				r.processMessage(ctx, m)
			}(msg)
		}
	}
}

// processMessage handles a single inbound message end to end.
func (r *Runner) processMessage(ctx context.Context, msg domain.InboundMessage) {
	responseID := uuid.NewString()
	logger := r.logger.With("response_id", responseID)

	logger.Info("processing message",
		"channel", msg.Channel,
		"chat", msg.ChatID,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)
	metrics.MessagesTotal.Inc()

	transport, ok := r.transports[msg.Channel]
	if !ok {
		logger.Error("no transport for channel", "channel", msg.Channel)
		return
	}

	if r.history != nil {
		convKey := msg.Channel + ":" + msg.ChatID
		if err := r.history.SaveMessage(ctx, convKey, "user", msg.Content); err != nil {
			logger.Warn("saving user message failed", "err", err)
		}
	}

	dispatcher := delivery.NewDispatcher(delivery.DispatcherConfig{
		Transport:        transport,
		Generator:        r.generator,
		History:          r.history,
		Events:           r.events,
		Logger:           logger,
		Mode:             r.mode,
		StreamingEnabled: r.streaming,
		SilentToken:      r.silentToken,
		HistoryLimit:     r.historyLimit,
	})

	start := time.Now()
	if err := dispatcher.Process(ctx, msg); err != nil {
		logger.Error("response failed", "channel", msg.Channel, "chat", msg.ChatID, "err", err)
	}
	metrics.ResponseLatency.Observe(time.Since(start).Seconds())
}

// wireMetrics feeds the delivery lifecycle events into the metrics counters.
func wireMetrics(events *bus.Events) {
	events.On(bus.EventStreamStarted, func(bus.Event) { metrics.StreamsStarted.Inc() })
	events.On(bus.EventStreamFallback, func(bus.Event) { metrics.StreamFallbacks.Inc() })
	events.On(bus.EventReplyDelivered, func(bus.Event) { metrics.RepliesSent.Inc() })
	events.On(bus.EventReplyDropped, func(bus.Event) { metrics.RepliesDropped.Inc() })
}
