package delivery

import (
	"context"
	"errors"
	"log/slog"

	"chatrelay/internal/domain"
)

// sessionState makes the live-message lifecycle explicit: a session is built
// pending, goes active on Start, and is stopped exactly once.
type sessionState int

const (
	statePending sessionState = iota
	stateActive
	stateStopped
)

var (
	errSessionNotActive = errors.New("stream session not active")
)

// Session owns one live-updating message scoped to a single (chat, thread).
// It wraps start/append/stop against the transport, refuses appends after
// stop, and tracks the last full text snapshot delivered through it. It never
// retries: any transport error surfaces to the caller, which owns fallback.
type Session struct {
	transport domain.Transport
	chatID    string
	threadTS  string
	logger    *slog.Logger

	handle   domain.StreamHandle
	state    sessionState
	lastText string
}

func NewSession(transport domain.Transport, chatID, threadTS string, logger *slog.Logger) *Session {
	return &Session{
		transport: transport,
		chatID:    chatID,
		threadTS:  threadTS,
		logger:    logger,
	}
}

func (s *Session) ThreadTS() string { return s.threadTS }

func (s *Session) Stopped() bool { return s.state == stateStopped }

// LastText returns the last full snapshot delivered through this session.
func (s *Session) LastText() string { return s.lastText }

// Start opens the live message. A non-empty seed is appended immediately as
// the first delta. Only a pending session can start.
func (s *Session) Start(ctx context.Context, seedText string) error {
	if s.state != statePending {
		return errors.New("stream session already started")
	}

	handle, err := s.transport.StartStream(ctx, s.chatID, s.threadTS)
	if err != nil {
		s.state = stateStopped
		return err
	}
	s.handle = handle
	s.state = stateActive

	if seedText == "" {
		return nil
	}
	if err := s.transport.AppendStream(ctx, s.handle, seedText); err != nil {
		return err
	}
	s.lastText = seedText
	return nil
}

// AppendSnapshot delivers the difference between the tracked snapshot and
// next, then tracks next. An empty delta (unchanged or shrunken text) is a
// no-op that keeps the previous snapshot, so a later re-extension of the
// original text does not duplicate already-streamed content.
func (s *Session) AppendSnapshot(ctx context.Context, next string) error {
	if s.state != stateActive {
		return errSessionNotActive
	}

	delta := ResolveDelta(s.lastText, next)
	if delta == "" {
		return nil
	}
	if err := s.transport.AppendStream(ctx, s.handle, delta); err != nil {
		return err
	}
	s.lastText = next
	return nil
}

// Stop finalizes the live message. Idempotent: the first call transitions to
// stopped and issues the transport call; every later call is a no-op. A
// session that never went active stops without touching the transport.
func (s *Session) Stop(ctx context.Context, finalText string) error {
	if s.state == stateStopped {
		return nil
	}
	wasActive := s.state == stateActive
	s.state = stateStopped

	if !wasActive {
		return nil
	}
	if err := s.transport.StopStream(ctx, s.handle, finalText); err != nil {
		return err
	}
	if finalText != "" {
		s.lastText += finalText
	}
	return nil
}
