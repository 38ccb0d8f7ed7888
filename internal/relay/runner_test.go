package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/delivery"
	"chatrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTransport records discrete sends and signals each one on a channel.
type stubTransport struct {
	name string
	sent chan string

	mu    sync.Mutex
	texts []string
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) SendMessage(ctx context.Context, chatID string, payload domain.ReplyPayload, threadTS string) (string, error) {
	s.mu.Lock()
	s.texts = append(s.texts, payload.Text)
	s.mu.Unlock()
	s.sent <- payload.Text
	return "ts.1", nil
}

func (s *stubTransport) StartStream(ctx context.Context, chatID, threadTS string) (domain.StreamHandle, error) {
	return nil, context.Canceled
}

func (s *stubTransport) AppendStream(ctx context.Context, h domain.StreamHandle, delta string) error {
	return nil
}

func (s *stubTransport) StopStream(ctx context.Context, h domain.StreamHandle, finalText string) error {
	return nil
}

func (s *stubTransport) SetTyping(ctx context.Context, chatID, threadTS string, on bool) error {
	return nil
}

func (s *stubTransport) RemoveAckMarker(ctx context.Context, chatID, messageTS, marker string) error {
	return nil
}

func (s *stubTransport) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// echoGenerator answers every message with one final reply.
type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, msg domain.InboundMessage, emit domain.EmitFunc) (domain.ReplySummary, error) {
	err := emit(domain.ReplyEvent{
		Payload: domain.ReplyPayload{Text: "pong: " + msg.Content},
		Kind:    domain.KindText,
		Final:   true,
	})
	return domain.ReplySummary{Finals: 1, QueuedFinal: true}, err
}

type recordingHistory struct {
	mu    sync.Mutex
	saved []string // "convKey|role|content"
}

func (h *recordingHistory) SaveMessage(ctx context.Context, convKey, role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, convKey+"|"+role+"|"+content)
	return nil
}

func (h *recordingHistory) RecentMessages(ctx context.Context, convKey string, limit int) ([]domain.HistoryEntry, error) {
	return nil, nil
}

func (h *recordingHistory) TrimHistory(ctx context.Context, convKey string, limit int) (int, error) {
	return 0, nil
}

func (h *recordingHistory) Close() error { return nil }

func startRunner(t *testing.T, tr *stubTransport, hist *recordingHistory) (*bus.InMemoryBus, func()) {
	t.Helper()

	b := bus.New(16, testLogger())
	runner := NewRunner(RunnerConfig{
		Bus:              b,
		Transports:       []domain.Transport{tr},
		Generator:        echoGenerator{},
		History:          hist,
		Events:           bus.NewEvents(testLogger()),
		Logger:           testLogger(),
		Mode:             delivery.ThreadOff,
		StreamingEnabled: false,
		SilentToken:      "NO_REPLY",
		HistoryLimit:     10,
		Concurrency:      2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	return b, func() {
		cancel()
		<-done
	}
}

func waitSent(t *testing.T, tr *stubTransport) string {
	t.Helper()
	select {
	case text := <-tr.sent:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ""
	}
}

func TestRun_DeliversInboundMessages(t *testing.T) {
	tr := &stubTransport{name: "slack", sent: make(chan string, 8)}
	hist := &recordingHistory{}
	b, stop := startRunner(t, tr, hist)
	defer stop()

	b.Publish(domain.InboundMessage{
		Channel:  "slack",
		ChatID:   "C1",
		SenderID: "U1",
		Content:  "hi",
	})

	if got := waitSent(t, tr); got != "pong: hi" {
		t.Fatalf("unexpected delivery %q", got)
	}

	hist.mu.Lock()
	defer hist.mu.Unlock()
	if len(hist.saved) < 1 || hist.saved[0] != "slack:C1|user|hi" {
		t.Fatalf("expected user message saved first, got %v", hist.saved)
	}
}

func TestRun_UnknownChannelSkipped(t *testing.T) {
	tr := &stubTransport{name: "slack", sent: make(chan string, 8)}
	b, stop := startRunner(t, tr, &recordingHistory{})
	defer stop()

	b.Publish(domain.InboundMessage{Channel: "matrix", ChatID: "X", Content: "lost"})
	b.Publish(domain.InboundMessage{Channel: "slack", ChatID: "C1", Content: "found"})

	if got := waitSent(t, tr); got != "pong: found" {
		t.Fatalf("unexpected delivery %q", got)
	}

	if texts := tr.sentTexts(); len(texts) != 1 {
		t.Fatalf("expected only the routable message delivered, got %v", texts)
	}
}

func TestRun_StopsWhenBusCloses(t *testing.T) {
	tr := &stubTransport{name: "slack", sent: make(chan string, 8)}
	b := bus.New(16, testLogger())
	runner := NewRunner(RunnerConfig{
		Bus:        b,
		Transports: []domain.Transport{tr},
		Generator:  echoGenerator{},
		Logger:     testLogger(),
		Mode:       delivery.ThreadOff,
	})

	done := make(chan struct{})
	go func() {
		runner.Run(context.Background())
		close(done)
	}()

	b.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after bus close")
	}
}
