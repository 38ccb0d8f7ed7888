package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"chatrelay/internal/domain"
)

// testLogger discards output; delivery code logs on most paths.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type transportCall struct {
	op       string // send | start | append | stop | typing | remove_ack
	chatID   string
	threadTS string
	text     string
	on       bool
}

type fakeHandle struct{ ref string }

func (h fakeHandle) MessageRef() string { return h.ref }

// fakeTransport records every call and fails on demand.
type fakeTransport struct {
	calls []transportCall

	failStart   bool
	failSend    bool
	failStop    bool
	failAppend  int // fail the Nth append, 1-based; 0 = never
	appendCount int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) SendMessage(ctx context.Context, chatID string, payload domain.ReplyPayload, threadTS string) (string, error) {
	f.calls = append(f.calls, transportCall{op: "send", chatID: chatID, threadTS: threadTS, text: payload.Text})
	if f.failSend {
		return "", fmt.Errorf("send rejected")
	}
	return "msg.1", nil
}

func (f *fakeTransport) StartStream(ctx context.Context, chatID, threadTS string) (domain.StreamHandle, error) {
	f.calls = append(f.calls, transportCall{op: "start", chatID: chatID, threadTS: threadTS})
	if f.failStart {
		return nil, fmt.Errorf("start rejected")
	}
	return fakeHandle{ref: "stream.1"}, nil
}

func (f *fakeTransport) AppendStream(ctx context.Context, h domain.StreamHandle, delta string) error {
	f.appendCount++
	f.calls = append(f.calls, transportCall{op: "append", text: delta})
	if f.failAppend > 0 && f.appendCount == f.failAppend {
		return fmt.Errorf("append rejected")
	}
	return nil
}

func (f *fakeTransport) StopStream(ctx context.Context, h domain.StreamHandle, finalText string) error {
	f.calls = append(f.calls, transportCall{op: "stop", text: finalText})
	if f.failStop {
		return fmt.Errorf("stop rejected")
	}
	return nil
}

func (f *fakeTransport) SetTyping(ctx context.Context, chatID, threadTS string, on bool) error {
	f.calls = append(f.calls, transportCall{op: "typing", chatID: chatID, threadTS: threadTS, on: on})
	return nil
}

func (f *fakeTransport) RemoveAckMarker(ctx context.Context, chatID, messageTS, marker string) error {
	f.calls = append(f.calls, transportCall{op: "remove_ack", chatID: chatID, text: marker})
	return nil
}

func (f *fakeTransport) ops() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

func (f *fakeTransport) callsOf(op string) []transportCall {
	var out []transportCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

// fakeGenerator emits a fixed sequence of events, then optionally fails.
type fakeGenerator struct {
	events []domain.ReplyEvent
	err    error
}

func (g *fakeGenerator) Generate(ctx context.Context, msg domain.InboundMessage, emit domain.EmitFunc) (domain.ReplySummary, error) {
	var s domain.ReplySummary
	for _, ev := range g.events {
		if ev.Final {
			s.Finals++
			s.QueuedFinal = true
		} else {
			s.Blocks++
		}
		if err := emit(ev); err != nil {
			return s, err
		}
	}
	return s, g.err
}

type historyOp struct {
	op      string // save | trim
	convKey string
	role    string
	content string
	limit   int
}

// fakeHistory records bookkeeping calls.
type fakeHistory struct {
	ops []historyOp
}

func (h *fakeHistory) SaveMessage(ctx context.Context, convKey, role, content string) error {
	h.ops = append(h.ops, historyOp{op: "save", convKey: convKey, role: role, content: content})
	return nil
}

func (h *fakeHistory) RecentMessages(ctx context.Context, convKey string, limit int) ([]domain.HistoryEntry, error) {
	return nil, nil
}

func (h *fakeHistory) TrimHistory(ctx context.Context, convKey string, limit int) (int, error) {
	h.ops = append(h.ops, historyOp{op: "trim", convKey: convKey, limit: limit})
	return 0, nil
}

func (h *fakeHistory) Close() error { return nil }

func block(text string) domain.ReplyEvent {
	return domain.ReplyEvent{Payload: domain.ReplyPayload{Text: text}, Kind: domain.KindText}
}

func finalReply(text string) domain.ReplyEvent {
	return domain.ReplyEvent{Payload: domain.ReplyPayload{Text: text}, Kind: domain.KindText, Final: true}
}
