package delivery

import (
	"context"
	"errors"
	"testing"

	"chatrelay/internal/domain"
)

func newTestDispatcher(tr *fakeTransport, gen domain.ResponseGenerator, hist domain.HistoryStore) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Transport:        tr,
		Generator:        gen,
		History:          hist,
		Logger:           testLogger(),
		Mode:             ThreadAll,
		StreamingEnabled: true,
		SilentToken:      "NO_REPLY",
		HistoryLimit:     50,
	})
}

func inbound() domain.InboundMessage {
	return domain.InboundMessage{
		Channel:   "slack",
		ChatID:    "C1",
		SenderID:  "U1",
		Content:   "hi",
		ThreadTS:  "111.222",
		MessageTS: "111.333",
		AckMarker: "eyes",
	}
}

func TestDispatcher_TeardownOnGeneratorError(t *testing.T) {
	tr := &fakeTransport{}
	gen := &fakeGenerator{
		events: []domain.ReplyEvent{block("partial answer")},
		err:    errors.New("model exploded"),
	}
	d := newTestDispatcher(tr, gen, nil)

	err := d.Process(context.Background(), inbound())
	if err == nil {
		t.Fatal("expected generator error to propagate")
	}

	// The stream opened by the first block must be stopped before the error
	// leaves Process.
	if got := len(tr.callsOf("stop")); got != 1 {
		t.Fatalf("expected stream teardown before error propagates, got %d stops", got)
	}
}

func TestDispatcher_TypingLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	gen := &fakeGenerator{events: []domain.ReplyEvent{finalReply("answer")}}
	d := newTestDispatcher(tr, gen, nil)

	if err := d.Process(context.Background(), inbound()); err != nil {
		t.Fatalf("process: %v", err)
	}

	typing := tr.callsOf("typing")
	if len(typing) != 2 {
		t.Fatalf("expected typing on + off, got %d calls", len(typing))
	}
	if !typing[0].on || typing[1].on {
		t.Fatalf("expected on then off, got %v then %v", typing[0].on, typing[1].on)
	}

	// Typing must come on before the first delivery.
	ops := tr.ops()
	for i, op := range ops {
		if op == "typing" {
			break
		}
		if op == "start" || op == "send" || op == "append" {
			t.Fatalf("delivery op %q at %d before typing indicator", op, i)
		}
	}
}

func TestDispatcher_NoEventsNoTyping(t *testing.T) {
	tr := &fakeTransport{}
	gen := &fakeGenerator{}
	hist := &fakeHistory{}
	d := newTestDispatcher(tr, gen, hist)

	if err := d.Process(context.Background(), inbound()); err != nil {
		t.Fatalf("process: %v", err)
	}

	// The indicator is lazy: no reply events, no typing.
	if got := len(tr.callsOf("typing")); got != 0 {
		t.Fatalf("expected no typing calls, got %d", got)
	}
	// Nothing delivered: the ack marker stays on, but history bookkeeping for
	// the implicit no-answer case still runs.
	if got := len(tr.callsOf("remove_ack")); got != 0 {
		t.Fatalf("ack marker must stay without delivery, got %d removals", got)
	}
	if len(hist.ops) != 1 || hist.ops[0].op != "trim" {
		t.Fatalf("expected exactly a history trim, got %v", hist.ops)
	}
}

func TestDispatcher_CompletionBookkeeping(t *testing.T) {
	tr := &fakeTransport{}
	gen := &fakeGenerator{events: []domain.ReplyEvent{
		block("working on it"),
		finalReply("all done"),
	}}
	hist := &fakeHistory{}
	d := newTestDispatcher(tr, gen, hist)

	if err := d.Process(context.Background(), inbound()); err != nil {
		t.Fatalf("process: %v", err)
	}

	acks := tr.callsOf("remove_ack")
	if len(acks) != 1 || acks[0].text != "eyes" {
		t.Fatalf("expected ack marker 'eyes' removed once, got %v", acks)
	}

	var saved, trimmed bool
	for _, op := range hist.ops {
		switch op.op {
		case "save":
			saved = true
			if op.convKey != "slack:C1" || op.role != "assistant" || op.content != "all done" {
				t.Fatalf("unexpected history save: %+v", op)
			}
		case "trim":
			trimmed = true
			if op.limit != 50 {
				t.Fatalf("expected trim limit 50, got %d", op.limit)
			}
		}
	}
	if !saved || !trimmed {
		t.Fatalf("expected both save and trim, got %v", hist.ops)
	}
}

func TestDispatcher_DeliveryErrorDoesNotAbortSequence(t *testing.T) {
	tr := &fakeTransport{failSend: true}
	gen := &fakeGenerator{events: []domain.ReplyEvent{
		{Payload: domain.ReplyPayload{Text: "out 1"}, Kind: domain.KindTool},
		{Payload: domain.ReplyPayload{Text: "out 2"}, Kind: domain.KindTool},
	}}
	d := newTestDispatcher(tr, gen, nil)

	if err := d.Process(context.Background(), inbound()); err != nil {
		t.Fatalf("delivery errors must not fail the response: %v", err)
	}
	if got := len(tr.callsOf("send")); got != 2 {
		t.Fatalf("both events should be attempted, got %d sends", got)
	}
}

func TestDispatcher_SilentFinalNotSavedToHistory(t *testing.T) {
	tr := &fakeTransport{}
	gen := &fakeGenerator{events: []domain.ReplyEvent{
		block("visible part"),
		finalReply("NO_REPLY"),
	}}
	hist := &fakeHistory{}
	d := newTestDispatcher(tr, gen, hist)

	if err := d.Process(context.Background(), inbound()); err != nil {
		t.Fatalf("process: %v", err)
	}

	for _, op := range hist.ops {
		if op.op == "save" {
			t.Fatalf("silent final must not be saved, got %+v", op)
		}
	}
}
