package bus

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"chatrelay/internal/domain"
)

func testInbound(content string) domain.InboundMessage {
	return domain.InboundMessage{Channel: "slack", ChatID: "C1", Content: content}
}

func testBusLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEvents_EmitAndReceive(t *testing.T) {
	ev := NewEvents(testBusLogger())

	var received int32
	ev.On(EventReplyDelivered, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	ev.Emit(Event{Type: EventReplyDelivered, Payload: map[string]any{"chat": "C1"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEvents_WildcardHandler(t *testing.T) {
	ev := NewEvents(testBusLogger())

	var count int32
	ev.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	ev.Emit(Event{Type: EventStreamStarted})
	ev.Emit(Event{Type: EventStreamFallback})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEvents_MultipleHandlers(t *testing.T) {
	ev := NewEvents(testBusLogger())

	var count int32
	ev.On("test", func(e Event) { atomic.AddInt32(&count, 1) })
	ev.On("test", func(e Event) { atomic.AddInt32(&count, 1) })

	ev.Emit(Event{Type: "test"})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2 handlers called, got %d", count)
	}
}

func TestEvents_PanicRecovery(t *testing.T) {
	ev := NewEvents(testBusLogger())

	ev.On("panic", func(e Event) {
		panic("test panic")
	})

	var after int32
	ev.On("panic", func(e Event) {
		atomic.AddInt32(&after, 1)
	})

	// Should not panic the caller, and later handlers still run.
	ev.Emit(Event{Type: "panic"})

	if atomic.LoadInt32(&after) != 1 {
		t.Errorf("expected handler after panic to run, got %d", after)
	}
}

func TestEvents_TimestampAutoSet(t *testing.T) {
	ev := NewEvents(testBusLogger())

	var got Event
	ev.On("test", func(e Event) { got = e })

	ev.Emit(Event{Type: "test"})

	if got.Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testBusLogger())
	defer b.Close()

	b.Publish(testInbound("hello"))

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "hello" {
			t.Errorf("unexpected message %+v", msg)
		}
	default:
		t.Fatal("expected a buffered message")
	}
}

func TestInMemoryBus_PublishAfterCloseDoesNotPanic(t *testing.T) {
	b := New(4, testBusLogger())
	b.Close()
	b.Close() // idempotent

	b.Publish(testInbound("dropped"))
}
