package domain

import "context"

// StreamHandle identifies one live-updating message owned by a transport.
type StreamHandle interface {
	// MessageRef returns the platform identifier of the live message.
	MessageRef() string
}

// Transport is the outbound contract a channel adapter exposes to the
// delivery core. SendMessage, StartStream, AppendStream and StopStream may
// fail per call; the caller owns fallback. SetTyping and RemoveAckMarker are
// best-effort and their errors are only ever logged.
type Transport interface {
	Name() string

	// SendMessage posts a standalone message, threaded under threadTS when
	// non-empty. Returns the platform identifier of the posted message.
	SendMessage(ctx context.Context, chatID string, payload ReplyPayload, threadTS string) (string, error)

	// StartStream opens a live-updating message scoped to (chatID, threadTS).
	StartStream(ctx context.Context, chatID, threadTS string) (StreamHandle, error)

	// AppendStream adds delta to the live message.
	AppendStream(ctx context.Context, h StreamHandle, delta string) error

	// StopStream finalizes the live message, optionally carrying trailing
	// text. The delivery core guarantees at most one call per handle.
	StopStream(ctx context.Context, h StreamHandle, finalText string) error

	SetTyping(ctx context.Context, chatID, threadTS string, on bool) error

	// RemoveAckMarker clears the acknowledgement marker placed on the
	// triggering message. The marker value is whatever the adapter recorded
	// in InboundMessage.AckMarker.
	RemoveAckMarker(ctx context.Context, chatID, messageTS, marker string) error
}
