package domain

import "time"

// DispatchKind classifies a reply event. Only conversational text is ever
// streamed; tool output always goes out as a discrete message.
type DispatchKind string

const (
	KindText DispatchKind = "text"
	KindTool DispatchKind = "tool"
)

// ReplyPayload is one unit of generated output: text plus optional media
// references. Immutable once produced by the generator.
type ReplyPayload struct {
	Text      string
	MediaURLs []string
}

func (p ReplyPayload) HasMedia() bool { return len(p.MediaURLs) > 0 }

// ReplyEvent is one reply produced by the response generator.
// Final marks the closing reply of a response, as opposed to an
// intermediate block.
type ReplyEvent struct {
	Payload ReplyPayload
	Kind    DispatchKind
	Final   bool
}

// ReplySummary aggregates what the generator produced for one response.
type ReplySummary struct {
	Blocks      int
	Finals      int
	QueuedFinal bool
}

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	ThreadTS  string // thread the message belongs to; empty if it starts one
	MessageTS string // the message's own identifier (fallback thread anchor)
	AckMarker string // ack marker placed by the channel adapter, removed after delivery
	Timestamp time.Time
}
