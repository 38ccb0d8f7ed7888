package domain

import "context"

// EmitFunc hands one reply event to the dispatch loop. Returning an error
// aborts the remainder of the generation.
type EmitFunc func(ReplyEvent) error

// ResponseGenerator produces the sequence of reply events for one inbound
// message. How replies are generated is opaque to this module; Generate
// emits events strictly in order and returns aggregate counts.
type ResponseGenerator interface {
	Generate(ctx context.Context, msg InboundMessage, emit EmitFunc) (ReplySummary, error)
}
