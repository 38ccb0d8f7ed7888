package domain

import "context"

// Channel is a user-facing chat adapter. It listens for inbound messages and
// publishes them to the bus, and doubles as the Transport the delivery core
// sends replies through.
type Channel interface {
	Transport
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
