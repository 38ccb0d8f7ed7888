package domain

// MessageBus carries inbound messages from channel adapters to the relay.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
