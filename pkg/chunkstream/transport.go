package chunkstream

import "context"

// Handler receives the raw payload of one event delivered on a channel.
type Handler func(ctx context.Context, payload []byte)

// Channel is a subscribed realtime channel.
type Channel interface {
	Bind(event string, h Handler) error
}

// ChannelProvider subscribes to and unsubscribes from named realtime channels.
type ChannelProvider interface {
	Subscribe(ctx context.Context, name string) (Channel, error)
	Unsubscribe(ctx context.Context, name string) error
}
