// Package streamtransport carries chunk events over Watermill, either in-memory
// (gochannel) or over Redis Streams, and adapts subscriptions to the
// chunkstream.ChannelProvider contract.
package streamtransport
