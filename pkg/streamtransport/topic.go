package streamtransport

const (
	// MetadataEvent names the event a message belongs to within its channel.
	MetadataEvent = "event"

	topicPrefix = "workout:"
)

// TopicForChannel computes the Watermill topic (Redis stream) of a channel.
func TopicForChannel(channel string) string { return topicPrefix + channel }
