package streamtransport

import (
	"strconv"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	keys := []string{"xid", "redis_xid"}
	for _, k := range keys {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// deriveSeqFromStreamID maps a Redis stream id "<ms>-<n>" onto a monotonic uint64.
func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	parts := strings.Split(streamID, "-")
	if len(parts) != 2 {
		return 0, false
	}
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms*1_000_000 + seq, true
}
