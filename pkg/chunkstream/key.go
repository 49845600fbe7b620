package chunkstream

import (
	"strings"

	"github.com/pkg/errors"
)

// EventWorkoutChunkCreated is the event carrying one streamed fragment.
const EventWorkoutChunkCreated = "workout-chunk-created"

// keySeparator is reserved; job ids containing it are rejected.
const keySeparator = "\x1f"

var ErrInvalidJobID = errors.New("invalid job id")

// BindingKey identifies one (job, event) subscription.
type BindingKey struct {
	JobID string
	Event string
}

func NewBindingKey(jobID, event string) BindingKey {
	return BindingKey{JobID: jobID, Event: event}
}

func (k BindingKey) String() string {
	return k.JobID + keySeparator + k.Event
}

// ChunkCacheKey is the cache key holding the chunk sequence of a job.
func ChunkCacheKey(jobID string) string {
	return jobID
}

// ChannelName is the realtime channel a job publishes on.
func ChannelName(jobID string) string {
	return jobID
}

func validateJobID(jobID string) (string, error) {
	if jobID == "" {
		return "", errors.Wrap(ErrInvalidJobID, "job id is empty")
	}
	if strings.TrimSpace(jobID) != jobID {
		return "", errors.Wrap(ErrInvalidJobID, "job id has leading or trailing whitespace")
	}
	if strings.Contains(jobID, keySeparator) {
		return "", errors.Wrap(ErrInvalidJobID, "job id contains reserved separator")
	}
	return jobID, nil
}
