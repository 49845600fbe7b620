package streamtransport

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/workoutstream/pkg/chunkstream"
)

// Publisher is the generation-job side: it emits chunk events on a job's channel.
type Publisher struct {
	pub     message.Publisher
	event   string
	limiter *rate.Limiter
}

type PublisherOption func(*Publisher)

// WithChunkRate paces publishing to at most perSecond chunks per second.
// Non-positive values leave publishing unpaced.
func WithChunkRate(perSecond float64) PublisherOption {
	return func(p *Publisher) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func NewPublisher(pub message.Publisher, opts ...PublisherOption) (*Publisher, error) {
	if pub == nil {
		return nil, errors.New("publisher is nil")
	}
	p := &Publisher{pub: pub, event: chunkstream.EventWorkoutChunkCreated}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// PublishChunk publishes one {"chunk": ...} event for jobID.
func (p *Publisher) PublishChunk(ctx context.Context, jobID, chunk string) error {
	payload, err := chunkstream.EncodeFragment(chunk)
	if err != nil {
		return errors.Wrap(err, "encode fragment")
	}
	return p.PublishRaw(ctx, jobID, p.event, payload)
}

// PublishRaw publishes payload as-is under event on jobID's channel.
func (p *Publisher) PublishRaw(ctx context.Context, jobID, event string, payload []byte) error {
	if p == nil || p.pub == nil {
		return errors.New("publisher is not initialized")
	}
	if jobID == "" {
		return errors.New("job id is empty")
	}
	if strings.TrimSpace(jobID) != jobID {
		return errors.Wrap(chunkstream.ErrInvalidJobID, "job id has leading or trailing whitespace")
	}
	if p.limiter != nil {
		waitCtx := ctx
		if waitCtx == nil {
			waitCtx = context.Background()
		}
		if err := p.limiter.Wait(waitCtx); err != nil {
			return errors.Wrap(err, "wait for publish rate")
		}
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataEvent, event)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	topic := TopicForChannel(chunkstream.ChannelName(jobID))
	if err := p.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}

// PublishText splits text into chunks of at most chunkSize runes and publishes
// them in order. It returns the number of chunks published.
func (p *Publisher) PublishText(ctx context.Context, jobID, text string, chunkSize int) (int, error) {
	chunks := SplitText(text, chunkSize)
	for i, c := range chunks {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}
		if err := p.PublishChunk(ctx, jobID, c); err != nil {
			return i, err
		}
	}
	return len(chunks), nil
}

// SplitText cuts text into pieces of at most size runes; size <= 0 means one piece.
func SplitText(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		return []string{text}
	}
	out := []string{}
	start, n := 0, 0
	for i := range text {
		if n == size {
			out = append(out, text[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(out, text[start:])
}
