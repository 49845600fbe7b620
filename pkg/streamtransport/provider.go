package streamtransport

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/workoutstream/pkg/chunkstream"
)

// SubscriberFactory builds the subscriber for one channel. owned reports
// whether the subscriber is dedicated to that channel and must be closed on
// unsubscribe.
type SubscriberFactory func(ctx context.Context, channel string) (sub message.Subscriber, owned bool, err error)

// SharedSubscriber serves every channel from one subscriber (in-memory transport).
func SharedSubscriber(sub message.Subscriber) SubscriberFactory {
	return func(context.Context, string) (message.Subscriber, bool, error) {
		if sub == nil {
			return nil, false, errors.New("shared subscriber is nil")
		}
		return sub, false, nil
	}
}

const drainTimeout = 5 * time.Second

// Provider implements chunkstream.ChannelProvider on Watermill subscribers.
// Subscriptions live until Unsubscribe or until the base context ends; the
// context passed to Subscribe only bounds subscriber construction.
type Provider struct {
	baseCtx context.Context
	build   SubscriberFactory

	mu       sync.Mutex
	channels map[string]*channel
}

var _ chunkstream.ChannelProvider = &Provider{}

func NewProvider(baseCtx context.Context, build SubscriberFactory) (*Provider, error) {
	if baseCtx == nil {
		return nil, errors.New("provider base context is nil")
	}
	if build == nil {
		return nil, errors.New("provider subscriber factory is nil")
	}
	return &Provider{
		baseCtx:  baseCtx,
		build:    build,
		channels: map[string]*channel{},
	}, nil
}

// Subscribe returns the existing channel when name is already subscribed.
func (p *Provider) Subscribe(ctx context.Context, name string) (chunkstream.Channel, error) {
	if p == nil || p.build == nil {
		return nil, errors.New("provider is not initialized")
	}
	if name == "" {
		return nil, errors.New("channel name is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if existing, ok := p.channels[name]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.mu.Unlock()

	sub, owned, err := p.build(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "build subscriber")
	}
	if sub == nil {
		return nil, errors.New("subscriber factory returned nil subscriber")
	}
	runCtx, cancel := context.WithCancel(p.baseCtx)
	msgs, err := sub.Subscribe(runCtx, TopicForChannel(name))
	if err != nil {
		cancel()
		if owned {
			_ = sub.Close()
		}
		return nil, errors.Wrapf(err, "subscribe topic %s", TopicForChannel(name))
	}

	ch := &channel{
		name:     name,
		ctx:      runCtx,
		cancel:   cancel,
		sub:      sub,
		owned:    owned,
		msgs:     msgs,
		handlers: map[string][]chunkstream.Handler{},
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	if existing, ok := p.channels[name]; ok {
		p.mu.Unlock()
		_ = ch.close(ctx)
		return existing, nil
	}
	p.channels[name] = ch
	p.mu.Unlock()

	log.Debug().Str("component", "streamtransport").Str("channel", name).Bool("owned", owned).Msg("channel subscribed")
	return ch, nil
}

// Unsubscribe stops delivery on name and waits for in-flight handlers until
// ctx ends. Unknown channels are ignored.
func (p *Provider) Unsubscribe(ctx context.Context, name string) error {
	if p == nil {
		return errors.New("provider is not initialized")
	}
	p.mu.Lock()
	ch, ok := p.channels[name]
	delete(p.channels, name)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return ch.close(ctx)
}

// Channels lists the subscribed channel names.
func (p *Provider) Channels() []string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.channels))
	for name := range p.channels {
		out = append(out, name)
	}
	return out
}

// Close unsubscribes every channel.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	chans := make([]*channel, 0, len(p.channels))
	for _, ch := range p.channels {
		chans = append(chans, ch)
	}
	p.channels = map[string]*channel{}
	p.mu.Unlock()

	var first error
	for _, ch := range chans {
		if err := ch.close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type channel struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	sub    message.Subscriber
	owned  bool
	msgs   <-chan *message.Message

	mu       sync.RWMutex
	handlers map[string][]chunkstream.Handler
	lastSeq  uint64

	startOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Bind adds h for event and starts delivery on the first call.
func (c *channel) Bind(event string, h chunkstream.Handler) error {
	if h == nil {
		return errors.New("handler is nil")
	}
	if strings.TrimSpace(event) == "" {
		return errors.New("event name is empty")
	}
	if c.closed.Load() {
		return errors.Errorf("channel %s is closed", c.name)
	}
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()

	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.dispatch()
	})
	return nil
}

func (c *channel) dispatch() {
	defer close(c.done)
	for msg := range c.msgs {
		c.handle(msg)
		msg.Ack()
	}
	log.Debug().Str("component", "streamtransport").Str("channel", c.name).Msg("channel dispatch stopped")
}

func (c *channel) handle(msg *message.Message) {
	if c.closed.Load() {
		return
	}
	event := msg.Metadata.Get(MetadataEvent)
	if event == "" {
		return
	}
	if streamID := extractStreamID(msg); streamID != "" {
		if seq, ok := deriveSeqFromStreamID(streamID); ok {
			c.mu.Lock()
			stale := seq <= c.lastSeq
			if !stale {
				c.lastSeq = seq
			}
			c.mu.Unlock()
			if stale {
				log.Debug().Str("component", "streamtransport").Str("channel", c.name).Str("stream_id", streamID).Msg("dropping redelivered message")
				return
			}
		}
	}
	c.mu.RLock()
	hs := append([]chunkstream.Handler(nil), c.handlers[event]...)
	c.mu.RUnlock()
	for _, h := range hs {
		h(c.ctx, msg.Payload)
	}
}

func (c *channel) close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		if c.owned {
			if err := c.sub.Close(); err != nil {
				c.closeErr = errors.Wrapf(err, "close subscriber for %s", c.name)
			}
		}
		if !c.started.Load() {
			return
		}
		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()
		select {
		case <-c.done:
		case <-ctx.Done():
			log.Warn().Str("component", "streamtransport").Str("channel", c.name).Msg("channel dispatch still running when context ended")
		case <-timer.C:
			log.Warn().Str("component", "streamtransport").Str("channel", c.name).Msg("channel dispatch did not stop in time")
		}
	})
	return c.closeErr
}
