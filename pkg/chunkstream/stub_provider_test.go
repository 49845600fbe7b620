package chunkstream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type stubChannel struct {
	name     string
	mu       sync.Mutex
	handlers map[string][]Handler
	bindErr  error
}

func (c *stubChannel) Bind(event string, h Handler) error {
	if c.bindErr != nil {
		return c.bindErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
	return nil
}

func (c *stubChannel) handlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

type stubProvider struct {
	mu             sync.Mutex
	channels       map[string]*stubChannel
	subscribeCalls int
	unsubscribed   []string
	subscribeErr   error
	bindErr        error
	// gate, when set, blocks Subscribe until closed.
	gate chan struct{}
}

func newStubProvider() *stubProvider {
	return &stubProvider{channels: map[string]*stubChannel{}}
}

func (p *stubProvider) Subscribe(_ context.Context, name string) (Channel, error) {
	p.mu.Lock()
	p.subscribeCalls++
	gate := p.gate
	subErr := p.subscribeErr
	bindErr := p.bindErr
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if subErr != nil {
		return nil, subErr
	}
	ch := &stubChannel{name: name, handlers: map[string][]Handler{}, bindErr: bindErr}
	p.mu.Lock()
	p.channels[name] = ch
	p.mu.Unlock()
	return ch, nil
}

func (p *stubProvider) Unsubscribe(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[name]; !ok {
		return errors.Errorf("channel %s not subscribed", name)
	}
	delete(p.channels, name)
	p.unsubscribed = append(p.unsubscribed, name)
	return nil
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribeCalls
}

func (p *stubProvider) channel(name string) *stubChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[name]
}

// deliver invokes every handler bound to event on channel, like a transport would.
func (p *stubProvider) deliver(channel, event, payload string) {
	ch := p.channel(channel)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	hs := append([]Handler(nil), ch.handlers[event]...)
	ch.mu.Unlock()
	for _, h := range hs {
		h(context.Background(), []byte(payload))
	}
}
