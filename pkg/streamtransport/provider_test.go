package streamtransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/workoutstream/pkg/chunkstream"
)

type stubSubscriber struct {
	mu         sync.Mutex
	ch         chan *message.Message
	topics     []string
	closeCalls int
}

func (s *stubSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return s.ch, nil
}

func (s *stubSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
	return nil
}

func (s *stubSubscriber) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

type stack struct {
	pubsub    message.Publisher
	provider  *Provider
	manager   *chunkstream.Manager
	acc       *chunkstream.Accumulator
	publisher *Publisher
}

func newInMemoryStack(t *testing.T) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ps := NewInMemoryPubSub(watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })

	provider, err := NewProvider(ctx, SharedSubscriber(ps))
	require.NoError(t, err)
	acc, err := chunkstream.NewAccumulator(chunkstream.NewMemoryCache(0))
	require.NoError(t, err)
	m, err := chunkstream.NewManager(provider, acc)
	require.NoError(t, err)
	pub, err := NewPublisher(ps)
	require.NoError(t, err)
	return &stack{pubsub: ps, provider: provider, manager: m, acc: acc, publisher: pub}
}

func (s *stack) waitForChunks(t *testing.T, jobID string, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := s.acc.Chunks(context.Background(), jobID)
		return err == nil && len(got) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	got, err := s.acc.Chunks(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestNewProvider_ValidatesRequiredDependencies(t *testing.T) {
	_, err := NewProvider(nil, nil)
	require.ErrorContains(t, err, "base context is nil")

	_, err = NewProvider(context.Background(), nil)
	require.ErrorContains(t, err, "subscriber factory is nil")
}

func TestInMemory_StreamsJobInOrderAndDropsMalformed(t *testing.T) {
	s := newInMemoryStack(t)
	ctx := context.Background()

	require.NoError(t, s.manager.EnsureBinding(ctx, "job-42"))
	require.NoError(t, s.manager.EnsureBinding(ctx, "job-42"))
	require.Len(t, s.provider.Channels(), 1)

	require.NoError(t, s.publisher.PublishChunk(ctx, "job-42", "Hello "))
	require.NoError(t, s.publisher.PublishChunk(ctx, "job-42", "world"))
	require.NoError(t, s.publisher.PublishRaw(ctx, "job-42", chunkstream.EventWorkoutChunkCreated, []byte(`{}`)))
	require.NoError(t, s.publisher.PublishChunk(ctx, "job-42", "!"))

	s.waitForChunks(t, "job-42", []string{"Hello ", "world", "!"})
}

func TestInMemory_InterleavedJobsStayIndependent(t *testing.T) {
	s := newInMemoryStack(t)
	ctx := context.Background()

	require.NoError(t, s.manager.EnsureBinding(ctx, "j1"))
	require.NoError(t, s.manager.EnsureBinding(ctx, "j2"))
	for _, step := range []struct{ job, chunk string }{
		{"j1", "a"}, {"j2", "x"}, {"j1", "b"}, {"j3", "ignored"}, {"j2", "y"}, {"j1", "c"},
	} {
		require.NoError(t, s.publisher.PublishChunk(ctx, step.job, step.chunk))
	}

	s.waitForChunks(t, "j1", []string{"a", "b", "c"})
	s.waitForChunks(t, "j2", []string{"x", "y"})
	got, err := s.acc.Chunks(ctx, "j3")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestInMemory_ReleaseStopsDelivery(t *testing.T) {
	s := newInMemoryStack(t)
	ctx := context.Background()

	require.NoError(t, s.manager.EnsureBinding(ctx, "job-1"))
	require.NoError(t, s.publisher.PublishChunk(ctx, "job-1", "a"))
	s.waitForChunks(t, "job-1", []string{"a"})

	require.NoError(t, s.manager.Release(ctx, "job-1"))
	require.Empty(t, s.provider.Channels())
	require.NoError(t, s.publisher.PublishChunk(ctx, "job-1", "late"))

	time.Sleep(50 * time.Millisecond)
	got, err := s.acc.Chunks(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, got)
}

func TestInMemory_PublishTextReassembles(t *testing.T) {
	s := newInMemoryStack(t)
	ctx := context.Background()
	text := "Day 1: 3x10 squats, 3x8 bench. Day 2: rest 🏋️."

	require.NoError(t, s.manager.EnsureBinding(ctx, "job-1"))
	n, err := s.publisher.PublishText(ctx, "job-1", text, 7)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.acc.Chunks(ctx, "job-1")
		return err == nil && len(got) == n
	}, 2*time.Second, 5*time.Millisecond)
	got, err := s.acc.Text(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, text, got)
}

func TestChannel_DropsRedeliveredStreamIDs(t *testing.T) {
	sub := &stubSubscriber{ch: make(chan *message.Message, 8)}
	provider, err := NewProvider(context.Background(), func(context.Context, string) (message.Subscriber, bool, error) {
		return sub, true, nil
	})
	require.NoError(t, err)
	acc, err := chunkstream.NewAccumulator(chunkstream.NewMemoryCache(0))
	require.NoError(t, err)
	m, err := chunkstream.NewManager(provider, acc)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.EnsureBinding(ctx, "job-1"))
	require.Equal(t, []string{TopicForChannel("job-1")}, sub.topics)

	for _, in := range []struct{ xid, chunk string }{
		{"1700000000000-1", "a"},
		{"1700000000000-2", "b"},
		{"1700000000000-2", "b"},
		{"1700000000000-1", "a"},
		{"", "no-xid"},
		{"1700000000001-0", "c"},
	} {
		payload, err := chunkstream.EncodeFragment(in.chunk)
		require.NoError(t, err)
		msg := message.NewMessage(in.chunk, payload)
		msg.Metadata.Set(MetadataEvent, chunkstream.EventWorkoutChunkCreated)
		if in.xid != "" {
			msg.Metadata.Set("xid", in.xid)
		}
		sub.ch <- msg
	}

	require.Eventually(t, func() bool {
		got, _ := acc.Chunks(ctx, "job-1")
		return len(got) == 4
	}, 2*time.Second, 5*time.Millisecond)
	got, err := acc.Chunks(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "no-xid", "c"}, got)

	require.NoError(t, m.Release(ctx, "job-1"))
	require.Equal(t, 1, sub.calls())
}

func TestChannel_IgnoresMessagesWithoutEvent(t *testing.T) {
	sub := &stubSubscriber{ch: make(chan *message.Message, 2)}
	provider, err := NewProvider(context.Background(), func(context.Context, string) (message.Subscriber, bool, error) {
		return sub, true, nil
	})
	require.NoError(t, err)

	ch, err := provider.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	again, err := provider.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	require.Same(t, ch, again)

	got := make(chan string, 2)
	require.NoError(t, ch.Bind(chunkstream.EventWorkoutChunkCreated, func(_ context.Context, payload []byte) {
		got <- string(payload)
	}))

	sub.ch <- message.NewMessage("1", []byte(`{"chunk":"no event"}`))
	tagged := message.NewMessage("2", []byte(`{"chunk":"tagged"}`))
	tagged.Metadata.Set(MetadataEvent, chunkstream.EventWorkoutChunkCreated)
	sub.ch <- tagged

	select {
	case p := <-got:
		require.Equal(t, `{"chunk":"tagged"}`, p)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}
	require.NoError(t, provider.Close(context.Background()))
	require.Equal(t, 1, sub.calls())
}

func TestProvider_SubscribeErrorsPropagate(t *testing.T) {
	provider, err := NewProvider(context.Background(), func(context.Context, string) (message.Subscriber, bool, error) {
		return nil, false, errors.New("redis unreachable")
	})
	require.NoError(t, err)
	acc, err := chunkstream.NewAccumulator(chunkstream.NewMemoryCache(0))
	require.NoError(t, err)
	m, err := chunkstream.NewManager(provider, acc)
	require.NoError(t, err)

	err = m.EnsureBinding(context.Background(), "job-1")
	require.ErrorContains(t, err, "redis unreachable")
	state, stateErr := m.State("job-1")
	require.Equal(t, chunkstream.StateFailed, state)
	require.Error(t, stateErr)

	_, err = provider.Subscribe(context.Background(), "")
	require.ErrorContains(t, err, "channel name is empty")
	require.NoError(t, provider.Unsubscribe(context.Background(), "never-subscribed"))
}

func TestChannel_BindValidates(t *testing.T) {
	sub := &stubSubscriber{ch: make(chan *message.Message)}
	provider, err := NewProvider(context.Background(), func(context.Context, string) (message.Subscriber, bool, error) {
		return sub, true, nil
	})
	require.NoError(t, err)
	ch, err := provider.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)

	require.ErrorContains(t, ch.Bind("", func(context.Context, []byte) {}), "event name is empty")
	require.ErrorContains(t, ch.Bind("e", nil), "handler is nil")

	require.NoError(t, provider.Unsubscribe(context.Background(), "job-1"))
	require.ErrorContains(t, ch.Bind("e", func(context.Context, []byte) {}), "closed")
}

func TestProvider_UnsubscribeStopsWaitingWhenContextEnds(t *testing.T) {
	sub := &stubSubscriber{ch: make(chan *message.Message)}
	provider, err := NewProvider(context.Background(), func(context.Context, string) (message.Subscriber, bool, error) {
		return sub, true, nil
	})
	require.NoError(t, err)
	ch, err := provider.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	require.NoError(t, ch.Bind(chunkstream.EventWorkoutChunkCreated, func(context.Context, []byte) {
		close(entered)
		<-unblock
	}))

	msg := message.NewMessage("1", []byte(`{"chunk":"a"}`))
	msg.Metadata.Set(MetadataEvent, chunkstream.EventWorkoutChunkCreated)
	sub.ch <- msg
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.NoError(t, provider.Unsubscribe(ctx, "job-1"))
	require.Less(t, time.Since(start), drainTimeout)
	require.Empty(t, provider.Channels())
}
