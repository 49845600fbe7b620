package chunkstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, p *stubProvider) (*Manager, *Accumulator) {
	t.Helper()
	acc, err := NewAccumulator(NewMemoryCache(0))
	require.NoError(t, err)
	m, err := NewManager(p, acc)
	require.NoError(t, err)
	return m, acc
}

func TestNewManager_ValidatesRequiredDependencies(t *testing.T) {
	_, err := NewManager(nil, nil)
	require.ErrorContains(t, err, "provider is nil")

	_, err = NewManager(newStubProvider(), nil)
	require.ErrorContains(t, err, "accumulator is nil")
}

func TestEnsureBinding_IsIdempotent(t *testing.T) {
	p := newStubProvider()
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.EnsureBinding(ctx, "job-1"))
	}
	require.Equal(t, 1, p.calls())
	require.Equal(t, 1, p.channel("job-1").handlerCount(EventWorkoutChunkCreated))

	state, err := m.State("job-1")
	require.NoError(t, err)
	require.Equal(t, StateBound, state)
}

func TestEnsureBinding_RejectsInvalidJobID(t *testing.T) {
	p := newStubProvider()
	m, _ := newTestManager(t, p)

	require.ErrorIs(t, m.EnsureBinding(context.Background(), ""), ErrInvalidJobID)
	require.Equal(t, 0, p.calls())
}

func TestEnsureBinding_ConcurrentCallsSubscribeOnce(t *testing.T) {
	p := newStubProvider()
	p.gate = make(chan struct{})
	m, _ := newTestManager(t, p)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureBinding(context.Background(), "job-1")
		}()
	}

	require.Eventually(t, func() bool {
		state, _ := m.State("job-1")
		return state == StateConnecting
	}, time.Second, 5*time.Millisecond)

	close(p.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, p.calls())
	require.Equal(t, 1, p.channel("job-1").handlerCount(EventWorkoutChunkCreated))
}

func TestEnsureBinding_SubscribeFailureLeavesJobUnbound(t *testing.T) {
	p := newStubProvider()
	p.subscribeErr = errors.New("transport down")
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	err := m.EnsureBinding(ctx, "job-1")
	require.ErrorContains(t, err, "transport down")

	state, stateErr := m.State("job-1")
	require.Equal(t, StateFailed, state)
	require.ErrorContains(t, stateErr, "transport down")
	require.Empty(t, m.Bound())

	p.mu.Lock()
	p.subscribeErr = nil
	p.mu.Unlock()

	require.NoError(t, m.EnsureBinding(ctx, "job-1"))
	require.Equal(t, 2, p.calls())
	state, stateErr = m.State("job-1")
	require.NoError(t, stateErr)
	require.Equal(t, StateBound, state)
}

func TestEnsureBinding_BindFailureUnsubscribes(t *testing.T) {
	p := newStubProvider()
	p.bindErr = errors.New("bind rejected")
	m, _ := newTestManager(t, p)

	err := m.EnsureBinding(context.Background(), "job-1")
	require.ErrorContains(t, err, "bind rejected")
	require.Equal(t, []string{"job-1"}, p.unsubscribed)

	state, _ := m.State("job-1")
	require.Equal(t, StateFailed, state)
}

func TestRelease_WhileConnectingCancelsBinding(t *testing.T) {
	p := newStubProvider()
	p.gate = make(chan struct{})
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.EnsureBinding(ctx, "job-1") }()

	require.Eventually(t, func() bool {
		state, _ := m.State("job-1")
		return state == StateConnecting && p.calls() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Release(ctx, "job-1"))
	close(p.gate)

	require.ErrorIs(t, <-done, ErrReleasedWhileConnecting)
	state, err := m.State("job-1")
	require.NoError(t, err)
	require.Equal(t, StateUnbound, state)
	require.Empty(t, m.Bound())
	p.mu.Lock()
	require.Equal(t, []string{"job-1"}, p.unsubscribed)
	p.mu.Unlock()

	p.mu.Lock()
	p.gate = nil
	p.mu.Unlock()
	require.NoError(t, m.EnsureBinding(ctx, "job-1"))
	require.Equal(t, []string{"job-1"}, m.Bound())
}

func TestRelease_RejectsPaddedJobID(t *testing.T) {
	p := newStubProvider()
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	require.NoError(t, m.EnsureBinding(ctx, "job-1"))
	require.ErrorIs(t, m.Release(ctx, " job-1 "), ErrInvalidJobID)
	require.ErrorIs(t, m.EnsureBinding(ctx, "job-1 "), ErrInvalidJobID)
	require.Equal(t, []string{"job-1"}, m.Bound())
	require.Empty(t, p.unsubscribed)
}

func TestFragmentsAccumulateInArrivalOrder(t *testing.T) {
	p := newStubProvider()
	m, acc := newTestManager(t, p)
	ctx := context.Background()

	require.NoError(t, m.EnsureBinding(ctx, "job-42"))
	p.deliver("job-42", EventWorkoutChunkCreated, `{"chunk":"Hello "}`)
	p.deliver("job-42", EventWorkoutChunkCreated, `{"chunk":"world"}`)
	p.deliver("job-42", EventWorkoutChunkCreated, `{}`)
	p.deliver("job-42", EventWorkoutChunkCreated, `{"chunk":"!"}`)

	chunks, err := acc.Chunks(ctx, "job-42")
	require.NoError(t, err)
	require.Equal(t, []string{"Hello ", "world", "!"}, chunks)

	text, err := acc.Text(ctx, "job-42")
	require.NoError(t, err)
	require.Equal(t, "Hello world!", text)
}

func TestMalformedPayloadsDoNotChangeEntry(t *testing.T) {
	p := newStubProvider()
	m, acc := newTestManager(t, p)
	ctx := context.Background()

	require.NoError(t, m.EnsureBinding(ctx, "job-1"))
	p.deliver("job-1", EventWorkoutChunkCreated, `{"chunk":"a"}`)
	for _, bad := range []string{`{"notChunk":5}`, `null`, `"a string"`, `{"chunk":7}`} {
		p.deliver("job-1", EventWorkoutChunkCreated, bad)
	}
	p.deliver("job-1", EventWorkoutChunkCreated, `{"chunk":"a"}`)

	chunks, err := acc.Chunks(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a"}, chunks)
}

func TestDistinctJobsDoNotInterfere(t *testing.T) {
	p := newStubProvider()
	m, acc := newTestManager(t, p)
	ctx := context.Background()

	require.NoError(t, m.EnsureBinding(ctx, "j1"))
	require.NoError(t, m.EnsureBinding(ctx, "j2"))
	p.deliver("j1", EventWorkoutChunkCreated, `{"chunk":"1a"}`)
	p.deliver("j2", EventWorkoutChunkCreated, `{"chunk":"2a"}`)
	p.deliver("j1", EventWorkoutChunkCreated, `{"chunk":"1b"}`)
	p.deliver("j2", EventWorkoutChunkCreated, `{"chunk":"2b"}`)
	// unbound channel and unrelated event
	p.deliver("j3", EventWorkoutChunkCreated, `{"chunk":"3a"}`)
	p.deliver("j1", "workout-completed", `{"chunk":"ignored"}`)

	c1, err := acc.Chunks(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, []string{"1a", "1b"}, c1)
	c2, err := acc.Chunks(ctx, "j2")
	require.NoError(t, err)
	require.Equal(t, []string{"2a", "2b"}, c2)
	c3, err := acc.Chunks(ctx, "j3")
	require.NoError(t, err)
	require.Empty(t, c3)
	require.Equal(t, []string{"j1", "j2"}, m.Bound())
}

func TestRelease_UnsubscribesAndAllowsRebind(t *testing.T) {
	p := newStubProvider()
	m, acc := newTestManager(t, p)
	ctx := context.Background()

	require.NoError(t, m.EnsureBinding(ctx, "job-1"))
	p.deliver("job-1", EventWorkoutChunkCreated, `{"chunk":"a"}`)
	require.NoError(t, m.Release(ctx, "job-1"))
	require.Equal(t, []string{"job-1"}, p.unsubscribed)

	state, _ := m.State("job-1")
	require.Equal(t, StateUnbound, state)

	// releasing twice is a no-op
	require.NoError(t, m.Release(ctx, "job-1"))
	require.Len(t, p.unsubscribed, 1)

	require.NoError(t, m.EnsureBinding(ctx, "job-1"))
	require.Equal(t, 2, p.calls())
	p.deliver("job-1", EventWorkoutChunkCreated, `{"chunk":"b"}`)

	chunks, err := acc.Chunks(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, chunks)
}

func TestAcquire_ReleasesOnLastReference(t *testing.T) {
	p := newStubProvider()
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	release1, err := m.Acquire(ctx, "job-1")
	require.NoError(t, err)
	release2, err := m.Acquire(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, p.calls())

	release1()
	release1()
	require.Equal(t, []string{"job-1"}, m.Bound())

	release2()
	require.Empty(t, m.Bound())
	require.Equal(t, []string{"job-1"}, p.unsubscribed)
}

func TestClose_ReleasesEverything(t *testing.T) {
	p := newStubProvider()
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	require.NoError(t, m.EnsureBinding(ctx, "a"))
	require.NoError(t, m.EnsureBinding(ctx, "b"))
	require.NoError(t, m.Close(ctx))
	require.Empty(t, m.Bound())
	require.ElementsMatch(t, []string{"a", "b"}, p.unsubscribed)
}

func TestEvictIdleOnce(t *testing.T) {
	p := newStubProvider()
	m, _ := newTestManager(t, p)
	ctx := context.Background()
	m.SetEvictionConfig(10*time.Second, time.Second)

	require.NoError(t, m.EnsureBinding(ctx, "idle"))
	release, err := m.Acquire(ctx, "held")
	require.NoError(t, err)
	defer release()

	require.Equal(t, 0, m.EvictIdleOnce(time.Now()))

	evicted := m.EvictIdleOnce(time.Now().Add(time.Hour))
	require.Equal(t, 1, evicted)
	require.Equal(t, []string{"held"}, m.Bound())
}

func TestWithEvent_BindsCustomEvent(t *testing.T) {
	p := newStubProvider()
	acc, err := NewAccumulator(NewMemoryCache(0))
	require.NoError(t, err)
	m, err := NewManager(p, acc, WithEvent("plan-chunk"))
	require.NoError(t, err)

	require.NoError(t, m.EnsureBinding(context.Background(), "job-1"))
	require.Equal(t, 1, p.channel("job-1").handlerCount("plan-chunk"))
	require.Equal(t, 0, p.channel("job-1").handlerCount(EventWorkoutChunkCreated))
}
