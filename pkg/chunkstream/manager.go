package chunkstream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var ErrNotInitialized = errors.New("stream manager is not initialized")

// ErrReleasedWhileConnecting is returned by EnsureBinding when Release was
// called for the job before its subscription completed.
var ErrReleasedWhileConnecting = errors.New("binding released while connecting")

// BindingState describes a job's binding as seen by consumers.
type BindingState string

const (
	StateUnbound    BindingState = "unbound"
	StateConnecting BindingState = "connecting"
	StateBound      BindingState = "bound"
	StateFailed     BindingState = "failed"
)

type ManagerOption func(*Manager)

// WithEvent overrides the event the fragment handler is bound to.
func WithEvent(event string) ManagerOption {
	return func(m *Manager) {
		if event != "" {
			m.event = event
		}
	}
}

// Manager is the binding registry: it guarantees at most one live
// subscription and fragment handler per BindingKey.
type Manager struct {
	provider ChannelProvider
	acc      *Accumulator
	event    string

	group singleflight.Group

	mu         sync.Mutex
	bindings   map[BindingKey]*binding
	connecting map[BindingKey]struct{}
	// releasing marks connecting keys whose Release arrived mid-bind.
	releasing map[BindingKey]struct{}
	failures  map[BindingKey]error

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

type binding struct {
	key          BindingKey
	channel      string
	refs         int
	boundAt      time.Time
	lastActivity time.Time
}

func NewManager(provider ChannelProvider, acc *Accumulator, opts ...ManagerOption) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("stream manager provider is nil")
	}
	if acc == nil {
		return nil, errors.New("stream manager accumulator is nil")
	}
	m := &Manager{
		provider:   provider,
		acc:        acc,
		event:      EventWorkoutChunkCreated,
		bindings:   map[BindingKey]*binding{},
		connecting: map[BindingKey]struct{}{},
		releasing:  map[BindingKey]struct{}{},
		failures:   map[BindingKey]error{},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Manager) Accumulator() *Accumulator {
	if m == nil {
		return nil
	}
	return m.acc
}

// EnsureBinding subscribes to jobID's channel and installs the fragment
// handler unless that already happened. Concurrent calls for the same job
// share one attempt. A failed attempt leaves the job unbound and returns the
// error; the next call retries.
func (m *Manager) EnsureBinding(ctx context.Context, jobID string) error {
	if m == nil || m.provider == nil {
		return ErrNotInitialized
	}
	jobID, err := validateJobID(jobID)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key := NewBindingKey(jobID, m.event)
	if m.isBound(key) {
		return nil
	}
	_, err, _ = m.group.Do(key.String(), func() (any, error) {
		return nil, m.bind(ctx, key)
	})
	return err
}

func (m *Manager) isBound(key BindingKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bindings[key]
	return ok
}

func (m *Manager) bind(ctx context.Context, key BindingKey) error {
	m.mu.Lock()
	if _, ok := m.bindings[key]; ok {
		m.mu.Unlock()
		return nil
	}
	m.connecting[key] = struct{}{}
	delete(m.releasing, key)
	delete(m.failures, key)
	m.mu.Unlock()

	channel := ChannelName(key.JobID)
	bl := log.With().
		Str("component", "chunkstream").
		Str("job_id", key.JobID).
		Str("channel", channel).
		Str("event", key.Event).
		Logger()

	ch, err := m.provider.Subscribe(ctx, channel)
	if err == nil && ch == nil {
		err = errors.New("provider returned nil channel")
	}
	if err != nil {
		err = errors.Wrapf(err, "subscribe channel %s", channel)
		m.fail(key, err)
		bl.Warn().Err(err).Msg("binding failed")
		return err
	}
	if err := ch.Bind(key.Event, m.handlerFor(key)); err != nil {
		if uerr := m.provider.Unsubscribe(ctx, channel); uerr != nil {
			bl.Warn().Err(uerr).Msg("unsubscribe after failed bind")
		}
		err = errors.Wrapf(err, "bind %s on channel %s", key.Event, channel)
		m.fail(key, err)
		bl.Warn().Err(err).Msg("binding failed")
		return err
	}

	now := time.Now()
	m.mu.Lock()
	delete(m.connecting, key)
	if _, released := m.releasing[key]; released {
		delete(m.releasing, key)
		m.mu.Unlock()
		if uerr := m.provider.Unsubscribe(ctx, channel); uerr != nil {
			bl.Warn().Err(uerr).Msg("unsubscribe after release while connecting")
		}
		bl.Info().Msg("binding released while connecting")
		return ErrReleasedWhileConnecting
	}
	m.bindings[key] = &binding{
		key:          key,
		channel:      channel,
		boundAt:      now,
		lastActivity: now,
	}
	m.mu.Unlock()
	bl.Info().Msg("binding established")
	return nil
}

func (m *Manager) fail(key BindingKey, err error) {
	m.mu.Lock()
	delete(m.connecting, key)
	delete(m.releasing, key)
	m.failures[key] = err
	m.mu.Unlock()
}

func (m *Manager) handlerFor(key BindingKey) Handler {
	h := m.acc.Handler(key.JobID)
	return func(ctx context.Context, payload []byte) {
		m.touch(key)
		h(ctx, payload)
	}
}

func (m *Manager) touch(key BindingKey) {
	m.mu.Lock()
	if b := m.bindings[key]; b != nil {
		b.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

// State reports the binding state of jobID and, for StateFailed, the error of
// the last attempt.
func (m *Manager) State(jobID string) (BindingState, error) {
	if m == nil {
		return StateUnbound, ErrNotInitialized
	}
	jobID, err := validateJobID(jobID)
	if err != nil {
		return StateUnbound, err
	}
	key := NewBindingKey(jobID, m.event)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[key]; ok {
		return StateBound, nil
	}
	if _, ok := m.connecting[key]; ok {
		return StateConnecting, nil
	}
	if err, ok := m.failures[key]; ok {
		return StateFailed, err
	}
	return StateUnbound, nil
}

// Release removes jobID's binding and unsubscribes its channel, regardless of
// outstanding Acquire references. Releasing a job that is still connecting
// cancels the binding once its subscription returns. Releasing an unbound job
// is a no-op.
func (m *Manager) Release(ctx context.Context, jobID string) error {
	if m == nil || m.provider == nil {
		return ErrNotInitialized
	}
	jobID, err := validateJobID(jobID)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key := NewBindingKey(jobID, m.event)
	m.mu.Lock()
	if _, bound := m.bindings[key]; !bound {
		if _, ok := m.connecting[key]; ok {
			m.releasing[key] = struct{}{}
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.release(ctx, key, nil)
}

// release drops the binding for key. With expect set, it only drops that exact
// binding and only when it holds no references.
func (m *Manager) release(ctx context.Context, key BindingKey, expect *binding) error {
	m.mu.Lock()
	cur, ok := m.bindings[key]
	if !ok || (expect != nil && (cur != expect || cur.refs > 0)) {
		m.mu.Unlock()
		return nil
	}
	delete(m.bindings, key)
	delete(m.failures, key)
	m.mu.Unlock()

	if err := m.provider.Unsubscribe(ctx, cur.channel); err != nil {
		return errors.Wrapf(err, "unsubscribe channel %s", cur.channel)
	}
	log.Info().Str("component", "chunkstream").Str("job_id", key.JobID).Str("channel", cur.channel).Msg("binding released")
	return nil
}

// Acquire ensures the binding and holds a reference to it. The returned
// release drops the reference and releases the binding once no references
// remain. release is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context, jobID string) (func(), error) {
	if err := m.EnsureBinding(ctx, jobID); err != nil {
		return nil, err
	}
	jobID, _ = validateJobID(jobID)
	key := NewBindingKey(jobID, m.event)

	m.mu.Lock()
	b := m.bindings[key]
	if b == nil {
		m.mu.Unlock()
		return nil, errors.Errorf("binding for %s was released while acquiring", jobID)
	}
	b.refs++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			b.refs--
			last := b.refs == 0
			m.mu.Unlock()
			if !last {
				return
			}
			if err := m.release(context.Background(), key, b); err != nil {
				log.Warn().Err(err).Str("component", "chunkstream").Str("job_id", key.JobID).Msg("release binding failed")
			}
		})
	}, nil
}

// Bound lists the job ids with a live binding, sorted.
func (m *Manager) Bound() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	out := make([]string, 0, len(m.bindings))
	for k := range m.bindings {
		out = append(out, k.JobID)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close releases every binding. The first unsubscribe error is returned.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var first error
	for _, jobID := range m.Bound() {
		if err := m.Release(ctx, jobID); err != nil && first == nil {
			first = err
		}
	}
	return first
}
