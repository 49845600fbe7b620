package chunkstream

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AppendObserver is notified after a chunk was stored. seq is the 1-based
// position of the chunk within its job.
type AppendObserver func(jobID string, seq int, chunk string)

type AccumulatorOption func(*Accumulator)

func WithAppendObserver(o AppendObserver) AccumulatorOption {
	return func(a *Accumulator) {
		if o != nil {
			a.observers = append(a.observers, o)
		}
	}
}

// Accumulator appends chunks to per-job sequences held in a Cache.
// Appends to the same job are serialized, observers included, so observers see
// a job's chunks in sequence order. Different jobs proceed independently.
type Accumulator struct {
	cache Cache

	mu    sync.Mutex
	locks map[string]*keyLock

	obsMu     sync.RWMutex
	observers []AppendObserver
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewAccumulator(cache Cache, opts ...AccumulatorOption) (*Accumulator, error) {
	if cache == nil {
		return nil, errors.New("accumulator cache is nil")
	}
	a := &Accumulator{
		cache: cache,
		locks: map[string]*keyLock{},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// AddObserver registers an observer after construction.
func (a *Accumulator) AddObserver(o AppendObserver) {
	if a == nil || o == nil {
		return
	}
	a.obsMu.Lock()
	a.observers = append(a.observers, o)
	a.obsMu.Unlock()
}

// Append stores chunk at the end of jobID's sequence. The previously stored
// slice is never modified; a fresh slice is written back.
func (a *Accumulator) Append(ctx context.Context, jobID string, chunk string) error {
	if a == nil || a.cache == nil {
		return errors.New("accumulator is not initialized")
	}
	jobID, err := validateJobID(jobID)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key := ChunkCacheKey(jobID)

	unlock := a.lock(key)
	prev, _, err := a.cache.Get(ctx, key)
	if err != nil {
		unlock()
		return errors.Wrap(err, "read chunk sequence")
	}
	next := make([]string, len(prev), len(prev)+1)
	copy(next, prev)
	next = append(next, chunk)
	if err := a.cache.Set(ctx, key, next); err != nil {
		unlock()
		return errors.Wrap(err, "write chunk sequence")
	}
	a.notify(jobID, len(next), chunk)
	unlock()
	return nil
}

// Chunks returns the chunks received so far for jobID (empty when none).
func (a *Accumulator) Chunks(ctx context.Context, jobID string) ([]string, error) {
	if a == nil || a.cache == nil {
		return nil, errors.New("accumulator is not initialized")
	}
	jobID, err := validateJobID(jobID)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	v, ok, err := a.cache.Get(ctx, ChunkCacheKey(jobID))
	if err != nil {
		return nil, errors.Wrap(err, "read chunk sequence")
	}
	if !ok {
		return []string{}, nil
	}
	return v, nil
}

// WithChunks calls fn with jobID's current chunks while holding the job's
// append lock. Appends and their observers for jobID wait until fn returns.
func (a *Accumulator) WithChunks(ctx context.Context, jobID string, fn func(chunks []string) error) error {
	if a == nil || a.cache == nil {
		return errors.New("accumulator is not initialized")
	}
	if fn == nil {
		return errors.New("chunks callback is nil")
	}
	jobID, err := validateJobID(jobID)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	unlock := a.lock(ChunkCacheKey(jobID))
	defer unlock()
	v, ok, err := a.cache.Get(ctx, ChunkCacheKey(jobID))
	if err != nil {
		return errors.Wrap(err, "read chunk sequence")
	}
	if !ok {
		v = []string{}
	}
	return fn(v)
}

// Text concatenates the chunks received so far.
func (a *Accumulator) Text(ctx context.Context, jobID string) (string, error) {
	chunks, err := a.Chunks(ctx, jobID)
	if err != nil {
		return "", err
	}
	return strings.Join(chunks, ""), nil
}

// Handler returns the fragment handler for jobID. Unrecognized payloads are
// dropped without side effects.
func (a *Accumulator) Handler(jobID string) Handler {
	return func(ctx context.Context, payload []byte) {
		f := ParseFragment(payload)
		if !f.Valid() {
			log.Trace().Str("component", "chunkstream").Str("job_id", jobID).Int("bytes", len(payload)).Msg("dropping unrecognized fragment")
			return
		}
		if err := a.Append(ctx, jobID, f.Chunk()); err != nil {
			log.Warn().Err(err).Str("component", "chunkstream").Str("job_id", jobID).Msg("append chunk failed")
		}
	}
}

func (a *Accumulator) lock(key string) func() {
	a.mu.Lock()
	l := a.locks[key]
	if l == nil {
		l = &keyLock{}
		a.locks[key] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}

func (a *Accumulator) notify(jobID string, seq int, chunk string) {
	a.obsMu.RLock()
	obs := append([]AppendObserver(nil), a.observers...)
	a.obsMu.RUnlock()
	for _, o := range obs {
		o(jobID, seq, chunk)
	}
}
