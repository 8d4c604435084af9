package store

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/alimasry/docsync/events"
	"github.com/alimasry/docsync/ot"
)

// RetryPolicy bounds how hard a single flush tries before giving up until the
// next cycle.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// PersisterOptions configures a Persister. Zero values get defaults.
type PersisterOptions struct {
	FlushInterval time.Duration
	Retry         RetryPolicy
	Logger        zerolog.Logger
	Events        events.Sink
}

// pendingState tracks what needs flushing for a single document.
type pendingState struct {
	pending *ot.Snapshot  // staged, not yet handed to the backing store
	writing *ot.Snapshot  // being written right now
	done    chan struct{} // closed when the current write finishes
}

// Persister wraps a backing SnapshotStore with write-behind staging.
// Sessions stage snapshots without blocking; staged snapshots are flushed to
// the backing store periodically in the background, on demand with Flush, and
// one last time on Close. Loads see staged snapshots before the backing store.
type Persister struct {
	backing  SnapshotStore
	interval time.Duration
	retry    RetryPolicy
	logger   zerolog.Logger
	events   events.Sink

	mu   sync.Mutex
	docs map[string]*pendingState

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewPersister creates a Persister and starts its flush loop.
func NewPersister(backing SnapshotStore, opts PersisterOptions) *Persister {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = 100 * time.Millisecond
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = 5 * time.Second
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry.MaxRetries = 5
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	p := &Persister{
		backing:  backing,
		interval: opts.FlushInterval,
		retry:    opts.Retry,
		logger:   opts.Logger.With().Str("component", "persister").Logger(),
		events:   opts.Events,
		docs:     make(map[string]*pendingState),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.flushLoop()
	return p
}

// Stage records snap as the latest state of id. Older snapshots than one
// already staged are ignored. Stage never blocks on I/O.
func (p *Persister) Stage(id string, snap ot.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.docs[id]
	if st == nil {
		st = &pendingState{}
		p.docs[id] = st
	}
	if st.pending != nil && st.pending.Seq > snap.Seq {
		return
	}
	st.pending = &snap
}

// Load returns the newest known snapshot for id: staged, in flight, or from
// the backing store.
func (p *Persister) Load(ctx context.Context, id string) (ot.Snapshot, error) {
	p.mu.Lock()
	if st := p.docs[id]; st != nil {
		if st.pending != nil {
			snap := *st.pending
			p.mu.Unlock()
			return snap, nil
		}
		if st.writing != nil {
			snap := *st.writing
			p.mu.Unlock()
			return snap, nil
		}
	}
	p.mu.Unlock()
	// Cache miss: load from backing store.
	return p.backing.Load(ctx, id)
}

// Persist stages snap and flushes it synchronously.
func (p *Persister) Persist(ctx context.Context, id string, snap ot.Snapshot) error {
	p.Stage(id, snap)
	return p.Flush(ctx, id)
}

func (p *Persister) List(ctx context.Context) ([]DocumentInfo, error) {
	return p.backing.List(ctx)
}

// Flush writes the staged snapshot of id, if any, waiting for a write already
// in flight first. On failure the snapshot stays staged for the next cycle.
func (p *Persister) Flush(ctx context.Context, id string) error {
	p.mu.Lock()
	st := p.docs[id]
	for st != nil && st.writing != nil {
		wait := st.done
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
		st = p.docs[id]
	}
	if st == nil || st.pending == nil {
		p.mu.Unlock()
		return nil
	}
	snap := st.pending
	st.pending = nil
	st.writing = snap
	st.done = make(chan struct{})
	p.mu.Unlock()

	err := p.persistWithRetry(ctx, id, *snap)

	p.mu.Lock()
	close(st.done)
	st.writing = nil
	if err != nil && (st.pending == nil || st.pending.Seq < snap.Seq) {
		st.pending = snap
	}
	if st.pending == nil {
		delete(p.docs, id)
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error().Err(err).Str("doc", id).Int64("seq", snap.Seq).Msg("snapshot persist failed, will retry")
		p.events.Publish(ctx, events.New(events.PersistFailed, id, snap.Seq, err))
		return err
	}
	p.logger.Debug().Str("doc", id).Int64("seq", snap.Seq).Msg("snapshot persisted")
	return nil
}

func (p *Persister) persistWithRetry(ctx context.Context, id string, snap ot.Snapshot) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.retry.InitialInterval
	exp.MaxInterval = p.retry.MaxInterval
	exp.MaxElapsedTime = 0

	b := backoff.WithMaxRetries(exp, p.retry.MaxRetries)
	return backoff.RetryNotify(func() error {
		return p.backing.Persist(ctx, id, snap)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		p.logger.Warn().Err(err).Str("doc", id).Dur("retry_in", next).Msg("snapshot persist attempt failed")
	})
}

// Pending returns the IDs with staged, unflushed snapshots.
func (p *Persister) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.docs))
	for id, st := range p.docs {
		if st.pending != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Persister) flushLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer close(p.done)

	for {
		select {
		case <-ticker.C:
			p.flushAll(context.Background())
		case <-p.stop:
			return
		}
	}
}

// flushAll writes every staged snapshot and returns the first error.
func (p *Persister) flushAll(ctx context.Context) error {
	var first error
	for _, id := range p.Pending() {
		if err := p.Flush(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close stops the flush loop and performs a final flush.
func (p *Persister) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
	return p.flushAll(ctx)
}
