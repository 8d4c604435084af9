package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alimasry/docsync/events"
	"github.com/alimasry/docsync/ot"
	"github.com/alimasry/docsync/store"
)

// ErrHubClosed is returned by Acquire after Close.
var ErrHubClosed = errors.New("hub closed")

// SnapshotPersister is the storage the hub needs: read-through loads,
// non-blocking staging, and a synchronous flush used on eviction.
// *store.Persister implements it.
type SnapshotPersister interface {
	Load(ctx context.Context, id string) (ot.Snapshot, error)
	Stage(id string, snap ot.Snapshot)
	Flush(ctx context.Context, id string) error
	List(ctx context.Context) ([]store.DocumentInfo, error)
}

// Config tunes the hub and the sessions and connections it manages. Zero
// values get defaults.
type Config struct {
	// IdleGrace is how long a session with no participants stays resident.
	IdleGrace time.Duration
	// ReconnectGrace is how long a dropped participant may resume from the
	// operation log instead of a full snapshot.
	ReconnectGrace time.Duration
	// SnapshotInterval is how often a session stages its state while active.
	SnapshotInterval time.Duration
	// HistoryRetention is the number of operations kept for transforming
	// stale operations. Negative keeps everything.
	HistoryRetention int
	// PersistTimeout bounds the flush done on eviction.
	PersistTimeout time.Duration
	LoadTimeout    time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
	// RateLimit is the sustained number of inbound messages per second per
	// connection, with bursts up to RateBurst.
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string

	Authorizer Authorizer
	// Events receives lifecycle events from a background goroutine; a slow
	// sink never delays joins or teardown.
	Events     events.Sink
	Logger     zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.IdleGrace <= 0 {
		c.IdleGrace = 30 * time.Second
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 30 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 10 * time.Second
	}
	if c.HistoryRetention == 0 {
		c.HistoryRetention = 1000
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 30 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
	if c.Authorizer == nil {
		c.Authorizer = AllowAll
	}
	if c.Events == nil {
		c.Events = events.Discard
	}
	return c
}

// entry is the registry slot of one document.
type entry struct {
	session *Session
	err     error
	ready   chan struct{} // closed once the load finished

	refs  int
	gen   uint64 // bumped on every acquire and release; stale idle timers compare it
	timer *time.Timer

	evicting chan struct{} // non-nil while eviction runs; closed when it is done
}

// SessionInfo describes a resident session.
type SessionInfo struct {
	DocumentID   string `json:"documentId"`
	Participants int    `json:"participants"`
	GlobalSeq    int64  `json:"globalSeq"`
	Connections  int    `json:"connections"`
}

// Hub is the session registry. It opens at most one session per document,
// counts the connections using it, and evicts it once it has been idle for
// the grace period.
type Hub struct {
	store  SnapshotPersister
	engine ot.Engine
	cfg    Config
	logger zerolog.Logger
	events *events.Async

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

func NewHub(st SnapshotPersister, engine ot.Engine, cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		store:    st,
		engine:   engine,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "hub").Logger(),
		events:   events.NewAsync(cfg.Events, 0, cfg.Logger),
		sessions: make(map[string]*entry),
	}
}

// Authorize asks the configured Authorizer whether participantID may join.
func (h *Hub) Authorize(ctx context.Context, docID, participantID string) error {
	return h.cfg.Authorizer.AuthorizeJoin(ctx, docID, participantID)
}

// Acquire returns the session for docID, loading it if it is not resident.
// Concurrent callers for the same document share one load. Each successful
// Acquire must be paired with a Release.
func (h *Hub) Acquire(ctx context.Context, docID string) (*Session, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		e, ok := h.sessions[docID]
		if ok && e.evicting != nil {
			// Wait for the old session to be persisted before reloading.
			wait := e.evicting
			h.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if !ok {
			e = &entry{ready: make(chan struct{}), refs: 1}
			h.sessions[docID] = e
			h.mu.Unlock()
			return h.load(ctx, docID, e)
		}
		e.refs++
		e.gen++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		h.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			h.release(docID, e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}
}

func (h *Hub) load(ctx context.Context, docID string, e *entry) (*Session, error) {
	// The load is shared with other waiters, so it must not die with the
	// connection that triggered it.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.LoadTimeout)
	defer cancel()

	snap, err := h.store.Load(lctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		snap, err = ot.Snapshot{}, nil
	}
	if err != nil {
		err = fmt.Errorf("load document %q: %w", docID, err)
		h.mu.Lock()
		e.err = err
		if h.sessions[docID] == e {
			delete(h.sessions, docID)
		}
		h.mu.Unlock()
		close(e.ready)
		return nil, err
	}

	s := newSession(docID, snap, sessionConfig{
		engine:           h.engine,
		stager:           h.store,
		retention:        h.cfg.HistoryRetention,
		reconnectGrace:   h.cfg.ReconnectGrace,
		snapshotInterval: h.cfg.SnapshotInterval,
		logger:           h.cfg.Logger,
		onFatal:          h.Discard,
	})
	go s.Run()

	h.mu.Lock()
	e.session = s
	h.mu.Unlock()
	close(e.ready)

	h.logger.Info().Str("doc", docID).Int64("seq", snap.Seq).Msg("session opened")
	h.events.Publish(ctx, events.New(events.SessionCreated, docID, snap.Seq, nil))
	return s, nil
}

// Release gives back a session obtained from Acquire. When the last user
// releases it, the idle timer starts.
func (h *Hub) Release(s *Session) {
	h.mu.Lock()
	e, ok := h.sessions[s.DocumentID()]
	ok = ok && e.session == s
	h.mu.Unlock()
	if ok {
		h.release(s.DocumentID(), e)
	}
}

func (h *Hub) release(docID string, e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[docID] != e {
		return
	}
	e.refs--
	e.gen++
	if e.refs > 0 || h.closed {
		return
	}
	gen := e.gen
	e.timer = time.AfterFunc(h.cfg.IdleGrace, func() { h.evict(docID, e, gen) })
}

// evict persists and removes an idle session. A join that arrives before the
// entry is marked evicting cancels it; one that arrives after waits for it
// and then loads the persisted state.
func (h *Hub) evict(docID string, e *entry, gen uint64) {
	h.mu.Lock()
	if h.closed || h.sessions[docID] != e || e.refs > 0 || e.gen != gen || e.evicting != nil || e.session == nil {
		h.mu.Unlock()
		return
	}
	e.evicting = make(chan struct{})
	e.timer = nil
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
	defer cancel()

	snap, dirty := e.session.Stop()
	if dirty {
		h.store.Stage(docID, snap)
	}
	err := h.store.Flush(ctx, docID)
	if err != nil {
		// The snapshot stays staged in the persister and is served to the
		// next load, so nothing is lost.
		h.logger.Error().Err(err).Str("doc", docID).Msg("flush on eviction failed")
	}

	h.mu.Lock()
	if h.sessions[docID] == e {
		delete(h.sessions, docID)
	}
	close(e.evicting)
	h.mu.Unlock()

	h.logger.Info().Str("doc", docID).Int64("seq", snap.Seq).Bool("dirty", dirty).Msg("session evicted")
	ev := events.New(events.SessionEvicted, docID, snap.Seq, err)
	ev.Participants = e.session.Participants()
	h.events.Publish(ctx, ev)
}

// Discard drops a session that failed. Its state is not persisted; the next
// join loads the last persisted snapshot.
func (h *Hub) Discard(s *Session, cause error) {
	h.mu.Lock()
	e, ok := h.sessions[s.DocumentID()]
	if ok && e.session == s {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		delete(h.sessions, s.DocumentID())
	}
	h.mu.Unlock()

	h.logger.Error().Err(cause).Str("doc", s.DocumentID()).Msg("session discarded")
	ev := events.New(events.SessionFailed, s.DocumentID(), s.GlobalSeq(), cause)
	ev.Participants = s.Participants()
	h.events.Publish(context.Background(), ev)
}

// Sessions lists the resident sessions ordered by document.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]SessionInfo, 0, len(h.sessions))
	for id, e := range h.sessions {
		if e.session == nil {
			continue
		}
		out = append(out, SessionInfo{
			DocumentID:   id,
			Participants: e.session.Participants(),
			GlobalSeq:    e.session.GlobalSeq(),
			Connections:  e.refs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// Documents lists persisted documents.
func (h *Hub) Documents(ctx context.Context) ([]store.DocumentInfo, error) {
	return h.store.List(ctx)
}

// Close stops every session and flushes its final state, then delivers the
// lifecycle events still queued. Acquire fails afterwards.
func (h *Hub) Close(ctx context.Context) error {
	defer func() {
		if err := h.events.Close(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("lifecycle events not delivered")
		}
	}()

	h.mu.Lock()
	h.closed = true
	entries := make(map[string]*entry, len(h.sessions))
	evicting := make(map[string]chan struct{})
	for id, e := range h.sessions {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		entries[id] = e
		if e.evicting != nil {
			evicting[id] = e.evicting
		}
	}
	h.mu.Unlock()

	var errs []error
	for id, e := range entries {
		if wait, ok := evicting[id]; ok {
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.session == nil {
			continue
		}
		snap, dirty := e.session.Stop()
		if dirty {
			h.store.Stage(id, snap)
		}
		if err := h.store.Flush(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("flush %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
