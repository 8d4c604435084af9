package server

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/alimasry/docsync/ot"
)

// snapshotStager receives snapshots for write-behind persistence.
type snapshotStager interface {
	Stage(id string, snap ot.Snapshot)
}

// sessionConfig is what a Session needs from the hub that owns it.
type sessionConfig struct {
	engine           ot.Engine
	stager           snapshotStager
	retention        int
	reconnectGrace   time.Duration
	snapshotInterval time.Duration
	logger           zerolog.Logger
	onFatal          func(*Session, error)
}

// request is anything a Session processes in its inbox.
type request interface{ sessionRequest() }

type joinRequest struct {
	client      *Client
	participant string
	resumeFrom  *int64
	reply       chan struct{}
}

type leaveRequest struct {
	client      *Client
	participant string
	clean       bool
}

type opRequest struct {
	client *Client
	op     ot.Operation
}

type cursorRequest struct {
	client      *Client
	participant string
	cursor      Cursor
}

type stopRequest struct {
	reply chan stopResult
}

type stopResult struct {
	snap  ot.Snapshot
	dirty bool
}

func (joinRequest) sessionRequest()   {}
func (leaveRequest) sessionRequest()  {}
func (opRequest) sessionRequest()     {}
func (cursorRequest) sessionRequest() {}
func (stopRequest) sessionRequest()   {}

// ackRecord is the last operation acknowledged for an author.
type ackRecord struct {
	localSeq int64
	seq      int64
}

// departure remembers a participant that dropped without leaving.
type departure struct {
	at  time.Time
	seq int64
}

// Session manages collaboration for a single document.
// Every request goes through one inbox and one goroutine, so requests are
// handled one at a time in arrival order.
type Session struct {
	docID   string
	doc     *ot.Document
	history *ot.History
	cfg     sessionConfig
	logger  zerolog.Logger

	participants map[string]*Client
	presence     *Presence
	acked        map[string]ackRecord
	departed     map[string]departure
	staged       int64

	inbox chan request
	done  chan struct{}
	now   func() time.Time

	// Mirrors for readers outside the session goroutine.
	seq     atomic.Int64
	members atomic.Int32
}

func newSession(docID string, snap ot.Snapshot, cfg sessionConfig) *Session {
	s := &Session{
		docID:        docID,
		doc:          ot.NewDocument(snap),
		history:      ot.NewHistory(snap.Seq, max(cfg.retention, 0)),
		cfg:          cfg,
		logger:       cfg.logger.With().Str("doc", docID).Logger(),
		participants: make(map[string]*Client),
		presence:     NewPresence(),
		acked:        make(map[string]ackRecord),
		departed:     make(map[string]departure),
		staged:       snap.Seq,
		inbox:        make(chan request, 256),
		done:         make(chan struct{}),
		now:          time.Now,
	}
	s.seq.Store(snap.Seq)
	return s
}

func (s *Session) DocumentID() string { return s.docID }

// GlobalSeq returns the number of operations applied so far.
func (s *Session) GlobalSeq() int64 { return s.seq.Load() }

// Participants returns the number of participants currently joined.
func (s *Session) Participants() int { return int(s.members.Load()) }

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// send queues req. It fails once the session goroutine has exited, even
// while the inbox has room.
func (s *Session) send(req request) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- req:
		return true
	case <-s.done:
		return false
	}
}

// Join adds c as participant and waits until the JOINED state has been queued
// to it. It returns false if the session has shut down.
func (s *Session) Join(c *Client, participant string, resumeFrom *int64) bool {
	reply := make(chan struct{})
	if !s.send(joinRequest{client: c, participant: participant, resumeFrom: resumeFrom, reply: reply}) {
		return false
	}
	select {
	case <-reply:
		return true
	case <-s.done:
		return false
	}
}

// Leave removes c. An unclean leave keeps a departure record so the
// participant can resume within the reconnect grace period.
func (s *Session) Leave(c *Client, participant string, clean bool) {
	s.send(leaveRequest{client: c, participant: participant, clean: clean})
}

// Submit queues an operation authored by the participant bound to c.
func (s *Session) Submit(c *Client, op ot.Operation) bool {
	return s.send(opRequest{client: c, op: op})
}

func (s *Session) UpdateCursor(c *Client, participant string, cur Cursor) bool {
	return s.send(cursorRequest{client: c, participant: participant, cursor: cur})
}

// Stop ends the session after the requests already queued and returns its
// final snapshot. dirty reports whether the snapshot is newer than the last
// one staged. A session that already exited returns a zero snapshot.
func (s *Session) Stop() (snap ot.Snapshot, dirty bool) {
	reply := make(chan stopResult, 1)
	if !s.send(stopRequest{reply: reply}) {
		return ot.Snapshot{}, false
	}
	select {
	case r := <-reply:
		return r.snap, r.dirty
	case <-s.done:
		select {
		case r := <-reply:
			return r.snap, r.dirty
		default:
			return ot.Snapshot{}, false
		}
	}
}

// Run is the session's main loop. It returns after Stop or a fatal error.
func (s *Session) Run() {
	defer close(s.done)

	interval := s.cfg.snapshotInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case req := <-s.inbox:
			if !s.handle(req) {
				return
			}
		case <-ticker.C:
			s.stageSnapshot()
			s.pruneDepartures()
		}
	}
}

func (s *Session) handle(req request) bool {
	switch r := req.(type) {
	case joinRequest:
		s.handleJoin(r)
	case leaveRequest:
		s.handleLeave(r)
	case opRequest:
		return s.handleOp(r)
	case cursorRequest:
		s.handleCursor(r)
	case stopRequest:
		s.handleStop(r)
		return false
	}
	return true
}

func (s *Session) handleJoin(r joinRequest) {
	defer close(r.reply)

	c, pid := r.client, r.participant
	old, present := s.participants[pid]
	if present && old != c {
		s.logger.Info().Str("participant", pid).Msg("participant reconnected on a new connection")
		old.closeWith(Error{Code: CodeReplaced, Message: "joined from another connection", Fatal: true})
	}
	s.participants[pid] = c
	s.members.Store(int32(len(s.participants)))

	joined := Joined{
		DocumentID:   s.docID,
		GlobalSeq:    s.doc.Seq(),
		Participants: s.participantIDs(),
		Presence:     s.presence.List(),
	}
	if missed, ok := s.resume(pid, r.resumeFrom); ok {
		joined.Resumed = true
		joined.Missed = missed
	} else {
		joined.Text = s.doc.Text()
	}
	delete(s.departed, pid)
	c.deliver(joined)

	if !present {
		s.broadcast(ParticipantJoined{DocumentID: s.docID, ParticipantID: pid}, c)
	}
	s.logger.Debug().Str("participant", pid).Bool("resumed", joined.Resumed).Int64("seq", joined.GlobalSeq).Msg("participant joined")
}

// resume returns the operations a recently departed participant missed, or
// false when it must start from a snapshot.
func (s *Session) resume(pid string, from *int64) ([]ot.Operation, bool) {
	if from == nil {
		return nil, false
	}
	d, ok := s.departed[pid]
	if !ok || s.now().Sub(d.at) > s.cfg.reconnectGrace {
		return nil, false
	}
	// Nothing after the departure reached the old connection.
	if *from > d.seq {
		s.logger.Debug().Str("participant", pid).Int64("from", *from).Int64("departed_at", d.seq).Msg("resume point after departure, sending snapshot")
		return nil, false
	}
	missed, err := s.history.Since(*from)
	if err != nil {
		s.logger.Debug().Err(err).Str("participant", pid).Msg("cannot resume, sending snapshot")
		return nil, false
	}
	s.logger.Debug().Str("participant", pid).Int64("from", *from).Int("missed", len(missed)).Msg("resuming participant")
	return missed, true
}

func (s *Session) handleLeave(r leaveRequest) {
	if s.participants[r.participant] != r.client {
		return
	}
	delete(s.participants, r.participant)
	s.members.Store(int32(len(s.participants)))
	s.presence.Remove(r.participant)
	if !r.clean {
		s.departed[r.participant] = departure{at: s.now(), seq: s.doc.Seq()}
	}
	s.broadcast(ParticipantLeft{DocumentID: s.docID, ParticipantID: r.participant}, nil)
	s.logger.Debug().Str("participant", r.participant).Bool("clean", r.clean).Msg("participant left")
}

func (s *Session) handleOp(r opRequest) bool {
	c, op := r.client, r.op
	pid := op.Author
	if s.participants[pid] != c {
		c.deliver(Error{Code: CodeNotJoined, Message: "not joined to " + s.docID})
		return true
	}
	if op.LocalSeq <= 0 {
		c.deliver(Error{Code: CodeInvalidOp, Message: "localSeq must be positive"})
		return true
	}
	if err := op.Validate(); err != nil {
		c.deliver(Error{Code: CodeInvalidOp, Message: err.Error()})
		return true
	}

	if rec, ok := s.acked[pid]; ok {
		if op.LocalSeq <= rec.localSeq {
			seq := s.doc.Seq()
			if op.LocalSeq == rec.localSeq {
				seq = rec.seq
			}
			c.deliver(OpAck{DocumentID: s.docID, NewGlobalSeq: seq, LocalSeq: op.LocalSeq, Duplicate: true})
			return true
		}
		if op.BasedOnSeq < rec.seq {
			c.deliver(Error{
				Code:    CodeResyncRequired,
				Message: fmt.Sprintf("operation based on %d predates your last acknowledged operation at %d", op.BasedOnSeq, rec.seq),
			})
			return true
		}
	}

	if op.BasedOnSeq < 0 || op.BasedOnSeq > s.doc.Seq() {
		c.deliver(Error{Code: CodeBadBase, Message: fmt.Sprintf("basedOnSeq %d outside [0, %d]", op.BasedOnSeq, s.doc.Seq())})
		return true
	}
	concurrent, err := s.history.Since(op.BasedOnSeq)
	switch {
	case errors.Is(err, ot.ErrHistoryTrimmed):
		c.deliver(Error{
			Code:    CodeResyncRequired,
			Message: fmt.Sprintf("basedOnSeq %d predates retained history starting at %d", op.BasedOnSeq, s.history.Oldest()),
		})
		return true
	case err != nil:
		c.deliver(Error{Code: CodeBadBase, Message: err.Error()})
		return true
	}

	if n := lengthBefore(s.doc.Len(), concurrent); op.End() > n || op.Position > n {
		c.deliver(Error{Code: CodeInvalidOp, Message: fmt.Sprintf("%s out of range for length %d at seq %d", op, n, op.BasedOnSeq)})
		return true
	}

	pieces, err := s.cfg.engine.TransformIncoming(op, concurrent)
	if err != nil {
		return s.fail(fmt.Errorf("transform %s: %w", op, err))
	}
	for _, piece := range pieces {
		piece.BasedOnSeq = s.doc.Seq()
		if err := s.doc.Apply(piece); err != nil {
			return s.fail(err)
		}
		if err := s.history.Append(s.doc.Seq(), piece); err != nil {
			return s.fail(err)
		}
		s.presence.Shift(piece)
		s.broadcast(OpBroadcast{DocumentID: s.docID, Op: piece, NewGlobalSeq: s.doc.Seq()}, c)
	}
	s.seq.Store(s.doc.Seq())
	s.acked[pid] = ackRecord{localSeq: op.LocalSeq, seq: s.doc.Seq()}
	c.deliver(OpAck{DocumentID: s.docID, NewGlobalSeq: s.doc.Seq(), LocalSeq: op.LocalSeq})

	s.logger.Debug().Str("participant", pid).Int64("local_seq", op.LocalSeq).Int("pieces", len(pieces)).Int64("seq", s.doc.Seq()).Msg("operation applied")
	return true
}

func (s *Session) handleCursor(r cursorRequest) {
	if s.participants[r.participant] != r.client {
		r.client.deliverDroppable(Error{Code: CodeNotJoined, Message: "not joined to " + s.docID})
		return
	}
	e := s.presence.Update(r.participant, r.cursor.Position, r.cursor.Selection, s.doc.Len())
	out := Cursor{DocumentID: s.docID, ParticipantID: r.participant, Position: e.Position, Selection: e.Selection}
	for pid, c := range s.participants {
		if pid != r.participant {
			c.deliverDroppable(out)
		}
	}
}

func (s *Session) handleStop(r stopRequest) {
	snap := s.doc.Snapshot()
	for _, c := range s.participants {
		c.deliver(Error{Code: CodeSessionClosed, Message: "document session closed", Fatal: true})
	}
	r.reply <- stopResult{snap: snap, dirty: snap.Seq != s.staged}
	s.logger.Debug().Int64("seq", snap.Seq).Msg("session stopped")
}

// fail tears the session down after an invariant violation. The in-memory
// state is not trusted any more, so nothing is staged.
func (s *Session) fail(err error) bool {
	s.logger.Error().Err(err).Int64("seq", s.doc.Seq()).Msg("session failed, discarding state")
	for _, c := range s.participants {
		c.deliver(Error{Code: CodeSessionReset, Message: "document session reset, join again", Fatal: true})
	}
	if s.cfg.onFatal != nil {
		s.cfg.onFatal(s, err)
	}
	s.participants = map[string]*Client{}
	s.members.Store(0)
	return false
}

func (s *Session) stageSnapshot() {
	if s.doc.Seq() == s.staged || s.cfg.stager == nil {
		return
	}
	s.cfg.stager.Stage(s.docID, s.doc.Snapshot())
	s.staged = s.doc.Seq()
}

func (s *Session) pruneDepartures() {
	now := s.now()
	for pid, d := range s.departed {
		if now.Sub(d.at) > s.cfg.reconnectGrace {
			delete(s.departed, pid)
		}
	}
}

func (s *Session) broadcast(m Message, except *Client) {
	for _, c := range s.participants {
		if c != except {
			c.deliver(m)
		}
	}
}

// lengthBefore returns the length a document had before ops were applied to
// reach length n.
func lengthBefore(n int, ops []ot.Operation) int {
	for _, op := range ops {
		switch op.Kind {
		case ot.Insert:
			n -= op.Len()
		case ot.Delete:
			n += op.Len()
		}
	}
	return n
}

func (s *Session) participantIDs() []string {
	ids := make([]string, 0, len(s.participants))
	for pid := range s.participants {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	return ids
}
