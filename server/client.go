package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait   = 10 * time.Second
	joinTimeout = 15 * time.Second
	maxMsgSize  = 64 * 1024
)

var heartbeatFrame, _ = Encode(Heartbeat{})

// Client represents a single WebSocket connection.
type Client struct {
	ID string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// The session this connection is joined to. Only the read pump touches
	// these.
	session     *Session
	participant string
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:      id,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(hub.cfg.RateLimit), hub.cfg.RateBurst),
		logger:  hub.logger.With().Str("conn", id).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		c.leave(false)
		c.shutdown()
	}()

	timeout := c.hub.cfg.HeartbeatTimeout
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(timeout))

		if !c.handle(data) {
			// Let the write pump flush the final error before closing.
			select {
			case <-c.done:
			case <-time.After(writeWait):
			}
			return
		}
	}
}

// WritePump writes messages from the send channel to the WebSocket and keeps
// the connection alive with pings and heartbeat frames.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if data == nil {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, heartbeatFrame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handle routes one inbound frame. It returns false when the connection must
// be closed.
func (c *Client) handle(data []byte) bool {
	msg, err := Decode(data)
	if errors.Is(err, ErrUnknownType) {
		c.closeWith(Error{Code: CodeProtocolViolation, Message: err.Error(), Fatal: true})
		return false
	}
	if err != nil {
		c.deliver(Error{Code: CodeBadMessage, Message: "invalid message format"})
		return true
	}

	switch m := msg.(type) {
	case Join:
		return c.join(m)
	case Op:
		c.submit(m)
	case Cursor:
		c.cursor(m)
	case Leave:
		c.leaveDocument(m)
	case Heartbeat:
		// The read deadline has already been extended.
	default:
		c.closeWith(Error{
			Code:    CodeProtocolViolation,
			Message: fmt.Sprintf("%s is a server message", msg.Type()),
			Fatal:   true,
		})
		return false
	}
	return true
}

func (c *Client) join(m Join) bool {
	if m.DocumentID == "" || m.ParticipantID == "" {
		c.deliver(Error{Code: CodeBadMessage, Message: "join requires documentId and participantId"})
		return true
	}
	// One document per connection: joining another leaves the current one.
	c.leave(true)

	ctx, cancel := context.WithTimeout(c.ctx, joinTimeout)
	defer cancel()

	log := c.logger.With().Str("doc", m.DocumentID).Str("participant", m.ParticipantID).Logger()
	if err := c.hub.Authorize(ctx, m.DocumentID, m.ParticipantID); err != nil {
		log.Info().Err(err).Msg("join rejected")
		c.closeWith(Error{Code: CodeUnauthorized, Message: "not authorized to join " + m.DocumentID, Fatal: true})
		return false
	}

	s, err := c.hub.Acquire(ctx, m.DocumentID)
	if err != nil {
		log.Error().Err(err).Msg("failed to open document session")
		c.deliver(Error{Code: CodeUnavailable, Message: "document unavailable"})
		return true
	}
	if !s.Join(c, m.ParticipantID, m.ResumeFrom) {
		c.hub.Release(s)
		c.deliver(Error{Code: CodeSessionReset, Message: "document session closed, join again", Fatal: true})
		return true
	}
	c.session, c.participant = s, m.ParticipantID
	return true
}

func (c *Client) joined(docID string) *Session {
	if s := c.session; s != nil {
		select {
		case <-s.Done():
			// Closed or reset: the participant has to join again.
			c.detach()
		default:
		}
	}
	if c.session == nil || c.session.DocumentID() != docID {
		c.deliver(Error{Code: CodeNotJoined, Message: "not joined to " + docID})
		return nil
	}
	return c.session
}

func (c *Client) submit(m Op) {
	s := c.joined(m.DocumentID)
	if s == nil {
		return
	}
	if !s.Submit(c, m.Operation(c.participant)) {
		c.detach()
		c.deliver(Error{Code: CodeNotJoined, Message: "document session closed"})
	}
}

func (c *Client) cursor(m Cursor) {
	s := c.joined(m.DocumentID)
	if s == nil {
		return
	}
	if !s.UpdateCursor(c, c.participant, m) {
		c.detach()
	}
}

func (c *Client) leaveDocument(m Leave) {
	if c.joined(m.DocumentID) == nil {
		return
	}
	c.leave(true)
}

// leave detaches the connection from its session, if any.
func (c *Client) leave(clean bool) {
	s := c.session
	if s == nil {
		return
	}
	s.Leave(c, c.participant, clean)
	c.detach()
}

// detach forgets the joined session and gives back the reference taken on
// join.
func (c *Client) detach() {
	s := c.session
	if s == nil {
		return
	}
	c.session, c.participant = nil, ""
	if c.hub != nil {
		c.hub.Release(s)
	}
}

func (c *Client) deliver(m Message) { c.enqueue(m, false) }

// deliverDroppable queues a message that may be lost under backpressure.
func (c *Client) deliverDroppable(m Message) { c.enqueue(m, true) }

// enqueue never blocks. When the send buffer is full a droppable message is
// discarded; any other message disconnects the client, which then has to
// rejoin and receive a fresh snapshot.
func (c *Client) enqueue(m Message, droppable bool) bool {
	data, err := Encode(m)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode message")
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
	}
	if droppable {
		return false
	}
	c.logger.Warn().Str("type", string(m.Type())).Msg("send buffer full, disconnecting slow client")
	c.shutdown()
	return false
}

// closeWith queues m followed by a close frame.
func (c *Client) closeWith(m Message) {
	if !c.enqueue(m, false) {
		return
	}
	select {
	case c.send <- nil:
	default:
		c.shutdown()
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
