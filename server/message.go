package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alimasry/docsync/ot"
)

// MessageType tags a frame exchanged over the WebSocket.
type MessageType string

const (
	TypeJoin              MessageType = "join"
	TypeJoined            MessageType = "joined"
	TypeOp                MessageType = "op"
	TypeOpAck             MessageType = "op_ack"
	TypeOpBroadcast       MessageType = "op_broadcast"
	TypeCursor            MessageType = "cursor"
	TypeLeave             MessageType = "leave"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeError             MessageType = "error"
	TypeParticipantJoined MessageType = "participant_joined"
	TypeParticipantLeft   MessageType = "participant_left"
)

// ErrUnknownType is returned by Decode for a frame whose type is not part of
// the protocol.
var ErrUnknownType = errors.New("unknown message type")

// Message is one protocol message. The set of implementations is closed: the
// types in this file.
type Message interface {
	Type() MessageType
}

// Join asks to enter the session of a document. ResumeFrom is the last global
// sequence the client applied; it lets a client that dropped recently catch up
// from the log instead of a full snapshot.
type Join struct {
	DocumentID    string `json:"documentId"`
	ParticipantID string `json:"participantId"`
	ResumeFrom    *int64 `json:"resumeFrom,omitempty"`
}

// Joined is the initial state sent after a successful join. When Resumed is
// set, Text is empty and Missed holds the operations after ResumeFrom.
type Joined struct {
	DocumentID   string          `json:"documentId"`
	Text         string          `json:"text"`
	GlobalSeq    int64           `json:"globalSeq"`
	Participants []string        `json:"participants"`
	Presence     []PresenceEntry `json:"presence,omitempty"`
	Resumed      bool            `json:"resumed,omitempty"`
	Missed       []ot.Operation  `json:"missed,omitempty"`
}

// Op proposes an edit. The author is the participant bound to the connection.
type Op struct {
	DocumentID string  `json:"documentId"`
	Kind       ot.Kind `json:"kind"`
	Position   int     `json:"position"`
	Content    string  `json:"content,omitempty"`
	Length     int     `json:"length,omitempty"`
	LocalSeq   int64   `json:"localSeq"`
	BasedOnSeq int64   `json:"basedOnSeq"`
}

// Operation converts the wire form into an operation authored by author.
func (m Op) Operation(author string) ot.Operation {
	return ot.Operation{
		Kind:       m.Kind,
		Position:   m.Position,
		Content:    m.Content,
		Length:     m.Length,
		Author:     author,
		LocalSeq:   m.LocalSeq,
		BasedOnSeq: m.BasedOnSeq,
	}
}

type OpAck struct {
	DocumentID   string `json:"documentId"`
	NewGlobalSeq int64  `json:"newGlobalSeq"`
	LocalSeq     int64  `json:"localSeq"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

type OpBroadcast struct {
	DocumentID   string       `json:"documentId"`
	Op           ot.Operation `json:"op"`
	NewGlobalSeq int64        `json:"newGlobalSeq"`
}

// Range is a selection between two positions.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Cursor is a presence update. Clients send it; the server rebroadcasts it to
// the other participants with ParticipantID filled in.
type Cursor struct {
	DocumentID    string `json:"documentId"`
	ParticipantID string `json:"participantId,omitempty"`
	Position      int    `json:"position"`
	Selection     *Range `json:"selection,omitempty"`
}

type Leave struct {
	DocumentID    string `json:"documentId"`
	ParticipantID string `json:"participantId"`
}

type Heartbeat struct{}

// ErrorCode classifies an Error message.
type ErrorCode string

const (
	CodeBadMessage        ErrorCode = "bad_message"
	CodeProtocolViolation ErrorCode = "protocol_violation"
	CodeUnauthorized      ErrorCode = "unauthorized"
	CodeNotJoined         ErrorCode = "not_joined"
	CodeInvalidOp         ErrorCode = "invalid_op"
	CodeBadBase           ErrorCode = "bad_base"
	CodeResyncRequired    ErrorCode = "resync_required"
	CodeSessionReset      ErrorCode = "session_reset"
	CodeSessionClosed     ErrorCode = "session_closed"
	CodeReplaced          ErrorCode = "replaced"
	CodeUnavailable       ErrorCode = "unavailable"
)

// Error reports a problem. Fatal errors require the client to join again
// (and, for connection-level errors, to reconnect).
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
}

type ParticipantJoined struct {
	DocumentID    string `json:"documentId"`
	ParticipantID string `json:"participantId"`
}

type ParticipantLeft struct {
	DocumentID    string `json:"documentId"`
	ParticipantID string `json:"participantId"`
}

func (Join) Type() MessageType              { return TypeJoin }
func (Joined) Type() MessageType            { return TypeJoined }
func (Op) Type() MessageType                { return TypeOp }
func (OpAck) Type() MessageType             { return TypeOpAck }
func (OpBroadcast) Type() MessageType       { return TypeOpBroadcast }
func (Cursor) Type() MessageType            { return TypeCursor }
func (Leave) Type() MessageType             { return TypeLeave }
func (Heartbeat) Type() MessageType         { return TypeHeartbeat }
func (Error) Type() MessageType             { return TypeError }
func (ParticipantJoined) Type() MessageType { return TypeParticipantJoined }
func (ParticipantLeft) Type() MessageType   { return TypeParticipantLeft }

// PresenceEntry is the last known cursor of one participant.
type PresenceEntry struct {
	ParticipantID string    `json:"participantId"`
	Position      int       `json:"position"`
	Selection     *Range    `json:"selection,omitempty"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

type frame struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes a message to a JSON frame.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return json.Marshal(frame{Type: m.Type(), Data: data})
}

// Decode parses a JSON frame. A frame that is not valid JSON or whose payload
// does not match its type yields a plain error; a well-formed frame of an
// unknown type yields ErrUnknownType.
func Decode(b []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case TypeJoin:
		return decodeAs[Join](f)
	case TypeJoined:
		return decodeAs[Joined](f)
	case TypeOp:
		return decodeAs[Op](f)
	case TypeOpAck:
		return decodeAs[OpAck](f)
	case TypeOpBroadcast:
		return decodeAs[OpBroadcast](f)
	case TypeCursor:
		return decodeAs[Cursor](f)
	case TypeLeave:
		return decodeAs[Leave](f)
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeError:
		return decodeAs[Error](f)
	case TypeParticipantJoined:
		return decodeAs[ParticipantJoined](f)
	case TypeParticipantLeft:
		return decodeAs[ParticipantLeft](f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

func decodeAs[T Message](f frame) (Message, error) {
	var m T
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("decode %s: missing data", f.Type)
	}
	if err := json.Unmarshal(f.Data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return m, nil
}
