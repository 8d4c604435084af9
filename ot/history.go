package ot

import (
	"errors"
	"fmt"
)

var (
	// ErrHistoryTrimmed means the requested base is older than the retained
	// window; the client must resynchronise from a snapshot.
	ErrHistoryTrimmed = errors.New("ot: history no longer covers requested sequence")
	// ErrFutureSeq means the requested base is ahead of the server.
	ErrFutureSeq = errors.New("ot: sequence is ahead of history")
)

// History is the ordered log of applied operations, retaining at most
// retention entries (0 keeps everything). Entry i carries sequence base+i+1.
type History struct {
	ops       []Operation
	base      int64 // sequence number just before ops[0]
	retention int
}

// NewHistory creates an empty history starting after seq.
func NewHistory(seq int64, retention int) *History {
	return &History{base: seq, retention: retention}
}

// Head returns the sequence number of the last appended operation.
func (h *History) Head() int64 { return h.base + int64(len(h.ops)) }

// Oldest returns the oldest base sequence a client may still transform from.
func (h *History) Oldest() int64 { return h.base }

// Append records op as the operation that produced sequence seq.
func (h *History) Append(seq int64, op Operation) error {
	if seq != h.Head()+1 {
		return fmt.Errorf("history: append seq %d after head %d", seq, h.Head())
	}
	h.ops = append(h.ops, op)
	if h.retention > 0 && len(h.ops) > h.retention {
		drop := len(h.ops) - h.retention
		h.ops = h.ops[drop:]
		h.base += int64(drop)
	}
	return nil
}

// Since returns the operations with sequence numbers in (seq, Head()].
func (h *History) Since(seq int64) ([]Operation, error) {
	switch {
	case seq > h.Head():
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureSeq, seq, h.Head())
	case seq < h.base:
		return nil, fmt.Errorf("%w: %d < %d", ErrHistoryTrimmed, seq, h.base)
	}
	out := make([]Operation, int(h.Head()-seq))
	copy(out, h.ops[seq-h.base:])
	return out, nil
}
