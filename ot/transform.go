package ot

import "errors"

// ErrNondeterministicTie is returned when two concurrent inserts at the same
// position carry the same author, so the author ordering cannot decide which
// goes first.
var ErrNondeterministicTie = errors.New("ot: concurrent inserts at one position share an author")

// Transform takes two concurrent operations a and b (both generated against the
// same document state) and returns aPrime and bPrime such that:
//
//	Apply(Apply(doc, a), bPrime) == Apply(Apply(doc, b), aPrime)
//
// Results are sequences applied left to right: a delete whose range contains a
// concurrent insert splits into two pieces so the inserted text survives, and
// a delete fully covered by the other delete disappears.
//
// Inserts at the same position are ordered by author: the lower author ID is
// inserted first.
func Transform(a, b Operation) (aPrime, bPrime []Operation, err error) {
	if aPrime, err = include(a, b); err != nil {
		return nil, nil, err
	}
	if bPrime, err = include(b, a); err != nil {
		return nil, nil, err
	}
	return aPrime, bPrime, nil
}

// TransformSeq is Transform for sequences of operations. Both sequences must
// start from the same document state.
func TransformSeq(a, b []Operation) (aPrime, bPrime []Operation, err error) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return a, b, nil
	case len(a) == 1 && len(b) == 1:
		return Transform(a[0], b[0])
	case len(a) > 1:
		headA, b1, err := TransformSeq(a[:1], b)
		if err != nil {
			return nil, nil, err
		}
		restA, b2, err := TransformSeq(a[1:], b1)
		if err != nil {
			return nil, nil, err
		}
		return append(headA, restA...), b2, nil
	default:
		a1, headB, err := TransformSeq(a, b[:1])
		if err != nil {
			return nil, nil, err
		}
		a2, restB, err := TransformSeq(a1, b[1:])
		if err != nil {
			return nil, nil, err
		}
		return a2, append(headB, restB...), nil
	}
}

// TransformCursor maps a caret position through an applied operation.
func TransformCursor(pos int, op Operation) int {
	switch op.Kind {
	case Insert:
		if op.Position <= pos {
			return pos + op.Len()
		}
	case Delete:
		switch {
		case pos >= op.End():
			return pos - op.Length
		case pos > op.Position:
			return op.Position
		}
	}
	return pos
}

// include transforms a so that it applies after b.
func include(a, b Operation) ([]Operation, error) {
	if a.IsNoop() {
		return nil, nil
	}
	if b.IsNoop() {
		return []Operation{a}, nil
	}
	switch {
	case a.Kind == Insert && b.Kind == Insert:
		op, err := insertAfterInsert(a, b)
		if err != nil {
			return nil, err
		}
		return []Operation{op}, nil
	case a.Kind == Insert:
		return []Operation{insertAfterDelete(a, b)}, nil
	case b.Kind == Insert:
		return deleteAfterInsert(a, b), nil
	default:
		return deleteAfterDelete(a, b), nil
	}
}

func insertAfterInsert(a, b Operation) (Operation, error) {
	switch {
	case a.Position < b.Position:
		return a, nil
	case a.Position > b.Position:
		return a.withPosition(a.Position + b.Len()), nil
	case a.Author == b.Author:
		return Operation{}, ErrNondeterministicTie
	case a.Author < b.Author:
		return a, nil
	default:
		return a.withPosition(a.Position + b.Len()), nil
	}
}

func insertAfterDelete(a, b Operation) Operation {
	switch {
	case a.Position <= b.Position:
		return a
	case a.Position >= b.End():
		return a.withPosition(a.Position - b.Length)
	default:
		// The insertion point was removed; land at the start of the gap.
		return a.withPosition(b.Position)
	}
}

func deleteAfterInsert(a, b Operation) []Operation {
	switch {
	case b.Position <= a.Position:
		return []Operation{a.withPosition(a.Position + b.Len())}
	case b.Position >= a.End():
		return []Operation{a}
	default:
		// Split around the inserted text. The tail goes first so the head's
		// position needs no further adjustment.
		tail := a.withRange(b.Position+b.Len(), a.End()-b.Position)
		head := a.withRange(a.Position, b.Position-a.Position)
		return []Operation{tail, head}
	}
}

func deleteAfterDelete(a, b Operation) []Operation {
	switch {
	case a.End() <= b.Position:
		return []Operation{a}
	case a.Position >= b.End():
		return []Operation{a.withPosition(a.Position - b.Length)}
	}
	before := max(0, min(a.End(), b.Position)-a.Position)
	after := max(0, a.End()-max(a.Position, b.End()))
	if before+after == 0 {
		return nil
	}
	return []Operation{a.withRange(min(a.Position, b.Position), before+after)}
}
