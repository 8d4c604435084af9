package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind identifies what an operation does to the text.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
)

// Operation is a single text mutation plus authorship and sequencing metadata.
// Positions and lengths count runes, not bytes.
//
// Operations are values: transformation never mutates its inputs.
type Operation struct {
	Kind       Kind   `json:"kind"`
	Position   int    `json:"position"`
	Content    string `json:"content,omitempty"` // Insert only
	Length     int    `json:"length,omitempty"`  // Delete only
	Author     string `json:"author"`
	LocalSeq   int64  `json:"localSeq"`
	BasedOnSeq int64  `json:"basedOnSeq"`
}

// NewInsert creates an operation inserting content at pos.
func NewInsert(author string, pos int, content string) Operation {
	return Operation{Kind: Insert, Position: pos, Content: content, Author: author}
}

// NewDelete creates an operation removing length runes starting at pos.
func NewDelete(author string, pos, length int) Operation {
	return Operation{Kind: Delete, Position: pos, Length: length, Author: author}
}

// Len returns the number of runes inserted or removed.
func (op Operation) Len() int {
	if op.Kind == Insert {
		return utf8.RuneCountInString(op.Content)
	}
	return op.Length
}

// End returns the first position after the range the operation covers in its
// base document. For inserts this equals Position.
func (op Operation) End() int {
	if op.Kind == Delete {
		return op.Position + op.Length
	}
	return op.Position
}

// IsNoop reports whether applying the operation leaves the text unchanged.
func (op Operation) IsNoop() bool {
	return op.Len() == 0
}

// Validate checks the operation in isolation. Bounds against a document are
// checked by Document.Apply.
func (op Operation) Validate() error {
	if op.Author == "" {
		return errors.New("operation has no author")
	}
	if op.Position < 0 {
		return fmt.Errorf("negative position %d", op.Position)
	}
	switch op.Kind {
	case Insert:
		if op.Content == "" {
			return errors.New("insert has no content")
		}
		if !utf8.ValidString(op.Content) {
			return errors.New("insert content is not valid UTF-8")
		}
	case Delete:
		if op.Length <= 0 {
			return fmt.Errorf("delete length %d must be positive", op.Length)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

func (op Operation) String() string {
	if op.Kind == Insert {
		return fmt.Sprintf("insert(%d,%q)@%s", op.Position, op.Content, op.Author)
	}
	return fmt.Sprintf("delete(%d,%d)@%s", op.Position, op.Length, op.Author)
}

// withPosition returns a copy of op moved to pos.
func (op Operation) withPosition(pos int) Operation {
	op.Position = pos
	return op
}

// withRange returns a copy of a delete covering [pos, pos+length).
func (op Operation) withRange(pos, length int) Operation {
	op.Position = pos
	op.Length = length
	return op
}
