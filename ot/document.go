package ot

import "fmt"

// Snapshot is the durable state of a document at one point in its history.
type Snapshot struct {
	Text string `json:"text"`
	Seq  int64  `json:"globalSeq"`
}

// OutOfRangeError reports an operation that does not fit the document it was
// applied to. After transformation this means the transform or the log is
// broken, not that the client misbehaved.
type OutOfRangeError struct {
	Op     Operation
	DocLen int
	Seq    int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("operation %s out of range for document of length %d at seq %d", e.Op, e.DocLen, e.Seq)
}

// Document is an in-memory replica: the text plus the number of operations
// applied to reach it.
type Document struct {
	text []rune
	seq  int64
}

// NewDocument creates a replica from a snapshot.
func NewDocument(snap Snapshot) *Document {
	return &Document{text: []rune(snap.Text), seq: snap.Seq}
}

func (d *Document) Text() string { return string(d.text) }
func (d *Document) Seq() int64   { return d.seq }
func (d *Document) Len() int     { return len(d.text) }

// Apply applies one already-transformed operation and advances the sequence
// by one. On error the document is left untouched.
func (d *Document) Apply(op Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("apply to document v%d: %w", d.seq, err)
	}
	if op.Position > len(d.text) || op.End() > len(d.text) {
		return &OutOfRangeError{Op: op, DocLen: len(d.text), Seq: d.seq}
	}
	switch op.Kind {
	case Insert:
		ins := []rune(op.Content)
		text := make([]rune, 0, len(d.text)+len(ins))
		text = append(text, d.text[:op.Position]...)
		text = append(text, ins...)
		d.text = append(text, d.text[op.Position:]...)
	case Delete:
		d.text = append(d.text[:op.Position], d.text[op.End():]...)
	}
	d.seq++
	return nil
}

// Snapshot returns an immutable copy of the current state.
func (d *Document) Snapshot() Snapshot {
	return Snapshot{Text: string(d.text), Seq: d.seq}
}

// Apply applies a sequence of operations to text and returns the result. It is
// the pure counterpart of Document.Apply.
func Apply(text string, ops ...Operation) (string, error) {
	d := NewDocument(Snapshot{Text: text})
	for _, op := range ops {
		if err := d.Apply(op); err != nil {
			return "", err
		}
	}
	return d.Text(), nil
}
