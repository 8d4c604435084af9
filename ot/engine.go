package ot

import "fmt"

// Engine abstracts the OT collaboration algorithm.
// Different algorithms (Jupiter, Wave, etc.) implement this interface.
type Engine interface {
	// TransformIncoming transforms a client operation against every server
	// operation applied since the client's base state, in order. The result
	// applies to the current server state; it may be empty when the operation
	// was entirely absorbed by concurrent edits.
	TransformIncoming(op Operation, concurrent []Operation) ([]Operation, error)
}

// JupiterEngine implements the Jupiter OT algorithm.
// It sequentially transforms the incoming operation against each
// server operation the client hasn't seen.
type JupiterEngine struct{}

func (e *JupiterEngine) TransformIncoming(op Operation, concurrent []Operation) ([]Operation, error) {
	pieces := []Operation{op}
	for i, applied := range concurrent {
		var err error
		pieces, _, err = TransformSeq(pieces, []Operation{applied})
		if err != nil {
			return nil, fmt.Errorf("transform against concurrent[%d] %s: %w", i, applied, err)
		}
		if len(pieces) == 0 {
			return nil, nil
		}
	}
	return pieces, nil
}
