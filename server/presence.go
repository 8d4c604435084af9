package server

import (
	"sort"
	"time"

	"github.com/alimasry/docsync/ot"
)

// Presence tracks the cursor and selection of every participant in a
// session. It is owned by the session goroutine and is not safe for
// concurrent use.
type Presence struct {
	entries map[string]*PresenceEntry
	now     func() time.Time
}

func NewPresence() *Presence {
	return &Presence{entries: make(map[string]*PresenceEntry), now: time.Now}
}

// Update records a new cursor for participant and returns the stored entry.
// Positions are clamped to [0, docLen].
func (p *Presence) Update(participant string, pos int, sel *Range, docLen int) PresenceEntry {
	e := &PresenceEntry{
		ParticipantID: participant,
		Position:      clamp(pos, docLen),
		LastUpdated:   p.now(),
	}
	if sel != nil {
		start, end := clamp(sel.Start, docLen), clamp(sel.End, docLen)
		if start > end {
			start, end = end, start
		}
		e.Selection = &Range{Start: start, End: end}
	}
	p.entries[participant] = e
	return e.copy()
}

// Remove forgets participant and reports whether it had an entry.
func (p *Presence) Remove(participant string) bool {
	_, ok := p.entries[participant]
	delete(p.entries, participant)
	return ok
}

func (p *Presence) get(participant string) (PresenceEntry, bool) {
	e, ok := p.entries[participant]
	if !ok {
		return PresenceEntry{}, false
	}
	return e.copy(), true
}

// List returns all entries ordered by participant.
func (p *Presence) List() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Shift moves every cursor and selection through an applied operation so
// they keep pointing at the same text. LastUpdated is left alone.
func (p *Presence) Shift(op ot.Operation) {
	for _, e := range p.entries {
		e.Position = ot.TransformCursor(e.Position, op)
		if e.Selection != nil {
			e.Selection.Start = ot.TransformCursor(e.Selection.Start, op)
			e.Selection.End = ot.TransformCursor(e.Selection.End, op)
		}
	}
}

func (e *PresenceEntry) copy() PresenceEntry {
	out := *e
	if e.Selection != nil {
		sel := *e.Selection
		out.Selection = &sel
	}
	return out
}

func clamp(pos, n int) int {
	return max(0, min(pos, n))
}
