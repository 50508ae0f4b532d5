package pipeline

import (
	"fmt"

	"github.com/23skdu/longbow-abs/internal/device"
)

// SlotState tracks one rotating scratch buffer through a tile's traversal.
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotLoading
	SlotLoaded
	SlotComputing
	SlotComputed
	SlotStoring
	SlotDone
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotLoading:
		return "loading"
	case SlotLoaded:
		return "loaded"
	case SlotComputing:
		return "computing"
	case SlotComputed:
		return "computed"
	case SlotStoring:
		return "storing"
	case SlotDone:
		return "done"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// Slot is a reusable scratch buffer owned by at most one in-flight tile.
type Slot struct {
	State SlotState
	// Tile is the index of the tile occupying the slot, -1 when empty.
	Tile int
	Buf  []byte

	pending device.Event
}

func newSlots(depth int) []Slot {
	slots := make([]Slot, depth)
	for i := range slots {
		slots[i].Tile = -1
	}
	return slots
}

// transitionError reports a phase applied to a slot in the wrong state. It
// only arises from a broken schedule.
type transitionError struct {
	phase Phase
	tile  int
	msg   string
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("%s tile %d: %s", e.phase, e.tile, e.msg)
}

// apply checks that phase is legal for the slot, runs do (which may be nil),
// and on success moves the slot to the phase's resulting state. An error
// from do leaves the state unchanged and is returned as is.
func (s *Slot) apply(phase Phase, tile int, do func() error) error {
	var from, to SlotState
	switch phase {
	case IssueLoad:
		from, to = SlotEmpty, SlotLoading
	case WaitLoad:
		from, to = SlotLoading, SlotLoaded
	case Compute:
		from, to = SlotLoaded, SlotComputed
	case IssueStore:
		from, to = SlotComputed, SlotStoring
	case WaitStore:
		from, to = SlotStoring, SlotDone
	default:
		return &transitionError{phase, tile, "unknown phase"}
	}

	if s.State != from {
		return &transitionError{phase, tile, fmt.Sprintf("slot is %s, need %s", s.State, from)}
	}
	if phase != IssueLoad && s.Tile != tile {
		return &transitionError{phase, tile, fmt.Sprintf("slot holds tile %d", s.Tile)}
	}

	if phase == Compute {
		s.State = SlotComputing
	}
	if do != nil {
		if err := do(); err != nil {
			if phase == Compute {
				s.State = from
			}
			return err
		}
	}

	s.State = to
	switch phase {
	case IssueLoad:
		s.Tile = tile
	case WaitStore:
		// Done: the slot is free for the next tile.
		s.recycle()
	}
	return nil
}

func (s *Slot) recycle() {
	s.State = SlotEmpty
	s.Tile = -1
	s.pending = nil
}
