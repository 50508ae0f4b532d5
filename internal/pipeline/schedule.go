package pipeline

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-abs/internal/device"
)

// Phase is one step a tile goes through inside a unit.
type Phase int

const (
	IssueLoad Phase = iota
	WaitLoad
	Compute
	IssueStore
	WaitStore
	numPhases
)

func (p Phase) String() string {
	switch p {
	case IssueLoad:
		return "issue_load"
	case WaitLoad:
		return "wait_load"
	case Compute:
		return "compute"
	case IssueStore:
		return "issue_store"
	case WaitStore:
		return "wait_store"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Op runs Phase on the tile Lag iterations behind the newest one.
type Op struct {
	Phase Phase
	Lag   int
}

// Schedule is the per-iteration program of a software pipeline. In
// iteration i every op, in order, acts on tile i-Lag in slot
// (i-Lag) mod Depth. Depth is the number of rotating slots and equals the
// stage count.
type Schedule struct {
	Name  string
	Ops   []Op
	Depth int
}

// ThreeStage loads tile i while computing tile i-1 and storing tile i-2,
// then waits for both transfers before the next iteration.
var ThreeStage = mustSchedule("3-stage",
	Op{IssueLoad, 0},
	Op{Compute, 1},
	Op{IssueStore, 2},
	Op{WaitLoad, 0},
	Op{WaitStore, 2},
)

// FiveStage splits load and store into issue and wait phases one iteration
// apart, so up to two loads and two stores are in flight while a tile is
// computed. It needs five slots instead of three.
var FiveStage = mustSchedule("5-stage",
	Op{IssueLoad, 0},
	Op{WaitLoad, 1},
	Op{Compute, 2},
	Op{IssueStore, 3},
	Op{WaitStore, 4},
)

// ScheduleFor returns the built-in schedule with the given stage count.
func ScheduleFor(stages int) (Schedule, error) {
	switch stages {
	case 3:
		return ThreeStage, nil
	case 5:
		return FiveStage, nil
	}
	return Schedule{}, fmt.Errorf("%w: no %d-stage pipeline (want 3 or 5)", device.ErrInvalidArgument, stages)
}

// NewSchedule builds and validates a schedule. Depth is derived from the
// largest lag.
func NewSchedule(name string, ops ...Op) (Schedule, error) {
	s := Schedule{Name: name, Ops: ops}
	for _, op := range ops {
		s.Depth = max(s.Depth, op.Lag+1)
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func mustSchedule(name string, ops ...Op) Schedule {
	s, err := NewSchedule(name, ops...)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks that every phase appears exactly once and dry-runs the
// schedule over enough tiles to reach steady state and drain, rejecting any
// order that would compute before a load completes, store before compute,
// or reuse a slot before its store completes.
func (s Schedule) Validate() error {
	var seen [numPhases]int
	for _, op := range s.Ops {
		if op.Phase < 0 || op.Phase >= numPhases {
			return fmt.Errorf("%w: schedule %s: unknown phase %d", device.ErrInvalidArgument, s.Name, op.Phase)
		}
		if op.Lag < 0 {
			return fmt.Errorf("%w: schedule %s: negative lag for %s", device.ErrInvalidArgument, s.Name, op.Phase)
		}
		seen[op.Phase]++
	}
	var missing []string
	for p, n := range seen {
		if n != 1 {
			missing = append(missing, fmt.Sprintf("%s x%d", Phase(p), n))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: schedule %s: each phase must appear once (%s)",
			device.ErrInvalidArgument, s.Name, strings.Join(missing, ", "))
	}
	if s.Depth < 1 {
		return fmt.Errorf("%w: schedule %s: depth %d", device.ErrInvalidArgument, s.Name, s.Depth)
	}

	// Dry run: state transitions only.
	slots := newSlots(s.Depth)
	tiles := 3*s.Depth + 1
	for i := 0; i < tiles+s.Depth-1; i++ {
		for _, op := range s.Ops {
			t := i - op.Lag
			if t < 0 || t >= tiles {
				continue
			}
			if err := slots[t%s.Depth].apply(op.Phase, t, nil); err != nil {
				return fmt.Errorf("%w: schedule %s: iteration %d: %v", device.ErrInvalidArgument, s.Name, i, err)
			}
		}
	}
	for i := range slots {
		if slots[i].State != SlotEmpty {
			return fmt.Errorf("%w: schedule %s: slot %d left %s after drain",
				device.ErrInvalidArgument, s.Name, i, slots[i].State)
		}
	}
	return nil
}
