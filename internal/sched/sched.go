// Package sched partitions a flat extent of elements across units and splits
// each unit's range into scratch-sized tiles.
package sched

import (
	"fmt"

	"github.com/23skdu/longbow-abs/internal/device"
)

// Tile is a contiguous slice of a unit's range. Offset is global, in
// elements.
type Tile struct {
	Index  int
	Offset int
	Len    int
}

// UnitPlan is the contiguous range assigned to one unit and its tiles.
type UnitPlan struct {
	Unit   int
	Offset int
	Len    int
	Tiles  []Tile
}

// Plan is the immutable partition of one launch. It is safe to share between
// concurrent launches with the same shape.
type Plan struct {
	Num      int
	Capacity int
	Units    []UnitPlan
}

// NewPlan splits num elements across units so that unit ranges are disjoint,
// in order, cover [0, num) exactly and differ in length by at most one. The
// first num%units units take the extra element. Each range is cut into tiles
// of capacity elements; only the last tile of a unit may be shorter.
func NewPlan(num, units, capacity int) (*Plan, error) {
	if num < 0 {
		return nil, fmt.Errorf("%w: negative element count %d", device.ErrInvalidArgument, num)
	}
	if units < 1 {
		return nil, fmt.Errorf("%w: unit count %d", device.ErrInvalidArgument, units)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: scratch capacity %d elements", device.ErrInvalidArgument, capacity)
	}

	base := num / units
	rem := num % units

	p := &Plan{
		Num:      num,
		Capacity: capacity,
		Units:    make([]UnitPlan, units),
	}
	offset := 0
	for u := 0; u < units; u++ {
		n := base
		if u < rem {
			n++
		}
		p.Units[u] = UnitPlan{
			Unit:   u,
			Offset: offset,
			Len:    n,
			Tiles:  tile(offset, n, capacity),
		}
		offset += n
	}
	return p, nil
}

func tile(offset, n, capacity int) []Tile {
	if n == 0 {
		return nil
	}
	count := (n + capacity - 1) / capacity
	tiles := make([]Tile, count)
	for i := range tiles {
		start := i * capacity
		tiles[i] = Tile{
			Index:  i,
			Offset: offset + start,
			Len:    min(capacity, n-start),
		}
	}
	return tiles
}

// TileCount returns the number of tiles across all units.
func (p *Plan) TileCount() int {
	n := 0
	for _, u := range p.Units {
		n += len(u.Tiles)
	}
	return n
}

// Active returns the units that have at least one element.
func (p *Plan) Active() []UnitPlan {
	out := make([]UnitPlan, 0, len(p.Units))
	for _, u := range p.Units {
		if u.Len > 0 {
			out = append(out, u)
		}
	}
	return out
}

// Capacity returns how many elements of width bytes fit in one of slots
// pipeline slots carved out of scratchBytes, with every slot aligned to
// alignBytes. A budget too small for a single element is a configuration
// error.
func Capacity(scratchBytes, slots, width, alignBytes int) (int, error) {
	if scratchBytes <= 0 || slots <= 0 || width <= 0 || alignBytes <= 0 {
		return 0, fmt.Errorf("%w: scratch %d bytes, %d slots, width %d, align %d",
			device.ErrInvalidArgument, scratchBytes, slots, width, alignBytes)
	}
	slotBytes := scratchBytes / slots
	if slotBytes >= alignBytes {
		slotBytes -= slotBytes % alignBytes
	}
	capacity := slotBytes / width
	if capacity < 1 {
		return 0, fmt.Errorf("%w: %d byte scratch cannot hold one %d-byte element in each of %d slots",
			device.ErrInvalidArgument, scratchBytes, width, slots)
	}
	return capacity, nil
}
