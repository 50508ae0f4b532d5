// Package pipeline runs an N-stage software pipeline over the tiles of a
// sched.Plan. Each unit streams its tiles through a ring of scratch slots so
// that transfers between global and scratch memory overlap compute and each
// other.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-abs/internal/device"
	"github.com/23skdu/longbow-abs/internal/dtype"
	"github.com/23skdu/longbow-abs/internal/sched"
)

// Config selects the schedule and the scratch arena source for a run.
type Config struct {
	Schedule Schedule
	// Scratch defaults to device.Scratch.
	Scratch *device.ScratchPool
}

// OpError is a mid-flight failure, tagged with where it happened. It matches
// device.ErrOperationFailed as well as the underlying runtime error.
type OpError struct {
	Unit  int
	Tile  int
	Phase Phase
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("unit %d tile %d %s: %v", e.Unit, e.Tile, e.Phase, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{device.ErrOperationFailed, e.Err}
}

// Run streams every tile of plan from x through k.Abs into y. Units run
// concurrently; within a unit, tiles are stored in plan order. Run returns
// once every unit has drained. The first failure fails the whole run:
// remaining units stop at their next iteration and y is undefined.
//
// ctx carries tracing only; a run cannot be cancelled once started.
func Run(ctx context.Context, cfg Config, plan *sched.Plan, k dtype.Kernel, eng device.TransferEngine, x, y device.Buffer) error {
	if err := cfg.Schedule.Validate(); err != nil {
		return err
	}
	if plan.TileCount() == 0 {
		return nil
	}
	pool := cfg.Scratch
	if pool == nil {
		pool = device.Scratch
	}
	slotBytes := plan.Capacity * k.Width
	stages := strconv.Itoa(cfg.Schedule.Depth)

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, u := range plan.Active() {
		r := &unitRunner{
			unit:     u,
			schedule: cfg.Schedule,
			kernel:   k,
			eng:      eng,
			x:        x,
			y:        y,
			stages:   stages,
		}
		g.Go(func() error {
			arena := pool.Get(cfg.Schedule.Depth * slotBytes)
			defer pool.Put(arena)
			r.slots = newSlots(cfg.Schedule.Depth)
			for i := range r.slots {
				r.slots[i].Buf = arena[i*slotBytes : (i+1)*slotBytes]
			}
			return r.run(gctx)
		})
	}
	return g.Wait()
}

type unitRunner struct {
	unit     sched.UnitPlan
	schedule Schedule
	slots    []Slot
	kernel   dtype.Kernel
	eng      device.TransferEngine
	x, y     device.Buffer
	stages   string
}

func (r *unitRunner) run(ctx context.Context) error {
	// Nothing may still be writing into the arena when it goes back to the pool.
	defer r.drain()

	tiles := r.unit.Tiles
	depth := r.schedule.Depth
	for i := 0; i < len(tiles)+depth-1; i++ {
		if err := ctx.Err(); err != nil {
			// A sibling unit failed; its error is the one reported.
			return err
		}
		for _, op := range r.schedule.Ops {
			t := i - op.Lag
			if t < 0 || t >= len(tiles) {
				continue
			}
			if err := r.step(op.Phase, tiles[t]); err != nil {
				var te *transitionError
				if errors.As(err, &te) {
					panic(fmt.Sprintf("pipeline: schedule %s broke slot discipline: %v", r.schedule.Name, err))
				}
				log.Debug().
					Int("unit", r.unit.Unit).
					Int("tile", t).
					Str("phase", op.Phase.String()).
					Err(err).
					Msg("Pipeline unit failed")
				return &OpError{Unit: r.unit.Unit, Tile: t, Phase: op.Phase, Err: err}
			}
		}
	}
	tilesProcessed.WithLabelValues(r.stages).Add(float64(len(tiles)))
	return nil
}

func (r *unitRunner) step(phase Phase, tile sched.Tile) error {
	width := r.kernel.Width
	slot := &r.slots[tile.Index%len(r.slots)]
	buf := slot.Buf[:tile.Len*width]
	off := tile.Offset * width

	switch phase {
	case IssueLoad:
		return slot.apply(phase, tile.Index, func() error {
			ev, err := r.eng.Load(buf, r.x, off)
			if err != nil {
				return err
			}
			slot.pending = ev
			return nil
		})
	case Compute:
		return slot.apply(phase, tile.Index, func() error {
			r.kernel.Abs(buf, buf)
			return nil
		})
	case IssueStore:
		return slot.apply(phase, tile.Index, func() error {
			ev, err := r.eng.Store(r.y, off, buf)
			if err != nil {
				return err
			}
			slot.pending = ev
			return nil
		})
	case WaitLoad, WaitStore:
		return slot.apply(phase, tile.Index, func() error {
			start := time.Now()
			err := slot.pending.Wait()
			waitDuration.WithLabelValues(phase.String()).Observe(time.Since(start).Seconds())
			slot.pending = nil
			return err
		})
	}
	return slot.apply(phase, tile.Index, nil)
}

// drain waits for every transfer still in flight, ignoring their outcome.
func (r *unitRunner) drain() {
	for i := range r.slots {
		if ev := r.slots[i].pending; ev != nil {
			_ = ev.Wait()
			r.slots[i].pending = nil
		}
	}
}
