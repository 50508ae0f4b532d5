// Package abs provides the element-wise absolute value kernels. Both entry
// points compute y[i] = |x[i]| for i in [0, num) and differ only in how
// deeply transfers are pipelined against compute.
package abs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-abs/internal/cache"
	"github.com/23skdu/longbow-abs/internal/device"
	"github.com/23skdu/longbow-abs/internal/dtype"
	"github.com/23skdu/longbow-abs/internal/pipeline"
	"github.com/23skdu/longbow-abs/internal/sched"
)

var tracer = otel.Tracer("longbow-abs/kernels")

// plans is shared by every launch in the process.
var plans = cache.NewMapCache(0)

// Kernel3StagePipelineAbs overlaps the load of tile i+1 with the compute of
// tile i and the store of tile i-1, waiting for both transfers at the end of
// every iteration.
func Kernel3StagePipelineAbs(ctx context.Context, dim device.Dim3, ft device.FunctionType, q *device.Queue,
	t dtype.DataType, x, y device.Buffer, num int) error {
	return launch(ctx, pipeline.ThreeStage, dim, ft, q, t, x, y, num)
}

// Kernel5StagePipelineAbs splits every transfer into an issue and a wait
// phase so that two loads and two stores can be in flight per unit. It trades
// two extra scratch slots for deeper overlap.
func Kernel5StagePipelineAbs(ctx context.Context, dim device.Dim3, ft device.FunctionType, q *device.Queue,
	t dtype.DataType, x, y device.Buffer, num int) error {
	return launch(ctx, pipeline.FiveStage, dim, ft, q, t, x, y, num)
}

// Launch runs abs with the stage count chosen at runtime (3 or 5).
func Launch(ctx context.Context, stages int, dim device.Dim3, ft device.FunctionType, q *device.Queue,
	t dtype.DataType, x, y device.Buffer, num int) error {
	s, err := pipeline.ScheduleFor(stages)
	if err != nil {
		return err
	}
	return launch(ctx, s, dim, ft, q, t, x, y, num)
}

func launch(ctx context.Context, s pipeline.Schedule, dim device.Dim3, ft device.FunctionType, q *device.Queue,
	t dtype.DataType, x, y device.Buffer, num int) (err error) {
	ctx, span := tracer.Start(ctx, "abs."+s.Name, trace.WithAttributes(
		attribute.String("dtype", t.String()),
		attribute.Int("num", num),
		attribute.String("grid", dim.String()),
		attribute.String("func", ft.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		launchesTotal.WithLabelValues(s.Name, t.String(), result).Inc()
		launchDuration.WithLabelValues(s.Name).Observe(time.Since(start).Seconds())
	}()

	k, err := dtype.Lookup(t)
	if err != nil {
		return err
	}
	if err := validate(dim, ft, q, k, x, y, num); err != nil {
		return err
	}

	cfg := q.Config()
	capacity, err := sched.Capacity(cfg.ScratchBytes, s.Depth, k.Width, cfg.AlignBytes)
	if err != nil {
		return err
	}
	plan, err := cache.Plan(plans, cache.Key{Num: num, Units: dim.Units(), Capacity: capacity})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("tiles", plan.TileCount()), attribute.Int("capacity", capacity))

	log.Debug().
		Str("kernel", s.Name).
		Str("dtype", t.String()).
		Int("num", num).
		Int("units", dim.Units()).
		Int("capacity", capacity).
		Int("tiles", plan.TileCount()).
		Msg("Launching abs")

	err = q.Submit("abs "+s.Name, func() error {
		return pipeline.Run(ctx, pipeline.Config{Schedule: s}, plan, k, q.Engine(), x, y)
	})
	if err != nil {
		return err
	}
	elementsTotal.WithLabelValues(t.String()).Add(float64(num))
	return nil
}

// validate runs every pre-launch check. Aliasing between x and y is not
// detected; callers must not pass overlapping buffers.
func validate(dim device.Dim3, ft device.FunctionType, q *device.Queue, k dtype.Kernel, x, y device.Buffer, num int) error {
	if num < 0 {
		return fmt.Errorf("%w: negative element count %d", device.ErrInvalidArgument, num)
	}
	if q == nil {
		return fmt.Errorf("%w: nil queue", device.ErrInvalidArgument)
	}
	if x == nil || y == nil {
		return fmt.Errorf("%w: nil input or output buffer", device.ErrInvalidArgument)
	}
	// compare in elements so num*width cannot overflow
	if num > x.Len()/k.Width {
		return fmt.Errorf("%w: input holds %d bytes, too few for %d %s elements",
			device.ErrInvalidArgument, x.Len(), num, k.Type)
	}
	if num > y.Len()/k.Width {
		return fmt.Errorf("%w: output holds %d bytes, too few for %d %s elements",
			device.ErrInvalidArgument, y.Len(), num, k.Type)
	}
	return device.ValidateLaunch(dim, ft, q.Config().CoresPerCluster)
}
