package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/semaphore"
)

// ensure interface compliance
var _ TransferEngine = (*HostEngine)(nil)

// DefaultMaxInflight bounds concurrent copies on a HostEngine.
const DefaultMaxInflight = 8

// HostEngine is a TransferEngine that performs copies on goroutines in host
// memory. It lets the pipeline run, and be tested, on ordinary hardware.
type HostEngine struct {
	sem     *semaphore.Weighted
	latency time.Duration
}

type HostOption func(*HostEngine)

// WithLatency delays every transfer by d, to emulate DMA latency.
func WithLatency(d time.Duration) HostOption {
	return func(e *HostEngine) {
		e.latency = d
	}
}

// WithMaxInflight caps the number of copies executing at once.
func WithMaxInflight(n int) HostOption {
	return func(e *HostEngine) {
		if n < 1 {
			n = 1
		}
		e.sem = semaphore.NewWeighted(int64(n))
	}
}

func NewHostEngine(opts ...HostOption) *HostEngine {
	e := &HostEngine{
		sem: semaphore.NewWeighted(DefaultMaxInflight),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *HostEngine) Load(dst []byte, src Buffer, off int) (Event, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: load from nil buffer", ErrInvalidArgument)
	}
	if off < 0 || off+len(dst) > src.Len() {
		return nil, fmt.Errorf("%w: load of %d bytes at %d exceeds %d byte buffer",
			ErrInvalidArgument, len(dst), off, src.Len())
	}
	return e.issue(DirectionLoad, len(dst), func() error {
		n, err := src.ReadAt(dst, int64(off))
		if n == len(dst) && (err == nil || errors.Is(err, io.EOF)) {
			return nil
		}
		if err == nil {
			err = io.ErrShortBuffer
		}
		return err
	}), nil
}

func (e *HostEngine) Store(dst Buffer, off int, src []byte) (Event, error) {
	if dst == nil {
		return nil, fmt.Errorf("%w: store to nil buffer", ErrInvalidArgument)
	}
	if off < 0 || off+len(src) > dst.Len() {
		return nil, fmt.Errorf("%w: store of %d bytes at %d exceeds %d byte buffer",
			ErrInvalidArgument, len(src), off, dst.Len())
	}
	return e.issue(DirectionStore, len(src), func() error {
		n, err := dst.WriteAt(src, int64(off))
		if err == nil && n != len(src) {
			err = io.ErrShortWrite
		}
		return err
	}), nil
}

func (e *HostEngine) issue(dir Direction, size int, copyFn func() error) Event {
	ev := &hostEvent{done: make(chan struct{})}
	label := dir.String()
	transfersInflight.Inc()

	go func() {
		defer close(ev.done)
		defer transfersInflight.Dec()

		// Background context: transfers are never cancelled once issued.
		_ = e.sem.Acquire(context.Background(), 1)
		defer e.sem.Release(1)

		if e.latency > 0 {
			time.Sleep(e.latency)
		}
		if err := copyFn(); err != nil {
			transferErrors.WithLabelValues(label).Inc()
			ev.err = fmt.Errorf("%s of %d bytes: %w", label, size, err)
			return
		}
		transfersTotal.WithLabelValues(label).Inc()
		transferBytes.WithLabelValues(label).Add(float64(size))
	}()
	return ev
}

type hostEvent struct {
	done chan struct{}
	err  error
}

func (ev *hostEvent) Wait() error {
	<-ev.done
	return ev.err
}
