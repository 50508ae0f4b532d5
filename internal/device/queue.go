package device

import (
	"fmt"
	"sync"
)

// Config describes the on-chip resources available to each unit.
type Config struct {
	// ScratchBytes is the per-unit on-chip scratch budget shared by all
	// pipeline slots.
	ScratchBytes int
	// AlignBytes is the alignment every slot must respect.
	AlignBytes int
	// CoresPerCluster is used to validate union launches.
	CoresPerCluster int
}

// DefaultConfig returns a conservative budget that fits the smallest parts
// in the family. Tune it for the target device.
func DefaultConfig() Config {
	return Config{
		ScratchBytes:    512 << 10,
		AlignBytes:      128,
		CoresPerCluster: 4,
	}
}

func (c Config) Validate() error {
	if c.ScratchBytes <= 0 {
		return fmt.Errorf("%w: scratch budget %d bytes", ErrInvalidArgument, c.ScratchBytes)
	}
	if c.AlignBytes <= 0 {
		return fmt.Errorf("%w: alignment %d bytes", ErrInvalidArgument, c.AlignBytes)
	}
	if c.CoresPerCluster <= 0 {
		return fmt.Errorf("%w: %d cores per cluster", ErrInvalidArgument, c.CoresPerCluster)
	}
	return nil
}

// Queue is an ordered submission channel owned by the caller. Launches on
// one queue run one after another; the first mid-flight failure is kept and
// reported by Sync, the same way a device runtime reports queue errors.
type Queue struct {
	mu     sync.Mutex
	engine TransferEngine
	cfg    Config
	err    error
}

// NewQueue binds a transfer engine and a resource budget into a queue.
func NewQueue(engine TransferEngine, cfg Config) (*Queue, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil transfer engine", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Queue{engine: engine, cfg: cfg}, nil
}

func (q *Queue) Engine() TransferEngine {
	return q.engine
}

func (q *Queue) Config() Config {
	return q.cfg
}

// Submit runs fn as the next launch on the queue and blocks until it
// returns. A failure is returned to the caller and also latched for Sync.
func (q *Queue) Submit(name string, fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := fn()
	if err != nil && q.err == nil {
		q.err = fmt.Errorf("%s: %w", name, err)
	}
	return err
}

// Sync returns the first error latched since the previous Sync and clears it.
func (q *Queue) Sync() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.err
	q.err = nil
	return err
}
