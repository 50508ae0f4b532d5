// Package devicetest provides transfer engines for exercising the pipeline
// without a device: a probe that counts and records every transfer and can
// inject failures.
package devicetest

import (
	"sync"

	"github.com/23skdu/longbow-abs/internal/device"
)

// Call records one transfer request as seen by the probe.
type Call struct {
	Direction device.Direction
	// Offset is the byte offset into global memory.
	Offset int
	Size   int
}

// Probe wraps a TransferEngine, recording every call in issue order.
type Probe struct {
	inner device.TransferEngine

	mu          sync.Mutex
	calls       []Call
	fail        func(Call) error
	failAtIssue bool
}

// ensure interface compliance
var _ device.TransferEngine = (*Probe)(nil)

// NewProbe wraps inner. A nil inner gets a fresh HostEngine.
func NewProbe(inner device.TransferEngine) *Probe {
	if inner == nil {
		inner = device.NewHostEngine()
	}
	return &Probe{inner: inner}
}

// FailWhen installs an injector. When fn returns a non-nil error for a call
// that call fails: at issue time if atIssue is set, otherwise from Wait.
// A failed call never reaches the wrapped engine.
func (p *Probe) FailWhen(fn func(Call) error, atIssue bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fn
	p.failAtIssue = atIssue
}

func (p *Probe) Load(dst []byte, src device.Buffer, off int) (device.Event, error) {
	if ev, err, failed := p.record(Call{Direction: device.DirectionLoad, Offset: off, Size: len(dst)}); failed {
		return ev, err
	}
	return p.inner.Load(dst, src, off)
}

func (p *Probe) Store(dst device.Buffer, off int, src []byte) (device.Event, error) {
	if ev, err, failed := p.record(Call{Direction: device.DirectionStore, Offset: off, Size: len(src)}); failed {
		return ev, err
	}
	return p.inner.Store(dst, off, src)
}

func (p *Probe) record(c Call) (device.Event, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, c)
	if p.fail == nil {
		return nil, nil, false
	}
	err := p.fail(c)
	if err == nil {
		return nil, nil, false
	}
	if p.failAtIssue {
		return nil, err, true
	}
	return failedEvent{err: err}, nil, true
}

// Calls returns a copy of every recorded call in issue order.
func (p *Probe) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Transfers returns the total number of transfers requested.
func (p *Probe) Transfers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *Probe) Loads() int {
	return p.count(device.DirectionLoad)
}

func (p *Probe) Stores() int {
	return p.count(device.DirectionStore)
}

func (p *Probe) count(dir device.Direction) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Direction == dir {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and any injector.
func (p *Probe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.fail = nil
	p.failAtIssue = false
}

type failedEvent struct {
	err error
}

func (ev failedEvent) Wait() error {
	return ev.err
}
