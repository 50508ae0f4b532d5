package device

import (
	"fmt"
	"io"
)

// Buffer is a region of device global memory.
// Kernels never touch a Buffer directly; all access goes through a
// TransferEngine, which moves bytes between a Buffer and on-chip scratch.
type Buffer interface {
	// Len returns the size of the buffer in bytes. A typed nil buffer must
	// report zero so launches reject it instead of faulting.
	Len() int

	// ReadAt copies len(p) bytes starting at off into p.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt copies p into the buffer starting at off.
	WriteAt(p []byte, off int64) (int, error)
}

// Event is the completion handle of an asynchronous transfer.
type Event interface {
	// Wait blocks until the transfer has finished and reports its outcome.
	// Wait may be called more than once; every call returns the same error.
	Wait() error
}

// TransferEngine issues asynchronous copies between global memory and a
// unit's scratch memory. Issue errors (queue full, bad descriptor) are
// returned directly; failures of the copy itself surface from Event.Wait.
type TransferEngine interface {
	// Load copies len(dst) bytes from src at byte offset off into dst.
	Load(dst []byte, src Buffer, off int) (Event, error)

	// Store copies src into dst at byte offset off.
	Store(dst Buffer, off int, src []byte) (Event, error)
}

// Direction labels a transfer for metrics and error reporting.
type Direction int

const (
	DirectionLoad Direction = iota
	DirectionStore
)

func (d Direction) String() string {
	switch d {
	case DirectionLoad:
		return "load"
	case DirectionStore:
		return "store"
	default:
		return "unknown"
	}
}

// ensure interface compliance
var _ Buffer = (*HostBuffer)(nil)

// HostBuffer is a Buffer backed by ordinary host memory. It stands in for
// device global memory when the pipeline runs on a HostEngine or in tests.
type HostBuffer struct {
	data []byte
}

// NewHostBuffer allocates a zeroed buffer of n bytes.
func NewHostBuffer(n int) *HostBuffer {
	return &HostBuffer{data: make([]byte, n)}
}

// WrapHostBuffer wraps b without copying. The caller must not resize b while
// a kernel is using the buffer.
func WrapHostBuffer(b []byte) *HostBuffer {
	return &HostBuffer{data: b}
}

// Len reports the buffer size in bytes. A nil buffer has length zero.
func (b *HostBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Bytes returns the underlying memory.
func (b *HostBuffer) Bytes() []byte {
	return b.data
}

func (b *HostBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b.data)) {
		return 0, fmt.Errorf("read at %d: offset outside buffer of %d bytes", off, len(b.data))
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *HostBuffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d: outside buffer of %d bytes", len(p), off, len(b.data))
	}
	return copy(b.data[off:], p), nil
}
