package device

import "sync"

// ScratchPool recycles scratch arenas between invocations so a steady stream
// of launches does not allocate. Arenas are not zeroed: every slot is
// overwritten by a load before it is read.
type ScratchPool struct {
	pool sync.Pool
}

// Scratch is the process-wide arena pool used by the pipeline.
var Scratch = &ScratchPool{}

// Get returns an arena of exactly n bytes.
func (p *ScratchPool) Get(n int) []byte {
	if v := p.pool.Get(); v != nil {
		buf := v.(*[]byte)
		if cap(*buf) >= n {
			scratchHits.Inc()
			return (*buf)[:n]
		}
	}
	scratchMisses.Inc()
	return make([]byte, n)
}

// Put returns an arena to the pool. The caller must not use it afterwards.
func (p *ScratchPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}
