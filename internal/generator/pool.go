package generator

import (
	"runtime/debug"
	"sync"
)

// memoryPool bounds the decoded-pixel bytes held by concurrent renders and
// recycles source-read scratch buffers. Reservations block when the limit
// is exhausted and drain before new decodes are admitted; a full drain after
// pressure triggers an explicit heap compaction so the freed pages go back
// to the OS instead of lingering in the Go heap.
type memoryPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	reserved  int64
	limit     int64
	pressured bool

	buffers chan []byte
	bufSize int
}

func newMemoryPool(limitBytes int64, poolSize, bufferSize int) *memoryPool {
	p := &memoryPool{
		limit:   limitBytes,
		buffers: make(chan []byte, poolSize),
		bufSize: bufferSize,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < poolSize; i++ {
		p.buffers <- make([]byte, 0, bufferSize)
	}
	return p
}

// Reserve blocks until n bytes fit under the limit. A single reservation
// larger than the whole limit is admitted once the pool is idle, so one
// oversized decode degrades throughput instead of deadlocking.
func (p *memoryPool) Reserve(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.reserved > 0 && p.reserved+n > p.limit {
		p.pressured = true
		p.cond.Wait()
	}
	p.reserved += n
}

func (p *memoryPool) Release(n int64) {
	p.mu.Lock()
	p.reserved -= n
	if p.reserved < 0 {
		p.reserved = 0
	}
	compact := p.reserved == 0 && p.pressured
	if compact {
		p.pressured = false
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	if compact {
		debug.FreeOSMemory()
	}
}

// Buffer hands out a zero-length scratch slice. When the freelist is empty
// a fresh slice is allocated rather than blocking a render on I/O scratch.
func (p *memoryPool) Buffer() []byte {
	select {
	case buf := <-p.buffers:
		return buf[:0]
	default:
		return make([]byte, 0, p.bufSize)
	}
}

// Recycle returns a scratch slice to the freelist. Slices grown past the
// pool's buffer size are dropped so the freelist cannot accumulate
// collection-sized allocations.
func (p *memoryPool) Recycle(buf []byte) {
	if cap(buf) != p.bufSize {
		return
	}
	select {
	case p.buffers <- buf:
	default:
	}
}
