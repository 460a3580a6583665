// File: pool/bufferpool.go
// Author: momentics <momentics@gmail.com>
//
// Fixed-size, reference-counted buffer pool. Generalized from the
// teacher's BufferPoolManager (per-NUMA-node map of pools) into a single
// pool per configured buffer size — this engine targets a fixed primary
// reader-buffer size (spec §4.2, default 2 MiB) and a fixed send-buffer
// size, not a per-NUMA-node allocation scheme.

package pool

import (
	"github.com/momentics/clustermesh/api"
)

// BufferPool hands out fixed-size, reference-counted api.Buffer instances,
// recycling fully-released roots through a bounded free list.
type BufferPool struct {
	size    int
	free    chan *rootBuffer
	numaTag int
}

// NewBufferPool creates a pool of buffers of exactly size bytes. capacity
// bounds the number of recycled roots retained; beyond it, excess releases
// are simply dropped for GC instead of blocking the caller.
func NewBufferPool(size, capacity int) *BufferPool {
	if capacity <= 0 {
		capacity = 64
	}
	return &BufferPool{
		size:    size,
		free:    make(chan *rootBuffer, capacity),
		numaTag: -1,
	}
}

// Get returns a buffer of at least size bytes. numaPreferred is accepted
// for api.BufferPool compatibility but otherwise ignored — this pool is
// NUMA-agnostic by design (see DESIGN.md).
func (p *BufferPool) Get(size int, numaPreferred int) api.Buffer {
	if size <= 0 {
		size = p.size
	}
	select {
	case root := <-p.free:
		if cap(root.data) < size {
			root.data = make([]byte, size)
		} else {
			root.data = root.data[:size]
		}
		root.refs.Store(1)
		return newView(root)
	default:
		root := &rootBuffer{
			data:     make([]byte, size),
			numaNode: p.numaTag,
			pool:     p,
		}
		root.refs.Store(1)
		return newView(root)
	}
}

// Put releases a buffer obtained from this pool back to it.
func (p *BufferPool) Put(b api.Buffer) {
	b.Release()
}

// Stats reports pool occupancy; the figure is best-effort since roots may
// be held by in-flight block chains.
func (p *BufferPool) Stats() api.BufferPoolStats {
	return api.BufferPoolStats{
		InUse: int64(len(p.free)),
	}
}

func (p *BufferPool) recycle(root *rootBuffer) {
	select {
	case p.free <- root:
	default:
		// free list full; let GC reclaim this root.
	}
}
