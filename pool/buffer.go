// File: pool/buffer.go
// Author: momentics <momentics@gmail.com>
//
// Reference-counted, resliceable byte buffer implementing api.Buffer.
// Generalized from the teacher's bufferpool_linux.go linuxBuffer (single-
// owner recycle-on-Release) into a refcounted root so that a framer block
// chain (spec §4.2) can retain Slice()s of a buffer that has since been
// replaced as the socket's primary reader buffer — only the last release
// actually returns storage to the pool.

package pool

import (
	"sync/atomic"

	"github.com/momentics/clustermesh/api"
)

type rootBuffer struct {
	data     []byte
	numaNode int
	refs     atomic.Int32
	pool     *BufferPool
}

func (r *rootBuffer) release() {
	if r.refs.Add(-1) == 0 {
		r.pool.recycle(r)
	}
}

// view is an api.Buffer over a byte range of a rootBuffer.
type view struct {
	root *rootBuffer
	off  int
	len  int
}

// newView wraps an already-allocated root at full length; used by BufferPool.Get.
func newView(root *rootBuffer) *view {
	return &view{root: root, off: 0, len: len(root.data)}
}

func (v *view) Bytes() []byte {
	return v.root.data[v.off : v.off+v.len]
}

// Slice produces a sub-buffer in O(1); it takes a new reference on the
// shared root so the root is only recycled once every view is released.
func (v *view) Slice(from, to int) api.Buffer {
	if from < 0 || to > v.len || from > to {
		panic("pool: slice bounds out of range")
	}
	v.root.refs.Add(1)
	return &view{root: v.root, off: v.off + from, len: to - from}
}

func (v *view) Release() {
	v.root.release()
}

func (v *view) Copy() []byte {
	dst := make([]byte, v.len)
	copy(dst, v.Bytes())
	return dst
}

func (v *view) NUMANode() int {
	return v.root.numaNode
}
