// File: framer/reader.go
// Author: momentics <momentics@gmail.com>
//
// Read-side framer: reassembles a byte stream into (header, body blocks)
// deliveries with no copies of body payload beyond what alignment requires
// (spec §4.2). Grounded on original_source/iocore/cluster/nio.cc's
// read_from_net message-reassembly loop, expressed over the teacher's
// zero-copy api.Buffer.Slice discipline instead of raw pointer arithmetic.

package framer

import (
	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/pool"
	"github.com/momentics/clustermesh/socketctx"
	"github.com/momentics/clustermesh/wire"
)

// RelocateThreshold is the minimum free buffer tail below which a partial
// header is relocated to a fresh buffer (spec §4.2 step 1, default 4 KiB).
const RelocateThreshold = 4096

// Deliver is invoked once a complete (header, blocks) pair has been
// reassembled. blocks concatenate to exactly header.DataLen bytes
// (spec §8 reassembly invariant); padding is never included.
type Deliver func(ctx *socketctx.Context, h wire.Header, blocks []api.Buffer) error

// Framer owns the buffer pool backing every socket's primary reader buffer.
type Framer struct {
	Pool        *pool.BufferPool
	PrimarySize int
	Deliver     Deliver
}

// New constructs a Framer with the given primary buffer size
// (proxy.config.cluster.read_buffer_size, spec §6, default 2 MiB).
func New(bp *pool.BufferPool, primarySize int, deliver Deliver) *Framer {
	return &Framer{Pool: bp, PrimarySize: primarySize, Deliver: deliver}
}

// ReadSlice returns the free capacity of ctx's current reader buffer that
// the next socket read should fill, allocating the primary buffer lazily.
func (f *Framer) ReadSlice(ctx *socketctx.Context) []byte {
	rs := &ctx.Reader
	if rs.Buffer == nil {
		rs.Buffer = f.Pool.Get(f.PrimarySize, -1)
		rs.MsgHeaderOff = 0
		rs.Current = 0
		rs.BuffEnd = len(rs.Buffer.Bytes())
	}
	return rs.Buffer.Bytes()[rs.Current:rs.BuffEnd]
}

// Feed records that n bytes were just read into the tail returned by the
// most recent ReadSlice call, then runs the reassembly loop, delivering
// zero or more complete frames. A non-nil error is a protocol error per
// spec §7 and the caller must close the socket.
func (f *Framer) Feed(ctx *socketctx.Context, n int) error {
	ctx.Reader.Current += n
	return f.process(ctx)
}

func (f *Framer) process(ctx *socketctx.Context) error {
	rs := &ctx.Reader

	for {
		if !rs.PendingHeaderSet {
			msgBytes := rs.Current - rs.MsgHeaderOff
			if msgBytes < wire.HeaderLen {
				if rs.BuffEnd-rs.Current < RelocateThreshold {
					f.relocateHeader(ctx)
				}
				return nil // await more data
			}

			h, err := wire.Decode(rs.Buffer.Bytes()[rs.MsgHeaderOff : rs.MsgHeaderOff+wire.HeaderLen])
			if err != nil {
				return err
			}
			rs.PendingHeader = h
			rs.PendingHeaderSet = true
			rs.BodyOff = rs.MsgHeaderOff + wire.HeaderLen
			rs.RecvBodyBytes = 0
		}

		h := rs.PendingHeader
		bodyInBuf := rs.Current - rs.BodyOff
		if bodyInBuf < 0 {
			bodyInBuf = 0
		}
		total := rs.RecvBodyBytes + bodyInBuf
		need := int(h.AlignedDataLen)

		if total < need {
			freeCap := rs.BuffEnd - rs.Current
			if freeCap+total >= need {
				return nil // buffer has room to hold the rest; await more reads
			}

			if h.FuncID.IsInternal() {
				// Oversized single-block frames must land in one contiguous
				// buffer (spec §4.2 step 4, §4.1).
				f.relocateBody(ctx, need)
				return nil
			}

			f.spill(ctx, bodyInBuf)
			return nil
		}

		// Complete: append the final body block (excluding padding).
		finalDataLen := int(h.DataLen) - rs.RecvBodyBytes
		var blocks []api.Buffer
		if finalDataLen > 0 {
			block := rs.Buffer.Slice(rs.BodyOff, rs.BodyOff+finalDataLen)
			rs.Blocks = append(rs.Blocks, block)
		}
		blocks = rs.Blocks
		rs.Blocks = nil

		consumedInBuf := need - rs.RecvBodyBytes
		rs.MsgHeaderOff = rs.BodyOff + consumedInBuf
		rs.RecvBodyBytes = 0
		rs.PendingHeaderSet = false

		if err := f.Deliver(ctx, h, blocks); err != nil {
			return err
		}
		// loop: try to parse the next message, preserving the same buffer.
	}
}

// spill appends the 8-byte-aligned portion of the body currently held in
// the buffer to the block chain, carries any unaligned remainder (at most
// Align-1 bytes) into a fresh buffer, and makes that fresh buffer the new
// primary (spec §4.2 step 4's spill branch), so every spill boundary falls
// on an 8-byte-aligned body offset.
func (f *Framer) spill(ctx *socketctx.Context, bodyInBuf int) {
	rs := &ctx.Reader

	spillLen := (bodyInBuf / wire.Align) * wire.Align
	if spillLen > 0 {
		block := rs.Buffer.Slice(rs.BodyOff, rs.BodyOff+spillLen)
		rs.Blocks = append(rs.Blocks, block)
		rs.RecvBodyBytes += spillLen
	}

	remainder := bodyInBuf - spillLen
	newBuf := f.Pool.Get(f.PrimarySize, -1)
	if remainder > 0 {
		copy(newBuf.Bytes(), rs.Buffer.Bytes()[rs.BodyOff+spillLen:rs.BodyOff+spillLen+remainder])
	}
	rs.Buffer.Release()
	rs.Buffer = newBuf
	rs.BodyOff = 0
	rs.MsgHeaderOff = 0
	rs.Current = remainder
	rs.BuffEnd = len(newBuf.Bytes())
}

// relocateHeader copies a not-yet-complete header's raw bytes to the head
// of a fresh, default-sized buffer (spec §4.2 step 1).
func (f *Framer) relocateHeader(ctx *socketctx.Context) {
	rs := &ctx.Reader

	carryLen := rs.Current - rs.MsgHeaderOff
	newBuf := f.Pool.Get(f.PrimarySize, -1)
	if carryLen > 0 {
		copy(newBuf.Bytes(), rs.Buffer.Bytes()[rs.MsgHeaderOff:rs.Current])
	}
	rs.Buffer.Release()
	rs.Buffer = newBuf
	rs.MsgHeaderOff = 0
	rs.Current = carryLen
	rs.BuffEnd = len(newBuf.Bytes())
}

// relocateBody carries an in-progress, non-fragmentable body (func_id < 0)
// to a fresh buffer sized to hold the rest of it contiguously
// (spec §4.2 step 4, §4.1).
func (f *Framer) relocateBody(ctx *socketctx.Context, need int) {
	rs := &ctx.Reader

	bodyInBuf := rs.Current - rs.BodyOff
	if bodyInBuf < 0 {
		bodyInBuf = 0
	}
	size := f.PrimarySize
	if wire.HeaderLen+need > size {
		size = wire.HeaderLen + need
	}
	newBuf := f.Pool.Get(size, -1)
	if bodyInBuf > 0 {
		copy(newBuf.Bytes(), rs.Buffer.Bytes()[rs.BodyOff:rs.Current])
	}
	rs.Buffer.Release()
	rs.Buffer = newBuf
	rs.BodyOff = 0
	rs.MsgHeaderOff = 0
	rs.Current = bodyInBuf
	rs.BuffEnd = len(newBuf.Bytes())
}
