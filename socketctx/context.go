// File: socketctx/context.go
// Author: momentics <momentics@gmail.com>
//
// SocketContext: one per potential connection (spec §3). Generalized from
// original_source/iocore/cluster/connection.cc's SocketContext struct into
// an arena-friendly Go type (DESIGN NOTES: "arena+index, not raw pointers"
// — callers hold a *Context obtained from a Pool, never construct one
// directly, and workers reference sockets by Slot, not by pointer, when
// crossing goroutine-ownership boundaries).

package socketctx

import (
	"sync/atomic"
	"time"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/queue"
	"github.com/momentics/clustermesh/wire"
)

// Role distinguishes which side of the TCP handshake a context plays.
type Role int

const (
	RoleClient Role = iota // initiator
	RoleServer              // acceptor
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ReaderState is the in-message reassembly state for one socket
// (spec §3 "In-message reassembly state"). Owned exclusively by framer,
// but lives here since it is part of the socket context's lifecycle.
type ReaderState struct {
	Buffer        api.Buffer // current backing buffer
	MsgHeaderOff  int        // offset of the in-progress frame header within Buffer (pre-parse only)
	BodyOff       int        // offset of the in-progress frame's body within Buffer (post-parse)
	Current       int        // write cursor
	BuffEnd       int        // valid-data end (== len(Buffer.Bytes()) after each read)
	RecvBodyBytes int        // body bytes already accounted for (this buffer + carried over)
	Blocks        []api.Buffer

	// PendingHeader carries the decoded header of the message currently
	// being reassembled across buffer spills/relocations.
	PendingHeader    wire.Header
	PendingHeaderSet bool
}

// Reset clears reassembly state, releasing any held blocks and buffer.
func (r *ReaderState) Reset() {
	for _, b := range r.Blocks {
		b.Release()
	}
	r.Blocks = nil
	if r.Buffer != nil {
		r.Buffer.Release()
		r.Buffer = nil
	}
	r.MsgHeaderOff = 0
	r.BodyOff = 0
	r.Current = 0
	r.BuffEnd = 0
	r.RecvBodyBytes = 0
	r.PendingHeaderSet = false
	r.PendingHeader = wire.Header{}
}

// Context is the engine's per-connection state record (spec §3).
type Context struct {
	Slot int // stable index into the owning Pool's arena

	Role Role
	FD   int // -1 when closed

	Worker int // index of the owning worker, set at pool-init (round robin)
	PeerIP uint32

	Queues [api.NumPriorities]*queue.Queue

	// version is incremented on every close; enqueues captured against a
	// stale version are rejected (spec §5).
	version atomic.Uint64

	Reader ReaderState

	PingStart     time.Time
	PingFailCount int
	PingInFlight  bool

	NextWriteDeadline time.Time
	NextPingDeadline  time.Time

	// Padding is a zeroed scratch region sized for the widest alignment pad
	// (spec §3, §9 open question: sender discretion, zero-filled here like
	// the original). The scheduler does not read it: it builds each padding
	// iovec from a freshly zeroed slice.
	Padding [8]byte

	// ResumePriority is the scheduler's resume index for this socket — the
	// priority to continue scanning from on the next write opportunity
	// (spec §4.3).
	ResumePriority int
}

func newContext(slot int, role Role) *Context {
	c := &Context{
		Slot: slot,
		Role: role,
		FD:   -1,
	}
	for i := range c.Queues {
		c.Queues[i] = queue.New()
	}
	return c
}

// Version returns the current monotonic close-generation counter.
func (c *Context) Version() uint64 {
	return c.version.Load()
}

// bumpVersion advances the version counter; called only by the pool on
// release (i.e. on close), never directly by callers.
func (c *Context) bumpVersion() {
	c.version.Add(1)
}

// reset clears per-connection state so the context is ready to be reused
// from a free list, without touching Slot/Role/Worker (fixed at pool init).
func (c *Context) reset() {
	c.FD = -1
	c.PeerIP = 0
	c.PingStart = time.Time{}
	c.PingFailCount = 0
	c.PingInFlight = false
	c.NextWriteDeadline = time.Time{}
	c.NextPingDeadline = time.Time{}
	c.ResumePriority = 0
	c.Reader.Reset()
	for _, q := range c.Queues {
		q.Clear()
	}
}
