// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
//
// Priority-scheduled scatter-gather send scheduler (spec §4.3). Generalized
// from original_source/iocore/cluster/nio.cc's deal_write_event: the same
// resume-index/priority-scan/writev-classify structure, rebuilt over
// golang.org/x/sys/unix.Writev and the engine's queue.Queue/api.Buffer
// instead of raw iovec arrays and intrusive message lists.

package scheduler

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/queue"
	"github.com/momentics/clustermesh/socketctx"
	"github.com/momentics/clustermesh/wire"
)

// Batch-build caps (spec §4.3 "Scatter-gather build"). The original
// implementation's WRITEV_ITEM_ONCE/WRITEV_ARRAY_SIZE/WRITE_MAX_COMBINE_BYTES
// are compile-time constants in original_source/iocore/cluster/nio.cc with
// values set by the build's Makefile, not visible in the retrieved source;
// these are engine-chosen equivalents sized for a 2 MiB primary buffer.
const (
	// WritevItemOnce bounds the number of messages inspected per priority
	// per batch.
	WritevItemOnce = 32
	// WritevArraySize bounds the number of iovec entries per writev call
	// (reserve headroom below Linux's IOV_MAX of 1024).
	WritevArraySize = 64
	// WriteMaxCombineBytes bounds the total bytes assembled per batch.
	WriteMaxCombineBytes = 256 << 10
)

// Result classifies the outcome of one Write call (spec §4.3 "Issue writev").
type Result int

const (
	// ResultProgress means some or all assembled bytes were written; call
	// Write again if there is more queued.
	ResultProgress Result = iota
	// ResultNoProgress means EAGAIN/EWOULDBLOCK; the socket isn't writable.
	ResultNoProgress
	// ResultRetry means EINTR; call Write again immediately.
	ResultRetry
	// ResultPeerClosed means writev returned 0.
	ResultPeerClosed
	// ResultFatal means an unrecoverable write error; the socket must close.
	ResultFatal
	// ResultIdle means there was nothing queued to send.
	ResultIdle
)

type fragmentKind int

const (
	fragHeader fragmentKind = iota
	fragData
	fragPadding
)

// entry tracks which (priority, message) an assembled iovec slice belongs
// to, so a partial writev's byte count can be distributed back across
// messages in order (spec §4.3 "distribute the written bytes").
type entry struct {
	priority api.Priority
	msg      *queue.Message
	kind     fragmentKind
	length   int
}

// Scheduler issues scatter-gather writes for one socket context, honoring
// priority order and the resume-index partial-message invariant.
type Scheduler struct{}

// New constructs a Scheduler. It is stateless; all mutable state lives on
// the socketctx.Context being scheduled.
func New() *Scheduler { return &Scheduler{} }

// Write assembles and issues one batch for ctx, returning how it went.
// bytesWritten is the number of bytes actually transmitted this call.
func (s *Scheduler) Write(ctx *socketctx.Context, fd int) (Result, int) {
	iovs, entries, totalBytes := s.buildBatch(ctx)
	if len(iovs) == 0 {
		return ResultIdle, 0
	}

	n, err := unix.Writev(fd, iovs)
	switch {
	case err == nil && n == 0:
		return ResultPeerClosed, 0
	case err != nil:
		switch {
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			return ResultNoProgress, 0
		case errors.Is(err, unix.EINTR):
			return ResultRetry, 0
		default:
			return ResultFatal, 0
		}
	}

	s.distribute(ctx, entries, n, totalBytes)
	if n == totalBytes {
		return ResultProgress, n
	}
	return ResultProgress, n
}

// buildBatch walks ctx's three priority queues starting from the resume
// index, assembling iovecs up to the batch caps (spec §4.3).
func (s *Scheduler) buildBatch(ctx *socketctx.Context) ([][]byte, []entry, int) {
	var iovs [][]byte
	var entries []entry
	totalBytes := 0
	totalMsgs := 0

	resume := api.Priority(ctx.ResumePriority)

	order := s.scanOrder(resume)
	first := true
	for _, pr := range order {
		q := ctx.Queues[pr]
		msgs := q.Snapshot()

		start := 0
		onlyHead := false
		if first && pr == resume {
			// Resuming mid-queue: take exactly one head message to finish it
			// (spec §4.3 "if resuming mid-queue, take exactly one head
			// message").
			onlyHead = len(msgs) > 0 && msgs[0].BytesSent > 0
		}
		first = false

		for i := start; i < len(msgs); i++ {
			msg := msgs[i]
			if msg.Done() {
				continue
			}

			added := s.appendMessageIovecs(&iovs, &entries, pr, msg)
			for _, e := range entries[len(entries)-added:] {
				totalBytes += e.length
			}
			totalMsgs++

			if totalMsgs >= WritevItemOnce ||
				len(iovs) >= WritevArraySize-2 ||
				totalBytes >= WriteMaxCombineBytes {
				return iovs, entries, totalBytes
			}
			if onlyHead {
				break
			}
		}
	}

	return iovs, entries, totalBytes
}

// scanOrder returns priorities in scan order starting at resume
// (spec §4.3: "Scan priorities in order starting from the queue that held
// the last partially-sent message"). This wraps resume..resume+2 rather
// than always restarting the 3-slot scan at HIGH, so a batch resuming
// mid-LOW goes straight to LOW instead of spending its one allowed head
// message revisiting HIGH/MID first (see DESIGN.md). One consequence:
// if that resumed LOW message finishes and HIGH/MID still have combine-
// byte budget left in this same batch, buildBatch does not loop back to
// spend it — that leftover budget is picked up on the scheduler's next
// Write() call instead, since each call computes a fresh scanOrder.
func (s *Scheduler) scanOrder(resume api.Priority) []api.Priority {
	all := []api.Priority{api.PriorityHigh, api.PriorityMid, api.PriorityLow}
	out := make([]api.Priority, 0, len(all))
	idx := int(resume)
	if idx < 0 || idx >= len(all) {
		idx = 0
	}
	out = append(out, all[idx])
	for i := 1; i < len(all); i++ {
		out = append(out, all[(idx+i)%len(all)])
	}
	return out
}

// appendMessageIovecs appends the remaining header/body/padding fragments
// of msg as iovec entries, returning how many were added.
func (s *Scheduler) appendMessageIovecs(iovs *[][]byte, entries *[]entry, pr api.Priority, msg *queue.Message) int {
	added := 0
	bytesSent := int(msg.BytesSent)

	if bytesSent < wire.HeaderLen {
		hdr := make([]byte, wire.HeaderLen)
		wire.Encode(msg.Header, hdr) //nolint:errcheck // header already validated at enqueue
		frag := hdr[bytesSent:]
		*iovs = append(*iovs, frag)
		*entries = append(*entries, entry{priority: pr, msg: msg, kind: fragHeader, length: len(frag)})
		added++
	}

	total := int(msg.Header.TotalLen())
	remain := total - bytesSent
	if remain <= 0 {
		return added
	}

	padLen := int(msg.Header.PaddingLen())
	remainData := remain - padLen
	if bytesSent < wire.HeaderLen {
		remainData = int(msg.Header.AlignedDataLen) - padLen
	}

	if remainData > 0 {
		if msg.Source == queue.SourceObject {
			off := int(msg.Header.DataLen) - remainData
			consumed := 0
			for _, blk := range msg.Blocks {
				data := blk.Bytes()
				if consumed+len(data) <= off {
					consumed += len(data)
					continue
				}
				start := 0
				if off > consumed {
					start = off - consumed
				}
				frag := data[start:]
				*iovs = append(*iovs, frag)
				*entries = append(*entries, entry{priority: pr, msg: msg, kind: fragData, length: len(frag)})
				added++
				consumed += len(data)
			}
		} else {
			start := int(msg.Header.DataLen) - remainData
			frag := msg.Inline[start:msg.Header.DataLen]
			*iovs = append(*iovs, frag)
			*entries = append(*entries, entry{priority: pr, msg: msg, kind: fragData, length: len(frag)})
			added++
		}
	}

	padRemain := padLen
	if remain < padRemain {
		padRemain = remain // a partial writev can stop inside the padding
	}
	if padRemain > 0 {
		frag := make([]byte, padRemain)
		*iovs = append(*iovs, frag)
		*entries = append(*entries, entry{priority: pr, msg: msg, kind: fragPadding, length: padRemain})
		added++
	}

	return added
}

// distribute applies n written bytes across entries in order, advancing
// each message's BytesSent, then updates the resume index (spec §4.3
// "Completion").
func (s *Scheduler) distribute(ctx *socketctx.Context, entries []entry, n int, totalBytes int) {
	remain := n
	lastIncomplete := -1

	for i, e := range entries {
		if remain <= 0 {
			lastIncomplete = i
			break
		}
		take := e.length
		if take > remain {
			take = remain
		}
		e.msg.BytesSent += uint32(take)
		remain -= take
		if take < e.length {
			lastIncomplete = i
			break
		}
	}

	if lastIncomplete == -1 {
		ctx.ResumePriority = int(api.PriorityHigh)
	} else {
		ctx.ResumePriority = int(entries[lastIncomplete].priority)
	}

	for _, pr := range []api.Priority{api.PriorityHigh, api.PriorityMid, api.PriorityLow} {
		ctx.Queues[pr].DetachDone()
	}
}

// PushToSendQueue enqueues msg at the tail of ctx's priority-pr queue,
// rejecting stale or closed sockets (spec §4.3: "rejects with EINVAL if the
// socket's current version differs ... or if the socket fd is closed").
func PushToSendQueue(ctx *socketctx.Context, pr api.Priority, msg *queue.Message) error {
	if ctx.FD < 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "scheduler: socket closed")
	}
	if msg.Version != ctx.Version() {
		return api.NewError(api.ErrCodeStaleSession, "scheduler: stale socket version").
			WithContext("msg_version", msg.Version).WithContext("ctx_version", ctx.Version())
	}
	ctx.Queues[pr].PushBack(msg)
	return nil
}

// InsertIntoSendQueueHead enqueues msg at the head of ctx's priority-pr
// queue for urgent internal frames (ping, control), preserving the
// in-flight-head invariant (spec §4.3 "insert at head").
func InsertIntoSendQueueHead(ctx *socketctx.Context, pr api.Priority, msg *queue.Message) error {
	if ctx.FD < 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "scheduler: socket closed")
	}
	if msg.Version != ctx.Version() {
		return api.NewError(api.ErrCodeStaleSession, "scheduler: stale socket version").
			WithContext("msg_version", msg.Version).WithContext("ctx_version", ctx.Version())
	}
	ctx.Queues[pr].PushHead(msg)
	return nil
}
