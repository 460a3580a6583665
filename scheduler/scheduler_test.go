//go:build linux

package scheduler_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/queue"
	"github.com/momentics/clustermesh/scheduler"
	"github.com/momentics/clustermesh/socketctx"
	"github.com/momentics/clustermesh/wire"
)

func newSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func inlineMessage(version uint64, funcID wire.FuncID, body []byte) *queue.Message {
	h := wire.NewHeader(funcID, uint32(len(body)), wire.NoSession(0), 1)
	m := &queue.Message{Header: h, Source: queue.SourceInline, Version: version, EnqueuedAt: time.Unix(0, 0)}
	copy(m.Inline[:], body)
	return m
}

func drainAll(t *testing.T, s *scheduler.Scheduler, ctx *socketctx.Context, fd int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		res, _ := s.Write(ctx, fd)
		if res == scheduler.ResultIdle {
			return
		}
		if res == scheduler.ResultFatal || res == scheduler.ResultPeerClosed {
			t.Fatalf("unexpected result: %v", res)
		}
	}
	t.Fatalf("did not drain to idle within 100 rounds")
}

func TestPushRejectsStaleVersion(t *testing.T) {
	p, err := socketctx.New(2, 2, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ctx, err := p.Acquire(0x0a000001, socketctx.RoleClient)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx.FD = 3 // any non-negative placeholder; Write() isn't exercised here

	msg := inlineMessage(ctx.Version()+1, 7, []byte("x"))
	if err := scheduler.PushToSendQueue(ctx, api.PriorityHigh, msg); err == nil {
		t.Fatalf("expected stale-version rejection")
	}
}

func TestPushRejectsClosedSocket(t *testing.T) {
	p, err := socketctx.New(2, 2, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ctx, err := p.Acquire(0x0a000002, socketctx.RoleClient)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// ctx.FD starts at -1 (closed) until the connection manager assigns one.
	msg := inlineMessage(ctx.Version(), 7, []byte("x"))
	if err := scheduler.PushToSendQueue(ctx, api.PriorityHigh, msg); err == nil {
		t.Fatalf("expected closed-socket rejection")
	}
}

func TestWriteDeliversSingleMessage(t *testing.T) {
	p, err := socketctx.New(2, 2, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ctx, err := p.Acquire(0x0a000003, socketctx.RoleClient)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fdA, fdB := newSocketpair(t)
	ctx.FD = fdA

	body := []byte("hello peer")
	msg := inlineMessage(ctx.Version(), 9, body)
	if err := scheduler.PushToSendQueue(ctx, api.PriorityHigh, msg); err != nil {
		t.Fatalf("push: %v", err)
	}

	s := scheduler.New()
	drainAll(t, s, ctx, fdA)

	frame := wire.HeaderLen + int(msg.Header.AlignedDataLen)
	buf := make([]byte, frame)
	if _, err := readFull(fdB, buf); err != nil {
		t.Fatalf("read peer side: %v", err)
	}
	h, err := wire.Decode(buf[:wire.HeaderLen])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.DataLen != uint32(len(body)) {
		t.Fatalf("data_len mismatch: got %d want %d", h.DataLen, len(body))
	}
	got := buf[wire.HeaderLen : wire.HeaderLen+len(body)]
	if string(got) != string(body) {
		t.Fatalf("body mismatch: got %q want %q", got, body)
	}
}

func TestInsertIntoSendQueueHeadPreservesInFlightHead(t *testing.T) {
	p, err := socketctx.New(2, 2, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ctx, err := p.Acquire(0x0a000004, socketctx.RoleClient)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx.FD = 3 // any non-negative placeholder; a closed socket (FD -1) is rejected

	head := inlineMessage(ctx.Version(), 1, []byte("head"))
	head.BytesSent = 1 // already in flight
	ctx.Queues[api.PriorityHigh].PushBack(head)

	urgent := inlineMessage(ctx.Version(), 2, []byte("urgent"))
	if err := scheduler.InsertIntoSendQueueHead(ctx, api.PriorityHigh, urgent); err != nil {
		t.Fatalf("insert head: %v", err)
	}

	snap := ctx.Queues[api.PriorityHigh].Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(snap))
	}
	if snap[0] != head {
		t.Fatalf("in-flight head must remain first")
	}
	if snap[1] != urgent {
		t.Fatalf("urgent message must follow the in-flight head")
	}
}

func readFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, unix.ECONNRESET
		}
		total += n
	}
	return total, nil
}
