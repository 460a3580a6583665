package queue_test

import (
	"testing"

	"github.com/momentics/clustermesh/queue"
	"github.com/momentics/clustermesh/wire"
)

func msg(funcID wire.FuncID, dataLen uint32) *queue.Message {
	return &queue.Message{
		Header: wire.NewHeader(funcID, dataLen, wire.SessionID{}, 0),
		Source: queue.SourceInline,
	}
}

func TestFIFOOrder(t *testing.T) {
	q := queue.New()
	a, b, c := msg(1, 0), msg(2, 0), msg(3, 0)
	q.PushBack(a)
	q.PushBack(b)
	q.PushBack(c)

	snap := q.Snapshot()
	if len(snap) != 3 || snap[0] != a || snap[1] != b || snap[2] != c {
		t.Fatalf("expected FIFO order a,b,c; got %+v", snap)
	}
}

func TestPushHeadBehindInFlightMessage(t *testing.T) {
	q := queue.New()
	inFlight := msg(1, 16)
	inFlight.BytesSent = 4 // partially sent; must stay at head
	q.PushBack(inFlight)

	urgent := msg(2, 0)
	q.PushHead(urgent)

	snap := q.Snapshot()
	if snap[0] != inFlight {
		t.Fatalf("partially-sent message must remain head, got %+v", snap[0])
	}
	if snap[1] != urgent {
		t.Fatalf("urgent message should be inserted right after in-flight head")
	}
}

func TestPushHeadOnIdleQueueGoesFirst(t *testing.T) {
	q := queue.New()
	notStarted := msg(1, 16)
	q.PushBack(notStarted)

	urgent := msg(2, 0)
	q.PushHead(urgent)

	snap := q.Snapshot()
	if snap[0] != urgent {
		t.Fatalf("urgent message should preempt a not-yet-started head")
	}
}

func TestDetachDonePrefixOnly(t *testing.T) {
	q := queue.New()
	done := msg(1, 0)
	done.BytesSent = done.Header.TotalLen()
	notDone := msg(2, 8)

	q.PushBack(done)
	q.PushBack(notDone)

	n := q.DetachDone()
	if n != 1 {
		t.Fatalf("expected 1 detached, got %d", n)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
}

func TestClearReleasesAll(t *testing.T) {
	q := queue.New()
	released := 0
	m := msg(1, 0)
	m.Release = func(*queue.Message) { released++ }
	q.PushBack(m)

	if n := q.Clear(); n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	if released != 1 {
		t.Fatalf("expected release hook called once, got %d", released)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after clear")
	}
}
