package dispatch_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/dispatch"
	"github.com/momentics/clustermesh/session"
	"github.com/momentics/clustermesh/socketctx"
	"github.com/momentics/clustermesh/wire"
)

func newCtx(t *testing.T) *socketctx.Context {
	t.Helper()
	p, err := socketctx.New(2, 2, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ctx, err := p.Acquire(0x0a000001, socketctx.RoleClient)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx.FD = 3
	return ctx
}

func TestPingRequestEnqueuesResponseAtHighPriorityHead(t *testing.T) {
	ctx := newCtx(t)
	d := dispatch.New(nil, nil, clock.NewMock())

	req := wire.NewHeader(wire.FuncPingRequest, 0, wire.NoSession(ctx.PeerIP), 7)
	if err := d.Deliver(ctx, req, nil); err != nil {
		t.Fatalf("deliver ping request: %v", err)
	}

	snap := ctx.Queues[api.PriorityHigh].Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 queued response, got %d", len(snap))
	}
	if snap[0].Header.FuncID != wire.FuncPingResponse {
		t.Fatalf("expected ping response queued, got func_id=%d", snap[0].Header.FuncID)
	}
	if snap[0].Header.MsgSeq != 7 {
		t.Fatalf("expected echoed msg_seq 7, got %d", snap[0].Header.MsgSeq)
	}
}

func TestPingResponseResetsInFlightStateAndComputesRTT(t *testing.T) {
	ctx := newCtx(t)
	mock := clock.NewMock()
	d := dispatch.New(nil, nil, mock)

	ctx.PingInFlight = true
	ctx.PingStart = mock.Now()
	ctx.PingFailCount = 2

	mock.Add(50 * time.Millisecond)

	resp := wire.NewHeader(wire.FuncPingResponse, 0, wire.NoSession(ctx.PeerIP), 1)
	if err := d.Deliver(ctx, resp, nil); err != nil {
		t.Fatalf("deliver ping response: %v", err)
	}
	if ctx.PingInFlight {
		t.Fatalf("expected ping in-flight cleared")
	}
	if ctx.PingFailCount != 0 {
		t.Fatalf("expected fail count reset, got %d", ctx.PingFailCount)
	}
	if d.Stats.PingRTTObserved.Load() != 1 {
		t.Fatalf("expected 1 rtt observation, got %d", d.Stats.PingRTTObserved.Load())
	}
}

func TestUnsolicitedPingResponseIsHarmless(t *testing.T) {
	ctx := newCtx(t)
	d := dispatch.New(nil, nil, clock.NewMock())

	resp := wire.NewHeader(wire.FuncPingResponse, 0, wire.NoSession(ctx.PeerIP), 1)
	if err := d.Deliver(ctx, resp, nil); err != nil {
		t.Fatalf("deliver unsolicited ping response: %v", err)
	}
	if d.Stats.PingUnsolicited.Load() != 1 {
		t.Fatalf("expected unsolicited counter bumped, got %d", d.Stats.PingUnsolicited.Load())
	}
}

func TestHelloFrameOutsideConnectThreadIsProtocolError(t *testing.T) {
	ctx := newCtx(t)
	d := dispatch.New(nil, nil, clock.NewMock())

	h := wire.NewHeader(wire.FuncHelloRequest, 0, wire.NoSession(ctx.PeerIP), 0)
	err := d.Deliver(ctx, h, nil)
	if err != api.ErrProtocolError {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestApplicationFrameWithNoSessionIsDropped(t *testing.T) {
	ctx := newCtx(t)
	store := session.NewStore()
	d := dispatch.New(store, nil, clock.NewMock())

	h := wire.NewHeader(1, 0, wire.SessionID{PeerIP: ctx.PeerIP, Sequence: 42}, 0)
	if err := d.Deliver(ctx, h, nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if d.Stats.DroppedNoSession.Load() != 1 {
		t.Fatalf("expected drop counted, got %d", d.Stats.DroppedNoSession.Load())
	}
}

func TestApplicationFrameDeliversToSynchronousCallback(t *testing.T) {
	ctx := newCtx(t)
	store := session.NewStore()
	id := wire.SessionID{PeerIP: ctx.PeerIP, Sequence: 99}

	called := make(chan wire.FuncID, 1)
	store.Register(id, func(sess wire.SessionID, userData any, funcID wire.FuncID, blocks []api.Buffer, dataLen uint32) error {
		called <- funcID
		return nil
	}, nil)

	d := dispatch.New(store, nil, clock.NewMock())
	h := wire.NewHeader(5, 0, id, 0)
	if err := d.Deliver(ctx, h, nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	select {
	case got := <-called:
		if got != 5 {
			t.Fatalf("expected func_id 5, got %d", got)
		}
	default:
		t.Fatalf("synchronous callback was not invoked")
	}
}

func TestSendPingEnqueuesRequestAtHighPriority(t *testing.T) {
	ctx := newCtx(t)
	d := dispatch.New(nil, nil, clock.NewMock())

	if err := d.SendPing(ctx); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	snap := ctx.Queues[api.PriorityHigh].Snapshot()
	if len(snap) != 1 || snap[0].Header.FuncID != wire.FuncPingRequest {
		t.Fatalf("expected ping request queued, got %+v", snap)
	}
	if d.Stats.PingSent.Load() != 1 {
		t.Fatalf("expected ping-sent counter bumped, got %d", d.Stats.PingSent.Load())
	}
}
