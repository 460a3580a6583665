// File: dispatch/dispatch.go
// Author: momentics <momentics@gmail.com>
//
// Frame dispatch table (spec.md §4.8). Grounded on
// original_source/iocore/cluster/nio.cc's message dispatch switch
// (ping in-band reply, hello rejected outside the connect thread,
// session resolution then synchronous callback vs. async in-queue),
// rebuilt as a Dispatcher wired to the session/machine collaborators and
// invoked as the framer's Deliver callback.

package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/benbjohnson/clock"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/control"
	"github.com/momentics/clustermesh/queue"
	"github.com/momentics/clustermesh/scheduler"
	"github.com/momentics/clustermesh/session"
	"github.com/momentics/clustermesh/socketctx"
	"github.com/momentics/clustermesh/wire"
)

// Stats accumulates the dispatcher's operational counters: pings sent,
// ping round trips observed, unsolicited ping responses, frames dropped
// for want of a session, and protocol errors. Send-retry and ping-fail
// events are not counted here. Each counter is mutated
// from whichever worker goroutine owns the delivering socket and read from
// arbitrary goroutines (metrics export, tests), so every field is an
// atomic.Uint64 rather than a plain uint64.
type Stats struct {
	PingSent         atomic.Uint64
	PingRTTObserved  atomic.Uint64
	PingUnsolicited  atomic.Uint64
	DroppedNoSession atomic.Uint64
	ProtocolErrors   atomic.Uint64
}

// Dispatcher routes decoded frames per spec.md §4.8. It enqueues
// ping requests and replies directly via scheduler.PushToSendQueue /
// scheduler.InsertIntoSendQueueHead (free functions operating on the
// socket context's own queues), so it holds no Scheduler of its own.
type Dispatcher struct {
	store   *session.Store
	log     *zap.Logger
	clk     clock.Clock
	metrics *control.MetricsRegistry

	Stats Stats
}

// SetMetrics attaches a control.MetricsRegistry that mirrors Stats as
// they change (spec.md §7 counters, surfaced for external inspection
// alongside the in-process atomic Stats fields). Safe to leave unset;
// nil disables mirroring.
func (d *Dispatcher) SetMetrics(mr *control.MetricsRegistry) {
	d.metrics = mr
}

// bump increments ctr and mirrors the running total into the attached
// MetricsRegistry under key, if one is set.
func (d *Dispatcher) bump(ctr *atomic.Uint64, key string) {
	n := ctr.Add(1)
	if d.metrics != nil {
		d.metrics.Set(key, n)
	}
}

// New constructs a Dispatcher. store may be nil if the caller never
// expects application-level (non-ping/hello) traffic.
func New(store *session.Store, log *zap.Logger, clk clock.Clock) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{store: store, log: log, clk: clk}
}

// Deliver is wired as the framer.Deliver callback.
func (d *Dispatcher) Deliver(ctx *socketctx.Context, h wire.Header, blocks []api.Buffer) error {
	switch h.FuncID {
	case wire.FuncPingRequest:
		releaseAll(blocks)
		return d.handlePingRequest(ctx, h)
	case wire.FuncPingResponse:
		releaseAll(blocks)
		return d.handlePingResponse(ctx, h)
	case wire.FuncHelloRequest, wire.FuncHelloResponse:
		releaseAll(blocks)
		d.bump(&d.Stats.ProtocolErrors, "dispatch.protocol_errors")
		d.log.Warn("hello frame received outside connect thread",
			zap.Int("fd", ctx.FD), zap.Int32("func_id", int32(h.FuncID)))
		return api.ErrProtocolError
	default:
		return d.dispatchApplication(ctx, h, blocks)
	}
}

func releaseAll(blocks []api.Buffer) {
	for _, b := range blocks {
		b.Release()
	}
}

// handlePingRequest replies in-band with PING_RESPONSE at HIGH priority,
// head of queue (spec.md §4.8).
func (d *Dispatcher) handlePingRequest(ctx *socketctx.Context, h wire.Header) error {
	reply := wire.NewHeader(wire.FuncPingResponse, 0, h.Session, h.MsgSeq)
	msg := &queue.Message{Header: reply, Source: queue.SourceInline, Version: ctx.Version(), EnqueuedAt: time.Time{}}
	if err := scheduler.InsertIntoSendQueueHead(ctx, api.PriorityHigh, msg); err != nil {
		return fmt.Errorf("dispatch: enqueue ping response: %w", err)
	}
	return nil
}

// handlePingResponse computes round-trip, updates ping stats, and resets
// the in-flight ping state (spec.md §4.8). A response with no outstanding
// ping is logged but otherwise harmless.
func (d *Dispatcher) handlePingResponse(ctx *socketctx.Context, h wire.Header) error {
	if !ctx.PingInFlight {
		d.bump(&d.Stats.PingUnsolicited, "dispatch.ping_unsolicited")
		d.log.Warn("ping response with no outstanding ping", zap.Int("fd", ctx.FD))
		return nil
	}
	rtt := d.clk.Now().Sub(ctx.PingStart)
	d.bump(&d.Stats.PingRTTObserved, "dispatch.ping_rtt_observed")
	ctx.PingInFlight = false
	ctx.PingFailCount = 0
	d.log.Debug("ping rtt", zap.Int("fd", ctx.FD), zap.Duration("rtt", rtt))
	return nil
}

// dispatchApplication resolves the session store and either invokes the
// synchronous callback or pushes into the session's async in-queue
// (spec.md §4.8 "otherwise").
func (d *Dispatcher) dispatchApplication(ctx *socketctx.Context, h wire.Header, blocks []api.Buffer) error {
	if d.store == nil {
		d.bump(&d.Stats.DroppedNoSession, "dispatch.dropped_no_session")
		releaseAll(blocks)
		return nil
	}
	entry, ok := d.store.GetResponseSession(h)
	if !ok {
		d.bump(&d.Stats.DroppedNoSession, "dispatch.dropped_no_session")
		releaseAll(blocks)
		d.log.Warn("frame dropped: no matching session",
			zap.Int32("func_id", int32(h.FuncID)), zap.Uint32("msg_seq", h.MsgSeq))
		return nil
	}
	return entry.Deliver(h.FuncID, blocks, h.DataLen)
}

// SendPing builds and enqueues a PING_REQUEST, used by worker.Hooks.SendPing
// (spec.md §4.6 "send a ping and record start time").
func (d *Dispatcher) SendPing(ctx *socketctx.Context) error {
	h := wire.NewHeader(wire.FuncPingRequest, 0, wire.NoSession(ctx.PeerIP), 0)
	msg := &queue.Message{Header: h, Source: queue.SourceInline, Version: ctx.Version(), EnqueuedAt: time.Time{}}
	if err := scheduler.PushToSendQueue(ctx, api.PriorityHigh, msg); err != nil {
		return fmt.Errorf("dispatch: enqueue ping request: %w", err)
	}
	d.bump(&d.Stats.PingSent, "dispatch.ping_sent")
	return nil
}
