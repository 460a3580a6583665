// File: worker/worker.go
// Author: momentics <momentics@gmail.com>
//
// Per-worker event loop (spec §4.6). Grounded on
// original_source/iocore/cluster/nio.cc's per-thread event loop
// (schedule_sock_write / epoll_wait / deal_read_event / close-fail-batch /
// usleep-remainder shape), rebuilt over reactor.Reactor, scheduler.Scheduler
// and framer.Framer instead of raw epoll calls and intrusive socket lists.

package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/benbjohnson/clock"

	"github.com/momentics/clustermesh/flowctl"
	"github.com/momentics/clustermesh/framer"
	"github.com/momentics/clustermesh/reactor"
	"github.com/momentics/clustermesh/scheduler"
	"github.com/momentics/clustermesh/socketctx"
)

// maxFailBatch bounds how many sockets are closed at the end of one
// schedule_sock_write pass (spec §4.6 step 1 "cap 32").
const maxFailBatch = 32

// Config holds a worker's static knobs (spec §6 ping-related keys).
type Config struct {
	ID int

	PingSendInterval     time.Duration
	PingLatencyThreshold time.Duration
	PingRetries          int

	EpollTimeoutMs int // short timeout for step 2's epoll_wait

	// MinLoopIntervalFloor is the threshold below which step 5's usleep is
	// skipped entirely (spec §4.6 step 5: "if io_loop_interval > 100µs").
	MinLoopIntervalFloor time.Duration
}

// DefaultConfig fills in the spec's fixed shape, leaving tunables zero.
func DefaultConfig(id int) Config {
	return Config{ID: id, EpollTimeoutMs: 10, MinLoopIntervalFloor: 100 * time.Microsecond}
}

// Hooks are the worker's external collaborators.
type Hooks struct {
	// SendPing builds and enqueues a PING_REQUEST at the tail of the HIGH
	// priority queue (spec §4.8 dispatcher owns the PING_RESPONSE side; the worker
	// only triggers the send).
	SendPing func(ctx *socketctx.Context) error

	// Deliver is the framer's frame-complete callback, routing into
	// dispatch (spec §4.8).
	Deliver framer.Deliver

	// ConnectionClosed notifies the session layer (spec §4.6 "Close
	// handling").
	ConnectionClosed func(ctx *socketctx.Context)

	// Reconnect re-enters make_connection for a closed client-role socket
	// (spec §4.6 "if client role ... schedule a reconnect").
	Reconnect func(ip uint32)
}

// Worker runs one reactor-driven I/O loop over a fixed set of active
// sockets assigned to it at pool-init time (spec §4.5 round-robin worker
// assignment).
type Worker struct {
	cfg   Config
	pool  *socketctx.Pool
	re    reactor.Reactor
	sched *scheduler.Scheduler
	fr    *framer.Framer
	flow  *flowctl.Controller
	log   *zap.Logger
	clk   clock.Clock
	hooks Hooks

	mu     sync.Mutex
	active map[int]*socketctx.Context // by fd

	stop chan struct{}
	done chan struct{}
}

// New constructs a Worker. fr.Deliver should already be wired to
// hooks.Deliver by the caller (engine wiring owns that composition).
func New(cfg Config, pool *socketctx.Pool, re reactor.Reactor, sched *scheduler.Scheduler, fr *framer.Framer, flow *flowctl.Controller, log *zap.Logger, clk clock.Clock, hooks Hooks) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Worker{
		cfg: cfg, pool: pool, re: re, sched: sched, fr: fr, flow: flow, log: log, clk: clk, hooks: hooks,
		active: make(map[int]*socketctx.Context),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Attach adds ctx (already promoted, spec §4.4) to this worker's active set
// and registers it for read events.
func (w *Worker) Attach(ctx *socketctx.Context) error {
	w.mu.Lock()
	w.active[ctx.FD] = ctx
	w.mu.Unlock()

	now := w.clk.Now()
	ctx.NextPingDeadline = now.Add(w.cfg.PingSendInterval)

	return w.re.Register(uintptr(ctx.FD), reactor.EventRead|reactor.EventError, uintptr(ctx.FD), w.onReadEvent)
}

// Run executes the loop until Stop is called (spec §4.6 "Loop each
// iteration").
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		start := w.clk.Now()
		w.scheduleSockWrite()

		if err := w.re.Poll(w.cfg.EpollTimeoutMs); err != nil {
			w.log.Error("epoll_wait failed", zap.Int("worker", w.cfg.ID), zap.Error(err))
		}

		elapsed := w.clk.Now().Sub(start)
		interval := w.cfg.MinLoopIntervalFloor
		if w.flow != nil {
			interval = w.flow.LoopInterval()
		}
		if interval > w.cfg.MinLoopIntervalFloor && elapsed < interval {
			w.clk.Sleep(interval - elapsed)
		}
	}
}

// Stop halts Run and waits for it to return.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// scheduleSockWrite is spec §4.6 step 1.
func (w *Worker) scheduleSockWrite() {
	w.mu.Lock()
	snapshot := make([]*socketctx.Context, 0, len(w.active))
	for _, ctx := range w.active {
		snapshot = append(snapshot, ctx)
	}
	w.mu.Unlock()

	now := w.clk.Now()
	var failBatch []*socketctx.Context

socketLoop:
	for _, ctx := range snapshot {
		if now.Before(ctx.NextWriteDeadline) {
			continue
		}

		w.servicePing(ctx, now)

		for {
			res, n := w.sched.Write(ctx, ctx.FD)
			if w.flow != nil && n > 0 {
				w.flow.AddSentBytes(n)
			}
			switch res {
			case scheduler.ResultIdle, scheduler.ResultNoProgress:
				continue socketLoop
			case scheduler.ResultRetry:
				continue
			case scheduler.ResultPeerClosed, scheduler.ResultFatal:
				failBatch = append(failBatch, ctx)
				if len(failBatch) >= maxFailBatch {
					break socketLoop
				}
				continue socketLoop
			}
		}
	}

	var wait time.Duration
	if w.flow != nil {
		wait = w.flow.SendWait()
	}
	for _, ctx := range snapshot {
		ctx.NextWriteDeadline = now.Add(wait)
	}
	for _, ctx := range failBatch {
		w.closeSocket(ctx)
	}
}

// servicePing arms/advances the ping state machine for ctx
// (spec §4.6 step 1's ping clause).
func (w *Worker) servicePing(ctx *socketctx.Context, now time.Time) {
	if ctx.PingInFlight {
		if now.Sub(ctx.PingStart) > w.cfg.PingLatencyThreshold {
			ctx.PingFailCount++
			if ctx.PingFailCount >= w.cfg.PingRetries {
				w.closeSocket(ctx)
			}
		}
		return
	}

	if now.Before(ctx.NextPingDeadline) {
		return
	}
	if w.hooks.SendPing != nil {
		if err := w.hooks.SendPing(ctx); err == nil {
			ctx.PingInFlight = true
			ctx.PingStart = now
		}
	}
	ctx.NextPingDeadline = now.Add(w.cfg.PingSendInterval)
}

// onReadEvent drains reads until EAGAIN (spec §4.6 step 3).
func (w *Worker) onReadEvent(fd uintptr, _ uintptr, events reactor.EventType) {
	w.mu.Lock()
	ctx, ok := w.active[int(fd)]
	w.mu.Unlock()
	if !ok {
		return
	}

	if events&reactor.EventError != 0 {
		w.closeSocket(ctx)
		return
	}

	for {
		dst := w.fr.ReadSlice(ctx)
		if len(dst) == 0 {
			// Reader buffer is momentarily full without a parseable frame;
			// framer.Feed's relocation logic handles growth on the next call.
			return
		}
		n, err := unix.Read(int(fd), dst)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			w.closeSocket(ctx)
			return
		}
		if n == 0 {
			w.closeSocket(ctx)
			return
		}
		if err := w.fr.Feed(ctx, n); err != nil {
			w.closeSocket(ctx)
			return
		}
	}
}

// closeSocket is spec §4.6's "Close handling".
func (w *Worker) closeSocket(ctx *socketctx.Context) {
	_ = w.re.Unregister(uintptr(ctx.FD))

	w.mu.Lock()
	delete(w.active, ctx.FD)
	w.mu.Unlock()

	fd := ctx.FD
	role := ctx.Role
	ip := ctx.PeerIP

	unix.Close(fd)
	// Clear the reader chain and outbound queues, then notify while ctx
	// still carries its peer identity; pool.Release resets it afterwards.
	ctx.FD = -1
	ctx.Reader.Reset()
	for _, q := range ctx.Queues {
		q.Clear()
	}
	if w.hooks.ConnectionClosed != nil {
		w.hooks.ConnectionClosed(ctx)
	}
	w.pool.Release(ctx) // bumps version, resets state, returns ctx to its free list

	if role == socketctx.RoleClient && w.hooks.Reconnect != nil {
		w.hooks.Reconnect(ip)
	}
}
