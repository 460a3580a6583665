//go:build linux

package worker_test

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/framer"
	"github.com/momentics/clustermesh/pool"
	"github.com/momentics/clustermesh/reactor"
	"github.com/momentics/clustermesh/scheduler"
	"github.com/momentics/clustermesh/socketctx"
	"github.com/momentics/clustermesh/wire"
	"github.com/momentics/clustermesh/worker"
)

func newSocketpair(t *testing.T) (int, int) {
	t.Helper()
	// Non-blocking, like the engine's sockets: the worker reads until EAGAIN.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

type delivery struct {
	h    wire.Header
	body []byte
}

func newHarness(t *testing.T, deliverCh chan delivery) (*worker.Worker, *socketctx.Pool, *socketctx.Context, int) {
	t.Helper()
	p, err := socketctx.New(2, 2, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ctx, err := p.Acquire(0x0a000005, socketctx.RoleClient)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fdA, fdB := newSocketpair(t)
	ctx.FD = fdA

	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	t.Cleanup(func() { re.Close() })

	bp := pool.NewBufferPool(256, 8)
	fr := framer.New(bp, 256, func(c *socketctx.Context, h wire.Header, blocks []api.Buffer) error {
		var body []byte
		for _, b := range blocks {
			body = append(body, b.Bytes()...)
			b.Release()
		}
		deliverCh <- delivery{h: h, body: body}
		return nil
	})

	sched := scheduler.New()
	cfg := worker.DefaultConfig(0)
	cfg.PingSendInterval = time.Hour
	cfg.PingLatencyThreshold = time.Hour
	cfg.PingRetries = 3
	cfg.EpollTimeoutMs = 10

	w := worker.New(cfg, p, re, sched, fr, nil, nil, nil, worker.Hooks{})
	if err := w.Attach(ctx); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return w, p, ctx, fdB
}

func TestWorkerDeliversFrameReceivedOnAttachedSocket(t *testing.T) {
	deliverCh := make(chan delivery, 1)
	w, _, _, fdB := newHarness(t, deliverCh)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); w.Run() }()
	t.Cleanup(func() { w.Stop(); wg.Wait() })

	body := []byte("hello from peer")
	h := wire.NewHeader(42, uint32(len(body)), wire.NoSession(0), 1)
	frame := make([]byte, wire.HeaderLen+int(h.AlignedDataLen))
	if _, err := wire.Encode(h, frame); err != nil {
		t.Fatalf("encode: %v", err)
	}
	copy(frame[wire.HeaderLen:], body)
	if _, err := unix.Write(fdB, frame); err != nil {
		t.Fatalf("write peer frame: %v", err)
	}

	select {
	case d := <-deliverCh:
		if d.h.FuncID != 42 {
			t.Fatalf("unexpected func id: %d", d.h.FuncID)
		}
		if string(d.body[:len(body)]) != string(body) {
			t.Fatalf("body mismatch: got %q want %q", d.body[:len(body)], body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("frame was not delivered in time")
	}
}

func TestWorkerClosesSocketOnPeerEOFAndReconnectsClientRole(t *testing.T) {
	deliverCh := make(chan delivery, 1)
	p, err := socketctx.New(2, 2, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ctx, err := p.Acquire(0x0a000006, socketctx.RoleClient)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fdA, fdB := newSocketpair(t)
	ctx.FD = fdA

	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	t.Cleanup(func() { re.Close() })

	bp := pool.NewBufferPool(256, 8)
	fr := framer.New(bp, 256, func(c *socketctx.Context, h wire.Header, blocks []api.Buffer) error {
		deliverCh <- delivery{h: h}
		return nil
	})

	closedCh := make(chan uint32, 1)
	reconnectCh := make(chan uint32, 1)

	sched := scheduler.New()
	cfg := worker.DefaultConfig(0)
	cfg.PingSendInterval = time.Hour
	cfg.EpollTimeoutMs = 10

	w := worker.New(cfg, p, re, sched, fr, nil, nil, nil, worker.Hooks{
		ConnectionClosed: func(c *socketctx.Context) { closedCh <- c.PeerIP },
		Reconnect:        func(ip uint32) { reconnectCh <- ip },
	})
	if err := w.Attach(ctx); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); w.Run() }()
	t.Cleanup(func() { w.Stop(); wg.Wait() })

	unix.Close(fdB)

	select {
	case ip := <-closedCh:
		if ip != 0x0a000006 {
			t.Fatalf("unexpected closed ip: %x", ip)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("close callback did not fire")
	}

	select {
	case ip := <-reconnectCh:
		if ip != 0x0a000006 {
			t.Fatalf("unexpected reconnect ip: %x", ip)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reconnect hook did not fire")
	}
}
