// File: engine/engine.go
// Author: momentics <momentics@gmail.com>
//
// Top-level facade wiring connmgr + worker pool + flowctl + dispatch +
// control into the engine's public surface (spec.md §6 "API exposed to
// collaborators"). Grounded on the teacher's facade/hioload.go
// construct-options-then-Start/Stop shape (New validates/defaults a
// Config, builds every subsystem up front, Start/Stop are idempotent and
// mutex-guarded).

package engine

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benbjohnson/clock"
	"golang.org/x/sys/unix"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/connmgr"
	"github.com/momentics/clustermesh/control"
	"github.com/momentics/clustermesh/dispatch"
	"github.com/momentics/clustermesh/flowctl"
	"github.com/momentics/clustermesh/framer"
	"github.com/momentics/clustermesh/machine"
	bufferpool "github.com/momentics/clustermesh/pool"
	"github.com/momentics/clustermesh/queue"
	"github.com/momentics/clustermesh/reactor"
	"github.com/momentics/clustermesh/scheduler"
	"github.com/momentics/clustermesh/session"
	"github.com/momentics/clustermesh/socketctx"
	"github.com/momentics/clustermesh/worker"
)

// Config is the engine's immutable construction-time configuration
// (spec.md §6 "Configuration (enumerated)").
type Config struct {
	MyIP uint32
	Port int

	NumWorkers         int
	ConnectionsPerPeer int // even, split half accept/half connect (spec.md §4.5)
	MaxMachines        int

	ConnectTimeout time.Duration
	Versions       connmgr.Versions

	PingSendInterval     time.Duration
	PingLatencyThreshold time.Duration
	PingRetries          int

	FlowCtrl flowctl.Config

	ReadBufferSize int // framer primary buffer size (proxy.config.cluster.read_buffer_size)

	Logger *zap.Logger

	// MachineChangeNotify is the application callback registered once at
	// init (spec.md §6 "machine_change_notify(ip, up?)").
	MachineChangeNotify machine.UpNotifyFunc
}

// DefaultConfig fills in the spec's suggested ambient values; callers must
// still set MyIP/Port/Versions.
func DefaultConfig() Config {
	return Config{
		NumWorkers:           4,
		ConnectionsPerPeer:   4,
		MaxMachines:          64,
		ConnectTimeout:       5 * time.Second,
		PingSendInterval:     5 * time.Second,
		PingLatencyThreshold: 2 * time.Second,
		PingRetries:          3,
		FlowCtrl: flowctl.Config{
			MinBitsPerSec:   1 << 20,
			MaxBitsPerSec:   1 << 30,
			MinSendWait:     0,
			MaxSendWait:     2 * time.Millisecond,
			MinLoopInterval: 100 * time.Microsecond,
			MaxLoopInterval: 10 * time.Millisecond,
		},
		ReadBufferSize: 2 << 20,
	}
}

// Engine is the cluster messaging I/O engine's public handle
// (spec.md §6's exposed API surface).
type Engine struct {
	cfg Config
	log *zap.Logger

	ctxPool    *socketctx.Pool
	bufPool    *bufferpool.BufferPool
	machines   *machine.Registry
	sessions   *session.Store
	dispatcher *dispatch.Dispatcher
	flow       *flowctl.Controller

	clk     clock.Clock
	config  *control.ConfigStore
	metrics *control.MetricsRegistry
	debug   *control.DebugProbes

	connMgrReactor reactor.Reactor
	connMgr        *connmgr.Manager

	workers []*worker.Worker

	listener net.Listener

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs every subsystem but does not start I/O; call Start to
// begin listening/connecting.
func New(cfg Config) (*Engine, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("engine: NumWorkers must be positive")
	}
	if cfg.ConnectionsPerPeer <= 0 || cfg.ConnectionsPerPeer%2 != 0 {
		return nil, fmt.Errorf("engine: ConnectionsPerPeer must be a positive even number")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctxPool, err := socketctx.New(cfg.ConnectionsPerPeer, cfg.MaxMachines, cfg.NumWorkers)
	if err != nil {
		return nil, fmt.Errorf("engine: socketctx pool: %w", err)
	}
	ctxPool.SetLogger(log)

	bufPool := bufferpool.NewBufferPool(cfg.ReadBufferSize, cfg.NumWorkers*cfg.ConnectionsPerPeer*cfg.MaxMachines)

	eng := &Engine{
		cfg:      cfg,
		log:      log,
		ctxPool:  ctxPool,
		bufPool:  bufPool,
		machines: machine.NewRegistry(),
		sessions: session.NewStore(),
		clk:      clock.New(),
		config:   control.NewConfigStore(),
		metrics:  control.NewMetricsRegistry(),
		debug:    control.NewDebugProbes(),
		stopCh:   make(chan struct{}),
	}
	eng.config.SetConfig(control.ClusterDefaults())
	eng.config.SetConfig(map[string]any{
		control.KeyNumClusterThreads:     cfg.NumWorkers,
		control.KeyNumClusterConnections: cfg.ConnectionsPerPeer,
		control.KeyClusterPort:           cfg.Port,
		control.KeyClusterConnectTimeout: int64(cfg.ConnectTimeout / time.Second),
		control.KeyPingSendInterval:      int64(cfg.PingSendInterval),
		control.KeyPingLatencyThreshold:  int64(cfg.PingLatencyThreshold),
		control.KeyPingRetries:           cfg.PingRetries,
		control.KeyFlowCtrlMinBps:        cfg.FlowCtrl.MinBitsPerSec,
		control.KeyFlowCtrlMaxBps:        cfg.FlowCtrl.MaxBitsPerSec,
		control.KeyReadBufferSize:        cfg.ReadBufferSize,
	})
	control.RegisterPlatformProbes(eng.debug)
	eng.debug.RegisterProbe("dispatch.stats", func() any {
		s := &eng.dispatcher.Stats
		return map[string]uint64{
			"ping_sent":          s.PingSent.Load(),
			"ping_rtt_observed":  s.PingRTTObserved.Load(),
			"ping_unsolicited":   s.PingUnsolicited.Load(),
			"dropped_no_session": s.DroppedNoSession.Load(),
			"protocol_errors":    s.ProtocolErrors.Load(),
		}
	})

	eng.dispatcher = dispatch.New(eng.sessions, log, eng.clk)
	eng.dispatcher.SetMetrics(eng.metrics)
	eng.flow = flowctl.New(cfg.FlowCtrl, eng.clk)

	connMgrReactor, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("engine: connmgr reactor: %w", err)
	}
	eng.connMgrReactor = connMgrReactor

	cmCfg := connmgr.DefaultConfig()
	cmCfg.Port = cfg.Port
	cmCfg.ConnectTimeout = cfg.ConnectTimeout
	cmCfg.Versions = cfg.Versions
	eng.connMgr = connmgr.New(cmCfg, connmgr.Callbacks{
		Promote:          eng.onPromote,
		PeerDead:         eng.isPeerDead,
		ConnectionClosed: eng.onPreHandshakeClosed,
	}, ctxPool, connMgrReactor, log, eng.clk, eng.metrics)

	for i := 0; i < cfg.NumWorkers; i++ {
		re, err := reactor.New()
		if err != nil {
			return nil, fmt.Errorf("engine: worker %d reactor: %w", i, err)
		}
		sched := scheduler.New()
		fr := framer.New(bufPool, cfg.ReadBufferSize, eng.dispatcher.Deliver)
		wcfg := worker.DefaultConfig(i)
		wcfg.PingSendInterval = cfg.PingSendInterval
		wcfg.PingLatencyThreshold = cfg.PingLatencyThreshold
		wcfg.PingRetries = cfg.PingRetries

		w := worker.New(wcfg, ctxPool, re, sched, fr, eng.flow, log, eng.clk, worker.Hooks{
			SendPing:         eng.dispatcher.SendPing,
			ConnectionClosed: eng.onWorkerSocketClosed,
			Reconnect:        eng.onReconnect,
		})
		eng.workers = append(eng.workers, w)
	}

	return eng, nil
}

// Start begins accepting inbound connections, runs the manager's poll
// loop, the flow controller, and every worker's loop
// (spec.md §6 "connection_manager_start()").
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	ln, err := net.Listen("tcp4", ":"+strconv.Itoa(e.cfg.Port))
	if err != nil {
		return fmt.Errorf("engine: listen: %w", err)
	}
	e.listener = ln

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.flow.Run() }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.acceptLoop() }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.connMgrLoop() }()

	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *worker.Worker) { defer e.wg.Done(); w.Run() }(w)
	}

	e.started = true
	return nil
}

// Stop halts every subsystem and waits for its goroutines to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	if e.listener != nil {
		e.listener.Close()
	}
	for _, w := range e.workers {
		w.Stop()
	}
	e.flow.Stop()
	e.connMgrReactor.Close()
	e.wg.Wait()
	return nil
}

// acceptLoop accepts inbound TCP connections and hands them to the
// connection manager as server-role sockets (spec.md §6 "peers bind
// cluster_port, listen backlog 1024"; backlog is left to the platform's
// default somaxconn, matching net.Listen's behavior).
func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		ip, ok := ipv4FromAddr(tcpConn.RemoteAddr())
		if !ok {
			tcpConn.Close()
			continue
		}
		if !e.machines.Lookup(ip) {
			e.log.Warn("rejecting accept from unconfigured peer", zap.Uint32("peer_ip", ip))
			tcpConn.Close()
			continue
		}
		fd, err := dupRawFD(tcpConn)
		tcpConn.Close() // the dup'd fd keeps the socket alive
		if err != nil {
			e.log.Warn("failed to extract raw fd from accepted conn", zap.Error(err))
			continue
		}
		if err := e.connMgr.AdoptAccepted(fd, ip); err != nil {
			e.log.Warn("adopt accepted connection failed", zap.Error(err), zap.Uint32("peer_ip", ip))
			unix.Close(fd)
		}
	}
}

// connMgrLoop is the manager thread: polls the connect-reactor and
// periodically sweeps pre-handshake timeouts (spec.md §4.4, §5 "one
// manager thread").
func (e *Engine) connMgrLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		if err := e.connMgr.Poll(50); err != nil {
			e.log.Warn("connmgr poll failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
			e.connMgr.SweepTimeouts(e.clk.Now())
		default:
		}
	}
}

// onPromote hands a freshly handshaken socket to its assigned worker and
// publishes it to the peer's round-robin load list (spec.md §4.4
// "promotion").
func (e *Engine) onPromote(ctx *socketctx.Context, role socketctx.Role, major, minor uint32) {
	e.machines.AddConnection(ctx.PeerIP, ctx)
	e.sessions.InitMachineSessions(ctx.PeerIP, true)

	if ctx.Worker < 0 || ctx.Worker >= len(e.workers) {
		e.log.Error("promoted context has out-of-range worker index", zap.Int("worker", ctx.Worker))
		return
	}
	if err := e.workers[ctx.Worker].Attach(ctx); err != nil {
		e.log.Error("failed to attach promoted socket to worker", zap.Error(err))
		return
	}
	e.machines.MarkUp(ctx.PeerIP, e.cfg.MachineChangeNotify)
	e.log.Info("connection promoted", zap.Uint32("peer_ip", ctx.PeerIP),
		zap.String("role", role.String()), zap.Uint32("major", major), zap.Uint32("minor", minor))
}

// isPeerDead reports whether ip should use the dead-peer back-off cap
// (spec.md §4.4): true until the peer has at least one live connection.
func (e *Engine) isPeerDead(ip uint32) bool {
	m := e.machines.Get(ip)
	return m == nil || !m.Up()
}

// onPreHandshakeClosed is connmgr's ConnectionClosed callback for sockets
// that never completed their handshake; no session/connection-set state
// exists yet for them, so nothing further to release here.
func (e *Engine) onPreHandshakeClosed(ip uint32) {
	e.log.Debug("pre-handshake connection closed", zap.Uint32("peer_ip", ip))
}

// onWorkerSocketClosed is worker.Hooks.ConnectionClosed: releases this
// socket from its peer's load list and, if that was the peer's last
// connection, tears down its sessions and fires the down notification
// (spec.md §4.6 "Close handling").
func (e *Engine) onWorkerSocketClosed(ctx *socketctx.Context) {
	ip := ctx.PeerIP
	e.machines.RemoveConnection(ip, ctx)
	e.machines.MarkDownIfEmpty(ip, e.cfg.MachineChangeNotify)
	if m := e.machines.Get(ip); m == nil || !m.Up() {
		e.sessions.InitMachineSessions(ip, false)
	}
}

// onReconnect re-enters make_connection for a closed client-role socket
// (spec.md §4.6 "if client role ... schedule a reconnect").
func (e *Engine) onReconnect(ip uint32) {
	port := e.cfg.Port
	if m := e.machines.Get(ip); m != nil && m.Port != 0 {
		port = m.Port
	}
	if err := e.connMgr.StartConnect(ip, port); err != nil {
		e.log.Debug("reconnect attempt failed to start", zap.Uint32("peer_ip", ip), zap.Error(err))
	}
}

// MachineMakeConnections registers ip as a known peer and opens its half
// of outbound client connections (spec.md §6
// "machine_make_connections(peer)").
func (e *Engine) MachineMakeConnections(ip uint32, port int) error {
	e.machines.Add(ip, port)
	e.connMgr.AllowReconnect(ip)
	for i := 0; i < e.cfg.ConnectionsPerPeer/2; i++ {
		if err := e.connMgr.StartConnect(ip, port); err != nil {
			return fmt.Errorf("engine: start connect %d/%d to %x: %w", i+1, e.cfg.ConnectionsPerPeer/2, ip, err)
		}
	}
	return nil
}

// MachineStopReconnect stops automatic reconnection for ip
// (spec.md §6 "machine_stop_reconnect(peer)").
func (e *Engine) MachineStopReconnect(ip uint32) {
	e.connMgr.StopReconnect(ip)
}

// GetSocketContext returns one socket context for ip by round robin, for
// outbound send (spec.md §6 "get_socket_context(peer)").
func (e *Engine) GetSocketContext(ip uint32) (*socketctx.Context, error) {
	m := e.machines.Get(ip)
	if m == nil || !m.Up() {
		return nil, api.NewError(api.ErrCodeNotFound, "engine: peer not up").WithContext("peer_ip", ip)
	}
	ctx := m.NextConnection()
	if ctx == nil {
		return nil, api.NewError(api.ErrCodeResourceExhausted, "engine: peer has no live connections").WithContext("peer_ip", ip)
	}
	return ctx, nil
}

// PushToSendQueue enqueues msg at the tail of ctx's priority-pr queue
// (spec.md §6 "push_to_send_queue(sock_ctx, message, priority,
// session_version)").
func (e *Engine) PushToSendQueue(ctx *socketctx.Context, pr api.Priority, msg *queue.Message) error {
	return scheduler.PushToSendQueue(ctx, pr, msg)
}

// InsertIntoSendQueueHead enqueues msg at the head of ctx's priority-pr
// queue (spec.md §6 "insert_into_send_queue_head(sock_ctx, message,
// priority)").
func (e *Engine) InsertIntoSendQueueHead(ctx *socketctx.Context, pr api.Priority, msg *queue.Message) error {
	return scheduler.InsertIntoSendQueueHead(ctx, pr, msg)
}

// Sessions exposes the session store so callers can register sessions
// ahead of sending (spec.md §6's session-facing collaborator API).
func (e *Engine) Sessions() *session.Store { return e.sessions }

// Dispatcher exposes ping/drop counters for operational visibility
// (spec.md §7 "Counters expose send-retry/ping-fail/dropped-message
// counts").
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Config exposes the hot-reloadable config store seeded from the
// engine's construction-time Config (spec.md §7 ambient control-plane
// surface).
func (e *Engine) Config() *control.ConfigStore { return e.config }

// Metrics exposes the registry mirroring dispatch counters and
// connmgr.connect_attempts, alongside whatever else callers Set
// themselves.
func (e *Engine) Metrics() *control.MetricsRegistry { return e.metrics }

// Debug exposes the registered debug probes (platform info, dispatch
// stats snapshot) for operator inspection.
func (e *Engine) Debug() *control.DebugProbes { return e.debug }

func ipv4FromAddr(addr net.Addr) (uint32, bool) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0, false
	}
	v4 := tcpAddr.IP.To4()
	if v4 == nil {
		return 0, false
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), true
}

func dupRawFD(tcpConn *net.TCPConn) (int, error) {
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var dupErr error
	ctrlErr := rawConn.Control(func(f uintptr) {
		fd, dupErr = unix.Dup(int(f))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
