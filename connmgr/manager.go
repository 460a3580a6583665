// File: connmgr/manager.go
// Author: momentics <momentics@gmail.com>
//
// Connection manager: drives every pre-handshake socket's
// NOT_CONNECT→CONNECTING→CONNECTED→SEND_DATA/RECV_DATA state machine,
// the hello exchange, reconnect back-off and the timeout sweep
// (spec §4.4). Grounded on
// original_source/iocore/cluster/connection.cc's connect_thread_context
// (one reactor, one mutex-protected connection table) and its
// remove_connection/check_timeout/try_reconnect functions, rebuilt over
// this engine's reactor.Reactor and socketctx.Pool instead of a raw
// ConnectContext array and ink_mutex.

package connmgr

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/benbjohnson/clock"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/control"
	"github.com/momentics/clustermesh/reactor"
	"github.com/momentics/clustermesh/socketctx"
	"github.com/momentics/clustermesh/wire"
)

// metricConnectAttempts is the control.MetricsRegistry key for the
// count of connect attempts, StartConnect calls and back-off reconnects
// alike (spec.md §4 expansion: connect_count from
// original_source/iocore/cluster/connection.cc's connect stats).
const metricConnectAttempts = "connmgr.connect_attempts"

// Config holds the manager's static parameters (spec §6 enumerated
// configuration subset relevant to connection setup).
type Config struct {
	Port           int
	ConnectTimeout time.Duration // cluster_connect_timeout
	RecvTimeout    time.Duration // fixed 1s per spec §4.4
	Versions       Versions

	// MaxTimeoutsPerSweep bounds SweepTimeouts' reaped count (spec §4.4:
	// "Up to 64 timeouts are reaped per sweep").
	MaxTimeoutsPerSweep int
}

// DefaultConfig returns Config with the spec's fixed constants filled in;
// callers still must set Port/ConnectTimeout/Versions.
func DefaultConfig() Config {
	return Config{
		RecvTimeout:         time.Second,
		MaxTimeoutsPerSweep: 64,
	}
}

// Callbacks are the manager's external collaborators, invoked synchronously
// from Poll/SweepTimeouts (spec §4.4 "promotion", §4.6 "notifies the
// session layer of connection closure").
type Callbacks struct {
	// Promote is called exactly once per successful handshake, with the
	// negotiated protocol version, to hand the socket off to a worker
	// (spec §4.4 "promotion").
	Promote func(ctx *socketctx.Context, role socketctx.Role, major, minor uint32)

	// PeerDead reports whether ip should use the dead-peer (1s) back-off
	// cap rather than the live (30s) cap (spec §4.4).
	PeerDead func(ip uint32) bool

	// ConnectionClosed notifies the session layer a pre-handshake socket
	// was torn down (spec §4.6).
	ConnectionClosed func(ip uint32)
}

// connectContext is one pending (pre-handshake) socket's manager-owned
// state (spec §4.4's ConnectContext).
type connectContext struct {
	pctx *socketctx.Context
	fd   int
	role socketctx.Role
	ip   uint32
	port int

	state State

	connectStart time.Time
	recvStart    time.Time

	backoff *Backoff

	// outBuf/outSent track the hello frame currently being written.
	outBuf  []byte
	outSent int

	// inBuf accumulates bytes of the peer's hello frame as they arrive.
	inBuf []byte

	// negotiatedMajor/Minor are set once Negotiate succeeds on the server
	// side, ahead of sending its hello response, so promote() can reuse
	// them without renegotiating (spec §4.4 "server ... arm writable for
	// SEND_DATA (hello response), then promote").
	negotiatedMajor uint32
	negotiatedMinor uint32
}

// Manager owns the connect-thread reactor and every pending connectContext.
type Manager struct {
	cfg     Config
	cb      Callbacks
	pool    *socketctx.Pool
	re      reactor.Reactor
	log     *zap.Logger
	clk     clock.Clock
	metrics *control.MetricsRegistry

	mu      sync.Mutex
	pending map[int]*connectContext // by fd

	upNotified map[uint32]bool // de-dupe machine-up notification per peer
	stopped    map[uint32]bool // peers for which reconnect was explicitly stopped
}

// New constructs a Manager. re is the manager's dedicated reactor instance
// (spec §5: "one manager thread ... each running its own blocking epoll").
// clk governs the reconnect back-off timer (spec.md §1 domain-stack
// injectable clock) and defaults to the real clock.New() if nil; metrics
// may be nil if the caller does not want connect-attempt counters
// surfaced.
func New(cfg Config, cb Callbacks, pool *socketctx.Pool, re reactor.Reactor, log *zap.Logger, clk clock.Clock, metrics *control.MetricsRegistry) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:        cfg,
		cb:         cb,
		pool:       pool,
		re:         re,
		log:        log,
		clk:        clk,
		metrics:    metrics,
		pending:    make(map[int]*connectContext),
		upNotified: make(map[uint32]bool),
		stopped:    make(map[uint32]bool),
	}
}

// StopReconnect marks ip as no longer eligible for automatic reconnect
// (spec.md §6 "machine_stop_reconnect(peer)"). In-flight pending sockets
// for ip are unaffected; only future back-off-triggered StartConnect
// calls are suppressed.
func (m *Manager) StopReconnect(ip uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[ip] = true
}

// AllowReconnect reverses a prior StopReconnect, re-enabling automatic
// reconnect for ip (e.g. spec.md §6 "machine_make_connections(peer)"
// re-arming a peer that was previously stopped).
func (m *Manager) AllowReconnect(ip uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stopped, ip)
}

// Poll runs one iteration of the manager's reactor.
func (m *Manager) Poll(timeoutMs int) error {
	return m.re.Poll(timeoutMs)
}

// StartConnect initiates an outbound connection to ip:port (client role),
// per spec §4.4's CONNECTING state.
func (m *Manager) StartConnect(ip uint32, port int) error {
	return m.startConnect(ip, port, NewBackoff())
}

// startConnect is StartConnect with the Backoff carried over from the
// previous failed attempt, so back-off reconnects keep doubling.
func (m *Manager) startConnect(ip uint32, port int, backoff *Backoff) error {
	if m.metrics != nil {
		m.metrics.Add(metricConnectAttempts, 1)
	}

	pctx, err := m.pool.Acquire(ip, socketctx.RoleClient)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		m.pool.Release(pctx)
		return api.NewError(api.ErrCodeFatal, "connmgr: socket() failed").WithContext("cause", err.Error())
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		m.pool.Release(pctx)
		return api.NewError(api.ErrCodeFatal, "connmgr: set nonblock failed").WithContext("cause", err.Error())
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	addr := &unix.SockaddrInet4{Port: port}
	ipBytes := ipToBytes(ip)
	copy(addr.Addr[:], ipBytes[:])

	cc := &connectContext{
		pctx:         pctx,
		fd:           fd,
		role:         socketctx.RoleClient,
		ip:           ip,
		port:         port,
		state:        StateConnecting,
		connectStart: m.clk.Now(),
		backoff:      backoff,
	}
	pctx.FD = fd

	m.mu.Lock()
	m.pending[fd] = cc
	m.mu.Unlock()

	err = unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		m.failConnect(cc, err)
		return nil
	}

	if regErr := m.re.Register(uintptr(fd), reactor.EventWrite|reactor.EventError, uintptr(fd), m.onEvent); regErr != nil {
		m.failConnect(cc, regErr)
	}
	return nil
}

// AdoptAccepted registers a freshly accept()-ed connection (server role),
// already CONNECTED, arming it readable to await the peer's hello request
// (spec §4.4 table: "Server ... After CONNECTED: arm readable for
// RECV_DATA").
func (m *Manager) AdoptAccepted(fd int, ip uint32) error {
	pctx, err := m.pool.Acquire(ip, socketctx.RoleServer)
	if err != nil {
		unix.Close(fd)
		return err
	}
	pctx.FD = fd
	_ = unix.SetNonblock(fd, true)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	cc := &connectContext{
		pctx:      pctx,
		fd:        fd,
		role:      socketctx.RoleServer,
		ip:        ip,
		state:     StateRecvData,
		recvStart: m.clk.Now(),
	}

	m.mu.Lock()
	m.pending[fd] = cc
	m.mu.Unlock()

	return m.re.Register(uintptr(fd), reactor.EventRead|reactor.EventError, uintptr(fd), m.onEvent)
}

func (m *Manager) onEvent(fd uintptr, _ uintptr, events reactor.EventType) {
	m.mu.Lock()
	cc, ok := m.pending[int(fd)]
	m.mu.Unlock()
	if !ok {
		return
	}

	if events&reactor.EventError != 0 {
		m.closeAndReconnect(cc, api.ErrFatal)
		return
	}

	switch cc.state {
	case StateConnecting:
		m.handleConnecting(cc)
	case StateSendData:
		m.handleSend(cc)
	case StateRecvData:
		m.handleRecv(cc)
	}
}

func (m *Manager) handleConnecting(cc *connectContext) {
	errno, err := unix.GetsockoptInt(cc.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		m.closeAndReconnect(cc, api.ErrFatal)
		return
	}

	cc.state = StateConnected
	cc.backoff.Reset()

	// Client: arm writable for SEND_DATA (hello request).
	h := wire.NewHeader(wire.FuncHelloRequest, 0, wire.NoSession(cc.ip), 0)
	body, err := EncodeHello(Hello{Major: m.cfg.Versions.Major, Minor: m.cfg.Versions.Minor, MinMajor: m.cfg.Versions.MinMajor, MinMinor: m.cfg.Versions.MinMinor})
	if err != nil {
		m.closeAndReconnect(cc, err)
		return
	}
	h.DataLen = uint32(len(body))
	h.AlignedDataLen = wire.AlignUp(h.DataLen)

	buf := make([]byte, wire.HeaderLen+int(h.AlignedDataLen))
	wire.Encode(h, buf) //nolint:errcheck // buf sized exactly above
	copy(buf[wire.HeaderLen:], body)
	wire.WritePadding(buf[wire.HeaderLen+len(body):])

	cc.outBuf = buf
	cc.outSent = 0
	cc.state = StateSendData
	cc.recvStart = m.clk.Now()
	if err := m.re.Modify(uintptr(cc.fd), reactor.EventWrite|reactor.EventError); err != nil {
		m.closeAndReconnect(cc, err)
		return
	}
	m.handleSend(cc)
}

func (m *Manager) handleSend(cc *connectContext) {
	for cc.outSent < len(cc.outBuf) {
		n, err := unix.Write(cc.fd, cc.outBuf[cc.outSent:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return // wait for next writable event
			}
			if err == unix.EINTR {
				continue
			}
			m.closeAndReconnect(cc, err)
			return
		}
		cc.outSent += n
	}

	cc.outBuf = nil
	cc.state = StateRecvData
	cc.recvStart = m.clk.Now()
	if err := m.re.Modify(uintptr(cc.fd), reactor.EventRead|reactor.EventError); err != nil {
		m.closeAndReconnect(cc, err)
		return
	}
	if cc.role == socketctx.RoleServer {
		// Server already sent its hello response; handshake complete.
		m.promote(cc)
	}
}

func (m *Manager) handleRecv(cc *connectContext) {
	tmp := make([]byte, 4096)
	for {
		n, err := unix.Read(cc.fd, tmp)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			m.closeAndReconnect(cc, err)
			return
		}
		if n == 0 {
			m.closeAndReconnect(cc, api.ErrPeerClosed)
			return
		}
		cc.inBuf = append(cc.inBuf, tmp[:n]...)
		if n < len(tmp) {
			break
		}
	}

	if len(cc.inBuf) < wire.HeaderLen {
		return
	}
	h, err := wire.Decode(cc.inBuf[:wire.HeaderLen])
	if err != nil {
		m.closeAndReconnect(cc, err)
		return
	}
	total := wire.HeaderLen + int(h.AlignedDataLen)
	if len(cc.inBuf) < total {
		return
	}
	body := cc.inBuf[wire.HeaderLen : wire.HeaderLen+int(h.DataLen)]

	switch cc.role {
	case socketctx.RoleClient:
		if h.FuncID != wire.FuncHelloResponse {
			m.closeAndReconnect(cc, api.ErrProtocolError)
			return
		}
		peerHello, err := DecodeHello(body)
		if err != nil {
			m.closeAndReconnect(cc, err)
			return
		}
		major, minor, err := Negotiate(m.cfg.Versions, peerHello)
		if err != nil {
			m.closeAndReconnect(cc, err)
			return
		}
		cc.inBuf = nil
		m.promoteWithVersion(cc, major, minor)

	case socketctx.RoleServer:
		if h.FuncID != wire.FuncHelloRequest {
			m.closeAndReconnect(cc, api.ErrProtocolError)
			return
		}
		peerHello, err := DecodeHello(body)
		if err != nil {
			m.closeAndReconnect(cc, err)
			return
		}
		major, minor, err := Negotiate(m.cfg.Versions, peerHello)
		if err != nil {
			m.closeAndReconnect(cc, err)
			return
		}
		cc.inBuf = nil

		respBody, err := EncodeHello(Hello{Major: major, Minor: minor, MinMajor: m.cfg.Versions.MinMajor, MinMinor: m.cfg.Versions.MinMinor})
		if err != nil {
			m.closeAndReconnect(cc, err)
			return
		}
		respHeader := wire.NewHeader(wire.FuncHelloResponse, uint32(len(respBody)), wire.NoSession(cc.ip), 0)
		buf := make([]byte, wire.HeaderLen+int(respHeader.AlignedDataLen))
		wire.Encode(respHeader, buf) //nolint:errcheck
		copy(buf[wire.HeaderLen:], respBody)
		wire.WritePadding(buf[wire.HeaderLen+len(respBody):])

		cc.outBuf = buf
		cc.outSent = 0
		cc.state = StateSendData
		cc.negotiatedMajor, cc.negotiatedMinor = major, minor
		if err := m.re.Modify(uintptr(cc.fd), reactor.EventWrite|reactor.EventError); err != nil {
			m.closeAndReconnect(cc, err)
			return
		}
		m.handleSend(cc)
	}
}

func (m *Manager) promote(cc *connectContext) {
	m.promoteWithVersion(cc, cc.negotiatedMajor, cc.negotiatedMinor)
}

func (m *Manager) promoteWithVersion(cc *connectContext, major, minor uint32) {
	_ = m.re.Unregister(uintptr(cc.fd))
	m.mu.Lock()
	delete(m.pending, cc.fd)
	first := !m.upNotified[cc.ip]
	m.upNotified[cc.ip] = true
	m.mu.Unlock()

	if m.cb.Promote != nil {
		m.cb.Promote(cc.pctx, cc.role, major, minor)
	}
	_ = first // de-dupe recorded; a machine registry consumes it via Promote's first call per peer
}

func (m *Manager) failConnect(cc *connectContext, cause error) {
	m.log.Debug("connect failed", zap.Uint32("peer_ip", cc.ip), zap.Error(cause))
	m.closeAndReconnect(cc, cause)
}

// closeAndReconnect tears down cc's socket and, for client-role sockets,
// schedules a reconnect after the back-off interval (spec §4.4, §4.6
// "if client role, re-enters make_connection to schedule a reconnect").
func (m *Manager) closeAndReconnect(cc *connectContext, cause error) {
	_ = m.re.Unregister(uintptr(cc.fd))
	unix.Close(cc.fd)

	m.mu.Lock()
	delete(m.pending, cc.fd)
	m.mu.Unlock()

	m.pool.Release(cc.pctx)

	if m.cb.ConnectionClosed != nil {
		m.cb.ConnectionClosed(cc.ip)
	}

	if cc.role == socketctx.RoleServer {
		return
	}

	m.mu.Lock()
	stopped := m.stopped[cc.ip]
	m.mu.Unlock()
	if stopped {
		return
	}

	peerDead := m.cb.PeerDead != nil && m.cb.PeerDead(cc.ip)
	delay := cc.backoff.Next(peerDead)
	ip, port := cc.ip, cc.port
	m.clk.AfterFunc(delay, func() {
		m.mu.Lock()
		stillStopped := m.stopped[ip]
		m.mu.Unlock()
		if stillStopped {
			return
		}
		_ = m.startConnect(ip, port, cc.backoff)
	})
}

// SweepTimeouts closes pre-handshake sockets stuck past their deadlines:
// CONNECTING times out at cfg.ConnectTimeout; RECV_DATA at cfg.RecvTimeout
// (spec §4.4 "Connection/handshake timeouts"). Reaps at most
// cfg.MaxTimeoutsPerSweep sockets.
func (m *Manager) SweepTimeouts(now time.Time) {
	m.mu.Lock()
	var victims []*connectContext
	for _, cc := range m.pending {
		switch cc.state {
		case StateConnecting:
			if now.Sub(cc.connectStart) >= m.cfg.ConnectTimeout {
				victims = append(victims, cc)
			}
		case StateRecvData:
			if now.Sub(cc.recvStart) >= m.cfg.RecvTimeout {
				victims = append(victims, cc)
			}
		}
		if len(victims) >= m.cfg.MaxTimeoutsPerSweep {
			break
		}
	}
	m.mu.Unlock()

	for _, cc := range victims {
		m.closeAndReconnect(cc, api.ErrOperationTimeout)
	}
}

func ipToBytes(ip uint32) [4]byte {
	return [4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}
}
