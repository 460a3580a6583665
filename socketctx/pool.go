// File: socketctx/pool.go
// Author: momentics <momentics@gmail.com>
//
// Fixed-capacity per-peer socket context pool (spec §4.5). Grounded on
// original_source/iocore/cluster/connection.cc's get_machine_index (linear
// probing on ip % MAX_MACHINE_COUNT) and its accept/connect free lists,
// translated into an arena+index layout instead of a global C array.

package socketctx

import (
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/clustermesh/api"
)

// AcceptSlot is the fixed arena index reserved for the listening socket
// (spec §4.5: "Slot 0 is the accept socket").
const AcceptSlot = 0

type peerSlot struct {
	ip         uint32
	used       bool
	clientFree []*Context // connect free list (role=RoleClient)
	serverFree []*Context // accept free list (role=RoleServer)
	contexts   []*Context // all C contexts owned by this peer slot
}

// Pool owns the fixed arena of socket contexts and the per-peer free lists
// carved out of it (spec §4.5).
type Pool struct {
	mu  sync.Mutex
	log *zap.Logger

	connections int // C, per-peer connection count (even)
	maxMachines int
	numWorkers  int

	arena []*Context // size connections*maxMachines + 1; arena[0] is AcceptSlot
	peers []peerSlot // size maxMachines

	nextWorker int // round-robin cursor for worker assignment at peer-slot init
}

// New builds the fixed arena: one context for the accept slot plus
// connections*maxMachines per-peer contexts, round-robin assigned to
// numWorkers workers. connections must be even (spec §3 invariant).
func New(connections, maxMachines, numWorkers int) (*Pool, error) {
	if connections <= 0 || connections%2 != 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "socketctx: connections must be a positive even number")
	}
	if maxMachines <= 0 || numWorkers <= 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "socketctx: maxMachines and numWorkers must be positive")
	}

	p := &Pool{
		log:         zap.NewNop(),
		connections: connections,
		maxMachines: maxMachines,
		numWorkers:  numWorkers,
		arena:       make([]*Context, connections*maxMachines+1),
		peers:       make([]peerSlot, maxMachines),
	}

	p.arena[AcceptSlot] = newContext(AcceptSlot, RoleServer)

	for peerIdx := 0; peerIdx < maxMachines; peerIdx++ {
		base := 1 + peerIdx*connections
		ps := &p.peers[peerIdx]
		ps.contexts = make([]*Context, connections)
		for i := 0; i < connections; i++ {
			role := RoleServer
			if i >= connections/2 {
				role = RoleClient
			}
			ctx := newContext(base+i, role)
			ctx.Worker = p.nextWorker
			p.nextWorker = (p.nextWorker + 1) % p.numWorkers
			ps.contexts[i] = ctx
			p.arena[base+i] = ctx
			if role == RoleServer {
				ps.serverFree = append(ps.serverFree, ctx)
			} else {
				ps.clientFree = append(ps.clientFree, ctx)
			}
		}
	}

	return p, nil
}

// SetLogger attaches a logger for Acquire/Release diagnostics; callers
// that never set one get a no-op logger from New.
func (p *Pool) SetLogger(log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	p.log = log
}

// get_machine_index: deterministic lookup of an already-registered peer
// slot for ip, probing at most maxMachines slots (spec §8 testable
// property).
func (p *Pool) indexForIP(ip uint32) (int, bool) {
	id := int(ip % uint32(p.maxMachines))
	for count := 0; count < p.maxMachines; count++ {
		idx := (id + count) % p.maxMachines
		if p.peers[idx].used && p.peers[idx].ip == ip {
			return idx, true
		}
	}
	return -1, false
}

// alloc_machine_index: find a free (or already-owned) slot for ip.
func (p *Pool) allocIndexForIP(ip uint32) (int, error) {
	if idx, ok := p.indexForIP(ip); ok {
		return idx, nil
	}
	id := int(ip % uint32(p.maxMachines))
	for count := 0; count <= p.maxMachines; count++ {
		idx := (id + count) % p.maxMachines
		if !p.peers[idx].used {
			p.peers[idx].used = true
			p.peers[idx].ip = ip
			return idx, nil
		}
	}
	return -1, api.NewError(api.ErrCodeResourceExhausted, "socketctx: no free peer slot")
}

// PeerIndex returns the peer slot index for ip, allocating one if this is
// the first time ip is seen.
func (p *Pool) PeerIndex(ip uint32) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocIndexForIP(ip)
}

// Acquire pops a context for ip/role from the appropriate free list.
// Returns api.ErrCodeResourceExhausted if the list is empty.
func (p *Pool) Acquire(ip uint32, role Role) (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	peerIdx, err := p.allocIndexForIP(ip)
	if err != nil {
		return nil, err
	}
	ps := &p.peers[peerIdx]

	var list *[]*Context
	if role == RoleServer {
		list = &ps.serverFree
	} else {
		list = &ps.clientFree
	}
	if len(*list) == 0 {
		return nil, api.NewError(api.ErrCodeResourceExhausted, "socketctx: free list exhausted").
			WithContext("role", role.String()).WithContext("peer_ip", ip)
	}

	n := len(*list)
	ctx := (*list)[n-1]
	*list = (*list)[:n-1]
	ctx.PeerIP = ip
	p.log.Debug("socket context acquired",
		zap.Int("fd_slot", ctx.Slot), zap.Uint32("peer_ip", ip), zap.Stringer("role", role))
	return ctx, nil
}

// Release returns ctx to its peer's free list, bumping its version so any
// stale enqueue against the prior incarnation is rejected, and resetting
// its transient state (spec §4.6 close_socket, §5 version semantics).
func (p *Pool) Release(ctx *Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx.bumpVersion()
	peerIP := ctx.PeerIP
	role := ctx.Role
	ctx.reset()
	p.log.Debug("socket context released",
		zap.Int("fd_slot", ctx.Slot), zap.Uint32("peer_ip", peerIP), zap.Stringer("role", role))

	peerIdx, ok := p.indexForIP(peerIP)
	if !ok {
		return // peer slot gone; nothing to recycle into
	}
	ps := &p.peers[peerIdx]
	if role == RoleServer {
		ps.serverFree = append(ps.serverFree, ctx)
	} else {
		ps.clientFree = append(ps.clientFree, ctx)
	}
}

// ActiveContexts returns every context currently assigned to worker w,
// across all peers, that is not sitting in a free list (FD >= 0).
func (p *Pool) ActiveContexts(worker int) []*Context {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Context
	for i := range p.peers {
		for _, ctx := range p.peers[i].contexts {
			if ctx.Worker == worker && ctx.FD >= 0 {
				out = append(out, ctx)
			}
		}
	}
	return out
}

// AcceptContext returns the fixed listening-socket context.
func (p *Pool) AcceptContext() *Context {
	return p.arena[AcceptSlot]
}

// PeerContexts returns every context (free or in-use) belonging to ip, for
// load-spreading round-robin outbound sends (spec §3 "peer record ...
// list of currently connected sockets").
func (p *Pool) PeerContexts(ip uint32) []*Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.indexForIP(ip)
	if !ok {
		return nil
	}
	out := make([]*Context, len(p.peers[idx].contexts))
	copy(out, p.peers[idx].contexts)
	return out
}
