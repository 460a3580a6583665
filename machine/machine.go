// File: machine/machine.go
// Author: momentics <momentics@gmail.com>
//
// Peer registry: the "machine" collaborator from spec.md §6
// (get_machine/add_machine/init_machines/machine_up_notify/
// machine_add_connection/machine_remove_connection). Spec.md frames this
// contract as an external collaborator; this package is the minimal
// in-memory reference implementation used by the demo binary and tests,
// grounded on the round-robin peer-slot array shape described in
// original_source/iocore/cluster/machine.cc (ClusterMachine +
// MachineList) but rebuilt as a plain map since this engine does not
// replicate the original's fixed MAX_MACHINE_COUNT open-addressing probe
// table (spec.md §8's "probes at most MAX_MACHINE_COUNT slots" invariant
// is honored by a map lookup, which is O(1) and trivially satisfies it).

package machine

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/clustermesh/socketctx"
)

// Machine is one cluster peer: its address and the set of sockets
// currently connecting it to the local node (spec.md §4.5 "N connections
// per peer, split half outbound/half inbound").
type Machine struct {
	IP   uint32
	Port int

	mu          sync.RWMutex
	up          bool
	connections []*socketctx.Context
	rrIndex     atomic.Uint64
}

// Up reports whether machine_up_notify has fired for this peer and it
// still has at least one live connection.
func (m *Machine) Up() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.up && len(m.connections) > 0
}

// Connections returns a snapshot of this peer's live socket contexts.
func (m *Machine) Connections() []*socketctx.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*socketctx.Context, len(m.connections))
	copy(out, m.connections)
	return out
}

// NextConnection returns one connection via atomic round robin
// (spec.md §6 "get_socket_context ... returns one socket by round robin
// for outbound send"), or nil if the peer has none.
func (m *Machine) NextConnection() *socketctx.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.connections) == 0 {
		return nil
	}
	idx := m.rrIndex.Add(1) - 1
	return m.connections[idx%uint64(len(m.connections))]
}

// Registry tracks all known peers by IP.
type Registry struct {
	mu       sync.RWMutex
	machines map[uint32]*Machine
}

// NewRegistry constructs an empty peer registry (spec.md §6
// "init_machines").
func NewRegistry() *Registry {
	return &Registry{machines: make(map[uint32]*Machine)}
}

// Get returns the machine for ip, or nil if unknown (spec.md §6
// "get_machine(ip, port) → peer | nil").
func (r *Registry) Get(ip uint32) *Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[ip]
}

// Lookup reports whether ip has been registered via Add/AddConnection
// (spec.md §6 "get_machine(ip, port) → peer | nil", used by the accept
// path to reject sockets from peers the cluster was never configured to
// talk to — original_source/iocore/cluster/connection.cc rejects an
// accept whose peer has no machine slot rather than allocating one for
// it on the fly).
func (r *Registry) Lookup(ip uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.machines[ip]
	return ok
}

// Add registers a new peer, or returns the existing one if already
// present (spec.md §6 "add_machine(ip, port)").
func (r *Registry) Add(ip uint32, port int) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[ip]; ok {
		return m
	}
	m := &Machine{IP: ip, Port: port}
	r.machines[ip] = m
	return m
}

// AddConnection attaches ctx to ip's connection set (spec.md §6
// "machine_add_connection(sock_ctx)").
func (r *Registry) AddConnection(ip uint32, ctx *socketctx.Context) {
	m := r.Add(ip, 0)
	m.mu.Lock()
	m.connections = append(m.connections, ctx)
	m.mu.Unlock()
}

// RemoveConnection detaches ctx from its peer's connection set
// (spec.md §6 "machine_remove_connection(sock_ctx)").
func (r *Registry) RemoveConnection(ip uint32, ctx *socketctx.Context) {
	r.mu.RLock()
	m, ok := r.machines[ip]
	r.mu.RUnlock()
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.connections {
		if c == ctx {
			m.connections = append(m.connections[:i], m.connections[i+1:]...)
			break
		}
	}
}

// UpNotifyFunc is the application callback registered once at init
// (spec.md §6 "machine_change_notify(ip, up?)").
type UpNotifyFunc func(ip uint32, up bool)

// MarkUp flips a peer's up/down state and fires notify exactly once per
// transition (spec.md §6 "machine_up_notify(peer)").
func (r *Registry) MarkUp(ip uint32, notify UpNotifyFunc) {
	r.mu.RLock()
	m, ok := r.machines[ip]
	r.mu.RUnlock()
	if !ok {
		return
	}
	m.mu.Lock()
	wasUp := m.up
	m.up = true
	m.mu.Unlock()
	if !wasUp && notify != nil {
		notify(ip, true)
	}
}

// MarkDownIfEmpty flips a peer's up state to false once its connection
// set drains to zero, and fires notify on that transition.
func (r *Registry) MarkDownIfEmpty(ip uint32, notify UpNotifyFunc) {
	r.mu.RLock()
	m, ok := r.machines[ip]
	r.mu.RUnlock()
	if !ok {
		return
	}
	m.mu.Lock()
	empty := len(m.connections) == 0
	wasUp := m.up
	if empty {
		m.up = false
	}
	m.mu.Unlock()
	if empty && wasUp && notify != nil {
		notify(ip, false)
	}
}
