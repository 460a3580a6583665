// File: session/session.go
// Author: momentics <momentics@gmail.com>
//
// Session store: the "session" collaborator from spec.md §6
// (init_machine_sessions/get_response_session/push_in_message/
// release_out_message/new_RecvBuffer/new_IOBufferBlock). Like machine/,
// spec.md frames this as an external collaborator; this is the minimal
// in-memory reference implementation, grounded on
// original_source/iocore/cluster/machine.cc's per-peer ClusterSession
// table (keyed by sequence number) generalized to Go's wire.SessionID.

package session

import (
	"sync"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/wire"
)

// DealFunc is the application callback invoked for a session that demands
// a synchronous reply (spec.md §6 "deal_func(session_id, user_data,
// func_id, blocks, data_len)").
type DealFunc func(session wire.SessionID, userData any, funcID wire.FuncID, blocks []api.Buffer, dataLen uint32) error

// InMessage is one frame handed to a session's asynchronous in-queue via
// push_in_message, when the session does not demand a synchronous
// callback.
type InMessage struct {
	FuncID   wire.FuncID
	Blocks   []api.Buffer
	DataLen  uint32
}

// Entry is one tracked session: either synchronous (CallFunc set) or
// asynchronous (messages land on In).
type Entry struct {
	ID       wire.SessionID
	PeerIP   uint32
	CallFunc DealFunc
	UserData any

	mu sync.Mutex
	In chan InMessage
}

// PushInMessage delivers a frame into this session's in-queue
// (spec.md §6 "push_in_message(session_id, peer_sessions, session_entry,
// func_id, blocks, data_len)"). Non-blocking: a full queue drops the
// oldest message, mirroring a bounded mailbox rather than blocking the
// worker goroutine that decoded the frame.
func (e *Entry) PushInMessage(funcID wire.FuncID, blocks []api.Buffer, dataLen uint32) {
	msg := InMessage{FuncID: funcID, Blocks: blocks, DataLen: dataLen}
	select {
	case e.In <- msg:
	default:
		e.mu.Lock()
		select {
		case stale := <-e.In:
			for _, b := range stale.Blocks {
				b.Release()
			}
		default:
		}
		e.mu.Unlock()
		select {
		case e.In <- msg:
		default:
			for _, b := range blocks {
				b.Release()
			}
		}
	}
}

// Store tracks sessions keyed by the full SessionID (peer ip, timestamp, sequence)
// (spec.md §3's opaque SessionID, §6's per-peer session table).
type Store struct {
	mu       sync.RWMutex
	sessions map[wire.SessionID]*Entry
}

// NewStore constructs an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[wire.SessionID]*Entry)}
}

// InitMachineSessions prepares (or tears down, on disconnect) the session
// table for one peer (spec.md §6 "init_machine_sessions(peer, bool)").
// up=false drops every tracked session for that peer, releasing any
// buffered in-messages.
func (s *Store) InitMachineSessions(peerIP uint32, up bool) {
	if up {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.sessions {
		if id.PeerIP != peerIP {
			continue
		}
		drainAndClose(e)
		delete(s.sessions, id)
	}
}

func drainAndClose(e *Entry) {
	for {
		select {
		case msg := <-e.In:
			for _, b := range msg.Blocks {
				b.Release()
			}
		default:
			return
		}
	}
}

// Register binds a session id to either a synchronous callback or an
// asynchronous in-queue. Exactly one of (callFunc) or a later Entry.In
// consumer should be used per session.
func (s *Store) Register(id wire.SessionID, callFunc DealFunc, userData any) *Entry {
	e := &Entry{ID: id, PeerIP: id.PeerIP, CallFunc: callFunc, UserData: userData, In: make(chan InMessage, 64)}
	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()
	return e
}

// GetResponseSession resolves a decoded header to its tracked session
// (spec.md §6 "get_response_session(header, out peer_sessions,
// out session_entry, sock_ctx, out call_func, out user_data)"). A
// NoSession header (hello/ping) never resolves here — those are handled
// directly by dispatch before reaching session lookup.
func (s *Store) GetResponseSession(h wire.Header) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[h.Session]
	return e, ok
}

// Deliver routes a decoded frame's body to its session: synchronous
// callback if CallFunc is set, else the async in-queue (spec.md §4.8
// "invoke deal ... else push into the session's in-queue").
func (e *Entry) Deliver(funcID wire.FuncID, blocks []api.Buffer, dataLen uint32) error {
	if e.CallFunc != nil {
		return e.CallFunc(e.ID, e.UserData, funcID, blocks, dataLen)
	}
	e.PushInMessage(funcID, blocks, dataLen)
	return nil
}
