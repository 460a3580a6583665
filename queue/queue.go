// File: queue/queue.go
// Author: momentics <momentics@gmail.com>
//
// Per-(socket, priority) FIFO send queue. Generalized from the teacher's
// own dependency github.com/eapache/queue (a growable ring buffer) as the
// backing store, wrapped with the per-queue lock spec §5 calls for and the
// head-resident-partial-message discipline spec §4.3 requires.

package queue

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is a lock-protected FIFO of *Message for one (socket, priority)
// pair. Within a single Queue, per-message bytes are delivered in FIFO
// order (spec §5 ordering guarantee); a message with BytesSent > 0 stays
// at the head until Done().
type Queue struct {
	mu sync.Mutex
	q  *queue.Queue
}

// New creates an empty send queue.
func New() *Queue {
	return &Queue{q: queue.New()}
}

// PushBack appends a message to the tail of the queue.
func (s *Queue) PushBack(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.Add(m)
}

// PushHead inserts m at the front of the queue, unless the current head has
// already had bytes transmitted — in that case m is inserted immediately
// after it, preserving the invariant that a partially-sent message stays
// at the head until complete (spec §4.3 "insert at head").
func (s *Queue) PushHead(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.q.Length()
	if n == 0 {
		s.q.Add(m)
		return
	}

	head := s.q.Peek().(*Message)
	insertAt := 0
	if head.BytesSent > 0 {
		insertAt = 1
	}

	rest := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		rest = append(rest, s.q.Remove().(*Message))
	}
	for i, msg := range rest {
		if i == insertAt {
			s.q.Add(m)
		}
		s.q.Add(msg)
	}
	if insertAt == n {
		s.q.Add(m)
	}
}

// Len returns the current number of queued messages.
func (s *Queue) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Length()
}

// Snapshot returns the queued messages in FIFO order without removing them,
// for the scheduler's scatter-gather batch build.
func (s *Queue) Snapshot() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.q.Length()
	out := make([]*Message, n)
	for i := 0; i < n; i++ {
		out[i] = s.q.Get(i).(*Message)
	}
	return out
}

// DetachDone atomically removes the contiguous done prefix (messages with
// Done() true) from the head of the queue and releases each of them
// (spec §4.3 "Completion"). Returns the count detached.
func (s *Queue) DetachDone() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for s.q.Length() > 0 {
		head := s.q.Peek().(*Message)
		if !head.Done() {
			break
		}
		s.q.Remove()
		head.release()
		n++
	}
	return n
}

// Clear drops every queued message, releasing each (spec §4.6
// close_socket: "clears both reader block chain and outbound queues").
// Returns the count of dropped messages for counters.
func (s *Queue) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.q.Length()
	for i := 0; i < n; i++ {
		m := s.q.Remove().(*Message)
		m.release()
	}
	return n
}
