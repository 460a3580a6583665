// File: queue/message.go
// Author: momentics <momentics@gmail.com>
//
// Out-message: an outbound buffered frame (spec §3 "Out-message").
// Generalized from the teacher's api.Buffer discipline (zero-copy slicing,
// explicit Release) applied to a chain of body blocks instead of a single
// WebSocket payload.

package queue

import (
	"time"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/wire"
)

// SourceKind discriminates an out-message's body representation.
type SourceKind int

const (
	// SourceInline carries a small body copied into Inline at enqueue time.
	SourceInline SourceKind = iota
	// SourceObject carries a chain of reference-counted buffer blocks.
	SourceObject
)

// MaxInlineBytes bounds the mini-buffer used for SourceInline messages.
const MaxInlineBytes = 256

// Message is a single outbound frame plus its transmission cursor.
type Message struct {
	Header Header

	Source SourceKind
	Inline [MaxInlineBytes]byte
	Blocks []api.Buffer // SourceObject only; chain is consumed front-to-back

	// BytesSent counts bytes of header+body+padding already written to the
	// socket. The message is complete when BytesSent == Header.TotalLen().
	BytesSent uint32

	EnqueuedAt time.Time

	// Version is the socket-context version captured when this message was
	// bound to its socket; a send whose Version no longer matches the
	// socket's current version is rejected (spec §5 "StaleSession").
	Version uint64

	// Release, if set, is invoked once the message has been fully
	// transmitted or dropped, to return resources (blocks, pooled struct)
	// to the allocator (spec §6 "release_out_message").
	Release func(*Message)
}

// Header is a local alias to avoid a wire. qualifier at every call site in
// this package while keeping the type identity (wire.Header) for callers.
type Header = wire.Header

// BodyLen returns the message's full body length (padding excluded),
// honoring its source kind; bytes already sent are not subtracted.
func (m *Message) BodyLen() int {
	if m.Source == SourceInline {
		return int(m.Header.DataLen)
	}
	total := 0
	for _, b := range m.Blocks {
		total += len(b.Bytes())
	}
	return total
}

// Done reports whether the message has been fully transmitted.
func (m *Message) Done() bool {
	return m.BytesSent >= m.Header.TotalLen()
}

// release returns all blocks to their pools and invokes the caller's
// release hook, if any. Safe to call multiple times.
func (m *Message) release() {
	for _, b := range m.Blocks {
		b.Release()
	}
	m.Blocks = nil
	if rel := m.Release; rel != nil {
		m.Release = nil
		rel(m)
	}
}
