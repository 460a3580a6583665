// File: wire/header.go
// Author: momentics <momentics@gmail.com>
//
// Frame header type shared by the codec, the read framer and the scheduler.
// Generalized from the teacher's WebSocket frame shape
// (core/protocol/frame_codec.go) into the cluster engine's fixed
// 16-byte-aligned header, per original_source/iocore/cluster/nio.cc's
// MsgHeader layout.

package wire

// SessionID identifies a logical request/correlation tracked by the
// collaborating session layer: (peer ip, wall-clock timestamp, sequence).
// A Sequence of NoSessionSequence means "no session tracking" and is used
// by hello and ping frames.
type SessionID struct {
	PeerIP    uint32
	Timestamp uint32
	Sequence  uint32
}

// NoSession is the sentinel SessionID used by hello/ping frames.
func NoSession(peerIP uint32) SessionID {
	return SessionID{PeerIP: peerIP, Sequence: NoSessionSequence}
}

// TracksSession reports whether this SessionID denotes a real session.
func (s SessionID) TracksSession() bool {
	return s.Sequence != NoSessionSequence
}

// Header is the fixed-layout, HeaderLen-byte frame header. Fields are
// emitted/parsed in host byte order between peers that negotiated a
// compatible major version (spec §4.1: "no endianness negotiation is
// performed").
type Header struct {
	Magic          uint32
	FuncID         FuncID
	DataLen        uint32 // true payload length
	AlignedDataLen uint32 // DataLen padded up to Align
	Session        SessionID
	MsgSeq         uint32
}

// NewHeader builds a header with AlignedDataLen derived from dataLen.
func NewHeader(funcID FuncID, dataLen uint32, session SessionID, msgSeq uint32) Header {
	return Header{
		Magic:          DefaultMagic,
		FuncID:         funcID,
		DataLen:        dataLen,
		AlignedDataLen: AlignUp(dataLen),
		Session:        session,
		MsgSeq:         msgSeq,
	}
}

// TotalLen is the on-wire length of header+body+padding for this frame.
func (h Header) TotalLen() uint32 {
	return HeaderLen + h.AlignedDataLen
}

// PaddingLen is the number of alignment padding bytes following the body.
func (h Header) PaddingLen() uint32 {
	return h.AlignedDataLen - h.DataLen
}
