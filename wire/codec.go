// File: wire/codec.go
// Package wire implements the cluster frame header codec with alignment
// and size-cap enforcement.
// Author: momentics <momentics@gmail.com>
//
// Generalized from the teacher's DecodeFrameFromBytes/EncodeFrameToBytes
// (core/protocol/frame_codec.go) replacing the variable-length WebSocket
// header with the engine's fixed HeaderLen record, per spec §4.1.

package wire

import (
	"encoding/binary"

	"github.com/momentics/clustermesh/api"
)

// CheckMagic controls whether Decode validates the magic tag. Tests that
// exercise raw byte streams without a magic word may disable it.
var CheckMagic = true

// Encode serializes h into dst, which must be at least HeaderLen bytes.
// Returns the number of bytes written (always HeaderLen).
func Encode(h Header, dst []byte) (int, error) {
	if len(dst) < HeaderLen {
		return 0, api.NewError(api.ErrCodeInvalidArgument, "wire: dst shorter than HeaderLen")
	}
	if h.AlignedDataLen > MaxMsgLength {
		return 0, api.NewError(api.ErrCodeProtocolError, "wire: aligned_data_len exceeds MaxMsgLength")
	}

	binary.NativeEndian.PutUint32(dst[0:4], h.Magic)
	binary.NativeEndian.PutUint32(dst[4:8], uint32(h.FuncID))
	binary.NativeEndian.PutUint32(dst[8:12], h.DataLen)
	binary.NativeEndian.PutUint32(dst[12:16], h.AlignedDataLen)
	binary.NativeEndian.PutUint32(dst[16:20], h.Session.PeerIP)
	binary.NativeEndian.PutUint32(dst[20:24], h.Session.Timestamp)
	binary.NativeEndian.PutUint32(dst[24:28], h.Session.Sequence)
	binary.NativeEndian.PutUint32(dst[28:32], h.MsgSeq)
	return HeaderLen, nil
}

// Decode parses a Header from src, which must hold at least HeaderLen bytes.
// It validates the magic tag (unless CheckMagic is false) and the aligned
// body length cap, returning a *api.Error wrapping api.ErrProtocolError on
// violation (spec §4.1: "reject otherwise with a protocol error and close").
func Decode(src []byte) (Header, error) {
	var h Header
	if len(src) < HeaderLen {
		return h, api.NewError(api.ErrCodeInvalidArgument, "wire: src shorter than HeaderLen")
	}

	h.Magic = binary.NativeEndian.Uint32(src[0:4])
	h.FuncID = FuncID(binary.NativeEndian.Uint32(src[4:8]))
	h.DataLen = binary.NativeEndian.Uint32(src[8:12])
	h.AlignedDataLen = binary.NativeEndian.Uint32(src[12:16])
	h.Session.PeerIP = binary.NativeEndian.Uint32(src[16:20])
	h.Session.Timestamp = binary.NativeEndian.Uint32(src[20:24])
	h.Session.Sequence = binary.NativeEndian.Uint32(src[24:28])
	h.MsgSeq = binary.NativeEndian.Uint32(src[28:32])

	if CheckMagic && h.Magic != DefaultMagic {
		return h, api.NewError(api.ErrCodeProtocolError, "wire: magic mismatch").
			WithContext("got", h.Magic).WithContext("want", DefaultMagic)
	}
	if h.AlignedDataLen > MaxMsgLength {
		return h, api.NewError(api.ErrCodeProtocolError, "wire: aligned_data_len exceeds MaxMsgLength").
			WithContext("aligned_data_len", h.AlignedDataLen)
	}
	if h.AlignedDataLen < h.DataLen {
		return h, api.NewError(api.ErrCodeProtocolError, "wire: aligned_data_len shorter than data_len")
	}
	return h, nil
}

// WritePadding fills dst (length h.PaddingLen()) with the sender's padding
// scratch bytes. Per spec §9 open questions, padding content is sender
// discretion; clustermesh zero-fills like the original implementation.
func WritePadding(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
}
