package wire_test

import (
	"bytes"
	"testing"

	"github.com/momentics/clustermesh/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := wire.NewHeader(7, 13, wire.SessionID{PeerIP: 0x0a000001, Timestamp: 1234, Sequence: 42}, 99)

	buf := make([]byte, wire.HeaderLen)
	n, err := wire.Encode(h, buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n != wire.HeaderLen {
		t.Fatalf("encode wrote %d bytes, want %d", n, wire.HeaderLen)
	}

	got, err := wire.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestAlignedDataLenRounding(t *testing.T) {
	h := wire.NewHeader(1, 13, wire.SessionID{}, 0)
	if h.AlignedDataLen != 16 {
		t.Fatalf("aligned_data_len = %d, want 16", h.AlignedDataLen)
	}
	if h.PaddingLen() != 3 {
		t.Fatalf("padding = %d, want 3", h.PaddingLen())
	}

	exact := wire.NewHeader(1, 16, wire.SessionID{}, 0)
	if exact.AlignedDataLen != 16 || exact.PaddingLen() != 0 {
		t.Fatalf("exact multiple should need no padding, got %+v", exact)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	h := wire.NewHeader(1, 16, wire.SessionID{}, 0)
	h.AlignedDataLen = wire.MaxMsgLength + wire.Align
	buf := make([]byte, wire.HeaderLen)
	if _, err := wire.Encode(h, buf); err == nil {
		t.Fatalf("encode should reject aligned_data_len above MaxMsgLength")
	}

	// Hand-craft an oversized header bypassing Encode's own check.
	raw := make([]byte, wire.HeaderLen)
	okHeader := wire.NewHeader(1, 16, wire.SessionID{}, 0)
	_, _ = wire.Encode(okHeader, raw)
	// Corrupt aligned_data_len field in place (offset 12..16).
	copy(raw[12:16], []byte{0xff, 0xff, 0xff, 0x7f})
	if _, err := wire.Decode(raw); err == nil {
		t.Fatalf("decode should reject corrupted oversized aligned_data_len")
	}
}

func TestDecodeRejectsMagicMismatch(t *testing.T) {
	h := wire.NewHeader(1, 8, wire.SessionID{}, 0)
	buf := make([]byte, wire.HeaderLen)
	_, _ = wire.Encode(h, buf)
	buf[0] ^= 0xff

	if _, err := wire.Decode(buf); err == nil {
		t.Fatalf("decode should reject magic mismatch")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, err := wire.Decode(bytes.Repeat([]byte{0}, wire.HeaderLen-1)); err == nil {
		t.Fatalf("decode should reject short buffer")
	}
}

func TestFuncIDIsInternal(t *testing.T) {
	if !wire.FuncHelloRequest.IsInternal() {
		t.Fatalf("hello request func id should be internal")
	}
	if wire.FuncID(5).IsInternal() {
		t.Fatalf("positive func id should not be internal")
	}
}
