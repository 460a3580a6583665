package connmgr_test

import (
	"testing"
	"time"

	"github.com/momentics/clustermesh/connmgr"
)

func TestBackoffDoublesAndCapsForLivePeer(t *testing.T) {
	b := connmgr.NewBackoff()
	prev := b.Current()
	for i := 0; i < 20; i++ {
		next := b.Next(false)
		if next < prev {
			t.Fatalf("backoff must not decrease: prev=%v next=%v", prev, next)
		}
		prev = next
	}
	if prev != 30000*time.Millisecond {
		t.Fatalf("expected live cap 30s, got %v", prev)
	}
}

func TestBackoffCapsLowerForDeadPeer(t *testing.T) {
	b := connmgr.NewBackoff()
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.Next(true)
	}
	if last != 1000*time.Millisecond {
		t.Fatalf("expected dead-peer cap 1s, got %v", last)
	}
}

func TestBackoffResetReturnsToInitial(t *testing.T) {
	b := connmgr.NewBackoff()
	b.Next(false)
	b.Next(false)
	b.Reset()
	if b.Current() != 100*time.Millisecond {
		t.Fatalf("expected reset to 100ms, got %v", b.Current())
	}
}
