package connmgr_test

import (
	"testing"

	"github.com/momentics/clustermesh/connmgr"
)

func TestNegotiateExactMatch(t *testing.T) {
	local := connmgr.Versions{Major: 3, Minor: 1, MinMajor: 1, MinMinor: 0}
	peer := connmgr.Hello{Major: 3, Minor: 1, MinMajor: 1, MinMinor: 0}

	major, minor, err := connmgr.Negotiate(local, peer)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if major != 3 || minor != 1 {
		t.Fatalf("expected (3,1), got (%d,%d)", major, minor)
	}
}

func TestNegotiateMinorMismatchTolerance(t *testing.T) {
	local := connmgr.Versions{Major: 3, Minor: 2, MinMajor: 1, MinMinor: 0}
	peer := connmgr.Hello{Major: 3, Minor: 1, MinMajor: 1, MinMinor: 0}

	major, minor, err := connmgr.Negotiate(local, peer)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if major != 3 {
		t.Fatalf("expected major 3, got %d", major)
	}
	if minor != 1 {
		t.Fatalf("expected peer minor 1 kept, got %d", minor)
	}
}

func TestNegotiateDownshiftWhenPeerMajorLower(t *testing.T) {
	local := connmgr.Versions{Major: 4, Minor: 0, MinMajor: 2, MinMinor: 0}
	peer := connmgr.Hello{Major: 3, Minor: 5, MinMajor: 2, MinMinor: 0}

	major, minor, err := connmgr.Negotiate(local, peer)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if major != 3 {
		t.Fatalf("expected downshift to peer major 3, got %d", major)
	}
	// major != local.Major (4), so minor must be forced to 0 per spec.
	if minor != 0 {
		t.Fatalf("expected minor 0 on major mismatch, got %d", minor)
	}
}

func TestNegotiateNoOverlapRejected(t *testing.T) {
	local := connmgr.Versions{Major: 5, Minor: 0, MinMajor: 5, MinMinor: 0}
	peer := connmgr.Hello{Major: 2, Minor: 0, MinMajor: 1, MinMinor: 0}

	if _, _, err := connmgr.Negotiate(local, peer); err == nil {
		t.Fatalf("expected protocol error on no version overlap")
	}
}
