//go:build linux

package reactor_test

import (
	"os"
	"testing"
	"time"

	"github.com/momentics/clustermesh/reactor"
)

func TestRegisterAndPollReadable(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()

	rd, wr, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer rd.Close()
	defer wr.Close()

	fired := make(chan reactor.EventType, 1)
	err = r.Register(rd.Fd(), reactor.EventRead, 0x1234, func(fd uintptr, userData uintptr, events reactor.EventType) {
		if userData != 0x1234 {
			t.Errorf("userData mismatch: got %x", userData)
		}
		fired <- events
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := wr.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = r.Poll(1000)
		close(done)
	}()

	select {
	case ev := <-fired:
		if ev&reactor.EventRead == 0 {
			t.Fatalf("expected EventRead, got %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readable event")
	}
	<-done

	if err := r.Unregister(rd.Fd()); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}
