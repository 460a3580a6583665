//go:build linux

package connmgr_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/clustermesh/connmgr"
	"github.com/momentics/clustermesh/reactor"
	"github.com/momentics/clustermesh/socketctx"
)

func loopbackIP(t *testing.T) uint32 {
	t.Helper()
	return (127 << 24) | 1
}

func listenEphemeral(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return ln, port
}

// TestBasicHandshakeBothSidesPromote drives a real loopback TCP handshake
// through two Managers and asserts both sides promote with the negotiated
// version (spec §8 scenario 1, "Basic handshake").
func TestBasicHandshakeBothSidesPromote(t *testing.T) {
	ln, port := listenEphemeral(t)
	defer ln.Close()

	serverPool, err := socketctx.New(2, 4, 1)
	if err != nil {
		t.Fatalf("server pool: %v", err)
	}
	clientPool, err := socketctx.New(2, 4, 1)
	if err != nil {
		t.Fatalf("client pool: %v", err)
	}

	serverReactor, err := reactor.New()
	if err != nil {
		t.Fatalf("server reactor: %v", err)
	}
	defer serverReactor.Close()
	clientReactor, err := reactor.New()
	if err != nil {
		t.Fatalf("client reactor: %v", err)
	}
	defer clientReactor.Close()

	versions := connmgr.Versions{Major: 3, Minor: 1, MinMajor: 1, MinMinor: 0}
	cfg := connmgr.DefaultConfig()
	cfg.Port = port
	cfg.ConnectTimeout = 5 * time.Second
	cfg.Versions = versions

	serverPromoted := make(chan struct{}, 1)
	clientPromoted := make(chan struct{}, 1)

	serverMgr := connmgr.New(cfg, connmgr.Callbacks{
		Promote: func(ctx *socketctx.Context, role socketctx.Role, major, minor uint32) {
			if major != 3 || minor != 1 {
				t.Errorf("server: unexpected negotiated version (%d,%d)", major, minor)
			}
			serverPromoted <- struct{}{}
		},
	}, serverPool, serverReactor, nil, nil, nil)

	clientMgr := connmgr.New(cfg, connmgr.Callbacks{
		Promote: func(ctx *socketctx.Context, role socketctx.Role, major, minor uint32) {
			if major != 3 || minor != 1 {
				t.Errorf("client: unexpected negotiated version (%d,%d)", major, minor)
			}
			clientPromoted <- struct{}{}
		},
	}, clientPool, clientReactor, nil, nil, nil)

	// Accept loop: hand each incoming raw connection to the server manager.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tcpConn := conn.(*net.TCPConn)
		rawConn, err := tcpConn.SyscallConn()
		if err != nil {
			return
		}
		var fd int
		_ = rawConn.Control(func(f uintptr) { fd = dupFD(int(f)) })
		_ = serverMgr.AdoptAccepted(fd, loopbackIP(t))
	}()

	if err := clientMgr.StartConnect(loopbackIP(t), port); err != nil {
		t.Fatalf("start connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			serverMgr.Poll(50)
			clientMgr.Poll(50)
		}
		close(done)
	}()

	var sawServer, sawClient bool
	timeout := time.After(5 * time.Second)
	for !sawServer || !sawClient {
		select {
		case <-serverPromoted:
			sawServer = true
		case <-clientPromoted:
			sawClient = true
		case <-timeout:
			t.Fatalf("handshake did not complete: server=%v client=%v", sawServer, sawClient)
		}
	}
	<-done
}

func dupFD(fd int) int {
	newFd, err := unix.Dup(fd)
	if err != nil {
		return fd
	}
	return newFd
}
