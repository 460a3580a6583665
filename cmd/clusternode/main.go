// File: cmd/clusternode/main.go
// Author: momentics <momentics@gmail.com>
//
// Demo cluster node binary: starts one engine.Engine, dials any peers
// named on the command line, registers a demo application session, and
// echoes whatever it receives back to the sender. Shutdown logic follows
// the teacher's examples/stest/server pattern: a signal-driven stop
// channel, graceful engine.Stop, bounded wait.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/clustermesh/api"
	"github.com/momentics/clustermesh/engine"
	"github.com/momentics/clustermesh/queue"
	"github.com/momentics/clustermesh/wire"
)

const (
	demoFuncID  wire.FuncID = 1
	demoSeqEcho uint32      = 1
)

func main() {
	myIPFlag := flag.String("ip", "10.0.0.1", "this node's cluster-facing IPv4 address")
	portFlag := flag.Int("port", 9100, "cluster port to listen on")
	peersFlag := flag.String("peers", "", "comma-separated ip:port list of peers to connect to")
	workersFlag := flag.Int("workers", 4, "number of epoll worker threads")
	pingFlag := flag.Duration("ping-interval", 5*time.Second, "in-band ping send interval")
	debugFlag := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	logger := newLogger(*debugFlag)
	defer logger.Sync()

	myIP, err := parseIPv4(*myIPFlag)
	if err != nil {
		log.Fatalf("invalid -ip: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.MyIP = myIP
	cfg.Port = *portFlag
	cfg.NumWorkers = *workersFlag
	cfg.PingSendInterval = *pingFlag
	cfg.Logger = logger
	cfg.MachineChangeNotify = func(ip uint32, up bool) {
		logger.Info("peer status changed", zap.String("peer", formatIPv4(ip)), zap.Bool("up", up))
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("engine.New: %v", err)
	}

	peers := parsePeers(*peersFlag)

	// A session's SessionID key is (remote peer ip, sequence) from the
	// local node's point of view (spec.md §4.8's session resolution), so
	// one echo session is registered per configured peer ahead of time.
	for _, peer := range peers {
		registerEchoSession(eng, logger, myIP, peer.ip)
	}

	if err := eng.Start(); err != nil {
		log.Fatalf("engine.Start: %v", err)
	}
	logger.Info("cluster node started", zap.String("my_ip", formatIPv4(myIP)), zap.Int("port", cfg.Port))

	for _, peer := range peers {
		if err := eng.MachineMakeConnections(peer.ip, peer.port); err != nil {
			logger.Warn("failed to start connections to peer",
				zap.String("peer", formatIPv4(peer.ip)), zap.Int("port", peer.port), zap.Error(err))
			continue
		}
		logger.Info("connecting to peer", zap.String("peer", formatIPv4(peer.ip)), zap.Int("port", peer.port))
	}

	stopSendingCh := make(chan struct{})
	go sendDemoMessages(eng, logger, myIP, peers, stopSendingCh)

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh
	logger.Info("shutdown signal received")
	close(stopSendingCh)

	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("forced exit after shutdown timeout", zap.Duration("timeout", shutdownTimeout))
	}
	logger.Info("cluster node stopped")
}

// registerEchoSession wires a demo session that bounces demoFuncID bodies
// received from peerIP back to their sender, via push_to_send_queue
// against a freshly obtained socket context for that peer (spec.md §6's
// exposed send API). The reply's Session.PeerIP is this node's own
// address, matching the echo session the sender registered for itself.
func registerEchoSession(eng *engine.Engine, logger *zap.Logger, myIP, peerIP uint32) {
	id := wire.SessionID{PeerIP: peerIP, Sequence: demoSeqEcho}
	eng.Sessions().Register(id, func(sess wire.SessionID, _ any, funcID wire.FuncID, blocks []api.Buffer, dataLen uint32) error {
		defer func() {
			for _, b := range blocks {
				b.Release()
			}
		}()
		if funcID != demoFuncID {
			return nil
		}
		logger.Debug("demo frame received", zap.String("peer", formatIPv4(peerIP)), zap.Uint32("data_len", dataLen))

		ctx, err := eng.GetSocketContext(peerIP)
		if err != nil {
			return nil
		}
		reply := wire.NewHeader(demoFuncID, dataLen, wire.SessionID{PeerIP: myIP, Sequence: demoSeqEcho}, 0)
		msg := &queue.Message{Header: reply, Source: queue.SourceInline, Version: ctx.Version()}
		offset := 0
		for _, b := range blocks {
			offset += copy(msg.Inline[offset:], b.Bytes())
		}
		return eng.PushToSendQueue(ctx, api.PriorityMid, msg)
	}, nil)
}

// sendDemoMessages periodically pushes a small greeting frame to every
// configured peer, exercising GetSocketContext/PushToSendQueue end to end.
func sendDemoMessages(eng *engine.Engine, logger *zap.Logger, myIP uint32, peers []peerAddr, stop <-chan struct{}) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, peer := range peers {
				sendDemoMessage(eng, logger, myIP, peer.ip)
			}
		}
	}
}

func sendDemoMessage(eng *engine.Engine, logger *zap.Logger, myIP, peerIP uint32) {
	ctx, err := eng.GetSocketContext(peerIP)
	if err != nil {
		return
	}
	body := fmt.Sprintf("hello from %s", formatIPv4(myIP))
	h := wire.NewHeader(demoFuncID, uint32(len(body)), wire.SessionID{PeerIP: myIP, Sequence: demoSeqEcho}, 0)
	msg := &queue.Message{Header: h, Source: queue.SourceInline, Version: ctx.Version()}
	copy(msg.Inline[:], body)
	if err := eng.PushToSendQueue(ctx, api.PriorityMid, msg); err != nil {
		logger.Debug("demo send failed", zap.String("peer", formatIPv4(peerIP)), zap.Error(err))
	}
}

type peerAddr struct {
	ip   uint32
	port int
}

func parsePeers(spec string) []peerAddr {
	var out []peerAddr
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		host, portStr, err := splitHostPort(tok)
		if err != nil {
			log.Printf("skipping invalid peer %q: %v", tok, err)
			continue
		}
		ip, err := parseIPv4(host)
		if err != nil {
			log.Printf("skipping invalid peer %q: %v", tok, err)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Printf("skipping invalid peer %q: %v", tok, err)
			continue
		}
		out = append(out, peerAddr{ip: ip, port: port})
	}
	return out
}

func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", s)
	}
	return s[:idx], s[idx+1:], nil
}

func parseIPv4(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("not a dotted IPv4 address: %q", s)
	}
	var ip uint32
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("invalid octet %q in %q", p, s)
		}
		ip = ip<<8 | uint32(n)
	}
	return ip, nil
}

func formatIPv4(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip>>24&0xff, ip>>16&0xff, ip>>8&0xff, ip&0xff)
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
