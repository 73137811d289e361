// Package discovery binds the telemetry receive socket, broadcasts
// heartbeats to find the console, and locks onto whichever peer answers
// with an acceptable frame.
package discovery

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/marcelscruz/open-gt/internal/protocol"
)

// Datagram is one received UDP payload paired with its sender.
type Datagram struct {
	Payload []byte
	From    *net.UDPAddr
}

// Acceptor validates a datagram and reports whether it should collapse
// discovery onto the sender. Returning true locks the peer.
type Acceptor func(Datagram) bool

// Discovery manages the unlocked -> locked heartbeat state machine
// described for the UDP transport.
type Discovery struct {
	recvConn *net.UDPConn
	sendPort int

	heartbeatInterval time.Duration

	mu      sync.RWMutex
	locked  bool
	targets []*net.UDPAddr

	accept Acceptor

	framesCh chan Datagram
}

// Config configures a Discovery instance.
type Config struct {
	RecvPort          int
	SendPort          int
	HeartbeatInterval time.Duration
	// ExplicitPeer, if set, skips broadcast discovery and locks
	// immediately onto this address (the PS5_IP override).
	ExplicitPeer string
}

// New binds the receive socket. Bind failure is fatal to the caller.
func New(cfg Config, accept Acceptor) (*Discovery, error) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = protocol.HeartbeatInterval * time.Second
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.RecvPort})
	if err != nil {
		return nil, err
	}

	d := &Discovery{
		recvConn:          conn,
		sendPort:          cfg.SendPort,
		heartbeatInterval: cfg.HeartbeatInterval,
		accept:            accept,
		framesCh:          make(chan Datagram, 256),
	}

	if cfg.ExplicitPeer != "" {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.ExplicitPeer, "0"))
		if err == nil {
			d.locked = true
			d.targets = []*net.UDPAddr{{IP: addr.IP, Port: cfg.SendPort}}
			slog.Info("discovery locked to explicit peer", "peer", cfg.ExplicitPeer)
		}
	} else {
		d.targets = broadcastTargets(cfg.SendPort)
	}

	return d, nil
}

// Frames exposes the channel of received full-size raw datagrams, queued
// before the acceptor runs, so rejected datagrams appear here too. Never
// closed by Discovery itself.
func (d *Discovery) Frames() <-chan Datagram {
	return d.framesCh
}

// Run blocks until ctx is cancelled, running the receive loop and the
// heartbeat ticker concurrently.
func (d *Discovery) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.receiveLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.heartbeatLoop(ctx)
	}()
	wg.Wait()
}

func (d *Discovery) receiveLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			_ = d.recvConn.Close()
			return
		default:
		}

		_ = d.recvConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := d.recvConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("discovery read error", "err", err)
				continue
			}
		}
		if n < protocol.FrameSize {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		dg := Datagram{Payload: payload, From: from}

		select {
		case d.framesCh <- dg:
		default:
			// drop newest under backpressure; telemetry is realtime
		}

		if d.accept != nil && d.accept(dg) {
			d.lockOnto(from)
		}
	}
}

func (d *Discovery) lockOnto(addr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return
	}
	d.locked = true
	d.targets = []*net.UDPAddr{{IP: addr.IP, Port: d.sendPort}}
	slog.Info("discovery locked", "peer", addr.IP.String())
}

func (d *Discovery) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	d.sendHeartbeats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sendHeartbeats()
		}
	}
}

func (d *Discovery) sendHeartbeats() {
	d.mu.RLock()
	targets := make([]*net.UDPAddr, len(d.targets))
	copy(targets, d.targets)
	d.mu.RUnlock()

	for _, t := range targets {
		if _, err := d.recvConn.WriteToUDP([]byte{'A'}, t); err != nil {
			slog.Debug("heartbeat send failed", "target", t.String(), "err", err)
		}
	}
}

// Locked reports whether discovery has collapsed onto a single peer.
func (d *Discovery) Locked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.locked
}

// PeerAddr returns the currently locked peer, if any.
func (d *Discovery) PeerAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.locked || len(d.targets) == 0 {
		return ""
	}
	return d.targets[0].IP.String()
}

// broadcastTargets enumerates non-loopback IPv4 interfaces and computes
// their directed broadcast address, falling back to the limited broadcast
// address if none are found.
func broadcastTargets(sendPort int) []*net.UDPAddr {
	var targets []*net.UDPAddr

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		slog.Warn("enumerate interfaces failed", "err", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		mask := ipNet.Mask
		bcast := make(net.IP, len(ip4))
		for i := range ip4 {
			bcast[i] = ip4[i] | ^mask[i]
		}
		targets = append(targets, &net.UDPAddr{IP: bcast, Port: sendPort})
	}

	if len(targets) == 0 {
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: sendPort})
	}
	return targets
}
