// Package transport moves audio packets between nodes as UDP datagrams,
// over a well-known multicast group for broadcast-to-all and over unicast
// for room-to-room targeting.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/mveit/intercom/pkg/protocol"
)

const (
	// readTimeout bounds each blocking receive so a stalled interface can
	// never wedge the RX loop.
	readTimeout = 100 * time.Millisecond

	// defaultQueueDepth buffers ~300ms of incoming audio between the
	// socket and the RX loop.
	defaultQueueDepth = 15
)

// Config selects the addresses the transport binds to. The zero value is
// completed with the protocol defaults.
type Config struct {
	Group      string // multicast group; empty disables group membership
	Port       int
	Interface  string // interface name for multicast; empty = system default
	QueueDepth int
}

// Stats is a snapshot of transport counters.
type Stats struct {
	TxSent    uint64
	TxFailed  uint64
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64 // queue full
	RxInvalid uint64 // sub-header datagrams (e.g. probes)
}

// Transport owns the TX and RX sockets. Incoming packets are delivered on
// Packets(); sends never block on the receiver.
type Transport struct {
	cfg   Config
	group *net.UDPAddr
	ifi   *net.Interface

	txConn *net.UDPConn
	txPC   *ipv4.PacketConn
	rxConn *net.UDPConn
	rxPC   *ipv4.PacketConn

	packets chan *protocol.Packet
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex // guards Rejoin vs Stop
	joined bool

	txSent    atomic.Uint64
	txFailed  atomic.Uint64
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	rxDropped atomic.Uint64
	rxInvalid atomic.Uint64
}

// New creates a transport with the given config, filling in protocol
// defaults for unset fields.
func New(cfg Config) *Transport {
	if cfg.Port == 0 {
		cfg.Port = protocol.AudioPort
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	return &Transport{
		cfg:     cfg,
		packets: make(chan *protocol.Packet, cfg.QueueDepth),
		done:    make(chan struct{}),
	}
}

// Start opens both sockets, joins the multicast group (when configured)
// and launches the receive loop.
func (t *Transport) Start() error {
	if t.cfg.Interface != "" {
		ifi, err := net.InterfaceByName(t.cfg.Interface)
		if err != nil {
			return fmt.Errorf("transport: interface %q: %w", t.cfg.Interface, err)
		}
		t.ifi = ifi
	}

	// TX socket: ephemeral source port, loopback disabled so we do not
	// receive our own multicast (first line of self-echo defense; the
	// device-id filter upstream is the second).
	txConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("transport: tx socket: %w", err)
	}
	t.txConn = txConn
	t.txPC = ipv4.NewPacketConn(txConn)
	_ = t.txPC.SetMulticastTTL(protocol.MulticastTTL)
	_ = t.txPC.SetMulticastLoopback(false)
	if t.ifi != nil {
		_ = t.txPC.SetMulticastInterface(t.ifi)
	}

	// RX socket: bound to the audio port on all interfaces.
	rxConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: t.cfg.Port})
	if err != nil {
		_ = txConn.Close()
		return fmt.Errorf("transport: rx socket: %w", err)
	}
	t.rxConn = rxConn
	t.rxPC = ipv4.NewPacketConn(rxConn)

	if t.cfg.Group != "" {
		groupIP := net.ParseIP(t.cfg.Group)
		if groupIP == nil {
			_ = txConn.Close()
			_ = rxConn.Close()
			return fmt.Errorf("transport: invalid group %q", t.cfg.Group)
		}
		t.group = &net.UDPAddr{IP: groupIP, Port: t.cfg.Port}
		if err := t.rxPC.JoinGroup(t.ifi, &net.UDPAddr{IP: groupIP}); err != nil {
			_ = txConn.Close()
			_ = rxConn.Close()
			return fmt.Errorf("transport: join group %s: %w", t.cfg.Group, err)
		}
		t.joined = true
		slog.Info("multicast group joined", "group", t.cfg.Group, "port", t.cfg.Port)
	}

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Packets returns the channel incoming packets are delivered on.
func (t *Transport) Packets() <-chan *protocol.Packet {
	return t.packets
}

// SendMulticast sends one packet to the group. Send failures are counted
// and (sporadically) logged, never fatal: a lost frame is expected traffic
// loss the codec conceals.
func (t *Transport) SendMulticast(pkt *protocol.Packet) {
	if t.group == nil {
		t.txFailed.Add(1)
		return
	}
	t.send(pkt, t.group)
}

// SendUnicast sends one packet to a specific peer on the audio port.
func (t *Transport) SendUnicast(pkt *protocol.Packet, ip string) {
	addr := net.ParseIP(ip)
	if addr == nil {
		t.txFailed.Add(1)
		slog.Warn("unicast target unparseable", "ip", ip)
		return
	}
	t.send(pkt, &net.UDPAddr{IP: addr, Port: t.cfg.Port})
}

func (t *Transport) send(pkt *protocol.Packet, dst *net.UDPAddr) {
	raw, err := pkt.Marshal()
	if err != nil {
		t.txFailed.Add(1)
		slog.Warn("packet marshal failed", "err", err)
		return
	}
	if _, err := t.txConn.WriteToUDP(raw, dst); err != nil {
		n := t.txFailed.Add(1)
		if n%50 == 1 {
			slog.Warn("send failed", "dst", dst, "err", err, "total_failed", n)
		}
		return
	}
	t.txSent.Add(1)
}

// Rejoin proactively leaves and re-joins the multicast group. Idempotent:
// calling it while membership is healthy changes nothing observable. The
// leave error is ignored on purpose: the membership may already be gone,
// which is exactly the failure this refresh defends against.
func (t *Transport) Rejoin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.group == nil || t.rxPC == nil {
		return nil
	}
	groupOnly := &net.UDPAddr{IP: t.group.IP}
	_ = t.rxPC.LeaveGroup(t.ifi, groupOnly)
	if err := t.rxPC.JoinGroup(t.ifi, groupOnly); err != nil {
		return fmt.Errorf("transport: rejoin group %s: %w", t.cfg.Group, err)
	}
	t.joined = true
	slog.Debug("multicast group rejoined", "group", t.cfg.Group)
	return nil
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		TxSent:    t.txSent.Load(),
		TxFailed:  t.txFailed.Load(),
		RxPackets: t.rxPackets.Load(),
		RxBytes:   t.rxBytes.Load(),
		RxDropped: t.rxDropped.Load(),
		RxInvalid: t.rxInvalid.Load(),
	}
}

// Stop leaves the group, closes both sockets and waits for the receive
// loop to exit.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.joined {
		_ = t.rxPC.LeaveGroup(t.ifi, &net.UDPAddr{IP: t.group.IP})
		t.joined = false
	}
	t.mu.Unlock()

	close(t.done)
	if t.rxConn != nil {
		_ = t.rxConn.Close()
	}
	if t.txConn != nil {
		_ = t.txConn.Close()
	}
	t.wg.Wait()
}

// readLoop receives datagrams with a bounded deadline, parses them and
// hands them to the packet channel, dropping on back-pressure.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, protocol.MaxPacketSize)
	var lastStats time.Time

	for {
		select {
		case <-t.done:
			return
		default:
		}

		_ = t.rxConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := t.rxConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.done:
				return
			default:
				slog.Debug("receive failed", "err", err)
				continue
			}
		}

		t.rxBytes.Add(uint64(n))

		pkt, err := protocol.UnmarshalPacket(buf[:n])
		if err != nil {
			// Sub-header datagrams (boot probes) are ignored silently.
			t.rxInvalid.Add(1)
			continue
		}
		t.rxPackets.Add(1)

		select {
		case t.packets <- pkt:
		default:
			n := t.rxDropped.Add(1)
			if n%50 == 1 {
				slog.Warn("rx queue full", "dropped_seq", pkt.Sequence, "total_drops", n)
			}
		}

		if now := time.Now(); now.Sub(lastStats) >= 10*time.Second {
			lastStats = now
			slog.Debug("rx stats",
				"packets", t.rxPackets.Load(),
				"bytes", t.rxBytes.Load(),
				"dropped", t.rxDropped.Load(),
			)
		}
	}
}
