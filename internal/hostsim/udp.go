package hostsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// UDP datapath: port-keyed sockets plus the DHCP special case.
////////////////////////////////////////////////////////////////////////////////

func (g *Gateway) handleUDP(h ipv4Header) {
	payload := h.payload
	if len(payload) < udpHeaderLen {
		return
	}

	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if int(length) < udpHeaderLen || int(length) > len(payload) {
		return
	}
	data := payload[udpHeaderLen:length]

	if dstPort == 67 {
		g.handleDHCP(data)
		return
	}

	g.udpMu.Lock()
	ep, ok := g.udpSockets[dstPort]
	g.udpMu.Unlock()
	if !ok {
		if DEBUG {
			g.log.Debug("sim: drop udp datagram for unbound port",
				"srcIP", ipString(h.src),
				"srcPort", srcPort,
				"dstPort", dstPort)
		}
		return
	}

	ep.enqueue(data, net.UDPAddr{
		IP:   append(net.IP(nil), h.src[:]...),
		Port: int(srcPort),
	})
}

// sendUDPDatagram emits a datagram to the guest with the UDP checksum set.
func (g *Gateway) sendUDPDatagram(dstMAC [6]byte, srcIP [4]byte, srcPort uint16, dstIP [4]byte, dstPort uint16, payload []byte) error {
	segment := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(segment[0:2], srcPort)
	binary.BigEndian.PutUint16(segment[2:4], dstPort)
	binary.BigEndian.PutUint16(segment[4:6], uint16(len(segment)))
	copy(segment[udpHeaderLen:], payload)

	ps := pseudoHeaderChecksum(srcIP, dstIP, udpProtocolNumber, len(segment))
	binary.BigEndian.PutUint16(segment[6:8], checksumWithInitial(segment, ps))

	return g.sendIPv4To(dstMAC, srcIP, dstIP, udpProtocolNumber, segment)
}

////////////////////////////////////////////////////////////////////////////////
// udpConn: a bound UDP "socket" satisfying net.PacketConn.
////////////////////////////////////////////////////////////////////////////////

// timeoutError conveys a deadline expiry via net.Error.
type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type udpPacket struct {
	payload []byte
	addr    net.UDPAddr
}

type udpConn struct {
	gw      *Gateway
	localIP [4]byte
	port    uint16

	incoming chan udpPacket
	closed   atomic.Bool

	// Deadlines may be set concurrently with a blocked ReadFrom; deadlineCh
	// is closed and replaced on every update so the reader re-arms its timer.
	mu         sync.Mutex
	readDead   time.Time
	writeDead  time.Time
	deadlineCh chan struct{}
}

// ListenPacket binds a UDP port on one of the gateway's addresses.
func (g *Gateway) ListenPacket(localIP [4]byte, port uint16) (net.PacketConn, error) {
	if !g.ownsIP(localIP) {
		return nil, fmt.Errorf("hostsim: %s is not a gateway address", ipString(localIP))
	}

	g.udpMu.Lock()
	defer g.udpMu.Unlock()
	if _, ok := g.udpSockets[port]; ok {
		return nil, fmt.Errorf("hostsim: udp port %d already in use", port)
	}

	ep := &udpConn{
		gw:         g,
		localIP:    localIP,
		port:       port,
		incoming:   make(chan udpPacket, 32),
		deadlineCh: make(chan struct{}),
	}
	g.udpSockets[port] = ep
	return ep, nil
}

func (ep *udpConn) enqueue(data []byte, addr net.UDPAddr) {
	if ep.closed.Load() {
		return
	}
	// Don't block the guest's frame path on a slow reader.
	select {
	case ep.incoming <- udpPacket{payload: append([]byte(nil), data...), addr: addr}:
	default:
	}
}

func (ep *udpConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		if ep.closed.Load() {
			return 0, nil, net.ErrClosed
		}

		ep.mu.Lock()
		dead := ep.readDead
		changed := ep.deadlineCh
		ep.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !dead.IsZero() {
			until := time.Until(dead)
			if until <= 0 {
				return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
			}
			timer = time.NewTimer(until)
			timeout = timer.C
		}

		select {
		case pkt, ok := <-ep.incoming:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return 0, nil, net.ErrClosed
			}
			n := copy(b, pkt.payload)
			return n, &pkt.addr, nil
		case <-timeout:
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
		case <-changed:
			// Deadline updated mid-read; re-arm against the new value.
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

func (ep *udpConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errors.New("unexpected addr type")}
	}
	if ep.closed.Load() {
		return 0, net.ErrClosed
	}
	ep.mu.Lock()
	writeDead := ep.writeDead
	ep.mu.Unlock()
	if !writeDead.IsZero() && time.Now().After(writeDead) {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: timeoutError{}}
	}

	dst4 := udpAddr.IP.To4()
	if dst4 == nil {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errors.New("destination is not ipv4")}
	}
	var dstIP [4]byte
	copy(dstIP[:], dst4)

	dstMAC, okMAC := ep.gw.guestMACForTransmit()
	if !okMAC {
		return 0, fmt.Errorf("hostsim: guest mac unknown for udp transmit")
	}

	err := ep.gw.sendUDPDatagram(dstMAC, ep.localIP, ep.port, dstIP, uint16(udpAddr.Port), b)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (ep *udpConn) Close() error {
	if ep.closed.Swap(true) {
		return nil
	}
	close(ep.incoming)

	ep.gw.udpMu.Lock()
	delete(ep.gw.udpSockets, ep.port)
	ep.gw.udpMu.Unlock()
	return nil
}

func (ep *udpConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IP(ep.localIP[:]), Port: int(ep.port)}
}

func (ep *udpConn) SetDeadline(t time.Time) error {
	ep.mu.Lock()
	ep.readDead = t
	ep.writeDead = t
	ep.bumpDeadlineLocked()
	ep.mu.Unlock()
	return nil
}

func (ep *udpConn) SetReadDeadline(t time.Time) error {
	ep.mu.Lock()
	ep.readDead = t
	ep.bumpDeadlineLocked()
	ep.mu.Unlock()
	return nil
}

func (ep *udpConn) SetWriteDeadline(t time.Time) error {
	ep.mu.Lock()
	ep.writeDead = t
	ep.mu.Unlock()
	return nil
}

// bumpDeadlineLocked wakes any ReadFrom blocked on the previous deadline.
func (ep *udpConn) bumpDeadlineLocked() {
	close(ep.deadlineCh)
	ep.deadlineCh = make(chan struct{})
}
