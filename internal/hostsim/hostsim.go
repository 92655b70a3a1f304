// Package hostsim emulates the host side of a user-mode network for a
// guest running the poll-driven stack: an Ethernet gateway that answers
// ARP and ICMP echo, serves DHCP leases and DNS A records, and accepts
// TCP connections through net.Listener so ordinary servers (net/http,
// websocket handlers) can talk to the guest.
//
// The addressing defaults mirror QEMU's slirp layout: gateway 10.0.2.2,
// DNS 10.0.2.3, guest lease 10.0.2.15.
//
// Unlike the guest stack, the gateway is safe for concurrent use; server
// goroutines write into connections while the guest's poll loop delivers
// frames.
package hostsim

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"
)

const DEBUG = false

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	icmpProtocolNumber = 1
	tcpProtocolNumber  = 6
	udpProtocolNumber  = 17

	ethernetHeaderLen = 14
	arpPacketLen      = 28
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8
	tcpHeaderLen      = 20

	// maxQueuedFrames bounds the gateway-to-guest queue; overflow drops.
	maxQueuedFrames = 256
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
var broadcastIP = [4]byte{255, 255, 255, 255}

////////////////////////////////////////////////////////////////////////////////
// Gateway: owns addressing, the frame queue and the protocol servers.
////////////////////////////////////////////////////////////////////////////////

// Options configures a Gateway. Zero fields pick the slirp-style defaults.
type Options struct {
	HostMAC [6]byte
	HostIP  [4]byte
	DNSIP   [4]byte

	// Lease is the single address handed to the guest via DHCP.
	Lease LeaseOptions

	// RandSeed seeds TCP initial sequence numbers. Zero seeds from the clock.
	RandSeed int64
}

// LeaseOptions describes the DHCP lease offered to the guest.
type LeaseOptions struct {
	IP      [4]byte
	Subnet  [4]byte
	Seconds uint32
}

// Gateway is the host-side network peer.
type Gateway struct {
	log *slog.Logger

	hostMAC [6]byte
	hostIP  [4]byte
	dnsIP   [4]byte
	lease   LeaseOptions

	mu          sync.Mutex
	guestMAC    [6]byte
	guestMACSet bool
	out         [][]byte
	ipID        uint16
	randSource  *rand.Rand

	tcpMu     sync.Mutex
	tcpListen map[uint16]*tcpListener
	tcpConns  map[tcpFourTuple]*tcpConn

	udpMu      sync.Mutex
	udpSockets map[uint16]*udpConn

	dnsMu      sync.Mutex
	dnsRecords map[string][4]byte
	dnsServer  *dnsServer
}

// New constructs a Gateway with defaults filled in.
func New(logger *slog.Logger, opts Options) *Gateway {
	if opts.HostMAC == ([6]byte{}) {
		opts.HostMAC = [6]byte{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}
	}
	if opts.HostIP == ([4]byte{}) {
		opts.HostIP = [4]byte{10, 0, 2, 2}
	}
	if opts.DNSIP == ([4]byte{}) {
		opts.DNSIP = [4]byte{10, 0, 2, 3}
	}
	if opts.Lease.IP == ([4]byte{}) {
		opts.Lease.IP = [4]byte{10, 0, 2, 15}
	}
	if opts.Lease.Subnet == ([4]byte{}) {
		opts.Lease.Subnet = [4]byte{255, 255, 255, 0}
	}
	if opts.Lease.Seconds == 0 {
		opts.Lease.Seconds = 86400
	}
	seed := opts.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Gateway{
		log:        logger,
		hostMAC:    opts.HostMAC,
		hostIP:     opts.HostIP,
		dnsIP:      opts.DNSIP,
		lease:      opts.Lease,
		randSource: rand.New(rand.NewSource(seed)),
		tcpListen:  make(map[uint16]*tcpListener),
		tcpConns:   make(map[tcpFourTuple]*tcpConn),
		udpSockets: make(map[uint16]*udpConn),
		dnsRecords: make(map[string][4]byte),
	}
}

// HostIP returns the gateway's own address.
func (g *Gateway) HostIP() [4]byte { return g.hostIP }

// DNSIP returns the address the DNS responder answers on.
func (g *Gateway) DNSIP() [4]byte { return g.dnsIP }

// LeaseIP returns the address the DHCP server hands out.
func (g *Gateway) LeaseIP() [4]byte { return g.lease.IP }

// Close shuts down the DNS responder and all TCP state.
func (g *Gateway) Close() error {
	g.stopDNS()

	g.tcpMu.Lock()
	listeners := make([]*tcpListener, 0, len(g.tcpListen))
	for _, l := range g.tcpListen {
		listeners = append(listeners, l)
	}
	conns := make([]*tcpConn, 0, len(g.tcpConns))
	for _, c := range g.tcpConns {
		conns = append(conns, c)
	}
	g.tcpMu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Link: the in-memory frame transport handed to the guest stack.
////////////////////////////////////////////////////////////////////////////////

// Link is an in-memory Ethernet segment between a guest stack and the
// gateway. It satisfies the guest stack's link interface.
type Link struct {
	gw  *Gateway
	mac [6]byte
}

// NewLink returns a link whose guest end owns mac.
func (g *Gateway) NewLink(guestMAC [6]byte) *Link {
	return &Link{gw: g, mac: guestMAC}
}

func (l *Link) Available() bool     { return true }
func (l *Link) MACAddress() [6]byte { return l.mac }
func (l *Link) Poll()               {}

// Send delivers a guest frame to the gateway synchronously. Any replies
// are queued for a later Receive.
func (l *Link) Send(frame []byte) error {
	return l.gw.handleFrame(frame)
}

// Receive copies the oldest queued gateway frame into buf.
func (l *Link) Receive(buf []byte) int {
	return l.gw.dequeueFrame(buf)
}

// enqueueFrame queues a frame for delivery to the guest. A full queue
// drops the frame; the guest's retry timers recover.
func (g *Gateway) enqueueFrame(frame []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.out) >= maxQueuedFrames {
		g.log.Warn("sim: frame queue full, dropping", "len", len(frame))
		return
	}
	g.out = append(g.out, append([]byte(nil), frame...))
}

func (g *Gateway) dequeueFrame(buf []byte) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.out) == 0 {
		return 0
	}
	frame := g.out[0]
	g.out = g.out[1:]
	return copy(buf, frame)
}

////////////////////////////////////////////////////////////////////////////////
// Inbound frame handling.
////////////////////////////////////////////////////////////////////////////////

func (g *Gateway) handleFrame(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		return fmt.Errorf("frame too short: %d", len(frame))
	}

	var srcMAC [6]byte
	copy(srcMAC[:], frame[6:12])
	g.learnGuestMAC(srcMAC)

	et := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethernetHeaderLen:]

	switch et {
	case etherTypeARP:
		if len(payload) >= arpPacketLen {
			g.handleARP(payload)
		}
	case etherTypeIPv4:
		if len(payload) >= ipv4HeaderLen {
			g.handleIPv4(payload)
		}
	default:
		if DEBUG {
			g.log.Debug("sim: drop unsupported ethertype",
				"type", fmt.Sprintf("0x%04x", et))
		}
	}
	return nil
}

func (g *Gateway) learnGuestMAC(mac [6]byte) {
	if mac == broadcastMAC || mac == ([6]byte{}) {
		return
	}
	g.mu.Lock()
	g.guestMAC = mac
	g.guestMACSet = true
	g.mu.Unlock()
}

// guestMACForTransmit returns the learned guest MAC, or false before the
// guest has sent anything.
func (g *Gateway) guestMACForTransmit() ([6]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.guestMAC, g.guestMACSet
}

func (g *Gateway) nextIPID() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ipID++
	return g.ipID
}

// ownsIP reports whether dst is one of the gateway's addresses.
func (g *Gateway) ownsIP(ip [4]byte) bool {
	return ip == g.hostIP || ip == g.dnsIP
}

////////////////////////////////////////////////////////////////////////////////
// ARP responder.
////////////////////////////////////////////////////////////////////////////////

func (g *Gateway) handleARP(payload []byte) {
	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	op := binary.BigEndian.Uint16(payload[6:8])
	if hwType != 1 || protoType != etherTypeIPv4 ||
		payload[4] != 6 || payload[5] != 4 {
		return
	}

	var senderMAC [6]byte
	var senderIP, targetIP [4]byte
	copy(senderMAC[:], payload[8:14])
	copy(senderIP[:], payload[14:18])
	copy(targetIP[:], payload[24:28])

	if op != 1 || !g.ownsIP(targetIP) {
		return
	}

	reply := make([]byte, ethernetHeaderLen+arpPacketLen)
	copy(reply[0:6], senderMAC[:])
	copy(reply[6:12], g.hostMAC[:])
	binary.BigEndian.PutUint16(reply[12:14], etherTypeARP)

	p := reply[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(p[0:2], 1)
	binary.BigEndian.PutUint16(p[2:4], etherTypeIPv4)
	p[4] = 6
	p[5] = 4
	binary.BigEndian.PutUint16(p[6:8], 2) // reply
	copy(p[8:14], g.hostMAC[:])
	copy(p[14:18], targetIP[:])
	copy(p[18:24], senderMAC[:])
	copy(p[24:28], senderIP[:])

	g.enqueueFrame(reply)
}

////////////////////////////////////////////////////////////////////////////////
// IPv4 demux and ICMP echo.
////////////////////////////////////////////////////////////////////////////////

type ipv4Header struct {
	protocol uint8
	src      [4]byte
	dst      [4]byte
	payload  []byte
}

func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	if data[0]>>4 != 4 {
		return ipv4Header{}, fmt.Errorf("ipv4 version mismatch: %d", data[0]>>4)
	}
	headerLen := int(data[0]&0x0f) * 4
	if headerLen < ipv4HeaderLen || len(data) < headerLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header length mismatch: %d", headerLen)
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < headerLen || totalLen > len(data) {
		return ipv4Header{}, fmt.Errorf("ipv4 total length mismatch: %d", totalLen)
	}

	h := ipv4Header{protocol: data[9]}
	copy(h.src[:], data[12:16])
	copy(h.dst[:], data[16:20])
	h.payload = data[headerLen:totalLen]
	return h, nil
}

func (g *Gateway) handleIPv4(packet []byte) {
	h, err := parseIPv4Header(packet)
	if err != nil {
		if DEBUG {
			g.log.Debug("sim: drop bad ipv4 packet", "err", err)
		}
		return
	}
	if !g.ownsIP(h.dst) && h.dst != broadcastIP {
		return
	}

	switch h.protocol {
	case icmpProtocolNumber:
		g.handleICMP(h)
	case udpProtocolNumber:
		g.handleUDP(h)
	case tcpProtocolNumber:
		if err := g.handleTCP(h); err != nil {
			g.log.Warn("sim: tcp handling failed", "err", err)
		}
	}
}

func (g *Gateway) handleICMP(h ipv4Header) {
	if len(h.payload) < 8 || h.payload[0] != 8 {
		return
	}

	reply := make([]byte, len(h.payload))
	reply[0] = 0 // echo reply
	reply[1] = h.payload[1]
	copy(reply[4:], h.payload[4:])
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], checksum(reply))

	if err := g.sendIPv4(h.dst, h.src, icmpProtocolNumber, reply); err != nil {
		g.log.Warn("sim: icmp reply failed", "err", err)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Outbound packet and frame construction.
////////////////////////////////////////////////////////////////////////////////

// sendIPv4 wraps payload in IPv4+Ethernet addressed to the learned guest
// MAC and queues it.
func (g *Gateway) sendIPv4(src, dst [4]byte, protocol uint8, payload []byte) error {
	dstMAC, ok := g.guestMACForTransmit()
	if !ok {
		return fmt.Errorf("guest mac unknown for transmit")
	}
	return g.sendIPv4To(dstMAC, src, dst, protocol, payload)
}

func (g *Gateway) sendIPv4To(dstMAC [6]byte, src, dst [4]byte, protocol uint8, payload []byte) error {
	frame := make([]byte, ethernetHeaderLen+ipv4HeaderLen+len(payload))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], g.hostMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)

	ip := frame[ethernetHeaderLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(ip[4:6], g.nextIPID())
	ip[8] = 64 // TTL
	ip[9] = protocol
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	binary.BigEndian.PutUint16(ip[10:12], checksum(ip[:ipv4HeaderLen]))
	copy(ip[ipv4HeaderLen:], payload)

	g.enqueueFrame(frame)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Checksums (shared with the transport senders).
////////////////////////////////////////////////////////////////////////////////

func checksum(data []byte) uint16 {
	return checksumWithInitial(data, 0)
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func pseudoHeaderChecksum(src, dst [4]byte, protocol uint8, length int) uint32 {
	sum := uint32(0)
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func ipString(ip [4]byte) string {
	return net.IP(ip[:]).String()
}
